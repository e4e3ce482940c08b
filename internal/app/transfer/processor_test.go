package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/pacs-ferry/internal/dicom"
	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/internal/infra/storage/transfer/memory"
	"github.com/ahrav/pacs-ferry/pkg/common/logger"
)

const testSOPClassCT = "1.2.840.10008.5.1.4.1.1.2"

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelDebug, "test", nil)
}

func resultWith(values map[dicom.Tag]string) dicom.ResultDataset {
	ds := dicom.NewDataset()
	for tag, value := range values {
		ds.Set(tag, value)
	}
	return dicom.NewResultDataset(ds)
}

func patientFixture(id, name, birthDate string) dicom.ResultDataset {
	return resultWith(map[dicom.Tag]string{
		dicom.TagPatientID:        id,
		dicom.TagPatientName:      name,
		dicom.TagPatientBirthDate: birthDate,
	})
}

func studyFixture(uid, patientID, date, tm, modalities, description string) dicom.ResultDataset {
	return resultWith(map[dicom.Tag]string{
		dicom.TagStudyInstanceUID:  uid,
		dicom.TagPatientID:         patientID,
		dicom.TagStudyDate:         date,
		dicom.TagStudyTime:         tm,
		dicom.TagModalitiesInStudy: modalities,
		dicom.TagStudyDescription:  description,
	})
}

func seriesFixture(studyUID, seriesUID, number, modality, description string) dicom.ResultDataset {
	return resultWith(map[dicom.Tag]string{
		dicom.TagStudyInstanceUID:  studyUID,
		dicom.TagSeriesInstanceUID: seriesUID,
		dicom.TagSeriesNumber:      number,
		dicom.TagModality:          modality,
		dicom.TagSeriesDescription: description,
	})
}

func instanceFixture(sopUID, seriesUID, seriesNumber, seriesDescription string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.Set(dicom.TagSOPClassUID, testSOPClassCT)
	ds.Set(dicom.TagSOPInstanceUID, sopUID)
	ds.Set(dicom.TagSeriesInstanceUID, seriesUID)
	ds.Set(dicom.TagSeriesNumber, seriesNumber)
	ds.Set(dicom.TagSeriesDescription, seriesDescription)
	ds.Set(dicom.TagPatientID, "PAT001")
	ds.Set(dicom.TagPatientName, "Doe^Jane")
	ds.Set(dicom.TagPatientBirthDate, "19750630")
	return ds
}

// fakeArchiver records archive interactions.
type fakeArchiver struct {
	ensuredPaths []string
	appendedDirs []string
	passwords    []string
	index        string
}

func (a *fakeArchiver) Ensure(path, password, indexContent string) error {
	a.ensuredPaths = append(a.ensuredPaths, path)
	a.passwords = append(a.passwords, password)
	a.index = indexContent
	return nil
}

func (a *fakeArchiver) AppendDir(path, password, dir string) error {
	a.appendedDirs = append(a.appendedDirs, dir)
	return nil
}

// procFixture wires a transfer processor against in-memory stores and a
// fake peer holding one patient with one two-series study.
type procFixture struct {
	jobs     *memory.JobStore
	nodes    *memory.NodeStore
	conn     *FakeConnector
	archiver *fakeArchiver
	proc     *TransferProcessor

	source      *domain.Node
	destFolder  *domain.Node
	destServer  *domain.Node
	job         *domain.Job
	studyUID    string
	axialUID    string
	topoUID     string
	axialSOP    string
	topogramSOP string
}

func newProcFixture(t *testing.T, jobOpts ...domain.JobOption) *procFixture {
	t.Helper()

	caps := domain.NewCapabilitySet(
		domain.CapabilityPatientRootFind,
		domain.CapabilityStudyRootFind,
		domain.CapabilityStudyRootGet,
		domain.CapabilityStore,
	)
	source := domain.NewServerNode(uuid.New(), "orthanc", domain.NewServerConfig("ORTHANC", "localhost", 4242, caps))
	destFolder := domain.NewFolderNode(uuid.New(), "download", t.TempDir())
	destServer := domain.NewServerNode(uuid.New(), "archive-pacs", domain.NewServerConfig("ARCHIVE", "localhost", 11112, caps))

	f := &procFixture{
		jobs:        memory.NewJobStore(),
		nodes:       memory.NewNodeStore(source, destFolder, destServer),
		archiver:    &fakeArchiver{},
		source:      source,
		destFolder:  destFolder,
		destServer:  destServer,
		studyUID:    "1.2.3.100",
		axialUID:    "1.2.3.100.1",
		topoUID:     "1.2.3.100.2",
		axialSOP:    "1.2.3.100.1.1",
		topogramSOP: "1.2.3.100.2.1",
	}

	f.conn = &FakeConnector{
		Patients: []dicom.ResultDataset{patientFixture("PAT001", "Doe^Jane", "19750630")},
		Studies: []dicom.ResultDataset{
			studyFixture(f.studyUID, "PAT001", "20240102", "130456", `CT\SR`, "CT Abdomen"),
		},
		Series: []dicom.ResultDataset{
			seriesFixture(f.studyUID, f.axialUID, "1", "CT", "Axial"),
			seriesFixture(f.studyUID, f.topoUID, "2", "CT", "Topogram"),
		},
		Instances: map[string][]*dicom.Dataset{
			f.studyUID: {
				instanceFixture(f.axialSOP, f.axialUID, "1", "Axial"),
				instanceFixture(f.topogramSOP, f.topoUID, "2", "Topogram"),
			},
		},
	}

	f.job = domain.NewJob(uuid.New(), domain.TaskKindTransfer, "alice", jobOpts...)
	require.NoError(t, f.jobs.Create(context.Background(), f.job))

	connect := func(domain.ServerConfig) Connector { return f.conn }
	f.proc = NewTransferProcessor(f.jobs, f.nodes, connect, f.archiver, testLogger())
	return f
}

func (f *procFixture) newTask(destinationID uuid.UUID, spec domain.TaskSpec) *domain.Task {
	return domain.NewTask(uuid.New(), f.job.ID(), domain.TaskKindTransfer, f.source.ID(), destinationID, spec)
}

func TestResolvePatientFatals(t *testing.T) {
	conn := &FakeConnector{
		Patients: []dicom.ResultDataset{
			patientFixture("PAT001", "Doe^Jane", "19750630"),
			patientFixture("PAT002", "Doe^John", "19750630"),
		},
	}
	birthDate := time.Date(1975, 6, 30, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		spec    domain.TaskSpec
		wantErr error
	}{
		{
			name:    "no identifiers",
			spec:    domain.TaskSpec{PatientName: "Doe^Jane"},
			wantErr: domain.ErrMissingPatientIdentifiers,
		},
		{
			name:    "unknown patient",
			spec:    domain.TaskSpec{PatientID: "NOPE"},
			wantErr: domain.ErrPatientNotFound,
		},
		{
			name:    "ambiguous by birth date",
			spec:    domain.TaskSpec{PatientName: "Doe^*", PatientBirthDate: birthDate},
			wantErr: domain.ErrPatientAmbiguous,
		},
		{
			name:    "name mismatch",
			spec:    domain.TaskSpec{PatientID: "PAT001", PatientName: "Other^Name"},
			wantErr: domain.ErrPatientMismatch,
		},
		{
			name: "birth date mismatch",
			spec: domain.TaskSpec{
				PatientID:        "PAT001",
				PatientBirthDate: time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
			},
			wantErr: domain.ErrPatientMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolvePatient(context.Background(), conn, tt.spec)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestResolveStudiesDeduplicatesAcrossModalities(t *testing.T) {
	conn := &FakeConnector{
		Studies: []dicom.ResultDataset{
			studyFixture("1.2.3.1", "PAT001", "20240110", "090000", `CT\MR`, "CT and MR"),
			studyFixture("1.2.3.2", "PAT001", "20240105", "100000", "MR", "MR only"),
			studyFixture("1.2.3.3", "PAT001", "20240120", "110000", "US", "US only"),
		},
	}
	spec := domain.TaskSpec{PatientID: "PAT001", Modalities: []string{"CT", "MR", "PT"}}
	task := domain.NewTask(uuid.New(), uuid.New(), domain.TaskKindTransfer, uuid.New(), uuid.New(), spec)

	studies, err := resolveStudies(context.Background(), conn, task, spec, "PAT001")
	require.NoError(t, err)

	// The overlapping study appears once, the unrequested modality not at
	// all, and the order follows the study date.
	require.Len(t, studies, 2)
	assert.Equal(t, "1.2.3.2", studies[0].StudyInstanceUID())
	assert.Equal(t, "1.2.3.1", studies[1].StudyInstanceUID())
}

func TestProcessTransferToFolder(t *testing.T) {
	f := newProcFixture(t)
	task := f.newTask(f.destFolder.ID(), domain.TaskSpec{
		PatientID: "PAT001",
		StudyUID:  f.studyUID,
		Pseudonym: "PSEUDO123",
	})

	result, err := f.proc.Process(context.Background(), f.job, task)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSuccess, result.Status)
	assert.Equal(t, "Transferred 1 study(s).", result.Message)

	folderPath, _ := f.destFolder.FolderPath()
	studyDir := filepath.Join(folderPath, "PSEUDO123", "20240102-130456-CT,SR")
	axialPath := filepath.Join(studyDir, "1-Axial", f.axialSOP+".dcm")
	topoPath := filepath.Join(studyDir, "2-Topogram", f.topogramSOP+".dcm")
	require.FileExists(t, axialPath)
	require.FileExists(t, topoPath)

	data, err := os.ReadFile(axialPath)
	require.NoError(t, err)
	file, err := dicom.ReadFile(data)
	require.NoError(t, err)
	assert.Equal(t, "PSEUDO123", file.Dataset.GetString(dicom.TagPatientID))
	assert.Equal(t, "PSEUDO123", file.Dataset.GetString(dicom.TagPatientName))
	assert.Equal(t, "19750101", file.Dataset.GetString(dicom.TagPatientBirthDate))
}

func TestProcessTransferSeriesSelection(t *testing.T) {
	f := newProcFixture(t)
	task := f.newTask(f.destFolder.ID(), domain.TaskSpec{
		PatientID:  "PAT001",
		StudyUID:   f.studyUID,
		SeriesUIDs: []string{f.axialUID},
	})

	result, err := f.proc.Process(context.Background(), f.job, task)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSuccess, result.Status)

	// Only the selected series is written and the study folder names only
	// its modality.
	folderPath, _ := f.destFolder.FolderPath()
	studyDir := filepath.Join(folderPath, "PAT001", "20240102-130456-CT")
	require.FileExists(t, filepath.Join(studyDir, "1-Axial", f.axialSOP+".dcm"))
	assert.NoFileExists(t, filepath.Join(studyDir, "2-Topogram", f.topogramSOP+".dcm"))
}

func TestProcessUploadPartialStoreFailure(t *testing.T) {
	f := newProcFixture(t)
	f.conn.FailStoreUIDs = map[string]bool{f.topogramSOP: true}
	task := f.newTask(f.destServer.ID(), domain.TaskSpec{
		PatientID: "PAT001",
		StudyUID:  f.studyUID,
	})

	result, err := f.proc.Process(context.Background(), f.job, task)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusWarning, result.Status)
	assert.Equal(t, "Finished with 1 warning(s), see task log.", result.Message)
	assert.Len(t, f.conn.Stored, 1)
}

func TestProcessUploadTotalStoreFailure(t *testing.T) {
	f := newProcFixture(t)
	f.conn.FailStoreUIDs = map[string]bool{f.axialSOP: true, f.topogramSOP: true}
	task := f.newTask(f.destServer.ID(), domain.TaskSpec{
		PatientID: "PAT001",
		StudyUID:  f.studyUID,
	})

	_, err := f.proc.Process(context.Background(), f.job, task)
	require.Error(t, err)
	assert.True(t, domain.IsRetriable(err), "losing every instance must be retriable")
}

func TestProcessAppendsToArchive(t *testing.T) {
	f := newProcFixture(t, domain.WithArchivePassword("secret"))
	task := f.newTask(f.destFolder.ID(), domain.TaskSpec{
		PatientID: "PAT001",
		StudyUID:  f.studyUID,
	})

	result, err := f.proc.Process(context.Background(), f.job, task)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSuccess, result.Status)

	require.Len(t, f.archiver.ensuredPaths, 1)
	base := filepath.Base(f.archiver.ensuredPaths[0])
	assert.Contains(t, base, "ferry_job_")
	assert.Contains(t, base, "alice")
	assert.Equal(t, ".zip", filepath.Ext(base))
	assert.Equal(t, []string{"secret"}, f.archiver.passwords)
	require.Len(t, f.archiver.appendedDirs, 1)
	assert.Equal(t, "PAT001", filepath.Base(f.archiver.appendedDirs[0]))

	// Nothing but the archive lands in the destination folder.
	folderPath, _ := f.destFolder.FolderPath()
	assert.NoDirExists(t, filepath.Join(folderPath, "PAT001"))
}

func TestProcessStopsWhenJobCanceling(t *testing.T) {
	f := newProcFixture(t)
	require.NoError(t, f.job.Verify())
	require.NoError(t, f.job.Cancel())
	require.NoError(t, f.jobs.Update(context.Background(), f.job))

	task := f.newTask(f.destFolder.ID(), domain.TaskSpec{
		PatientID: "PAT001",
		StudyUID:  f.studyUID,
	})

	_, err := f.proc.Process(context.Background(), f.job, task)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestProcessGeneratesPseudonymForTrialJobs(t *testing.T) {
	f := newProcFixture(t, domain.WithTrialProtocol("TRIAL-7", "A Phase II Trial"))
	task := f.newTask(f.destFolder.ID(), domain.TaskSpec{
		PatientID: "PAT001",
		StudyUID:  f.studyUID,
	})

	_, err := f.proc.Process(context.Background(), f.job, task)
	require.NoError(t, err)

	folderPath, _ := f.destFolder.FolderPath()
	entries, err := os.ReadDir(folderPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEqual(t, "PAT001", entries[0].Name(), "trial transfers must not expose the patient ID")
	assert.Len(t, entries[0].Name(), 12)
}

func TestProcessDrainsConnectorLogIntoTask(t *testing.T) {
	f := newProcFixture(t)
	f.conn.AddLogEntry("Warning", "peer reported 1 sub-operation warning")
	task := f.newTask(f.destFolder.ID(), domain.TaskSpec{
		PatientID: "PAT001",
		StudyUID:  f.studyUID,
	})

	result, err := f.proc.Process(context.Background(), f.job, task)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusWarning, result.Status)

	var found bool
	for _, entry := range task.Log() {
		if entry.Level == "Warning" && entry.Message == "peer reported 1 sub-operation warning" {
			found = true
		}
	}
	assert.True(t, found, "connector notes must surface in the task log")
}

func TestQueryProcessorRecordsMatches(t *testing.T) {
	caps := domain.NewCapabilitySet(domain.CapabilityStudyRootFind)
	source := domain.NewServerNode(uuid.New(), "orthanc", domain.NewServerConfig("ORTHANC", "localhost", 4242, caps))
	nodes := memory.NewNodeStore(source)

	conn := &FakeConnector{
		Patients: []dicom.ResultDataset{patientFixture("PAT001", "Doe^Jane", "19750630")},
		Studies: []dicom.ResultDataset{
			studyFixture("1.2.3.1", "PAT001", "20240110", "090000", "CT", "CT Abdomen"),
			studyFixture("1.2.3.2", "PAT001", "20240105", "100000", "MR", "MR Head"),
		},
	}
	proc := NewQueryProcessor(nodes, func(domain.ServerConfig) Connector { return conn }, testLogger())

	job := domain.NewJob(uuid.New(), domain.TaskKindQuery, "alice")
	task := domain.NewTask(uuid.New(), job.ID(), domain.TaskKindQuery, source.ID(), source.ID(), domain.TaskSpec{
		PatientID:      "PAT001",
		StudyDateStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		StudyDateEnd:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	})

	result, err := proc.Process(context.Background(), job, task)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSuccess, result.Status)
	assert.Equal(t, "Found 2 study(s).", result.Message)

	log := task.Log()
	require.Len(t, log, 2)
	assert.Contains(t, log[0].Message, "1.2.3.2")
	assert.Contains(t, log[1].Message, "1.2.3.1")
}

func TestDicomDateRange(t *testing.T) {
	start := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "", dicomDateRange(time.Time{}, time.Time{}))
	assert.Equal(t, "20240105-", dicomDateRange(start, time.Time{}))
	assert.Equal(t, "-20240210", dicomDateRange(time.Time{}, end))
	assert.Equal(t, "20240105", dicomDateRange(start, start))
	assert.Equal(t, "20240105-20240210", dicomDateRange(start, end))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a_b_c", sanitizeName(`a/b\c`))
	assert.Equal(t, "trailing", sanitizeName("trailing . "))
	assert.Equal(t, "unnamed", sanitizeName("  "))
	assert.Equal(t, "20240102-130456-CT,SR", sanitizeName("20240102-130456-CT,SR"))
}

func TestSeriesFolderName(t *testing.T) {
	assert.Equal(t, "4-Axial", seriesFolderName("4", "Axial", "1.2.3"))
	assert.Equal(t, "Axial", seriesFolderName("", "Axial", "1.2.3"))
	assert.Equal(t, "4", seriesFolderName("4", "", "1.2.3"))
	assert.Equal(t, "1.2.3", seriesFolderName("", "", "1.2.3"))
}
