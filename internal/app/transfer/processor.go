package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/pacs-ferry/internal/dicom"
	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/pkg/common/logger"
)

// ErrCanceled is returned by a processor when the owning job switched to
// CANCELING and the task stopped at a safe boundary.
var ErrCanceled = errors.New("task canceled")

// ProcessResult is the outcome of a completed task.
type ProcessResult struct {
	Status  domain.TaskStatus
	Message string
}

// Processor executes one task kind. Implementations classify their errors:
// a RetriableError asks the scheduler for a requeue with backoff, anything
// else fails the task immediately.
type Processor interface {
	Process(ctx context.Context, job *domain.Job, task *domain.Task) (ProcessResult, error)
}

// ConnectorFactory builds a connector for a peer server. Swapped for a
// fake in tests.
type ConnectorFactory func(server domain.ServerConfig) Connector

// Archiver appends completed patient folders to a password-protected
// archive whose manifest is written on creation.
type Archiver interface {
	// Ensure creates the archive with its INDEX.txt manifest when it does
	// not exist yet.
	Ensure(path, password, indexContent string) error

	// AppendDir adds the directory tree rooted at dir to the archive,
	// entries prefixed with the directory's base name.
	AppendDir(path, password, dir string) error
}

const dicomDateFormat = "20060102"

// TransferProcessor resolves and moves the studies of one transfer task.
type TransferProcessor struct {
	jobs     domain.JobRepository
	nodes    domain.NodeRepository
	connect  ConnectorFactory
	archiver Archiver

	pseudonyms *PseudonymRegistry

	log *logger.Logger
}

var _ Processor = (*TransferProcessor)(nil)

// NewTransferProcessor wires a transfer processor. The pseudonym registry
// is shared across the processor's lifetime so pseudonyms stay stable per
// patient.
func NewTransferProcessor(
	jobs domain.JobRepository,
	nodes domain.NodeRepository,
	connect ConnectorFactory,
	archiver Archiver,
	log *logger.Logger,
) *TransferProcessor {
	return &TransferProcessor{
		jobs:       jobs,
		nodes:      nodes,
		connect:    connect,
		archiver:   archiver,
		pseudonyms: NewPseudonymRegistry(),
		log:        log,
	}
}

// Process runs the full transfer pipeline: resolve the patient, enumerate
// the studies and series, then stream every instance through the
// anonymizer into the destination. Fatal resolution errors fail the task;
// retriable connector errors bubble up for the scheduler to requeue.
func (p *TransferProcessor) Process(ctx context.Context, job *domain.Job, task *domain.Task) (ProcessResult, error) {
	spec := task.Spec()

	sourceNode, err := p.nodes.Get(ctx, task.SourceID())
	if err != nil {
		return ProcessResult{}, fmt.Errorf("loading source node: %w", err)
	}
	source, ok := sourceNode.Server()
	if !ok {
		return ProcessResult{}, fmt.Errorf("source node %s is not a server", sourceNode.Name())
	}
	destinationNode, err := p.nodes.Get(ctx, task.DestinationID())
	if err != nil {
		return ProcessResult{}, fmt.Errorf("loading destination node: %w", err)
	}

	conn := p.connect(source)
	defer p.drainLog(task, conn)

	patient, err := resolvePatient(ctx, conn, spec)
	if err != nil {
		return ProcessResult{}, err
	}
	patientID := patient.PatientID()

	studies, err := resolveStudies(ctx, conn, task, spec, patientID)
	if err != nil {
		return ProcessResult{}, err
	}
	if len(studies) == 0 {
		return ProcessResult{}, fmt.Errorf("no studies matched the request")
	}

	pseudonym := spec.Pseudonym
	if pseudonym != "" {
		p.pseudonyms.Reserve(patientID, pseudonym)
	} else if job.TrialProtocolID() != "" {
		// Trial exports are always pseudonymized; rows without an explicit
		// pseudonym get a generated one, stable per patient.
		pseudonym, err = p.pseudonyms.Pseudonym(patientID)
		if err != nil {
			return ProcessResult{}, err
		}
	}

	anonymizer := NewAnonymizer(job.TrialProtocolID(), job.TrialProtocolName())

	for _, study := range studies {
		canceling, err := p.jobCanceling(ctx, job.ID())
		if err != nil {
			return ProcessResult{}, err
		}
		if canceling {
			return ProcessResult{}, ErrCanceled
		}

		if err := p.transferStudy(ctx, conn, destinationNode, job, task, study, patientID, pseudonym, anonymizer); err != nil {
			return ProcessResult{}, err
		}
	}

	p.drainLog(task, conn)
	p.log.Info(ctx, "transfer task finished",
		"task_id", task.ID(), "studies", len(studies))
	return resultFromLog(task, fmt.Sprintf("Transferred %d study(s).", len(studies))), nil
}

// drainLog folds the connector's collected notes into the task log.
func (p *TransferProcessor) drainLog(task *domain.Task, conn Connector) {
	for _, entry := range conn.DrainLog() {
		task.AppendLog(entry.Level, entry.Message)
	}
}

// jobCanceling re-reads the job row, implementing the cooperative cancel
// check at study boundaries.
func (p *TransferProcessor) jobCanceling(ctx context.Context, jobID uuid.UUID) (bool, error) {
	current, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("checking job status: %w", err)
	}
	return current.Status() == domain.JobStatusCanceling, nil
}

// resolvePatient finds exactly one patient for the task. Zero or several
// matches and identity mismatches are fatal, never retried.
func resolvePatient(ctx context.Context, conn Connector, spec domain.TaskSpec) (dicom.ResultDataset, error) {
	query := dicom.NewQueryDataset()
	switch {
	case spec.PatientID != "":
		query.Set(dicom.TagPatientID, spec.PatientID)
	case spec.PatientName != "" && !spec.PatientBirthDate.IsZero():
		query.Set(dicom.TagPatientName, spec.PatientName)
		query.Set(dicom.TagPatientBirthDate, spec.PatientBirthDate.Format(dicomDateFormat))
	default:
		return dicom.ResultDataset{}, domain.ErrMissingPatientIdentifiers
	}

	patients, err := conn.FindPatients(ctx, query, 2)
	if err != nil {
		return dicom.ResultDataset{}, err
	}
	switch len(patients) {
	case 0:
		return dicom.ResultDataset{}, domain.ErrPatientNotFound
	case 1:
	default:
		return dicom.ResultDataset{}, domain.ErrPatientAmbiguous
	}
	patient := patients[0]

	// A batch row may carry name and birth date alongside the ID; they
	// must agree with the resolved patient exactly.
	if spec.PatientID != "" {
		if spec.PatientName != "" && spec.PatientName != patient.PatientName() {
			return dicom.ResultDataset{}, fmt.Errorf("%w: patient name", domain.ErrPatientMismatch)
		}
		if !spec.PatientBirthDate.IsZero() &&
			spec.PatientBirthDate.Format(dicomDateFormat) != patient.PatientBirthDate() {
			return dicom.ResultDataset{}, fmt.Errorf("%w: patient birth date", domain.ErrPatientMismatch)
		}
	}
	return patient, nil
}

// resolveStudies enumerates the studies to transfer. A selective task names
// the study directly; a batch task searches by accession number, date range
// and description, fanning out one query per requested modality since a
// single query cannot OR ModalitiesInStudy.
func resolveStudies(ctx context.Context, conn Connector, task *domain.Task, spec domain.TaskSpec, patientID string) ([]dicom.ResultDataset, error) {
	if spec.StudyUID != "" {
		study, err := fetchNamedStudy(ctx, conn, task, spec, patientID)
		if err != nil {
			return nil, err
		}
		return []dicom.ResultDataset{study}, nil
	}

	baseQuery := dicom.NewQueryDataset()
	baseQuery.Set(dicom.TagPatientID, patientID)
	if spec.AccessionNumber != "" {
		baseQuery.Set(dicom.TagAccessionNumber, spec.AccessionNumber)
	}
	if dateRange := dicomDateRange(spec.StudyDateStart, spec.StudyDateEnd); dateRange != "" {
		baseQuery.Set(dicom.TagStudyDate, dateRange)
	}
	if spec.StudyDescription != "" {
		baseQuery.Set(dicom.TagStudyDescription, spec.StudyDescription)
	}

	modalities := spec.Modalities
	if len(modalities) == 0 {
		modalities = []string{""}
	}

	// Deduplicate by StudyInstanceUID in first-seen order, then order by
	// study date for a deterministic transfer sequence.
	seen := make(map[string]bool)
	var studies []dicom.ResultDataset
	for _, modality := range modalities {
		query := baseQuery.Clone()
		if modality != "" {
			query.Set(dicom.TagModalitiesInStudy, modality)
		}
		results, err := conn.FindStudies(ctx, query, 0)
		if err != nil {
			return nil, err
		}
		for _, study := range results {
			if seen[study.StudyInstanceUID()] {
				continue
			}
			seen[study.StudyInstanceUID()] = true
			studies = append(studies, study)
		}
	}

	sort.SliceStable(studies, func(i, j int) bool {
		return studies[i].StudyDate().Before(studies[j].StudyDate())
	})
	return studies, nil
}

// fetchNamedStudy looks up the single study a selective task names and
// validates it is unique. A PatientID differing from the task's is recorded
// as a warning, not treated as a failure.
func fetchNamedStudy(ctx context.Context, conn Connector, task *domain.Task, spec domain.TaskSpec, patientID string) (dicom.ResultDataset, error) {
	query := dicom.NewQueryDataset()
	query.Set(dicom.TagPatientID, patientID)
	query.Set(dicom.TagStudyInstanceUID, spec.StudyUID)

	studies, err := conn.FindStudies(ctx, query, 2)
	if err != nil {
		return dicom.ResultDataset{}, err
	}
	switch len(studies) {
	case 0:
		return dicom.ResultDataset{}, fmt.Errorf("no study found with StudyInstanceUID %s", spec.StudyUID)
	case 1:
	default:
		return dicom.ResultDataset{}, fmt.Errorf("multiple studies found with StudyInstanceUID %s", spec.StudyUID)
	}

	study := studies[0]
	if study.PatientID() != "" && study.PatientID() != patientID {
		task.AppendLog("Warning", fmt.Sprintf(
			"study %s belongs to patient %s, task names patient %s",
			spec.StudyUID, study.PatientID(), patientID))
	}
	return study, nil
}

// resolveSeries enumerates the series of a study honoring the task's series
// filters, unique by SeriesInstanceUID and ordered by numeric series number
// with unnumbered series last.
func resolveSeries(ctx context.Context, conn Connector, spec domain.TaskSpec, patientID, studyUID string) ([]dicom.ResultDataset, error) {
	baseQuery := dicom.NewQueryDataset()
	baseQuery.Set(dicom.TagPatientID, patientID)
	baseQuery.Set(dicom.TagStudyInstanceUID, studyUID)

	queries := []*dicom.QueryDataset{baseQuery}
	if len(spec.SeriesNumbers) > 0 {
		queries = nil
		for _, number := range spec.SeriesNumbers {
			query := baseQuery.Clone()
			query.Set(dicom.TagSeriesNumber, number)
			queries = append(queries, query)
		}
	}

	seen := make(map[string]bool)
	var series []dicom.ResultDataset
	for _, query := range queries {
		results, err := conn.FindSeries(ctx, query, 0)
		if err != nil {
			return nil, err
		}
		for _, s := range results {
			if seen[s.SeriesInstanceUID()] {
				continue
			}
			if len(spec.SeriesUIDs) > 0 && !containsString(spec.SeriesUIDs, s.SeriesInstanceUID()) {
				continue
			}
			seen[s.SeriesInstanceUID()] = true
			series = append(series, s)
		}
	}

	sort.SliceStable(series, func(i, j int) bool {
		ni, oki := series[i].SeriesNumber()
		nj, okj := series[j].SeriesNumber()
		switch {
		case oki && okj:
			return ni < nj
		case oki:
			return true
		default:
			return false
		}
	})
	return series, nil
}

// transferStudy moves one study to the destination node. Instances are
// fetched via C-GET, anonymized and written as Part 10 files into the
// patient/study folder layout, which is then uploaded, left in place, or
// appended to the job archive.
func (p *TransferProcessor) transferStudy(
	ctx context.Context,
	conn Connector,
	destination *domain.Node,
	job *domain.Job,
	task *domain.Task,
	study dicom.ResultDataset,
	patientID, pseudonym string,
	anonymizer *Anonymizer,
) error {
	spec := task.Spec()
	studyUID := study.StudyInstanceUID()

	hasSeriesFilter := len(spec.SeriesUIDs) > 0 || len(spec.SeriesNumbers) > 0
	var series []dicom.ResultDataset
	var err error
	if hasSeriesFilter {
		series, err = resolveSeries(ctx, conn, spec, patientID, studyUID)
		if err != nil {
			return err
		}
		if len(series) == 0 {
			return fmt.Errorf("no series of study %s matched the series filters", studyUID)
		}
	}

	seriesNames := seriesFolderNames(series)

	// Folder destinations receive the layout directly; server and archive
	// destinations stage it in a scratch directory first.
	folderPath, isFolder := destination.FolderPath()
	archive := isFolder && job.ArchivePassword() != ""

	var root string
	if isFolder && !archive {
		root = folderPath
	} else {
		root, err = os.MkdirTemp("", "ferry-")
		if err != nil {
			return fmt.Errorf("creating staging directory: %w", err)
		}
		defer os.RemoveAll(root)
	}

	patientFolder := pseudonym
	if patientFolder == "" {
		patientFolder = patientID
	}
	studyDir := filepath.Join(root,
		sanitizeName(patientFolder),
		studyFolderName(study, series),
	)

	sink := func(ds *dicom.Dataset) error {
		anonymizer.Anonymize(ds, pseudonym)
		return writeInstance(studyDir, seriesNames, ds)
	}

	if hasSeriesFilter {
		for _, s := range series {
			if err := conn.FetchSeries(ctx, patientID, studyUID, s.SeriesInstanceUID(), sink); err != nil {
				return err
			}
		}
	} else {
		if err := conn.FetchStudy(ctx, patientID, studyUID, sink); err != nil {
			return err
		}
	}

	switch {
	case archive:
		return p.appendToArchive(job, root, patientFolder, folderPath)
	case isFolder:
		return nil
	default:
		return p.uploadStudy(ctx, destination, task, studyDir)
	}
}

// uploadStudy C-STOREs every staged instance of a study to the destination
// server. The datasets are already anonymized. Losing every instance is
// retriable; losing some while others arrive degrades the task to a
// warning instead of throwing away the delivered part.
func (p *TransferProcessor) uploadStudy(ctx context.Context, destination *domain.Node, task *domain.Task, studyDir string) error {
	server, ok := destination.Server()
	if !ok {
		return fmt.Errorf("destination node %s is not a server", destination.Name())
	}

	var datasets []*dicom.Dataset
	err := filepath.WalkDir(studyDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading staged instance %s: %w", path, err)
		}
		file, err := dicom.ReadFile(data)
		if err != nil {
			return fmt.Errorf("parsing staged instance %s: %w", path, err)
		}
		datasets = append(datasets, file.Dataset)
		return nil
	})
	if err != nil {
		return err
	}

	dest := p.connect(server)
	defer p.drainLog(task, dest)

	result, err := dest.Store(ctx, datasets, nil)
	if err != nil {
		if result.Completed == 0 {
			return err
		}
		for _, failure := range result.Failures {
			task.AppendLog("Warning", "C-STORE failure: "+failure)
		}
	}
	return nil
}

// appendToArchive adds the staged patient folder to the job's encrypted
// archive, creating it with its manifest on first use.
func (p *TransferProcessor) appendToArchive(job *domain.Job, stagingRoot, patientFolder, folderPath string) error {
	archivePath := filepath.Join(folderPath, archiveName(job))
	index := fmt.Sprintf("Archive of job %s for %s, created %s.\n",
		job.ID(), job.Owner(), time.Now().Format("2006-01-02 15:04"))
	if err := p.archiver.Ensure(archivePath, job.ArchivePassword(), index); err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	if err := p.archiver.AppendDir(archivePath, job.ArchivePassword(), filepath.Join(stagingRoot, sanitizeName(patientFolder))); err != nil {
		return fmt.Errorf("appending to archive: %w", err)
	}
	return nil
}

// writeInstance stores one anonymized dataset as a Part 10 file inside the
// series sub-folder of the study directory.
func writeInstance(studyDir string, seriesNames map[string]string, ds *dicom.Dataset) error {
	seriesUID := ds.GetString(dicom.TagSeriesInstanceUID)
	seriesName, ok := seriesNames[seriesUID]
	if !ok {
		seriesName = seriesFolderName(
			ds.GetString(dicom.TagSeriesNumber),
			ds.GetString(dicom.TagSeriesDescription),
			seriesUID,
		)
	}

	dir := filepath.Join(studyDir, seriesName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating series directory: %w", err)
	}

	instanceUID := ds.GetString(dicom.TagSOPInstanceUID)
	if instanceUID == "" {
		return fmt.Errorf("received instance without SOPInstanceUID")
	}
	data, err := dicom.WriteFile(ds, dicom.TransferExplicitVRLittleEndian)
	if err != nil {
		return fmt.Errorf("encoding instance %s: %w", instanceUID, err)
	}
	path := filepath.Join(dir, instanceUID+".dcm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing instance %s: %w", instanceUID, err)
	}
	return nil
}

// archiveName is the job-scoped archive file in the destination folder.
func archiveName(job *domain.Job) string {
	created := job.Timeline().CreatedAt().Format(dicomDateFormat)
	return sanitizeName(fmt.Sprintf("ferry_job_%s_%s_%s.zip", shortID(job.ID()), created, job.Owner()))
}

// shortID keeps folder and archive names readable.
func shortID(id uuid.UUID) string { return strings.Split(id.String(), "-")[0] }

// resultFromLog derives the final task outcome: any warning entry in the
// task log downgrades SUCCESS to WARNING with a pointer to the log.
func resultFromLog(task *domain.Task, successMessage string) ProcessResult {
	warnings := 0
	for _, entry := range task.Log() {
		if entry.Level == "Warning" {
			warnings++
		}
	}
	if warnings > 0 {
		return ProcessResult{
			Status:  domain.TaskStatusWarning,
			Message: fmt.Sprintf("Finished with %d warning(s), see task log.", warnings),
		}
	}
	return ProcessResult{Status: domain.TaskStatusSuccess, Message: successMessage}
}

// QueryProcessor answers query-only tasks: it resolves the patient and
// records the matching studies in the task log without moving any data.
type QueryProcessor struct {
	nodes   domain.NodeRepository
	connect ConnectorFactory
	log     *logger.Logger
}

var _ Processor = (*QueryProcessor)(nil)

// NewQueryProcessor wires a query processor.
func NewQueryProcessor(nodes domain.NodeRepository, connect ConnectorFactory, log *logger.Logger) *QueryProcessor {
	return &QueryProcessor{nodes: nodes, connect: connect, log: log}
}

// Process resolves the patient and studies of the task and records one log
// line per match.
func (p *QueryProcessor) Process(ctx context.Context, job *domain.Job, task *domain.Task) (ProcessResult, error) {
	spec := task.Spec()

	sourceNode, err := p.nodes.Get(ctx, task.SourceID())
	if err != nil {
		return ProcessResult{}, fmt.Errorf("loading source node: %w", err)
	}
	source, ok := sourceNode.Server()
	if !ok {
		return ProcessResult{}, fmt.Errorf("source node %s is not a server", sourceNode.Name())
	}

	conn := p.connect(source)
	defer func() {
		for _, entry := range conn.DrainLog() {
			task.AppendLog(entry.Level, entry.Message)
		}
	}()

	patient, err := resolvePatient(ctx, conn, spec)
	if err != nil {
		return ProcessResult{}, err
	}

	studies, err := resolveStudies(ctx, conn, task, spec, patient.PatientID())
	if err != nil {
		return ProcessResult{}, err
	}

	for _, study := range studies {
		task.AppendLog("Info", fmt.Sprintf("%s %s %s %s",
			study.StudyInstanceUID(),
			study.StudyDate().Format(dicomDateFormat),
			strings.Join(study.ModalitiesInStudy(), ","),
			study.StudyDescription(),
		))
	}

	p.log.Info(ctx, "query task finished",
		"task_id", task.ID(), "matches", len(studies))
	return resultFromLog(task, fmt.Sprintf("Found %d study(s).", len(studies))), nil
}

// studyFolderName builds `<date>-<time>-<modalities>` for a study. With an
// explicit series selection only the selected modalities appear.
func studyFolderName(study dicom.ResultDataset, selectedSeries []dicom.ResultDataset) string {
	modalities := study.ModalitiesInStudy()
	if len(selectedSeries) > 0 {
		seen := make(map[string]bool)
		modalities = nil
		for _, s := range selectedSeries {
			if m := s.Modality(); m != "" && !seen[m] {
				seen[m] = true
				modalities = append(modalities, m)
			}
		}
	}
	name := fmt.Sprintf("%s-%s-%s",
		study.StudyDate().Format(dicomDateFormat),
		study.StudyTime().Format("150405"),
		strings.Join(modalities, ","),
	)
	return sanitizeName(name)
}

// seriesFolderNames precomputes the folder name per selected series.
func seriesFolderNames(series []dicom.ResultDataset) map[string]string {
	names := make(map[string]string, len(series))
	for _, s := range series {
		number := s.Get(dicom.TagSeriesNumber)
		names[s.SeriesInstanceUID()] = seriesFolderName(number, s.SeriesDescription(), s.SeriesInstanceUID())
	}
	return names
}

func seriesFolderName(number, description, seriesUID string) string {
	switch {
	case number != "" && description != "":
		return sanitizeName(number + "-" + description)
	case description != "":
		return sanitizeName(description)
	case number != "":
		return sanitizeName(number)
	default:
		return sanitizeName(seriesUID)
	}
}

// dicomDateRange renders a study date filter in DA range notation.
func dicomDateRange(start, end time.Time) string {
	switch {
	case start.IsZero() && end.IsZero():
		return ""
	case end.IsZero():
		return start.Format(dicomDateFormat) + "-"
	case start.IsZero():
		return "-" + end.Format(dicomDateFormat)
	case start.Equal(end):
		return start.Format(dicomDateFormat)
	default:
		return start.Format(dicomDateFormat) + "-" + end.Format(dicomDateFormat)
	}
}

// sanitizeName makes a value safe as a single path component.
func sanitizeName(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		default:
			return r
		}
	}, name)
	sanitized = strings.Trim(sanitized, " .")
	if sanitized == "" {
		return "unnamed"
	}
	return sanitized
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
