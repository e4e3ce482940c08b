package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/pacs-ferry/internal/config"
	"github.com/ahrav/pacs-ferry/internal/dicom"
	"github.com/ahrav/pacs-ferry/internal/dimse"
	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
)

func newTestConnector(caps ...domain.Capability) *DimseConnector {
	server := domain.NewServerConfig("PEER", "localhost", 11112, domain.NewCapabilitySet(caps...))
	cfg := config.DimseConfig{
		AETitle:           "FERRY",
		ConnectionRetries: 3,
		RetryTimeout:      time.Millisecond,
	}
	return NewDimseConnector(server, cfg, testLogger())
}

func TestOpenRetriesAssociation(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		conn := newTestConnector(domain.CapabilityStudyRootFind)
		attempts := 0
		conn.dial = func(ctx context.Context, address string, cfg dimse.Config, proposed []dimse.ProposedContext) (*dimse.Association, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection refused")
			}
			return &dimse.Association{}, nil
		}

		assoc, err := conn.open(context.Background(), serviceFind)
		require.NoError(t, err)
		assert.NotNil(t, assoc)
		assert.Equal(t, 3, attempts)
	})

	t.Run("exhausted attempts are retriable", func(t *testing.T) {
		conn := newTestConnector(domain.CapabilityStudyRootFind)
		conn.cfg.ConnectionRetries = 2
		attempts := 0
		conn.dial = func(ctx context.Context, address string, cfg dimse.Config, proposed []dimse.ProposedContext) (*dimse.Association, error) {
			attempts++
			return nil, errors.New("connection refused")
		}

		_, err := conn.open(context.Background(), serviceFind)
		require.Error(t, err)
		assert.True(t, domain.IsRetriable(err))
		assert.Equal(t, 2, attempts)
	})

	t.Run("no usable context fails without dialing", func(t *testing.T) {
		conn := newTestConnector(domain.CapabilityStore)
		conn.dial = func(ctx context.Context, address string, cfg dimse.Config, proposed []dimse.ProposedContext) (*dimse.Association, error) {
			t.Fatal("dial must not be called without presentation contexts")
			return nil, nil
		}

		_, err := conn.open(context.Background(), serviceFind)
		assert.ErrorIs(t, err, domain.ErrNoUsableInformationModel)
		assert.False(t, domain.IsRetriable(err), "a capability gap never heals by retrying")
	})
}

func TestProposedContexts(t *testing.T) {
	t.Run("get proposes storage classes in SCP role", func(t *testing.T) {
		conn := newTestConnector(domain.CapabilityStudyRootGet)
		proposed := conn.proposedContexts(serviceGet)

		require.NotEmpty(t, proposed)
		assert.Equal(t, dicom.StudyRootGet, proposed[0].AbstractSyntax)
		assert.False(t, proposed[0].SCPRole)

		scpRoles := 0
		for _, pc := range proposed[1:] {
			if pc.SCPRole {
				scpRoles++
			}
		}
		assert.Equal(t, len(dicom.StorageSOPClasses), scpRoles)
	})

	t.Run("store without capability proposes nothing", func(t *testing.T) {
		conn := newTestConnector(domain.CapabilityStudyRootFind)
		assert.Empty(t, conn.proposedContexts(serviceStore))
	})

	t.Run("move proposes only held retrieve models", func(t *testing.T) {
		conn := newTestConnector(domain.CapabilityStudyRootMove, domain.CapabilityPatientRootMove)
		proposed := conn.proposedContexts(serviceMove)

		require.Len(t, proposed, 2)
		assert.Equal(t, dicom.StudyRootMove, proposed[0].AbstractSyntax)
		assert.Equal(t, dicom.PatientRootMove, proposed[1].AbstractSyntax)
		for _, pc := range proposed {
			assert.False(t, pc.SCPRole, "the peer stores to a third AE, we never play SCP")
		}

		conn = newTestConnector(domain.CapabilityPatientRootMove)
		proposed = conn.proposedContexts(serviceMove)
		require.Len(t, proposed, 1)
		assert.Equal(t, dicom.PatientRootMove, proposed[0].AbstractSyntax)
	})
}

func TestFindModelSelection(t *testing.T) {
	queryWith := func(patientID string) *dicom.QueryDataset {
		q := dicom.NewQueryDataset()
		if patientID != "" {
			q.Set(dicom.TagPatientID, patientID)
		}
		return q
	}

	tests := []struct {
		name      string
		caps      []domain.Capability
		level     string
		patientID string
		want      string
		wantErr   bool
	}{
		{
			name:  "study root preferred for study level",
			caps:  []domain.Capability{domain.CapabilityStudyRootFind, domain.CapabilityPatientRootFind},
			level: "STUDY",
			want:  dicom.StudyRootFind,
		},
		{
			name:  "patient level needs patient root",
			caps:  []domain.Capability{domain.CapabilityStudyRootFind, domain.CapabilityPatientRootFind},
			level: "PATIENT",
			want:  dicom.PatientRootFind,
		},
		{
			name:    "patient level without patient root fails",
			caps:    []domain.Capability{domain.CapabilityStudyRootFind},
			level:   "PATIENT",
			wantErr: true,
		},
		{
			name:      "patient root serves study level with concrete patient",
			caps:      []domain.Capability{domain.CapabilityPatientRootFind},
			level:     "STUDY",
			patientID: "PAT001",
			want:      dicom.PatientRootFind,
		},
		{
			name:      "patient root rejects wildcard patient at study level",
			caps:      []domain.Capability{domain.CapabilityPatientRootFind},
			level:     "STUDY",
			patientID: "PAT*",
			wantErr:   true,
		},
		{
			name:    "no find capability at all",
			caps:    []domain.Capability{domain.CapabilityStore},
			level:   "STUDY",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newTestConnector(tt.caps...)
			model, err := conn.findModel(queryWith(tt.patientID), tt.level)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrNoUsableInformationModel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, model)
		})
	}
}

func TestRetrieveModelSelection(t *testing.T) {
	queryWith := func(patientID, studyUID string) *dicom.QueryDataset {
		q := dicom.NewQueryDataset()
		if patientID != "" {
			q.Set(dicom.TagPatientID, patientID)
		}
		if studyUID != "" {
			q.Set(dicom.TagStudyInstanceUID, studyUID)
		}
		return q
	}

	tests := []struct {
		name      string
		caps      []domain.Capability
		patientID string
		studyUID  string
		want      string
		wantErr   bool
	}{
		{
			name:     "study root with concrete study",
			caps:     []domain.Capability{domain.CapabilityStudyRootGet},
			studyUID: "1.2.3",
			want:     dicom.StudyRootGet,
		},
		{
			name:      "patient root needs both identifiers",
			caps:      []domain.Capability{domain.CapabilityPatientRootGet},
			patientID: "PAT001",
			studyUID:  "1.2.3",
			want:      dicom.PatientRootGet,
		},
		{
			name:     "patient root without patient id fails",
			caps:     []domain.Capability{domain.CapabilityPatientRootGet},
			studyUID: "1.2.3",
			wantErr:  true,
		},
		{
			name:     "wildcard study uid fails",
			caps:     []domain.Capability{domain.CapabilityStudyRootGet},
			studyUID: "1.2.*",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newTestConnector(tt.caps...)
			model, err := conn.retrieveModel(queryWith(tt.patientID, tt.studyUID), studyRootGetPair, patientRootGetPair)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrNoUsableInformationModel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, model)
		})
	}

	// The same selection drives C-MOVE through the move capability pairs.
	t.Run("move pairs resolve move models", func(t *testing.T) {
		q := dicom.NewQueryDataset()
		q.Set(dicom.TagStudyInstanceUID, "1.2.3")

		conn := newTestConnector(domain.CapabilityStudyRootMove)
		model, err := conn.retrieveModel(q, studyRootMovePair, patientRootMovePair)
		require.NoError(t, err)
		assert.Equal(t, dicom.StudyRootMove, model)

		q.Set(dicom.TagPatientID, "PAT001")
		conn = newTestConnector(domain.CapabilityPatientRootMove)
		model, err = conn.retrieveModel(q, studyRootMovePair, patientRootMovePair)
		require.NoError(t, err)
		assert.Equal(t, dicom.PatientRootMove, model)

		conn = newTestConnector(domain.CapabilityStudyRootGet)
		_, err = conn.retrieveModel(q, studyRootMovePair, patientRootMovePair)
		assert.ErrorIs(t, err, domain.ErrNoUsableInformationModel)
	})
}

func TestCheckSubOperations(t *testing.T) {
	tests := []struct {
		name          string
		subs          dimse.SubOperations
		wantRetriable bool
		wantWarnings  int
	}{
		{
			name: "all completed",
			subs: dimse.SubOperations{Completed: 5},
		},
		{
			name:          "everything failed",
			subs:          dimse.SubOperations{Failed: 3},
			wantRetriable: true,
		},
		{
			name:         "partial failure degrades to warning",
			subs:         dimse.SubOperations{Completed: 2, Failed: 1},
			wantWarnings: 1,
		},
		{
			name:         "warning sub-operations are recorded",
			subs:         dimse.SubOperations{Completed: 4, Warning: 2},
			wantWarnings: 1,
		},
		{
			name:         "partial failure with warnings records both",
			subs:         dimse.SubOperations{Completed: 2, Failed: 1, Warning: 1},
			wantWarnings: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newTestConnector(domain.CapabilityStudyRootGet)
			err := conn.checkSubOperations(context.Background(), "C-GET", tt.subs)
			if tt.wantRetriable {
				require.Error(t, err)
				assert.True(t, domain.IsRetriable(err))
				return
			}
			require.NoError(t, err)
			assert.Len(t, conn.DrainLog(), tt.wantWarnings)
		})
	}
}

func TestFakeConnectorStoreAccounting(t *testing.T) {
	fake := &FakeConnector{FailStoreUIDs: map[string]bool{"1.2.3.2": true}}
	datasets := []*dicom.Dataset{
		instanceFixture("1.2.3.1", "1.2.3.100.1", "1", "Axial"),
		instanceFixture("1.2.3.2", "1.2.3.100.1", "1", "Axial"),
	}

	result, err := fake.Store(context.Background(), datasets, nil)
	require.Error(t, err)
	assert.True(t, domain.IsRetriable(err))
	assert.Equal(t, 1, result.Completed)
	assert.Len(t, result.Failures, 1)
}

func TestSameSeriesNumber(t *testing.T) {
	assert.True(t, sameSeriesNumber("4", "+4"))
	assert.True(t, sameSeriesNumber(" 4 ", "4"))
	assert.True(t, sameSeriesNumber("A10", "A10"))
	assert.False(t, sameSeriesNumber("4", "5"))
	assert.False(t, sameSeriesNumber("A10", "4"))
}

func TestQueryHelperFunctions(t *testing.T) {
	q := dicom.NewQueryDataset()
	q.Set(dicom.TagModalitiesInStudy, `CT\MR`)
	assert.Equal(t, []string{"CT", "MR"}, splitQueryValues(q, dicom.TagModalitiesInStudy))

	pattern, err := queryPattern(q, dicom.TagStudyDescription)
	require.NoError(t, err)
	assert.Nil(t, pattern, "absent keys have no pattern")

	q.Set(dicom.TagStudyDescription, "CT Abdomen")
	pattern, err = queryPattern(q, dicom.TagStudyDescription)
	require.NoError(t, err)
	assert.Nil(t, pattern, "exact values are matched by the peer")

	q.Set(dicom.TagStudyDescription, "CT*")
	pattern, err = queryPattern(q, dicom.TagStudyDescription)
	require.NoError(t, err)
	require.NotNil(t, pattern)
	assert.True(t, pattern.MatchString("CT Abdomen"))
	assert.False(t, pattern.MatchString("MR Head"))
}

func TestFilterStudiesMatchesAnyModality(t *testing.T) {
	q := dicom.NewQueryDataset()
	q.Set(dicom.TagModalitiesInStudy, "CT")

	studies, err := filterStudies(q, []dicom.ResultDataset{
		studyFixture("1.2.3.1", "PAT001", "20240110", "090000", `CT\SR`, "CT Abdomen"),
		studyFixture("1.2.3.2", "PAT001", "20240105", "100000", "MR", "MR Head"),
	})
	require.NoError(t, err)
	require.Len(t, studies, 1)
	assert.Equal(t, "1.2.3.1", studies[0].StudyInstanceUID())
}

func TestFilterPatientsDeduplicatesStudyEmulation(t *testing.T) {
	// Study level emulation repeats each patient once per study; the
	// filter collapses them by PatientID.
	q := dicom.NewQueryDataset()
	q.Set(dicom.TagPatientBirthDate, "19750630")

	patients, err := filterPatients(q, []dicom.ResultDataset{
		patientFixture("PAT001", "Doe^Jane", "19750630"),
		patientFixture("PAT001", "Doe^Jane", "19750630"),
		patientFixture("PAT002", "Roe^Richard", "19600101"),
	})
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, "PAT001", patients[0].PatientID())
}

func TestFakeConnectorSeriesRequiresConcreteStudy(t *testing.T) {
	fake := &FakeConnector{}
	q := dicom.NewQueryDataset()
	q.Set(dicom.TagStudyInstanceUID, "1.2.*")

	_, err := fake.FindSeries(context.Background(), q, 0)
	assert.Error(t, err)
}
