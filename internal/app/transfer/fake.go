package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/ahrav/pacs-ferry/internal/dicom"
	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
)

// MoveRequest records one C-MOVE issued against the fake.
type MoveRequest struct {
	PatientID      string
	StudyUID       string
	SeriesUID      string
	DestinationAET string
}

// FakeConnector is the in-memory Connector used by tests and the dry-run
// tooling. It matches queries against fixture datasets the way a peer
// would and records every mutation request.
type FakeConnector struct {
	Patients []dicom.ResultDataset
	Studies  []dicom.ResultDataset
	Series   []dicom.ResultDataset

	// Instances holds the retrievable datasets per StudyInstanceUID.
	Instances map[string][]*dicom.Dataset

	// FailStoreUIDs marks SOPInstanceUIDs whose C-STORE should fail.
	FailStoreUIDs map[string]bool

	// FindErr, FetchErr and StoreErr force the corresponding operations
	// to fail.
	FindErr  error
	FetchErr error
	StoreErr error

	Stored []*dicom.Dataset
	Moves  []MoveRequest

	entries []domain.LogEntry
}

var _ Connector = (*FakeConnector)(nil)

// AddLogEntry injects a connector note, as a real peer interaction would.
func (f *FakeConnector) AddLogEntry(level, message string) {
	f.entries = append(f.entries, domain.LogEntry{Level: level, Message: message})
}

// DrainLog implements Connector.
func (f *FakeConnector) DrainLog() []domain.LogEntry {
	entries := f.entries
	f.entries = nil
	return entries
}

// FindPatients implements Connector.
func (f *FakeConnector) FindPatients(ctx context.Context, query *dicom.QueryDataset, limit int) ([]dicom.ResultDataset, error) {
	if f.FindErr != nil {
		return nil, f.FindErr
	}
	id, _ := query.Get(dicom.TagPatientID)
	var candidates []dicom.ResultDataset
	for _, p := range f.Patients {
		if id != "" && !matchQueryValue(id, p.PatientID()) {
			continue
		}
		candidates = append(candidates, p)
	}
	patients, err := filterPatients(query, candidates)
	if err != nil {
		return nil, err
	}
	return cutResults(patients, limit), nil
}

// FindStudies implements Connector.
func (f *FakeConnector) FindStudies(ctx context.Context, query *dicom.QueryDataset, limit int) ([]dicom.ResultDataset, error) {
	if f.FindErr != nil {
		return nil, f.FindErr
	}
	patientID, _ := query.Get(dicom.TagPatientID)
	studyUID, _ := query.Get(dicom.TagStudyInstanceUID)
	accession, _ := query.Get(dicom.TagAccessionNumber)
	dateRange, _ := query.Get(dicom.TagStudyDate)

	var candidates []dicom.ResultDataset
	for _, s := range f.Studies {
		if patientID != "" && !matchQueryValue(patientID, s.PatientID()) {
			continue
		}
		if studyUID != "" && studyUID != s.StudyInstanceUID() {
			continue
		}
		if accession != "" && accession != s.AccessionNumber() {
			continue
		}
		if dateRange != "" && !matchDateRange(dateRange, s.Get(dicom.TagStudyDate)) {
			continue
		}
		candidates = append(candidates, s)
	}
	studies, err := filterStudies(query, candidates)
	if err != nil {
		return nil, err
	}
	return cutResults(studies, limit), nil
}

// FindSeries implements Connector.
func (f *FakeConnector) FindSeries(ctx context.Context, query *dicom.QueryDataset, limit int) ([]dicom.ResultDataset, error) {
	if f.FindErr != nil {
		return nil, f.FindErr
	}
	studyUID, _ := query.Get(dicom.TagStudyInstanceUID)
	if studyUID == "" || dicom.HasWildcards(studyUID) {
		return nil, fmt.Errorf("series query requires a concrete StudyInstanceUID")
	}

	var candidates []dicom.ResultDataset
	for _, s := range f.Series {
		if s.StudyInstanceUID() != studyUID {
			continue
		}
		candidates = append(candidates, s)
	}
	series, err := filterSeries(query, candidates)
	if err != nil {
		return nil, err
	}
	return cutResults(series, limit), nil
}

// FetchStudy implements Connector.
func (f *FakeConnector) FetchStudy(ctx context.Context, patientID, studyUID string, sink InstanceSink) error {
	if f.FetchErr != nil {
		return f.FetchErr
	}
	for _, ds := range f.Instances[studyUID] {
		if err := sink(ds.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// FetchSeries implements Connector.
func (f *FakeConnector) FetchSeries(ctx context.Context, patientID, studyUID, seriesUID string, sink InstanceSink) error {
	if f.FetchErr != nil {
		return f.FetchErr
	}
	for _, ds := range f.Instances[studyUID] {
		if ds.GetString(dicom.TagSeriesInstanceUID) != seriesUID {
			continue
		}
		if err := sink(ds.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// MoveStudy implements Connector.
func (f *FakeConnector) MoveStudy(ctx context.Context, patientID, studyUID, destinationAET string) error {
	f.Moves = append(f.Moves, MoveRequest{PatientID: patientID, StudyUID: studyUID, DestinationAET: destinationAET})
	return nil
}

// MoveSeries implements Connector.
func (f *FakeConnector) MoveSeries(ctx context.Context, patientID, studyUID, seriesUID, destinationAET string) error {
	f.Moves = append(f.Moves, MoveRequest{
		PatientID: patientID, StudyUID: studyUID, SeriesUID: seriesUID, DestinationAET: destinationAET,
	})
	return nil
}

// Store implements Connector with the same accounting as the production
// connector: every instance is attempted, failures are collected, and a
// retriable error is returned only when at least one instance failed.
func (f *FakeConnector) Store(ctx context.Context, datasets []*dicom.Dataset, modifier DatasetModifier) (StoreResult, error) {
	if f.StoreErr != nil {
		return StoreResult{}, f.StoreErr
	}
	var result StoreResult
	for _, ds := range datasets {
		instance := ds
		if modifier != nil {
			instance = ds.Clone()
			modifier(instance)
		}
		uid := instance.GetString(dicom.TagSOPInstanceUID)
		if f.FailStoreUIDs[uid] {
			result.Failures = append(result.Failures, fmt.Sprintf("instance %s: rejected", uid))
			continue
		}
		result.Completed++
		f.Stored = append(f.Stored, instance)
	}
	if len(result.Failures) > 0 {
		return result, domain.Retriablef("C-STORE: %d of %d instances failed",
			len(result.Failures), len(datasets))
	}
	return result, nil
}

func matchQueryValue(queryValue, value string) bool {
	if dicom.HasWildcards(queryValue) {
		pattern, err := dicom.WildcardPattern(queryValue)
		if err != nil {
			return false
		}
		return pattern.MatchString(value)
	}
	return queryValue == value
}

// matchDateRange evaluates a DA value against a single date or range query.
func matchDateRange(query, value string) bool {
	if value == "" {
		return false
	}
	if !strings.Contains(query, "-") {
		return query == value
	}
	parts := strings.SplitN(query, "-", 2)
	start, end := parts[0], parts[1]
	if start != "" && value < start {
		return false
	}
	if end != "" && value > end {
		return false
	}
	return true
}

func cutResults(results []dicom.ResultDataset, limit int) []dicom.ResultDataset {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}
