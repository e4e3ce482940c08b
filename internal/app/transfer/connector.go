// Package transfer contains the application services that execute transfer
// and query tasks: the DIMSE-backed connector, the anonymizer and the task
// processors.
package transfer

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/pacs-ferry/internal/config"
	"github.com/ahrav/pacs-ferry/internal/dicom"
	"github.com/ahrav/pacs-ferry/internal/dimse"
	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/pkg/common/logger"
)

// InstanceSink receives each instance fetched from a peer.
type InstanceSink func(ds *dicom.Dataset) error

// DatasetModifier mutates a dataset before it is stored.
type DatasetModifier func(ds *dicom.Dataset)

// StoreResult accounts per-instance outcomes of a bulk C-STORE.
type StoreResult struct {
	Completed int
	Warnings  []string
	Failures  []string
}

// Connector is the operation surface a task processor needs against one
// peer. The production implementation speaks DIMSE; tests swap in a fake.
type Connector interface {
	// FindPatients queries patients matching the given identifiers. Results
	// are unique by PatientID. limit <= 0 means unlimited.
	FindPatients(ctx context.Context, query *dicom.QueryDataset, limit int) ([]dicom.ResultDataset, error)

	// FindStudies queries studies. The query must carry a concrete or
	// wildcard patient identification; optional keys the peer ignores are
	// filtered client-side.
	FindStudies(ctx context.Context, query *dicom.QueryDataset, limit int) ([]dicom.ResultDataset, error)

	// FindSeries queries the series of one study. The query must carry a
	// concrete StudyInstanceUID.
	FindSeries(ctx context.Context, query *dicom.QueryDataset, limit int) ([]dicom.ResultDataset, error)

	// FetchStudy retrieves every instance of a study via C-GET, feeding
	// each received dataset to sink.
	FetchStudy(ctx context.Context, patientID, studyUID string, sink InstanceSink) error

	// FetchSeries retrieves every instance of one series via C-GET.
	FetchSeries(ctx context.Context, patientID, studyUID, seriesUID string, sink InstanceSink) error

	// MoveStudy instructs the peer to C-STORE a study to another AE title.
	MoveStudy(ctx context.Context, patientID, studyUID, destinationAET string) error

	// MoveSeries instructs the peer to C-STORE one series to another AE title.
	MoveSeries(ctx context.Context, patientID, studyUID, seriesUID, destinationAET string) error

	// Store sends the datasets via C-STORE, applying modifier first when
	// given. Every instance is attempted; a retriable error is returned
	// only afterwards if any failed.
	Store(ctx context.Context, datasets []*dicom.Dataset, modifier DatasetModifier) (StoreResult, error)

	// DrainLog returns and clears the structured notes collected since the
	// last drain. The processor folds them into the task log.
	DrainLog() []domain.LogEntry
}

// dimseService selects which presentation contexts an association proposes.
type dimseService int

const (
	serviceFind dimseService = iota
	serviceGet
	serviceMove
	serviceStore
)

// DimseConnector executes Connector operations against one peer server.
// Each operation owns its own association; instances are not safe for
// concurrent use, matching the one-connector-per-task execution model.
type DimseConnector struct {
	server domain.ServerConfig
	cfg    config.DimseConfig
	log    *logger.Logger

	// dial is swapped in tests.
	dial func(ctx context.Context, address string, cfg dimse.Config, proposed []dimse.ProposedContext) (*dimse.Association, error)

	entries []domain.LogEntry
}

var _ Connector = (*DimseConnector)(nil)

// NewDimseConnector binds a connector to one peer server.
func NewDimseConnector(server domain.ServerConfig, cfg config.DimseConfig, log *logger.Logger) *DimseConnector {
	return &DimseConnector{server: server, cfg: cfg, log: log, dial: dimse.Connect}
}

// DrainLog returns and clears the collected log entries.
func (c *DimseConnector) DrainLog() []domain.LogEntry {
	entries := c.entries
	c.entries = nil
	return entries
}

func (c *DimseConnector) warn(ctx context.Context, message string) {
	c.entries = append(c.entries, domain.LogEntry{Level: "Warning", Message: message})
	c.log.Warn(ctx, message, "peer", c.server.AETitle())
}

// open associates with the peer for one service, retrying transient
// connection failures up to the configured attempt count with a fixed
// pause between attempts. Exhausting the attempts is a retriable error.
func (c *DimseConnector) open(ctx context.Context, service dimseService) (*dimse.Association, error) {
	proposed := c.proposedContexts(service)
	if len(proposed) == 0 {
		return nil, fmt.Errorf("peer %s: %w", c.server.AETitle(), domain.ErrNoUsableInformationModel)
	}

	cfg := dimse.Config{
		CallingAETitle: c.cfg.AETitle,
		CalledAETitle:  c.server.AETitle(),
		MaxPDULength:   c.cfg.MaxPDULength,
		ConnectTimeout: c.cfg.ConnectTimeout,
		ReadTimeout:    c.cfg.ReadTimeout,
		WriteTimeout:   c.cfg.WriteTimeout,
		Log:            c.log,
	}

	retries := c.cfg.ConnectionRetries
	if retries < 1 {
		retries = 1
	}

	var assoc *dimse.Association
	operation := func() error {
		var err error
		assoc, err = c.dial(ctx, c.server.Address(), cfg, proposed)
		if err != nil {
			c.log.Warn(ctx, "association attempt failed",
				"peer", c.server.AETitle(), "err", err)
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryTimeout), uint64(retries-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, domain.Retriablef("associating with %s after %d attempts: %w",
			c.server.AETitle(), retries, err)
	}
	return assoc, nil
}

// proposedContexts lists the presentation contexts for a service according
// to the peer's capabilities. For C-GET the storage classes are proposed
// with the SCP role so the peer can push instances back over the same
// association.
func (c *DimseConnector) proposedContexts(service dimseService) []dimse.ProposedContext {
	caps := c.server.Capabilities()
	var proposed []dimse.ProposedContext

	switch service {
	case serviceFind:
		if caps.Has(domain.CapabilityStudyRootFind) {
			proposed = append(proposed, dimse.ProposedContext{AbstractSyntax: dicom.StudyRootFind})
		}
		if caps.Has(domain.CapabilityPatientRootFind) {
			proposed = append(proposed, dimse.ProposedContext{AbstractSyntax: dicom.PatientRootFind})
		}
	case serviceGet:
		if caps.Has(domain.CapabilityStudyRootGet) {
			proposed = append(proposed, dimse.ProposedContext{AbstractSyntax: dicom.StudyRootGet})
		}
		if caps.Has(domain.CapabilityPatientRootGet) {
			proposed = append(proposed, dimse.ProposedContext{AbstractSyntax: dicom.PatientRootGet})
		}
		if len(proposed) > 0 {
			for _, uid := range dicom.StorageSOPClasses {
				proposed = append(proposed, dimse.ProposedContext{AbstractSyntax: uid, SCPRole: true})
			}
		}
	case serviceMove:
		if caps.Has(domain.CapabilityStudyRootMove) {
			proposed = append(proposed, dimse.ProposedContext{AbstractSyntax: dicom.StudyRootMove})
		}
		if caps.Has(domain.CapabilityPatientRootMove) {
			proposed = append(proposed, dimse.ProposedContext{AbstractSyntax: dicom.PatientRootMove})
		}
	case serviceStore:
		if caps.Has(domain.CapabilityStore) {
			for _, uid := range dicom.StorageSOPClasses {
				proposed = append(proposed, dimse.ProposedContext{AbstractSyntax: uid})
			}
		}
	}
	return proposed
}

// findModel picks the Query/Retrieve information model for a C-FIND at the
// given level. Study root is preferred whenever the query does not need the
// patient level; patient root additionally requires a concrete PatientID
// for non-patient levels. No usable model is a configuration error, never
// retried.
func (c *DimseConnector) findModel(query *dicom.QueryDataset, level string) (string, error) {
	caps := c.server.Capabilities()

	if caps.Has(domain.CapabilityStudyRootFind) && level != "PATIENT" {
		return dicom.StudyRootFind, nil
	}
	if caps.Has(domain.CapabilityPatientRootFind) {
		if level == "PATIENT" {
			return dicom.PatientRootFind, nil
		}
		patientID, _ := query.Get(dicom.TagPatientID)
		if patientID != "" && !dicom.HasWildcards(patientID) {
			return dicom.PatientRootFind, nil
		}
	}
	return "", fmt.Errorf("peer %s has no information model for a %s level query: %w",
		c.server.AETitle(), level, domain.ErrNoUsableInformationModel)
}

// retrieveModel picks the information model for C-GET or C-MOVE. Study root
// requires a concrete StudyInstanceUID; patient root requires PatientID and
// StudyInstanceUID.
func (c *DimseConnector) retrieveModel(query *dicom.QueryDataset, studyRoot, patientRoot qrPair) (string, error) {
	studyUID, _ := query.Get(dicom.TagStudyInstanceUID)
	patientID, _ := query.Get(dicom.TagPatientID)
	caps := c.server.Capabilities()

	if caps.Has(studyRoot.capability) && studyUID != "" && !dicom.HasWildcards(studyUID) {
		return studyRoot.uid, nil
	}
	if caps.Has(patientRoot.capability) &&
		patientID != "" && !dicom.HasWildcards(patientID) &&
		studyUID != "" && !dicom.HasWildcards(studyUID) {
		return patientRoot.uid, nil
	}
	return "", fmt.Errorf("peer %s cannot retrieve the requested study: %w",
		c.server.AETitle(), domain.ErrNoUsableInformationModel)
}

// qrPair ties a node capability to the SOP class implementing it.
type qrPair struct {
	capability domain.Capability
	uid        string
}

var (
	studyRootGetPair    = qrPair{domain.CapabilityStudyRootGet, dicom.StudyRootGet}
	patientRootGetPair  = qrPair{domain.CapabilityPatientRootGet, dicom.PatientRootGet}
	studyRootMovePair   = qrPair{domain.CapabilityStudyRootMove, dicom.StudyRootMove}
	patientRootMovePair = qrPair{domain.CapabilityPatientRootMove, dicom.PatientRootMove}
)

// sendFind runs one C-FIND on a fresh association and collects the pending
// matches. limit <= 0 collects everything; otherwise the operation is
// canceled cleanly once limit results arrived.
func (c *DimseConnector) sendFind(ctx context.Context, query *dicom.QueryDataset, level string, limit int) ([]dicom.ResultDataset, error) {
	model, err := c.findModel(query, level)
	if err != nil {
		return nil, err
	}

	q := query.Clone()
	q.Set(dicom.TagQueryRetrieveLevel, level)

	assoc, err := c.open(ctx, serviceFind)
	if err != nil {
		return nil, err
	}
	defer assoc.Release()

	var results []dicom.ResultDataset
	err = assoc.Find(ctx, model, q, func(result dicom.ResultDataset) (bool, error) {
		results = append(results, result)
		if limit > 0 && len(results) >= limit {
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		assoc.Abort()
		return nil, domain.Retriablef("C-FIND against %s: %w", c.server.AETitle(), err)
	}
	return results, nil
}

// FindPatients implements patient search. Peers without patient root FIND
// are handled by querying at study level and de-duplicating the patients
// from the study results. Optional matching keys some peers ignore
// (birth date, name, sex) are enforced client-side.
func (c *DimseConnector) FindPatients(ctx context.Context, query *dicom.QueryDataset, limit int) ([]dicom.ResultDataset, error) {
	q := query.Clone()
	q.Ensure(
		dicom.TagPatientID,
		dicom.TagPatientName,
		dicom.TagPatientBirthDate,
		dicom.TagPatientSex,
		dicom.TagNumberOfPatientRelatedStudies,
	)

	level := "PATIENT"
	if !c.server.Capabilities().Has(domain.CapabilityPatientRootFind) {
		// Emulate the patient level query on study root; the study rows
		// repeat each patient once per study.
		level = "STUDY"
	}

	// The peer-side limit cannot apply when emulating on study level or
	// when post-filters may drop rows, so filter first, cut after.
	results, err := c.sendFind(ctx, q, level, 0)
	if err != nil {
		return nil, err
	}
	patients, err := filterPatients(q, results)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(patients) > limit {
		patients = patients[:limit]
	}
	return patients, nil
}

func filterPatients(query *dicom.QueryDataset, results []dicom.ResultDataset) ([]dicom.ResultDataset, error) {
	namePattern, err := queryPattern(query, dicom.TagPatientName)
	if err != nil {
		return nil, err
	}
	birthDate, _ := query.Get(dicom.TagPatientBirthDate)
	sex, _ := query.Get(dicom.TagPatientSex)

	seen := make(map[string]bool)
	var patients []dicom.ResultDataset
	for _, result := range results {
		if seen[result.PatientID()] {
			continue
		}
		seen[result.PatientID()] = true

		if birthDate != "" && birthDate != result.PatientBirthDate() {
			continue
		}
		if namePattern != nil && !namePattern.MatchString(result.PatientName()) {
			continue
		}
		if sex != "" && sex != result.PatientSex() {
			continue
		}
		patients = append(patients, result)
	}
	return patients, nil
}

// FindStudies implements study search with client-side filtering of the
// optional keys (study description wildcard, modality membership) that not
// every peer honors.
func (c *DimseConnector) FindStudies(ctx context.Context, query *dicom.QueryDataset, limit int) ([]dicom.ResultDataset, error) {
	q := query.Clone()
	q.Ensure(
		dicom.TagPatientID,
		dicom.TagPatientName,
		dicom.TagPatientBirthDate,
		dicom.TagStudyInstanceUID,
		dicom.TagAccessionNumber,
		dicom.TagStudyDate,
		dicom.TagStudyTime,
		dicom.TagStudyDescription,
		dicom.TagModalitiesInStudy,
		dicom.TagNumberOfStudyRelatedSeries,
		dicom.TagNumberOfStudyRelatedInstances,
	)

	results, err := c.sendFind(ctx, q, "STUDY", 0)
	if err != nil {
		return nil, err
	}
	studies, err := filterStudies(q, results)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(studies) > limit {
		studies = studies[:limit]
	}
	return studies, nil
}

func filterStudies(query *dicom.QueryDataset, results []dicom.ResultDataset) ([]dicom.ResultDataset, error) {
	descriptionPattern, err := queryPattern(query, dicom.TagStudyDescription)
	if err != nil {
		return nil, err
	}
	wantedModalities := splitQueryValues(query, dicom.TagModalitiesInStudy)

	var studies []dicom.ResultDataset
	for _, result := range results {
		if descriptionPattern != nil && !descriptionPattern.MatchString(result.StudyDescription()) {
			continue
		}
		if len(wantedModalities) > 0 {
			// Any of the searched modalities being present is a match.
			if !anyModality(wantedModalities, result.ModalitiesInStudy()) {
				continue
			}
		}
		studies = append(studies, result)
	}
	return studies, nil
}

// FindSeries implements series search within one study. A concrete
// StudyInstanceUID is required. SeriesNumber is matched client-side since
// integer-string comparison on the peer is unreliable ("4" vs "+4");
// modality and series description are filtered for peers that ignore them.
func (c *DimseConnector) FindSeries(ctx context.Context, query *dicom.QueryDataset, limit int) ([]dicom.ResultDataset, error) {
	q := query.Clone()
	q.Ensure(
		dicom.TagPatientID,
		dicom.TagStudyInstanceUID,
		dicom.TagSeriesInstanceUID,
		dicom.TagSeriesDescription,
		dicom.TagSeriesNumber,
		dicom.TagModality,
		dicom.TagNumberOfSeriesRelatedInstances,
	)

	studyUID, _ := q.Get(dicom.TagStudyInstanceUID)
	if studyUID == "" || dicom.HasWildcards(studyUID) {
		return nil, fmt.Errorf("series query requires a concrete StudyInstanceUID")
	}

	results, err := c.sendFind(ctx, q, "SERIES", 0)
	if err != nil {
		return nil, err
	}
	series, err := filterSeries(q, results)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(series) > limit {
		series = series[:limit]
	}
	return series, nil
}

func filterSeries(query *dicom.QueryDataset, results []dicom.ResultDataset) ([]dicom.ResultDataset, error) {
	descriptionPattern, err := queryPattern(query, dicom.TagSeriesDescription)
	if err != nil {
		return nil, err
	}
	wantedNumber, _ := query.Get(dicom.TagSeriesNumber)
	wantedModality, _ := query.Get(dicom.TagModality)

	var series []dicom.ResultDataset
	for _, result := range results {
		if wantedNumber != "" && !sameSeriesNumber(wantedNumber, result.Get(dicom.TagSeriesNumber)) {
			continue
		}
		if wantedModality != "" && wantedModality != result.Modality() {
			continue
		}
		if descriptionPattern != nil && !descriptionPattern.MatchString(result.SeriesDescription()) {
			continue
		}
		series = append(series, result)
	}
	return series, nil
}

// FetchStudy retrieves a whole study via C-GET.
func (c *DimseConnector) FetchStudy(ctx context.Context, patientID, studyUID string, sink InstanceSink) error {
	query := retrieveQuery("STUDY", patientID, studyUID, "")
	return c.fetch(ctx, query, sink)
}

// FetchSeries retrieves one series via C-GET.
func (c *DimseConnector) FetchSeries(ctx context.Context, patientID, studyUID, seriesUID string, sink InstanceSink) error {
	query := retrieveQuery("SERIES", patientID, studyUID, seriesUID)
	return c.fetch(ctx, query, sink)
}

func (c *DimseConnector) fetch(ctx context.Context, query *dicom.QueryDataset, sink InstanceSink) error {
	model, err := c.retrieveModel(query, studyRootGetPair, patientRootGetPair)
	if err != nil {
		return err
	}

	assoc, err := c.open(ctx, serviceGet)
	if err != nil {
		return err
	}
	defer assoc.Release()

	subs, err := assoc.Get(ctx, model, query, dimse.StoreHandler(sink))
	if err != nil {
		assoc.Abort()
		return domain.Retriablef("C-GET against %s: %w", c.server.AETitle(), err)
	}
	return c.checkSubOperations(ctx, "C-GET", subs)
}

// MoveStudy asks the peer to push a whole study to destinationAET.
func (c *DimseConnector) MoveStudy(ctx context.Context, patientID, studyUID, destinationAET string) error {
	query := retrieveQuery("STUDY", patientID, studyUID, "")
	return c.move(ctx, query, destinationAET)
}

// MoveSeries asks the peer to push one series to destinationAET.
func (c *DimseConnector) MoveSeries(ctx context.Context, patientID, studyUID, seriesUID, destinationAET string) error {
	query := retrieveQuery("SERIES", patientID, studyUID, seriesUID)
	return c.move(ctx, query, destinationAET)
}

func (c *DimseConnector) move(ctx context.Context, query *dicom.QueryDataset, destinationAET string) error {
	model, err := c.retrieveModel(query, studyRootMovePair, patientRootMovePair)
	if err != nil {
		return err
	}

	assoc, err := c.open(ctx, serviceMove)
	if err != nil {
		return err
	}
	defer assoc.Release()

	subs, err := assoc.Move(ctx, model, destinationAET, query)
	if err != nil {
		assoc.Abort()
		return domain.Retriablef("C-MOVE against %s: %w", c.server.AETitle(), err)
	}
	return c.checkSubOperations(ctx, "C-MOVE", subs)
}

// checkSubOperations applies the retrieval outcome policy. Some peers
// report SUCCESS despite failed sub-operations, so the counters are
// authoritative and the top-level status is not trusted alone: everything
// failed is a retriable error, partial failure and warning sub-operations
// become warning log entries.
func (c *DimseConnector) checkSubOperations(ctx context.Context, operation string, subs dimse.SubOperations) error {
	if subs.Failed > 0 && subs.Completed == 0 {
		return domain.Retriablef("%s against %s: all %d sub-operations failed",
			operation, c.server.AETitle(), subs.Failed)
	}
	if subs.Failed > 0 {
		c.warn(ctx, fmt.Sprintf("%s: %d of %d sub-operations failed",
			operation, subs.Failed, subs.Failed+subs.Completed))
	}
	if subs.Warning > 0 {
		c.warn(ctx, fmt.Sprintf("%s: %d sub-operations finished with a warning",
			operation, subs.Warning))
	}
	return nil
}

// Store sends every dataset, collecting per-instance warnings and failures
// instead of aborting on the first problem. A retriable error is returned
// only after all instances were attempted and at least one failed.
func (c *DimseConnector) Store(ctx context.Context, datasets []*dicom.Dataset, modifier DatasetModifier) (StoreResult, error) {
	if !c.server.Capabilities().Has(domain.CapabilityStore) {
		return StoreResult{}, fmt.Errorf("peer %s does not accept C-STORE: %w",
			c.server.AETitle(), domain.ErrNoUsableInformationModel)
	}

	assoc, err := c.open(ctx, serviceStore)
	if err != nil {
		return StoreResult{}, err
	}
	defer assoc.Release()

	var result StoreResult
	for _, ds := range datasets {
		if err := ctx.Err(); err != nil {
			assoc.Abort()
			return result, domain.Retriable(err)
		}

		instance := ds
		if modifier != nil {
			instance = ds.Clone()
			modifier(instance)
		}

		instanceUID := instance.GetString(dicom.TagSOPInstanceUID)
		status, err := assoc.Store(ctx, instance)
		switch {
		case err != nil:
			result.Failures = append(result.Failures,
				fmt.Sprintf("instance %s: %v", instanceUID, err))
		case status.IsFailure():
			result.Failures = append(result.Failures,
				fmt.Sprintf("instance %s: store status 0x%04X", instanceUID, uint16(status)))
		case status.IsWarning():
			result.Completed++
			warning := fmt.Sprintf("instance %s: store status 0x%04X", instanceUID, uint16(status))
			result.Warnings = append(result.Warnings, warning)
			c.warn(ctx, "C-STORE: "+warning)
		default:
			result.Completed++
		}
	}

	if len(result.Failures) > 0 {
		return result, domain.Retriablef("C-STORE to %s: %d of %d instances failed",
			c.server.AETitle(), len(result.Failures), len(datasets))
	}
	return result, nil
}

// queryPattern compiles the wildcard matcher for a query key, or nil when
// the key is absent or carries no wildcards (the peer already matched it
// exactly).
func queryPattern(query *dicom.QueryDataset, tag dicom.Tag) (*regexp.Regexp, error) {
	value, _ := query.Get(tag)
	if value == "" || !dicom.HasWildcards(value) {
		return nil, nil
	}
	pattern, err := dicom.WildcardPattern(value)
	if err != nil {
		return nil, fmt.Errorf("compiling wildcard pattern for %s: %w", tag, err)
	}
	return pattern, nil
}

func splitQueryValues(query *dicom.QueryDataset, tag dicom.Tag) []string {
	value, _ := query.Get(tag)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, "\\")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func anyModality(wanted, present []string) bool {
	for _, w := range wanted {
		for _, p := range present {
			if w == p {
				return true
			}
		}
	}
	return false
}

// sameSeriesNumber compares two integer strings numerically, since "4" and
// "+4" denote the same series number. Non-numeric values fall back to a
// literal comparison.
func sameSeriesNumber(a, b string) bool {
	na, errA := strconv.Atoi(strings.TrimSpace(a))
	nb, errB := strconv.Atoi(strings.TrimSpace(b))
	if errA == nil && errB == nil {
		return na == nb
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func retrieveQuery(level, patientID, studyUID, seriesUID string) *dicom.QueryDataset {
	query := dicom.NewQueryDataset()
	query.Set(dicom.TagQueryRetrieveLevel, level)
	query.Set(dicom.TagPatientID, patientID)
	query.Set(dicom.TagStudyInstanceUID, studyUID)
	if seriesUID != "" {
		query.Set(dicom.TagSeriesInstanceUID, seriesUID)
	}
	return query
}
