package dicom

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// HasWildcards reports whether the value contains DICOM matching wildcards.
func HasWildcards(value string) bool {
	return strings.ContainsAny(value, "*?")
}

// WildcardPattern compiles a DICOM wildcard expression into a case-insensitive
// regexp for client-side filtering of results the peer matched too loosely.
func WildcardPattern(value string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?i)^")
	for _, r := range value {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

func hasControlChars(value string) bool {
	for _, r := range value {
		if r < 0x20 || r == 0x7F {
			return true
		}
	}
	return false
}

// ValidateIdentifier rejects values that are unsafe as identifying query
// fields: wildcards, the multi-value separator, and control characters.
func ValidateIdentifier(value string) error {
	switch {
	case HasWildcards(value):
		return fmt.Errorf("value %q contains wildcard characters", value)
	case strings.Contains(value, `\`):
		return fmt.Errorf("value %q contains a backslash", value)
	case hasControlChars(value):
		return fmt.Errorf("value %q contains control characters", value)
	}
	return nil
}

// QueryDataset builds a C-FIND/C-GET/C-MOVE identifier. Identifying fields go
// through SetIdentifier so the no-wildcard invariants hold; free-form search
// fields (descriptions, names in interactive searches) use Set.
type QueryDataset struct {
	ds *Dataset
}

// NewQueryDataset returns an empty query.
func NewQueryDataset() *QueryDataset {
	return &QueryDataset{ds: NewDataset()}
}

// Set stores a query field, overwriting any previous value. Empty values are
// kept: an empty field requests the attribute as a return key.
func (q *QueryDataset) Set(tag Tag, value string) {
	q.ds.Set(tag, value)
}

// SetIdentifier stores an identifying field after validating it.
func (q *QueryDataset) SetIdentifier(tag Tag, value string) error {
	if err := ValidateIdentifier(value); err != nil {
		return fmt.Errorf("tag %s: %w", tag, err)
	}
	q.ds.Set(tag, value)
	return nil
}

// Ensure adds the tag as an empty return key if it is not already requested.
func (q *QueryDataset) Ensure(tags ...Tag) {
	for _, tag := range tags {
		if _, ok := q.ds.Get(tag); !ok {
			q.ds.Set(tag, "")
		}
	}
}

// Get returns the query value for the tag.
func (q *QueryDataset) Get(tag Tag) (string, bool) { return q.ds.Get(tag) }

// Has reports whether the tag carries a non-empty value.
func (q *QueryDataset) Has(tag Tag) bool { return q.ds.Has(tag) }

// Delete removes the tag from the query.
func (q *QueryDataset) Delete(tag Tag) { q.ds.Delete(tag) }

// Clone returns an independent copy of the query.
func (q *QueryDataset) Clone() *QueryDataset {
	return &QueryDataset{ds: q.ds.Clone()}
}

// Dataset exposes the underlying dataset for encoding.
func (q *QueryDataset) Dataset() *Dataset { return q.ds }

// ResultDataset is a read-only view over a dataset returned by C-FIND/C-GET,
// with typed accessors for the attributes the transfer engine works with.
type ResultDataset struct {
	ds *Dataset
}

// NewResultDataset wraps a received dataset.
func NewResultDataset(ds *Dataset) ResultDataset {
	return ResultDataset{ds: ds}
}

func (r ResultDataset) get(tag Tag) string { return r.ds.GetString(tag) }

func (r ResultDataset) PatientID() string        { return r.get(TagPatientID) }
func (r ResultDataset) PatientName() string      { return r.get(TagPatientName) }
func (r ResultDataset) PatientBirthDate() string { return r.get(TagPatientBirthDate) }
func (r ResultDataset) PatientSex() string       { return r.get(TagPatientSex) }
func (r ResultDataset) AccessionNumber() string  { return r.get(TagAccessionNumber) }
func (r ResultDataset) StudyInstanceUID() string { return r.get(TagStudyInstanceUID) }
func (r ResultDataset) StudyDescription() string { return r.get(TagStudyDescription) }
func (r ResultDataset) SeriesInstanceUID() string { return r.get(TagSeriesInstanceUID) }
func (r ResultDataset) SeriesDescription() string { return r.get(TagSeriesDescription) }
func (r ResultDataset) Modality() string          { return r.get(TagModality) }

// StudyDate parses the YYYYMMDD study date. The zero time is returned when
// the attribute is absent or malformed.
func (r ResultDataset) StudyDate() time.Time {
	t, _ := time.Parse("20060102", r.get(TagStudyDate))
	return t
}

// StudyTime parses the study time, tolerating the common HHMMSS, HHMM and
// fractional-second forms.
func (r ResultDataset) StudyTime() time.Time {
	raw := r.get(TagStudyTime)
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	for _, layout := range []string{"150405", "1504", "15"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ModalitiesInStudy returns the study's modalities as a list.
func (r ResultDataset) ModalitiesInStudy() []string {
	return r.ds.GetStrings(TagModalitiesInStudy)
}

// SeriesNumber returns the numeric series number. ok is false when the
// attribute is absent or not an integer; callers sort such series last.
func (r ResultDataset) SeriesNumber() (int, bool) {
	raw := r.get(TagSeriesNumber)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NumberOfStudyRelatedInstances returns the instance count, 0 when absent.
func (r ResultDataset) NumberOfStudyRelatedInstances() int {
	n, _ := strconv.Atoi(r.get(TagNumberOfStudyRelatedInstances))
	return n
}

// Get returns the raw string value for an arbitrary tag.
func (r ResultDataset) Get(tag Tag) string { return r.get(tag) }

// Dataset exposes the underlying dataset.
func (r ResultDataset) Dataset() *Dataset { return r.ds }
