package dicom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "plain id", value: "12345"},
		{name: "name with caret", value: "Doe^John"},
		{name: "star wildcard", value: "Doe*", wantErr: true},
		{name: "question wildcard", value: "Doe?", wantErr: true},
		{name: "backslash", value: `CT\MR`, wantErr: true},
		{name: "control char", value: "abc\ndef", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueryDatasetSetIdentifier(t *testing.T) {
	q := NewQueryDataset()
	require.NoError(t, q.SetIdentifier(TagPatientID, "12345"))
	assert.Error(t, q.SetIdentifier(TagPatientName, "Doe*"))

	v, ok := q.Get(TagPatientID)
	assert.True(t, ok)
	assert.Equal(t, "12345", v)
	_, ok = q.Get(TagPatientName)
	assert.False(t, ok)
}

func TestQueryDatasetEnsure(t *testing.T) {
	q := NewQueryDataset()
	q.Set(TagStudyDate, "20240101")
	q.Ensure(TagStudyDate, TagStudyDescription)

	v, ok := q.Get(TagStudyDate)
	assert.True(t, ok)
	assert.Equal(t, "20240101", v, "ensure must not clobber an existing value")

	v, ok = q.Get(TagStudyDescription)
	assert.True(t, ok)
	assert.Empty(t, v)
}

func TestWildcardPattern(t *testing.T) {
	p, err := WildcardPattern("Doe*")
	require.NoError(t, err)
	assert.True(t, p.MatchString("Doe^John"))
	assert.True(t, p.MatchString("doe^jane"))
	assert.False(t, p.MatchString("Smith^Doe"))

	p, err = WildcardPattern("C?")
	require.NoError(t, err)
	assert.True(t, p.MatchString("CT"))
	assert.False(t, p.MatchString("CTA"))

	p, err = WildcardPattern("1.2.840")
	require.NoError(t, err)
	assert.True(t, p.MatchString("1.2.840"), "dots must match literally")
	assert.False(t, p.MatchString("1x2x840"))
}

func TestResultDatasetAccessors(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagPatientID, "12345 ")
	ds.Set(TagStudyDate, "20240315")
	ds.Set(TagStudyTime, "142530.123")
	ds.Set(TagModalitiesInStudy, `CT\SR`)
	ds.Set(TagSeriesNumber, "7")
	ds.Set(TagNumberOfStudyRelatedInstances, "42")
	r := NewResultDataset(ds)

	assert.Equal(t, "12345", r.PatientID())
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), r.StudyDate())
	assert.Equal(t, 14, r.StudyTime().Hour())
	assert.Equal(t, 25, r.StudyTime().Minute())
	assert.Equal(t, []string{"CT", "SR"}, r.ModalitiesInStudy())

	n, ok := r.SeriesNumber()
	assert.True(t, ok)
	assert.Equal(t, 7, n)
	assert.Equal(t, 42, r.NumberOfStudyRelatedInstances())
}

func TestResultDatasetSeriesNumberMissing(t *testing.T) {
	r := NewResultDataset(NewDataset())
	_, ok := r.SeriesNumber()
	assert.False(t, ok)

	ds := NewDataset()
	ds.Set(TagSeriesNumber, "abc")
	_, ok = NewResultDataset(ds).SeriesNumber()
	assert.False(t, ok)
}
