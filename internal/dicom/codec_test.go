package dicom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset() *Dataset {
	ds := NewDataset()
	ds.Set(TagPatientID, "12345")
	ds.Set(TagPatientName, "Doe^John")
	ds.Set(TagStudyInstanceUID, "1.2.840.113845.1.1")
	ds.Set(TagModality, "CT")
	ds.SetBytes(Tag{0x7FE0, 0x0010}, VROtherByte, []byte{0x01, 0x02, 0x03, 0x04})
	return ds
}

func TestEncodeDatasetRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ts   TransferSyntax
	}{
		{name: "implicit VR little endian", ts: TransferImplicitVRLittleEndian},
		{name: "explicit VR little endian", ts: TransferExplicitVRLittleEndian},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := sampleDataset()
			encoded, err := EncodeDataset(ds, tt.ts)
			require.NoError(t, err)

			decoded, err := ParseDataset(encoded, tt.ts)
			require.NoError(t, err)

			assert.Equal(t, "12345", decoded.GetString(TagPatientID))
			assert.Equal(t, "Doe^John", decoded.GetString(TagPatientName))
			assert.Equal(t, "1.2.840.113845.1.1", decoded.GetString(TagStudyInstanceUID))
			assert.Equal(t, "CT", decoded.GetString(TagModality))

			pixel, ok := decoded.Element(Tag{0x7FE0, 0x0010})
			require.True(t, ok)
			assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, pixel.Value)
		})
	}
}

func TestEncodeDatasetPadsOddLengths(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagPatientID, "123") // odd length, padded with a space
	ds.Set(TagStudyInstanceUID, "1.2.3.4.5.6.7.8.9") // odd length UI, padded with NUL

	encoded, err := EncodeDataset(ds, TransferExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Zero(t, len(encoded)%2)

	decoded, err := ParseDataset(encoded, TransferExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, "123", decoded.GetString(TagPatientID))
	assert.Equal(t, "1.2.3.4.5.6.7.8.9", decoded.GetString(TagStudyInstanceUID))
}

func TestEncodeDatasetOrdersByTag(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagSeriesInstanceUID, "1.2.3")
	ds.Set(TagPatientID, "99")
	ds.Set(TagSOPClassUID, "1.2.840.10008.5.1.4.1.1.2")

	encoded, err := EncodeDataset(ds, TransferImplicitVRLittleEndian)
	require.NoError(t, err)

	decoded, err := ParseDataset(encoded, TransferImplicitVRLittleEndian)
	require.NoError(t, err)
	tags := decoded.SortedTags()
	require.Len(t, tags, 3)
	assert.Equal(t, TagSOPClassUID, tags[0])
	assert.Equal(t, TagPatientID, tags[1])
	assert.Equal(t, TagSeriesInstanceUID, tags[2])
}

func TestParseDatasetTruncated(t *testing.T) {
	ds := sampleDataset()
	encoded, err := EncodeDataset(ds, TransferExplicitVRLittleEndian)
	require.NoError(t, err)

	_, err = ParseDataset(encoded[:len(encoded)-2], TransferExplicitVRLittleEndian)
	assert.Error(t, err)
}

func TestPart10RoundTrip(t *testing.T) {
	ds := sampleDataset()
	ds.Set(TagSOPClassUID, "1.2.840.10008.5.1.4.1.1.2")
	ds.Set(TagSOPInstanceUID, "1.2.3.4.5")

	data, err := WriteFile(ds, TransferExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.True(t, HasPart10Header(data))

	f, err := ReadFile(data)
	require.NoError(t, err)
	assert.Equal(t, TransferExplicitVRLittleEndian, f.TransferSyntax)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", f.SOPClassUID)
	assert.Equal(t, "1.2.3.4.5", f.SOPInstanceUID)
	assert.Equal(t, "12345", f.Dataset.GetString(TagPatientID))
}

func TestWriteFileRequiresSOPIdentifiers(t *testing.T) {
	ds := NewDataset()
	ds.Set(TagPatientID, "12345")

	_, err := WriteFile(ds, TransferImplicitVRLittleEndian)
	assert.Error(t, err)
}

func TestReadFileRawDatasetFallback(t *testing.T) {
	ds := sampleDataset()
	ds.Set(TagSOPClassUID, "1.2.840.10008.5.1.4.1.1.4")
	ds.Set(TagSOPInstanceUID, "1.2.3.4.5.6")
	raw, err := EncodeDataset(ds, TransferImplicitVRLittleEndian)
	require.NoError(t, err)

	f, err := ReadFile(raw)
	require.NoError(t, err)
	assert.Equal(t, TransferImplicitVRLittleEndian, f.TransferSyntax)
	assert.Equal(t, "1.2.3.4.5.6", f.SOPInstanceUID)
}
