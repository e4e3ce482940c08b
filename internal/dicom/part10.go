package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const preambleLength = 128

var magicDICM = []byte("DICM")

// HasPart10Header reports whether the data starts with a DICOM file preamble.
func HasPart10Header(data []byte) bool {
	if len(data) < preambleLength+4 {
		return false
	}
	return bytes.Equal(data[preambleLength:preambleLength+4], magicDICM)
}

// File is a parsed Part 10 file: its file meta group plus the dataset encoded
// in the transfer syntax the meta group names.
type File struct {
	TransferSyntax TransferSyntax
	SOPClassUID    string
	SOPInstanceUID string
	Dataset        *Dataset
}

// ReadFile parses a Part 10 file. Raw datasets without a preamble are
// accepted and assumed to be implicit VR little endian.
func ReadFile(data []byte) (*File, error) {
	if !HasPart10Header(data) {
		ds, err := ParseDataset(data, TransferImplicitVRLittleEndian)
		if err != nil {
			return nil, err
		}
		return &File{
			TransferSyntax: TransferImplicitVRLittleEndian,
			SOPClassUID:    ds.GetString(TagSOPClassUID),
			SOPInstanceUID: ds.GetString(TagSOPInstanceUID),
			Dataset:        ds,
		}, nil
	}

	r := bytes.NewReader(data[preambleLength+4:])

	// The file meta group is always explicit VR little endian. Its group
	// length element tells us how many bytes of meta follow.
	groupLengthEl, err := parseElement(r, true)
	if err != nil {
		return nil, fmt.Errorf("reading file meta group length: %w", err)
	}
	if groupLengthEl.Tag != TagFileMetaInformationGroupLength {
		return nil, fmt.Errorf("expected file meta group length, got %s", groupLengthEl.Tag)
	}
	raw, ok := groupLengthEl.Value.([]byte)
	if !ok || len(raw) != 4 {
		return nil, fmt.Errorf("malformed file meta group length")
	}
	metaLength := binary.LittleEndian.Uint32(raw)
	if uint32(r.Len()) < metaLength {
		return nil, fmt.Errorf("file meta group length %d exceeds remaining %d bytes", metaLength, r.Len())
	}

	metaBytes := make([]byte, metaLength)
	if _, err := r.Read(metaBytes); err != nil {
		return nil, err
	}
	meta, err := parseDataset(metaBytes, true)
	if err != nil {
		return nil, fmt.Errorf("parsing file meta group: %w", err)
	}

	ts := TransferSyntax(meta.GetString(TagTransferSyntaxUID))
	switch ts {
	case TransferImplicitVRLittleEndian, TransferExplicitVRLittleEndian:
	default:
		return nil, fmt.Errorf("unsupported transfer syntax %q", ts)
	}

	rest := make([]byte, r.Len())
	r.Read(rest)
	ds, err := ParseDataset(rest, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing dataset: %w", err)
	}

	f := &File{
		TransferSyntax: ts,
		SOPClassUID:    meta.GetString(TagMediaStorageSOPClassUID),
		SOPInstanceUID: meta.GetString(TagMediaStorageSOPInstanceUID),
		Dataset:        ds,
	}
	if f.SOPClassUID == "" {
		f.SOPClassUID = ds.GetString(TagSOPClassUID)
	}
	if f.SOPInstanceUID == "" {
		f.SOPInstanceUID = ds.GetString(TagSOPInstanceUID)
	}
	return f, nil
}

// WriteFile encodes the dataset as a Part 10 file in the given transfer
// syntax, building the file meta group from the dataset's SOP identifiers.
func WriteFile(ds *Dataset, ts TransferSyntax) ([]byte, error) {
	sopClass := ds.GetString(TagSOPClassUID)
	sopInstance := ds.GetString(TagSOPInstanceUID)
	if sopClass == "" || sopInstance == "" {
		return nil, fmt.Errorf("dataset is missing SOP class or instance UID")
	}

	meta := NewDataset()
	meta.SetBytes(Tag{0x0002, 0x0001}, VROtherByte, []byte{0x00, 0x01})
	meta.SetWithVR(TagMediaStorageSOPClassUID, VRUniqueIdentifier, sopClass)
	meta.SetWithVR(TagMediaStorageSOPInstanceUID, VRUniqueIdentifier, sopInstance)
	meta.SetWithVR(TagTransferSyntaxUID, VRUniqueIdentifier, string(ts))
	meta.SetWithVR(TagImplementationClassUID, VRUniqueIdentifier, ImplementationClassUID)
	meta.SetWithVR(TagImplementationVersionName, VRShortString, ImplementationVersionName)

	metaBytes, err := EncodeDataset(meta, TransferExplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}
	body, err := EncodeDataset(ds, ts)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, preambleLength))
	buf.Write(magicDICM)

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(metaBytes)))
	lengthEl := &Element{Tag: TagFileMetaInformationGroupLength, VR: VRUnsignedLong, Value: groupLength}
	if err := encodeElement(&buf, lengthEl, true); err != nil {
		return nil, err
	}

	buf.Write(metaBytes)
	buf.Write(body)
	return buf.Bytes(), nil
}
