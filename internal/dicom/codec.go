package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// TransferSyntax identifies how a dataset is encoded on the wire.
type TransferSyntax string

const (
	TransferImplicitVRLittleEndian TransferSyntax = ImplicitVRLittleEndian
	TransferExplicitVRLittleEndian TransferSyntax = ExplicitVRLittleEndian
)

const undefinedLength = 0xFFFFFFFF

// binaryVRs lists the VRs whose payloads are kept as raw bytes rather than
// decoded into strings.
var binaryVRs = map[string]bool{
	VROtherByte: true, VROtherWord: true, VRUnknown: true, VRSequence: true,
	VRUnsignedLong: true, VRUnsignedShort: true, VRSignedLong: true,
	VRSignedShort: true, VRFloat: true, VRDouble: true, VRAttributeTag: true,
}

// ParseDataset decodes a dataset in the given transfer syntax.
func ParseDataset(data []byte, ts TransferSyntax) (*Dataset, error) {
	if ts == TransferImplicitVRLittleEndian {
		return parseDataset(data, false)
	}
	return parseDataset(data, true)
}

func parseDataset(data []byte, explicit bool) (*Dataset, error) {
	ds := NewDataset()
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		el, err := parseElement(r, explicit)
		if err != nil {
			return nil, err
		}
		ds.elements[el.Tag] = el
	}
	return ds, nil
}

func parseElement(r *bytes.Reader, explicit bool) (*Element, error) {
	var group, element uint16
	if err := binary.Read(r, binary.LittleEndian, &group); err != nil {
		return nil, fmt.Errorf("reading element group: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &element); err != nil {
		return nil, fmt.Errorf("reading element number: %w", err)
	}
	tag := Tag{Group: group, Element: element}

	var vr string
	var length uint32
	if explicit {
		vrBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, vrBytes); err != nil {
			return nil, fmt.Errorf("reading VR for %s: %w", tag, err)
		}
		vr = string(vrBytes)
		if IsLongVR(vr) {
			// Two reserved bytes precede the 32-bit length.
			if _, err := r.Seek(2, io.SeekCurrent); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
				return nil, fmt.Errorf("reading length for %s: %w", tag, err)
			}
		} else {
			var short uint16
			if err := binary.Read(r, binary.LittleEndian, &short); err != nil {
				return nil, fmt.Errorf("reading length for %s: %w", tag, err)
			}
			length = uint32(short)
		}
	} else {
		vr = VRForTag(tag)
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("reading length for %s: %w", tag, err)
		}
	}

	if length == undefinedLength {
		value, err := readUndefinedLengthValue(r)
		if err != nil {
			return nil, fmt.Errorf("reading undefined-length value for %s: %w", tag, err)
		}
		return &Element{Tag: tag, VR: vr, Value: value}, nil
	}

	if uint32(r.Len()) < length {
		return nil, fmt.Errorf("element %s length %d exceeds remaining %d bytes", tag, length, r.Len())
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	el := &Element{Tag: tag, VR: vr}
	if binaryVRs[vr] {
		el.Value = raw
	} else {
		el.Value = string(raw)
	}
	return el, nil
}

// readUndefinedLengthValue consumes bytes up to and including the sequence
// delimitation item (FFFE,E0DD), returning the enclosed bytes verbatim.
func readUndefinedLengthValue(r *bytes.Reader) ([]byte, error) {
	delimiter := []byte{0xFE, 0xFF, 0xDD, 0xE0, 0x00, 0x00, 0x00, 0x00}
	var buf bytes.Buffer
	window := make([]byte, 0, len(delimiter))
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		window = append(window, b)
		if len(window) > len(delimiter) {
			buf.WriteByte(window[0])
			window = window[1:]
		}
		if len(window) == len(delimiter) && bytes.Equal(window, delimiter) {
			return buf.Bytes(), nil
		}
	}
}

// EncodeDataset encodes the dataset in the given transfer syntax. Elements
// are written in ascending tag order and values are padded to even length.
func EncodeDataset(ds *Dataset, ts TransferSyntax) ([]byte, error) {
	explicit := ts != TransferImplicitVRLittleEndian
	var buf bytes.Buffer
	for _, tag := range ds.SortedTags() {
		el := ds.elements[tag]
		if err := encodeElement(&buf, el, explicit); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeElement(buf *bytes.Buffer, el *Element, explicit bool) error {
	raw := elementBytes(el)
	if len(raw)%2 != 0 {
		raw = append(raw, paddingByte(el.VR))
	}

	binary.Write(buf, binary.LittleEndian, el.Tag.Group)
	binary.Write(buf, binary.LittleEndian, el.Tag.Element)

	if explicit {
		vr := el.VR
		if len(vr) != 2 {
			vr = VRUnknown
		}
		buf.WriteString(vr)
		if IsLongVR(vr) {
			buf.Write([]byte{0x00, 0x00})
			binary.Write(buf, binary.LittleEndian, uint32(len(raw)))
		} else {
			if len(raw) > 0xFFFF {
				return fmt.Errorf("element %s value too long for VR %s", el.Tag, vr)
			}
			binary.Write(buf, binary.LittleEndian, uint16(len(raw)))
		}
	} else {
		binary.Write(buf, binary.LittleEndian, uint32(len(raw)))
	}

	buf.Write(raw)
	return nil
}

func elementBytes(el *Element) []byte {
	switch v := el.Value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// paddingByte returns the byte used to pad odd-length values: UI values and
// binary payloads pad with NUL, text values with space.
func paddingByte(vr string) byte {
	if vr == VRUniqueIdentifier || binaryVRs[vr] {
		return 0x00
	}
	return ' '
}
