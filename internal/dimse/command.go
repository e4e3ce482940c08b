package dimse

import (
	"encoding/binary"
	"strings"
)

// DIMSE command field values.
const (
	cmdCStoreRQ  = 0x0001
	cmdCStoreRSP = 0x8001
	cmdCGetRQ    = 0x0010
	cmdCGetRSP   = 0x8010
	cmdCFindRQ   = 0x0020
	cmdCFindRSP  = 0x8020
	cmdCMoveRQ   = 0x0021
	cmdCMoveRSP  = 0x8021
	cmdCEchoRQ   = 0x0030
	cmdCEchoRSP  = 0x8030
	cmdCCancelRQ = 0x0FFF
)

// Command data set type values: anything but 0x0101 means a dataset follows.
const (
	dataSetPresent = 0x0000
	dataSetAbsent  = 0x0101
)

// Status is a DIMSE response status code.
type Status uint16

const (
	StatusSuccess Status = 0x0000
	StatusPending Status = 0xFF00
	StatusCancel  Status = 0xFE00
)

// IsPending reports whether the status is one of the pending codes.
func (s Status) IsPending() bool { return s == 0xFF00 || s == 0xFF01 }

// IsWarning reports whether the status falls in the warning category.
func (s Status) IsWarning() bool {
	return s == 0x0001 || s == 0x0107 || s == 0x0116 || (s >= 0xB000 && s <= 0xBFFF)
}

// IsFailure reports whether the status is neither success, pending, cancel
// nor warning.
func (s Status) IsFailure() bool {
	return s != StatusSuccess && s != StatusCancel && !s.IsPending() && !s.IsWarning()
}

// command is a DIMSE command set, always encoded implicit VR little endian.
type command struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	Priority                  uint16
	DataSetType               uint16
	Status                    Status
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	MoveDestination           string

	RemainingSubOps *uint16
	CompletedSubOps *uint16
	FailedSubOps    *uint16
	WarningSubOps   *uint16
}

// HasDataset reports whether a dataset follows the command set.
func (c *command) HasDataset() bool { return c.DataSetType != dataSetAbsent }

func appendCommandElement(buf []byte, element uint16, value []byte) []byte {
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, byte(element), byte(element>>8))
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	return append(buf, value...)
}

func appendCommandUint16(buf []byte, element, value uint16) []byte {
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, value)
	return appendCommandElement(buf, element, v)
}

func appendCommandUID(buf []byte, element uint16, uid string) []byte {
	v := []byte(uid)
	if len(v)%2 == 1 {
		v = append(v, 0x00)
	}
	return appendCommandElement(buf, element, v)
}

func appendCommandAE(buf []byte, element uint16, ae string) []byte {
	v := []byte(ae)
	if len(v)%2 == 1 {
		v = append(v, ' ')
	}
	return appendCommandElement(buf, element, v)
}

// encodeCommand serializes the command set. The group length element comes
// first with a placeholder that is patched once the total is known.
func encodeCommand(c *command) []byte {
	buf := make([]byte, 0, 256)
	buf = appendCommandElement(buf, 0x0000, make([]byte, 4))
	lengthPos := len(buf) - 4

	if c.AffectedSOPClassUID != "" {
		buf = appendCommandUID(buf, 0x0002, c.AffectedSOPClassUID)
	}
	buf = appendCommandUint16(buf, 0x0100, c.CommandField)
	if c.MessageID != 0 {
		buf = appendCommandUint16(buf, 0x0110, c.MessageID)
	}
	if c.MessageIDBeingRespondedTo != 0 {
		buf = appendCommandUint16(buf, 0x0120, c.MessageIDBeingRespondedTo)
	}
	if c.MoveDestination != "" {
		buf = appendCommandAE(buf, 0x0600, c.MoveDestination)
	}
	if isRequest(c.CommandField) && c.CommandField != cmdCEchoRQ && c.CommandField != cmdCCancelRQ {
		buf = appendCommandUint16(buf, 0x0700, c.Priority)
	}
	buf = appendCommandUint16(buf, 0x0800, c.DataSetType)
	if !isRequest(c.CommandField) {
		buf = appendCommandUint16(buf, 0x0900, uint16(c.Status))
	}
	if c.AffectedSOPInstanceUID != "" {
		buf = appendCommandUID(buf, 0x1000, c.AffectedSOPInstanceUID)
	}
	if c.RemainingSubOps != nil {
		buf = appendCommandUint16(buf, 0x1020, *c.RemainingSubOps)
	}
	if c.CompletedSubOps != nil {
		buf = appendCommandUint16(buf, 0x1021, *c.CompletedSubOps)
	}
	if c.FailedSubOps != nil {
		buf = appendCommandUint16(buf, 0x1022, *c.FailedSubOps)
	}
	if c.WarningSubOps != nil {
		buf = appendCommandUint16(buf, 0x1023, *c.WarningSubOps)
	}

	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)
	return buf
}

func isRequest(commandField uint16) bool { return commandField&0x8000 == 0 }

// decodeCommand parses a command set received from the peer. Unknown
// elements are skipped so vendor extensions do not break the exchange.
func decodeCommand(data []byte) *command {
	c := &command{DataSetType: dataSetAbsent}
	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if offset+8+int(length) > len(data) {
			break
		}
		value := data[offset+8 : offset+8+int(length)]
		offset += 8 + int(length)

		if group != 0x0000 {
			continue
		}
		switch element {
		case 0x0002:
			c.AffectedSOPClassUID = trimUID(value)
		case 0x0100:
			c.CommandField = readUint16(value)
		case 0x0110:
			c.MessageID = readUint16(value)
		case 0x0120:
			c.MessageIDBeingRespondedTo = readUint16(value)
		case 0x0600:
			c.MoveDestination = trimUID(value)
		case 0x0700:
			c.Priority = readUint16(value)
		case 0x0800:
			c.DataSetType = readUint16(value)
		case 0x0900:
			c.Status = Status(readUint16(value))
		case 0x1000:
			c.AffectedSOPInstanceUID = trimUID(value)
		case 0x1020:
			c.RemainingSubOps = uint16Ptr(value)
		case 0x1021:
			c.CompletedSubOps = uint16Ptr(value)
		case 0x1022:
			c.FailedSubOps = uint16Ptr(value)
		case 0x1023:
			c.WarningSubOps = uint16Ptr(value)
		}
	}
	return c
}

func readUint16(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value)
}

func uint16Ptr(value []byte) *uint16 {
	if len(value) < 2 {
		return nil
	}
	v := binary.LittleEndian.Uint16(value)
	return &v
}

func trimUID(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}
