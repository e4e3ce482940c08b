// Package dimse implements the client side of the DICOM upper layer and
// message exchange protocols: association negotiation, P-DATA-TF transfer
// and the C-FIND/C-GET/C-MOVE/C-STORE service primitives the transfer
// engine uses against a peer PACS.
package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Upper layer PDU types.
const (
	pduTypeAssociateRQ = 0x01
	pduTypeAssociateAC = 0x02
	pduTypeAssociateRJ = 0x03
	pduTypePDataTF     = 0x04
	pduTypeReleaseRQ   = 0x05
	pduTypeReleaseRP   = 0x06
	pduTypeAbort       = 0x07
)

// Variable item types within associate PDUs.
const (
	itemApplicationContext   = 0x10
	itemPresentationCtxRQ    = 0x20
	itemPresentationCtxAC    = 0x21
	itemAbstractSyntax       = 0x30
	itemTransferSyntax       = 0x40
	itemUserInformation      = 0x50
	subItemMaxLength         = 0x51
	subItemImplementationUID = 0x52
	subItemRoleSelection     = 0x54
	subItemImplementationVer = 0x55
)

// rawPDU is one upper layer PDU as read off the wire.
type rawPDU struct {
	Type byte
	Data []byte
}

// maxIncomingPDU bounds what we accept from the peer so a garbled length
// field cannot make us allocate gigabytes.
const maxIncomingPDU = 64 * 1024 * 1024

func readPDU(r io.Reader) (*rawPDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading PDU header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxIncomingPDU {
		return nil, fmt.Errorf("PDU length %d exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading PDU body: %w", err)
	}
	return &rawPDU{Type: header[0], Data: data}, nil
}

func writePDU(w io.Writer, pduType byte, data []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))
	if _, err := w.Write(append(header, data...)); err != nil {
		return fmt.Errorf("writing PDU: %w", err)
	}
	return nil
}

// writePData fragments the payload into PDVs that fit the negotiated maximum
// PDU length and sends them as P-DATA-TF PDUs. The message control header
// marks command vs dataset fragments and the final fragment.
func writePData(conn net.Conn, contextID byte, payload []byte, isCommand bool, maxPDULength uint32) error {
	// PDU header (6) + PDV length (4) + context ID (1) + control header (1).
	maxFragment := int(maxPDULength) - 12
	if maxFragment <= 0 {
		return fmt.Errorf("max PDU length too small")
	}

	offset := 0
	for {
		chunk := len(payload) - offset
		last := true
		if chunk > maxFragment {
			chunk = maxFragment
			last = false
		}

		pdv := make([]byte, 0, chunk+6)
		lengthBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(lengthBytes, uint32(chunk+2))
		pdv = append(pdv, lengthBytes...)
		pdv = append(pdv, contextID)

		var control byte
		if isCommand {
			control |= 0x01
		}
		if last {
			control |= 0x02
		}
		pdv = append(pdv, control)
		pdv = append(pdv, payload[offset:offset+chunk]...)

		if err := writePDU(conn, pduTypePDataTF, pdv); err != nil {
			return err
		}

		offset += chunk
		if offset >= len(payload) {
			return nil
		}
	}
}

// pdv is one presentation data value parsed out of a P-DATA-TF PDU.
type pdv struct {
	ContextID byte
	IsCommand bool
	IsLast    bool
	Data      []byte
}

func parsePDVs(data []byte) ([]pdv, error) {
	var pdvs []pdv
	offset := 0
	for offset < len(data) {
		if offset+6 > len(data) {
			return nil, fmt.Errorf("truncated PDV at offset %d", offset)
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		end := offset + 4 + int(length)
		if length < 2 || end > len(data) {
			return nil, fmt.Errorf("PDV length %d exceeds PDU payload", length)
		}
		control := data[offset+5]
		pdvs = append(pdvs, pdv{
			ContextID: data[offset+4],
			IsCommand: control&0x01 != 0,
			IsLast:    control&0x02 != 0,
			Data:      data[offset+6 : end],
		})
		offset = end
	}
	return pdvs, nil
}
