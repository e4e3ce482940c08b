package dimse

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/pacs-ferry/internal/dicom"
	"github.com/ahrav/pacs-ferry/pkg/common/logger"
)

const defaultMaxPDULength = 16384

// Config carries the parameters for one association attempt.
type Config struct {
	CallingAETitle string
	CalledAETitle  string

	MaxPDULength   uint32
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	Log *logger.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = defaultMaxPDULength
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
}

// ProposedContext is one presentation context to request during negotiation.
// SCPRole asks the peer to accept us acting as storage SCP on this context,
// which C-GET needs for the inbound C-STORE stream.
type ProposedContext struct {
	AbstractSyntax string
	SCPRole        bool
}

// PresentationContext is the negotiated outcome for one proposed context.
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax dicom.TransferSyntax
	Accepted       bool
}

// Association is one established client-side association. It is not safe for
// concurrent use; the transfer engine drives one association per task step.
type Association struct {
	conn         net.Conn
	cfg          Config
	log          *logger.Logger
	maxPDULength uint32

	contexts  map[byte]*PresentationContext
	messageID uint16

	mu       sync.Mutex
	released bool
}

// Connect dials the peer and negotiates an association proposing the given
// presentation contexts. Both implicit and explicit VR little endian are
// offered on every context.
func Connect(ctx context.Context, address string, cfg Config, proposed []ProposedContext) (*Association, error) {
	cfg.applyDefaults()
	if cfg.Log == nil {
		cfg.Log = logger.New(io.Discard, logger.LevelInfo, "dimse", nil)
	}
	if len(proposed) == 0 {
		return nil, fmt.Errorf("no presentation contexts proposed")
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}

	a := &Association{
		conn:         conn,
		cfg:          cfg,
		log:          cfg.Log,
		maxPDULength: cfg.MaxPDULength,
		contexts:     make(map[byte]*PresentationContext),
	}

	if err := a.sendAssociateRQ(proposed); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending A-ASSOCIATE-RQ: %w", err)
	}
	if err := a.receiveAssociateAC(); err != nil {
		conn.Close()
		return nil, err
	}

	a.log.Debug(ctx, "association established",
		"remote_addr", address,
		"calling_ae", cfg.CallingAETitle,
		"called_ae", cfg.CalledAETitle,
		"accepted_contexts", a.acceptedCount())

	return a, nil
}

func (a *Association) acceptedCount() int {
	n := 0
	for _, pc := range a.contexts {
		if pc.Accepted {
			n++
		}
	}
	return n
}

// ContextFor returns the accepted presentation context for the abstract
// syntax, or nil when the peer refused it.
func (a *Association) ContextFor(abstractSyntax string) *PresentationContext {
	for _, pc := range a.contexts {
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted {
			return pc
		}
	}
	return nil
}

func (a *Association) contextByID(id byte) *PresentationContext {
	return a.contexts[id]
}

// Release performs a graceful A-RELEASE exchange and closes the connection.
// Safe to call more than once and after Abort.
func (a *Association) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true

	body := make([]byte, 4)
	a.setWriteDeadline()
	if err := writePDU(a.conn, pduTypeReleaseRQ, body); err != nil {
		a.conn.Close()
		return err
	}

	// Wait for A-RELEASE-RP; a peer that just drops the connection instead
	// is tolerated.
	a.setReadDeadline()
	if p, err := readPDU(a.conn); err == nil && p.Type != pduTypeReleaseRP {
		a.log.Debug(context.Background(), "unexpected PDU during release", "pdu_type", p.Type)
	}
	return a.conn.Close()
}

// Abort sends an A-ABORT and closes the connection. Safe to call more than
// once and after Release.
func (a *Association) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return
	}
	a.released = true

	// Source 0 (service user), reason 0.
	a.setWriteDeadline()
	writePDU(a.conn, pduTypeAbort, make([]byte, 4))
	a.conn.Close()
}

func (a *Association) setReadDeadline() {
	a.conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
}

func (a *Association) setWriteDeadline() {
	a.conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
}

func paddedAETitle(ae string) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = ' '
	}
	copy(out, ae)
	return out
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	lengthBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lengthBytes, uint16(len(value)))
	buf = append(buf, lengthBytes...)
	return append(buf, value...)
}

func (a *Association) sendAssociateRQ(proposed []ProposedContext) error {
	buf := make([]byte, 0, 4096)

	// Protocol version 1, two reserved bytes, then the AE titles and a
	// 32-byte reserved block.
	buf = append(buf, 0x00, 0x01, 0x00, 0x00)
	buf = append(buf, paddedAETitle(a.cfg.CalledAETitle)...)
	buf = append(buf, paddedAETitle(a.cfg.CallingAETitle)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendItem(buf, itemApplicationContext, []byte(dicom.ApplicationContextUID))

	contextID := byte(1)
	for _, pc := range proposed {
		buf = a.appendPresentationContext(buf, contextID, pc.AbstractSyntax)
		contextID += 2
	}

	buf = a.appendUserInformation(buf, proposed)

	a.setWriteDeadline()
	return writePDU(a.conn, pduTypeAssociateRQ, buf)
}

func (a *Association) appendPresentationContext(buf []byte, contextID byte, abstractSyntax string) []byte {
	var item []byte
	item = append(item, contextID, 0x00, 0x00, 0x00)
	item = appendItem(item, itemAbstractSyntax, []byte(abstractSyntax))
	// Order matters: the first transfer syntax is the preferred one.
	item = appendItem(item, itemTransferSyntax, []byte(dicom.ExplicitVRLittleEndian))
	item = appendItem(item, itemTransferSyntax, []byte(dicom.ImplicitVRLittleEndian))

	a.contexts[contextID] = &PresentationContext{
		ID:             contextID,
		AbstractSyntax: abstractSyntax,
	}
	return appendItem(buf, itemPresentationCtxRQ, item)
}

func (a *Association) appendUserInformation(buf []byte, proposed []ProposedContext) []byte {
	var item []byte

	maxLength := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLength, a.maxPDULength)
	item = appendItem(item, subItemMaxLength, maxLength)
	item = appendItem(item, subItemImplementationUID, []byte(dicom.ImplementationClassUID))
	item = appendItem(item, subItemImplementationVer, []byte(dicom.ImplementationVersionName))

	// SCU/SCP role selection for contexts where we act as storage SCP.
	for _, pc := range proposed {
		if !pc.SCPRole {
			continue
		}
		var role []byte
		uidLength := make([]byte, 2)
		binary.BigEndian.PutUint16(uidLength, uint16(len(pc.AbstractSyntax)))
		role = append(role, uidLength...)
		role = append(role, []byte(pc.AbstractSyntax)...)
		role = append(role, 0x00, 0x01) // SCU role 0, SCP role 1
		item = appendItem(item, subItemRoleSelection, role)
	}

	return appendItem(buf, itemUserInformation, item)
}

func (a *Association) receiveAssociateAC() error {
	a.setReadDeadline()
	p, err := readPDU(a.conn)
	if err != nil {
		return fmt.Errorf("receiving A-ASSOCIATE-AC: %w", err)
	}
	switch p.Type {
	case pduTypeAssociateAC:
	case pduTypeAssociateRJ:
		return a.rejectError(p.Data)
	case pduTypeAbort:
		return fmt.Errorf("peer aborted during association negotiation")
	default:
		return fmt.Errorf("unexpected PDU type 0x%02x during negotiation", p.Type)
	}
	return a.parseAssociateAC(p.Data)
}

func (a *Association) rejectError(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("association rejected by peer")
	}
	return fmt.Errorf("association rejected by peer (result=%d, source=%d, reason=%d)",
		data[1], data[2], data[3])
}

func (a *Association) parseAssociateAC(data []byte) error {
	// Fixed fields mirror the request: version, reserved, both AE title
	// slots and the 32-byte reserved block.
	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		itemEnd := offset + 4 + itemLength
		if itemEnd > len(data) {
			return fmt.Errorf("truncated item in A-ASSOCIATE-AC")
		}

		switch itemType {
		case itemPresentationCtxAC:
			a.parseContextResult(data[offset+4 : itemEnd])
		case itemUserInformation:
			a.parseUserInformation(data[offset+4 : itemEnd])
		}
		offset = itemEnd
	}

	if a.acceptedCount() == 0 {
		return fmt.Errorf("peer accepted none of the proposed presentation contexts")
	}
	return nil
}

func (a *Association) parseContextResult(item []byte) {
	if len(item) < 4 {
		return
	}
	contextID := item[0]
	result := item[2]

	var transferSyntax string
	offset := 4
	for offset+4 <= len(item) {
		subType := item[offset]
		subLength := int(binary.BigEndian.Uint16(item[offset+2 : offset+4]))
		subEnd := offset + 4 + subLength
		if subEnd > len(item) {
			return
		}
		if subType == itemTransferSyntax && subLength > 0 {
			transferSyntax = strings.TrimRight(string(item[offset+4:subEnd]), "\x00 ")
		}
		offset = subEnd
	}

	pc, ok := a.contexts[contextID]
	if !ok {
		return
	}
	pc.Accepted = result == 0
	if pc.Accepted {
		pc.TransferSyntax = dicom.TransferSyntax(transferSyntax)
	}
}

func (a *Association) parseUserInformation(item []byte) {
	offset := 0
	for offset+4 <= len(item) {
		subType := item[offset]
		subLength := int(binary.BigEndian.Uint16(item[offset+2 : offset+4]))
		subEnd := offset + 4 + subLength
		if subEnd > len(item) {
			return
		}
		if subType == subItemMaxLength && subLength >= 4 {
			peerMax := binary.BigEndian.Uint32(item[offset+4 : offset+8])
			if peerMax > 0 && peerMax < a.maxPDULength {
				a.maxPDULength = peerMax
			}
		}
		offset = subEnd
	}
}

// sendMessage writes a command set and optional dataset on the context.
func (a *Association) sendMessage(contextID byte, cmd *command, dataset []byte) error {
	a.setWriteDeadline()
	if err := writePData(a.conn, contextID, encodeCommand(cmd), true, a.maxPDULength); err != nil {
		return err
	}
	if len(dataset) > 0 {
		a.setWriteDeadline()
		if err := writePData(a.conn, contextID, dataset, false, a.maxPDULength); err != nil {
			return err
		}
	}
	return nil
}

// message is one complete DIMSE message: command set, reassembled dataset
// and the presentation context it arrived on.
type message struct {
	Command   *command
	Dataset   []byte
	ContextID byte
}

// readMessage assembles the next DIMSE message from the stream. An A-ABORT
// from the peer surfaces as an error; an unexpected A-RELEASE-RQ too.
func (a *Association) readMessage(ctx context.Context) (*message, error) {
	var (
		commandBuf []byte
		datasetBuf []byte
		cmd        *command
		contextID  byte
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		a.setReadDeadline()
		p, err := readPDU(a.conn)
		if err != nil {
			return nil, err
		}

		switch p.Type {
		case pduTypePDataTF:
			pdvs, err := parsePDVs(p.Data)
			if err != nil {
				return nil, err
			}
			for _, v := range pdvs {
				contextID = v.ContextID
				if v.IsCommand {
					commandBuf = append(commandBuf, v.Data...)
					if v.IsLast {
						cmd = decodeCommand(commandBuf)
					}
				} else {
					datasetBuf = append(datasetBuf, v.Data...)
					if v.IsLast && cmd != nil {
						return &message{Command: cmd, Dataset: datasetBuf, ContextID: contextID}, nil
					}
				}
			}
			if cmd != nil && !cmd.HasDataset() {
				return &message{Command: cmd, ContextID: contextID}, nil
			}
		case pduTypeAbort:
			var source, reason byte
			if len(p.Data) >= 4 {
				source, reason = p.Data[2], p.Data[3]
			}
			return nil, fmt.Errorf("peer aborted association (source=%d, reason=%d)", source, reason)
		case pduTypeReleaseRQ:
			return nil, fmt.Errorf("peer requested release mid-operation")
		default:
			return nil, fmt.Errorf("unexpected PDU type 0x%02x", p.Type)
		}
	}
}
