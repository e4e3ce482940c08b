package dimse

import (
	"context"
	"fmt"

	"github.com/ahrav/pacs-ferry/internal/dicom"
)

// Echo performs a C-ECHO to verify the peer is reachable and responsive.
func (a *Association) Echo(ctx context.Context) error {
	pc := a.ContextFor(dicom.VerificationSOPClass)
	if pc == nil {
		return fmt.Errorf("no accepted presentation context for verification")
	}

	cmd := &command{
		CommandField:        cmdCEchoRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClassUID: dicom.VerificationSOPClass,
		DataSetType:         dataSetAbsent,
	}
	if err := a.sendMessage(pc.ID, cmd, nil); err != nil {
		return fmt.Errorf("sending C-ECHO request: %w", err)
	}

	msg, err := a.readMessage(ctx)
	if err != nil {
		return fmt.Errorf("receiving C-ECHO response: %w", err)
	}
	if msg.Command.CommandField != cmdCEchoRSP {
		return fmt.Errorf("unexpected command 0x%04X during C-ECHO", msg.Command.CommandField)
	}
	if msg.Command.Status != StatusSuccess {
		return &StatusError{Operation: "C-ECHO", Status: msg.Command.Status}
	}
	return nil
}
