package dimse

import (
	"context"
	"fmt"

	"github.com/ahrav/pacs-ferry/internal/dicom"
)

// StatusError reports a DIMSE response that ended with a non-success status.
type StatusError struct {
	Operation string
	Status    Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status 0x%04X", e.Operation, uint16(e.Status))
}

// FindCallback receives one pending C-FIND match. Returning false stops the
// iteration; a C-CANCEL is issued so the peer stops matching.
type FindCallback func(result dicom.ResultDataset) (bool, error)

// Find issues a C-FIND on the information model's presentation context and
// streams every pending match to the callback.
func (a *Association) Find(ctx context.Context, sopClassUID string, query *dicom.QueryDataset, callback FindCallback) error {
	pc := a.ContextFor(sopClassUID)
	if pc == nil {
		return fmt.Errorf("no accepted presentation context for %s", sopClassUID)
	}

	identifier, err := dicom.EncodeDataset(query.Dataset(), pc.TransferSyntax)
	if err != nil {
		return fmt.Errorf("encoding C-FIND identifier: %w", err)
	}

	messageID := a.nextMessageID()
	cmd := &command{
		CommandField:        cmdCFindRQ,
		MessageID:           messageID,
		AffectedSOPClassUID: sopClassUID,
		DataSetType:         dataSetPresent,
	}
	if err := a.sendMessage(pc.ID, cmd, identifier); err != nil {
		return fmt.Errorf("sending C-FIND request: %w", err)
	}

	canceled := false
	for {
		msg, err := a.readMessage(ctx)
		if err != nil {
			return fmt.Errorf("receiving C-FIND response: %w", err)
		}
		rsp := msg.Command
		if rsp.CommandField != cmdCFindRSP {
			return fmt.Errorf("unexpected command 0x%04X during C-FIND", rsp.CommandField)
		}

		switch {
		case rsp.Status.IsPending():
			if canceled {
				continue
			}
			if len(msg.Dataset) == 0 {
				continue
			}
			ds, err := dicom.ParseDataset(msg.Dataset, pc.TransferSyntax)
			if err != nil {
				return fmt.Errorf("parsing C-FIND match: %w", err)
			}
			keep, err := callback(dicom.NewResultDataset(ds))
			if err != nil {
				return err
			}
			if !keep {
				canceled = true
				if err := a.sendCancel(pc.ID, messageID); err != nil {
					return err
				}
			}
		case rsp.Status == StatusSuccess, rsp.Status == StatusCancel:
			return nil
		default:
			return &StatusError{Operation: "C-FIND", Status: rsp.Status}
		}
	}
}

// sendCancel issues a C-CANCEL-RQ for the in-flight operation.
func (a *Association) sendCancel(contextID byte, messageID uint16) error {
	cmd := &command{
		CommandField:              cmdCCancelRQ,
		MessageIDBeingRespondedTo: messageID,
		DataSetType:               dataSetAbsent,
	}
	if err := a.sendMessage(contextID, cmd, nil); err != nil {
		return fmt.Errorf("sending C-CANCEL: %w", err)
	}
	return nil
}

func (a *Association) nextMessageID() uint16 {
	a.messageID++
	if a.messageID == 0 {
		a.messageID = 1
	}
	return a.messageID
}
