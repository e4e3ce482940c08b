package dimse

import (
	"context"
	"fmt"

	"github.com/ahrav/pacs-ferry/internal/dicom"
)

// Move issues a C-MOVE directing the peer to push matching instances to the
// named destination AE. Sub-operation accounting mirrors Get.
func (a *Association) Move(ctx context.Context, sopClassUID, destinationAET string, query *dicom.QueryDataset) (SubOperations, error) {
	var subOps SubOperations

	pc := a.ContextFor(sopClassUID)
	if pc == nil {
		return subOps, fmt.Errorf("no accepted presentation context for %s", sopClassUID)
	}

	identifier, err := dicom.EncodeDataset(query.Dataset(), pc.TransferSyntax)
	if err != nil {
		return subOps, fmt.Errorf("encoding C-MOVE identifier: %w", err)
	}

	cmd := &command{
		CommandField:        cmdCMoveRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClassUID: sopClassUID,
		MoveDestination:     destinationAET,
		DataSetType:         dataSetPresent,
	}
	if err := a.sendMessage(pc.ID, cmd, identifier); err != nil {
		return subOps, fmt.Errorf("sending C-MOVE request: %w", err)
	}

	for {
		msg, err := a.readMessage(ctx)
		if err != nil {
			return subOps, fmt.Errorf("receiving C-MOVE response: %w", err)
		}
		rsp := msg.Command
		if rsp.CommandField != cmdCMoveRSP {
			return subOps, fmt.Errorf("unexpected command 0x%04X during C-MOVE", rsp.CommandField)
		}

		subOps.update(rsp)
		if rsp.Status.IsPending() {
			continue
		}
		if rsp.Status != StatusSuccess && rsp.Status != StatusCancel && !rsp.Status.IsWarning() {
			return subOps, &StatusError{Operation: "C-MOVE", Status: rsp.Status}
		}
		return subOps, nil
	}
}
