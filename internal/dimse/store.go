package dimse

import (
	"context"
	"fmt"

	"github.com/ahrav/pacs-ferry/internal/dicom"
)

// Store sends one instance via C-STORE and returns the response status.
// The dataset is re-encoded in the transfer syntax negotiated for the
// instance's SOP class context.
func (a *Association) Store(ctx context.Context, ds *dicom.Dataset) (Status, error) {
	sopClassUID := ds.GetString(dicom.TagSOPClassUID)
	sopInstanceUID := ds.GetString(dicom.TagSOPInstanceUID)
	if sopClassUID == "" || sopInstanceUID == "" {
		return 0, fmt.Errorf("instance is missing SOP class or instance UID")
	}

	pc := a.ContextFor(sopClassUID)
	if pc == nil {
		return 0, fmt.Errorf("no accepted presentation context for %s", sopClassUID)
	}

	payload, err := dicom.EncodeDataset(ds, pc.TransferSyntax)
	if err != nil {
		return 0, fmt.Errorf("encoding instance %s: %w", sopInstanceUID, err)
	}

	cmd := &command{
		CommandField:           cmdCStoreRQ,
		MessageID:              a.nextMessageID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		DataSetType:            dataSetPresent,
	}
	if err := a.sendMessage(pc.ID, cmd, payload); err != nil {
		return 0, fmt.Errorf("sending C-STORE request: %w", err)
	}

	msg, err := a.readMessage(ctx)
	if err != nil {
		return 0, fmt.Errorf("receiving C-STORE response: %w", err)
	}
	if msg.Command.CommandField != cmdCStoreRSP {
		return 0, fmt.Errorf("unexpected command 0x%04X during C-STORE", msg.Command.CommandField)
	}
	return msg.Command.Status, nil
}
