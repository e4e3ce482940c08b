package dimse

import (
	"context"
	"fmt"

	"github.com/ahrav/pacs-ferry/internal/dicom"
)

// SubOperations aggregates the sub-operation counters from the final
// retrieve response. Some peers report success despite failed sub-operations,
// so callers must inspect the counters rather than the status alone.
type SubOperations struct {
	Remaining int
	Completed int
	Failed    int
	Warning   int
}

func (s *SubOperations) update(c *command) {
	if c.RemainingSubOps != nil {
		s.Remaining = int(*c.RemainingSubOps)
	}
	if c.CompletedSubOps != nil {
		s.Completed = int(*c.CompletedSubOps)
	}
	if c.FailedSubOps != nil {
		s.Failed = int(*c.FailedSubOps)
	}
	if c.WarningSubOps != nil {
		s.Warning = int(*c.WarningSubOps)
	}
}

// StoreHandler receives one instance pushed by the peer during a C-GET.
type StoreHandler func(ds *dicom.Dataset) error

// Failure status for a C-STORE we could not process, per PS3.4 annex GG
// (out of resources).
const statusStoreOutOfResources Status = 0xA700

// Get issues a C-GET and services the peer's inbound C-STORE stream on the
// same association, handing each instance to the handler. The final
// response's sub-operation counters are returned alongside the status error,
// if any.
func (a *Association) Get(ctx context.Context, sopClassUID string, query *dicom.QueryDataset, handle StoreHandler) (SubOperations, error) {
	var subOps SubOperations

	pc := a.ContextFor(sopClassUID)
	if pc == nil {
		return subOps, fmt.Errorf("no accepted presentation context for %s", sopClassUID)
	}

	identifier, err := dicom.EncodeDataset(query.Dataset(), pc.TransferSyntax)
	if err != nil {
		return subOps, fmt.Errorf("encoding C-GET identifier: %w", err)
	}

	cmd := &command{
		CommandField:        cmdCGetRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClassUID: sopClassUID,
		DataSetType:         dataSetPresent,
	}
	if err := a.sendMessage(pc.ID, cmd, identifier); err != nil {
		return subOps, fmt.Errorf("sending C-GET request: %w", err)
	}

	for {
		msg, err := a.readMessage(ctx)
		if err != nil {
			return subOps, fmt.Errorf("receiving C-GET response: %w", err)
		}

		switch msg.Command.CommandField {
		case cmdCStoreRQ:
			if err := a.handleInboundStore(msg, handle); err != nil {
				return subOps, err
			}
		case cmdCGetRSP:
			rsp := msg.Command
			subOps.update(rsp)
			if rsp.Status.IsPending() {
				continue
			}
			if rsp.Status != StatusSuccess && rsp.Status != StatusCancel && !rsp.Status.IsWarning() {
				return subOps, &StatusError{Operation: "C-GET", Status: rsp.Status}
			}
			return subOps, nil
		default:
			return subOps, fmt.Errorf("unexpected command 0x%04X during C-GET", msg.Command.CommandField)
		}
	}
}

// handleInboundStore parses the pushed instance, hands it to the handler and
// answers with a C-STORE-RSP on the context the request arrived on.
func (a *Association) handleInboundStore(msg *message, handle StoreHandler) error {
	req := msg.Command
	status := StatusSuccess

	pc := a.contextByID(msg.ContextID)
	if pc == nil {
		status = statusStoreOutOfResources
	} else {
		ds, err := dicom.ParseDataset(msg.Dataset, pc.TransferSyntax)
		if err != nil {
			a.log.Warn(context.Background(), "failed to parse inbound instance",
				"sop_instance_uid", req.AffectedSOPInstanceUID, "error", err)
			status = statusStoreOutOfResources
		} else if err := handle(ds); err != nil {
			a.log.Warn(context.Background(), "store handler rejected instance",
				"sop_instance_uid", req.AffectedSOPInstanceUID, "error", err)
			status = statusStoreOutOfResources
		}
	}

	rsp := &command{
		CommandField:              cmdCStoreRSP,
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		DataSetType:               dataSetAbsent,
		Status:                    status,
	}
	if err := a.sendMessage(msg.ContextID, rsp, nil); err != nil {
		return fmt.Errorf("sending C-STORE response: %w", err)
	}
	return nil
}
