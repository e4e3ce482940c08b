package dimse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	in := &command{
		CommandField:        cmdCMoveRQ,
		MessageID:           7,
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.2.2.2",
		MoveDestination:     "DEST_AET",
		DataSetType:         dataSetPresent,
	}
	out := decodeCommand(encodeCommand(in))

	assert.Equal(t, uint16(cmdCMoveRQ), out.CommandField)
	assert.Equal(t, uint16(7), out.MessageID)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.2.2.2", out.AffectedSOPClassUID)
	assert.Equal(t, "DEST_AET", out.MoveDestination)
	assert.True(t, out.HasDataset())
}

func TestCommandResponseCarriesStatus(t *testing.T) {
	in := &command{
		CommandField:              cmdCFindRSP,
		MessageIDBeingRespondedTo: 3,
		DataSetType:               dataSetAbsent,
		Status:                    StatusPending,
	}
	out := decodeCommand(encodeCommand(in))

	assert.Equal(t, uint16(cmdCFindRSP), out.CommandField)
	assert.Equal(t, uint16(3), out.MessageIDBeingRespondedTo)
	assert.Equal(t, StatusPending, out.Status)
	assert.False(t, out.HasDataset())
}

func TestDecodeCommandSubOperationCounters(t *testing.T) {
	var buf []byte
	buf = appendCommandUint16(buf, 0x0100, cmdCGetRSP)
	buf = appendCommandUint16(buf, 0x0800, dataSetAbsent)
	buf = appendCommandUint16(buf, 0x0900, uint16(StatusSuccess))
	buf = appendCommandUint16(buf, 0x1021, 10)
	buf = appendCommandUint16(buf, 0x1022, 2)
	buf = appendCommandUint16(buf, 0x1023, 1)

	c := decodeCommand(buf)
	require.NotNil(t, c.CompletedSubOps)
	require.NotNil(t, c.FailedSubOps)
	require.NotNil(t, c.WarningSubOps)
	assert.Nil(t, c.RemainingSubOps)

	var subOps SubOperations
	subOps.update(c)
	assert.Equal(t, SubOperations{Completed: 10, Failed: 2, Warning: 1}, subOps)
}

func TestStatusCategories(t *testing.T) {
	assert.True(t, Status(0xFF00).IsPending())
	assert.True(t, Status(0xFF01).IsPending())
	assert.True(t, Status(0xB000).IsWarning())
	assert.True(t, Status(0x0001).IsWarning())
	assert.False(t, StatusSuccess.IsFailure())
	assert.False(t, StatusCancel.IsFailure())
	assert.True(t, Status(0xA700).IsFailure())
	assert.True(t, Status(0xC001).IsFailure())
}

func TestParsePDVs(t *testing.T) {
	payload := []byte("hello!")
	pdv := make([]byte, 0, len(payload)+6)
	pdv = append(pdv, 0x00, 0x00, 0x00, byte(len(payload)+2))
	pdv = append(pdv, 0x01, 0x03) // context 1, command + last
	pdv = append(pdv, payload...)

	pdvs, err := parsePDVs(pdv)
	require.NoError(t, err)
	require.Len(t, pdvs, 1)
	assert.Equal(t, byte(1), pdvs[0].ContextID)
	assert.True(t, pdvs[0].IsCommand)
	assert.True(t, pdvs[0].IsLast)
	assert.Equal(t, payload, pdvs[0].Data)
}

func TestParsePDVsTruncated(t *testing.T) {
	_, err := parsePDVs([]byte{0x00, 0x00, 0x00, 0xFF, 0x01, 0x03})
	assert.Error(t, err)
}
