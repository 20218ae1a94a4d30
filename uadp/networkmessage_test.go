package uadp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemaFor(fields []BuiltInType) FieldTypeResolver {
	return func(dataSetWriterID uint16) ([]BuiltInType, bool) {
		if dataSetWriterID != 1 {
			return nil, false
		}
		return fields, true
	}
}

func TestNetworkMessageRoundTrip(t *testing.T) {
	fieldTypes := []BuiltInType{TypeUInt32, TypeFloat, TypeBoolean}
	msg := NetworkMessage{
		ContentMask: MaskPublisherID | MaskGroupHeader | MaskWriterGroupID |
			MaskGroupVersion | MaskPayloadHeader | MaskSequenceNumber,
		PublisherID: PublisherID{Type: PublisherIDUInt16, UInt16: 7},
		Group: GroupHeader{
			WriterGroupID:       42,
			GroupVersion:        100,
			GroupSequenceNumber: 5,
		},
		Payload: PayloadHeader{DataSetWriterIDs: []uint16{1}},
		DataSetMessages: []DataSetMessage{
			{
				DataSetWriterID: 1,
				SequenceNumber:  9,
				IsKeyFrame:      true,
				ContentMask:     DSMaskSequenceNumber,
				Fields: []FieldValue{
					{Type: TypeUInt32, U32: 77},
					{Type: TypeFloat, F32: 1.5},
					{Type: TypeBoolean, Bool: true},
				},
			},
		},
	}

	buf, err := msg.Encode()
	require.NoError(t, err)

	got, err := DecodeNetworkMessage(buf, schemaFor(fieldTypes))
	require.NoError(t, err)

	assert.Equal(t, msg.PublisherID, got.PublisherID)
	assert.Equal(t, msg.Group.WriterGroupID, got.Group.WriterGroupID)
	assert.Equal(t, msg.Group.GroupVersion, got.Group.GroupVersion)
	assert.Equal(t, msg.Group.GroupSequenceNumber, got.Group.GroupSequenceNumber)
	assert.Equal(t, msg.Payload.DataSetWriterIDs, got.Payload.DataSetWriterIDs)
	require.Len(t, got.DataSetMessages, 1)
	assert.Equal(t, msg.DataSetMessages[0].SequenceNumber, got.DataSetMessages[0].SequenceNumber)
	assert.Equal(t, msg.DataSetMessages[0].IsKeyFrame, got.DataSetMessages[0].IsKeyFrame)
	assert.Equal(t, msg.DataSetMessages[0].Fields, got.DataSetMessages[0].Fields)
}

func TestNetworkMessageStringPublisherIDUsesExtendedFlags(t *testing.T) {
	msg := NetworkMessage{
		ContentMask: MaskPublisherID,
		PublisherID: PublisherID{Type: PublisherIDString, String: "line-4-publisher"},
	}
	buf, err := msg.Encode()
	require.NoError(t, err)
	assert.NotZero(t, buf[0]&(1<<7), "extended flags 1 bit must be set for a non-default publisher id type")

	got, err := DecodeNetworkMessage(buf, schemaFor(nil))
	require.NoError(t, err)
	assert.Equal(t, msg.PublisherID, got.PublisherID)
}

func TestNetworkMessageUnknownWriterIsSilentlyDropped(t *testing.T) {
	msg := NetworkMessage{
		ContentMask: MaskPayloadHeader,
		Payload:     PayloadHeader{DataSetWriterIDs: []uint16{99}},
		DataSetMessages: []DataSetMessage{
			{DataSetWriterID: 99, Fields: []FieldValue{{Type: TypeUInt32, U32: 1}}},
		},
	}
	buf, err := msg.Encode()
	require.NoError(t, err)

	got, err := DecodeNetworkMessage(buf, schemaFor(nil))
	require.NoError(t, err)
	assert.Empty(t, got.DataSetMessages)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	_, err := DecodeNetworkMessage([]byte{0x0F}, schemaFor(nil))
	assert.Error(t, err)
}

func TestDecodeShortBufferOnEmptyInput(t *testing.T) {
	_, err := DecodeNetworkMessage(nil, schemaFor(nil))
	assert.ErrorIs(t, err, ErrShortBuffer)
}
