package uadp

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawByteSource/rawByteSink stand in for the host's external-buffer
// pointers (pubsub.ValueSource/ValueSink) without depending on the
// pubsub package, mirroring how a fixed-width field's bytes already
// are its wire encoding.
type rawByteSource []byte

func (s rawByteSource) ReadInto(dst []byte) error {
	copy(dst, s)
	return nil
}

type rawByteSink struct{ buf []byte }

func (s *rawByteSink) WriteFrom(src []byte) error {
	s.buf = append([]byte(nil), src...)
	return nil
}

func TestComputeFastPathOffsets(t *testing.T) {
	fieldTypes := []BuiltInType{TypeUInt32, TypeBoolean, TypeDouble}
	header := DataSetMessageHeaderSize(DSMaskSequenceNumber)
	table, err := ComputeFastPathOffsets(fieldTypes, header)
	require.NoError(t, err)
	require.Len(t, table, 3)

	assert.Equal(t, header, table[0].Offset)
	assert.Equal(t, 4, table[0].Width)
	assert.Equal(t, header+4, table[1].Offset)
	assert.Equal(t, 1, table[1].Width)
	assert.Equal(t, header+5, table[2].Offset)
	assert.Equal(t, 8, table[2].Width)
}

func TestComputeFastPathOffsetsRejectsVariableWidth(t *testing.T) {
	_, err := ComputeFastPathOffsets([]BuiltInType{TypeUInt32, TypeString}, 1)
	assert.ErrorIs(t, err, ErrVariableWidthField)
}

func TestEncodeDecodeFastPathRoundTrip(t *testing.T) {
	fieldTypes := []BuiltInType{TypeUInt32, TypeBoolean, TypeDouble}
	header := DataSetMessageHeaderSize(0)
	table, err := ComputeFastPathOffsets(fieldTypes, header)
	require.NoError(t, err)

	last := table[len(table)-1]
	buf := make([]byte, last.Offset+last.Width)

	u32 := make([]byte, 4)
	binary.LittleEndian.PutUint32(u32, 123456)
	dbl := make([]byte, 8)
	binary.LittleEndian.PutUint64(dbl, math.Float64bits(9.5))
	sources := []ByteSource{
		rawByteSource(u32),
		rawByteSource([]byte{1}),
		rawByteSource(dbl),
	}
	require.NoError(t, EncodeFastPath(buf, table, sources))

	sinks := []*rawByteSink{{}, {}, {}}
	byteSinks := []ByteSink{sinks[0], sinks[1], sinks[2]}
	require.NoError(t, DecodeFastPath(buf, table, byteSinks))

	assert.Equal(t, u32, sinks[0].buf)
	assert.Equal(t, []byte{1}, sinks[1].buf)
	assert.Equal(t, dbl, sinks[2].buf)
}

func TestEncodeFastPathFieldCountMismatch(t *testing.T) {
	table := []FastPathField{{Type: TypeUInt32, Offset: 0, Width: 4}}
	err := EncodeFastPath(make([]byte, 4), table, nil)
	assert.Error(t, err)
}

func TestDecodeFastPathFieldCountMismatch(t *testing.T) {
	table := []FastPathField{{Type: TypeUInt32, Offset: 0, Width: 4}}
	err := DecodeFastPath(make([]byte, 4), table, nil)
	assert.Error(t, err)
}
