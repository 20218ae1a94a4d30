package uadp

import "fmt"

// FastPathField is one entry of a frozen DataSetMessage's fixed-offset
// table (spec §4.3: "the codec computes, once, for each field: an
// absolute byte offset and byte length within the encoded
// DataSetMessage body"). The offset counts from the DataSetMessage's
// first byte (its flags byte), so it includes the flags/sequence/
// status/timestamp header, whose length is itself fixed once the
// DataSetMessageContentMask is frozen.
type FastPathField struct {
	Type   BuiltInType
	Offset int
	Width  int
}

// ErrVariableWidthField is returned by ComputeFastPathOffsets when a
// field's BuiltInType has no statically known wire width, which rules
// out the fast path for the DataSetMessage containing it.
var ErrVariableWidthField = fmt.Errorf("uadp: field type has no fixed wire width")

// DataSetMessageHeaderSize returns the byte length of the fixed
// DataSetMessage header (flags byte plus whichever optional
// sequence/status/timestamp fields mask selects), so a caller can
// compute each field's absolute offset within the whole message.
func DataSetMessageHeaderSize(mask DataSetMessageContentMask) int {
	size := 1
	if mask&DSMaskSequenceNumber != 0 {
		size += 2
	}
	if mask&DSMaskStatus != 0 {
		size += 2
	}
	if mask&DSMaskTimestamp != 0 {
		size += 8
	}
	return size
}

// ComputeFastPathOffsets computes the fixed (offset, width) table for
// fieldTypes, with offsets starting at headerSize (the value returned
// by DataSetMessageHeaderSize for the writer's frozen content mask).
// It fails with ErrVariableWidthField, naming the offending index, if
// any field type is not of statically known width — the codec-side
// half of the freeze check in spec §4.3; the other half (every field
// has an external value source bound) is checked by the publisher and
// subscriber pipelines since uadp has no notion of value sources.
func ComputeFastPathOffsets(fieldTypes []BuiltInType, headerSize int) ([]FastPathField, error) {
	table := make([]FastPathField, len(fieldTypes))
	offset := headerSize
	for i, t := range fieldTypes {
		width, ok := t.FixedWidth()
		if !ok {
			return nil, fmt.Errorf("%w: field %d (%s)", ErrVariableWidthField, i, t)
		}
		table[i] = FastPathField{Type: t, Offset: offset, Width: width}
		offset += width
	}
	return table, nil
}

// ByteSource supplies one fast-path field's current wire-encoded bytes
// directly into dst. It is the uadp-side mirror of pubsub.ValueSource,
// declared independently here (same single-method shape) so uadp does
// not import pubsub; any pubsub.ValueSource already satisfies this
// interface.
type ByteSource interface {
	ReadInto(dst []byte) error
}

// ByteSink is the uadp-side mirror of pubsub.ValueSink.
type ByteSink interface {
	WriteFrom(src []byte) error
}

// EncodeFastPath copies each field's current wire bytes directly from
// its ByteSource into buf at the field's frozen offset. buf must
// already be sized to at least headerSize plus the sum of all field
// widths; callers obtain that size from the last entry of table. No
// FieldValue is constructed and no type-dispatched Encode call runs:
// a ByteSource already produces the exact fixed-width wire encoding of
// its field (spec §4.3: "no allocations, no type dispatch, no variant
// boxing on the hot path").
func EncodeFastPath(buf []byte, table []FastPathField, sources []ByteSource) error {
	if len(table) != len(sources) {
		return fmt.Errorf("uadp: fast path field count mismatch: table=%d sources=%d", len(table), len(sources))
	}
	for i, f := range table {
		if f.Offset+f.Width > len(buf) {
			return ErrShortBuffer
		}
		if err := sources[i].ReadInto(buf[f.Offset : f.Offset+f.Width]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFastPath copies each field's frozen-offset bytes directly into
// its ByteSink without constructing a FieldValue, the read-side mirror
// of EncodeFastPath.
func DecodeFastPath(buf []byte, table []FastPathField, sinks []ByteSink) error {
	if len(table) != len(sinks) {
		return fmt.Errorf("uadp: fast path field count mismatch: table=%d sinks=%d", len(table), len(sinks))
	}
	for i, f := range table {
		if f.Offset+f.Width > len(buf) {
			return ErrShortBuffer
		}
		if err := sinks[i].WriteFrom(buf[f.Offset : f.Offset+f.Width]); err != nil {
			return err
		}
	}
	return nil
}
