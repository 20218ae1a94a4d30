package pubsub

import "github.com/edgefieldbus/opcua-pubsub/uadp"

// ValueSource is the fast-path read side of a DataSetField (spec
// §4.7: "read from the bound external value source pointer — no copy
// into a Variant, bytes go straight into the pre-offset slot"). The
// implementation owns whatever buffer backs ReadInto; the core never
// allocates on this path.
type ValueSource interface {
	// ReadInto copies the field's current wire-encoded bytes into dst,
	// which is exactly the field's BuiltInType.FixedWidth() long.
	ReadInto(dst []byte) error
}

// ValueSink is the fast-path write side of a TargetVariable (spec
// §4.8: "memcpy directly into the external value sink at the
// precomputed offset").
type ValueSink interface {
	// WriteFrom copies src, the field's fixed-width wire bytes, into
	// the sink's backing buffer.
	WriteFrom(src []byte) error
}

// DataSetField is one field of a PublishedDataSet (spec §3). A field
// is either standard path (NodeID/AttributeID/IndexRange resolved
// against an AddressSpace each sample) or fast path (Source non-nil,
// bypassing the AddressSpace entirely).
type DataSetField struct {
	Name        string
	Type        uadp.BuiltInType
	NodeID      uadp.NodeID
	AttributeID uint32
	IndexRange  string
	Source      ValueSource // non-nil selects the fast path
}

// FastPath reports whether this field bypasses the AddressSpace.
func (f DataSetField) FastPath() bool { return f.Source != nil }

// PublishedDataSet is a named, ordered list of DataSetFields, shared
// by reference from one or more DataSetWriters (spec §3).
type PublishedDataSet struct {
	Name   string
	Fields []DataSetField

	frozen bool
}

// NewPublishedDataSet constructs an unfrozen PublishedDataSet.
func NewPublishedDataSet(name string, fields ...DataSetField) *PublishedDataSet {
	return &PublishedDataSet{Name: name, Fields: append([]DataSetField(nil), fields...)}
}

// AddField appends a field. Fails with ErrGroupFrozen once any
// DataSetWriter referencing this set has frozen its WriterGroup.
func (d *PublishedDataSet) AddField(f DataSetField) error {
	if d.frozen {
		return ErrGroupFrozen
	}
	d.Fields = append(d.Fields, f)
	return nil
}

func (d *PublishedDataSet) freeze() { d.frozen = true }

// fieldTypes returns the BuiltInType of each field in order, the
// shape uadp.FieldTypeResolver and DataSetReader.FieldTypes both use.
func (d *PublishedDataSet) fieldTypes() []uadp.BuiltInType {
	types := make([]uadp.BuiltInType, len(d.Fields))
	for i, f := range d.Fields {
		types[i] = f.Type
	}
	return types
}
