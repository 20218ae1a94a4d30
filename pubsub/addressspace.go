package pubsub

import "github.com/edgefieldbus/opcua-pubsub/uadp"

// AddressSpace is the host-owned information model the standard
// (non-fast) path reads and writes (spec §6: "AddressSpace interface
// (consumed from the host)"). The core treats it as an external
// collaborator: it never constructs one, only calls through it.
type AddressSpace interface {
	Read(node uadp.NodeID, attributeID uint32, indexRange string) (uadp.FieldValue, error)
	Write(node uadp.NodeID, attributeID uint32, indexRange string, v uadp.FieldValue) error
}

// BeforeWriteFunc/AfterWriteFunc bracket a standard-path TargetVariable
// write (spec §4.8 step 3).
type BeforeWriteFunc func(node uadp.NodeID, v uadp.FieldValue) error
type AfterWriteFunc func(node uadp.NodeID, v uadp.FieldValue)

// TargetVariable is one entry of a DataSetReader's ordered list (spec §3).
type TargetVariable struct {
	AttributeID uint32
	NodeID      uadp.NodeID
	IndexRange  string

	BeforeWrite BeforeWriteFunc
	AfterWrite  AfterWriteFunc

	// Sink, when non-nil, selects the fast path for this variable.
	Sink ValueSink
}

// FastPath reports whether this TargetVariable bypasses the
// AddressSpace, writing straight into t.Sink.
func (t TargetVariable) FastPath() bool { return t.Sink != nil }
