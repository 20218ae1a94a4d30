package pubsub

import "sync/atomic"

// Handle types are opaque, process-local identifiers for engine
// components. They are registry keys, not wire values: the protocol-
// visible identifiers (WriterGroup.WriterGroupID, DataSetWriter.DataSetWriterID, ...)
// are separate fields carried by the components themselves.
type (
	ConnectionHandle       uint32
	WriterGroupHandle      uint32
	DataSetWriterHandle    uint32
	ReaderGroupHandle      uint32
	DataSetReaderHandle    uint32
	PublishedDataSetHandle uint32
)

// ComponentHandle identifies any single component for the purposes of
// a StateChangeCallback, regardless of its concrete kind.
type ComponentHandle struct {
	Kind ComponentKind
	ID   uint32
}

// ComponentKind distinguishes the concrete type behind a ComponentHandle.
type ComponentKind uint8

const (
	KindConnection ComponentKind = iota
	KindWriterGroup
	KindDataSetWriter
	KindReaderGroup
	KindDataSetReader
)

func (k ComponentKind) String() string {
	switch k {
	case KindConnection:
		return "Connection"
	case KindWriterGroup:
		return "WriterGroup"
	case KindDataSetWriter:
		return "DataSetWriter"
	case KindReaderGroup:
		return "ReaderGroup"
	case KindDataSetReader:
		return "DataSetReader"
	default:
		return "Unknown"
	}
}

// handleAllocator hands out monotonic, never-reused handle values. An
// Engine holds one allocator shared by every component kind.
type handleAllocator struct {
	next uint32
}

func (a *handleAllocator) alloc() uint32 {
	return atomic.AddUint32(&a.next, 1)
}
