package pubsub

import (
	"time"

	"github.com/edgefieldbus/opcua-pubsub/uadp"
)

// TransportProfile is the recognized transportProfileUri values (spec §6).
type TransportProfile uint8

const (
	TransportUDPUADP TransportProfile = iota
	TransportETHUADP
)

const (
	TransportProfileUDPUADPURI = "http://opcfoundation.org/UA-Profile/Transport/pubsub-udp-uadp"
	TransportProfileETHUADPURI = "http://opcfoundation.org/UA-Profile/Transport/pubsub-eth-uadp"
)

// ParseTransportProfile maps a URI to its TransportProfile, failing
// with ErrTransportProfileUnsupp for anything else (spec §6).
func ParseTransportProfile(uri string) (TransportProfile, error) {
	switch uri {
	case TransportProfileUDPUADPURI:
		return TransportUDPUADP, nil
	case TransportProfileETHUADPURI:
		return TransportETHUADP, nil
	default:
		return 0, ErrTransportProfileUnsupp
	}
}

// RTLevel selects whether a group runs the standard AddressSpace path
// or the fixed-offset fast path (spec §3, §4.3).
type RTLevel uint8

const (
	RTLevelNone RTLevel = iota
	RTLevelFixedSize
)

// PublisherID mirrors uadp.PublisherID's tagged shape at the
// configuration layer (spec §3: "publisherId (variant:
// uint16|uint32|string)"); u64 is omitted here since no spec scenario
// configures one, though the wire codec still supports it.
type PublisherID struct {
	Kind   PublisherIDKind
	UInt16 uint16
	UInt32 uint32
	String string
}

type PublisherIDKind uint8

const (
	PublisherIDKindUInt16 PublisherIDKind = iota
	PublisherIDKindUInt32
	PublisherIDKindString
)

func (p PublisherID) Equal(o PublisherID) bool {
	if p.Kind != o.Kind {
		return false
	}
	switch p.Kind {
	case PublisherIDKindUInt16:
		return p.UInt16 == o.UInt16
	case PublisherIDKindUInt32:
		return p.UInt32 == o.UInt32
	case PublisherIDKindString:
		return p.String == o.String
	}
	return false
}

// ToWire converts p to the uadp wire-level tagged union, for the
// publisher/subscriber pipelines assembling/matching NetworkMessages.
func (p PublisherID) ToWire() uadp.PublisherID {
	switch p.Kind {
	case PublisherIDKindUInt32:
		return uadp.PublisherID{Type: uadp.PublisherIDUInt32, UInt32: p.UInt32}
	case PublisherIDKindString:
		return uadp.PublisherID{Type: uadp.PublisherIDString, String: p.String}
	default:
		return uadp.PublisherID{Type: uadp.PublisherIDUInt16, UInt16: p.UInt16}
	}
}

// PublisherIDFromWire is ToWire's inverse, used by the subscriber
// pipeline to turn a decoded NetworkMessage's PublisherID into the
// form DataSetReader.matches compares against. uint64 publisher ids
// decode into a string-kind zero value since no DataSetReader in this
// engine's configuration surface filters on one (spec §3).
func PublisherIDFromWire(w uadp.PublisherID) PublisherID {
	switch w.Type {
	case uadp.PublisherIDUInt32:
		return PublisherID{Kind: PublisherIDKindUInt32, UInt32: w.UInt32}
	case uadp.PublisherIDString:
		return PublisherID{Kind: PublisherIDKindString, String: w.String}
	case uadp.PublisherIDUInt64:
		return PublisherID{Kind: PublisherIDKindString}
	default:
		return PublisherID{Kind: PublisherIDKindUInt16, UInt16: w.UInt16}
	}
}

// Connection is a PubSubConnection (spec §3).
type Connection struct {
	stateHolder

	Handle      ConnectionHandle
	Name        string
	Profile     TransportProfile
	Address     string
	PublisherID PublisherID
	Options     map[string]string

	writerGroups []WriterGroupHandle
	readerGroups []ReaderGroupHandle
}

// WriterGroup is a WriterGroup (spec §3).
type WriterGroup struct {
	stateHolder

	Handle             WriterGroupHandle
	Connection         ConnectionHandle
	Name               string
	WriterGroupID      uint16
	PublishingInterval time.Duration
	RTLevel            RTLevel
	ContentMask        uadp.NetworkMessageContentMask
	SecurityGroup      string // SecurityGroup name; empty means unsecured
	KeyFrameCount      uint32

	// CycleTimeNs/QbvOffsetNs are TSN pass-through parameters
	// (supplemented feature 2): txInstant = alignedCycleStart + QbvOffsetNs.
	CycleTimeNs int64
	QbvOffsetNs int64

	dataSetWriters []DataSetWriterHandle
	sequence       uint16
}

// DataSetWriter is a DataSetWriter (spec §3).
type DataSetWriter struct {
	Handle           DataSetWriterHandle
	WriterGroup      WriterGroupHandle
	Name             string
	DataSetWriterID  uint16
	KeyFrameCount    uint32
	PublishedDataSet PublishedDataSetHandle

	keyFrameCountdown uint32
}

// ReaderGroup is a ReaderGroup (spec §3).
type ReaderGroup struct {
	stateHolder

	Handle              ReaderGroupHandle
	Connection          ConnectionHandle
	Name                string
	SubscribingInterval time.Duration
	Timeout             time.Duration // 0 = blocking socket
	RTLevel             RTLevel
	SecurityGroup       string

	dataSetReaders []DataSetReaderHandle
}

// DataSetReader is a DataSetReader (spec §3).
type DataSetReader struct {
	stateHolder

	Handle                DataSetReaderHandle
	ReaderGroup           ReaderGroupHandle
	Name                  string
	PublisherID           PublisherID
	WriterGroupID         uint16
	DataSetWriterID       uint16
	MessageReceiveTimeout time.Duration
	FieldTypes            []uadp.BuiltInType
	TargetVariables       []TargetVariable

	everReceived    bool
	lastSequence    uint16
	timeoutDeadline time.Time
}

// matches reports whether this reader's filter matches a decoded
// message's identity triple (spec §3: "Two DataSetReaders match an
// inbound frame when publisherId, writerGroupId, and dataSetWriterId
// all equal").
func (r *DataSetReader) matches(publisherID PublisherID, writerGroupID, dataSetWriterID uint16) bool {
	return r.PublisherID.Equal(publisherID) &&
		r.WriterGroupID == writerGroupID &&
		r.DataSetWriterID == dataSetWriterID
}
