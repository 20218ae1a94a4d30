package uadp

import "fmt"

// NetworkMessageContentMask selects which optional header sections and
// fields are present, per spec §3 WriterGroup.networkMessageContentMask
// and §6's header layout.
type NetworkMessageContentMask uint16

const (
	MaskPublisherID NetworkMessageContentMask = 1 << iota
	MaskGroupHeader
	MaskWriterGroupID
	MaskGroupVersion
	MaskNetworkMessageNumber
	MaskSequenceNumber
	MaskPayloadHeader
	MaskSecurity
	MaskTimestamp
)

func (m NetworkMessageContentMask) has(bit NetworkMessageContentMask) bool {
	return m&bit != 0
}

// PublisherIDType tags which variant of PublisherId a message carries
// (spec §3: "publisherId (variant: uint16|uint32|string)").
type PublisherIDType uint8

const (
	PublisherIDUInt16 PublisherIDType = iota
	PublisherIDUInt32
	PublisherIDUInt64
	PublisherIDString
)

// PublisherID is the tagged PublisherId variant.
type PublisherID struct {
	Type   PublisherIDType
	UInt16 uint16
	UInt32 uint32
	UInt64 uint64
	String string
}

func (p PublisherID) equal(o PublisherID) bool {
	if p.Type != o.Type {
		return false
	}
	switch p.Type {
	case PublisherIDUInt16:
		return p.UInt16 == o.UInt16
	case PublisherIDUInt32:
		return p.UInt32 == o.UInt32
	case PublisherIDUInt64:
		return p.UInt64 == o.UInt64
	case PublisherIDString:
		return p.String == o.String
	}
	return false
}

func encodePublisherID(buf []byte, id PublisherID) []byte {
	switch id.Type {
	case PublisherIDUInt16:
		return appendU16(buf, id.UInt16)
	case PublisherIDUInt32:
		return appendU32(buf, id.UInt32)
	case PublisherIDUInt64:
		return appendU64(buf, id.UInt64)
	case PublisherIDString:
		buf = appendU32(buf, uint32(len(id.String)))
		return append(buf, id.String...)
	}
	return buf
}

func decodePublisherID(buf []byte, t PublisherIDType) (PublisherID, []byte, error) {
	switch t {
	case PublisherIDUInt16:
		v, rest, err := takeU16(buf)
		return PublisherID{Type: t, UInt16: v}, rest, err
	case PublisherIDUInt32:
		v, rest, err := takeU32(buf)
		return PublisherID{Type: t, UInt32: v}, rest, err
	case PublisherIDUInt64:
		v, rest, err := takeU64(buf)
		return PublisherID{Type: t, UInt64: v}, rest, err
	case PublisherIDString:
		n, rest, err := takeU32(buf)
		if err != nil {
			return PublisherID{}, nil, err
		}
		if len(rest) < int(n) {
			return PublisherID{}, nil, ErrShortBuffer
		}
		return PublisherID{Type: t, String: string(rest[:n])}, rest[n:], nil
	default:
		return PublisherID{}, nil, fmt.Errorf("uadp: unknown publisher id type %d", t)
	}
}

// GroupHeader carries the WriterGroupID/sequence fields (spec §6).
type GroupHeader struct {
	WriterGroupID         uint16
	GroupVersion          uint32
	NetworkMessageNumber  uint16
	GroupSequenceNumber   uint16
	HasWriterGroupID      bool
	HasGroupVersion       bool
	HasNetworkMessageNum  bool
	HasGroupSequenceNum   bool
}

// PayloadHeader lists which DataSetWriterIDs the payload carries, in
// order, so a subscriber can match without decoding field bodies.
type PayloadHeader struct {
	DataSetWriterIDs []uint16
}

// SecurityHeader carries the keyId and nonce for an encrypted message.
type SecurityHeader struct {
	NetworkMessageSigned    bool
	NetworkMessageEncrypted bool
	SecurityFooterPresent   bool
	SecurityTokenID         uint32
	Nonce                   []byte
}
