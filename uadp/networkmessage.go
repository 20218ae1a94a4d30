package uadp

import "fmt"

const wireVersion = 1

// NetworkMessage is the outermost UADP framing unit (spec §6).
type NetworkMessage struct {
	ContentMask     NetworkMessageContentMask
	PublisherID     PublisherID
	Group           GroupHeader
	Payload         PayloadHeader
	Security        SecurityHeader
	DataSetMessages []DataSetMessage
}

// FieldTypeResolver maps a DataSetWriterID to the built-in types of its
// fields in metadata order, so Decode can parse a DataSetMessage body
// without an information model lookup per field. A reader group
// supplies this from its DataSetReaders' DataSetMetaData (spec §3).
type FieldTypeResolver func(dataSetWriterID uint16) ([]BuiltInType, bool)

// Encode serializes m per spec §6. Security encrypt/sign, when the
// content mask requests it, is the caller's responsibility: Encode
// writes the SecurityHeader but no SecurityFooter and no room for a
// signature, since the engine signs the encoded bytes and then appends
// the tag (spec §4.4's "signing covers the entire NetworkMessage
// excluding the trailing tag"). Callers that encrypt the payload
// separately (spec §4.4) use EncodeHeader and EncodeDataSetMessages
// instead of Encode so they can splice ciphertext between the two.
func (m NetworkMessage) Encode() ([]byte, error) {
	header, err := m.EncodeHeader()
	if err != nil {
		return nil, err
	}
	return append(header, EncodeDataSetMessages(m.DataSetMessages)...), nil
}

// EncodeHeader serializes every section of m up to, but not including,
// the DataSetMessage payload: the flags byte, extended flags, optional
// PublisherID/GroupHeader/PayloadHeader/SecurityHeader. A caller that
// encrypts the payload separately appends ciphertext (or, on the
// decode side, decrypted plaintext re-parsed with DecodeDataSetMessagesFrom)
// directly after this header.
func (m NetworkMessage) EncodeHeader() ([]byte, error) {
	buf := make([]byte, 0, 64)

	flags := byte(0)
	if m.ContentMask.has(MaskPublisherID) {
		flags |= 1 << 4
	}
	if m.ContentMask.has(MaskGroupHeader) {
		flags |= 1 << 5
	}
	if m.ContentMask.has(MaskPayloadHeader) {
		flags |= 1 << 6
	}
	extFlags1Needed := m.PublisherID.Type != PublisherIDUInt16 || m.ContentMask.has(MaskSecurity)
	if extFlags1Needed {
		flags |= 1 << 7
	}
	buf = append(buf, (flags&0xF0)|(wireVersion&0x0F))

	if extFlags1Needed {
		ext1 := byte(m.PublisherID.Type) & 0x07
		if m.ContentMask.has(MaskSecurity) {
			ext1 |= 1 << 5
		}
		buf = append(buf, ext1)
	}

	if m.ContentMask.has(MaskPublisherID) {
		buf = encodePublisherID(buf, m.PublisherID)
	}

	if m.ContentMask.has(MaskGroupHeader) {
		gflags := byte(0)
		if m.ContentMask.has(MaskWriterGroupID) {
			gflags |= 1 << 0
		}
		if m.ContentMask.has(MaskGroupVersion) {
			gflags |= 1 << 1
		}
		if m.ContentMask.has(MaskNetworkMessageNumber) {
			gflags |= 1 << 2
		}
		if m.ContentMask.has(MaskSequenceNumber) {
			gflags |= 1 << 3
		}
		buf = append(buf, gflags)
		if m.ContentMask.has(MaskWriterGroupID) {
			buf = appendU16(buf, m.Group.WriterGroupID)
		}
		if m.ContentMask.has(MaskGroupVersion) {
			buf = appendU32(buf, m.Group.GroupVersion)
		}
		if m.ContentMask.has(MaskNetworkMessageNumber) {
			buf = appendU16(buf, m.Group.NetworkMessageNumber)
		}
		if m.ContentMask.has(MaskSequenceNumber) {
			buf = appendU16(buf, m.Group.GroupSequenceNumber)
		}
	}

	if m.ContentMask.has(MaskPayloadHeader) {
		if len(m.Payload.DataSetWriterIDs) > 255 {
			return nil, fmt.Errorf("uadp: too many dataset writers in one network message (%d)", len(m.Payload.DataSetWriterIDs))
		}
		buf = append(buf, byte(len(m.Payload.DataSetWriterIDs)))
		for _, id := range m.Payload.DataSetWriterIDs {
			buf = appendU16(buf, id)
		}
	}

	if m.ContentMask.has(MaskSecurity) {
		sflags := byte(0)
		if m.Security.NetworkMessageSigned {
			sflags |= 1 << 0
		}
		if m.Security.NetworkMessageEncrypted {
			sflags |= 1 << 1
		}
		if m.Security.SecurityFooterPresent {
			sflags |= 1 << 2
		}
		buf = append(buf, sflags)
		buf = appendU32(buf, m.Security.SecurityTokenID)
		buf = append(buf, byte(len(m.Security.Nonce)))
		buf = append(buf, m.Security.Nonce...)
	}

	return buf, nil
}

// EncodeDataSetMessages serializes dsms in order, with no framing of
// its own — the payload section EncodeHeader's caller appends after
// the header, in cleartext or as the plaintext input to Policy.Encrypt.
func EncodeDataSetMessages(dsms []DataSetMessage) []byte {
	var buf []byte
	for _, dsm := range dsms {
		buf = dsm.encode(buf)
	}
	return buf
}

// DecodeNetworkMessage parses buf into a NetworkMessage. resolve
// supplies the field schema for each embedded DataSetMessage; at the
// first DataSetWriterID the resolver does not recognize, decoding stops
// without an error and the result holds only the DataSetMessages parsed
// before it — per spec §4.3, "decoding a message whose publisher/writer
// ids do not match any reader in the target group is a silent drop".
func DecodeNetworkMessage(buf []byte, resolve FieldTypeResolver) (NetworkMessage, error) {
	m, writerIDs, rest, err := DecodeHeader(buf)
	if err != nil {
		return NetworkMessage{}, err
	}
	m.DataSetMessages, err = DecodeDataSetMessagesFrom(rest, writerIDs, resolve)
	if err != nil {
		return NetworkMessage{}, err
	}
	return m, nil
}

// DecodeHeader parses every section of buf up to, but not including,
// the DataSetMessage payload, returning the partially filled message,
// the DataSetWriterIDs whose bodies follow (synthesized as a single
// implicit id 0 when no PayloadHeader is present), and the remaining
// payload bytes. A caller decrypting the payload (spec §4.4) calls
// this first, decrypts the returned remainder, then passes the
// plaintext to DecodeDataSetMessagesFrom.
func DecodeHeader(buf []byte) (NetworkMessage, []uint16, []byte, error) {
	if len(buf) < 1 {
		return NetworkMessage{}, nil, nil, ErrShortBuffer
	}
	var m NetworkMessage
	flags := buf[0]
	version := flags & 0x0F
	if version != wireVersion {
		return NetworkMessage{}, nil, nil, fmt.Errorf("uadp: unsupported network message version %d", version)
	}
	rest := buf[1:]

	hasPublisherID := flags&(1<<4) != 0
	hasGroupHeader := flags&(1<<5) != 0
	hasPayloadHeader := flags&(1<<6) != 0
	hasExtFlags1 := flags&(1<<7) != 0

	if hasPublisherID {
		m.ContentMask |= MaskPublisherID
	}
	if hasGroupHeader {
		m.ContentMask |= MaskGroupHeader
	}
	if hasPayloadHeader {
		m.ContentMask |= MaskPayloadHeader
	}

	pubIDType := PublisherIDUInt16
	securityEnabled := false
	if hasExtFlags1 {
		if len(rest) < 1 {
			return NetworkMessage{}, nil, nil, ErrShortBuffer
		}
		ext1 := rest[0]
		rest = rest[1:]
		pubIDType = PublisherIDType(ext1 & 0x07)
		securityEnabled = ext1&(1<<5) != 0
	}
	if securityEnabled {
		m.ContentMask |= MaskSecurity
	}

	var err error
	if hasPublisherID {
		m.PublisherID, rest, err = decodePublisherID(rest, pubIDType)
		if err != nil {
			return NetworkMessage{}, nil, nil, err
		}
	}

	if hasGroupHeader {
		if len(rest) < 1 {
			return NetworkMessage{}, nil, nil, ErrShortBuffer
		}
		gflags := rest[0]
		rest = rest[1:]
		if gflags&(1<<0) != 0 {
			m.ContentMask |= MaskWriterGroupID
			m.Group.WriterGroupID, rest, err = takeU16(rest)
			if err != nil {
				return NetworkMessage{}, nil, nil, err
			}
		}
		if gflags&(1<<1) != 0 {
			m.ContentMask |= MaskGroupVersion
			m.Group.GroupVersion, rest, err = takeU32(rest)
			if err != nil {
				return NetworkMessage{}, nil, nil, err
			}
		}
		if gflags&(1<<2) != 0 {
			m.ContentMask |= MaskNetworkMessageNumber
			m.Group.NetworkMessageNumber, rest, err = takeU16(rest)
			if err != nil {
				return NetworkMessage{}, nil, nil, err
			}
		}
		if gflags&(1<<3) != 0 {
			m.ContentMask |= MaskSequenceNumber
			m.Group.GroupSequenceNumber, rest, err = takeU16(rest)
			if err != nil {
				return NetworkMessage{}, nil, nil, err
			}
		}
	}

	if hasPayloadHeader {
		if len(rest) < 1 {
			return NetworkMessage{}, nil, nil, ErrShortBuffer
		}
		count := int(rest[0])
		rest = rest[1:]
		ids := make([]uint16, count)
		for i := 0; i < count; i++ {
			ids[i], rest, err = takeU16(rest)
			if err != nil {
				return NetworkMessage{}, nil, nil, err
			}
		}
		m.Payload.DataSetWriterIDs = ids
	}

	if securityEnabled {
		if len(rest) < 5 {
			return NetworkMessage{}, nil, nil, ErrShortBuffer
		}
		sflags := rest[0]
		rest = rest[1:]
		m.Security.NetworkMessageSigned = sflags&(1<<0) != 0
		m.Security.NetworkMessageEncrypted = sflags&(1<<1) != 0
		m.Security.SecurityFooterPresent = sflags&(1<<2) != 0
		m.Security.SecurityTokenID, rest, err = takeU32(rest)
		if err != nil {
			return NetworkMessage{}, nil, nil, err
		}
		if len(rest) < 1 {
			return NetworkMessage{}, nil, nil, ErrShortBuffer
		}
		nonceLen := int(rest[0])
		rest = rest[1:]
		if len(rest) < nonceLen {
			return NetworkMessage{}, nil, nil, ErrShortBuffer
		}
		m.Security.Nonce = append([]byte(nil), rest[:nonceLen]...)
		rest = rest[nonceLen:]
	}

	writerIDs := m.Payload.DataSetWriterIDs
	if len(writerIDs) == 0 {
		// No payload header: a single DataSetMessage whose writer id
		// is whatever the caller already knows from the transport
		// context (matched by WriterGroupID alone).
		writerIDs = []uint16{0}
	}

	return m, writerIDs, rest, nil
}

// DecodeDataSetMessagesFrom decodes the DataSetMessage payload section
// (cleartext, already decrypted if the message was encrypted) given
// the writer ids DecodeHeader identified. A DataSetWriterID the
// resolver does not recognize stops decoding the remainder of the
// payload and returns what was parsed so far without error — the
// silent-drop behavior spec §4.3 requires, since an unrecognized id
// leaves the remaining payload's length unknowable.
func DecodeDataSetMessagesFrom(rest []byte, writerIDs []uint16, resolve FieldTypeResolver) ([]DataSetMessage, error) {
	messages := make([]DataSetMessage, 0, len(writerIDs))
	for _, id := range writerIDs {
		fieldTypes, ok := resolve(id)
		if !ok {
			return messages, nil
		}
		dsm, tail, err := decodeDataSetMessage(rest, fieldTypes)
		if err != nil {
			return nil, err
		}
		dsm.DataSetWriterID = id
		messages = append(messages, dsm)
		rest = tail
	}
	return messages, nil
}
