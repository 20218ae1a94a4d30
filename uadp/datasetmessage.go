package uadp

// DataSetMessageContentMask selects which optional DataSetMessage
// header fields are present (spec §6: "DataSetMessageHeader (flags,
// sequence, status, timestamp per DataSetMessageContentMask)").
type DataSetMessageContentMask uint8

const (
	DSMaskSequenceNumber DataSetMessageContentMask = 1 << iota
	DSMaskStatus
	DSMaskTimestamp
)

// DataSetMessage is one DataSetMessage within a NetworkMessage payload.
type DataSetMessage struct {
	DataSetWriterID  uint16
	SequenceNumber   uint16
	Status           uint16
	Timestamp        int64 // 100ns ticks, same epoch as FieldValue DateTime
	IsKeyFrame       bool
	Fields           []FieldValue
	ContentMask      DataSetMessageContentMask
}

func (m DataSetMessage) encode(buf []byte) []byte {
	flags := byte(m.ContentMask)
	if m.IsKeyFrame {
		flags |= 0x80
	}
	buf = append(buf, flags)
	if m.ContentMask&DSMaskSequenceNumber != 0 {
		buf = appendU16(buf, m.SequenceNumber)
	}
	if m.ContentMask&DSMaskStatus != 0 {
		buf = appendU16(buf, m.Status)
	}
	if m.ContentMask&DSMaskTimestamp != 0 {
		buf = appendU64(buf, uint64(m.Timestamp))
	}
	for _, f := range m.Fields {
		var err error
		buf, err = Encode(buf, f)
		if err != nil {
			// Fields are produced by the freeze-time metadata walk;
			// an unknown type here is a programming error, not a
			// runtime condition callers can recover from.
			panic(err)
		}
	}
	return buf
}

// decodeDataSetMessage decodes a DataSetMessage whose field types are
// given by fieldTypes (the reader's DataSetMetaData, spec §3).
func decodeDataSetMessage(buf []byte, fieldTypes []BuiltInType) (DataSetMessage, []byte, error) {
	if len(buf) < 1 {
		return DataSetMessage{}, nil, ErrShortBuffer
	}
	flags := buf[0]
	rest := buf[1:]
	m := DataSetMessage{
		ContentMask: DataSetMessageContentMask(flags &^ 0x80),
		IsKeyFrame:  flags&0x80 != 0,
	}
	var err error
	if m.ContentMask&DSMaskSequenceNumber != 0 {
		m.SequenceNumber, rest, err = takeU16(rest)
		if err != nil {
			return DataSetMessage{}, nil, err
		}
	}
	if m.ContentMask&DSMaskStatus != 0 {
		m.Status, rest, err = takeU16(rest)
		if err != nil {
			return DataSetMessage{}, nil, err
		}
	}
	if m.ContentMask&DSMaskTimestamp != 0 {
		var ts uint64
		ts, rest, err = takeU64(rest)
		if err != nil {
			return DataSetMessage{}, nil, err
		}
		m.Timestamp = int64(ts)
	}
	m.Fields = make([]FieldValue, 0, len(fieldTypes))
	for _, t := range fieldTypes {
		var fv FieldValue
		fv, rest, err = Decode(rest, t)
		if err != nil {
			return DataSetMessage{}, nil, err
		}
		m.Fields = append(m.Fields, fv)
	}
	return m, rest, nil
}
