package subscriber

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefieldbus/opcua-pubsub/pubsub"
	"github.com/edgefieldbus/opcua-pubsub/sks"
	"github.com/edgefieldbus/opcua-pubsub/transport"
	"github.com/edgefieldbus/opcua-pubsub/uadp"
)

// fakeAdapter feeds frames pushed onto recvC and records nothing else;
// the subscriber never calls Send.
type fakeAdapter struct {
	recvC chan transport.Frame
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{recvC: make(chan transport.Frame, 4)} }

func (a *fakeAdapter) Send(ctx context.Context, buf []byte, txInstant int64) error { return nil }

func (a *fakeAdapter) Recv(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-a.recvC:
		return f, nil
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (a *fakeAdapter) AllocBuffer() []byte { return make([]byte, 1500) }
func (a *fakeAdapter) MTU() int            { return 1500 }
func (a *fakeAdapter) Close() error        { return nil }

func (a *fakeAdapter) push(buf []byte) {
	a.recvC <- transport.Frame{Payload: buf, ReceivedAtNanos: time.Now().UnixNano()}
}

// recordingSink is a ValueSink that stashes the last bytes it was given.
type recordingSink struct {
	mu  sync.Mutex
	raw []byte
}

func (s *recordingSink) WriteFrom(src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append([]byte(nil), src...)
	return nil
}

func (s *recordingSink) last() (uadp.FieldValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return uadp.FieldValue{}, false
	}
	v, _, err := uadp.Decode(s.raw, uadp.TypeFloat)
	if err != nil {
		return uadp.FieldValue{}, false
	}
	return v, true
}

// fakeAddressSpace is a minimal standard-path AddressSpace backed by a map.
type fakeAddressSpace struct {
	mu   sync.Mutex
	vals map[uadp.NodeID]uadp.FieldValue
}

func newFakeAddressSpace() *fakeAddressSpace {
	return &fakeAddressSpace{vals: make(map[uadp.NodeID]uadp.FieldValue)}
}

func (a *fakeAddressSpace) Read(node uadp.NodeID, attributeID uint32, indexRange string) (uadp.FieldValue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vals[node], nil
}

func (a *fakeAddressSpace) Write(node uadp.NodeID, attributeID uint32, indexRange string, v uadp.FieldValue) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vals[node] = v
	return nil
}

func buildFastPathSubscriberTopology(t *testing.T) (*pubsub.Engine, pubsub.ConnectionHandle, pubsub.ReaderGroupHandle, pubsub.DataSetReaderHandle, *recordingSink) {
	t.Helper()
	e := pubsub.NewEngine(nil)

	connH, err := e.AddConnection(pubsub.Connection{
		Name:    "c1",
		Profile: pubsub.TransportUDPUADP,
		Address: "239.0.0.1:4840",
	})
	require.NoError(t, err)

	rgH, err := e.AddReaderGroup(pubsub.ReaderGroup{
		Connection: connH,
		Name:       "rg1",
		RTLevel:    pubsub.RTLevelFixedSize,
	})
	require.NoError(t, err)

	sink := &recordingSink{}
	drH, err := e.AddDataSetReader(pubsub.DataSetReader{
		ReaderGroup:     rgH,
		Name:            "dr1",
		PublisherID:     pubsub.PublisherID{Kind: pubsub.PublisherIDKindUInt16, UInt16: 1},
		WriterGroupID:   7,
		DataSetWriterID: 3,
		FieldTypes:      []uadp.BuiltInType{uadp.TypeFloat},
		TargetVariables: []pubsub.TargetVariable{{Sink: sink}},
	})
	require.NoError(t, err)

	return e, connH, rgH, drH, sink
}

// encodeLoopback builds the raw bytes a matching publisher would have sent:
// single DataSetMessage, no PayloadHeader (writer id 0 implicit).
func encodeLoopback(t *testing.T, publisherID uint16, writerGroupID uint16, seq uint16, value float32) []byte {
	t.Helper()
	msg := uadp.NetworkMessage{
		ContentMask: uadp.MaskPublisherID | uadp.MaskGroupHeader | uadp.MaskWriterGroupID | uadp.MaskSequenceNumber,
		PublisherID: uadp.PublisherID{Type: uadp.PublisherIDUInt16, UInt16: publisherID},
		Group: uadp.GroupHeader{
			WriterGroupID:       writerGroupID,
			GroupSequenceNumber: seq,
		},
		DataSetMessages: []uadp.DataSetMessage{{
			SequenceNumber: seq,
			ContentMask:    uadp.DSMaskSequenceNumber,
			Fields:         []uadp.FieldValue{{Type: uadp.TypeFloat, F32: value}},
		}},
	}
	buf, err := msg.Encode()
	require.NoError(t, err)
	return buf
}

func TestRecvLoopWritesFastPathTargetVariable(t *testing.T) {
	e, connH, rgH, _, sink := buildFastPathSubscriberTopology(t)
	adapter := newFakeAdapter()
	p := New(e, connH, rgH, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	adapter.push(encodeLoopback(t, 1, 7, 42, 12.5))

	require.Eventually(t, func() bool {
		_, ok := sink.last()
		return ok
	}, time.Second, 5*time.Millisecond)

	v, ok := sink.last()
	require.True(t, ok)
	assert.InDelta(t, 12.5, v.F32, 0.001)
}

func TestRecvLoopTransitionsReaderToOperational(t *testing.T) {
	e, connH, rgH, drH, _ := buildFastPathSubscriberTopology(t)
	adapter := newFakeAdapter()
	p := New(e, connH, rgH, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	dr, _ := e.DataSetReader(drH)
	assert.Equal(t, pubsub.PreOperational, dr.State())

	adapter.push(encodeLoopback(t, 1, 7, 1, 1.0))

	require.Eventually(t, func() bool {
		return dr.State() == pubsub.Operational
	}, time.Second, 5*time.Millisecond)
}

func TestMismatchedWriterGroupIsIgnored(t *testing.T) {
	e, connH, rgH, _, sink := buildFastPathSubscriberTopology(t)
	adapter := newFakeAdapter()
	p := New(e, connH, rgH, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	adapter.push(encodeLoopback(t, 1, 99, 1, 5.0))

	time.Sleep(30 * time.Millisecond)
	_, ok := sink.last()
	assert.False(t, ok, "frame for an unmatched WriterGroupID must not be written")
}

func TestStartRejectsFixedSizeGroupMissingValueSink(t *testing.T) {
	e := pubsub.NewEngine(nil)
	connH, err := e.AddConnection(pubsub.Connection{Name: "c1", Profile: pubsub.TransportUDPUADP, Address: "239.0.0.1:4840"})
	require.NoError(t, err)
	rgH, err := e.AddReaderGroup(pubsub.ReaderGroup{Connection: connH, Name: "rg1", RTLevel: pubsub.RTLevelFixedSize})
	require.NoError(t, err)
	_, err = e.AddDataSetReader(pubsub.DataSetReader{
		ReaderGroup:     rgH,
		Name:            "dr1",
		DataSetWriterID: 1,
		FieldTypes:      []uadp.BuiltInType{uadp.TypeInt32},
		TargetVariables: []pubsub.TargetVariable{{NodeID: uadp.NodeID{Identifier: 1}}},
	})
	require.NoError(t, err)

	p := New(e, connH, rgH, newFakeAdapter())
	err = p.Start(context.Background())
	assert.ErrorIs(t, err, pubsub.ErrDataSetFieldNoValueSrc)
}

func TestStandardPathWritesThroughAddressSpace(t *testing.T) {
	e := pubsub.NewEngine(nil)
	connH, err := e.AddConnection(pubsub.Connection{Name: "c1", Profile: pubsub.TransportUDPUADP, Address: "239.0.0.1:4840"})
	require.NoError(t, err)
	rgH, err := e.AddReaderGroup(pubsub.ReaderGroup{Connection: connH, Name: "rg1"})
	require.NoError(t, err)
	node := uadp.NodeID{NamespaceIndex: 2, Identifier: 55}
	_, err = e.AddDataSetReader(pubsub.DataSetReader{
		ReaderGroup:     rgH,
		Name:            "dr1",
		PublisherID:     pubsub.PublisherID{Kind: pubsub.PublisherIDKindUInt16, UInt16: 9},
		WriterGroupID:   4,
		DataSetWriterID: 0,
		FieldTypes:      []uadp.BuiltInType{uadp.TypeFloat},
		TargetVariables: []pubsub.TargetVariable{{NodeID: node, AttributeID: 13}},
	})
	require.NoError(t, err)

	as := newFakeAddressSpace()
	adapter := newFakeAdapter()
	p := New(e, connH, rgH, adapter, WithAddressSpace(as))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	adapter.push(encodeLoopback(t, 9, 4, 1, 3.25))

	require.Eventually(t, func() bool {
		as.mu.Lock()
		defer as.mu.Unlock()
		v, ok := as.vals[node]
		return ok && v.F32 == 3.25
	}, time.Second, 5*time.Millisecond)
}

func TestCheckTimeoutsTransitionsReaderToError(t *testing.T) {
	e, connH, rgH, drH, _ := buildFastPathSubscriberTopology(t)
	dr, _ := e.DataSetReader(drH)
	dr.MessageReceiveTimeout = 15 * time.Millisecond

	adapter := newFakeAdapter()
	p := New(e, connH, rgH, adapter, WithTimeoutCheckInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	adapter.push(encodeLoopback(t, 1, 7, 1, 1.0))
	require.Eventually(t, func() bool { return dr.State() == pubsub.Operational }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return dr.State() == pubsub.Error }, time.Second, 5*time.Millisecond)
}

func TestStartRejectsSecurityGroupWithoutBinding(t *testing.T) {
	e := pubsub.NewEngine(nil)
	connH, err := e.AddConnection(pubsub.Connection{Name: "c1", Profile: pubsub.TransportUDPUADP, Address: "239.0.0.1:4840"})
	require.NoError(t, err)
	rgH, err := e.AddReaderGroup(pubsub.ReaderGroup{Connection: connH, Name: "rg1", SecurityGroup: "sg1"})
	require.NoError(t, err)
	_, err = e.AddDataSetReader(pubsub.DataSetReader{
		ReaderGroup:     rgH,
		Name:            "dr1",
		PublisherID:     pubsub.PublisherID{Kind: pubsub.PublisherIDKindUInt16, UInt16: 1},
		WriterGroupID:   7,
		DataSetWriterID: 3,
		FieldTypes:      []uadp.BuiltInType{uadp.TypeFloat},
		TargetVariables: []pubsub.TargetVariable{{Sink: &recordingSink{}}},
	})
	require.NoError(t, err)

	p := New(e, connH, rgH, newFakeAdapter())
	err = p.Start(context.Background())
	require.Error(t, err, "a SecurityGroup-bound reader group with no SecurityBinding must fail Start")
}

func TestDecodeSignAndEncryptRoundTrip(t *testing.T) {
	svc, err := sks.NewService()
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())

	session := sks.NewSessionContext("tester")
	_, err = svc.AddSecurityGroup(session, "sg1", time.Hour, "http://opcfoundation.org/UA/SecurityPolicy#PubSub-Aes128-CTR", 1, 1)
	require.NoError(t, err)
	handle, err := svc.GetSecurityGroup(session, "sg1")
	require.NoError(t, err)
	group, ok := svc.GroupByHandle(handle)
	require.True(t, ok)

	e := pubsub.NewEngine(nil)
	connH, err := e.AddConnection(pubsub.Connection{Name: "c1", Profile: pubsub.TransportUDPUADP, Address: "239.0.0.1:4840"})
	require.NoError(t, err)
	rgH, err := e.AddReaderGroup(pubsub.ReaderGroup{Connection: connH, Name: "rg1", SecurityGroup: "sg1"})
	require.NoError(t, err)
	sink := &recordingSink{}
	_, err = e.AddDataSetReader(pubsub.DataSetReader{
		ReaderGroup:     rgH,
		Name:            "dr1",
		PublisherID:     pubsub.PublisherID{Kind: pubsub.PublisherIDKindUInt16, UInt16: 1},
		WriterGroupID:   7,
		DataSetWriterID: 0,
		FieldTypes:      []uadp.BuiltInType{uadp.TypeFloat},
		TargetVariables: []pubsub.TargetVariable{{Sink: sink}},
	})
	require.NoError(t, err)

	adapter := newFakeAdapter()
	p := New(e, connH, rgH, adapter, WithSecurity(SecurityBinding{Service: svc, Session: session}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	key := group.CurrentKey()
	msg := uadp.NetworkMessage{
		ContentMask: uadp.MaskPublisherID | uadp.MaskGroupHeader | uadp.MaskWriterGroupID | uadp.MaskSequenceNumber | uadp.MaskSecurity,
		PublisherID: uadp.PublisherID{Type: uadp.PublisherIDUInt16, UInt16: 1},
		Group:       uadp.GroupHeader{WriterGroupID: 7, GroupSequenceNumber: 1},
		Security: uadp.SecurityHeader{
			NetworkMessageSigned:    true,
			NetworkMessageEncrypted: true,
			SecurityTokenID:         key.KeyID,
			Nonce:                   key.Nonce,
		},
	}
	header, err := msg.EncodeHeader()
	require.NoError(t, err)
	plaintext := uadp.EncodeDataSetMessages([]uadp.DataSetMessage{{
		SequenceNumber: 1,
		ContentMask:    uadp.DSMaskSequenceNumber,
		Fields:         []uadp.FieldValue{{Type: uadp.TypeFloat, F32: 7.5}},
	}})
	ciphertext, err := group.Policy.Encrypt(key, plaintext, uint32(msg.Group.GroupSequenceNumber))
	require.NoError(t, err)
	body := append(header, ciphertext...)
	tag, err := group.Policy.Sign(key, body)
	require.NoError(t, err)
	buf := append(body, tag...)

	adapter.push(buf)

	require.Eventually(t, func() bool {
		v, ok := sink.last()
		return ok && v.F32 == 7.5
	}, time.Second, 5*time.Millisecond)
}
