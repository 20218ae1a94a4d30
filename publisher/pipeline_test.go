package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefieldbus/opcua-pubsub/pubsub"
	"github.com/edgefieldbus/opcua-pubsub/transport"
	"github.com/edgefieldbus/opcua-pubsub/uadp"
)

// fakeAdapter records every Send and never blocks on Recv.
type fakeAdapter struct {
	mu    sync.Mutex
	sent  [][]byte
	fail  bool
	recvC chan transport.Frame
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{recvC: make(chan transport.Frame)} }

func (a *fakeAdapter) Send(ctx context.Context, buf []byte, txInstant int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return transport.ErrUnavailable
	}
	cp := append([]byte(nil), buf...)
	a.sent = append(a.sent, cp)
	return nil
}

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

func (a *fakeAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *fakeAdapter) last() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return nil
	}
	return a.sent[len(a.sent)-1]
}

// constSource is a ValueSource that always reports the same bytes.
type constSource struct{ value uadp.FieldValue }

func (s constSource) ReadInto(dst []byte) error {
	encoded, err := uadp.Encode(nil, s.value)
	if err != nil {
		return err
	}
	copy(dst, encoded)
	return nil
}

func buildFastPathTopology(t *testing.T) (*pubsub.Engine, pubsub.ConnectionHandle, pubsub.WriterGroupHandle) {
	t.Helper()
	e := pubsub.NewEngine(nil)
	ds := pubsub.NewPublishedDataSet("fast-ds", pubsub.DataSetField{
		Name:   "temperature",
		Type:   uadp.TypeFloat,
		Source: constSource{value: uadp.FieldValue{Type: uadp.TypeFloat, F32: 21.5}},
	})
	e.AddPublishedDataSet(ds)
	dsHandle := pubsub.PublishedDataSetHandle(1)

	connH, err := e.AddConnection(pubsub.Connection{
		Name:        "c1",
		Profile:     pubsub.TransportUDPUADP,
		Address:     "239.0.0.1:4840",
		PublisherID: pubsub.PublisherID{Kind: pubsub.PublisherIDKindUInt16, UInt16: 1},
	})
	require.NoError(t, err)

	wgH, err := e.AddWriterGroup(pubsub.WriterGroup{
		Connection:         connH,
		Name:               "wg1",
		WriterGroupID:      7,
		PublishingInterval: 20 * time.Millisecond,
		RTLevel:            pubsub.RTLevelFixedSize,
	})
	require.NoError(t, err)

	_, err = e.AddDataSetWriter(pubsub.DataSetWriter{
		WriterGroup:      wgH,
		Name:             "dw1",
		DataSetWriterID:  3,
		PublishedDataSet: dsHandle,
	})
	require.NoError(t, err)

	return e, connH, wgH
}

func TestPublishCycleSendsDecodableNetworkMessage(t *testing.T) {
	e, connH, wgH := buildFastPathTopology(t)
	adapter := newFakeAdapter()
	p := New(e, connH, wgH, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.Eventually(t, func() bool { return adapter.sentCount() > 0 }, time.Second, 5*time.Millisecond)

	buf := adapter.last()
	// A single-writer group omits the PayloadHeader (it's only added once
	// there's more than one DataSetMessage), so DecodeHeader synthesizes
	// the implicit writer id 0 here rather than DataSetWriterID 3 — a
	// real subscriber instead matches this DataSetReader by WriterGroupID.
	resolver := func(dataSetWriterID uint16) ([]uadp.BuiltInType, bool) {
		return []uadp.BuiltInType{uadp.TypeFloat}, true
	}
	msg, err := uadp.DecodeNetworkMessage(buf, resolver)
	require.NoError(t, err)
	require.Len(t, msg.DataSetMessages, 1)
	assert.InDelta(t, 21.5, msg.DataSetMessages[0].Fields[0].F32, 0.001)

	wg, _ := e.WriterGroup(wgH)
	assert.Equal(t, pubsub.Operational, wg.State())
}

func TestStartRejectsFixedSizeGroupMissingValueSource(t *testing.T) {
	e := pubsub.NewEngine(nil)
	ds := pubsub.NewPublishedDataSet("std-ds", pubsub.DataSetField{
		Name: "no-source",
		Type: uadp.TypeInt32,
	})
	e.AddPublishedDataSet(ds)

	connH, err := e.AddConnection(pubsub.Connection{Name: "c1", Profile: pubsub.TransportUDPUADP, Address: "239.0.0.1:4840"})
	require.NoError(t, err)
	wgH, err := e.AddWriterGroup(pubsub.WriterGroup{
		Connection:         connH,
		Name:               "wg1",
		PublishingInterval: time.Second,
		RTLevel:            pubsub.RTLevelFixedSize,
	})
	require.NoError(t, err)
	_, err = e.AddDataSetWriter(pubsub.DataSetWriter{WriterGroup: wgH, Name: "dw1", PublishedDataSet: pubsub.PublishedDataSetHandle(1)})
	require.NoError(t, err)

	p := New(e, connH, wgH, newFakeAdapter())
	err = p.Start(context.Background())
	assert.ErrorIs(t, err, pubsub.ErrDataSetFieldNoValueSrc)
}

func TestSendFailureTransitionsWriterGroupToError(t *testing.T) {
	e, connH, wgH := buildFastPathTopology(t)
	adapter := newFakeAdapter()
	adapter.fail = true
	p := New(e, connH, wgH, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.Eventually(t, func() bool {
		wg, _ := e.WriterGroup(wgH)
		return wg.State() == pubsub.Error
	}, time.Second, 5*time.Millisecond)
}
