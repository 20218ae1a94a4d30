// Package publisher drives a WriterGroup's publish cycle: sampling
// DataSetFields, assembling a UADP NetworkMessage, optionally signing
// and encrypting it, and handing it to a transport.Adapter on the
// schedule a clock.Scheduler maintains (spec §4.7).
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/edgefieldbus/opcua-pubsub/clock"
	"github.com/edgefieldbus/opcua-pubsub/metrics"
	"github.com/edgefieldbus/opcua-pubsub/pubsub"
	"github.com/edgefieldbus/opcua-pubsub/sks"
	"github.com/edgefieldbus/opcua-pubsub/transport"
	"github.com/edgefieldbus/opcua-pubsub/uadp"
	"github.com/edgefieldbus/opcua-pubsub/xlog"
)

// dataSetMessageMask is the only DataSetMessageContentMask this engine
// emits: a sequence number on every message, no per-message status or
// timestamp (the NetworkMessage's own fields cover transport-level
// freshness). Both the freeze-time fast-path offset table and the
// runtime encoder must agree on this, so it lives in one place.
const dataSetMessageMask = uadp.DSMaskSequenceNumber

// ErrNoAddressSpace is returned by Start when a WriterGroup has at
// least one standard-path DataSetField but no AddressSpace was bound.
var ErrNoAddressSpace = fmt.Errorf("publisher: standard-path field requires WithAddressSpace")

// SecurityBinding names the SecurityGroup a WriterGroup signs and
// encrypts under, and the session used to resolve it from the SKS.
type SecurityBinding struct {
	Service *sks.Service
	Session sks.SessionContext
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clk = c } }

// WithAddressSpace binds the host information model standard-path
// DataSetFields read from.
func WithAddressSpace(as pubsub.AddressSpace) Option {
	return func(p *Pipeline) { p.addressSpace = as }
}

func WithMetrics(m *metrics.Registry) Option { return func(p *Pipeline) { p.metrics = m } }

func WithLogger(l *xlog.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithSecurity binds the WriterGroup's configured SecurityGroup name
// to a live SKS Service, enabling sign+encrypt on every cycle.
func WithSecurity(b SecurityBinding) Option { return func(p *Pipeline) { p.sec = &b } }

// Pipeline owns one WriterGroup's publish loop.
type Pipeline struct {
	engine  *pubsub.Engine
	conn    pubsub.ConnectionHandle
	group   pubsub.WriterGroupHandle
	adapter transport.Adapter

	clk          clock.Clock
	addressSpace pubsub.AddressSpace
	sec          *SecurityBinding
	secGroup     *sks.SecurityGroup
	metrics      *metrics.Registry
	log          *xlog.Logger

	// fastPath holds one entry per DataSetWriter once the WriterGroup
	// has been validated as fixed-size (spec §4.3): a precomputed
	// offset table, the writer's bound ByteSources in field order, and
	// a buffer sized once at Start and reused every publish cycle.
	fastPath map[pubsub.DataSetWriterHandle]*fastPathWriter

	sched  *clock.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type fastPathWriter struct {
	table   []uadp.FastPathField
	sources []uadp.ByteSource
	buf     []byte
}

// New constructs a Pipeline for an already-registered WriterGroup. The
// WriterGroup and Connection must already exist in engine (spec §3);
// New does not create them.
func New(engine *pubsub.Engine, conn pubsub.ConnectionHandle, group pubsub.WriterGroupHandle, adapter transport.Adapter, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:   engine,
		conn:     conn,
		group:    group,
		adapter:  adapter,
		clk:      clock.Real{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start validates the WriterGroup's configuration, freezes it if its
// RTLevel requires fixed offsets, enables the cascade, and begins
// publishing on PublishingInterval. It returns once the first
// scheduling pass is armed; publishing continues on its own goroutine
// until ctx is canceled or Stop is called.
func (p *Pipeline) Start(ctx context.Context) error {
	wg, ok := p.engine.WriterGroup(p.group)
	if !ok {
		return pubsub.ErrUnknownHandle
	}

	if err := p.bindSecurity(wg.SecurityGroup); err != nil {
		return err
	}
	if err := p.prepareFastPath(wg); err != nil {
		return err
	}
	if wg.RTLevel == pubsub.RTLevelFixedSize {
		if err := p.engine.FreezeWriterGroup(p.group); err != nil {
			return err
		}
	}

	sched, err := clock.NewScheduler(p.clk, clock.DefaultConfig())
	if err != nil {
		return err
	}
	p.sched = sched

	if err := p.engine.EnableConnection(p.conn); err != nil {
		return err
	}
	if err := p.engine.EnableWriterGroup(p.group); err != nil {
		return err
	}

	if _, err := p.sched.AddPeriodic(wg.PublishingInterval, p.publishCycle); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.ctx = runCtx
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := p.sched.Run(runCtx); err != nil && p.log != nil {
			p.log.Debug("publisher: scheduler stopped: %v", err)
		}
	}()
	return nil
}

// Stop halts the publish loop and disables the WriterGroup. It does
// not close the transport adapter, which the caller owns.
func (p *Pipeline) Stop() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return p.engine.DisableWriterGroup(p.group)
}

func (p *Pipeline) bindSecurity(securityGroupName string) error {
	if securityGroupName == "" {
		return nil
	}
	if p.sec == nil {
		return fmt.Errorf("publisher: writer group requires security group %q but no SecurityBinding was configured", securityGroupName)
	}
	handle, err := p.sec.Service.GetSecurityGroup(p.sec.Session, securityGroupName)
	if err != nil {
		return err
	}
	group, ok := p.sec.Service.GroupByHandle(handle)
	if !ok {
		return sks.ErrNotFound
	}
	p.secGroup = group
	return nil
}

func (p *Pipeline) prepareFastPath(wg *pubsub.WriterGroup) error {
	headerSize := uadp.DataSetMessageHeaderSize(dataSetMessageMask)
	needsAddressSpace := false

	for _, dwh := range p.engine.DataSetWritersOf(p.group) {
		dw, ok := p.engine.DataSetWriter(dwh)
		if !ok {
			continue
		}
		ds, ok := p.engine.PublishedDataSet(dw.PublishedDataSet)
		if !ok {
			return pubsub.ErrUnknownHandle
		}

		allFastPath := len(ds.Fields) > 0
		for _, f := range ds.Fields {
			if !f.FastPath() {
				allFastPath = false
				needsAddressSpace = true
			}
		}

		if wg.RTLevel == pubsub.RTLevelFixedSize {
			if !allFastPath {
				return fmt.Errorf("%w: data set %q has a standard-path field", pubsub.ErrDataSetFieldNoValueSrc, ds.Name)
			}
			fieldTypes := make([]uadp.BuiltInType, len(ds.Fields))
			sources := make([]uadp.ByteSource, len(ds.Fields))
			for i, f := range ds.Fields {
				fieldTypes[i] = f.Type
				sources[i] = f.Source
			}
			table, err := uadp.ComputeFastPathOffsets(fieldTypes, headerSize)
			if err != nil {
				return fmt.Errorf("%w: %v", pubsub.ErrIncompatibleConfig, err)
			}
			bufSize := headerSize
			if len(table) > 0 {
				last := table[len(table)-1]
				bufSize = last.Offset + last.Width
			}
			if p.fastPath == nil {
				p.fastPath = make(map[pubsub.DataSetWriterHandle]*fastPathWriter)
			}
			p.fastPath[dwh] = &fastPathWriter{
				table:   table,
				sources: sources,
				buf:     make([]byte, bufSize),
			}
		}
	}

	if needsAddressSpace && p.addressSpace == nil {
		return ErrNoAddressSpace
	}
	return nil
}

func (p *Pipeline) publishCycle(scheduledFor time.Time) {
	wg, ok := p.engine.WriterGroup(p.group)
	if !ok {
		return
	}
	conn, ok := p.engine.Connection(p.conn)
	if !ok {
		return
	}

	dwHandles := p.engine.DataSetWritersOf(p.group)
	groupSeq, _ := p.engine.NextGroupSequence(p.group)

	payload, writerIDs, err := p.assemblePayload(dwHandles, groupSeq)
	if err != nil {
		if p.log != nil {
			p.log.Warn("publisher: sampling %s: %v", wg.Name, err)
		}
		return
	}
	if len(writerIDs) == 0 {
		return
	}

	contentMask := wg.ContentMask | uadp.MaskPublisherID | uadp.MaskGroupHeader | uadp.MaskWriterGroupID | uadp.MaskSequenceNumber
	if len(writerIDs) > 1 {
		contentMask |= uadp.MaskPayloadHeader
	}
	msg := uadp.NetworkMessage{
		ContentMask: contentMask,
		PublisherID: conn.PublisherID.ToWire(),
		Group: uadp.GroupHeader{
			WriterGroupID:       wg.WriterGroupID,
			GroupSequenceNumber: groupSeq,
		},
		Payload: uadp.PayloadHeader{DataSetWriterIDs: writerIDs},
	}

	buf, err := p.encode(msg, payload)
	if err != nil {
		p.reportFailure(conn.Name, err)
		return
	}

	txInstant := txInstantFor(scheduledFor, wg)
	if err := p.adapter.Send(p.ctx, buf, txInstant); err != nil {
		p.reportFailure(conn.Name, err)
		return
	}
	p.metrics.PublishCycle(wg.Name)
	p.engine.ReportSendRecovered(p.group)
}

// assemblePayload builds the concatenated DataSetMessage payload
// bytes for one publish cycle, in writer order. A writer bound to a
// fastPathWriter (spec §4.3: WriterGroup frozen fixed-size) fills its
// own preallocated buffer via uadp.EncodeFastPath, bypassing FieldValue
// and the per-field Encode dispatch entirely; every other writer
// samples through the standard AddressSpace/FieldValue path and is
// appended via the general encoder.
func (p *Pipeline) assemblePayload(dwHandles []pubsub.DataSetWriterHandle, groupSeq uint16) ([]byte, []uint16, error) {
	var payload []byte
	writerIDs := make([]uint16, 0, len(dwHandles))

	for _, dwh := range dwHandles {
		dw, ok := p.engine.DataSetWriter(dwh)
		if !ok {
			continue
		}
		isKeyFrame, _ := p.engine.NextIsKeyFrame(dwh)

		if fp, ok := p.fastPath[dwh]; ok {
			flags := byte(dataSetMessageMask)
			if isKeyFrame {
				flags |= 0x80
			}
			fp.buf[0] = flags
			fp.buf[1] = byte(groupSeq)
			fp.buf[2] = byte(groupSeq >> 8)
			if err := uadp.EncodeFastPath(fp.buf, fp.table, fp.sources); err != nil {
				if p.log != nil {
					p.log.Warn("publisher: fast-path sampling %s: %v", dw.Name, err)
				}
				continue
			}
			payload = append(payload, fp.buf...)
			writerIDs = append(writerIDs, dw.DataSetWriterID)
			continue
		}

		ds, ok := p.engine.PublishedDataSet(dw.PublishedDataSet)
		if !ok {
			continue
		}
		values, err := p.sampleFields(ds.Fields)
		if err != nil {
			if p.log != nil {
				p.log.Warn("publisher: sampling %s: %v", dw.Name, err)
			}
			continue
		}
		dsm := uadp.DataSetMessage{
			DataSetWriterID: dw.DataSetWriterID,
			SequenceNumber:  groupSeq,
			IsKeyFrame:      isKeyFrame,
			ContentMask:     dataSetMessageMask,
			Fields:          values,
		}
		payload = append(payload, uadp.EncodeDataSetMessages([]uadp.DataSetMessage{dsm})...)
		writerIDs = append(writerIDs, dw.DataSetWriterID)
	}
	return payload, writerIDs, nil
}

func (p *Pipeline) sampleFields(fields []pubsub.DataSetField) ([]uadp.FieldValue, error) {
	values := make([]uadp.FieldValue, len(fields))
	for i, f := range fields {
		if f.FastPath() {
			width, ok := f.Type.FixedWidth()
			if !ok {
				return nil, uadp.ErrVariableWidthField
			}
			raw := make([]byte, width)
			if err := f.Source.ReadInto(raw); err != nil {
				return nil, err
			}
			v, _, err := uadp.Decode(raw, f.Type)
			if err != nil {
				return nil, err
			}
			values[i] = v
			continue
		}
		v, err := p.addressSpace.Read(f.NodeID, f.AttributeID, f.IndexRange)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// encode applies sign+encrypt when the WriterGroup is bound to a
// SecurityGroup (spec §4.4), otherwise appends payload in cleartext.
// payload is the already-assembled DataSetMessage bytes (fast-path
// buffers and/or standard-path encodes concatenated by
// assemblePayload), never touched by this method beyond signing and
// optional encryption.
func (p *Pipeline) encode(msg uadp.NetworkMessage, payload []byte) ([]byte, error) {
	if p.secGroup == nil {
		header, err := msg.EncodeHeader()
		if err != nil {
			return nil, err
		}
		return append(header, payload...), nil
	}
	key := p.secGroup.CurrentKey()
	msg.ContentMask |= uadp.MaskSecurity
	msg.Security = uadp.SecurityHeader{
		NetworkMessageSigned:    true,
		NetworkMessageEncrypted: true,
		SecurityTokenID:         key.KeyID,
		Nonce:                   key.Nonce,
	}
	header, err := msg.EncodeHeader()
	if err != nil {
		return nil, err
	}
	ciphertext, err := p.secGroup.Policy.Encrypt(key, payload, uint32(msg.Group.GroupSequenceNumber))
	if err != nil {
		return nil, err
	}
	body := append(header, ciphertext...)
	tag, err := p.secGroup.Policy.Sign(key, body)
	if err != nil {
		return nil, err
	}
	return append(body, tag...), nil
}

func (p *Pipeline) reportFailure(connName string, err error) {
	p.metrics.TransportError("publisher", connName)
	p.engine.ReportSendFailure(p.group, pubsub.BadResourceUnavailable)
	if p.log != nil {
		p.log.Warn("publisher: send failed on %s: %v", connName, err)
	}
}

// txInstantFor computes the hardware transmit instant for scheduledFor
// when the WriterGroup carries TSN pass-through parameters (spec
// supplement 2): txInstant = alignedCycleStart + QbvOffsetNs. A
// WriterGroup with no CycleTimeNs configured returns 0, telling the
// adapter to send immediately.
func txInstantFor(scheduledFor time.Time, wg *pubsub.WriterGroup) int64 {
	if wg.CycleTimeNs <= 0 {
		return 0
	}
	nanos := scheduledFor.UnixNano()
	alignedCycleStart := (nanos / wg.CycleTimeNs) * wg.CycleTimeNs
	return alignedCycleStart + wg.QbvOffsetNs
}
