// Package subscriber drives a ReaderGroup's receive path: pulling
// frames from a transport.Adapter, matching them against its
// DataSetReaders, decoding (and, when a SecurityGroup is bound,
// verifying and decrypting) the NetworkMessage, and writing each
// DataSetField into its TargetVariable (spec §4.8). A second, coarser
// loop polls the engine for DataSetReaders whose MessageReceiveTimeout
// has elapsed with no matching frame.
package subscriber

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

var ErrNoAddressSpace = fmt.Errorf("subscriber: standard-path target variable requires WithAddressSpace")

// dataSetMessageMask must match publisher.Pipeline's own constant of
// the same name: a sequence number on every message, nothing else.
// Both sides need to agree on it to compute the same fixed header
// length for the fast path.
const dataSetMessageMask = uadp.DSMaskSequenceNumber

// defaultTimeoutCheckInterval bounds how often CheckReceiveTimeouts
// runs; it is independent of any single reader's MessageReceiveTimeout
// so one coarse timer serves every reader in the group.
const defaultTimeoutCheckInterval = 50 * time.Millisecond

type SecurityBinding struct {
	Service *sks.Service
	Session sks.SessionContext
}

type Option func(*Pipeline)

func WithClock(c clock.Clock) Option                  { return func(p *Pipeline) { p.clk = c } }
func WithAddressSpace(as pubsub.AddressSpace) Option  { return func(p *Pipeline) { p.addressSpace = as } }
func WithMetrics(m *metrics.Registry) Option          { return func(p *Pipeline) { p.metrics = m } }
func WithLogger(l *xlog.Logger) Option                { return func(p *Pipeline) { p.log = l } }
func WithSecurity(b SecurityBinding) Option           { return func(p *Pipeline) { p.sec = &b } }
func WithTimeoutCheckInterval(d time.Duration) Option { return func(p *Pipeline) { p.timeoutCheckInterval = d } }

type Pipeline struct {
	engine  *pubsub.Engine
	conn    pubsub.ConnectionHandle
	group   pubsub.ReaderGroupHandle
	adapter transport.Adapter

	clk                  clock.Clock
	addressSpace         pubsub.AddressSpace
	sec                  *SecurityBinding
	secGroup             *sks.SecurityGroup
	metrics              *metrics.Registry
	log                  *xlog.Logger
	timeoutCheckInterval time.Duration

	// fastPath holds one entry per DataSetReader once the ReaderGroup
	// has been validated as fixed-size (spec §4.3): a precomputed
	// offset table, the reader's bound ByteSinks in field order, and
	// the total per-message byte length (header plus field widths) a
	// matching frame contributes to the payload. frozen mirrors
	// rg.RTLevel == pubsub.RTLevelFixedSize so handleFrame can pick
	// the raw-byte path without re-reading the ReaderGroup every frame.
	fastPath map[pubsub.DataSetReaderHandle]*fastPathReader
	frozen   bool

	sched     *clock.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	schedDone chan struct{}
	recvDone  chan struct{}
}

type fastPathReader struct {
	table    []uadp.FastPathField
	sinks    []uadp.ByteSink
	totalLen int
}

func New(engine *pubsub.Engine, conn pubsub.ConnectionHandle, group pubsub.ReaderGroupHandle, adapter transport.Adapter, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:               engine,
		conn:                 conn,
		group:                group,
		adapter:              adapter,
		clk:                  clock.Real{},
		timeoutCheckInterval: defaultTimeoutCheckInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Start(ctx context.Context) error {
	rg, ok := p.engine.ReaderGroup(p.group)
	if !ok {
		return pubsub.ErrUnknownHandle
	}
	if err := p.bindSecurity(rg.SecurityGroup); err != nil {
		return err
	}
	if err := p.prepareFastPath(rg); err != nil {
		return err
	}
	if rg.RTLevel == pubsub.RTLevelFixedSize {
		if err := p.engine.FreezeReaderGroup(p.group); err != nil {
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
	if err := p.engine.EnableReaderGroup(p.group); err != nil {
		return err
	}
	if _, err := p.sched.AddPeriodic(p.timeoutCheckInterval, p.checkTimeouts); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.ctx = runCtx
	p.cancel = cancel
	p.schedDone = make(chan struct{})
	p.recvDone = make(chan struct{})

	go func() {
		defer close(p.schedDone)
		if err := p.sched.Run(runCtx); err != nil && p.log != nil {
			p.log.Debug("subscriber: scheduler stopped: %v", err)
		}
	}()
	go p.recvLoop(runCtx)

	return nil
}

func (p *Pipeline) Stop() error {
	if p.cancel != nil {
		p.cancel()
		<-p.schedDone
		<-p.recvDone
	}
	return p.engine.DisableReaderGroup(p.group)
}

func (p *Pipeline) bindSecurity(securityGroupName string) error {
	if securityGroupName == "" {
		return nil
	}
	if p.sec == nil {
		return fmt.Errorf("subscriber: reader group requires security group %q but no SecurityBinding was configured", securityGroupName)
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

func (p *Pipeline) prepareFastPath(rg *pubsub.ReaderGroup) error {
	needsAddressSpace := false
	p.frozen = rg.RTLevel == pubsub.RTLevelFixedSize
	headerSize := uadp.DataSetMessageHeaderSize(dataSetMessageMask)

	for _, drh := range p.engine.DataSetReadersOf(p.group) {
		dr, ok := p.engine.DataSetReader(drh)
		if !ok {
			continue
		}
		allFastPath := len(dr.TargetVariables) > 0
		for _, tv := range dr.TargetVariables {
			if !tv.FastPath() {
				allFastPath = false
				needsAddressSpace = true
			}
		}
		if p.frozen && !allFastPath {
			return fmt.Errorf("%w: reader %q has a standard-path target variable", pubsub.ErrDataSetFieldNoValueSrc, dr.Name)
		}
		if !p.frozen {
			continue
		}

		table, err := uadp.ComputeFastPathOffsets(dr.FieldTypes, headerSize)
		if err != nil {
			return fmt.Errorf("%w: %v", pubsub.ErrIncompatibleConfig, err)
		}
		sinks := make([]uadp.ByteSink, len(dr.TargetVariables))
		for i, tv := range dr.TargetVariables {
			sinks[i] = tv.Sink
		}
		totalLen := headerSize
		if len(table) > 0 {
			last := table[len(table)-1]
			totalLen = last.Offset + last.Width
		}
		if p.fastPath == nil {
			p.fastPath = make(map[pubsub.DataSetReaderHandle]*fastPathReader)
		}
		p.fastPath[drh] = &fastPathReader{table: table, sinks: sinks, totalLen: totalLen}
	}
	if needsAddressSpace && p.addressSpace == nil {
		return ErrNoAddressSpace
	}
	return nil
}

func (p *Pipeline) recvLoop(ctx context.Context) {
	defer close(p.recvDone)
	conn, _ := p.engine.Connection(p.conn)
	connName := ""
	if conn != nil {
		connName = conn.Name
	}
	for {
		frame, err := p.adapter.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.metrics.TransportError("subscriber", connName)
			if p.log != nil {
				p.log.Warn("subscriber: recv on %s: %v", connName, err)
			}
			continue
		}
		p.handleFrame(frame)
	}
}

func (p *Pipeline) handleFrame(frame transport.Frame) {
	m, writerIDs, payload, err := p.decodeHeader(frame.Payload)
	if err != nil {
		if p.log != nil {
			p.log.Warn("subscriber: decode: %v", err)
		}
		return
	}

	readerHandles := p.engine.DataSetReadersOf(p.group)
	single := len(readerHandles) == 1
	publisherID := pubsub.PublisherIDFromWire(m.PublisherID)
	now := p.clk.Now()

	if p.frozen {
		p.handleFastPathPayload(payload, writerIDs, readerHandles, single, publisherID, m.Group.WriterGroupID, now)
		return
	}

	dsms, err := uadp.DecodeDataSetMessagesFrom(payload, writerIDs, p.resolve)
	if err != nil {
		if p.log != nil {
			p.log.Warn("subscriber: decode: %v", err)
		}
		return
	}
	for _, dsm := range dsms {
		for _, drh := range readerHandles {
			dr, ok := p.engine.DataSetReader(drh)
			if !ok {
				continue
			}
			if !dr.PublisherID.Equal(publisherID) || dr.WriterGroupID != m.Group.WriterGroupID {
				continue
			}
			if dsm.DataSetWriterID != dr.DataSetWriterID && !(dsm.DataSetWriterID == 0 && single) {
				continue
			}
			if err := p.writeFields(dr, dsm.Fields); err != nil {
				if p.log != nil {
					p.log.Warn("subscriber: writing %s: %v", dr.Name, err)
				}
				continue
			}
			p.engine.ReportFrameReceived(drh, dsm.SequenceNumber, now)
		}
	}
}

// handleFastPathPayload walks payload directly, consuming exactly one
// fastPathReader.totalLen chunk per writer id in order (spec §4.3): no
// uadp.DataSetMessage or FieldValue is ever constructed, each chunk's
// field bytes go straight from the wire into the matching
// DataSetReader's ByteSinks via uadp.DecodeFastPath.
func (p *Pipeline) handleFastPathPayload(payload []byte, writerIDs []uint16, readerHandles []pubsub.DataSetReaderHandle, single bool, publisherID pubsub.PublisherID, writerGroupID uint16, now time.Time) {
	ids := writerIDs
	if len(ids) == 0 {
		ids = []uint16{0}
	}
	offset := 0
	for _, id := range ids {
		drh, dr, fp, ok := p.fastPathFor(readerHandles, id, single)
		if !ok {
			if p.log != nil {
				p.log.Warn("subscriber: no matching fast-path reader for writer id %d", id)
			}
			return
		}
		if offset+fp.totalLen > len(payload) {
			if p.log != nil {
				p.log.Warn("subscriber: short fast-path payload for %s", dr.Name)
			}
			return
		}
		chunk := payload[offset : offset+fp.totalLen]
		offset += fp.totalLen

		if !dr.PublisherID.Equal(publisherID) || dr.WriterGroupID != writerGroupID {
			continue
		}
		seq := uint16(chunk[1]) | uint16(chunk[2])<<8
		if err := uadp.DecodeFastPath(chunk, fp.table, fp.sinks); err != nil {
			if p.log != nil {
				p.log.Warn("subscriber: fast-path writing %s: %v", dr.Name, err)
			}
			continue
		}
		p.engine.ReportFrameReceived(drh, seq, now)
	}
}

// fastPathFor finds the DataSetReader matching dataSetWriterID using
// the same id-0-means-single-reader convention as resolve, then looks
// up its precomputed fastPathReader.
func (p *Pipeline) fastPathFor(readerHandles []pubsub.DataSetReaderHandle, dataSetWriterID uint16, single bool) (pubsub.DataSetReaderHandle, *pubsub.DataSetReader, *fastPathReader, bool) {
	for _, drh := range readerHandles {
		dr, ok := p.engine.DataSetReader(drh)
		if !ok {
			continue
		}
		if dr.DataSetWriterID == dataSetWriterID || (dataSetWriterID == 0 && single) {
			fp, ok := p.fastPath[drh]
			return drh, dr, fp, ok
		}
	}
	return 0, nil, nil, false
}

// writeFields writes each decoded field into its TargetVariable, in
// metadata order (spec §4.8 steps 2-4): fast path memcpys the field's
// re-encoded bytes into the bound ValueSink, standard path brackets an
// AddressSpace.Write with the reader's Before/AfterWrite hooks.
func (p *Pipeline) writeFields(dr *pubsub.DataSetReader, fields []uadp.FieldValue) error {
	for i, v := range fields {
		if i >= len(dr.TargetVariables) {
			break
		}
		tv := dr.TargetVariables[i]
		if tv.FastPath() {
			raw, err := uadp.Encode(nil, v)
			if err != nil {
				return err
			}
			if err := tv.Sink.WriteFrom(raw); err != nil {
				return err
			}
			continue
		}
		if p.addressSpace == nil {
			return ErrNoAddressSpace
		}
		if tv.BeforeWrite != nil {
			if err := tv.BeforeWrite(tv.NodeID, v); err != nil {
				return err
			}
		}
		if err := p.addressSpace.Write(tv.NodeID, tv.AttributeID, tv.IndexRange, v); err != nil {
			return err
		}
		if tv.AfterWrite != nil {
			tv.AfterWrite(tv.NodeID, v)
		}
	}
	return nil
}

// decodeHeader parses buf's NetworkMessage header, verifying the
// signature and decrypting the payload first when the header's
// SecurityHeader says to (spec §4.4): the header stays cleartext for
// routing, only the DataSetMessage payload is ever encrypted. It
// returns the plaintext DataSetMessage payload bytes uninterpreted —
// handleFrame decides whether to walk them through the fast path or
// the generic uadp.DecodeDataSetMessagesFrom decoder.
func (p *Pipeline) decodeHeader(buf []byte) (uadp.NetworkMessage, []uint16, []byte, error) {
	m, writerIDs, rest, err := uadp.DecodeHeader(buf)
	if err != nil {
		return uadp.NetworkMessage{}, nil, nil, err
	}
	payload := rest

	if m.Security.NetworkMessageSigned || m.Security.NetworkMessageEncrypted {
		if p.secGroup == nil {
			return uadp.NetworkMessage{}, nil, nil, pubsub.ErrKeyNotAvailable
		}
		key, ok := p.secGroup.KeyByID(m.Security.SecurityTokenID)
		if !ok {
			p.metrics.KeyMiss(p.groupName())
			return uadp.NetworkMessage{}, nil, nil, pubsub.ErrKeyNotAvailable
		}
		tagLen := p.secGroup.Policy.TagLength()
		if len(rest) < tagLen {
			return uadp.NetworkMessage{}, nil, nil, uadp.ErrShortBuffer
		}
		ciphertext := rest[:len(rest)-tagLen]
		tag := rest[len(rest)-tagLen:]
		headerLen := len(buf) - len(rest)
		if m.Security.NetworkMessageSigned {
			body := make([]byte, 0, headerLen+len(ciphertext))
			body = append(body, buf[:headerLen]...)
			body = append(body, ciphertext...)
			if !p.secGroup.Policy.Verify(key, body, tag) {
				p.metrics.SignatureFailed(p.groupName())
				return uadp.NetworkMessage{}, nil, nil, pubsub.ErrSignatureInvalid
			}
		}
		if m.Security.NetworkMessageEncrypted {
			plaintext, err := p.secGroup.Policy.Decrypt(key, ciphertext, uint32(m.Group.GroupSequenceNumber))
			if err != nil {
				return uadp.NetworkMessage{}, nil, nil, err
			}
			payload = plaintext
		} else {
			payload = ciphertext
		}
	}

	return m, writerIDs, payload, nil
}

// resolve implements uadp.FieldTypeResolver against this ReaderGroup's
// DataSetReaders. A decoded id of 0 (the publisher's implicit id for a
// single-DataSetMessage NetworkMessage with no PayloadHeader, see
// publisher.Pipeline.publishCycle) matches a group with exactly one
// reader regardless of that reader's configured DataSetWriterID.
func (p *Pipeline) resolve(dataSetWriterID uint16) ([]uadp.BuiltInType, bool) {
	handles := p.engine.DataSetReadersOf(p.group)
	single := len(handles) == 1
	for _, drh := range handles {
		dr, ok := p.engine.DataSetReader(drh)
		if !ok {
			continue
		}
		if dr.DataSetWriterID == dataSetWriterID || (dataSetWriterID == 0 && single) {
			return dr.FieldTypes, true
		}
	}
	return nil, false
}

func (p *Pipeline) checkTimeouts(scheduledFor time.Time) {
	p.engine.CheckReceiveTimeouts(p.clk.Now())
}

func (p *Pipeline) groupName() string {
	rg, ok := p.engine.ReaderGroup(p.group)
	if !ok {
		return ""
	}
	return rg.Name
}
