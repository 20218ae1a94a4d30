package pubsub

import "time"

// EnableConnection moves a Connection from Disabled to PreOperational,
// notifying for the Connection first, and then enables every group it
// owns (spec §4.6): each WriterGroup goes to Operational after its
// DataSetWriters are notified as PreOperational, and each ReaderGroup
// goes to Operational with its DataSetReaders left in PreOperational
// until their first frame. The Connection itself stays PreOperational.
// The publisher/subscriber pipelines call this and then allocate the
// transport and start their loops; Engine only owns the state
// bookkeeping and notification.
func (e *Engine) EnableConnection(h ConnectionHandle) error {
	e.mu.Lock()
	conn, ok := e.connections[h]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownHandle
	}
	if conn.state() != Disabled {
		e.mu.Unlock()
		return nil // enable;enable == enable
	}
	wgHandles := append([]WriterGroupHandle(nil), conn.writerGroups...)
	rgHandles := append([]ReaderGroupHandle(nil), conn.readerGroups...)
	conn.current = PreOperational
	e.mu.Unlock()
	e.notify(KindConnection, uint32(h), PreOperational, Good)

	for _, wh := range wgHandles {
		_ = e.enableWriterGroupLocked(wh)
	}
	for _, rh := range rgHandles {
		_ = e.enableReaderGroupLocked(rh)
	}
	return nil
}

// EnableWriterGroup enables a single WriterGroup without requiring its
// Connection be enabled first — Connection enable cascades into this,
// but a caller may also enable a group directly once its Connection is
// already Operational.
func (e *Engine) EnableWriterGroup(h WriterGroupHandle) error {
	return e.enableWriterGroupLocked(h)
}

func (e *Engine) enableWriterGroupLocked(h WriterGroupHandle) error {
	e.mu.Lock()
	wg, ok := e.writerGroups[h]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownHandle
	}
	if wg.state() != Disabled {
		e.mu.Unlock()
		return nil
	}
	writerHandles := append([]DataSetWriterHandle(nil), wg.dataSetWriters...)
	e.mu.Unlock()

	// Pre-order: children's callbacks fire before the group's own
	// (spec §4.6: "pre-order callbacks for each DataSetWriter then the
	// WriterGroup itself").
	for _, dwh := range writerHandles {
		e.notify(KindDataSetWriter, uint32(dwh), PreOperational, Good)
	}

	e.mu.Lock()
	wg.current = Operational
	e.mu.Unlock()
	e.notify(KindWriterGroup, uint32(h), Operational, Good)
	return nil
}

// EnableReaderGroup is the ReaderGroup analogue of EnableWriterGroup.
func (e *Engine) EnableReaderGroup(h ReaderGroupHandle) error {
	return e.enableReaderGroupLocked(h)
}

func (e *Engine) enableReaderGroupLocked(h ReaderGroupHandle) error {
	e.mu.Lock()
	rg, ok := e.readerGroups[h]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownHandle
	}
	if rg.state() != Disabled {
		e.mu.Unlock()
		return nil
	}
	readerHandles := append([]DataSetReaderHandle(nil), rg.dataSetReaders...)
	rg.current = Operational
	e.mu.Unlock()
	e.notify(KindReaderGroup, uint32(h), Operational, Good)

	// A DataSetReader that has never received a matching frame starts
	// in PreOperational, not Operational (spec §4.6's error semantics
	// paragraph) — its receive-timeout timer is not armed until the
	// first successful decode.
	for _, drh := range readerHandles {
		e.mu.Lock()
		dr := e.dataSetReaders[drh]
		dr.current = PreOperational
		e.mu.Unlock()
		e.notify(KindDataSetReader, uint32(drh), PreOperational, Good)
	}
	return nil
}

// DisableConnection cascades Disabled down to every child (spec §4.6
// "Any: parent -> Disabled: Disabled; cascade").
func (e *Engine) DisableConnection(h ConnectionHandle) error {
	e.mu.Lock()
	conn, ok := e.connections[h]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownHandle
	}
	if conn.state() == Disabled {
		e.mu.Unlock()
		return nil
	}
	wgHandles := append([]WriterGroupHandle(nil), conn.writerGroups...)
	rgHandles := append([]ReaderGroupHandle(nil), conn.readerGroups...)
	e.mu.Unlock()

	for _, wh := range wgHandles {
		_ = e.DisableWriterGroup(wh)
	}
	for _, rh := range rgHandles {
		_ = e.DisableReaderGroup(rh)
	}

	e.mu.Lock()
	conn.current = Disabled
	conn.frozen = false
	e.mu.Unlock()
	e.notify(KindConnection, uint32(h), Disabled, Good)
	return nil
}

// DisableWriterGroup disables a WriterGroup and its DataSetWriters
// (spec §4.6's post-order cascade: the group transitions first, then
// its children, the mirror of enable's pre-order).
func (e *Engine) DisableWriterGroup(h WriterGroupHandle) error {
	e.mu.Lock()
	wg, ok := e.writerGroups[h]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownHandle
	}
	if wg.state() == Disabled {
		e.mu.Unlock()
		return nil
	}
	writerHandles := append([]DataSetWriterHandle(nil), wg.dataSetWriters...)
	wg.current = Disabled
	wg.frozen = false
	e.mu.Unlock()
	e.notify(KindWriterGroup, uint32(h), Disabled, Good)

	for _, dwh := range writerHandles {
		e.notify(KindDataSetWriter, uint32(dwh), Disabled, Good)
	}
	return nil
}

// DisableReaderGroup is the ReaderGroup analogue of DisableWriterGroup.
func (e *Engine) DisableReaderGroup(h ReaderGroupHandle) error {
	e.mu.Lock()
	rg, ok := e.readerGroups[h]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownHandle
	}
	if rg.state() == Disabled {
		e.mu.Unlock()
		return nil
	}
	readerHandles := append([]DataSetReaderHandle(nil), rg.dataSetReaders...)
	rg.current = Disabled
	rg.frozen = false
	e.mu.Unlock()
	e.notify(KindReaderGroup, uint32(h), Disabled, Good)

	for _, drh := range readerHandles {
		e.mu.Lock()
		dr := e.dataSetReaders[drh]
		dr.current = Disabled
		dr.everReceived = false
		e.mu.Unlock()
		e.notify(KindDataSetReader, uint32(drh), Disabled, Good)
	}
	return nil
}

// FreezeWriterGroup locks a WriterGroup's (and its PublishedDataSets')
// configuration for zero-allocation operation (spec §4.6, §5:
// "structural configuration mutations fail with GroupFrozen" while
// frozen). freeze;freeze is a no-op.
func (e *Engine) FreezeWriterGroup(h WriterGroupHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	wg, ok := e.writerGroups[h]
	if !ok {
		return ErrUnknownHandle
	}
	if wg.frozen {
		return nil
	}
	for _, dwh := range wg.dataSetWriters {
		dw := e.dataSetWriters[dwh]
		if ds, ok := e.publishedDataSets[dw.PublishedDataSet]; ok {
			ds.freeze()
		}
	}
	wg.frozen = true
	return nil
}

// FreezeReaderGroup is the ReaderGroup analogue of FreezeWriterGroup.
func (e *Engine) FreezeReaderGroup(h ReaderGroupHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rg, ok := e.readerGroups[h]
	if !ok {
		return ErrUnknownHandle
	}
	rg.frozen = true
	return nil
}

// ReportSendFailure transitions a WriterGroup to Error on a transient
// send failure (spec §4.6: "Operational: send failure -> Error;
// report status, leave timer running for retry").
func (e *Engine) ReportSendFailure(h WriterGroupHandle, status StatusCode) {
	e.mu.Lock()
	wg, ok := e.writerGroups[h]
	if !ok || wg.current == Error {
		e.mu.Unlock()
		return
	}
	wg.current = Error
	e.mu.Unlock()
	e.notify(KindWriterGroup, uint32(h), Error, status)
}

// ReportSendRecovered clears a WriterGroup's Error state once sends
// succeed again.
func (e *Engine) ReportSendRecovered(h WriterGroupHandle) {
	e.mu.Lock()
	wg, ok := e.writerGroups[h]
	if !ok || wg.current != Error {
		e.mu.Unlock()
		return
	}
	wg.current = Operational
	e.mu.Unlock()
	e.notify(KindWriterGroup, uint32(h), Operational, Good)
}

// ReportReceiveTimeout transitions a single DataSetReader to Error
// with BadTimeout; the owning ReaderGroup is unaffected (spec §4.6,
// §7: "the individual DataSetReader to Error... its ReaderGroup stays
// Operational").
func (e *Engine) ReportReceiveTimeout(h DataSetReaderHandle) {
	e.mu.Lock()
	dr, ok := e.dataSetReaders[h]
	if !ok || dr.current == Error {
		e.mu.Unlock()
		return
	}
	dr.current = Error
	e.mu.Unlock()
	e.notify(KindDataSetReader, uint32(h), Error, BadTimeout)
}

// ReportFrameReceived records a successful decode for dr: arms the
// timeout deadline on first receipt, clears Error, and advances the
// sequence bookkeeping (spec §4.6: "Error: valid frame received
// (reader) -> Operational: clear error"; §4.8 step 4). now is the
// receive time; the next timeout deadline is now+MessageReceiveTimeout,
// which CheckReceiveTimeouts compares against on its own poll cycle.
func (e *Engine) ReportFrameReceived(h DataSetReaderHandle, sequence uint16, now time.Time) {
	e.mu.Lock()
	dr, ok := e.dataSetReaders[h]
	if !ok {
		e.mu.Unlock()
		return
	}
	dr.everReceived = true
	dr.lastSequence = sequence
	if dr.MessageReceiveTimeout > 0 {
		dr.timeoutDeadline = now.Add(dr.MessageReceiveTimeout)
	}
	wasError := dr.current == Error || dr.current == PreOperational
	if dr.current != Operational {
		dr.current = Operational
	}
	e.mu.Unlock()
	if wasError {
		e.notify(KindDataSetReader, uint32(h), Operational, Good)
	}
}

// CheckReceiveTimeouts scans every DataSetReader that has received at
// least one frame and whose deadline has passed as of now, reporting
// each as a receive timeout. subscriber.Pipeline calls this on a
// coarse periodic tick per ReaderGroup (spec §4.6, §7: "a
// MessageReceiveTimeout with no matching frame transitions the reader
// to Error independently of its ReaderGroup").
func (e *Engine) CheckReceiveTimeouts(now time.Time) {
	e.mu.Lock()
	var timedOut []DataSetReaderHandle
	for h, dr := range e.dataSetReaders {
		if !dr.everReceived || dr.MessageReceiveTimeout <= 0 {
			continue
		}
		if dr.current == Error {
			continue
		}
		if now.After(dr.timeoutDeadline) {
			timedOut = append(timedOut, h)
		}
	}
	e.mu.Unlock()
	for _, h := range timedOut {
		e.ReportReceiveTimeout(h)
	}
}
