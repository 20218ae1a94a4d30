package pubsub

import (
	"sync"

	"github.com/edgefieldbus/opcua-pubsub/uadp"
)

// Engine owns the full Connection/Group/Writer/Reader registry and
// drives the enable/disable/freeze cascade (spec §4.6). It does not
// itself run the publish/receive loops — publisher.Pipeline and
// subscriber.Pipeline do that, calling back into Engine to report
// send failures, receive timeouts, and successful decodes so the
// state machine stays the single source of truth for PubSubState.
type Engine struct {
	mu    sync.Mutex
	alloc handleAllocator

	onStateChange StateChangeFunc

	connections       map[ConnectionHandle]*Connection
	writerGroups      map[WriterGroupHandle]*WriterGroup
	dataSetWriters    map[DataSetWriterHandle]*DataSetWriter
	readerGroups      map[ReaderGroupHandle]*ReaderGroup
	dataSetReaders    map[DataSetReaderHandle]*DataSetReader
	publishedDataSets map[PublishedDataSetHandle]*PublishedDataSet
}

// NewEngine constructs an empty Engine. onStateChange may be nil.
func NewEngine(onStateChange StateChangeFunc) *Engine {
	return &Engine{
		onStateChange:     onStateChange,
		connections:       make(map[ConnectionHandle]*Connection),
		writerGroups:      make(map[WriterGroupHandle]*WriterGroup),
		dataSetWriters:    make(map[DataSetWriterHandle]*DataSetWriter),
		readerGroups:      make(map[ReaderGroupHandle]*ReaderGroup),
		dataSetReaders:    make(map[DataSetReaderHandle]*DataSetReader),
		publishedDataSets: make(map[PublishedDataSetHandle]*PublishedDataSet),
	}
}

func (e *Engine) notify(kind ComponentKind, id uint32, newState State, status StatusCode) {
	if e.onStateChange != nil {
		e.onStateChange(ComponentHandle{Kind: kind, ID: id}, newState, status)
	}
}

// AddPublishedDataSet registers a PublishedDataSet and returns its handle.
func (e *Engine) AddPublishedDataSet(ds *PublishedDataSet) PublishedDataSetHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := PublishedDataSetHandle(e.alloc.alloc())
	e.publishedDataSets[h] = ds
	return h
}

// AddConnection registers a Connection in Disabled state.
func (e *Engine) AddConnection(c Connection) (ConnectionHandle, error) {
	if _, err := ParseTransportProfile(profileURI(c.Profile)); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := ConnectionHandle(e.alloc.alloc())
	c.Handle = h
	conn := c
	e.connections[h] = &conn
	return h, nil
}

func profileURI(p TransportProfile) string {
	if p == TransportETHUADP {
		return TransportProfileETHUADPURI
	}
	return TransportProfileUDPUADPURI
}

// AddWriterGroup attaches a WriterGroup to an existing Connection.
func (e *Engine) AddWriterGroup(wg WriterGroup) (WriterGroupHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn, ok := e.connections[wg.Connection]
	if !ok {
		return 0, ErrUnknownHandle
	}
	if conn.frozen {
		return 0, ErrGroupFrozen
	}
	h := WriterGroupHandle(e.alloc.alloc())
	wg.Handle = h
	group := wg
	e.writerGroups[h] = &group
	conn.writerGroups = append(conn.writerGroups, h)
	return h, nil
}

// AddDataSetWriter attaches a DataSetWriter to an existing WriterGroup.
func (e *Engine) AddDataSetWriter(dw DataSetWriter) (DataSetWriterHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wg, ok := e.writerGroups[dw.WriterGroup]
	if !ok {
		return 0, ErrUnknownHandle
	}
	if wg.frozen {
		return 0, ErrGroupFrozen
	}
	if _, ok := e.publishedDataSets[dw.PublishedDataSet]; !ok {
		return 0, ErrUnknownHandle
	}
	h := DataSetWriterHandle(e.alloc.alloc())
	dw.Handle = h
	dw.keyFrameCountdown = dw.KeyFrameCount
	writer := dw
	e.dataSetWriters[h] = &writer
	wg.dataSetWriters = append(wg.dataSetWriters, h)
	return h, nil
}

// AddReaderGroup attaches a ReaderGroup to an existing Connection.
func (e *Engine) AddReaderGroup(rg ReaderGroup) (ReaderGroupHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn, ok := e.connections[rg.Connection]
	if !ok {
		return 0, ErrUnknownHandle
	}
	if conn.frozen {
		return 0, ErrGroupFrozen
	}
	h := ReaderGroupHandle(e.alloc.alloc())
	rg.Handle = h
	group := rg
	e.readerGroups[h] = &group
	conn.readerGroups = append(conn.readerGroups, h)
	return h, nil
}

// AddDataSetReader attaches a DataSetReader to an existing ReaderGroup.
func (e *Engine) AddDataSetReader(dr DataSetReader) (DataSetReaderHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rg, ok := e.readerGroups[dr.ReaderGroup]
	if !ok {
		return 0, ErrUnknownHandle
	}
	if rg.frozen {
		return 0, ErrGroupFrozen
	}
	h := DataSetReaderHandle(e.alloc.alloc())
	dr.Handle = h
	reader := dr
	e.dataSetReaders[h] = &reader
	rg.dataSetReaders = append(rg.dataSetReaders, h)
	return h, nil
}

// --- read accessors used by publisher/subscriber pipelines ---

func (e *Engine) Connection(h ConnectionHandle) (*Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.connections[h]
	return c, ok
}

func (e *Engine) WriterGroup(h WriterGroupHandle) (*WriterGroup, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.writerGroups[h]
	return w, ok
}

func (e *Engine) DataSetWriter(h DataSetWriterHandle) (*DataSetWriter, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.dataSetWriters[h]
	return w, ok
}

func (e *Engine) ReaderGroup(h ReaderGroupHandle) (*ReaderGroup, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.readerGroups[h]
	return r, ok
}

func (e *Engine) DataSetReader(h DataSetReaderHandle) (*DataSetReader, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.dataSetReaders[h]
	return r, ok
}

func (e *Engine) PublishedDataSet(h PublishedDataSetHandle) (*PublishedDataSet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.publishedDataSets[h]
	return d, ok
}

// DataSetWritersOf returns the DataSetWriter handles belonging to wg,
// in insertion order (spec §4.7 step 1).
func (e *Engine) DataSetWritersOf(wg WriterGroupHandle) []DataSetWriterHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.writerGroups[wg]
	if !ok {
		return nil
	}
	return append([]DataSetWriterHandle(nil), g.dataSetWriters...)
}

// DataSetReadersOf returns the DataSetReader handles belonging to rg,
// in insertion order (spec §4.6: "delivered in insertion order").
func (e *Engine) DataSetReadersOf(rg ReaderGroupHandle) []DataSetReaderHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.readerGroups[rg]
	if !ok {
		return nil
	}
	return append([]DataSetReaderHandle(nil), g.dataSetReaders...)
}

// ReaderGroupsOf returns a Connection's ReaderGroup handles, in
// insertion order — the outer loop of the multi-reader delivery order
// decided in DESIGN.md's Open Question #2.
func (e *Engine) ReaderGroupsOf(conn ConnectionHandle) []ReaderGroupHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.connections[conn]
	if !ok {
		return nil
	}
	return append([]ReaderGroupHandle(nil), c.readerGroups...)
}

// WriterGroupsOf returns a Connection's WriterGroup handles, in insertion order.
func (e *Engine) WriterGroupsOf(conn ConnectionHandle) []WriterGroupHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.connections[conn]
	if !ok {
		return nil
	}
	return append([]WriterGroupHandle(nil), c.writerGroups...)
}

// FieldTypesOf returns a DataSetWriter's PublishedDataSet field types in
// order, the same shape a uadp.FieldTypeResolver returns. It is keyed by
// DataSetWriterHandle, not by the wire DataSetWriterID a resolver takes.
func (e *Engine) FieldTypesOf(dw DataSetWriterHandle) ([]uadp.BuiltInType, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.dataSetWriters[dw]
	if !ok {
		return nil, false
	}
	ds, ok := e.publishedDataSets[w.PublishedDataSet]
	if !ok {
		return nil, false
	}
	return ds.fieldTypes(), true
}
