// Package metrics exposes Prometheus counters for the
// transient transport errors spec §7 calls out and for SKS rotation
// activity.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the engine's metric instruments. A nil *Registry
// method receiver is a no-op, so components can hold an unconfigured
// Registry in tests without guarding every call site.
type Registry struct {
	TransportErrors   *prometheus.CounterVec
	KeyNotAvailable   *prometheus.CounterVec
	SignatureInvalid  *prometheus.CounterVec
	PublishCycles     *prometheus.CounterVec
	ReceiveTimeouts   *prometheus.CounterVec
	KeyRotations      *prometheus.CounterVec
}

// NewRegistry constructs and registers the engine's metrics with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubsub",
			Name:      "transport_errors_total",
			Help:      "Transient transport send/recv errors by adapter and connection.",
		}, []string{"adapter", "connection"}),
		KeyNotAvailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubsub",
			Name:      "key_not_available_total",
			Help:      "Frames dropped because the referenced SecurityGroup key id was not on the ring.",
		}, []string{"reader_group"}),
		SignatureInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubsub",
			Name:      "signature_invalid_total",
			Help:      "Frames dropped due to signature verification failure.",
		}, []string{"reader_group"}),
		PublishCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubsub",
			Name:      "publish_cycles_total",
			Help:      "Completed WriterGroup publish cycles.",
		}, []string{"writer_group"}),
		ReceiveTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubsub",
			Name:      "receive_timeouts_total",
			Help:      "DataSetReader timeout transitions to Error state.",
		}, []string{"reader"}),
		KeyRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sks",
			Name:      "key_rotations_total",
			Help:      "SecurityGroup key rotations performed.",
		}, []string{"security_group"}),
	}
	reg.MustRegister(r.TransportErrors, r.KeyNotAvailable, r.SignatureInvalid,
		r.PublishCycles, r.ReceiveTimeouts, r.KeyRotations)
	return r
}

func (r *Registry) transportError(adapter, connection string) {
	if r == nil {
		return
	}
	r.TransportErrors.WithLabelValues(adapter, connection).Inc()
}

// TransportError records a transient send/recv failure.
func (r *Registry) TransportError(adapter, connection string) { r.transportError(adapter, connection) }

// KeyMiss records a KeyNotAvailable drop for readerGroup.
func (r *Registry) KeyMiss(readerGroup string) {
	if r == nil {
		return
	}
	r.KeyNotAvailable.WithLabelValues(readerGroup).Inc()
}

// SignatureFailed records a SignatureInvalid drop for readerGroup.
func (r *Registry) SignatureFailed(readerGroup string) {
	if r == nil {
		return
	}
	r.SignatureInvalid.WithLabelValues(readerGroup).Inc()
}

// PublishCycle records one completed WriterGroup publish cycle.
func (r *Registry) PublishCycle(writerGroup string) {
	if r == nil {
		return
	}
	r.PublishCycles.WithLabelValues(writerGroup).Inc()
}

// ReceiveTimeout records a DataSetReader timeout transition.
func (r *Registry) ReceiveTimeout(reader string) {
	if r == nil {
		return
	}
	r.ReceiveTimeouts.WithLabelValues(reader).Inc()
}

// KeyRotation records a SecurityGroup rotation.
func (r *Registry) KeyRotation(securityGroup string) {
	if r == nil {
		return
	}
	r.KeyRotations.WithLabelValues(securityGroup).Inc()
}
