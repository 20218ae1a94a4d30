// Package transport defines the Adapter interface every Connection
// binds to, and the shared Frame/error types its UDP, Ethernet, and
// XDP implementations use (spec §4.2, §7).
package transport

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when an adapter cannot currently send or
// receive (interface down, socket closed) — a transient condition per
// spec §7, not a configuration error.
var ErrUnavailable = errors.New("transport: unavailable")

// ErrMsgTooLarge is returned by Send when buf exceeds the adapter's
// MTU-derived limit.
var ErrMsgTooLarge = errors.New("transport: message too large")

// Frame is one inbound datagram/packet plus the metadata a ReaderGroup
// needs to match it against its DataSetReaders.
type Frame struct {
	Payload   []byte
	ReceivedAtNanos int64
}

// Adapter is the transport binding a Connection uses to send and
// receive NetworkMessage bytes. Implementations: transport/udp (UDP
// multicast), transport/eth (raw Ethernet with VLAN/PCP and SO_TXTIME),
// transport/xdp (AF_XDP receive steering).
type Adapter interface {
	// Send transmits buf as one frame. txInstant, when non-zero, is a
	// scheduled hardware transmit time in CLOCK_TAI nanoseconds (spec
	// supplement 2/3); adapters that cannot honor hardware scheduling
	// send immediately, ignoring it.
	Send(ctx context.Context, buf []byte, txInstant int64) error

	// Recv blocks until one frame arrives, ctx is canceled, or the
	// adapter's configured read timeout elapses. A zero ReaderGroup
	// timeout means block with no deadline (spec §3).
	Recv(ctx context.Context) (Frame, error)

	// AllocBuffer returns a buffer sized for one frame, letting fast
	// path callers avoid a per-cycle allocation.
	AllocBuffer() []byte

	// MTU reports the adapter's maximum payload size.
	MTU() int

	Close() error
}
