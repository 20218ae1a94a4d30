// Package xdp implements the AF_XDP subscribe-side variant of the
// Ethernet transport (spec §4.2): the library's default eBPF program
// redirects every frame arriving on the configured hardware receive
// queue to an AF_XDP socket, delivered through a UMEM ring rather than
// the general afpacket path, behind the same Recv contract as the other
// adapters. Frames are not filtered by destination MAC.
package xdp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/asavie/xdp"

	"github.com/edgefieldbus/opcua-pubsub/transport"
)

// Options selects the interface and hardware queue for AF_XDP receive
// steering. DestinationMAC is carried but Open does not use it.
type Options struct {
	Interface      string
	QueueID        int
	DestinationMAC net.HardwareAddr
}

// Adapter is the AF_XDP transport.Adapter. It only supports Recv;
// Send always returns an error (publishing goes through transport/eth), since
// XDP in this engine is scoped to subscribe-side queue steering (spec
// §4.2 names it only as "the XDP variant of Ethernet subscribe").
type Adapter struct {
	program *xdp.Program
	socket  *xdp.Socket
	link    *net.Interface
}

// Open attaches the XDP program to opts.Interface and registers an
// AF_XDP socket for opts.QueueID. Every frame on that queue is
// delivered; opts.DestinationMAC is not consulted.
func Open(opts Options) (*Adapter, error) {
	link, err := net.InterfaceByName(opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("xdp: %w", err)
	}

	program, err := xdp.NewProgram(1)
	if err != nil {
		return nil, fmt.Errorf("xdp: new program: %w", err)
	}
	if err := program.Attach(link.Index); err != nil {
		program.Close(true)
		return nil, fmt.Errorf("xdp: attach to %s: %w", opts.Interface, err)
	}

	sock, err := xdp.NewSocket(link.Index, opts.QueueID, nil)
	if err != nil {
		program.Detach(link.Index)
		program.Close(true)
		return nil, fmt.Errorf("xdp: new socket: %w", err)
	}
	if err := program.Register(opts.QueueID, sock.FD()); err != nil {
		sock.Close()
		program.Detach(link.Index)
		program.Close(true)
		return nil, fmt.Errorf("xdp: register queue %d: %w", opts.QueueID, err)
	}

	return &Adapter{program: program, socket: sock, link: link}, nil
}

func (a *Adapter) Send(ctx context.Context, buf []byte, txInstant int64) error {
	return fmt.Errorf("xdp: send not supported; use transport/eth for publish")
}

func (a *Adapter) Recv(ctx context.Context) (transport.Frame, error) {
	a.socket.Fill(a.socket.GetDescs(a.socket.NumFreeFillSlots(), true))

	numRx, err := a.socket.Poll(pollTimeoutMillis(ctx))
	if err != nil {
		return transport.Frame{}, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	if numRx == 0 {
		return transport.Frame{}, fmt.Errorf("%w: poll timeout", transport.ErrUnavailable)
	}

	descs := a.socket.Receive(numRx)
	frame := descs[0]
	payload := make([]byte, frame.Len)
	copy(payload, a.socket.GetFrame(frame))
	a.socket.Fill([]xdp.Desc{frame})

	return transport.Frame{Payload: payload, ReceivedAtNanos: time.Now().UnixNano()}, nil
}

func pollTimeoutMillis(ctx context.Context) int {
	if deadline, ok := ctx.Deadline(); ok {
		ms := int(time.Until(deadline).Milliseconds())
		if ms < 0 {
			ms = 0
		}
		return ms
	}
	return -1 // block indefinitely, matching a zero ReaderGroup.timeout
}

func (a *Adapter) AllocBuffer() []byte { return make([]byte, a.socket.FrameSize()) }

func (a *Adapter) MTU() int { return a.socket.FrameSize() }

func (a *Adapter) Close() error {
	a.socket.Close()
	a.program.Detach(a.link.Index)
	a.program.Close(true)
	return nil
}
