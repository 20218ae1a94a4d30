// Package udp implements the UDP-multicast transport.Adapter (spec
// §4.2): it joins the multicast group from the URL and sets TTL and
// loopback from Options. It has no address-reuse setting.
package udp

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/edgefieldbus/opcua-pubsub/transport"
)

// Options are the PubSubConnection transport-specific options this
// adapter recognizes (spec §3's "transport-specific options map"):
// interface, ttl and loopback. There is no option for address reuse.
type Options struct {
	// Interface selects which NIC joins the multicast group; nil uses
	// the kernel's default route.
	Interface *net.Interface
	TTL       int
	Loopback  bool
}

func (o *Options) setDefaults() {
	if o.TTL == 0 {
		o.TTL = 1
	}
}

// Adapter is the UDP multicast transport.Adapter.
type Adapter struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	group  *net.UDPAddr
	mtu    int
	opts   Options
}

// Dial joins the multicast group at addr (host:port, host must be a
// multicast address) and configures TTL/loopback per opts.
func Dial(addr string, opts Options) (*Adapter, error) {
	opts.setDefaults()

	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %q: %w", addr, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("udp: %s is not a multicast address", group.IP)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: group.Port})
	if err != nil {
		return nil, fmt.Errorf("udp: listen: %w", err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(opts.Interface, group); err != nil {
		conn.Close()
		return nil, fmt.Errorf("udp: join group: %w", err)
	}
	if err := pconn.SetMulticastTTL(opts.TTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("udp: set ttl: %w", err)
	}
	if err := pconn.SetMulticastLoopback(opts.Loopback); err != nil {
		conn.Close()
		return nil, fmt.Errorf("udp: set loopback: %w", err)
	}
	if opts.Interface != nil {
		if err := pconn.SetMulticastInterface(opts.Interface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("udp: set interface: %w", err)
		}
	}

	return &Adapter{
		conn:  conn,
		pconn: pconn,
		group: group,
		mtu:   1472, // conservative Ethernet MTU minus IPv4/UDP headers
		opts:  opts,
	}, nil
}

func (a *Adapter) Send(ctx context.Context, buf []byte, _ int64) error {
	if len(buf) > a.mtu {
		return transport.ErrMsgTooLarge
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = a.conn.SetWriteDeadline(deadline)
	}
	_, err := a.conn.WriteToUDP(buf, a.group)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return nil
}

func (a *Adapter) Recv(ctx context.Context) (transport.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = a.conn.SetReadDeadline(deadline)
	} else {
		_ = a.conn.SetReadDeadline(time.Time{})
	}
	buf := a.AllocBuffer()
	n, _, err := a.conn.ReadFromUDP(buf)
	if err != nil {
		return transport.Frame{}, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return transport.Frame{Payload: buf[:n], ReceivedAtNanos: time.Now().UnixNano()}, nil
}

func (a *Adapter) AllocBuffer() []byte { return make([]byte, a.mtu) }

func (a *Adapter) MTU() int { return a.mtu }

func (a *Adapter) Close() error {
	_ = a.pconn.LeaveGroup(a.opts.Interface, a.group)
	return a.conn.Close()
}
