// Package eth implements the raw-Ethernet transport.Adapter, with
// optional 802.1Q VLAN/PCP tagging and hardware transmit-time
// scheduling via SO_TXTIME on Linux (spec §4.2, supplemented features
// 2 and 3).
package eth

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/jsimonetti/rtnetlink"

	"github.com/edgefieldbus/opcua-pubsub/transport"
)

// EtherType is the UADP-over-Ethernet ethertype this module uses for
// frames that carry no IP/UDP envelope (spec §3's ETH-UADP transport
// profile).
const EtherType = 0xB62C

// Options are the transport-specific options for a raw-Ethernet
// PubSubConnection (spec §3): interface name, destination MAC,
// VLAN id/priority, and the SO_TXTIME switch from supplemented
// feature 3. Feature 2's cycle time and Qbv offset are carried by
// pubsub.WriterGroup, not here.
type Options struct {
	Interface      string
	DestinationMAC net.HardwareAddr
	VLANID         uint16 // 0 means untagged
	PCP            uint8  // 802.1Q priority code point, 0-7

	// EnableHWTxTime arms SO_TXTIME scheduled transmission on this
	// socket (supplemented feature 3, pubsub_TSN_publisher_multiple_thread.c).
	EnableHWTxTime bool
}

// Adapter is the raw-Ethernet transport.Adapter.
type Adapter struct {
	iface    *net.Interface
	handle   *afpacket.TPacketHandle
	opts     Options
	srcMAC   net.HardwareAddr
	mtu      int
	txtime   txtimeSocket
}

// Open binds to ifaceName and configures VLAN/PCP/txtime per opts.
// It takes the interface's own MAC and MTU from net.InterfaceByName
// and uses rtnetlink only to check that the link is operationally up.
func Open(ifaceName string, opts Options) (*Adapter, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("eth: rtnetlink dial: %w", err)
	}
	defer conn.Close()

	link, err := conn.Link.Get(ifaceByName(ifaceName))
	if err != nil {
		return nil, fmt.Errorf("eth: resolve interface %q: %w", ifaceName, err)
	}
	if link.Attributes.OperationalState != rtnetlink.OperStateUp {
		return nil, fmt.Errorf("eth: interface %q is not up", ifaceName)
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("eth: %w", err)
	}

	handle, err := afpacket.NewTPacket(afpacket.OptInterface(ifaceName))
	if err != nil {
		return nil, fmt.Errorf("eth: open AF_PACKET socket: %w", err)
	}

	a := &Adapter{
		iface:  iface,
		handle: handle,
		opts:   opts,
		srcMAC: iface.HardwareAddr,
		mtu:    iface.MTU,
	}
	if opts.EnableHWTxTime {
		a.txtime, err = enableTxTime(handle, ifaceName)
		if err != nil {
			handle.Close()
			return nil, fmt.Errorf("eth: enable SO_TXTIME: %w", err)
		}
	}
	return a, nil
}

func ifaceByName(name string) uint32 {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0
	}
	return uint32(iface.Index)
}

func (a *Adapter) buildFrame(payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       a.srcMAC,
		DstMAC:       a.opts.DestinationMAC,
		EthernetType: layers.EthernetType(EtherType),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}

	if a.opts.VLANID != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		dot1q := &layers.Dot1Q{
			Priority:       a.opts.PCP,
			VLANIdentifier: a.opts.VLANID,
			Type:           layers.EthernetType(EtherType),
		}
		if err := gopacket.SerializeLayers(buf, opts, eth, dot1q, gopacket.Payload(payload)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Adapter) Send(ctx context.Context, payload []byte, txInstant int64) error {
	if len(payload) > a.mtu {
		return transport.ErrMsgTooLarge
	}
	frame, err := a.buildFrame(payload)
	if err != nil {
		return fmt.Errorf("eth: build frame: %w", err)
	}
	if a.opts.EnableHWTxTime && txInstant != 0 && a.txtime != nil {
		if err := a.txtime.sendAt(frame, txInstant); err != nil {
			return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
		}
		return nil
	}
	if err := a.handle.WritePacketData(frame); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return nil
}

func (a *Adapter) Recv(ctx context.Context) (transport.Frame, error) {
	data, _, err := a.handle.ZeroCopyReadPacketData()
	if err != nil {
		return transport.Frame{}, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	return transport.Frame{Payload: payload, ReceivedAtNanos: time.Now().UnixNano()}, nil
}

func (a *Adapter) AllocBuffer() []byte { return make([]byte, a.mtu) }

func (a *Adapter) MTU() int { return a.mtu }

func (a *Adapter) Close() error {
	if a.txtime != nil {
		a.txtime.close()
	}
	a.handle.Close()
	return nil
}
