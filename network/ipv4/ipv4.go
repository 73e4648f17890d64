// Package ipv4 contains the implementation of the ipv4 network protocol. To
// use it in the networking stack, this package must be added to the project
// and activated on the stack by passing ipv4.ProtocolName (or "ipv4") as one
// of the network protocols when calling stack.New()
package ipv4

import (
	"sync/atomic"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/checksum"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/types"
)

const (
	// ProtocolName is the string representation of the ipv4 protocol name
	ProtocolName = "ipv4"

	// ProtocolNumber is the ipv4 protocol number
	ProtocolNumber = header.IPv4ProtocolNumber

	// defaultTTL is the time-to-live written into outgoing packets
	defaultTTL = 64
)

type endpoint struct {
	devID      types.DeviceID
	id         types.NetworkEndpointID
	dev        types.Device
	dispatcher types.TransportDispatcher
	writer     types.PacketWriter
	pool       *buffer.Pool
	stats      *types.Stats

	// ident seeds the identification field of outgoing packets
	ident uint32
}

func newEndpoint(dev types.Device, devID types.DeviceID, addr types.Address, dispatcher types.TransportDispatcher, writer types.PacketWriter, pool *buffer.Pool, stats *types.Stats) *endpoint {
	return &endpoint{
		devID:      devID,
		id:         types.NetworkEndpointID{LocalAddress: addr},
		dev:        dev,
		dispatcher: dispatcher,
		writer:     writer,
		pool:       pool,
		stats:      stats,
	}
}

// DefaultTTL is the default time-to-live value for this endpoint
func (e *endpoint) DefaultTTL() uint8 {
	return defaultTTL
}

// MTU implements types.NetworkEndpoint. It returns the link-layer MTU minus
// the network layer max header length
func (e *endpoint) MTU() uint32 {
	return e.dev.MTU() - header.IPv4MinimumSize
}

// MaxHeaderLength returns the maximum length needed by ipv4 headers (and
// underlying layers)
func (e *endpoint) MaxHeaderLength() uint16 {
	return e.dev.MaxHeaderLength() + header.IPv4MinimumSize
}

// ID returns the ipv4 endpoint ID
func (e *endpoint) ID() *types.NetworkEndpointID {
	return &e.id
}

// Device returns the id of the device this endpoint belongs to
func (e *endpoint) Device() types.DeviceID {
	return e.devID
}

// Capabilities returns the feature bitmask of the underlying device
func (e *endpoint) Capabilities() types.DeviceCapabilities {
	return e.dev.Capabilities()
}

// WritePacket writes a packet to the given destination address and
// protocol. The transport header and payload are already in the buffer;
// the ipv4 header is prepended here
func (e *endpoint) WritePacket(r *types.Route, pkt *buffer.Packet, protocol types.TransportProtocolNumber) *types.Error {
	b, ok := pkt.Prepend(header.IPv4MinimumSize)
	if !ok {
		e.stats.IP.OutgoingPacketErrors.Increment()
		pkt.Release()
		return types.ErrNoBufferSpace
	}
	pkt.MarkNetworkHeader()

	length := uint16(pkt.Length())
	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: length,
		ID:          uint16(atomic.AddUint32(&e.ident, 1)),
		TTL:         defaultTTL,
		Protocol:    uint8(protocol),
		SrcAddr:     r.LocalAddress,
		DstAddr:     r.RemoteAddress,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	if err := e.writer.WritePacket(r, pkt, ProtocolNumber); err != nil {
		e.stats.IP.OutgoingPacketErrors.Increment()
		return err
	}
	e.stats.IP.PacketsSent.Increment()
	return nil
}

// HandlePacket is called by the device when new ipv4 packets arrive for
// this endpoint
func (e *endpoint) HandlePacket(r *types.Route, pkt *buffer.Packet) {
	e.stats.IP.PacketsReceived.Increment()

	h := header.IPv4(pkt.Data())
	if !h.IsValid(pkt.Length()) {
		e.stats.MalformedRcvdPackets.Increment()
		pkt.Release()
		return
	}
	if checksum.Checksum(h[:h.HeaderLength()], 0) != 0xffff {
		e.stats.MalformedRcvdPackets.Increment()
		pkt.Release()
		return
	}

	// No reassembly: fragments are dropped, counted
	if h.Flags()&header.IPv4FlagMoreFragments != 0 || h.FragmentOffset() != 0 {
		e.stats.DroppedPackets.Increment()
		pkt.Release()
		return
	}

	hlen := int(h.HeaderLength())
	tlen := int(h.TotalLength())
	p := h.TransportProtocol()

	pkt.Consume(hlen)
	pkt.MarkTransportHeader()

	// The link layer may have padded the frame; trim to the IP length
	if excess := pkt.Length() - (tlen - hlen); excess > 0 {
		pkt.TrimBack(excess)
	}

	if p == header.ICMPv4ProtocolNumber {
		e.handleICMP(r, pkt)
		return
	}

	e.stats.IP.PacketsDelivered.Increment()
	e.dispatcher.DeliverTransportPacket(r, p, pkt)
}

type protocol struct{}

// NewProtocol creates a new ipv4 protocol descriptor. This is exported only
// for tests that short-circuit the stack; regular use goes through the
// factory registered by init()
func NewProtocol() stack.NetworkProtocol {
	return &protocol{}
}

// Number returns the ipv4 protocol number
func (p *protocol) Number() types.NetworkProtocolNumber {
	return ProtocolNumber
}

// MinimumPacketSize returns the minimum valid ipv4 packet size
func (p *protocol) MinimumPacketSize() int {
	return header.IPv4MinimumSize
}

// ParseAddresses returns the source and destination addresses stored in a
// packet of this protocol
func (p *protocol) ParseAddresses(v buffer.View) (src, dst types.Address) {
	h := header.IPv4(v)
	return h.SourceAddress(), h.DestinationAddress()
}

// NewEndpoint creates a new ipv4 endpoint
func (p *protocol) NewEndpoint(dev types.Device, devID types.DeviceID, addr types.Address, cache types.LinkAddressCache, dispatcher types.TransportDispatcher, writer types.PacketWriter, pool *buffer.Pool, stats *types.Stats) (types.NetworkEndpoint, *types.Error) {
	return newEndpoint(dev, devID, addr, dispatcher, writer, pool, stats), nil
}

func init() {
	stack.RegisterNetworkProtocolFactory(ProtocolName, func() stack.NetworkProtocol {
		return &protocol{}
	})
}
