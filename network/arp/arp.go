// Package arp implements the address resolution protocol for ipv4 over
// ethernet. It answers requests for local addresses and feeds replies into
// the stack's neighbor cache.
//
// The endpoint is registered under the sentinel "arp" address: activate the
// protocol by passing arp.ProtocolName to stack.New() and adding
// arp.ProtocolAddress to each resolving device
package arp

import (
	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/types"
)

const (
	// ProtocolName is the string representation of the arp protocol name
	ProtocolName = "arp"

	// ProtocolNumber is the arp protocol number
	ProtocolNumber = header.ARPProtocolNumber

	// ProtocolAddress is the sentinel address the arp endpoint is bound
	// under on every resolving device
	ProtocolAddress = types.Address("arp")
)

type endpoint struct {
	id     types.NetworkEndpointID
	devID  types.DeviceID
	dev    types.Device
	cache  types.LinkAddressCache
	writer types.PacketWriter
	pool   *buffer.Pool
	stats  *types.Stats
}

// DefaultTTL is unused for arp; it implements types.NetworkEndpoint
func (e *endpoint) DefaultTTL() uint8 {
	return 0
}

// MTU implements types.NetworkEndpoint
func (e *endpoint) MTU() uint32 {
	return e.dev.MTU()
}

// MaxHeaderLength implements types.NetworkEndpoint
func (e *endpoint) MaxHeaderLength() uint16 {
	return e.dev.MaxHeaderLength()
}

// ID implements types.NetworkEndpoint
func (e *endpoint) ID() *types.NetworkEndpointID {
	return &e.id
}

// Device implements types.NetworkEndpoint
func (e *endpoint) Device() types.DeviceID {
	return e.devID
}

// Capabilities implements types.NetworkEndpoint
func (e *endpoint) Capabilities() types.DeviceCapabilities {
	return e.dev.Capabilities()
}

// WritePacket implements types.NetworkEndpoint. Transports never write
// through arp
func (e *endpoint) WritePacket(r *types.Route, pkt *buffer.Packet, protocol types.TransportProtocolNumber) *types.Error {
	pkt.Release()
	return types.ErrNotSupported
}

// HandlePacket answers requests for addresses the device owns and installs
// the mapping carried by replies
func (e *endpoint) HandlePacket(r *types.Route, pkt *buffer.Packet) {
	defer pkt.Release()

	h := header.ARP(pkt.Data())
	if !h.IsValid() {
		e.stats.MalformedRcvdPackets.Increment()
		return
	}

	switch h.Op() {
	case header.ARPRequest:
		target := types.Address(h.ProtocolAddressTarget())
		if e.cache.CheckLocalAddress(e.devID, header.IPv4ProtocolNumber, target) == 0 {
			return
		}
		e.sendReply(h, target)

	case header.ARPReply:
		addr := types.Address(h.ProtocolAddressSender())
		linkAddr := types.LinkAddress(h.HardwareAddressSender())
		e.cache.AddLinkAddress(e.devID, addr, linkAddr)
	}
}

// sendReply answers a request for target with the device's link address.
// The requester's addresses come out of the request itself, so the reply
// needs no resolution
func (e *endpoint) sendReply(req header.ARP, target types.Address) {
	pkt := e.pool.Allocate()
	if pkt == nil {
		e.stats.DroppedPackets.Increment()
		return
	}

	b, ok := pkt.Prepend(header.ARPSize)
	if !ok {
		e.stats.DroppedPackets.Increment()
		pkt.Release()
		return
	}
	pkt.MarkNetworkHeader()

	reply := header.ARP(b)
	reply.SetIPv4OverEthernet()
	reply.SetOp(header.ARPReply)
	copy(reply.HardwareAddressSender(), e.dev.LinkAddress())
	copy(reply.ProtocolAddressSender(), target)
	copy(reply.HardwareAddressTarget(), req.HardwareAddressSender())
	copy(reply.ProtocolAddressTarget(), req.ProtocolAddressSender())

	r := types.MakeRoute(ProtocolNumber, target, types.Address(req.ProtocolAddressSender()), "", e.dev.LinkAddress(), e)
	r.RemoteLinkAddress = types.LinkAddress(req.HardwareAddressSender())

	e.writer.WritePacket(&r, pkt, ProtocolNumber)
}

type protocol struct{}

// Number returns the arp protocol number
func (p *protocol) Number() types.NetworkProtocolNumber {
	return ProtocolNumber
}

// MinimumPacketSize returns the minimum valid arp packet size
func (p *protocol) MinimumPacketSize() int {
	return header.ARPSize
}

// ParseAddresses routes every arp packet to the endpoint bound under the
// sentinel address
func (p *protocol) ParseAddresses(v buffer.View) (src, dst types.Address) {
	return "", ProtocolAddress
}

// NewEndpoint creates a new arp endpoint
func (p *protocol) NewEndpoint(dev types.Device, devID types.DeviceID, addr types.Address, cache types.LinkAddressCache, dispatcher types.TransportDispatcher, writer types.PacketWriter, pool *buffer.Pool, stats *types.Stats) (types.NetworkEndpoint, *types.Error) {
	if addr != ProtocolAddress {
		return nil, types.ErrBadLocalAddress
	}
	return &endpoint{
		id:     types.NetworkEndpointID{LocalAddress: ProtocolAddress},
		devID:  devID,
		dev:    dev,
		cache:  cache,
		writer: writer,
		pool:   pool,
		stats:  stats,
	}, nil
}

// LinkAddressProtocol implements types.LinkAddressResolver
func (p *protocol) LinkAddressProtocol() types.NetworkProtocolNumber {
	return header.IPv4ProtocolNumber
}

// LinkAddressRequest implements types.LinkAddressResolver. Requests are
// ethernet broadcasts framed here, bypassing resolution entirely
func (p *protocol) LinkAddressRequest(targetAddr, localAddr types.Address, dev types.Device, pool *buffer.Pool) *types.Error {
	pkt := pool.Allocate()
	if pkt == nil {
		return types.ErrNoBufferSpace
	}

	b, ok := pkt.Prepend(header.ARPSize)
	if !ok {
		pkt.Release()
		return types.ErrNoBufferSpace
	}
	pkt.MarkNetworkHeader()

	req := header.ARP(b)
	req.SetIPv4OverEthernet()
	req.SetOp(header.ARPRequest)
	copy(req.HardwareAddressSender(), dev.LinkAddress())
	copy(req.ProtocolAddressSender(), localAddr)
	copy(req.ProtocolAddressTarget(), targetAddr)

	eb, ok := pkt.Prepend(header.EthernetMinimumSize)
	if !ok {
		pkt.Release()
		return types.ErrNoBufferSpace
	}
	header.Ethernet(eb).Encode(&header.EthernetFields{
		SrcAddr: dev.LinkAddress(),
		DstAddr: header.BroadcastLinkAddress,
		Type:    ProtocolNumber,
	})
	pkt.MarkLinkHeader()

	return dev.Transmit(pkt)
}

// ResolveStaticAddress implements types.LinkAddressResolver. The broadcast
// address resolves without a network round trip
func (p *protocol) ResolveStaticAddress(addr types.Address) (types.LinkAddress, bool) {
	if addr == "\xff\xff\xff\xff" {
		return header.BroadcastLinkAddress, true
	}
	return "", false
}

func init() {
	p := &protocol{}
	stack.RegisterNetworkProtocolFactory(ProtocolName, func() stack.NetworkProtocol {
		return p
	})
	stack.RegisterLinkAddressResolver(p)
}
