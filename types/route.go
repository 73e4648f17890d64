package types

import (
	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/checksum"
)

// RouteEntry is a row in the routing table. Rows are immutable once
// installed; the table is replaced wholesale, never mutated in place
type RouteEntry struct {
	// Prefix is the network prefix matched against destinations. Only the
	// first PrefixLen bits are significant
	Prefix Address

	// PrefixLen is the number of leading bits of Prefix that must match,
	// 0 through 32
	PrefixLen int

	// NextHop is the gateway to forward through. An empty next-hop means
	// the destination is directly connected and is resolved itself
	NextHop Address

	// Device is the id of the device viable rows transmit through
	Device DeviceID

	// Metric orders rows of equal prefix length; lower wins
	Metric int
}

// Match determines whether addr falls within the entry's prefix
func (e *RouteEntry) Match(addr Address) bool {
	if len(addr) != len(e.Prefix) {
		return false
	}

	bits := e.PrefixLen
	for i := 0; i < len(addr) && bits > 0; i++ {
		mask := byte(0xff)
		if bits < 8 {
			mask <<= uint(8 - bits)
		}
		if (addr[i]^e.Prefix[i])&mask != 0 {
			return false
		}
		bits -= 8
	}

	return true
}

// Route represents a resolved path through the stack to a given destination.
// It is produced by a routing table lookup and carries everything the
// transport layer needs to emit packets: the local/remote addresses, the
// next-hop (if indirect), and the network endpoint bound to the egress device
type Route struct {
	// RemoteAddress is the final destination of the route
	RemoteAddress Address

	// RemoteLinkAddress is the link address of the next transmission hop.
	// It is filled in by neighbor resolution on the first transmit
	RemoteLinkAddress LinkAddress

	// LocalAddress is the address of the local endpoint of the route
	LocalAddress Address

	// LocalLinkAddress is the link address of the egress device
	LocalLinkAddress LinkAddress

	// NextHop is the gateway for indirect routes; empty when the
	// destination is directly connected
	NextHop Address

	// NetProto is the network protocol number of the route
	NetProto NetworkProtocolNumber

	ep NetworkEndpoint
}

// MakeRoute initializes a new route for the given network endpoint
func MakeRoute(netProto NetworkProtocolNumber, localAddr, remoteAddr Address, nextHop Address, localLink LinkAddress, ep NetworkEndpoint) Route {
	return Route{
		RemoteAddress:    remoteAddr,
		LocalAddress:     localAddr,
		LocalLinkAddress: localLink,
		NextHop:          nextHop,
		NetProto:         netProto,
		ep:               ep,
	}
}

// Device returns the id of the route's egress device
func (r *Route) Device() DeviceID {
	return r.ep.Device()
}

// MTU returns the usable MTU of the route's network endpoint
func (r *Route) MTU() uint32 {
	return r.ep.MTU()
}

// DefaultTTL returns the default time-to-live of the route's endpoint
func (r *Route) DefaultTTL() uint8 {
	return r.ep.DefaultTTL()
}

// MaxHeaderLength returns the combined maximum header length of the layers
// below transport, for headroom checks
func (r *Route) MaxHeaderLength() uint16 {
	return r.ep.MaxHeaderLength()
}

// Capabilities returns the feature bitmask of the route's egress device
func (r *Route) Capabilities() DeviceCapabilities {
	return r.ep.Capabilities()
}

// NextHopAddress returns the address neighbor resolution must resolve: the
// gateway for indirect routes, the destination itself for connected ones
func (r *Route) NextHopAddress() Address {
	if r.NextHop != "" {
		return r.NextHop
	}
	return r.RemoteAddress
}

// PseudoHeaderChecksum calculates the pseudo-header checksum for the given
// transport protocol, covering the route's addresses and the protocol number.
// The length portion is folded in separately by the transport header code
func (r *Route) PseudoHeaderChecksum(protocol TransportProtocolNumber) uint16 {
	sum := checksum.Checksum([]byte(r.LocalAddress), 0)
	sum = checksum.Checksum([]byte(r.RemoteAddress), sum)
	return checksum.Checksum([]byte{0, byte(protocol)}, sum)
}

// WritePacket writes the packet through the route's network endpoint.
// Ownership of the packet moves to the endpoint
func (r *Route) WritePacket(pkt *buffer.Packet, protocol TransportProtocolNumber) *Error {
	return r.ep.WritePacket(r, pkt, protocol)
}

// Clone returns a copy of the route safe to retain past the caller's frame
func (r *Route) Clone() Route {
	return *r
}
