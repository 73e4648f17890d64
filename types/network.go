package types

import (
	"github.com/SlopLabs/netstack/buffer"
)

// NetworkEndpointID is the identifier of a network layer protocol endpoint.
// Currently the local address is sufficient because all supported protocols
// have different sizes for their addresses
type NetworkEndpointID struct {
	LocalAddress Address
}

// NetworkEndpoint is the interface that needs to be implemented by endpoints
// of network protocols (e.g., ipv4) in order to be used by the stack
type NetworkEndpoint interface {
	// DefaultTTL is the default time-to-live value for this endpoint
	DefaultTTL() uint8

	// MTU is the maximum transmission unit for this endpoint. This is
	// generally calculated as the MTU of the underlying device minus the
	// endpoint's network header size
	MTU() uint32

	// MaxHeaderLength returns the maximum size the network (and lower
	// level layers combined) headers can have. Higher levels use this
	// information to verify headroom is sufficient before building packets
	MaxHeaderLength() uint16

	// WritePacket writes a packet to the given destination address and
	// protocol. Ownership of the packet moves to the endpoint
	WritePacket(r *Route, pkt *buffer.Packet, protocol TransportProtocolNumber) *Error

	// ID returns the network protocol endpoint ID
	ID() *NetworkEndpointID

	// Device returns the id of the device this endpoint belongs to
	Device() DeviceID

	// Capabilities returns the feature bitmask of the underlying device
	Capabilities() DeviceCapabilities

	// HandlePacket is called by the stack when new packets arrive to this
	// transport endpoint. Ownership of the packet moves to the endpoint
	HandlePacket(r *Route, pkt *buffer.Packet)
}

// NetworkProtocol is the interface that needs to be implemented by network
// protocols (e.g., ipv4, arp) that want to be part of the networking stack
type NetworkProtocol interface {
	// Number returns the network protocol number
	Number() NetworkProtocolNumber

	// MinimumPacketSize returns the minimum valid packet size of this
	// network protocol. The stack automatically drops any packets smaller
	// than this targeted at this protocol
	MinimumPacketSize() int

	// ParseAddresses returns the source and destination addresses stored
	// in a packet of this protocol
	ParseAddresses(v buffer.View) (src, dst Address)
}

// PacketWriter is the interface network endpoints use to emit frames. It is
// implemented by the stack's device handle, which performs neighbor
// resolution and link-header construction before handing the frame to the
// driver. WritePacket must never take the registry lock
type PacketWriter interface {
	WritePacket(r *Route, pkt *buffer.Packet, protocol NetworkProtocolNumber) *Error
}

// TransportDispatcher contains the methods used by the network stack to
// deliver packets to the appropriate transport endpoint after they have been
// handled by the network layer
type TransportDispatcher interface {
	// DeliverTransportPacket delivers packets to the appropriate transport
	// protocol endpoint. Ownership of the packet moves to the dispatcher
	DeliverTransportPacket(r *Route, protocol TransportProtocolNumber, pkt *buffer.Packet)
}

// LinkAddressCache exposes the stack's neighbor cache to resolution
// protocols, which install entries when replies (or gratuitous
// advertisements) arrive
type LinkAddressCache interface {
	// AddLinkAddress installs or refreshes the (device, address) to link
	// address mapping
	AddLinkAddress(dev DeviceID, addr Address, linkAddr LinkAddress)

	// CheckLocalAddress returns the device owning addr, or 0 if no local
	// endpoint is bound to it. A non-zero dev restricts the check to that
	// device
	CheckLocalAddress(dev DeviceID, protocol NetworkProtocolNumber, addr Address) DeviceID
}

// LinkAddressResolver handles link address resolution for a network protocol.
// It is implemented by resolution protocols such as arp
type LinkAddressResolver interface {
	// LinkAddressRequest sends a request for the link address of the
	// target, on behalf of localAddr, out through the given device.
	// Requests are link-level broadcasts and need no resolution
	// themselves. The request frame is allocated from pool
	LinkAddressRequest(targetAddr, localAddr Address, dev Device, pool *buffer.Pool) *Error

	// ResolveStaticAddress attempts to resolve an address without a
	// network request, e.g. the broadcast address. It returns true if the
	// address was resolved
	ResolveStaticAddress(addr Address) (LinkAddress, bool)

	// LinkAddressProtocol returns the network protocol number of
	// addresses this resolver can resolve
	LinkAddressProtocol() NetworkProtocolNumber
}
