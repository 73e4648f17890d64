package types

import (
	"github.com/SlopLabs/netstack/buffer"
)

// TransportEndpoint is the interface that needs to be implemented by
// transport protocol (e.g., tcp, udp) endpoints that can handle packets
type TransportEndpoint interface {
	// HandlePacket is called by the stack when new packets arrive to this
	// transport endpoint. The packet still carries the transport header;
	// ownership moves to the endpoint
	HandlePacket(r *Route, id TransportEndpointID, pkt *buffer.Packet)
}

// TransportProtocol is the part of a transport protocol's contract that the
// demultiplexer needs. Endpoint creation lives in the stack package, next to
// the registration machinery
type TransportProtocol interface {
	// Number returns the transport protocol number
	Number() TransportProtocolNumber

	// MinimumPacketSize returns the minimum valid packet size of this
	// transport protocol. The stack automatically drops any packets
	// smaller than this targeted at this protocol
	MinimumPacketSize() int

	// ParsePorts returns the source and destination ports stored in a
	// packet of this protocol
	ParsePorts(v buffer.View) (src, dst uint16, err *Error)
}
