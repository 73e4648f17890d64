// Package udp contains the implementation of the UDP transport protocol. To
// use it in the networking stack, this package must be added to the project
// and activated on the stack by passing udp.ProtocolName (or "udp") as one
// of the transport protocols when calling stack.New()
package udp

import (
	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/types"
	"github.com/SlopLabs/netstack/waiter"
)

const (
	// ProtocolName is the string representation of the udp protocol name
	ProtocolName = "udp"

	// ProtocolNumber is the udp protocol number
	ProtocolNumber = header.UDPProtocolNumber
)

type protocol struct{}

// Number returns the udp protocol number
func (*protocol) Number() types.TransportProtocolNumber {
	return ProtocolNumber
}

// MinimumPacketSize returns the minimum valid udp packet size
func (*protocol) MinimumPacketSize() int {
	return header.UDPMinimumSize
}

// ParsePorts returns the source and destination ports stored in the given
// udp packet
func (*protocol) ParsePorts(v buffer.View) (src, dst uint16, err *types.Error) {
	h := header.UDP(v)
	return h.SourcePort(), h.DestinationPort(), nil
}

// NewEndpoint creates a new udp endpoint
func (*protocol) NewEndpoint(s *stack.Stack, netProto types.NetworkProtocolNumber, waiterQueue *waiter.Queue) (types.Endpoint, *types.Error) {
	return newEndpoint(s, netProto, waiterQueue), nil
}

func init() {
	stack.RegisterTransportProtocolFactory(ProtocolName, func() stack.TransportProtocol {
		return &protocol{}
	})
}
