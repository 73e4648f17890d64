package stack

import (
	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/types"
	"github.com/SlopLabs/netstack/waiter"
)

// NetworkProtocol extends the demultiplexer-facing protocol contract with
// endpoint creation. One endpoint exists per (device, local address) pair
type NetworkProtocol interface {
	types.NetworkProtocol

	// NewEndpoint creates a new endpoint of the network protocol bound to
	// the given device and local address. The endpoint emits frames
	// through writer and hands inbound payloads to dispatcher
	NewEndpoint(dev types.Device, devID types.DeviceID, addr types.Address, cache types.LinkAddressCache, dispatcher types.TransportDispatcher, writer types.PacketWriter, pool *buffer.Pool, stats *types.Stats) (types.NetworkEndpoint, *types.Error)
}

// TransportProtocol extends the demultiplexer-facing protocol contract with
// endpoint creation
type TransportProtocol interface {
	types.TransportProtocol

	// NewEndpoint creates a new endpoint of the transport protocol
	NewEndpoint(stack *Stack, netProto types.NetworkProtocolNumber, waiterQueue *waiter.Queue) (types.Endpoint, *types.Error)
}

// NetworkProtocolFactory instantiates a network protocol
type NetworkProtocolFactory func() NetworkProtocol

// TransportProtocolFactory instantiates a transport protocol
type TransportProtocolFactory func() TransportProtocol

var (
	networkProtocols   = make(map[string]NetworkProtocolFactory)
	transportProtocols = make(map[string]TransportProtocolFactory)

	linkAddrResolvers = make(map[types.NetworkProtocolNumber]types.LinkAddressResolver)
)

// RegisterNetworkProtocolFactory registers a new network protocol factory
// with the stack so that it becomes available to users of the stack. This
// function is intended to be called by init() functions of the protocols
func RegisterNetworkProtocolFactory(name string, p NetworkProtocolFactory) {
	networkProtocols[name] = p
}

// RegisterTransportProtocolFactory registers a new transport protocol
// factory with the stack so that it becomes available to users of the
// stack. This function is intended to be called by init() functions of the
// protocols
func RegisterTransportProtocolFactory(name string, p TransportProtocolFactory) {
	transportProtocols[name] = p
}

// RegisterLinkAddressResolver registers a resolver for the addresses of the
// given network protocol. Intended to be called by init() functions of
// resolution protocols such as arp
func RegisterLinkAddressResolver(r types.LinkAddressResolver) {
	linkAddrResolvers[r.LinkAddressProtocol()] = r
}
