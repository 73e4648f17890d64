package stack

import (
	"sync"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/types"
)

// transportEndpoints manages all endpoints of a given protocol. It has its
// own mutex so as to reduce interference between protocols
type transportEndpoints struct {
	mu        sync.RWMutex
	endpoints map[types.TransportEndpointID]types.TransportEndpoint
}

type protocolIDs struct {
	network   types.NetworkProtocolNumber
	transport types.TransportProtocolNumber
}

// transportDemuxer demultiplexes packets targeted at a transport endpoint
// (i.e., after they've been parsed by the network layer). It does two levels
// of demultiplexing: first based on the network and transport protocols,
// then based on endpoint IDs
type transportDemuxer struct {
	protocol map[protocolIDs]*transportEndpoints
}

func newTransportDemuxer(stack *Stack) *transportDemuxer {
	d := &transportDemuxer{
		protocol: make(map[protocolIDs]*transportEndpoints),
	}

	// Add each network and transport pair to the demuxer
	for netProto := range stack.networkProtocols {
		for transProto := range stack.transportProtocols {
			d.protocol[protocolIDs{netProto, transProto}] = &transportEndpoints{
				endpoints: make(map[types.TransportEndpointID]types.TransportEndpoint),
			}
		}
	}

	return d
}

// registerEndpoint registers the given endpoint with the dispatcher such
// that packets that match the endpoint ID are delivered to it
func (d *transportDemuxer) registerEndpoint(netProtos []types.NetworkProtocolNumber, protocol types.TransportProtocolNumber, id types.TransportEndpointID, ep types.TransportEndpoint) *types.Error {
	for i, n := range netProtos {
		if err := d.singleRegisterEndpoint(n, protocol, id, ep); err != nil {
			d.unregisterEndpoint(netProtos[:i], protocol, id)
			return err
		}
	}

	return nil
}

func (d *transportDemuxer) singleRegisterEndpoint(netProto types.NetworkProtocolNumber, protocol types.TransportProtocolNumber, id types.TransportEndpointID, ep types.TransportEndpoint) *types.Error {
	eps, ok := d.protocol[protocolIDs{netProto, protocol}]
	if !ok {
		return types.ErrUnknownProtocol
	}

	eps.mu.Lock()
	defer eps.mu.Unlock()

	if _, ok := eps.endpoints[id]; ok {
		return types.ErrPortInUse
	}

	eps.endpoints[id] = ep

	return nil
}

// unregisterEndpoint unregisters the endpoint with the given id such that it
// won't receive any more packets
func (d *transportDemuxer) unregisterEndpoint(netProtos []types.NetworkProtocolNumber, protocol types.TransportProtocolNumber, id types.TransportEndpointID) {
	for _, n := range netProtos {
		if eps, ok := d.protocol[protocolIDs{n, protocol}]; ok {
			eps.mu.Lock()
			delete(eps.endpoints, id)
			eps.mu.Unlock()
		}
	}
}

// deliverPacket attempts to deliver the given packet. Returns true if it
// found an endpoint, false otherwise. Ownership of the packet moves to the
// endpoint on success and stays with the caller on failure
func (d *transportDemuxer) deliverPacket(r *types.Route, protocol types.TransportProtocolNumber, pkt *buffer.Packet, id types.TransportEndpointID) bool {
	eps, ok := d.protocol[protocolIDs{r.NetProto, protocol}]
	if !ok {
		return false
	}

	eps.mu.RLock()
	ep := d.findEndpointLocked(eps, id)
	eps.mu.RUnlock()

	if ep == nil {
		return false
	}

	ep.HandlePacket(r, id, pkt)
	return true
}

// findEndpointLocked matches in decreasing specificity: the full 4-tuple
// for established connections, then the bound local address and port, then
// the port alone for wildcard binds
func (d *transportDemuxer) findEndpointLocked(eps *transportEndpoints, id types.TransportEndpointID) types.TransportEndpoint {
	if ep := eps.endpoints[id]; ep != nil {
		return ep
	}

	nid := id
	nid.RemotePort = 0
	nid.RemoteAddress = ""
	if ep := eps.endpoints[nid]; ep != nil {
		return ep
	}

	nid.LocalAddress = ""
	return eps.endpoints[nid]
}
