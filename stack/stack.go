// Package stack provides the glue between networking protocols and the
// consumers of the networking stack. It owns the device registry, the
// neighbor cache, the routing table, the timer wheel and the transport
// demultiplexer, and it wires protocol packages together through the
// factory registration in this package
package stack

import (
	"sync"
	"time"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/ports"
	"github.com/SlopLabs/netstack/timer"
	"github.com/SlopLabs/netstack/types"
	"github.com/SlopLabs/netstack/waiter"
)

// TickDuration is the nominal period between wheel ticks; timer intervals
// below are expressed in ticks of this length
const TickDuration = 100 * time.Millisecond

const (
	// neighborRetryTicks is the spacing between resolution request
	// re-sends (1 s)
	neighborRetryTicks = 10

	// neighborFreshTicks is the reachable-to-stale freshness window and
	// the failed-entry expiry (30 s)
	neighborFreshTicks = 300
)

// Ticks converts a duration to a whole number of wheel ticks, rounding up
// so that a non-zero duration never becomes an immediate fire
func Ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64((d + TickDuration - 1) / TickDuration)
}

// Stack is a networking stack, with all supported protocols, devices and
// the route table
type Stack struct {
	networkProtocols   map[types.NetworkProtocolNumber]NetworkProtocol
	transportProtocols map[types.TransportProtocolNumber]TransportProtocol

	demux     *transportDemuxer
	pool      *buffer.Pool
	wheel     *timer.Wheel
	ports     *ports.Manager
	routes    routeTable
	neighbors *neighborCache

	// timerMu guards the forwarding table for transport and socket timer
	// kinds, which register their handlers after construction
	timerMu       sync.RWMutex
	timerHandlers map[timer.Kind]func(key uint64)

	// mu is the control-plane registry lock. It is never taken on the
	// per-packet path
	mu      sync.RWMutex
	devices map[types.DeviceID]*deviceHandle

	stats types.Stats
}

// New allocates a new networking stack with only the requested networking
// and transport protocols configured with default options
func New(network []string, transport []string) *Stack {
	s := &Stack{
		networkProtocols:   make(map[types.NetworkProtocolNumber]NetworkProtocol),
		transportProtocols: make(map[types.TransportProtocolNumber]TransportProtocol),
		pool:               buffer.NewPool(buffer.DefaultPoolSlots),
		ports:              ports.NewManager(),
		timerHandlers:      make(map[timer.Kind]func(uint64)),
		devices:            make(map[types.DeviceID]*deviceHandle),
	}

	s.neighbors = newNeighborCache(s)
	s.wheel = timer.NewWheel(timer.Handlers{
		NeighborRetry:  s.neighbors.handleRetry,
		NeighborFresh:  s.neighbors.handleFresh,
		TCPRetransmit:  s.forwardTimer(timer.TCPRetransmit),
		TCPTimeWait:    s.forwardTimer(timer.TCPTimeWait),
		SocketDeadline: s.forwardTimer(timer.SocketDeadline),
	})

	// Add specified network protocols
	for _, name := range network {
		factory, ok := networkProtocols[name]
		if !ok {
			continue
		}
		p := factory()
		s.networkProtocols[p.Number()] = p
	}

	// Add specified transport protocols
	for _, name := range transport {
		factory, ok := transportProtocols[name]
		if !ok {
			continue
		}
		p := factory()
		s.transportProtocols[p.Number()] = p
	}

	s.demux = newTransportDemuxer(s)

	return s
}

func (s *Stack) forwardTimer(kind timer.Kind) func(key uint64) {
	return func(key uint64) {
		s.timerMu.RLock()
		h := s.timerHandlers[kind]
		s.timerMu.RUnlock()
		if h != nil {
			h(key)
		}
	}
}

// RegisterTimerHandler installs the dispatch target for a transport or
// socket timer kind. Intended to be called once, when the owning subsystem
// is created
func (s *Stack) RegisterTimerHandler(kind timer.Kind, h func(key uint64)) {
	s.timerMu.Lock()
	s.timerHandlers[kind] = h
	s.timerMu.Unlock()
}

// ScheduleTimer arms a wheel entry firing delay ticks from now
func (s *Stack) ScheduleTimer(delay uint64, kind timer.Kind, key uint64) timer.Token {
	return s.wheel.Schedule(delay, kind, key)
}

// CancelTimer disarms a previously scheduled wheel entry
func (s *Stack) CancelTimer(t timer.Token) {
	s.wheel.Cancel(t)
}

// Tick advances the timer wheel. The platform's periodic tick calls this;
// tests call it directly to control time
func (s *Stack) Tick() {
	s.wheel.Tick()
}

// Pool returns the stack's packet buffer pool. Drivers allocate inbound
// buffers from it and transports allocate outbound ones
func (s *Stack) Pool() *buffer.Pool {
	return s.pool
}

// PortManager returns the stack's transport port allocator
func (s *Stack) PortManager() *ports.Manager {
	return s.ports
}

// Stats returns the stack's counters
func (s *Stack) Stats() *types.Stats {
	return &s.stats
}

// NetworkProtocol returns the registered instance for the given number, or
// nil
func (s *Stack) NetworkProtocol(num types.NetworkProtocolNumber) NetworkProtocol {
	return s.networkProtocols[num]
}

// NewEndpoint creates a new transport layer endpoint of the given protocol
func (s *Stack) NewEndpoint(transport types.TransportProtocolNumber, network types.NetworkProtocolNumber, waiterQueue *waiter.Queue) (types.Endpoint, *types.Error) {
	t, ok := s.transportProtocols[transport]
	if !ok {
		return nil, types.ErrUnknownProtocol
	}
	return t.NewEndpoint(s, network, waiterQueue)
}

// CreateDevice registers a device driver under the given id. The device
// starts down; EnableDevice brings it up
func (s *Stack) CreateDevice(id types.DeviceID, dev types.Device) *types.Error {
	if id <= 0 {
		return types.ErrBadDeviceID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; ok {
		return types.ErrDuplicateDeviceID
	}
	s.devices[id] = newDeviceHandle(s, id, dev)
	return nil
}

// EnableDevice brings a registered device up: the driver is attached and
// the receive poll loop starts
func (s *Stack) EnableDevice(id types.DeviceID) *types.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.devices[id]
	if !ok {
		return types.ErrBadDeviceID
	}
	h.start()
	return nil
}

// DisableDevice brings a device down. It returns after the poll loop has
// drained; no packet from the device is in flight afterwards
func (s *Stack) DisableDevice(id types.DeviceID) *types.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.devices[id]
	if !ok {
		return types.ErrBadDeviceID
	}
	h.stop()
	return nil
}

// RemoveDevice unregisters a device. The device is brought down first if
// needed, and its neighbor entries are flushed
func (s *Stack) RemoveDevice(id types.DeviceID) *types.Error {
	s.mu.Lock()
	h, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return types.ErrBadDeviceID
	}
	h.stop()
	delete(s.devices, id)
	s.mu.Unlock()

	s.neighbors.removeDevice(id)
	return nil
}

// findDevice returns the handle for id, or nil
func (s *Stack) findDevice(id types.DeviceID) *deviceHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[id]
}

// AddAddress adds a new network-layer address to the given device
func (s *Stack) AddAddress(id types.DeviceID, protocol types.NetworkProtocolNumber, addr types.Address) *types.Error {
	h := s.findDevice(id)
	if h == nil {
		return types.ErrBadDeviceID
	}
	return h.AddAddress(protocol, addr)
}

// RemoveAddress removes an address from the given device
func (s *Stack) RemoveAddress(id types.DeviceID, addr types.Address) *types.Error {
	h := s.findDevice(id)
	if h == nil {
		return types.ErrBadDeviceID
	}
	return h.RemoveAddress(addr)
}

// SetRouteTable replaces the route table wholesale. Rows are grouped by
// prefix length for longest-prefix-match lookup
func (s *Stack) SetRouteTable(routes []types.RouteEntry) {
	s.routes.set(routes)
}

// GetRouteTable returns a copy of the installed routes, most specific first
func (s *Stack) GetRouteTable() []types.RouteEntry {
	return s.routes.entries()
}

// FindRoute resolves a destination to a route: the most specific matching
// row picks the egress device and next hop, and the device's endpoint for
// the network protocol supplies the local address when the caller leaves it
// empty. A miss returns ErrNetworkUnreachable
func (s *Stack) FindRoute(id types.DeviceID, localAddr, remoteAddr types.Address, netProto types.NetworkProtocolNumber) (types.Route, *types.Error) {
	entry, ok := s.routes.lookup(remoteAddr)
	if !ok {
		return types.Route{}, types.ErrNetworkUnreachable
	}

	if id != 0 && id != entry.Device {
		return types.Route{}, types.ErrNetworkUnreachable
	}

	h := s.findDevice(entry.Device)
	if h == nil {
		return types.Route{}, types.ErrNetworkUnreachable
	}
	if !h.isEnabled() {
		return types.Route{}, types.ErrDeviceDown
	}

	ref := h.findEndpoint(netProto, localAddr)
	if ref == nil {
		if localAddr != "" {
			return types.Route{}, types.ErrBadLocalAddress
		}
		return types.Route{}, types.ErrNetworkUnreachable
	}

	r := types.MakeRoute(netProto, ref.ep.ID().LocalAddress, remoteAddr, entry.NextHop, h.LinkAddress(), ref.ep)
	return r, nil
}

// CheckLocalAddress implements types.LinkAddressCache. It returns the
// device owning addr for the given protocol, restricted to dev when dev is
// non-zero
func (s *Stack) CheckLocalAddress(dev types.DeviceID, protocol types.NetworkProtocolNumber, addr types.Address) types.DeviceID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dev != 0 {
		h := s.devices[dev]
		if h == nil {
			return 0
		}
		if ref := h.findEndpoint(protocol, addr); ref != nil && addr != "" {
			return dev
		}
		return 0
	}

	for id, h := range s.devices {
		if addr != "" && h.findEndpoint(protocol, addr) != nil {
			return id
		}
	}
	return 0
}

// AddLinkAddress implements types.LinkAddressCache
func (s *Stack) AddLinkAddress(dev types.DeviceID, addr types.Address, linkAddr types.LinkAddress) {
	s.neighbors.add(dev, addr, linkAddr)
}

// GetLinkAddress returns the cached link address for (dev, addr), if the
// entry is in a usable state
func (s *Stack) GetLinkAddress(dev types.DeviceID, addr types.Address) (types.LinkAddress, bool) {
	return s.neighbors.get(dev, addr)
}

// RegisterTransportEndpoint registers the given endpoint with the stack's
// transport demultiplexer so that packets matching its id are delivered to
// it
func (s *Stack) RegisterTransportEndpoint(netProtos []types.NetworkProtocolNumber, protocol types.TransportProtocolNumber, id types.TransportEndpointID, ep types.TransportEndpoint) *types.Error {
	return s.demux.registerEndpoint(netProtos, protocol, id, ep)
}

// UnregisterTransportEndpoint removes a previously registered endpoint
func (s *Stack) UnregisterTransportEndpoint(netProtos []types.NetworkProtocolNumber, protocol types.TransportProtocolNumber, id types.TransportEndpointID) {
	s.demux.unregisterEndpoint(netProtos, protocol, id)
}

// DeliverTransportPacket implements types.TransportDispatcher. The network
// layer calls it with the transport header at the front of the packet
func (s *Stack) DeliverTransportPacket(r *types.Route, protocol types.TransportProtocolNumber, pkt *buffer.Packet) {
	p, ok := s.transportProtocols[protocol]
	if !ok {
		s.stats.UnknownProtocolRcvdPackets.Increment()
		pkt.Release()
		return
	}

	if pkt.Length() < p.MinimumPacketSize() {
		s.stats.MalformedRcvdPackets.Increment()
		pkt.Release()
		return
	}

	srcPort, dstPort, err := p.ParsePorts(buffer.View(pkt.Data()))
	if err != nil {
		s.stats.MalformedRcvdPackets.Increment()
		pkt.Release()
		return
	}

	id := types.TransportEndpointID{
		LocalPort:     dstPort,
		LocalAddress:  r.LocalAddress,
		RemotePort:    srcPort,
		RemoteAddress: r.RemoteAddress,
	}
	if s.demux.deliverPacket(r, protocol, pkt, id) {
		return
	}

	s.stats.DroppedPackets.Increment()
	pkt.Release()
}
