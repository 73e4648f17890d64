package stack

import (
	"sync"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/tmutex"
	"github.com/SlopLabs/netstack/types"
)

// receiveBudget bounds how many frames one poll-loop pass pulls from a
// driver before checking for shutdown
const receiveBudget = 64

// deviceHandle is the stack's view of a registered device. It wraps the
// driver with the per-device transmit lock, runs the receive poll loop while
// the device is up, and owns the set of network endpoints bound to the
// device.
//
// The handle implements types.Device by delegation so that resolvers and
// network endpoints see a device whose Transmit is already serialized
type deviceHandle struct {
	stack *Stack
	id    types.DeviceID
	dev   types.Device

	// txMu serializes access to the driver's transmit path. It is the
	// only lock taken on the hot transmit path
	txMu tmutex.Mutex

	mu        sync.RWMutex
	endpoints map[types.NetworkEndpointID]*referencedNetworkEndpoint
	enabled   bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

type referencedNetworkEndpoint struct {
	ep       types.NetworkEndpoint
	handle   *deviceHandle
	protocol types.NetworkProtocolNumber
}

func newDeviceHandle(stack *Stack, id types.DeviceID, dev types.Device) *deviceHandle {
	h := &deviceHandle{
		stack:     stack,
		id:        id,
		dev:       dev,
		endpoints: make(map[types.NetworkEndpointID]*referencedNetworkEndpoint),
	}
	h.txMu.Init()
	return h
}

// start attaches the handle to the driver and launches the poll loop.
// Called with the registry lock held
func (h *deviceHandle) start() {
	h.mu.Lock()
	if h.enabled {
		h.mu.Unlock()
		return
	}
	h.enabled = true
	h.wake = make(chan struct{}, 1)
	h.quit = make(chan struct{})
	h.done = make(chan struct{})
	h.mu.Unlock()

	h.dev.Attach(h)
	go h.pollLoop()
}

// stop detaches the driver and waits for the poll loop to drain. After stop
// returns no further packets are delivered from this device. Called with
// the registry lock held
func (h *deviceHandle) stop() {
	h.mu.Lock()
	if !h.enabled {
		h.mu.Unlock()
		return
	}
	h.enabled = false
	h.mu.Unlock()

	h.dev.Detach()
	close(h.quit)
	<-h.done
}

func (h *deviceHandle) isEnabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enabled
}

// Notify implements types.ReceiveNotifier. It may be called from interrupt
// context and never blocks; a wakeup already pending is enough
func (h *deviceHandle) Notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// pollLoop pulls inbound frames from the driver whenever the driver signals
// receive-ready, and exits once the device is brought down
func (h *deviceHandle) pollLoop() {
	defer close(h.done)

	for {
		select {
		case <-h.quit:
			return
		case <-h.wake:
		}

		for {
			pkts := h.dev.Receive(receiveBudget)
			if len(pkts) == 0 {
				break
			}
			for _, pkt := range pkts {
				h.deliverLinkPacket(pkt)
			}

			select {
			case <-h.quit:
				return
			default:
			}
		}
	}
}

// deliverLinkPacket strips the ethernet header off an inbound frame and
// dispatches the payload by ethertype
func (h *deviceHandle) deliverLinkPacket(pkt *buffer.Packet) {
	if pkt.Length() < header.EthernetMinimumSize {
		h.stack.stats.MalformedRcvdPackets.Increment()
		pkt.Release()
		return
	}

	pkt.MarkLinkHeader()
	b, _ := pkt.Consume(header.EthernetMinimumSize)
	eth := header.Ethernet(b)
	pkt.MarkNetworkHeader()

	h.DeliverNetworkPacket(eth.SourceAddress(), eth.Type(), pkt)
}

// DeliverNetworkPacket implements types.NetworkDispatcher. It finds the
// network endpoint bound to the packet's destination address and hands the
// packet over. Undeliverable packets are dropped with a counter; the stack
// is not a router
func (h *deviceHandle) DeliverNetworkPacket(remote types.LinkAddress, protocol types.NetworkProtocolNumber, pkt *buffer.Packet) {
	netProto, ok := h.stack.networkProtocols[protocol]
	if !ok {
		h.stack.stats.UnknownProtocolRcvdPackets.Increment()
		pkt.Release()
		return
	}

	if pkt.Length() < netProto.MinimumPacketSize() {
		h.stack.stats.MalformedRcvdPackets.Increment()
		pkt.Release()
		return
	}

	src, dst := netProto.ParseAddresses(buffer.View(pkt.Data()))

	h.mu.RLock()
	ref := h.endpoints[types.NetworkEndpointID{LocalAddress: dst}]
	h.mu.RUnlock()
	if ref == nil {
		h.stack.stats.DroppedPackets.Increment()
		pkt.Release()
		return
	}

	r := types.MakeRoute(protocol, dst, src, "", h.dev.LinkAddress(), ref.ep)
	r.RemoteLinkAddress = remote
	ref.ep.HandlePacket(&r, pkt)
}

// WritePacket implements types.PacketWriter. The packet arrives with its
// network header built; the handle resolves the next hop link address if
// needed, frames the packet as ethernet and hands it to the driver.
//
// A packet held back for neighbor resolution is reported as success: it is
// queued and goes out (or is dropped with a counter) when resolution settles
func (h *deviceHandle) WritePacket(r *types.Route, pkt *buffer.Packet, protocol types.NetworkProtocolNumber) *types.Error {
	linkAddr := r.RemoteLinkAddress
	if linkAddr == "" && h.dev.Capabilities()&types.CapabilityResolutionRequired != 0 {
		nextHop := r.NextHopAddress()

		if resolver, ok := linkAddrResolvers[r.NetProto]; ok {
			if static, ok := resolver.ResolveStaticAddress(nextHop); ok {
				linkAddr = static
			}
		}

		if linkAddr == "" {
			resolved, err := h.stack.neighbors.resolve(h, nextHop, r.LocalAddress, r.NetProto, pkt)
			if err != nil {
				pkt.Release()
				h.stack.stats.DroppedPackets.Increment()
				return err
			}
			if resolved == "" {
				// Queued pending resolution
				return nil
			}
			linkAddr = resolved
		}
	}

	return h.transmitFrame(pkt, protocol, linkAddr)
}

// transmitFrame prepends the ethernet header and pushes the frame through
// the transmit lock to the driver. Driver rejections release the buffer and
// are counted; the caller sees the error but must not retain the packet
func (h *deviceHandle) transmitFrame(pkt *buffer.Packet, protocol types.NetworkProtocolNumber, remote types.LinkAddress) *types.Error {
	b, ok := pkt.Prepend(header.EthernetMinimumSize)
	if !ok {
		pkt.Release()
		h.stack.stats.DroppedPackets.Increment()
		return types.ErrNoBufferSpace
	}
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: h.dev.LinkAddress(),
		DstAddr: remote,
		Type:    protocol,
	})
	pkt.MarkLinkHeader()

	h.txMu.Lock()
	err := h.dev.Transmit(pkt)
	h.txMu.Unlock()

	if err != nil {
		pkt.Release()
		h.dev.Stats().TxErrors.Increment()
		return err
	}
	h.dev.Stats().TxPackets.Increment()
	return nil
}

// addAddressLocked creates a network endpoint for (protocol, addr) on the
// device. Called with h.mu held
func (h *deviceHandle) addAddressLocked(protocol types.NetworkProtocolNumber, addr types.Address) (*referencedNetworkEndpoint, *types.Error) {
	netProto, ok := h.stack.networkProtocols[protocol]
	if !ok {
		return nil, types.ErrUnknownProtocol
	}

	id := types.NetworkEndpointID{LocalAddress: addr}
	if _, ok := h.endpoints[id]; ok {
		return nil, types.ErrDuplicateAddress
	}

	ep, err := netProto.NewEndpoint(h, h.id, addr, h.stack, h.stack, h, h.stack.pool, &h.stack.stats)
	if err != nil {
		return nil, err
	}

	ref := &referencedNetworkEndpoint{
		ep:       ep,
		handle:   h,
		protocol: protocol,
	}
	h.endpoints[id] = ref

	return ref, nil
}

// AddAddress adds a new address to h, so that it starts accepting packets
// targeted at the given address (and network protocol)
func (h *deviceHandle) AddAddress(protocol types.NetworkProtocolNumber, addr types.Address) *types.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.addAddressLocked(protocol, addr)
	return err
}

// RemoveAddress removes an address previously added to h
func (h *deviceHandle) RemoveAddress(addr types.Address) *types.Error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := types.NetworkEndpointID{LocalAddress: addr}
	if _, ok := h.endpoints[id]; !ok {
		return types.ErrBadLocalAddress
	}
	delete(h.endpoints, id)
	return nil
}

// findEndpoint returns the endpoint bound to addr, or, when addr is empty,
// any endpoint of the given protocol on the device
func (h *deviceHandle) findEndpoint(protocol types.NetworkProtocolNumber, addr types.Address) *referencedNetworkEndpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if addr != "" {
		return h.endpoints[types.NetworkEndpointID{LocalAddress: addr}]
	}
	for _, ref := range h.endpoints {
		if ref.protocol == protocol {
			return ref
		}
	}
	return nil
}

// types.Device delegation. Transmit goes through the transmit lock so that
// resolvers framing their own requests still serialize with the data path

func (h *deviceHandle) Transmit(pkt *buffer.Packet) *types.Error {
	h.txMu.Lock()
	err := h.dev.Transmit(pkt)
	h.txMu.Unlock()
	if err != nil {
		pkt.Release()
		h.dev.Stats().TxErrors.Increment()
		return err
	}
	h.dev.Stats().TxPackets.Increment()
	return nil
}

func (h *deviceHandle) Receive(budget int) []*buffer.Packet { return h.dev.Receive(budget) }
func (h *deviceHandle) Attach(n types.ReceiveNotifier)      { h.dev.Attach(n) }
func (h *deviceHandle) Detach()                             { h.dev.Detach() }
func (h *deviceHandle) MTU() uint32                         { return h.dev.MTU() }
func (h *deviceHandle) LinkAddress() types.LinkAddress      { return h.dev.LinkAddress() }
func (h *deviceHandle) MaxHeaderLength() uint16 {
	return h.dev.MaxHeaderLength() + header.EthernetMinimumSize
}
func (h *deviceHandle) Capabilities() types.DeviceCapabilities { return h.dev.Capabilities() }
func (h *deviceHandle) Stats() *types.DeviceStats              { return h.dev.Stats() }
