package stack

import (
	"encoding/binary"
	"sync"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/timer"
	"github.com/SlopLabs/netstack/types"
)

const (
	// neighborCacheSize is the fixed capacity of the cache. Inserting
	// into a full cache evicts
	neighborCacheSize = 128

	// neighborPendingLimit caps packets queued behind an unresolved
	// entry. Beyond it arrivals are dropped with a counter
	neighborPendingLimit = 4

	// neighborMaxRetries is how many times an unanswered request is
	// re-sent before the entry fails
	neighborMaxRetries = 3
)

type neighborState int

const (
	// neighborIncomplete means resolution is in flight and packets queue
	// behind the entry
	neighborIncomplete neighborState = iota

	// neighborReachable means the link address is known and fresh
	neighborReachable

	// neighborStale means the link address is past its freshness window.
	// It stays usable; first use kicks off a background re-probe
	neighborStale

	// neighborFailed means resolution ran out of retries. The entry is a
	// negative cache until its expiry timer removes it
	neighborFailed
)

type neighborKey struct {
	dev  types.DeviceID
	addr types.Address
}

// timerKey packs a neighbor key into the uint64 a wheel entry carries. The
// packing is exact because addresses are 4 bytes
func (k neighborKey) timerKey() uint64 {
	return uint64(uint32(k.dev))<<32 | uint64(binary.BigEndian.Uint32([]byte(k.addr)))
}

func neighborKeyFromTimer(key uint64) neighborKey {
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], uint32(key))
	return neighborKey{dev: types.DeviceID(key >> 32), addr: types.Address(a[:])}
}

type pendingPacket struct {
	pkt      *buffer.Packet
	protocol types.NetworkProtocolNumber
}

type neighborEntry struct {
	key      neighborKey
	linkAddr types.LinkAddress
	state    neighborState

	localAddr types.Address
	netProto  types.NetworkProtocolNumber

	retries int
	pending []pendingPacket

	retryToken timer.Token
	freshToken timer.Token

	// used orders entries for eviction; higher is more recent
	used uint64
}

// neighborCache maps (device, network address) to link addresses. Lookups
// on the transmit path either return a usable link address or queue the
// packet behind an in-flight resolution; the wheel's NeighborRetry and
// NeighborFresh handlers drive the state machine from there
type neighborCache struct {
	stack *Stack

	mu      sync.Mutex
	entries map[neighborKey]*neighborEntry
	clock   uint64
}

func newNeighborCache(s *Stack) *neighborCache {
	return &neighborCache{
		stack:   s,
		entries: make(map[neighborKey]*neighborEntry),
	}
}

func (c *neighborCache) touchLocked(e *neighborEntry) {
	c.clock++
	e.used = c.clock
}

// resolve returns the link address for addr on the handle's device. An
// empty link address with a nil error means the packet was taken over and
// queued behind an in-flight resolution; any other outcome leaves packet
// ownership with the caller
func (c *neighborCache) resolve(h *deviceHandle, addr, localAddr types.Address, netProto types.NetworkProtocolNumber, pkt *buffer.Packet) (types.LinkAddress, *types.Error) {
	resolver, ok := linkAddrResolvers[netProto]
	if !ok {
		return "", types.ErrUnknownProtocol
	}

	key := neighborKey{dev: h.id, addr: addr}

	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		c.evictIfFullLocked()
		e = &neighborEntry{
			key:       key,
			state:     neighborIncomplete,
			localAddr: localAddr,
			netProto:  netProto,
		}
		c.entries[key] = e
		c.touchLocked(e)
		e.pending = append(e.pending, pendingPacket{pkt: pkt, protocol: netProto})
		e.retryToken = c.stack.wheel.Schedule(neighborRetryTicks, timer.NeighborRetry, key.timerKey())
		c.mu.Unlock()

		c.sendRequest(resolver, key.addr, localAddr, h)
		return "", nil
	}

	c.touchLocked(e)

	switch e.state {
	case neighborIncomplete:
		if len(e.pending) >= neighborPendingLimit {
			c.mu.Unlock()
			c.stack.stats.Neighbor.PendingPacketDrops.Increment()
			pkt.Release()
			return "", nil
		}
		e.pending = append(e.pending, pendingPacket{pkt: pkt, protocol: netProto})
		c.mu.Unlock()
		return "", nil

	case neighborReachable:
		linkAddr := e.linkAddr
		c.mu.Unlock()
		return linkAddr, nil

	case neighborStale:
		linkAddr := e.linkAddr
		probe := !e.retryToken.Valid()
		if probe {
			e.retries = 0
			e.localAddr = localAddr
			e.retryToken = c.stack.wheel.Schedule(neighborRetryTicks, timer.NeighborRetry, key.timerKey())
		}
		c.mu.Unlock()

		// Keep traffic flowing on the stale address while the re-probe
		// runs in the background
		if probe {
			c.sendRequest(resolver, key.addr, localAddr, h)
		}
		return linkAddr, nil

	case neighborFailed:
		c.mu.Unlock()
		return "", types.ErrHostUnreachable

	default:
		c.mu.Unlock()
		return "", types.ErrHostUnreachable
	}
}

func (c *neighborCache) sendRequest(resolver types.LinkAddressResolver, addr, localAddr types.Address, h *deviceHandle) {
	c.stack.stats.Neighbor.RequestsSent.Increment()
	if err := resolver.LinkAddressRequest(addr, localAddr, h, c.stack.pool); err != nil {
		c.stack.stats.DroppedPackets.Increment()
	}
}

// add installs or refreshes a mapping. It is the resolution protocol's entry
// point, called when replies or unsolicited advertisements arrive; pending
// packets flush in arrival order
func (c *neighborCache) add(dev types.DeviceID, addr types.Address, linkAddr types.LinkAddress) {
	h := c.stack.findDevice(dev)
	if h == nil {
		return
	}

	key := neighborKey{dev: dev, addr: addr}

	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		c.evictIfFullLocked()
		e = &neighborEntry{key: key}
		c.entries[key] = e
	}
	c.touchLocked(e)

	if e.retryToken.Valid() {
		c.stack.wheel.Cancel(e.retryToken)
		e.retryToken = timer.Token{}
	}
	if e.freshToken.Valid() {
		c.stack.wheel.Cancel(e.freshToken)
	}

	e.linkAddr = linkAddr
	e.state = neighborReachable
	e.retries = 0
	e.freshToken = c.stack.wheel.Schedule(neighborFreshTicks, timer.NeighborFresh, key.timerKey())

	flush := e.pending
	e.pending = nil
	c.mu.Unlock()

	for _, p := range flush {
		h.transmitFrame(p.pkt, p.protocol, linkAddr)
	}
}

// handleRetry is the NeighborRetry wheel handler. The key names an entry
// that may have resolved, been evicted, or been removed since scheduling;
// everything is revalidated here
func (c *neighborCache) handleRetry(timerKey uint64) {
	key := neighborKeyFromTimer(timerKey)

	c.mu.Lock()
	e := c.entries[key]
	if e == nil || (e.state != neighborIncomplete && e.state != neighborStale) {
		c.mu.Unlock()
		return
	}

	h := c.stack.findDevice(key.dev)
	resolver := linkAddrResolvers[e.netProto]

	if e.retries >= neighborMaxRetries || h == nil || resolver == nil {
		// Give up. Drop anything queued and hold the entry as a
		// negative cache until its expiry fires
		drops := e.pending
		e.pending = nil
		e.state = neighborFailed
		e.retryToken = timer.Token{}
		if e.freshToken.Valid() {
			c.stack.wheel.Cancel(e.freshToken)
		}
		e.freshToken = c.stack.wheel.Schedule(neighborFreshTicks, timer.NeighborFresh, timerKey)
		c.mu.Unlock()

		c.stack.stats.Neighbor.ResolutionFailed.Increment()
		for _, p := range drops {
			c.stack.stats.Neighbor.PendingPacketDrops.Increment()
			p.pkt.Release()
		}
		return
	}

	e.retries++
	localAddr := e.localAddr
	e.retryToken = c.stack.wheel.Schedule(neighborRetryTicks, timer.NeighborRetry, timerKey)
	c.mu.Unlock()

	c.sendRequest(resolver, key.addr, localAddr, h)
}

// handleFresh is the NeighborFresh wheel handler: reachable entries go
// stale, failed entries age out
func (c *neighborCache) handleFresh(timerKey uint64) {
	key := neighborKeyFromTimer(timerKey)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key]
	if e == nil {
		return
	}

	switch e.state {
	case neighborReachable:
		e.state = neighborStale
		e.freshToken = timer.Token{}
	case neighborFailed:
		c.removeLocked(e)
	default:
		c.stack.stats.StaleTimerFires.Increment()
	}
}

// evictIfFullLocked makes room for one insertion. Victim preference is the
// least recently used entry of the weakest class: failed, then stale, then
// reachable. An incomplete entry with queued packets goes only under total
// exhaustion, and its packets are dropped with counters
func (c *neighborCache) evictIfFullLocked() {
	if len(c.entries) < neighborCacheSize {
		return
	}

	var victim *neighborEntry
	better := func(e, v *neighborEntry) bool {
		if v == nil {
			return true
		}
		ec, vc := evictionClass(e), evictionClass(v)
		if ec != vc {
			return ec < vc
		}
		return e.used < v.used
	}
	for _, e := range c.entries {
		if better(e, victim) {
			victim = e
		}
	}
	if victim == nil {
		return
	}

	c.stack.stats.Neighbor.Evictions.Increment()
	c.removeLocked(victim)
}

func evictionClass(e *neighborEntry) int {
	switch e.state {
	case neighborFailed:
		return 0
	case neighborStale:
		return 1
	case neighborReachable:
		return 2
	case neighborIncomplete:
		if len(e.pending) == 0 {
			return 3
		}
		return 4
	default:
		return 5
	}
}

// removeLocked deletes an entry, cancelling its timers and dropping any
// queued packets with counters
func (c *neighborCache) removeLocked(e *neighborEntry) {
	if e.retryToken.Valid() {
		c.stack.wheel.Cancel(e.retryToken)
	}
	if e.freshToken.Valid() {
		c.stack.wheel.Cancel(e.freshToken)
	}
	for _, p := range e.pending {
		c.stack.stats.Neighbor.PendingPacketDrops.Increment()
		p.pkt.Release()
	}
	e.pending = nil
	delete(c.entries, e.key)
}

// removeDevice drops every entry belonging to a device being unregistered
func (c *neighborCache) removeDevice(dev types.DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.key.dev == dev {
			c.removeLocked(e)
		}
	}
}

// get reports the entry's link address and liveness for diagnostics and
// tests
func (c *neighborCache) get(dev types.DeviceID, addr types.Address) (types.LinkAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[neighborKey{dev: dev, addr: addr}]
	if e == nil || (e.state != neighborReachable && e.state != neighborStale) {
		return "", false
	}
	return e.linkAddr, true
}
