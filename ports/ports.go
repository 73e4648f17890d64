// Package ports manages allocating, reserving and releasing transport
// ports. Explicit binds go through a reservation table keyed by protocol,
// address and port; ephemeral allocation sweeps the dynamic range with a
// monotonic cursor over an in-use bitmap, so freed ports rest before reuse
package ports

import (
	"sync"

	"github.com/SlopLabs/netstack/types"
)

const (
	// FirstEphemeral is the first port of the dynamic range
	FirstEphemeral uint16 = 49152

	// NumEphemeral is the size of the dynamic range (49152 through 65535)
	NumEphemeral = 65536 - int(FirstEphemeral)

	anyIPAddress = types.Address("")
)

type portDescriptor struct {
	network   types.NetworkProtocolNumber
	transport types.TransportProtocolNumber
	port      uint16
}

// bindAddresses is the set of addresses bound to one (protocol, port)
type bindAddresses map[types.Address]struct{}

// isAvailable checks whether an address may still bind to this port
func (b bindAddresses) isAvailable(addr types.Address) bool {
	if addr == anyIPAddress {
		return len(b) == 0
	}

	// A wildcard bind blocks every specific address
	if _, ok := b[anyIPAddress]; ok {
		return false
	}

	_, ok := b[addr]
	return !ok
}

// ephemeralSet tracks dynamic-range allocation for one transport protocol
type ephemeralSet struct {
	bitmap [NumEphemeral / 64]uint64
	cursor uint16
}

func (e *ephemeralSet) isSet(port uint16) bool {
	i := port - FirstEphemeral
	return e.bitmap[i/64]&(1<<(i%64)) != 0
}

func (e *ephemeralSet) set(port uint16) {
	i := port - FirstEphemeral
	e.bitmap[i/64] |= 1 << (i % 64)
}

func (e *ephemeralSet) clear(port uint16) {
	i := port - FirstEphemeral
	e.bitmap[i/64] &^= 1 << (i % 64)
}

// Manager manages allocating, reserving and releasing ports
type Manager struct {
	mu             sync.Mutex
	allocatedPorts map[portDescriptor]bindAddresses
	ephemeral      map[types.TransportProtocolNumber]*ephemeralSet
}

// NewManager creates a new port manager
func NewManager() *Manager {
	return &Manager{
		allocatedPorts: make(map[portDescriptor]bindAddresses),
		ephemeral:      make(map[types.TransportProtocolNumber]*ephemeralSet),
	}
}

func (m *Manager) ephemeralLocked(transport types.TransportProtocolNumber) *ephemeralSet {
	e, ok := m.ephemeral[transport]
	if !ok {
		e = &ephemeralSet{}
		m.ephemeral[transport] = e
	}
	return e
}

// PickEphemeralPort allocates a port from the dynamic range for the given
// transport protocol. The cursor advances monotonically so a just-released
// port is not handed straight back; exhaustion of the whole range returns
// ErrNoPortAvailable
func (m *Manager) PickEphemeralPort(transport types.TransportProtocolNumber) (uint16, *types.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pickEphemeralLocked(transport)
}

func (m *Manager) pickEphemeralLocked(transport types.TransportProtocolNumber) (uint16, *types.Error) {
	e := m.ephemeralLocked(transport)

	for i := 0; i < NumEphemeral; i++ {
		port := FirstEphemeral + (e.cursor+uint16(i))%uint16(NumEphemeral)
		if e.isSet(port) {
			continue
		}
		e.set(port)
		e.cursor = (port - FirstEphemeral + 1) % uint16(NumEphemeral)
		return port, nil
	}

	return 0, types.ErrNoPortAvailable
}

// ReservePort marks a port/address combination as reserved so that it
// cannot be reserved by another endpoint. If port is zero, an unreserved
// ephemeral port is picked and its value returned
func (m *Manager) ReservePort(networks []types.NetworkProtocolNumber, transport types.TransportProtocolNumber, addr types.Address, port uint16) (uint16, *types.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if port == 0 {
		p, err := m.pickEphemeralLocked(transport)
		if err != nil {
			return 0, err
		}
		if !m.reserveSpecifiedLocked(networks, transport, addr, p) {
			// The bitmap said free but the reservation table
			// disagrees; an explicit bind took the port
			m.ephemeralLocked(transport).clear(p)
			return 0, types.ErrPortInUse
		}
		return p, nil
	}

	if !m.reserveSpecifiedLocked(networks, transport, addr, port) {
		return 0, types.ErrPortInUse
	}
	if port >= FirstEphemeral {
		m.ephemeralLocked(transport).set(port)
	}
	return port, nil
}

// reserveSpecifiedLocked tries to reserve the given port on all given
// network protocols
func (m *Manager) reserveSpecifiedLocked(networks []types.NetworkProtocolNumber, transport types.TransportProtocolNumber, addr types.Address, port uint16) bool {
	desc := portDescriptor{0, transport, port}
	for _, n := range networks {
		desc.network = n
		if addrs, ok := m.allocatedPorts[desc]; ok {
			if !addrs.isAvailable(addr) {
				return false
			}
		}
	}

	for _, n := range networks {
		desc.network = n
		b, ok := m.allocatedPorts[desc]
		if !ok {
			b = make(bindAddresses)
			m.allocatedPorts[desc] = b
		}
		b[addr] = struct{}{}
	}

	return true
}

// ReleasePort releases the reservation on a port/address combination so
// that it can be reserved by other endpoints
func (m *Manager) ReleasePort(networks []types.NetworkProtocolNumber, transport types.TransportProtocolNumber, addr types.Address, port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stillBound := false
	for _, n := range networks {
		desc := portDescriptor{n, transport, port}
		b := m.allocatedPorts[desc]
		delete(b, addr)
		if len(b) == 0 {
			delete(m.allocatedPorts, desc)
		} else {
			stillBound = true
		}
	}

	if port >= FirstEphemeral && !stillBound {
		m.ephemeralLocked(transport).clear(port)
	}
}
