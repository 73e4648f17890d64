// Package channel provides a link device backed by Go channels. Outbound
// frames land on a channel for the test to inspect, and inbound frames are
// queued with Inject and picked up through the regular receive path. It is
// the device used by the stack and transport tests
package channel

import (
	"sync"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/types"
)

// Device is a channel backed link device
type Device struct {
	// C receives every frame passed to Transmit. Ownership of the frames
	// moves to the reader
	C chan *buffer.Packet

	pool     *buffer.Pool
	mtu      uint32
	linkAddr types.LinkAddress
	caps     types.DeviceCapabilities
	stats    types.DeviceStats

	mu       sync.Mutex
	notifier types.ReceiveNotifier
	rx       []*buffer.Packet
}

// New creates a new channel device. size bounds the transmit channel
func New(size int, mtu uint32, linkAddr types.LinkAddress, caps types.DeviceCapabilities, pool *buffer.Pool) *Device {
	return &Device{
		C:        make(chan *buffer.Packet, size),
		pool:     pool,
		mtu:      mtu,
		linkAddr: linkAddr,
		caps:     caps,
	}
}

// Inject queues an inbound frame and signals the attached notifier. The
// frame must be a complete link layer frame; it is copied into a pool
// buffer
func (d *Device) Inject(frame []byte) bool {
	pkt := d.pool.Allocate()
	if pkt == nil {
		d.stats.RxDropped.Increment()
		return false
	}
	if !pkt.Append(frame) {
		pkt.Release()
		d.stats.RxDropped.Increment()
		return false
	}

	d.mu.Lock()
	if d.notifier == nil {
		d.mu.Unlock()
		pkt.Release()
		d.stats.RxDropped.Increment()
		return false
	}
	d.rx = append(d.rx, pkt)
	n := d.notifier
	d.mu.Unlock()

	d.stats.RxPackets.Increment()
	n.Notify()
	return true
}

// Drain empties the transmit channel and releases the frames. Tests call it
// when they only care that traffic happened
func (d *Device) Drain() int {
	n := 0
	for {
		select {
		case pkt := <-d.C:
			pkt.Release()
			n++
		default:
			return n
		}
	}
}

// Transmit implements types.Device.Transmit
func (d *Device) Transmit(pkt *buffer.Packet) *types.Error {
	select {
	case d.C <- pkt:
		d.stats.TxPackets.Increment()
		return nil
	default:
		pkt.Release()
		d.stats.TxErrors.Increment()
		return types.ErrNoBufferSpace
	}
}

// Receive implements types.Device.Receive
func (d *Device) Receive(budget int) []*buffer.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.rx)
	if n > budget {
		n = budget
	}
	if n == 0 {
		return nil
	}
	out := make([]*buffer.Packet, n)
	copy(out, d.rx[:n])
	copy(d.rx, d.rx[n:])
	d.rx = d.rx[:len(d.rx)-n]
	return out
}

// Attach implements types.Device.Attach
func (d *Device) Attach(notifier types.ReceiveNotifier) {
	d.mu.Lock()
	d.notifier = notifier
	d.mu.Unlock()
}

// Detach implements types.Device.Detach
func (d *Device) Detach() {
	d.mu.Lock()
	d.notifier = nil
	for _, pkt := range d.rx {
		pkt.Release()
	}
	d.rx = nil
	d.mu.Unlock()
}

// MTU implements types.Device.MTU. It returns the value initialized during
// construction
func (d *Device) MTU() uint32 {
	return d.mtu
}

// LinkAddress implements types.Device.LinkAddress
func (d *Device) LinkAddress() types.LinkAddress {
	return d.linkAddr
}

// MaxHeaderLength implements types.Device.MaxHeaderLength. The channel
// itself adds no header
func (d *Device) MaxHeaderLength() uint16 {
	return 0
}

// Capabilities implements types.Device.Capabilities
func (d *Device) Capabilities() types.DeviceCapabilities {
	return d.caps
}

// Stats implements types.Device.Stats
func (d *Device) Stats() *types.DeviceStats {
	return &d.stats
}
