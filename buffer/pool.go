package buffer

import (
	"fmt"
	"sync/atomic"
)

// DefaultPoolSlots is the slot count used by stacks that don't size their
// pool explicitly
const DefaultPoolSlots = 512

// noSlot is the free list terminator
const noSlot = int32(-1)

// Pool is a fixed-capacity slab of packet buffers. Allocation and release
// never touch the heap and are safe concurrently from interrupt and task
// context: the free list is a lock-free singly-linked list of slot indexes
// with a compare-and-swap on the packed head word. The tag half of the word
// changes on every push so a concurrent pop cannot be fooled by a slot that
// was freed and reallocated in between
type Pool struct {
	slab    []byte
	packets []Packet

	// free packs {tag:32, slot:32}; slot 0xffffffff means empty
	free atomic.Uint64

	live atomic.Int64

	allocFailures atomic.Uint64
}

func packFree(tag uint32, slot int32) uint64 {
	return uint64(tag)<<32 | uint64(uint32(slot))
}

func unpackFree(w uint64) (tag uint32, slot int32) {
	return uint32(w >> 32), int32(uint32(w))
}

// NewPool creates a pool with the given number of slots, all free
func NewPool(slots int) *Pool {
	if slots <= 0 {
		panic(fmt.Sprintf("buffer: invalid pool size %d", slots))
	}

	p := &Pool{
		slab:    make([]byte, slots*PacketSize),
		packets: make([]Packet, slots),
	}

	for i := range p.packets {
		pkt := &p.packets[i]
		pkt.pool = p
		pkt.slot = int32(i)
		pkt.data = p.slab[i*PacketSize : (i+1)*PacketSize : (i+1)*PacketSize]
		pkt.next.Store(int32(i) + 1)
	}
	p.packets[slots-1].next.Store(noSlot)
	p.free.Store(packFree(0, 0))

	return p
}

// Allocate pops a free slot and returns it initialized for the transmit
// path: head and tail sit at the headroom boundary so headers can be
// prepended and payload appended. It returns nil when the pool is exhausted;
// exhaustion is counted and is never a fault
func (p *Pool) Allocate() *Packet {
	pkt := p.pop()
	if pkt == nil {
		p.allocFailures.Add(1)
		return nil
	}

	pkt.head = Headroom
	pkt.tail = Headroom
	pkt.l2 = Headroom
	pkt.l3 = Headroom
	pkt.l4 = Headroom

	return pkt
}

// CopyIn pops a free slot and fills it with freshly received bytes. The
// frame occupies the slot from offset zero: inbound packets only ever have
// their headers consumed, never extended. It returns nil if b does not fit
// or the pool is exhausted
func (p *Pool) CopyIn(b []byte) *Packet {
	if len(b) > PacketSize {
		return nil
	}

	pkt := p.pop()
	if pkt == nil {
		p.allocFailures.Add(1)
		return nil
	}

	copy(pkt.data, b)
	pkt.head = 0
	pkt.tail = len(b)
	pkt.l2 = 0
	pkt.l3 = 0
	pkt.l4 = 0

	return pkt
}

func (p *Pool) pop() *Packet {
	for {
		w := p.free.Load()
		tag, slot := unpackFree(w)
		if slot == noSlot {
			return nil
		}
		pkt := &p.packets[slot]
		if p.free.CompareAndSwap(w, packFree(tag, pkt.next.Load())) {
			pkt.next.Store(noSlot)
			pkt.livemark.Store(true)
			p.live.Add(1)
			return pkt
		}
	}
}

func (p *Pool) release(pkt *Packet) {
	if pkt.pool != p {
		panic("buffer: packet released to wrong pool")
	}
	if !pkt.livemark.CompareAndSwap(true, false) {
		panic("buffer: packet double free")
	}

	for {
		w := p.free.Load()
		tag, slot := unpackFree(w)
		pkt.next.Store(slot)
		if p.free.CompareAndSwap(w, packFree(tag+1, pkt.slot)) {
			p.live.Add(-1)
			return
		}
	}
}

// Available returns the number of free slots. It is exact only while the
// pool is quiescent, which is what the accounting tests need
func (p *Pool) Available() int {
	return len(p.packets) - int(p.live.Load())
}

// AllocationFailures returns how many Allocate/CopyIn calls failed for want
// of a free slot
func (p *Pool) AllocationFailures() uint64 {
	return p.allocFailures.Load()
}
