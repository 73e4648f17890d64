package buffer

import (
	"sync/atomic"
)

const (
	// PacketSize is the fixed capacity of every pooled packet buffer
	PacketSize = 2048

	// Headroom is the space reserved at the front of a freshly allocated
	// buffer so that lower layers can prepend their headers without
	// copying or reallocation
	Headroom = 128
)

// Packet is a pool-backed packet buffer. The slot data is split into
// reserved headroom and an active region bounded by head and tail; three
// layer-boundary offsets record where the link, network and transport
// headers start within the slot.
//
// Invariants: 0 <= head <= tail <= PacketSize and l2 <= l3 <= l4 <= tail.
//
// Ownership is exclusive and move-only: exactly one holder may touch a live
// packet, and Release hands the slot back to the pool. The holder must not
// keep any reference past Release
type Packet struct {
	pool *Pool
	slot int32

	// next threads the pool free list. Only meaningful while pooled;
	// atomic because pop reads it on a slot another pop may be claiming
	next atomic.Int32

	// livemark guards against double release
	livemark atomic.Bool

	data []byte

	head int
	tail int

	l2 int
	l3 int
	l4 int
}

// Data returns the active region of the buffer
func (p *Packet) Data() []byte {
	return p.data[p.head:p.tail]
}

// Length returns the length of the active region
func (p *Packet) Length() int {
	return p.tail - p.head
}

// AvailableHeadroom returns how many bytes may still be prepended
func (p *Packet) AvailableHeadroom() int {
	return p.head
}

// Prepend moves head backward into the headroom and returns the uncovered
// bytes for the caller to fill with a header. It fails if n exceeds the
// available headroom, leaving the buffer untouched
func (p *Packet) Prepend(n int) ([]byte, bool) {
	if n < 0 || n > p.head {
		return nil, false
	}
	p.head -= n
	return p.data[p.head : p.head+n], true
}

// Consume moves head forward past a parsed header and returns the consumed
// bytes. It fails if n exceeds the active length, leaving the buffer
// untouched
func (p *Packet) Consume(n int) ([]byte, bool) {
	if n < 0 || n > p.tail-p.head {
		return nil, false
	}
	b := p.data[p.head : p.head+n]
	p.head += n
	return b, true
}

// TrimBack moves tail backward by n, discarding the end of the active
// region. It fails if n exceeds the active length, leaving the buffer
// untouched
func (p *Packet) TrimBack(n int) bool {
	if n < 0 || n > p.tail-p.head {
		return false
	}
	p.tail -= n
	if p.l4 > p.tail {
		p.l4 = p.tail
	}
	if p.l3 > p.l4 {
		p.l3 = p.l4
	}
	if p.l2 > p.l3 {
		p.l2 = p.l3
	}
	return true
}

// Append extends tail over the given bytes. It fails on overflow, leaving
// the buffer untouched
func (p *Packet) Append(b []byte) bool {
	if len(b) > len(p.data)-p.tail {
		return false
	}
	copy(p.data[p.tail:], b)
	p.tail += len(b)
	return true
}

// MarkLinkHeader records the current head as the start of the link header.
// Marking a boundary drags its neighbors along as needed to restore
// l2 <= l3 <= l4: receive parses outermost first while transmit prepends
// innermost first, and either order may leave a neighbor on the wrong side
// until its own mark lands
func (p *Packet) MarkLinkHeader() {
	p.l2 = p.head
	if p.l3 < p.l2 {
		p.l3 = p.l2
	}
	if p.l4 < p.l3 {
		p.l4 = p.l3
	}
}

// MarkNetworkHeader records the current head as the start of the network
// header
func (p *Packet) MarkNetworkHeader() {
	p.l3 = p.head
	if p.l2 > p.l3 {
		p.l2 = p.l3
	}
	if p.l4 < p.l3 {
		p.l4 = p.l3
	}
}

// MarkTransportHeader records the current head as the start of the
// transport header
func (p *Packet) MarkTransportHeader() {
	p.l4 = p.head
	if p.l3 > p.l4 {
		p.l3 = p.l4
	}
	if p.l2 > p.l3 {
		p.l2 = p.l3
	}
}

// LinkHeader returns the bytes between the link and network boundaries
func (p *Packet) LinkHeader() []byte {
	return p.data[p.l2:p.l3]
}

// NetworkHeader returns the bytes between the network and transport
// boundaries
func (p *Packet) NetworkHeader() []byte {
	return p.data[p.l3:p.l4]
}

// TransportHeader returns the bytes from the transport boundary to tail
func (p *Packet) TransportHeader() []byte {
	return p.data[p.l4:p.tail]
}

// Release returns the slot to its pool's free list in O(1). The packet must
// not be touched afterwards
func (p *Packet) Release() {
	p.pool.release(p)
}
