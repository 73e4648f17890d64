// Package timer provides the data-driven deadline dispatcher used by every
// subsystem needing aging, retry, or timeout: neighbor resolution, stream
// retransmission, TimeWait reclaim, and socket deadlines.
//
// Timers do not carry callbacks. An entry is a (kind, key) pair; when it
// fires, the wheel dispatches through an exhaustive match on the kind to a
// handler registered at stack construction, and the handler revalidates that
// the resource named by the key is still live. Resources die between
// scheduling and firing all the time; a fired key is untrusted
package timer

import (
	"fmt"
	"sync"
)

// Kind identifies which subsystem a timer entry belongs to. The set is
// closed: adding a kind forces review of the dispatch match below
type Kind int

const (
	// NeighborRetry re-sends a pending resolution request
	NeighborRetry Kind = iota

	// NeighborFresh expires a reachable neighbor entry to stale
	NeighborFresh

	// TCPRetransmit retransmits the oldest unacknowledged segment
	TCPRetransmit

	// TCPTimeWait releases a 4-tuple held in TimeWait
	TCPTimeWait

	// SocketDeadline wakes a blocked socket operation that timed out
	SocketDeadline
)

// String implements fmt.Stringer
func (k Kind) String() string {
	switch k {
	case NeighborRetry:
		return "neighbor-retry"
	case NeighborFresh:
		return "neighbor-fresh"
	case TCPRetransmit:
		return "tcp-retransmit"
	case TCPTimeWait:
		return "tcp-timewait"
	case SocketDeadline:
		return "socket-deadline"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

const (
	// wheelSlots is the number of wheel slots; deadlines hash into a slot
	// by deadline mod wheelSlots
	wheelSlots = 256

	// maxFiresPerTick caps per-tick dispatch work. Excess due entries
	// defer to the next tick
	maxFiresPerTick = 32
)

// Token is a cancellation handle for a scheduled entry. The zero Token is
// not valid
type Token struct {
	slot uint16
	seq  uint64
}

// Valid returns whether t refers to a scheduled entry
func (t Token) Valid() bool {
	return t.seq != 0
}

type entry struct {
	deadline  uint64
	kind      Kind
	key       uint64
	seq       uint64
	cancelled bool
}

// Handlers holds the per-kind dispatch targets. A nil handler drops fired
// entries of that kind
type Handlers struct {
	NeighborRetry  func(key uint64)
	NeighborFresh  func(key uint64)
	TCPRetransmit  func(key uint64)
	TCPTimeWait    func(key uint64)
	SocketDeadline func(key uint64)
}

// Wheel is a 256-slot timer wheel advanced by the platform timer tick.
// Schedule and Cancel may be called from task context while Tick runs from
// the tick interrupt; a single mutex guards the slots and is never held
// across handler dispatch
type Wheel struct {
	mu    sync.Mutex
	now   uint64
	seq   uint64
	slots [wheelSlots][]entry

	// carry is the slot still holding due entries after a capped tick,
	// or -1
	carry int

	handlers Handlers
}

// NewWheel creates a wheel dispatching to the given handlers
func NewWheel(handlers Handlers) *Wheel {
	return &Wheel{
		carry:    -1,
		handlers: handlers,
	}
}

// Schedule inserts an entry firing delay ticks from now and returns its
// cancellation token. A zero delay fires on the next tick
func (w *Wheel) Schedule(delay uint64, kind Kind, key uint64) Token {
	if delay == 0 {
		delay = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	deadline := w.now + delay
	slot := uint16(deadline % wheelSlots)
	w.slots[slot] = append(w.slots[slot], entry{
		deadline: deadline,
		kind:     kind,
		key:      key,
		seq:      w.seq,
	})

	return Token{slot: slot, seq: w.seq}
}

// Cancel marks the entry dead in place. Firing simply skips cancelled
// entries, which avoids concurrent removal from a slot the tick path may be
// scanning. Cancelling an already-fired or unknown token is a no-op
func (w *Wheel) Cancel(t Token) {
	if !t.Valid() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	slot := w.slots[t.slot]
	for i := range slot {
		if slot[i].seq == t.seq {
			slot[i].cancelled = true
			return
		}
	}
}

// Tick advances the wheel one tick and dispatches due entries from the
// current slot, at most maxFiresPerTick of them. It is invoked once per
// platform timer interrupt
func (w *Wheel) Tick() {
	var fires [maxFiresPerTick]entry
	n := 0

	w.mu.Lock()

	// Drain a slot left over from a capped tick before advancing
	if w.carry >= 0 {
		n = w.drainSlotLocked(w.carry, fires[:])
		if w.carry >= 0 {
			// Still capped; don't advance time this tick
			w.mu.Unlock()
			w.dispatch(fires[:n])
			return
		}
	}

	w.now++
	n += w.drainSlotLocked(int(w.now%wheelSlots), fires[n:])
	w.mu.Unlock()

	w.dispatch(fires[:n])
}

// drainSlotLocked moves up to len(out) due entries out of the slot and
// compacts the remainder. It sets w.carry if due entries had to stay behind
func (w *Wheel) drainSlotLocked(slot int, out []entry) int {
	n := 0
	capped := false
	kept := w.slots[slot][:0]

	for _, e := range w.slots[slot] {
		switch {
		case e.cancelled:
			// Dropped
		case e.deadline > w.now:
			// A later lap of the wheel
			kept = append(kept, e)
		case n < len(out):
			out[n] = e
			n++
		default:
			kept = append(kept, e)
			capped = true
		}
	}

	w.slots[slot] = kept
	if capped {
		w.carry = slot
	} else {
		w.carry = -1
	}
	return n
}

// dispatch fires entries through the exhaustive kind match, with the wheel
// unlocked so handlers can schedule and cancel freely
func (w *Wheel) dispatch(fires []entry) {
	for _, e := range fires {
		var h func(uint64)
		switch e.kind {
		case NeighborRetry:
			h = w.handlers.NeighborRetry
		case NeighborFresh:
			h = w.handlers.NeighborFresh
		case TCPRetransmit:
			h = w.handlers.TCPRetransmit
		case TCPTimeWait:
			h = w.handlers.TCPTimeWait
		case SocketDeadline:
			h = w.handlers.SocketDeadline
		default:
			panic(fmt.Sprintf("timer: dispatch of unknown kind %d", int(e.kind)))
		}
		if h != nil {
			h(e.key)
		}
	}
}

// Now returns the current tick count
func (w *Wheel) Now() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}
