// Package socket provides the handle-addressed socket layer on top of the
// transport endpoints. Endpoints never block; this layer adds blocking
// semantics by suspending on the endpoint's waiter queue, with timeouts
// armed on the stack's timer wheel
package socket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/timer"
	"github.com/SlopLabs/netstack/types"
	"github.com/SlopLabs/netstack/waiter"
)

const (
	// initialSlots is the socket table's starting size; it doubles on
	// demand up to maxSlots, then allocation is a reportable failure
	initialSlots = 64
	maxSlots     = 4096
)

// Kind selects the transport of a socket. The set is closed: every dispatch
// site switches exhaustively and panics on an unknown kind, so adding a
// transport forces review of each one
type Kind int

const (
	// Datagram is a UDP socket
	Datagram Kind = iota

	// Stream is a TCP socket
	Stream
)

func (k Kind) String() string {
	switch k {
	case Datagram:
		return "datagram"
	case Stream:
		return "stream"
	}
	return "unknown"
}

// Handle addresses a socket in the table. The generation counter catches
// stale handles: a slot reused after close gets a new generation and old
// handles stop resolving
type Handle struct {
	Index      int32
	Generation int32
}

// Socket is one open socket. The endpoint does the protocol work; the
// socket records the kind tag and the wait queue used for blocking
type Socket struct {
	kind Kind
	ep   types.Endpoint
	wq   *waiter.Queue
}

type slot struct {
	generation int32
	sock       *Socket
	nextFree   int32
}

// Table is the socket table. Slot allocation and free are O(1) through an
// explicit free list threaded through the slots; the table lock is never
// held across a blocking wait
type Table struct {
	stack *stack.Stack

	mu       sync.Mutex
	slots    []slot
	freeHead int32

	deadlineMu sync.Mutex
	deadlines  map[uint64]chan struct{}
}

var nextDeadlineKey uint64

// NewTable creates a socket table bound to a stack and wires the deadline
// timer dispatch
func NewTable(s *stack.Stack) *Table {
	t := &Table{
		stack:     s,
		slots:     make([]slot, initialSlots),
		deadlines: make(map[uint64]chan struct{}),
	}
	t.threadFreeList(0)
	s.RegisterTimerHandler(timer.SocketDeadline, t.deadlineExpired)
	return t
}

// threadFreeList links slots from the given index onward into the free list
func (t *Table) threadFreeList(from int32) {
	for i := int32(len(t.slots)) - 1; i >= from; i-- {
		t.slots[i].nextFree = t.freeHead
		t.freeHead = i + 1 // 0 means empty; stored values are index+1
	}
}

func (t *Table) allocSlotLocked() (int32, *types.Error) {
	if t.freeHead == 0 {
		if len(t.slots) >= maxSlots {
			return 0, types.ErrNoSocketSlot
		}
		n := len(t.slots) * 2
		if n > maxSlots {
			n = maxSlots
		}
		grown := make([]slot, n)
		copy(grown, t.slots)
		from := int32(len(t.slots))
		t.slots = grown
		t.threadFreeList(from)
	}
	idx := t.freeHead - 1
	t.freeHead = t.slots[idx].nextFree
	return idx, nil
}

func (t *Table) freeSlotLocked(idx int32) {
	t.slots[idx].sock = nil
	t.slots[idx].generation++
	t.slots[idx].nextFree = t.freeHead
	t.freeHead = idx + 1
}

// get resolves a handle, rejecting stale or out-of-range ones
func (t *Table) get(h Handle) (*Socket, *types.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h.Index < 0 || int(h.Index) >= len(t.slots) {
		return nil, types.ErrBadHandle
	}
	s := &t.slots[h.Index]
	if s.sock == nil || s.generation != h.Generation {
		return nil, types.ErrBadHandle
	}
	return s.sock, nil
}

// Open creates a socket of the given kind and returns its handle
func (t *Table) Open(kind Kind) (Handle, *types.Error) {
	var transProto types.TransportProtocolNumber
	switch kind {
	case Datagram:
		transProto = header.UDPProtocolNumber
	case Stream:
		transProto = header.TCPProtocolNumber
	default:
		return Handle{}, types.ErrUnknownProtocol
	}

	wq := &waiter.Queue{}
	ep, err := t.stack.NewEndpoint(transProto, header.IPv4ProtocolNumber, wq)
	if err != nil {
		return Handle{}, err
	}

	return t.install(&Socket{kind: kind, ep: ep, wq: wq})
}

func (t *Table) install(sock *Socket) (Handle, *types.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, err := t.allocSlotLocked()
	if err != nil {
		sock.ep.Close()
		return Handle{}, err
	}
	t.slots[idx].sock = sock
	return Handle{Index: idx, Generation: t.slots[idx].generation}, nil
}

// Close destroys the socket after protocol teardown. The handle is dead
// afterwards; blocked waiters wake and revalidate
func (t *Table) Close(h Handle) *types.Error {
	t.mu.Lock()
	if h.Index < 0 || int(h.Index) >= len(t.slots) {
		t.mu.Unlock()
		return types.ErrBadHandle
	}
	s := &t.slots[h.Index]
	if s.sock == nil || s.generation != h.Generation {
		t.mu.Unlock()
		return types.ErrBadHandle
	}
	sock := s.sock
	t.freeSlotLocked(h.Index)
	t.mu.Unlock()

	// Endpoint close wakes anything suspended on the queue
	sock.ep.Close()
	return nil
}

// Bind binds the socket to a local address
func (t *Table) Bind(h Handle, addr types.FullAddress) *types.Error {
	sock, err := t.get(h)
	if err != nil {
		return err
	}
	return sock.ep.Bind(addr)
}

// Listen puts a stream socket in listen mode
func (t *Table) Listen(h Handle, backlog int) *types.Error {
	sock, err := t.get(h)
	if err != nil {
		return err
	}
	switch sock.kind {
	case Stream:
		return sock.ep.Listen(backlog)
	case Datagram:
		return types.ErrNotSupported
	}
	panic("unknown socket kind")
}

// Connect connects the socket to a remote address. For stream sockets it
// blocks until the handshake settles or the send timeout expires
func (t *Table) Connect(h Handle, addr types.FullAddress) *types.Error {
	sock, err := t.get(h)
	if err != nil {
		return err
	}

	switch sock.kind {
	case Datagram:
		return sock.ep.Connect(addr)
	case Stream:
	default:
		panic("unknown socket kind")
	}

	err = sock.ep.Connect(addr)
	if err != types.ErrInProgress {
		return err
	}

	timeout := sock.timeout(types.SendTimeoutOption(0))
	err = t.block(sock, waiter.EventOut|waiter.EventErr|waiter.EventHup, timeout, func() *types.Error {
		if sock.ep.Readiness(waiter.EventOut|waiter.EventErr|waiter.EventHup) == 0 {
			return types.ErrWouldBlock
		}
		return nil
	})
	if err != nil {
		return err
	}

	var opt types.ErrorOption
	return sock.ep.GetSockOpt(&opt)
}

// Accept takes the next established connection off a listening socket,
// blocking until one arrives or the receive timeout expires. The new
// connection gets its own handle
func (t *Table) Accept(h Handle) (Handle, *types.Error) {
	sock, err := t.get(h)
	if err != nil {
		return Handle{}, err
	}
	if sock.kind != Stream {
		return Handle{}, types.ErrNotSupported
	}

	var ep types.Endpoint
	var wq *waiter.Queue
	timeout := sock.timeout(types.ReceiveTimeoutOption(0))
	err = t.block(sock, waiter.EventIn, timeout, func() *types.Error {
		var e *types.Error
		ep, wq, e = sock.ep.Accept()
		return e
	})
	if err != nil {
		return Handle{}, err
	}

	return t.install(&Socket{kind: Stream, ep: ep, wq: wq})
}

// Send writes data on a connected socket, blocking while the send buffer
// is full
func (t *Table) Send(h Handle, v buffer.View) (int, *types.Error) {
	return t.sendTo(h, v, nil)
}

// SendTo writes a datagram to the given address
func (t *Table) SendTo(h Handle, v buffer.View, to types.FullAddress) (int, *types.Error) {
	return t.sendTo(h, v, &to)
}

func (t *Table) sendTo(h Handle, v buffer.View, to *types.FullAddress) (int, *types.Error) {
	sock, err := t.get(h)
	if err != nil {
		return 0, err
	}

	total := 0
	timeout := sock.timeout(types.SendTimeoutOption(0))
	err = t.block(sock, waiter.EventOut|waiter.EventHup|waiter.EventErr, timeout, func() *types.Error {
		n, e := sock.ep.Write(v[total:], to)
		total += n
		if e != nil {
			return e
		}
		// Stream sockets may take partial writes; push until done
		if total < len(v) {
			switch sock.kind {
			case Stream:
				return types.ErrWouldBlock
			case Datagram:
			default:
				panic("unknown socket kind")
			}
		}
		return nil
	})
	if err != nil && total == 0 {
		return 0, err
	}
	return total, nil
}

// Receive reads data, blocking while nothing is queued
func (t *Table) Receive(h Handle) (buffer.View, *types.Error) {
	v, _, err := t.receiveFrom(h, false)
	return v, err
}

// ReceiveFrom reads data and reports the sender
func (t *Table) ReceiveFrom(h Handle) (buffer.View, types.FullAddress, *types.Error) {
	return t.receiveFrom(h, true)
}

func (t *Table) receiveFrom(h Handle, wantAddr bool) (buffer.View, types.FullAddress, *types.Error) {
	sock, err := t.get(h)
	if err != nil {
		return nil, types.FullAddress{}, err
	}

	var v buffer.View
	var addr types.FullAddress
	var addrp *types.FullAddress
	if wantAddr {
		addrp = &addr
	}

	timeout := sock.timeout(types.ReceiveTimeoutOption(0))
	err = t.block(sock, waiter.EventIn|waiter.EventHup|waiter.EventErr, timeout, func() *types.Error {
		var e *types.Error
		v, e = sock.ep.Read(addrp)
		return e
	})
	return v, addr, err
}

// Shutdown closes one or both directions of the socket
func (t *Table) Shutdown(h Handle, flags types.ShutdownFlags) *types.Error {
	sock, err := t.get(h)
	if err != nil {
		return err
	}
	return sock.ep.Shutdown(flags)
}

// SetSockOpt sets an option on the socket
func (t *Table) SetSockOpt(h Handle, opt interface{}) *types.Error {
	sock, err := t.get(h)
	if err != nil {
		return err
	}
	return sock.ep.SetSockOpt(opt)
}

// GetSockOpt reads an option from the socket
func (t *Table) GetSockOpt(h Handle, opt interface{}) *types.Error {
	sock, err := t.get(h)
	if err != nil {
		return err
	}
	return sock.ep.GetSockOpt(opt)
}

// GetLocalAddress returns the socket's bound address
func (t *Table) GetLocalAddress(h Handle) (types.FullAddress, *types.Error) {
	sock, err := t.get(h)
	if err != nil {
		return types.FullAddress{}, err
	}
	return sock.ep.GetLocalAddress()
}

// GetRemoteAddress returns the socket's peer address
func (t *Table) GetRemoteAddress(h Handle) (types.FullAddress, *types.Error) {
	sock, err := t.get(h)
	if err != nil {
		return types.FullAddress{}, err
	}
	return sock.ep.GetRemoteAddress()
}

// timeout reads one of the socket's timeout options; zero means block
// indefinitely
func (s *Socket) timeout(opt interface{}) time.Duration {
	switch o := opt.(type) {
	case types.SendTimeoutOption:
		if s.ep.GetSockOpt(&o) == nil {
			return time.Duration(o)
		}
	case types.ReceiveTimeoutOption:
		if s.ep.GetSockOpt(&o) == nil {
			return time.Duration(o)
		}
	}
	return 0
}

// block runs f until it stops returning ErrWouldBlock, suspending on the
// socket's waiter queue between attempts. A positive timeout arms a wheel
// deadline that wakes the wait with ErrTimeout. After every wake f
// revalidates state itself; close may have raced the wake
func (t *Table) block(sock *Socket, mask waiter.EventMask, timeout time.Duration, f func() *types.Error) *types.Error {
	if err := f(); err != types.ErrWouldBlock {
		return err
	}

	we, ch := waiter.NewChannelEntry(nil)
	sock.wq.EventRegister(&we, mask)
	defer sock.wq.EventUnregister(&we)

	var dch chan struct{}
	if timeout > 0 {
		key := atomic.AddUint64(&nextDeadlineKey, 1)
		dch = make(chan struct{})
		t.deadlineMu.Lock()
		t.deadlines[key] = dch
		t.deadlineMu.Unlock()
		token := t.stack.ScheduleTimer(stack.Ticks(timeout), timer.SocketDeadline, key)
		defer func() {
			t.stack.CancelTimer(token)
			t.deadlineMu.Lock()
			delete(t.deadlines, key)
			t.deadlineMu.Unlock()
		}()
	}

	for {
		if err := f(); err != types.ErrWouldBlock {
			return err
		}
		select {
		case <-ch:
		case <-dch:
			return types.ErrTimeout
		}
	}
}

// deadlineExpired is the SocketDeadline wheel handler
func (t *Table) deadlineExpired(key uint64) {
	t.deadlineMu.Lock()
	ch := t.deadlines[key]
	delete(t.deadlines, key)
	t.deadlineMu.Unlock()
	if ch != nil {
		close(ch)
	}
}
