package tcp

import (
	"math/rand"
	"sync"
	"time"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/seqnum"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/timer"
	"github.com/SlopLabs/netstack/types"
	"github.com/SlopLabs/netstack/waiter"
)

const (
	// initialRTOTicks is the retransmission timeout armed on first
	// transmission. Doubles on every expiry
	initialRTOTicks = 10

	// maxRetransmits is the number of consecutive retransmission timer
	// expiries tolerated before the connection is torn down
	maxRetransmits = 5

	// timeWaitTicks holds a closed connection's 4-tuple for twice the
	// maximum segment lifetime
	timeWaitTicks = 600

	// maxAdvertisedWindow caps the window field; no window scaling
	maxAdvertisedWindow = 65535
)

type endpointState int

const (
	stateInitial endpointState = iota
	stateBound
	stateListen
	stateSynSent
	stateSynReceived
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateCloseWait
	stateClosing
	stateLastAck
	stateTimeWait
	stateClosed
)

func (s endpointState) connected() bool {
	switch s {
	case stateEstablished, stateFinWait1, stateFinWait2, stateCloseWait,
		stateClosing, stateLastAck:
		return true
	}
	return false
}

// sender holds the outbound half of a connection: the ring of stream data
// not yet acknowledged, the classic send sequence variables and the
// retransmission timer state
type sender struct {
	ring *ring

	una seqnum.Value
	nxt seqnum.Value
	wnd seqnum.Size
	mss int

	// closed is set once the application shuts the write direction; fin*
	// track the FIN segment through the pipe
	closed  bool
	finSent bool
	finSeq  seqnum.Value

	rto      uint64
	retries  int
	rtxToken timer.Token
}

// pending returns the number of ring bytes already transmitted but not yet
// acknowledged
func (s *sender) pending() int {
	return int(s.una.Size(s.nxt))
}

// receiver holds the inbound half: in-order stream data awaiting Read and
// the next expected sequence number
type receiver struct {
	ring *ring

	nxt seqnum.Value

	// finReceived is set once the peer's FIN has been consumed; the
	// stream is complete when it is set and the ring drains
	finReceived bool
}

func (r *receiver) window() seqnum.Size {
	w := r.ring.free()
	if w > maxAdvertisedWindow {
		w = maxAdvertisedWindow
	}
	return seqnum.Size(w)
}

// endpoint represents a TCP endpoint. All protocol state is guarded by mu;
// segment input, timer expiry and user calls all serialize on it. Waiter
// notification happens after the lock is dropped
type endpoint struct {
	stack       *stack.Stack
	proto       *protocol
	netProto    types.NetworkProtocolNumber
	waiterQueue *waiter.Queue

	// key identifies this connection's wheel entries
	key uint64

	mu         sync.Mutex
	state      endpointState
	id         types.TransportEndpointID
	bindDevice types.DeviceID
	route      types.Route
	hardError  *types.Error

	snd *sender
	rcv *receiver

	// isRegistered and portReserved track what cleanup owes the demuxer
	// and the port manager. Accepted endpoints share their listener's
	// reservation and never set portReserved
	isRegistered bool
	portReserved bool
	reservedAddr types.Address

	shutdown types.ShutdownFlags

	// listen state, nil unless state == stateListen
	listenCtx *listenContext

	timeWaitToken timer.Token

	sndBufSize int
	rcvBufSize int
	reuseAddr  bool
	keepalive  bool
	kaIdle     time.Duration
	sndTimeout time.Duration
	rcvTimeout time.Duration
}

func newEndpoint(s *stack.Stack, p *protocol, netProto types.NetworkProtocolNumber, waiterQueue *waiter.Queue) *endpoint {
	return &endpoint{
		stack:       s,
		proto:       p,
		netProto:    netProto,
		waiterQueue: waiterQueue,
		key:         newTimerKey(),
		sndBufSize:  types.DefaultBufferSize,
		rcvBufSize:  types.DefaultBufferSize,
	}
}

// startConnection initializes the sequence state of a connection that has
// completed (or is starting) its handshake. Called with mu held
func (e *endpoint) startConnection(iss, irs seqnum.Value, peerWnd seqnum.Size, peerMSS uint16) {
	mss := int(e.route.MTU()) - 20
	if peerMSS != 0 && int(peerMSS) < mss {
		mss = int(peerMSS)
	}

	e.snd = &sender{
		ring: newRing(e.sndBufSize),
		una:  iss,
		nxt:  iss,
		wnd:  peerWnd,
		mss:  mss,
		rto:  initialRTOTicks,
	}
	e.rcv = &receiver{
		ring: newRing(e.rcvBufSize),
		nxt:  irs,
	}
	e.proto.registerOwner(e.key, e)
}

// Bind binds the endpoint to a specific local address and port. Specifying
// a device is optional
func (e *endpoint) Bind(addr types.FullAddress) *types.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateInitial {
		return types.ErrInvalidEndpointState
	}

	if addr.Address != "" {
		if e.stack.CheckLocalAddress(addr.Device, e.netProto, addr.Address) == 0 {
			return types.ErrBadLocalAddress
		}
	}

	netProtos := []types.NetworkProtocolNumber{e.netProto}
	port, err := e.stack.PortManager().ReservePort(netProtos, ProtocolNumber, addr.Address, addr.Port)
	if err != nil {
		return err
	}

	e.id.LocalAddress = addr.Address
	e.id.LocalPort = port
	e.bindDevice = addr.Device
	e.portReserved = true
	e.reservedAddr = addr.Address
	e.state = stateBound

	return nil
}

// Read reads data from the endpoint. A read on a stream that delivered its
// FIN and drained returns ErrClosedForReceive, the end-of-stream marker
func (e *endpoint) Read(*types.FullAddress) (buffer.View, *types.Error) {
	e.mu.Lock()

	if e.state == stateListen {
		e.mu.Unlock()
		return buffer.View{}, types.ErrInvalidEndpointState
	}
	if e.rcv == nil {
		err := types.ErrNotConnected
		if e.hardError != nil {
			err = e.hardError
		}
		e.mu.Unlock()
		return buffer.View{}, err
	}

	if e.rcv.ring.length() == 0 {
		err := types.ErrWouldBlock
		switch {
		case e.shutdown&types.ShutdownRead != 0, e.rcv.finReceived:
			err = types.ErrClosedForReceive
		case e.hardError != nil:
			err = e.hardError
		}
		e.mu.Unlock()
		return buffer.View{}, err
	}

	wasZeroWindow := e.rcv.window() == 0

	v := buffer.NewView(e.rcv.ring.length())
	e.rcv.ring.read(v)

	// Reopening a closed window deserves an immediate update, the peer
	// has no other way to learn about it
	if wasZeroWindow && e.state.connected() {
		e.sendACK()
	}

	e.mu.Unlock()
	return v, nil
}

// Write writes data to the endpoint's peer. Partial writes are legal: the
// return value says how much of v was queued
func (e *endpoint) Write(v buffer.View, to *types.FullAddress) (int, *types.Error) {
	if to != nil {
		return 0, types.ErrAlreadyConnected
	}

	e.mu.Lock()

	if e.shutdown&types.ShutdownWrite != 0 {
		e.mu.Unlock()
		return 0, types.ErrClosedForSend
	}
	switch {
	case e.state == stateEstablished || e.state == stateCloseWait:
	case e.hardError != nil:
		err := e.hardError
		e.mu.Unlock()
		return 0, err
	default:
		e.mu.Unlock()
		return 0, types.ErrInvalidEndpointState
	}

	n := e.snd.ring.write(v)
	if n == 0 {
		e.mu.Unlock()
		return 0, types.ErrWouldBlock
	}
	e.sendData()

	e.mu.Unlock()
	return n, nil
}

// Shutdown closes the read and/or write end of the connection. Closing the
// write side finishes queued data and follows with a FIN; closing the read
// side discards inbound data while acknowledging it
func (e *endpoint) Shutdown(flags types.ShutdownFlags) *types.Error {
	var wake waiter.EventMask

	e.mu.Lock()
	e.shutdown |= flags

	if !e.state.connected() {
		e.mu.Unlock()
		return types.ErrNotConnected
	}

	if flags&types.ShutdownRead != 0 {
		e.rcv.ring.consume(e.rcv.ring.length())
		wake |= waiter.EventIn
	}
	if flags&types.ShutdownWrite != 0 && !e.snd.closed {
		e.snd.closed = true
		e.sendData()
	}
	e.mu.Unlock()

	if wake != 0 {
		e.waiterQueue.Notify(wake)
	}
	return nil
}

// Close puts the endpoint in a closed state and frees all resources
// associated with it. An established connection finishes politely: queued
// data and a FIN still go out, the state machine runs to its terminal state
func (e *endpoint) Close() {
	e.mu.Lock()

	switch {
	case e.state == stateListen:
		e.closeListenerLocked()
		e.cleanupLocked()
		e.state = stateClosed
	case e.state.connected():
		e.shutdown |= types.ShutdownRead | types.ShutdownWrite
		e.rcv.ring.consume(e.rcv.ring.length())
		if !e.snd.closed {
			e.snd.closed = true
			e.sendData()
		}
	case e.state == stateSynSent:
		e.cancelRetransmitLocked()
		e.cleanupLocked()
		e.state = stateClosed
	case e.state == stateBound, e.state == stateInitial:
		e.cleanupLocked()
		e.state = stateClosed
	}

	e.mu.Unlock()
	e.waiterQueue.Notify(waiter.EventIn | waiter.EventOut | waiter.EventHup)
}

// cleanupLocked returns everything the endpoint holds from the stack: the
// demuxer registration, the port reservation and the timer owner slot
func (e *endpoint) cleanupLocked() {
	netProtos := []types.NetworkProtocolNumber{e.netProto}
	if e.isRegistered {
		e.stack.UnregisterTransportEndpoint(netProtos, ProtocolNumber, e.id)
		e.isRegistered = false
	}
	if e.portReserved {
		e.stack.PortManager().ReleasePort(netProtos, ProtocolNumber, e.reservedAddr, e.id.LocalPort)
		e.portReserved = false
	}
	e.proto.unregisterOwner(e.key)
}

func (e *endpoint) cancelRetransmitLocked() {
	if e.snd != nil && e.snd.rtxToken.Valid() {
		e.stack.CancelTimer(e.snd.rtxToken)
		e.snd.rtxToken = timer.Token{}
	}
}

// abortLocked tears the connection down in one step, recording the reason
// for subsequent user calls. Returns the events to signal after unlock
func (e *endpoint) abortLocked(reason *types.Error) waiter.EventMask {
	e.hardError = reason
	e.cancelRetransmitLocked()
	if e.timeWaitToken.Valid() {
		e.stack.CancelTimer(e.timeWaitToken)
		e.timeWaitToken = timer.Token{}
	}
	e.cleanupLocked()
	e.state = stateClosed
	return waiter.EventIn | waiter.EventOut | waiter.EventHup | waiter.EventErr
}

// GetLocalAddress returns the address the endpoint is bound to
func (e *endpoint) GetLocalAddress() (types.FullAddress, *types.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return types.FullAddress{
		Device:  e.bindDevice,
		Address: e.id.LocalAddress,
		Port:    e.id.LocalPort,
	}, nil
}

// GetRemoteAddress returns the address the endpoint is connected to
func (e *endpoint) GetRemoteAddress() (types.FullAddress, *types.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.connected() {
		return types.FullAddress{}, types.ErrNotConnected
	}
	return types.FullAddress{
		Address: e.id.RemoteAddress,
		Port:    e.id.RemotePort,
	}, nil
}

// Readiness returns the current readiness of the endpoint
func (e *endpoint) Readiness(mask waiter.EventMask) waiter.EventMask {
	var result waiter.EventMask

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.state == stateListen:
		if e.listenCtx != nil && len(e.listenCtx.accepted) > 0 {
			result |= waiter.EventIn & mask
		}
	case e.hardError != nil || e.state == stateClosed:
		result |= (waiter.EventIn | waiter.EventOut | waiter.EventHup) & mask
	case e.state.connected():
		if e.rcv.ring.length() > 0 || e.rcv.finReceived || e.shutdown&types.ShutdownRead != 0 {
			result |= waiter.EventIn & mask
		}
		writable := e.state == stateEstablished || e.state == stateCloseWait
		if writable && e.shutdown&types.ShutdownWrite == 0 && e.snd.ring.free() > 0 {
			result |= waiter.EventOut & mask
		}
	}

	return result
}

// SetSockOpt sets an option on the endpoint. Options outside the closed set
// are a hard error, never silently ignored
func (e *endpoint) SetSockOpt(opt interface{}) *types.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch v := opt.(type) {
	case types.SendBufferSizeOption:
		if v <= 0 {
			return types.ErrInvalidOptionValue
		}
		e.sndBufSize = clampBufferSize(int(v))
	case types.ReceiveBufferSizeOption:
		if v <= 0 {
			return types.ErrInvalidOptionValue
		}
		e.rcvBufSize = clampBufferSize(int(v))
	case types.ReuseAddressOption:
		e.reuseAddr = v != 0
	case types.KeepaliveEnabledOption:
		e.keepalive = v != 0
	case types.KeepaliveIdleOption:
		e.kaIdle = time.Duration(v)
	case types.SendTimeoutOption:
		e.sndTimeout = time.Duration(v)
	case types.ReceiveTimeoutOption:
		e.rcvTimeout = time.Duration(v)
	default:
		return types.ErrUnknownOption
	}
	return nil
}

// GetSockOpt reads an option from the endpoint
func (e *endpoint) GetSockOpt(opt interface{}) *types.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch v := opt.(type) {
	case *types.SendBufferSizeOption:
		*v = types.SendBufferSizeOption(e.sndBufSize)
	case *types.ReceiveBufferSizeOption:
		*v = types.ReceiveBufferSizeOption(e.rcvBufSize)
	case *types.ReuseAddressOption:
		*v = 0
		if e.reuseAddr {
			*v = 1
		}
	case *types.KeepaliveEnabledOption:
		*v = 0
		if e.keepalive {
			*v = 1
		}
	case *types.KeepaliveIdleOption:
		*v = types.KeepaliveIdleOption(e.kaIdle)
	case *types.SendTimeoutOption:
		*v = types.SendTimeoutOption(e.sndTimeout)
	case *types.ReceiveTimeoutOption:
		*v = types.ReceiveTimeoutOption(e.rcvTimeout)
	case *types.ErrorOption:
		// Reading the pending error consumes it
		err := e.hardError
		e.hardError = nil
		return err
	default:
		return types.ErrUnknownOption
	}
	return nil
}

func clampBufferSize(v int) int {
	if v < types.MinBufferSize {
		return types.MinBufferSize
	}
	if v > types.MaxBufferSize {
		return types.MaxBufferSize
	}
	return v
}

func randSeq() seqnum.Value {
	return seqnum.Value(rand.Uint32())
}
