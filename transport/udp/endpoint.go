package udp

import (
	"sync"
	"time"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/checksum"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/ilist"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/types"
	"github.com/SlopLabs/netstack/waiter"
)

// receiveQueueLimit bounds the number of datagrams queued on an endpoint.
// Arrivals beyond it are dropped, newest first, with a counter
const receiveQueueLimit = 64

type endpointState int

const (
	stateInitial endpointState = iota
	stateBound
	stateConnected
	stateClosed
)

// udpPacket is one queued inbound datagram. The payload is copied out of
// the pool buffer on arrival so queued data never pins pool slots
type udpPacket struct {
	ilist.Entry
	senderAddress types.FullAddress
	data          buffer.View
}

// endpoint represents a UDP endpoint. This struct serves as the interface
// between users of the endpoint and the protocol implementation; it is
// legal to have concurrent goroutines make calls into the endpoint, they
// are properly synchronized
type endpoint struct {
	// The following fields are initialized at creation time and do not
	// change throughout the lifetime of the endpoint
	stack       *stack.Stack
	netProto    types.NetworkProtocolNumber
	waiterQueue *waiter.Queue

	// The following fields manage the receive queue and are protected by
	// rcvMu
	rcvMu     sync.Mutex
	rcvReady  bool
	rcvClosed bool
	rcvList   ilist.List
	rcvCount  int

	// The following fields are protected by mu
	mu         sync.RWMutex
	id         types.TransportEndpointID
	state      endpointState
	bindAddr   types.Address
	bindDevice types.DeviceID
	route      types.Route
	shutdown   types.ShutdownFlags

	sndBufSize int
	rcvBufSize int
	reuseAddr  bool
	keepalive  bool
	kaIdle     time.Duration
	sndTimeout time.Duration
	rcvTimeout time.Duration
}

func newEndpoint(s *stack.Stack, netProto types.NetworkProtocolNumber, waiterQueue *waiter.Queue) *endpoint {
	return &endpoint{
		stack:       s,
		netProto:    netProto,
		waiterQueue: waiterQueue,
		sndBufSize:  types.DefaultBufferSize,
		rcvBufSize:  types.DefaultBufferSize,
	}
}

// Close puts the endpoint in a closed state and frees all resources
// associated with it
func (e *endpoint) Close() {
	e.mu.Lock()

	switch e.state {
	case stateBound, stateConnected:
		netProtos := []types.NetworkProtocolNumber{e.netProto}
		e.stack.UnregisterTransportEndpoint(netProtos, ProtocolNumber, e.id)
		e.stack.PortManager().ReleasePort(netProtos, ProtocolNumber, e.id.LocalAddress, e.id.LocalPort)
	}
	e.state = stateClosed

	e.mu.Unlock()

	e.rcvMu.Lock()
	e.rcvClosed = true
	for !e.rcvList.Empty() {
		p := e.rcvList.Front()
		e.rcvList.Remove(p)
	}
	e.rcvCount = 0
	e.rcvMu.Unlock()

	e.waiterQueue.Notify(waiter.EventHup | waiter.EventIn | waiter.EventOut)
}

// Read reads data from the endpoint and optionally returns the sender.
// It does not block; an empty queue is ErrWouldBlock
func (e *endpoint) Read(addr *types.FullAddress) (buffer.View, *types.Error) {
	e.rcvMu.Lock()

	if e.rcvList.Empty() {
		err := types.ErrWouldBlock
		if e.rcvClosed {
			err = types.ErrClosedForReceive
		}
		e.rcvMu.Unlock()
		return buffer.View{}, err
	}

	p := e.rcvList.Front().(*udpPacket)
	e.rcvList.Remove(p)
	e.rcvCount--

	e.rcvMu.Unlock()

	if addr != nil {
		*addr = p.senderAddress
	}

	return p.data, nil
}

// Write writes data to the endpoint's peer, or to the provided address.
// The whole datagram goes out or nothing does
func (e *endpoint) Write(v buffer.View, to *types.FullAddress) (int, *types.Error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state == stateClosed {
		return 0, types.ErrInvalidEndpointState
	}
	if e.shutdown&types.ShutdownWrite != 0 {
		return 0, types.ErrClosedForSend
	}

	var route *types.Route
	var dstPort uint16

	if to == nil {
		if e.state != stateConnected {
			return 0, types.ErrDestinationRequired
		}
		route = &e.route
		dstPort = e.id.RemotePort
	} else {
		r, err := e.stack.FindRoute(to.Device, e.bindAddr, to.Address, e.netProto)
		if err != nil {
			return 0, err
		}
		route = &r
		dstPort = to.Port
	}

	if e.id.LocalPort == 0 {
		// An unbound sender gets an ephemeral identity on first use,
		// which needs the write lock
		localAddr := route.LocalAddress
		e.mu.RUnlock()
		e.mu.Lock()
		err := types.ErrInvalidEndpointState
		if e.state == stateInitial {
			err = e.registerLocked(e.bindDevice, localAddr, 0)
		}
		e.mu.Unlock()
		e.mu.RLock()
		if err != nil && e.id.LocalPort == 0 {
			return 0, err
		}
	}

	if err := sendUDP(e.stack, route, v, e.id.LocalPort, dstPort); err != nil {
		return 0, err
	}
	e.stack.Stats().UDP.PacketsSent.Increment()
	return len(v), nil
}

// sendUDP builds a datagram in a pool buffer and sends it via the provided
// route and under the provided identity
func sendUDP(s *stack.Stack, r *types.Route, data buffer.View, localPort, remotePort uint16) *types.Error {
	pkt := s.Pool().Allocate()
	if pkt == nil {
		return types.ErrNoBufferSpace
	}

	if !pkt.Append(data) {
		pkt.Release()
		return types.ErrMessageTooLong
	}

	b, ok := pkt.Prepend(header.UDPMinimumSize)
	if !ok {
		pkt.Release()
		return types.ErrNoBufferSpace
	}
	pkt.MarkTransportHeader()

	length := uint16(pkt.Length())
	udp := header.UDP(b)
	udp.Encode(&header.UDPFields{
		SrcPort: localPort,
		DstPort: remotePort,
		Length:  length,
	})

	if r.Capabilities()&types.CapabilityChecksumOffload == 0 {
		xsum := r.PseudoHeaderChecksum(ProtocolNumber)
		xsum = checksum.Checksum(data, xsum)
		udp.SetChecksum(^udp.CalculateChecksum(xsum, length))
	}

	return r.WritePacket(pkt, ProtocolNumber)
}

// Connect fixes the endpoint's peer. Further writes need no address and
// inbound demultiplexing uses the full 4-tuple
func (e *endpoint) Connect(addr types.FullAddress) *types.Error {
	if addr.Port == 0 {
		return types.ErrInvalidArgument
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateClosed {
		return types.ErrInvalidEndpointState
	}

	r, err := e.stack.FindRoute(addr.Device, e.bindAddr, addr.Address, e.netProto)
	if err != nil {
		return err
	}

	netProtos := []types.NetworkProtocolNumber{e.netProto}
	id := types.TransportEndpointID{
		LocalAddress:  r.LocalAddress,
		LocalPort:     e.id.LocalPort,
		RemoteAddress: addr.Address,
		RemotePort:    addr.Port,
	}

	if id.LocalPort == 0 {
		port, err := e.stack.PortManager().ReservePort(netProtos, ProtocolNumber, id.LocalAddress, 0)
		if err != nil {
			return err
		}
		id.LocalPort = port
	}

	if err := e.stack.RegisterTransportEndpoint(netProtos, ProtocolNumber, id, e); err != nil {
		return err
	}

	// Drop the old wildcard registration, if any
	if e.state == stateBound || e.state == stateConnected {
		e.stack.UnregisterTransportEndpoint(netProtos, ProtocolNumber, e.id)
	}

	e.id = id
	e.route = r.Clone()
	e.state = stateConnected

	e.rcvMu.Lock()
	e.rcvReady = true
	e.rcvMu.Unlock()

	return nil
}

// Shutdown closes the read and/or write end of the endpoint connection to
// its peer
func (e *endpoint) Shutdown(flags types.ShutdownFlags) *types.Error {
	e.mu.Lock()
	e.shutdown |= flags
	e.mu.Unlock()

	if flags&types.ShutdownRead != 0 {
		e.rcvMu.Lock()
		e.rcvClosed = true
		e.rcvMu.Unlock()
		e.waiterQueue.Notify(waiter.EventIn)
	}

	return nil
}

// Listen is not supported by udp, it just fails
func (*endpoint) Listen(int) *types.Error {
	return types.ErrNotSupported
}

// Accept is not supported by udp, it just fails
func (*endpoint) Accept() (types.Endpoint, *waiter.Queue, *types.Error) {
	return nil, nil, types.ErrNotSupported
}

// registerLocked reserves a local port and installs the endpoint's wildcard
// identity with the demultiplexer. Callers hold e.mu
func (e *endpoint) registerLocked(device types.DeviceID, addr types.Address, port uint16) *types.Error {
	netProtos := []types.NetworkProtocolNumber{e.netProto}

	p, err := e.stack.PortManager().ReservePort(netProtos, ProtocolNumber, addr, port)
	if err != nil {
		return err
	}

	id := types.TransportEndpointID{
		LocalPort:    p,
		LocalAddress: addr,
	}
	if err := e.stack.RegisterTransportEndpoint(netProtos, ProtocolNumber, id, e); err != nil {
		e.stack.PortManager().ReleasePort(netProtos, ProtocolNumber, addr, p)
		return err
	}

	e.id = id
	e.bindDevice = device
	e.state = stateBound

	return nil
}

// Bind binds the endpoint to a specific local address and port. Specifying
// a device is optional
func (e *endpoint) Bind(addr types.FullAddress) *types.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Binding twice, or after connect, is rejected
	if e.state != stateInitial {
		return types.ErrInvalidEndpointState
	}

	if addr.Address != "" {
		if e.stack.CheckLocalAddress(addr.Device, e.netProto, addr.Address) == 0 {
			return types.ErrBadLocalAddress
		}
	}

	if err := e.registerLocked(addr.Device, addr.Address, addr.Port); err != nil {
		return err
	}
	e.bindAddr = addr.Address

	e.rcvMu.Lock()
	e.rcvReady = true
	e.rcvMu.Unlock()

	return nil
}

// GetLocalAddress returns the address the endpoint is bound to
func (e *endpoint) GetLocalAddress() (types.FullAddress, *types.Error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return types.FullAddress{
		Device:  e.bindDevice,
		Address: e.id.LocalAddress,
		Port:    e.id.LocalPort,
	}, nil
}

// GetRemoteAddress returns the address the endpoint is connected to
func (e *endpoint) GetRemoteAddress() (types.FullAddress, *types.Error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state != stateConnected {
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

	e.mu.RLock()
	if e.state != stateClosed && e.shutdown&types.ShutdownWrite == 0 {
		// A datagram socket is always ready for writing
		result |= waiter.EventOut & mask
	}
	e.mu.RUnlock()

	e.rcvMu.Lock()
	if !e.rcvList.Empty() || e.rcvClosed {
		result |= waiter.EventIn & mask
	}
	e.rcvMu.Unlock()

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
	e.mu.RLock()
	defer e.mu.RUnlock()

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
		// No pending asynchronous errors on datagram endpoints
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

// HandlePacket is called by the stack when new packets arrive to this
// transport endpoint
func (e *endpoint) HandlePacket(r *types.Route, id types.TransportEndpointID, pkt *buffer.Packet) {
	defer pkt.Release()

	v := pkt.Data()
	if len(v) < header.UDPMinimumSize {
		e.stack.Stats().UDP.MalformedPacketsReceived.Increment()
		return
	}
	hdr := header.UDP(v)
	if int(hdr.Length()) > len(v) {
		e.stack.Stats().UDP.MalformedPacketsReceived.Increment()
		return
	}

	if hdr.Checksum() != 0 && r.Capabilities()&types.CapabilityChecksumOffload == 0 {
		xsum := r.PseudoHeaderChecksum(ProtocolNumber)
		xsum = checksum.Checksum(hdr.Payload(), xsum)
		if hdr.CalculateChecksum(xsum, hdr.Length()) != 0xffff {
			e.stack.Stats().UDP.MalformedPacketsReceived.Increment()
			return
		}
	}

	e.rcvMu.Lock()

	if !e.rcvReady || e.rcvClosed {
		e.rcvMu.Unlock()
		e.stack.Stats().UDP.ReceiveBufferDrops.Increment()
		return
	}

	// Drop the newest arrival when the queue is full; queued datagrams
	// keep their arrival order
	if e.rcvCount >= receiveQueueLimit {
		e.rcvMu.Unlock()
		e.stack.Stats().UDP.ReceiveBufferDrops.Increment()
		return
	}

	wasEmpty := e.rcvList.Empty()

	p := &udpPacket{
		senderAddress: types.FullAddress{
			Device:  r.Device(),
			Address: id.RemoteAddress,
			Port:    hdr.SourcePort(),
		},
		data: buffer.NewView(len(hdr.Payload())),
	}
	copy(p.data, hdr.Payload())
	e.rcvList.PushBack(p)
	e.rcvCount++

	e.rcvMu.Unlock()

	e.stack.Stats().UDP.PacketsReceived.Increment()

	// Notify any waiters that there's data to be read now
	if wasEmpty {
		e.waiterQueue.Notify(waiter.EventIn)
	}
}
