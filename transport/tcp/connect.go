package tcp

import (
	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/checksum"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/seqnum"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/timer"
	"github.com/SlopLabs/netstack/types"
	"github.com/SlopLabs/netstack/waiter"
)

// segment is the parsed form of one inbound TCP segment. payload aliases
// the packet buffer and must not be retained past HandlePacket
type segment struct {
	seq     seqnum.Value
	ack     seqnum.Value
	flags   uint8
	wnd     seqnum.Size
	payload []byte
	options []byte
}

func (s *segment) flagIsSet(flag uint8) bool {
	return s.flags&flag != 0
}

// sequenceLength is the amount of sequence space the segment occupies
func (s *segment) sequenceLength() seqnum.Size {
	l := seqnum.Size(len(s.payload))
	if s.flagIsSet(header.TCPFlagSyn) {
		l++
	}
	if s.flagIsSet(header.TCPFlagFin) {
		l++
	}
	return l
}

// Connect actively opens a connection to the given address. It returns
// ErrInProgress; completion is signaled through the waiter queue with
// EventOut, or EventErr if the handshake fails
func (e *endpoint) Connect(addr types.FullAddress) *types.Error {
	if addr.Port == 0 {
		return types.ErrInvalidArgument
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateInitial, stateBound:
	case stateSynSent:
		return types.ErrInProgress
	case stateEstablished, stateCloseWait:
		return types.ErrAlreadyConnected
	default:
		return types.ErrInvalidEndpointState
	}

	r, err := e.stack.FindRoute(addr.Device, e.id.LocalAddress, addr.Address, e.netProto)
	if err != nil {
		e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
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
			e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
			return err
		}
		id.LocalPort = port
		e.portReserved = true
		e.reservedAddr = id.LocalAddress
	}

	if err := e.stack.RegisterTransportEndpoint(netProtos, ProtocolNumber, id, e); err != nil {
		e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
		if e.portReserved {
			e.stack.PortManager().ReleasePort(netProtos, ProtocolNumber, e.reservedAddr, id.LocalPort)
			e.portReserved = false
		}
		return err
	}

	e.id = id
	e.route = r.Clone()
	e.isRegistered = true
	e.state = stateSynSent

	iss := randSeq()
	e.startConnection(iss, 0, 0, 0)
	e.snd.nxt = iss + 1

	e.sendFlags(header.TCPFlagSyn, iss, 0, true)
	e.armRetransmitLocked()

	return types.ErrInProgress
}

// HandlePacket is called by the stack when new segments arrive for this
// endpoint. The whole state machine runs under the endpoint lock; waiters
// are woken after it is dropped
func (e *endpoint) HandlePacket(r *types.Route, id types.TransportEndpointID, pkt *buffer.Packet) {
	defer pkt.Release()

	stats := e.stack.Stats()

	v := pkt.Data()
	if len(v) < header.TCPMinimumSize {
		stats.TCP.InvalidSegmentsReceived.Increment()
		return
	}
	hdr := header.TCP(v)
	offset := int(hdr.DataOffset())
	if offset < header.TCPMinimumSize || offset > len(v) {
		stats.TCP.InvalidSegmentsReceived.Increment()
		return
	}

	if r.Capabilities()&types.CapabilityChecksumOffload == 0 {
		xsum := r.PseudoHeaderChecksum(ProtocolNumber)
		xsum = checksum.Checksum(v[offset:], xsum)
		if hdr.CalculateChecksum(xsum, uint16(len(v))) != 0xffff {
			stats.TCP.InvalidSegmentsReceived.Increment()
			return
		}
	}
	stats.TCP.ValidSegmentsReceived.Increment()

	s := &segment{
		seq:     seqnum.Value(hdr.SequenceNumber()),
		ack:     seqnum.Value(hdr.AckNumber()),
		flags:   hdr.Flags(),
		wnd:     seqnum.Size(hdr.WindowSize()),
		payload: v[offset:],
		options: hdr.Options(),
	}

	var wake waiter.EventMask
	var listenerWake bool

	e.mu.Lock()
	if e.state == stateListen {
		listenerWake = e.handleListenSegment(r, id, s)
	} else {
		wake = e.handleSegmentLocked(s)
	}
	e.mu.Unlock()

	if wake != 0 {
		e.waiterQueue.Notify(wake)
	}
	if listenerWake {
		e.waiterQueue.Notify(waiter.EventIn)
	}
}

// handleSegmentLocked runs one segment through the connection state machine
// and returns the waiter events it produced
func (e *endpoint) handleSegmentLocked(s *segment) waiter.EventMask {
	if e.state == stateSynSent {
		return e.handleSynSentSegmentLocked(s)
	}
	if !e.state.connected() && e.state != stateTimeWait {
		return 0
	}

	if s.flagIsSet(header.TCPFlagRst) {
		if !s.seq.InWindow(e.rcv.nxt, e.rcv.window()+1) {
			return 0
		}
		e.stack.Stats().TCP.ResetsReceived.Increment()
		return e.abortLocked(types.ErrConnectionReset)
	}

	if e.state == stateTimeWait {
		// A retransmitted FIN restarts the quiet period
		if s.flagIsSet(header.TCPFlagFin) {
			e.sendACK()
			if e.timeWaitToken.Valid() {
				e.stack.CancelTimer(e.timeWaitToken)
			}
			e.timeWaitToken = e.stack.ScheduleTimer(timeWaitTicks, timer.TCPTimeWait, e.key)
		}
		return 0
	}

	var wake waiter.EventMask

	if s.flagIsSet(header.TCPFlagAck) {
		wake |= e.handleACKLocked(s)
		if e.state == stateClosed {
			return wake
		}
	}

	wake |= e.handleDataLocked(s)
	return wake
}

// handleSynSentSegmentLocked completes or fails an active open
func (e *endpoint) handleSynSentSegmentLocked(s *segment) waiter.EventMask {
	if s.flagIsSet(header.TCPFlagRst) {
		if s.flagIsSet(header.TCPFlagAck) && s.ack == e.snd.nxt {
			e.stack.Stats().TCP.ResetsReceived.Increment()
			e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
			return e.abortLocked(types.ErrConnectionRefused)
		}
		return 0
	}

	if !s.flagIsSet(header.TCPFlagSyn) || !s.flagIsSet(header.TCPFlagAck) {
		return 0
	}
	if s.ack != e.snd.nxt {
		// Acknowledging something never sent
		e.sendReset(s.ack)
		return 0
	}

	opts := header.ParseSynOptions(s.options)
	if int(opts.MSS) < e.snd.mss {
		e.snd.mss = int(opts.MSS)
	}

	e.snd.una = s.ack
	e.snd.wnd = s.wnd
	e.rcv.nxt = s.seq + 1
	e.cancelRetransmitLocked()
	e.snd.retries = 0
	e.snd.rto = initialRTOTicks

	e.state = stateEstablished
	e.stack.Stats().TCP.ActiveConnectionOpenings.Increment()
	e.sendACK()

	return waiter.EventOut
}

// handleACKLocked processes the acknowledgment and window fields, releasing
// ring space and retransmission state on progress
func (e *endpoint) handleACKLocked(s *segment) waiter.EventMask {
	var wake waiter.EventMask

	snd := e.snd
	snd.wnd = s.wnd

	if !snd.una.LessThan(s.ack) {
		return 0
	}
	if e.snd.nxt.LessThan(s.ack) {
		// Acknowledging data never sent
		return 0
	}

	acked := int(snd.una.Size(s.ack))
	snd.una = s.ack

	// The FIN occupies one sequence number past the stream data
	finAcked := snd.finSent && snd.finSeq.LessThan(s.ack)
	if finAcked {
		acked--
	}
	snd.ring.consume(acked)
	if acked > 0 {
		wake |= waiter.EventOut
	}

	snd.retries = 0
	snd.rto = initialRTOTicks
	e.cancelRetransmitLocked()
	if snd.pending() > 0 || (snd.finSent && !finAcked) {
		e.armRetransmitLocked()
	}

	if finAcked {
		switch e.state {
		case stateFinWait1:
			e.state = stateFinWait2
		case stateClosing:
			e.enterTimeWaitLocked()
		case stateLastAck:
			e.cleanupLocked()
			e.state = stateClosed
			wake |= waiter.EventIn | waiter.EventOut | waiter.EventHup
		}
	}

	// An opened window may unblock queued data
	e.sendData()
	return wake
}

// handleDataLocked moves in-order payload into the receive ring and tracks
// the peer's FIN. Out-of-order segments are dropped and re-acknowledged;
// the peer retransmits
func (e *endpoint) handleDataLocked(s *segment) waiter.EventMask {
	var wake waiter.EventMask

	dataLen := len(s.payload)
	hasFin := s.flagIsSet(header.TCPFlagFin)
	if dataLen == 0 && !hasFin {
		return 0
	}

	if s.seq != e.rcv.nxt {
		// Out of order or duplicate; the cumulative ACK tells the peer
		// where we are
		e.sendACK()
		return 0
	}

	if dataLen > 0 {
		if e.shutdown&types.ShutdownRead != 0 {
			// Read side was shut: discard but still acknowledge, the
			// peer is allowed to finish its stream
			e.rcv.nxt = e.rcv.nxt.Add(seqnum.Size(dataLen))
		} else {
			n := e.rcv.ring.write(s.payload)
			e.rcv.nxt = e.rcv.nxt.Add(seqnum.Size(n))
			if n > 0 {
				wake |= waiter.EventIn
			}
			if n < dataLen {
				// Ring full; the rest is retransmitted later
				hasFin = false
			}
		}
	}

	if hasFin {
		e.rcv.nxt++
		e.rcv.finReceived = true
		wake |= waiter.EventIn

		switch e.state {
		case stateEstablished:
			e.state = stateCloseWait
		case stateFinWait1:
			if e.snd.finSent && e.snd.finSeq.LessThan(e.snd.una) {
				e.enterTimeWaitLocked()
			} else {
				e.state = stateClosing
			}
		case stateFinWait2:
			e.enterTimeWaitLocked()
		}
	}

	e.sendACK()
	return wake
}

// enterTimeWaitLocked parks the connection for twice the maximum segment
// lifetime. With reuse-address set the port reservation is returned right
// away; the 4-tuple stays claimed either way until the quiet period ends
func (e *endpoint) enterTimeWaitLocked() {
	e.state = stateTimeWait
	e.cancelRetransmitLocked()
	if e.reuseAddr && e.portReserved {
		netProtos := []types.NetworkProtocolNumber{e.netProto}
		e.stack.PortManager().ReleasePort(netProtos, ProtocolNumber, e.reservedAddr, e.id.LocalPort)
		e.portReserved = false
	}
	e.timeWaitToken = e.stack.ScheduleTimer(timeWaitTicks, timer.TCPTimeWait, e.key)
}

// sendData transmits as much queued stream data as the peer's window and
// the segment size allow, then the FIN if the write side is finishing.
// Called with mu held
func (e *endpoint) sendData() {
	if e.snd == nil {
		return
	}
	snd := e.snd
	sent := false

	for {
		inflight := snd.pending()
		unsent := snd.ring.length() - inflight
		if snd.finSent {
			unsent = 0
		}
		avail := int(snd.wnd) - inflight
		if unsent <= 0 || avail <= 0 {
			break
		}

		n := unsent
		if n > snd.mss {
			n = snd.mss
		}
		if n > avail {
			n = avail
		}

		chunk := make([]byte, n)
		snd.ring.peek(inflight, chunk)
		e.sendSegment(header.TCPFlagAck|header.TCPFlagPsh, snd.nxt, e.rcv.nxt, chunk, false)
		snd.nxt = snd.nxt.Add(seqnum.Size(n))
		sent = true
	}

	// FIN goes out once the ring has fully drained
	if snd.closed && !snd.finSent && snd.ring.length() == snd.pending() {
		snd.finSeq = snd.nxt
		e.sendFlags(header.TCPFlagFin|header.TCPFlagAck, snd.nxt, e.rcv.nxt, false)
		snd.nxt++
		snd.finSent = true
		sent = true

		switch e.state {
		case stateEstablished:
			e.state = stateFinWait1
		case stateCloseWait:
			e.state = stateLastAck
		}
	}

	if sent {
		e.armRetransmitLocked()
	}
}

// timerExpired implements timerOwner for connected endpoints
func (e *endpoint) timerExpired(kind timer.Kind, key uint64) {
	var wake waiter.EventMask

	e.mu.Lock()
	if key != e.key {
		// One of a listener's half-open entries
		if e.state == stateListen && kind == timer.TCPRetransmit {
			e.listenTimerLocked(key)
		}
		e.mu.Unlock()
		return
	}

	switch kind {
	case timer.TCPRetransmit:
		wake = e.retransmitTimerLocked()
	case timer.TCPTimeWait:
		if e.state == stateTimeWait {
			e.cleanupLocked()
			e.state = stateClosed
		}
	}
	e.mu.Unlock()

	if wake != 0 {
		e.waiterQueue.Notify(wake)
	}
}

// retransmitTimerLocked resends the oldest outstanding segment with
// exponential backoff, tearing the connection down after too many
// consecutive expiries without acknowledgment progress
func (e *endpoint) retransmitTimerLocked() waiter.EventMask {
	snd := e.snd
	if snd == nil {
		return 0
	}
	snd.rtxToken = timer.Token{}

	outstanding := snd.pending() > 0 || (snd.finSent && snd.una.LessThanEq(snd.finSeq)) || e.state == stateSynSent
	if !outstanding {
		return 0
	}

	snd.retries++
	if snd.retries >= maxRetransmits {
		if e.state == stateSynSent {
			e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
		}
		return e.abortLocked(types.ErrTimeout)
	}

	e.stack.Stats().TCP.Retransmits.Increment()

	switch {
	case e.state == stateSynSent:
		e.sendFlags(header.TCPFlagSyn, snd.una, 0, true)
	case snd.pending() > 0:
		n := snd.pending()
		if n > snd.mss {
			n = snd.mss
		}
		chunk := make([]byte, n)
		snd.ring.peek(0, chunk)
		e.sendSegment(header.TCPFlagAck|header.TCPFlagPsh, snd.una, e.rcv.nxt, chunk, false)
	case snd.finSent:
		e.sendFlags(header.TCPFlagFin|header.TCPFlagAck, snd.finSeq, e.rcv.nxt, false)
	}

	snd.rto *= 2
	e.armRetransmitLocked()
	return 0
}

func (e *endpoint) armRetransmitLocked() {
	snd := e.snd
	if snd.rtxToken.Valid() {
		e.stack.CancelTimer(snd.rtxToken)
	}
	snd.rtxToken = e.stack.ScheduleTimer(snd.rto, timer.TCPRetransmit, e.key)
}

// sendACK sends a bare acknowledgment carrying the current window
func (e *endpoint) sendACK() {
	e.sendFlags(header.TCPFlagAck, e.snd.nxt, e.rcv.nxt, false)
}

// sendFlags sends a data-less segment
func (e *endpoint) sendFlags(flags uint8, seq, ack seqnum.Value, withMSS bool) {
	e.sendSegment(flags, seq, ack, nil, withMSS)
}

func (e *endpoint) sendReset(seq seqnum.Value) {
	e.stack.Stats().TCP.ResetsSent.Increment()
	e.sendSegment(header.TCPFlagRst|header.TCPFlagAck, seq, e.rcv.nxt, nil, false)
}

// sendSegment builds one segment in a pool buffer and transmits it through
// the connection's route. Called with mu held
func (e *endpoint) sendSegment(flags uint8, seq, ack seqnum.Value, payload []byte, withMSS bool) {
	var wnd seqnum.Size
	if e.rcv != nil {
		wnd = e.rcv.window()
	}
	sendTCPSegment(e.stack, &e.route, e.id, flags, seq, ack, wnd, payload, withMSS)
}

// sendTCPSegment is the shared segment transmitter; listeners use it for
// handshake traffic on connections that have no endpoint yet
func sendTCPSegment(s *stack.Stack, r *types.Route, id types.TransportEndpointID, flags uint8, seq, ack seqnum.Value, wnd seqnum.Size, payload []byte, withMSS bool) {
	pkt := s.Pool().Allocate()
	if pkt == nil {
		s.Stats().DroppedPackets.Increment()
		return
	}

	if payload != nil && !pkt.Append(payload) {
		pkt.Release()
		s.Stats().DroppedPackets.Increment()
		return
	}

	optLen := 0
	if withMSS {
		optLen = 4
	}
	b, ok := pkt.Prepend(header.TCPMinimumSize + optLen)
	if !ok {
		pkt.Release()
		s.Stats().DroppedPackets.Increment()
		return
	}
	pkt.MarkTransportHeader()

	tcp := header.TCP(b)
	tcp.Encode(&header.TCPFields{
		SrcPort:    id.LocalPort,
		DstPort:    id.RemotePort,
		SeqNum:     uint32(seq),
		AckNum:     uint32(ack),
		DataOffset: uint8(header.TCPMinimumSize + optLen),
		Flags:      flags,
		WindowSize: uint16(wnd),
	})
	if withMSS {
		mss := uint16(r.MTU() - header.TCPMinimumSize)
		header.EncodeMSSOption(mss, b[header.TCPMinimumSize:])
	}

	length := uint16(pkt.Length())
	if r.Capabilities()&types.CapabilityChecksumOffload == 0 {
		xsum := r.PseudoHeaderChecksum(ProtocolNumber)
		xsum = checksum.Checksum(payload, xsum)
		tcp.SetChecksum(^tcp.CalculateChecksum(xsum, length))
	}

	s.Stats().TCP.SegmentsSent.Increment()
	if err := r.WritePacket(pkt, ProtocolNumber); err != nil {
		// Counted by the device layer; retransmission recovers
		return
	}
}
