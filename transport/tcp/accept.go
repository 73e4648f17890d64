package tcp

import (
	"github.com/cespare/xxhash/v2"

	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/seqnum"
	"github.com/SlopLabs/netstack/timer"
	"github.com/SlopLabs/netstack/types"
	"github.com/SlopLabs/netstack/waiter"
)

const (
	// halfOpenBuckets is the size of a listener's half-open table. Each
	// bucket holds at most one handshake in progress; a colliding SYN is
	// silently dropped, never answered, so a probe learns nothing
	halfOpenBuckets = 64

	// synAckInitialDelayTicks is the first SYN-ACK retransmission delay,
	// doubling on each of the later attempts
	synAckInitialDelayTicks = 5

	// synAckMaxAttempts bounds SYN-ACK retransmissions per half-open
	// entry before the entry silently expires
	synAckMaxAttempts = 5
)

// halfOpenEntry is one handshake in progress on a listener. It carries just
// enough connection state to finish or abandon the handshake; a full
// endpoint is only built once the final ACK lands
type halfOpenEntry struct {
	id    types.TransportEndpointID
	route types.Route

	iss     seqnum.Value
	irs     seqnum.Value
	peerMSS uint16

	attempts int
	delay    uint64
	key      uint64
	token    timer.Token
}

// listenContext is the listen-mode state of an endpoint: the half-open
// table and the bounded accept queue
type listenContext struct {
	halfOpen [halfOpenBuckets]*halfOpenEntry
	accepted []*endpoint
	backlog  int
}

// bucketFor selects the half-open bucket for a connection identity
func bucketFor(id types.TransportEndpointID) int {
	var d xxhash.Digest
	d.Reset()
	d.WriteString(string(id.LocalAddress))
	d.WriteString(string(id.RemoteAddress))
	var ports [4]byte
	ports[0] = byte(id.LocalPort >> 8)
	ports[1] = byte(id.LocalPort)
	ports[2] = byte(id.RemotePort >> 8)
	ports[3] = byte(id.RemotePort)
	d.Write(ports[:])
	return int(d.Sum64() % halfOpenBuckets)
}

// Listen puts the endpoint in listen mode. The endpoint must be bound;
// backlog bounds the accept queue
func (e *endpoint) Listen(backlog int) *types.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateBound {
		e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
		return types.ErrInvalidEndpointState
	}
	if backlog <= 0 {
		backlog = 1
	}

	netProtos := []types.NetworkProtocolNumber{e.netProto}
	if err := e.stack.RegisterTransportEndpoint(netProtos, ProtocolNumber, e.id, e); err != nil {
		e.stack.Stats().TCP.FailedConnectionAttempts.Increment()
		return err
	}
	e.isRegistered = true

	e.listenCtx = &listenContext{backlog: backlog}
	e.state = stateListen

	return nil
}

// Accept returns the next established connection from the accept queue, or
// ErrWouldBlock when it is empty
func (e *endpoint) Accept() (types.Endpoint, *waiter.Queue, *types.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateListen {
		return nil, nil, types.ErrInvalidEndpointState
	}
	if len(e.listenCtx.accepted) == 0 {
		return nil, nil, types.ErrWouldBlock
	}

	ep := e.listenCtx.accepted[0]
	copy(e.listenCtx.accepted, e.listenCtx.accepted[1:])
	e.listenCtx.accepted = e.listenCtx.accepted[:len(e.listenCtx.accepted)-1]

	return ep, ep.waiterQueue, nil
}

// handleListenSegment runs handshake traffic against the listener's
// half-open table. Returns true when a connection reached the accept queue.
// Called with the listener's mu held
func (e *endpoint) handleListenSegment(r *types.Route, id types.TransportEndpointID, s *segment) bool {
	lc := e.listenCtx
	bucket := bucketFor(id)
	entry := lc.halfOpen[bucket]
	stats := e.stack.Stats()

	if s.flagIsSet(header.TCPFlagRst) {
		if entry != nil && entry.id == id {
			e.removeHalfOpenLocked(bucket)
		}
		return false
	}

	if s.flagIsSet(header.TCPFlagSyn) && !s.flagIsSet(header.TCPFlagAck) {
		if entry != nil {
			if entry.id == id {
				// Retransmitted SYN; repeat the answer
				e.sendSynAckLocked(entry)
				return false
			}
			// Bucket collision: drop without a reply
			stats.TCP.ListenOverflowSynDrops.Increment()
			return false
		}
		if len(lc.accepted) >= lc.backlog {
			stats.TCP.ListenOverflowSynDrops.Increment()
			return false
		}

		opts := header.ParseSynOptions(s.options)
		entry = &halfOpenEntry{
			id:      id,
			route:   r.Clone(),
			iss:     randSeq(),
			irs:     s.seq,
			peerMSS: opts.MSS,
			delay:   synAckInitialDelayTicks,
			key:     newTimerKey(),
		}
		lc.halfOpen[bucket] = entry
		e.proto.registerOwner(entry.key, e)
		entry.token = e.stack.ScheduleTimer(entry.delay, timer.TCPRetransmit, entry.key)
		e.sendSynAckLocked(entry)
		return false
	}

	if s.flagIsSet(header.TCPFlagAck) && entry != nil && entry.id == id {
		if s.ack != entry.iss+1 || s.seq != entry.irs+1 {
			return false
		}
		return e.promoteLocked(bucket, s)
	}

	return false
}

// promoteLocked turns a completed half-open entry into a full established
// endpoint on the accept queue
func (e *endpoint) promoteLocked(bucket int, s *segment) bool {
	lc := e.listenCtx
	entry := lc.halfOpen[bucket]
	e.removeHalfOpenLocked(bucket)

	if len(lc.accepted) >= lc.backlog {
		// The queue filled while the handshake finished; shed the
		// connection, the peer retries
		e.stack.Stats().TCP.ListenOverflowSynDrops.Increment()
		return false
	}

	ep := newEndpoint(e.stack, e.proto, e.netProto, &waiter.Queue{})
	ep.sndBufSize = e.sndBufSize
	ep.rcvBufSize = e.rcvBufSize
	ep.id = entry.id
	ep.route = entry.route
	ep.state = stateEstablished

	netProtos := []types.NetworkProtocolNumber{e.netProto}
	if err := e.stack.RegisterTransportEndpoint(netProtos, ProtocolNumber, ep.id, ep); err != nil {
		return false
	}
	ep.isRegistered = true

	ep.startConnection(entry.iss, entry.irs, s.wnd, entry.peerMSS)
	ep.snd.una = entry.iss + 1
	ep.snd.nxt = entry.iss + 1
	ep.rcv.nxt = entry.irs + 1

	e.stack.Stats().TCP.PassiveConnectionOpenings.Increment()
	lc.accepted = append(lc.accepted, ep)
	return true
}

func (e *endpoint) sendSynAckLocked(entry *halfOpenEntry) {
	wnd := seqnum.Size(e.rcvBufSize)
	if wnd > maxAdvertisedWindow {
		wnd = maxAdvertisedWindow
	}
	sendTCPSegment(e.stack, &entry.route, entry.id,
		header.TCPFlagSyn|header.TCPFlagAck, entry.iss, entry.irs+1, wnd, nil, true)
}

func (e *endpoint) removeHalfOpenLocked(bucket int) {
	entry := e.listenCtx.halfOpen[bucket]
	if entry == nil {
		return
	}
	if entry.token.Valid() {
		e.stack.CancelTimer(entry.token)
	}
	e.proto.unregisterOwner(entry.key)
	e.listenCtx.halfOpen[bucket] = nil
}

// listenTimerLocked handles a SYN-ACK retransmission timer for one of the
// listener's half-open entries. Expired entries vanish without a trace
func (e *endpoint) listenTimerLocked(key uint64) {
	lc := e.listenCtx
	if lc == nil {
		return
	}
	for bucket, entry := range lc.halfOpen {
		if entry == nil || entry.key != key {
			continue
		}
		entry.token = timer.Token{}
		entry.attempts++
		if entry.attempts >= synAckMaxAttempts {
			e.removeHalfOpenLocked(bucket)
			return
		}
		e.sendSynAckLocked(entry)
		entry.delay *= 2
		entry.token = e.stack.ScheduleTimer(entry.delay, timer.TCPRetransmit, entry.key)
		return
	}
}

// closeListenerLocked abandons every handshake in progress and closes the
// connections already accepted but never claimed
func (e *endpoint) closeListenerLocked() {
	lc := e.listenCtx
	for bucket := range lc.halfOpen {
		e.removeHalfOpenLocked(bucket)
	}
	accepted := lc.accepted
	lc.accepted = nil
	e.listenCtx = nil

	// The accepted endpoints have their own locks; no ordering cycle
	for _, ep := range accepted {
		ep.Close()
	}
}
