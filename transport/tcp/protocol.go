// Package tcp contains the implementation of the TCP transport protocol. To
// use it in the networking stack, this package must be added to the project
// and activated on the stack by passing tcp.ProtocolName (or "tcp") as one
// of the transport protocols when calling stack.New()
package tcp

import (
	"sync"
	"sync/atomic"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/header"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/timer"
	"github.com/SlopLabs/netstack/types"
	"github.com/SlopLabs/netstack/waiter"
)

const (
	// ProtocolName is the string representation of the tcp protocol name
	ProtocolName = "tcp"

	// ProtocolNumber is the tcp protocol number
	ProtocolNumber = header.TCPProtocolNumber
)

// nextTimerKey issues process-unique keys for wheel entries. Keys only need
// to be unique, never dense
var nextTimerKey uint64

func newTimerKey() uint64 {
	return atomic.AddUint64(&nextTimerKey, 1)
}

// timerOwner is implemented by anything that arms wheel entries: endpoints
// for retransmission and time-wait, listeners for the handshake retries of
// their half-open entries. The owner revalidates the key when it fires; a
// key for a connection that no longer exists is dropped quietly
type timerOwner interface {
	timerExpired(kind timer.Kind, key uint64)
}

type protocol struct {
	once sync.Once

	mu     sync.Mutex
	owners map[uint64]timerOwner
}

// attach wires the protocol's timer dispatch into the stack. Runs once, the
// first time an endpoint is created on a given stack
func (p *protocol) attach(s *stack.Stack) {
	p.once.Do(func() {
		p.owners = make(map[uint64]timerOwner)
		s.RegisterTimerHandler(timer.TCPRetransmit, p.dispatchTimer(timer.TCPRetransmit))
		s.RegisterTimerHandler(timer.TCPTimeWait, p.dispatchTimer(timer.TCPTimeWait))
	})
}

func (p *protocol) dispatchTimer(kind timer.Kind) func(key uint64) {
	return func(key uint64) {
		p.mu.Lock()
		o := p.owners[key]
		p.mu.Unlock()
		if o != nil {
			o.timerExpired(kind, key)
		}
	}
}

func (p *protocol) registerOwner(key uint64, o timerOwner) {
	p.mu.Lock()
	p.owners[key] = o
	p.mu.Unlock()
}

func (p *protocol) unregisterOwner(key uint64) {
	p.mu.Lock()
	delete(p.owners, key)
	p.mu.Unlock()
}

// Number returns the tcp protocol number
func (*protocol) Number() types.TransportProtocolNumber {
	return ProtocolNumber
}

// MinimumPacketSize returns the minimum valid tcp packet size
func (*protocol) MinimumPacketSize() int {
	return header.TCPMinimumSize
}

// ParsePorts returns the source and destination ports stored in the given
// tcp packet
func (*protocol) ParsePorts(v buffer.View) (src, dst uint16, err *types.Error) {
	h := header.TCP(v)
	return h.SourcePort(), h.DestinationPort(), nil
}

// NewEndpoint creates a new tcp endpoint
func (p *protocol) NewEndpoint(s *stack.Stack, netProto types.NetworkProtocolNumber, waiterQueue *waiter.Queue) (types.Endpoint, *types.Error) {
	p.attach(s)
	return newEndpoint(s, p, netProto, waiterQueue), nil
}

func init() {
	stack.RegisterTransportProtocolFactory(ProtocolName, func() stack.TransportProtocol {
		return &protocol{}
	})
}
