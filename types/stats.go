package types

import (
	"sync/atomic"
)

// StatCounter is a monotonic event counter safe for concurrent use from
// interrupt and task context
type StatCounter struct {
	count uint64
}

// Increment adds one to the counter
func (s *StatCounter) Increment() {
	atomic.AddUint64(&s.count, 1)
}

// IncrementBy adds v to the counter
func (s *StatCounter) IncrementBy(v uint64) {
	atomic.AddUint64(&s.count, v)
}

// Value returns the current counter value
func (s *StatCounter) Value() uint64 {
	return atomic.LoadUint64(&s.count)
}

// IPStats collects network-layer counters
type IPStats struct {
	// PacketsReceived is the total number of IP packets received from the
	// link layer
	PacketsReceived StatCounter

	// InvalidAddressesReceived is the total number of IP packets received
	// with an unknown or invalid destination address
	InvalidAddressesReceived StatCounter

	// PacketsDelivered is the total number of incoming IP packets
	// successfully delivered to the transport layer
	PacketsDelivered StatCounter

	// PacketsSent is the total number of IP packets sent
	PacketsSent StatCounter

	// OutgoingPacketErrors is the total number of IP packets which failed
	// to write to a device
	OutgoingPacketErrors StatCounter
}

// UDPStats collects datagram transport counters
type UDPStats struct {
	// PacketsReceived is the number of datagrams delivered to an endpoint
	PacketsReceived StatCounter

	// UnknownPortErrors is the number of incoming datagrams dropped
	// because no endpoint was bound to their destination
	UnknownPortErrors StatCounter

	// ReceiveBufferDrops is the number of incoming datagrams dropped
	// because the endpoint's receive queue was full
	ReceiveBufferDrops StatCounter

	// MalformedPacketsReceived is the number of incoming datagrams dropped
	// due to a malformed header
	MalformedPacketsReceived StatCounter

	// PacketsSent is the number of datagrams sent
	PacketsSent StatCounter
}

// TCPStats collects stream transport counters
type TCPStats struct {
	// ActiveConnectionOpenings is the number of connections opened
	// successfully via Connect
	ActiveConnectionOpenings StatCounter

	// PassiveConnectionOpenings is the number of connections opened
	// successfully via the accept queue
	PassiveConnectionOpenings StatCounter

	// FailedConnectionAttempts is the number of calls to Connect or Listen
	// that ended in an error
	FailedConnectionAttempts StatCounter

	// ValidSegmentsReceived is the number of segments successfully parsed
	ValidSegmentsReceived StatCounter

	// InvalidSegmentsReceived is the number of segments dropped during
	// parsing or validation
	InvalidSegmentsReceived StatCounter

	// ListenOverflowSynDrops is the number of handshake attempts silently
	// dropped because the half-open table was full
	ListenOverflowSynDrops StatCounter

	// SegmentsSent is the number of segments sent
	SegmentsSent StatCounter

	// ResetsSent is the number of resets sent
	ResetsSent StatCounter

	// ResetsReceived is the number of resets received
	ResetsReceived StatCounter

	// Retransmits is the number of segments retransmitted after a
	// retransmission timer expiry
	Retransmits StatCounter
}

// NeighborStats collects resolution cache counters
type NeighborStats struct {
	// RequestsSent is the number of resolution requests transmitted,
	// including retries
	RequestsSent StatCounter

	// ResolutionFailed is the number of entries that exhausted their
	// retries and transitioned to the failed state
	ResolutionFailed StatCounter

	// PendingPacketDrops is the number of packets shed from pending
	// queues, either by overflow or by a failed resolution
	PendingPacketDrops StatCounter

	// Evictions is the number of entries evicted to make room
	Evictions StatCounter
}

// Stats is the complete set of networking stack counters. Locally recovered
// conditions are counted and dropped; nothing is lost silently without one
// of these moving
type Stats struct {
	// UnknownProtocolRcvdPackets is the number of packets received for an
	// unknown or unsupported protocol
	UnknownProtocolRcvdPackets StatCounter

	// MalformedRcvdPackets is the number of packets deemed malformed
	MalformedRcvdPackets StatCounter

	// DroppedPackets is the number of packets dropped due to full queues
	DroppedPackets StatCounter

	// StaleTimerFires is the number of timer entries that fired after
	// their resource died and were discarded on revalidation
	StaleTimerFires StatCounter

	IP       IPStats
	UDP      UDPStats
	TCP      TCPStats
	Neighbor NeighborStats
}
