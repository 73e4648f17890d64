package types

import (
	"github.com/SlopLabs/netstack/buffer"
)

// LinkAddress is a byte slice cast as a string that represents a link address.
// It is typically a 6-byte MAC address
type LinkAddress string

// DeviceCapabilities is a bitmask of optional features a device driver
// declares. The stack adapts its behavior to them, e.g. skipping software
// checksum computation when the hardware offloads it
type DeviceCapabilities uint32

const (
	// CapabilityChecksumOffload indicates the device computes transport
	// checksums on transmit
	CapabilityChecksumOffload DeviceCapabilities = 1 << iota

	// CapabilityLoopback indicates packets transmitted on the device are
	// delivered back to the same device
	CapabilityLoopback

	// CapabilityResolutionRequired indicates the device needs link address
	// resolution before a network address can be transmitted to
	CapabilityResolutionRequired
)

// DeviceStats is the set of read-only counters a device exposes. Counters
// are incremented by the driver and by the stack's transmit path; readers
// use the StatCounter accessors
type DeviceStats struct {
	TxPackets StatCounter
	TxErrors  StatCounter
	RxPackets StatCounter
	RxDropped StatCounter
}

// Device is the contract between a device driver and the stack. Transmit and
// Receive are data-plane operations and must never take control-plane locks;
// Attach/Detach bracket the driver's delivery lifetime
//
// DMA and ring mechanics are the driver's concern; the stack only ever sees
// pool-backed packet buffers
type Device interface {
	// Transmit hands a fully built frame to the driver. Ownership of the
	// buffer moves to the driver, which must release it when the hardware
	// is done with it. Transmit must not block; a full transmit ring is
	// reported as ErrNoBufferSpace
	Transmit(pkt *buffer.Packet) *Error

	// Receive returns up to budget pending inbound frames. It is called
	// from the poll loop after a receive-ready notification and must not
	// block; an empty return means the backlog is drained
	Receive(budget int) []*buffer.Packet

	// Attach connects the driver to a notifier it signals whenever new
	// inbound frames are ready. Called during bring-up, before the first
	// Receive
	Attach(notifier ReceiveNotifier)

	// Detach disconnects the driver from its notifier. After Detach
	// returns the driver must not signal the notifier again
	Detach()

	// MTU is the maximum transmission unit of the device
	MTU() uint32

	// LinkAddress returns the link address (typically a MAC) of the device
	LinkAddress() LinkAddress

	// MaxHeaderLength returns the maximum size of the data link (and lower
	// level layers combined) headers. Higher levels use this information
	// when checking that headroom is sufficient
	MaxHeaderLength() uint16

	// Capabilities returns the feature bitmask of the device
	Capabilities() DeviceCapabilities

	// Stats returns the device counters
	Stats() *DeviceStats
}

// ReceiveNotifier is how a driver signals the stack that inbound frames are
// waiting. Notify may be called from interrupt context and must not block
type ReceiveNotifier interface {
	Notify()
}

// NetworkDispatcher contains the methods used by the poll loop to deliver
// inbound packets to the appropriate network endpoint after the link layer
// has handled them
type NetworkDispatcher interface {
	// DeliverNetworkPacket finds the appropriate network protocol
	// endpoint and hands the packet over for further processing. The
	// packet's ownership moves to the dispatcher
	DeliverNetworkPacket(remote LinkAddress, protocol NetworkProtocolNumber, pkt *buffer.Packet)
}
