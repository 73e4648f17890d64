package types

import (
	"fmt"

	"github.com/SlopLabs/netstack/buffer"
	"github.com/SlopLabs/netstack/waiter"
)

// Address is a byte slice cast as a string that represents the address of a
// network node
type Address string

// String implements fmt.Stringer. Four byte addresses print in the usual
// dotted decimal form, everything else as raw hex
func (a Address) String() string {
	if len(a) == 4 {
		return fmt.Sprintf("%d.%d.%d.%d", int(a[0]), int(a[1]), int(a[2]), int(a[3]))
	}
	return fmt.Sprintf("%x", []byte(a))
}

// DeviceID is a number that uniquely identifies a registered device
type DeviceID int32

// NetworkProtocolNumber is the number of a network protocol
type NetworkProtocolNumber uint32

// TransportProtocolNumber is the number of a transport protocol
type TransportProtocolNumber uint32

// ShutdownFlags are passed to Endpoint.Shutdown to select which direction
// of a connection to close
type ShutdownFlags int

const (
	ShutdownRead ShutdownFlags = 1 << iota
	ShutdownWrite
)

// FullAddress represents a full transport node address, as required by the
// Connect() and Bind() methods
type FullAddress struct {
	// Device is the id of the device this address refers to
	// This may not be used by all endpoint types
	Device DeviceID

	// Address is the network address
	Address Address

	// Port is the transport port
	//
	// This may not be used by all endpoint types
	Port uint16
}

// TransportEndpointID is the identifier of a transport layer protocol
// endpoint as seen by the demultiplexer
type TransportEndpointID struct {
	// LocalPort is the local port associated with the endpoint
	LocalPort uint16

	// LocalAddress is the local [network layer] address associated with
	// the endpoint
	LocalAddress Address

	// RemotePort is the remote port associated with the endpoint
	RemotePort uint16

	// RemoteAddress is the remote [network layer] address associated with
	// the endpoint
	RemoteAddress Address
}

// Endpoint is the interface implemented by transport protocols (e.g., tcp,
// udp) that exposes functionality like read, write, connect, etc to users of
// the networking stack. None of these methods block; callers that want
// blocking semantics suspend on the endpoint's waiter queue and retry
type Endpoint interface {
	// Close puts the endpoint in a closed state and frees all resources
	// associated with it
	Close()

	// Read reads data from the endpoint and optionally returns the sender
	// It returns ErrWouldBlock if there is no data pending; it will either
	// return an error or data, never both
	Read(*FullAddress) (buffer.View, *Error)

	// Write writes data to the endpoint's peer, or the provided address if
	// one is specified
	//
	// Note that unlike io.Writer.Write, it is not an error for Write to
	// perform a partial write
	Write(v buffer.View, to *FullAddress) (int, *Error)

	// Connect connects the endpoint to its peer. Specifying a device is
	// optional
	Connect(address FullAddress) *Error

	// Shutdown closes the read and/or write end of the endpoint connection
	// to its peer
	Shutdown(flags ShutdownFlags) *Error

	// Listen puts the endpoint in "listen" mode, which allows it to accept
	// new connections
	Listen(backlog int) *Error

	// Accept returns a new endpoint if a peer has established a connection
	// to an endpoint previously set to listen mode. It returns ErrWouldBlock
	// if no new connection is available
	//
	// The returned Queue is the wait queue for the newly created endpoint
	Accept() (Endpoint, *waiter.Queue, *Error)

	// Bind binds the endpoint to a specific local address and port
	// Specifying a device is optional
	Bind(address FullAddress) *Error

	// GetLocalAddress returns the address the endpoint is bound to
	GetLocalAddress() (FullAddress, *Error)

	// GetRemoteAddress returns the address the endpoint is connected to
	GetRemoteAddress() (FullAddress, *Error)

	// Readiness returns the current readiness of the endpoint. For example,
	// if waiter.EventIn is set, the endpoint is immediately readable
	Readiness(mask waiter.EventMask) waiter.EventMask

	// SetSockOpt sets an option on the endpoint. opt must be a member of
	// the closed option set in sockopt.go; anything else is a hard
	// ErrUnknownOption, never silently ignored
	SetSockOpt(opt interface{}) *Error

	// GetSockOpt reads an option from the endpoint. opt must be a pointer
	// to a member of the closed option set
	GetSockOpt(opt interface{}) *Error
}
