package types

// Error represents an error in the netstack error space. Using a special type
// ensures that errors outside of this space are not accidentally introduced.
// Every layer of the stack returns values from this space; translation to a
// platform numeric code is the business of the syscall boundary, exactly once.
type Error struct {
	string
}

// Error implements error.Error
func (e *Error) Error() string {
	return e.string
}

var (
	ErrWouldBlock           = &Error{"operation would block"}
	ErrConnectionRefused    = &Error{"connection was refused"}
	ErrConnectionReset      = &Error{"connection reset by peer"}
	ErrConnectionAborted    = &Error{"connection aborted"}
	ErrTimeout              = &Error{"operation timed out"}
	ErrPortInUse            = &Error{"address already in use"}
	ErrBadLocalAddress      = &Error{"address not available"}
	ErrNotConnected         = &Error{"endpoint not connected"}
	ErrAlreadyConnected     = &Error{"endpoint is already connected"}
	ErrNetworkUnreachable   = &Error{"network is unreachable"}
	ErrHostUnreachable      = &Error{"host is unreachable"}
	ErrPermissionDenied     = &Error{"permission denied"}
	ErrInvalidArgument      = &Error{"invalid argument"}
	ErrNoBufferSpace        = &Error{"no buffer space available"}
	ErrUnknownProtocol      = &Error{"protocol not supported"}
	ErrBadAddressFamily     = &Error{"address family not supported"}
	ErrInProgress           = &Error{"operation is in progress"}
	ErrNotSupported         = &Error{"operation not supported"}
	ErrClosedForSend        = &Error{"endpoint is closed for send"}
	ErrClosedForReceive     = &Error{"endpoint is closed for receive"}
	ErrNoPortAvailable      = &Error{"no ports are available"}
	ErrDuplicateAddress     = &Error{"duplicate address"}
	ErrInvalidEndpointState = &Error{"endpoint is in invalid state"}
	ErrUnknownOption        = &Error{"unknown option for endpoint"}
	ErrInvalidOptionValue   = &Error{"invalid option value specified"}
	ErrBadDeviceID          = &Error{"unknown device id"}
	ErrDuplicateDeviceID    = &Error{"duplicate device id"}
	ErrDeviceDown           = &Error{"device is down"}
	ErrBadHandle            = &Error{"bad socket handle"}
	ErrNoSocketSlot         = &Error{"socket table is full"}
	ErrMessageTooLong       = &Error{"message too long"}
	ErrDestinationRequired  = &Error{"destination address is required"}
)
