package types

import (
	"time"
)

// The socket option set is closed and enumerated here. Option configuration
// mutates exactly this set; anything else is ErrUnknownOption at every
// dispatch site, never silently ignored.

// Limits and defaults for the buffer sizing options. Values outside the
// min/max range are clamped, a zero or negative request is
// ErrInvalidOptionValue
const (
	MinBufferSize     = 4 << 10
	DefaultBufferSize = 208 << 10
	MaxBufferSize     = 4 << 20
)

// SendBufferSizeOption is used by SetSockOpt/GetSockOpt to specify the send
// buffer size
type SendBufferSizeOption int

// ReceiveBufferSizeOption is used by SetSockOpt/GetSockOpt to specify the
// receive buffer size
type ReceiveBufferSizeOption int

// ReuseAddressOption is used by SetSockOpt/GetSockOpt to specify whether
// Bind() may reuse a local address held in TimeWait
type ReuseAddressOption int

// KeepaliveEnabledOption is used by SetSockOpt/GetSockOpt to specify whether
// stream keepalive probing is enabled
type KeepaliveEnabledOption int

// KeepaliveIdleOption is used by SetSockOpt/GetSockOpt to specify the time a
// connection must remain idle before the first keepalive probe
type KeepaliveIdleOption time.Duration

// SendTimeoutOption is used by SetSockOpt/GetSockOpt to bound how long a
// blocking send may wait. Zero means wait forever
type SendTimeoutOption time.Duration

// ReceiveTimeoutOption is used by SetSockOpt/GetSockOpt to bound how long a
// blocking receive may wait. Zero means wait forever
type ReceiveTimeoutOption time.Duration

// ErrorOption is used in GetSockOpt to specify that the last error reported
// by the endpoint should be cleared and returned
type ErrorOption struct{}
