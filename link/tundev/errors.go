package tundev

import (
	"golang.org/x/sys/unix"

	"github.com/SlopLabs/netstack/types"
)

var translations = map[unix.Errno]*types.Error{
	unix.EEXIST:        types.ErrDuplicateAddress,
	unix.ENETUNREACH:   types.ErrNetworkUnreachable,
	unix.EHOSTUNREACH:  types.ErrHostUnreachable,
	unix.EINVAL:        types.ErrInvalidArgument,
	unix.EISCONN:       types.ErrAlreadyConnected,
	unix.EADDRINUSE:    types.ErrPortInUse,
	unix.EADDRNOTAVAIL: types.ErrBadLocalAddress,
	unix.EPIPE:         types.ErrClosedForSend,
	unix.EAGAIN:        types.ErrWouldBlock,
	unix.ECONNREFUSED:  types.ErrConnectionRefused,
	unix.ETIMEDOUT:     types.ErrTimeout,
	unix.EINPROGRESS:   types.ErrInProgress,
	unix.EDESTADDRREQ:  types.ErrDestinationRequired,
	unix.ENOTSUP:       types.ErrNotSupported,
	unix.ENOTCONN:      types.ErrNotConnected,
	unix.ECONNRESET:    types.ErrConnectionReset,
	unix.ECONNABORTED:  types.ErrConnectionAborted,
	unix.EMSGSIZE:      types.ErrMessageTooLong,
	unix.ENOBUFS:       types.ErrNoBufferSpace,
	unix.EACCES:        types.ErrPermissionDenied,
	unix.EPERM:         types.ErrPermissionDenied,
}

// translateErrno maps a kernel errno into the netstack error space.
// Unrecognized errnos collapse to ErrInvalidArgument
func translateErrno(e unix.Errno) *types.Error {
	if err, ok := translations[e]; ok {
		return err
	}
	return types.ErrInvalidArgument
}
