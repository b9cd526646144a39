// errors.go
package tftp

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by DatagramConn implementations when no datagram
// arrives within the receive timeout. The transfer engine recovers from it
// by resending the last cumulative ACK; it is never fatal on its own.
var ErrTimeout = errors.New("receive timeout")

// ErrMaxRetries terminates a transfer whose window exhausted its timeout
// retries.
var ErrMaxRetries = errors.New("max retries exceeded")

// ProtocolError reports a packet that violates the protocol, typically an
// unexpected opcode where a specific one was required. Fatal, no retry.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// RemoteError carries the code and message of an ERROR packet returned by
// the server, surfaced verbatim. Fatal.
type RemoteError struct {
	Code    uint16
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}
