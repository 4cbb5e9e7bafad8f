package elm

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable means no underlying radio, stack or port exists.
	ErrTransportUnavailable = errors.New("elm: transport unavailable")
	// ErrDiscoveryFailed means the device has no supported write/notify pair.
	ErrDiscoveryFailed = errors.New("elm: no supported OBD service found")
	// ErrWriteFailed means the transport rejected an outbound command.
	ErrWriteFailed = errors.New("elm: write failed")
	// ErrDisconnected is delivered to commands flushed by a disconnect.
	ErrDisconnected = errors.New("elm: disconnected")
	// ErrNotConnected is returned for commands submitted without a live link.
	ErrNotConnected = errors.New("elm: not connected")
	// ErrProbeFailed means the bus-confirmation probe got no reply.
	ErrProbeFailed = errors.New("elm: adapter did not answer protocol probe")
	// ErrInvalidState is returned for a connection state change that is not allowed.
	ErrInvalidState = errors.New("elm: invalid state transition")
)

// CommandError reports which command a transport failure happened on.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("elm: write %q: %v", e.Command, e.Err)
}

// Unwrap exposes both ErrWriteFailed and the transport's own error.
func (e *CommandError) Unwrap() []error {
	return []error{ErrWriteFailed, e.Err}
}
