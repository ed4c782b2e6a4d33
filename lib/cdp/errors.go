package cdp

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTarget means discovery found no DevTools page target matching the
	// workspace hint on any candidate port.
	ErrNoTarget = errors.New("cdp: no matching devtools target")

	// ErrHandshakeFailed means the WebSocket dial or the initial domain
	// enables did not complete.
	ErrHandshakeFailed = errors.New("cdp: handshake failed")

	// ErrDomainEnableFailed means Runtime.enable was rejected by the target.
	ErrDomainEnableFailed = errors.New("cdp: domain enable failed")

	// ErrTimeout means a command received no response within its deadline.
	// The connection stays up; only the one call fails.
	ErrTimeout = errors.New("cdp: call timed out")

	// ErrDisconnected means the transport dropped before the call completed,
	// or the client is not connected.
	ErrDisconnected = errors.New("cdp: disconnected")

	// ErrNoContext means no usable execution context is registered for the
	// attached target.
	ErrNoContext = errors.New("cdp: no execution context")
)

// RemoteError is an error response from the browser to a specific command.
// The connection remains usable.
type RemoteError struct {
	Code    int
	Message string
	Method  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("cdp: remote error on %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// ScriptError is a JavaScript exception thrown by an evaluated expression.
type ScriptError struct {
	Text string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("cdp: script exception: %s", e.Text)
}
