package client

import (
	"errors"
	"fmt"

	"github.com/amoylab/clinicpush/pkg/protocol"
)

var (
	// ErrCallTimeout is returned when no reply arrived within the call timeout
	ErrCallTimeout = errors.New("call timed out")
	// ErrDisconnected is returned for calls pending on a transport that went away
	ErrDisconnected = errors.New("transport disconnected")
	// ErrRetryBudgetExhausted is returned once reconnection gave up
	ErrRetryBudgetExhausted = errors.New("reconnect attempts exhausted")
	// ErrQueueFull is returned when too many messages wait for the transport
	ErrQueueFull = errors.New("outbound queue full")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("client closed")
	// ErrHandshake is returned when the hub answered the handshake with something other than auth_success
	ErrHandshake = errors.New("unexpected handshake reply")
)

// RemoteError is a reply that carried an explicit error
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// TerminalError is a close the client must not retry
type TerminalError struct {
	Code   protocol.CloseCode
	Reason string
}

func (e *TerminalError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = e.Code.Reason()
	}
	return fmt.Sprintf("connection closed by hub (%d): %s", int(e.Code), reason)
}
