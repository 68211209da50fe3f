package server

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Send and Receive once a connection has left
	// the open state.
	ErrClosed = errors.New("connection closed")

	// ErrBackpressure is returned by Send when the outbound queue is full and
	// no send timeout is configured.
	ErrBackpressure = errors.New("send queue full")

	// ErrSendTimeout is returned by Send when the outbound queue stayed full
	// for the configured send timeout.
	ErrSendTimeout = errors.New("send timed out")

	// ErrListenerClosed is returned by Accept after Shutdown has begun.
	ErrListenerClosed = errors.New("listener closed")
)

// TransportError reports a bind, accept or upgrade failure. It is fatal to the
// one attempt it describes, never to the listener loop.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendError reports a failed delivery to one recipient.
type SendError struct {
	ConnID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.ConnID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
