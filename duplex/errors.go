package duplex

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrClosedChannel is returned for operations on a closed or half-closed
	// transport. It matches net.ErrClosed.
	ErrClosedChannel = fmt.Errorf("duplex: channel closed: %w", net.ErrClosed)

	ErrShutdown          = errors.New("duplex: session shut down")
	ErrWriteAfterClose   = errors.New("duplex: write after close")
	ErrProtocol          = errors.New("duplex: protocol violation")
	ErrAttemptsExhausted = errors.New("duplex: retry attempts exhausted")
	ErrNotConnector      = errors.New("duplex: transport does not support connect")
)

// SessionError is a fatal engine failure.
type SessionError struct {
	Op     string
	Status Status
	Err    error
}

func (e *SessionError) Error() string {
	if errors.Is(e.Err, ErrProtocol) {
		return fmt.Sprintf("duplex: %s: unexpected status %s", e.Op, e.Status)
	}
	return fmt.Sprintf("duplex: %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func unexpectedStatus(op string, s Status) error {
	return &SessionError{Op: op, Status: s, Err: ErrProtocol}
}
