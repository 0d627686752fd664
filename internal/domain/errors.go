package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation marks a malformed or corrupted stream. It is fatal to the circuit.
	ErrProtocolViolation = errors.New("protocol violation")

	ErrBadSideChannelArgs = errors.New("bad side-channel arguments")

	ErrSlotAlreadySet = errors.New("circuit slot already set")
)

// SetupError is returned while configuring a listener or transport.
type SetupError struct {
	Transport string
	Err       error
}

func (e *SetupError) Error() string {
	if e.Transport == "" {
		return "setup: " + e.Err.Error()
	}
	return fmt.Sprintf("setup %s: %v", e.Transport, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ConnectError wraps a failed outbound connect.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
