package protocol

import (
	"errors"
	"fmt"
)

// ErrUnsupportedProtocol is returned for kinds missing from the registry and
// for connections lacking a requested capability.
var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// ErrInvalidTarget is returned for targets missing a host or username, or
// carrying an out-of-range port.
var ErrInvalidTarget = errors.New("invalid target")

// ConnectError reports a failed connection attempt.
type ConnectError struct {
	Target TargetKey
	Kind   Kind
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s %s: %v", e.Kind, e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
