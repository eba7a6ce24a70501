package pool

import (
	"context"
	"errors"

	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
)

var (
	// ErrAlreadyBorrowed means the owner already holds, or is still
	// establishing, a connection to the target.
	ErrAlreadyBorrowed = errors.New("connection already borrowed by this owner")
	// ErrPoolExhausted means the target is at capacity.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrBorrowTimeout means the table lock could not be acquired in time.
	ErrBorrowTimeout = errors.New("timed out waiting for connection pool")
	// ErrManagerClosed is returned after Shutdown.
	ErrManagerClosed = errors.New("connection pool is shut down")
	// ErrConnectAborted means the owner closed the entry while its
	// connection was being established.
	ErrConnectAborted = errors.New("connection closed while connecting")
)

// Result labels used in monitor events.
const (
	ResultOK              = "ok"
	ResultNoop            = "noop"
	ResultAlreadyBorrowed = "already_borrowed"
	ResultExhausted       = "exhausted"
	ResultUnsupported     = "unsupported"
	ResultInvalid         = "invalid"
	ResultConnectError    = "connect_error"
	ResultTimeout         = "timeout"
	ResultCanceled        = "canceled"
	ResultClosed          = "closed"
	ResultError           = "error"
)

// ResultOf maps an operation error to its result label.
func ResultOf(err error) string {
	var ce *protocol.ConnectError
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrAlreadyBorrowed):
		return ResultAlreadyBorrowed
	case errors.Is(err, ErrPoolExhausted):
		return ResultExhausted
	case errors.Is(err, protocol.ErrUnsupportedProtocol):
		return ResultUnsupported
	case errors.Is(err, protocol.ErrInvalidTarget):
		return ResultInvalid
	case errors.As(err, &ce):
		return ResultConnectError
	case errors.Is(err, ErrBorrowTimeout), errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, context.Canceled):
		return ResultCanceled
	case errors.Is(err, ErrManagerClosed), errors.Is(err, ErrConnectAborted):
		return ResultClosed
	}
	return ResultError
}
