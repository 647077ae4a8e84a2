// Package errors defines the error kinds used by the forwarding engine.
package errors

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Sentinel errors for the forwarding engine.
var (
	// Construction errors
	ErrBindFailed  = errors.New("local bind failed")
	ErrInvalidSpec = errors.New("invalid forward specification")

	// Channel errors
	ErrChannelOpen    = errors.New("remote channel open failed")
	ErrChannelTimeout = errors.New("remote channel open timed out")

	// Lifecycle errors
	ErrSessionClosed = errors.New("forwarding session is closed")
	ErrHandleInUse   = errors.New("monitoring handle still registered by an open session")

	// Transport errors
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrTransportClosed      = errors.New("transport closed")
	ErrHandshakeFailed      = errors.New("handshake failed")
	ErrMaxRetries           = errors.New("maximum retry attempts exceeded")

	// Circuit breaker errors
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ForwardError carries the operation and endpoint context of a failure.
type ForwardError struct {
	Op      string // Operation that failed
	Kind    error  // Category of error
	Err     error  // Underlying error
	Details string // Local spec / remote endpoint
}

// Error returns the error message.
func (e *ForwardError) Error() string {
	if e.Details != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v (%s)", e.Op, e.Kind, e.Err, e.Details)
		}
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Details)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying error.
func (e *ForwardError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target error.
func (e *ForwardError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// New creates a new ForwardError.
func New(op string, kind error, err error, details string) *ForwardError {
	return &ForwardError{
		Op:      op,
		Kind:    kind,
		Err:     err,
		Details: details,
	}
}

// Wrap wraps an error with operation context.
func Wrap(op string, kind error, err error) *ForwardError {
	return &ForwardError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable returns true if the error is worth another attempt, e.g. when
// dialing the transport that carries channels.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrMaxRetries) ||
		errors.Is(err, ErrInvalidSpec) ||
		errors.Is(err, ErrHandshakeFailed) ||
		errors.Is(err, ErrBindFailed) {
		return false
	}

	if errors.Is(err, ErrTransportUnavailable) ||
		errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, ErrChannelTimeout) ||
		errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// IsClosed reports whether err is the result of using a closed connection or
// listener. Such errors are the normal way blocked I/O is cancelled.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrSessionClosed)
}
