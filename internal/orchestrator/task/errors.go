// Package task holds the task domain rules shared by the queue and the
// bridges: the error taxonomy, the state machine, and the finite set of
// command kinds an agent can be asked to run.
package task

import (
	"errors"
	"fmt"
)

// ErrorKind classifies task failures for retry and propagation policy.
type ErrorKind int

const (
	// KindTransient - an external dependency (bus, sidecar, multiplexer)
	// failed; retried at the queue layer.
	KindTransient ErrorKind = iota
	// KindTimeout - the task exceeded its timeout; counted as a failure
	// subject to retry policy.
	KindTimeout
	// KindAgentOffline - the target agent's heartbeat is stale; the task
	// stays pending until recovery or cancellation.
	KindAgentOffline
	// KindCircuitOpen - the breaker rejected the call; treated like an
	// offline agent by callers.
	KindCircuitOpen
	// KindValidation - malformed task or workflow definition; fatal for
	// that submission.
	KindValidation
	// KindProtocol - agent output violated the sentinel contract; the
	// task fails non-retriably.
	KindProtocol
	// KindInternal - programmer error; the task fails non-retriably.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindAgentOffline:
		return "agent_offline"
	case KindCircuitOpen:
		return "circuit_open"
	case KindValidation:
		return "validation"
	case KindProtocol:
		return "protocol"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a classified task error.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "queue.submit"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether the retry policy applies to this failure.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindTransient, KindTimeout:
		return true
	}
	return false
}

// NewError builds a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf builds a validation error from a format string.
func Validationf(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, defaulting to internal.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}
