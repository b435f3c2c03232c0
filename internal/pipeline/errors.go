package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/wxwire/bridge/internal/event"
)

// ErrCircuitOpen matches, via errors.Is, any error synthesized while a
// stage's circuit breaker is open.
var ErrCircuitOpen = errors.New("pipeline: circuit open")

// StageError wraps a filter, transformer, or output failure with its
// position in the pipeline so callers and logs can tell where an event
// died without parsing message text.
type StageError struct {
	Stage   event.Stage
	StageID string
	EventID string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s.%s event %s: %v", e.Stage, e.StageID, e.EventID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// CircuitOpenError is the synthetic failure returned while a stage's
// breaker is open: the wrapped operation was never attempted.
type CircuitOpenError struct {
	FailedAtStage event.Stage
	StageID       string
	OpenedAt      time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("pipeline: circuit open at %s.%s (opened %s)",
		e.FailedAtStage, e.StageID, e.OpenedAt.UTC().Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// transientError marks an error as retryable regardless of its concrete
// type.  Outputs use it to flag failures that callers should treat like
// connection drops.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err looks like an I/O, connection, or
// timeout failure worth retrying.  Context cancellation is not transient:
// it means the caller gave up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT):
		return true
	}
	return false
}

// errorType buckets an error for metrics and log labels.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
