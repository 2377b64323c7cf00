// Package evalerrors defines the failure taxonomy of an evaluation run.
//
// Every fault the orchestrator can observe maps to one ErrorType. Transport,
// protocol, per-metric and timeout faults are absorbed locally and turned
// into data; only total failure and pre-flight errors reach the caller as a
// blocking error. Cancellation is never an error from the user's point of
// view and is modelled as a distinct sentinel so it can be filtered out.
package evalerrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType categorizes evaluation failures for classification and metrics.
type ErrorType string

const (
	// ErrorTypeTransport indicates connection refused, non-2xx status or no body.
	ErrorTypeTransport ErrorType = "transport"

	// ErrorTypeProtocol indicates a line that could not be decoded.
	ErrorTypeProtocol ErrorType = "protocol"

	// ErrorTypeMetricFailed indicates an explicit per-metric error event.
	ErrorTypeMetricFailed ErrorType = "metric_failed"

	// ErrorTypeTimeout indicates a phase did not settle within its window.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeCancelled indicates a user-triggered abort.
	ErrorTypeCancelled ErrorType = "cancelled"

	// ErrorTypeTotalFailure indicates that no requested metric succeeded.
	ErrorTypeTotalFailure ErrorType = "total_failure"

	// ErrorTypeValidation indicates a request rejected before launch.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

var (
	// ErrCancelled is the cancellation cause of an aborted run. Phase clients
	// return it unwrapped so callers can test with errors.Is.
	ErrCancelled = errors.New("evaluation cancelled")

	// ErrPhaseTimeout is the deadline cause attached to every phase context.
	ErrPhaseTimeout = errors.New("phase timed out")

	// ErrMissingBody indicates a 2xx response that carried no stream.
	ErrMissingBody = errors.New("response has no body")

	// ErrTotalFailure indicates that every requested metric failed.
	ErrTotalFailure = errors.New("all evaluation phases failed")
)

// TransportError is a hard phase failure raised while opening or reading
// the result stream.
type TransportError struct {
	Phase      string        `json:"phase"`
	StatusCode int           `json:"status_code,omitempty"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error returns the phase, status (when known) and message.
func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s phase: status %d: %s", e.Phase, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s phase: %s", e.Phase, e.Message)
}

// Unwrap exposes the underlying network error, if any.
func (e *TransportError) Unwrap() error { return e.Cause }

// IsRetryable reports whether reopening the stream may succeed. Only
// connection faults, 429 and 5xx qualify.
func (e *TransportError) IsRetryable() bool {
	if e.StatusCode == 0 {
		return e.Cause != nil && !errors.Is(e.Cause, ErrMissingBody)
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// GetRetryAfter returns the server-provided retry delay.
func (e *TransportError) GetRetryAfter() time.Duration { return e.RetryAfter }

// ProtocolError describes a stream line that failed to decode.
type ProtocolError struct {
	Line   string
	Reason string
	Cause  error
}

// Error returns the reason with a truncated copy of the offending line.
func (e *ProtocolError) Error() string {
	line := e.Line
	if len(line) > 80 {
		line = line[:80] + "..."
	}
	return fmt.Sprintf("malformed event (%s): %q", e.Reason, line)
}

// Unwrap returns the JSON error, if any.
func (e *ProtocolError) Unwrap() error { return e.Cause }

// TimeoutError reports a phase that exceeded its timeout.
type TimeoutError struct {
	Phase   string
	Timeout time.Duration
}

// Error returns the phase and configured window.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s phase timed out after %s", e.Phase, e.Timeout)
}

// Unwrap lets errors.Is(err, ErrPhaseTimeout) match.
func (e *TimeoutError) Unwrap() error { return ErrPhaseTimeout }

// TotalFailureError is the terminal error of a run in which no metric
// succeeded. Message is the first failure encountered in canonical phase
// order and is the text surfaced to the user.
type TotalFailureError struct {
	Message string
	Errors  []error
}

// Error returns the first encountered failure message.
func (e *TotalFailureError) Error() string {
	if e.Message == "" {
		return ErrTotalFailure.Error()
	}
	return e.Message
}

// Is matches ErrTotalFailure.
func (e *TotalFailureError) Is(target error) bool { return target == ErrTotalFailure }

// Unwrap exposes the individual phase errors.
func (e *TotalFailureError) Unwrap() []error { return e.Errors }

// IsCancelled reports whether err stems from a user abort.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsRetryableError reports whether an operation that failed with err should
// be attempted again.
func IsRetryableError(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) {
		return phaseErr.Retryable
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.IsRetryable()
	}
	return false
}

// GetRetryAfter extracts a server-provided retry delay from err.
func GetRetryAfter(err error) time.Duration {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.RetryAfter
	}
	return 0
}
