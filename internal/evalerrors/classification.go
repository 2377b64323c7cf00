package evalerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PhaseError carries the classified view of a phase or run failure for
// logging, metrics and the Temporal activity boundary.
type PhaseError struct {
	Type      ErrorType      `json:"type"`
	Phase     string         `json:"phase,omitempty"`
	Message   string         `json:"message"`
	Code      string         `json:"code"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

// Error returns formatted error string with type and code context.
func (e *PhaseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As compatibility.
func (e *PhaseError) Unwrap() error { return e.Cause }

// Classify converts err into a PhaseError. Typed errors are checked first,
// then sentinels, then message patterns for untyped errors from the network
// stack. Returns nil for nil input.
func Classify(err error) *PhaseError {
	if err == nil {
		return nil
	}
	var phaseErr *PhaseError
	if errors.As(err, &phaseErr) {
		return phaseErr
	}
	if pe := classifyTyped(err); pe != nil {
		return pe
	}
	if pe := classifySentinel(err); pe != nil {
		return pe
	}
	return classifyPattern(err)
}

func classifyTyped(err error) *PhaseError {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return &PhaseError{
			Type:      ErrorTypeTransport,
			Phase:     transportErr.Phase,
			Message:   transportErr.Message,
			Code:      "TRANSPORT",
			Retryable: transportErr.IsRetryable(),
			Details:   map[string]any{"status_code": transportErr.StatusCode},
			Cause:     err,
		}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return &PhaseError{
			Type:      ErrorTypeTimeout,
			Phase:     timeoutErr.Phase,
			Message:   timeoutErr.Error(),
			Code:      "PHASE_TIMEOUT",
			Retryable: false,
			Details:   map[string]any{"timeout": timeoutErr.Timeout.String()},
			Cause:     err,
		}
	}

	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return &PhaseError{
			Type:    ErrorTypeProtocol,
			Message: protocolErr.Error(),
			Code:    "PROTOCOL",
			Cause:   err,
		}
	}

	var totalErr *TotalFailureError
	if errors.As(err, &totalErr) {
		return &PhaseError{
			Type:    ErrorTypeTotalFailure,
			Message: totalErr.Error(),
			Code:    "TOTAL_FAILURE",
			Details: map[string]any{"phase_errors": len(totalErr.Errors)},
			Cause:   err,
		}
	}
	return nil
}

func classifySentinel(err error) *PhaseError {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return &PhaseError{
			Type:    ErrorTypeCancelled,
			Message: ErrCancelled.Error(),
			Code:    "CANCELLED",
			Cause:   err,
		}
	case errors.Is(err, ErrPhaseTimeout), errors.Is(err, context.DeadlineExceeded):
		return &PhaseError{
			Type:    ErrorTypeTimeout,
			Message: err.Error(),
			Code:    "PHASE_TIMEOUT",
			Cause:   err,
		}
	case errors.Is(err, ErrMissingBody):
		return &PhaseError{
			Type:    ErrorTypeTransport,
			Message: err.Error(),
			Code:    "MISSING_BODY",
			Cause:   err,
		}
	}
	return nil
}

func classifyPattern(err error) *PhaseError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host"):
		return &PhaseError{
			Type:      ErrorTypeTransport,
			Message:   "Network error",
			Code:      "NETWORK_ERROR",
			Retryable: true,
			Details:   map[string]any{"original_error": err.Error()},
			Cause:     err,
		}
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation"):
		return &PhaseError{
			Type:    ErrorTypeValidation,
			Message: err.Error(),
			Code:    "VALIDATION",
			Cause:   err,
		}
	default:
		return &PhaseError{
			Type:    ErrorTypeUnknown,
			Message: "Unknown error",
			Code:    "UNKNOWN",
			Details: map[string]any{"original_error": err.Error()},
			Cause:   err,
		}
	}
}
