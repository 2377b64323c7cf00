package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ahrav/go-convoeval/internal/evalerrors"
)

// ErrBlankLine is returned by ParseEvent for a line holding only whitespace.
// Blank lines are skipped without logging.
var ErrBlankLine = errors.New("blank line")

// EventType discriminates stream records.
type EventType string

const (
	// EventStart announces the authoritative number of metrics in the phase.
	EventStart EventType = "start"

	// EventProgress reports the outcome of one metric.
	EventProgress EventType = "progress"
)

// ProgressStatus is the outcome carried by a progress event.
type ProgressStatus string

const (
	StatusSuccess ProgressStatus = "success"
	StatusError   ProgressStatus = "error"
)

// Event is one decoded stream record.
type Event struct {
	Type EventType

	// TotalMetrics is set on start events.
	TotalMetrics int

	// Status, Metric and either Result or Error are set on progress events.
	Status ProgressStatus
	Metric string
	Result json.RawMessage
	Error  string
}

// Succeeded reports whether a progress event carries a score.
func (e Event) Succeeded() bool {
	return e.Type == EventProgress && e.Status == StatusSuccess
}

type wireEvent struct {
	Type         EventType       `json:"type"`
	TotalMetrics *int            `json:"total_metrics"`
	Status       ProgressStatus  `json:"status"`
	Metric       string          `json:"metric"`
	Result       json.RawMessage `json:"result"`
	Error        json.RawMessage `json:"error"`
}

// ParseEvent decodes one line. It returns ErrBlankLine for whitespace-only
// input and *evalerrors.ProtocolError for anything that cannot be attributed
// to a metric: invalid JSON, an unknown type, a start without a valid total
// or a progress record without a metric name.
//
// A progress record that names a metric but is otherwise inconsistent, such
// as an unknown status or a success without a result, is normalized into a
// per-metric error so it still counts exactly once toward progress.
func ParseEvent(line string) (Event, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Event{}, ErrBlankLine
	}

	var w wireEvent
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return Event{}, &evalerrors.ProtocolError{Line: trimmed, Reason: "invalid json", Cause: err}
	}

	switch w.Type {
	case EventStart:
		if w.TotalMetrics == nil || *w.TotalMetrics < 0 {
			return Event{}, &evalerrors.ProtocolError{Line: trimmed, Reason: "start without valid total_metrics"}
		}
		return Event{Type: EventStart, TotalMetrics: *w.TotalMetrics}, nil

	case EventProgress:
		if w.Metric == "" {
			return Event{}, &evalerrors.ProtocolError{Line: trimmed, Reason: "progress without metric"}
		}
		ev := Event{Type: EventProgress, Metric: w.Metric, Status: w.Status}
		switch w.Status {
		case StatusSuccess:
			if isNull(w.Result) {
				ev.Status = StatusError
				ev.Error = "success event carried no result"
				return ev, nil
			}
			ev.Result = w.Result
		case StatusError:
			ev.Error = errorText(w.Error)
		default:
			ev.Status = StatusError
			ev.Error = fmt.Sprintf("unrecognized progress status %q", w.Status)
		}
		return ev, nil

	default:
		return Event{}, &evalerrors.ProtocolError{Line: trimmed, Reason: fmt.Sprintf("unknown event type %q", w.Type)}
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// errorText renders the error detail, which the service sends either as a
// string or as an object with a message field.
func errorText(raw json.RawMessage) string {
	if isNull(raw) {
		return "metric evaluation failed"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "metric evaluation failed"
		}
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Detail != "" {
			return obj.Detail
		}
	}
	return string(raw)
}
