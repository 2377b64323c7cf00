// Package events provides the event infrastructure for evaluation runs.
// It defines the Envelope type that wraps run, phase and metric events with
// consistent metadata and the EventSink interface used to ship them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the envelope payload schema version.
const SchemaVersion = "1.0.0"

// Event types emitted during an evaluation run.
const (
	TypeRunStarted      = "evaluation.run_started"
	TypeMetricCompleted = "evaluation.metric_completed"
	TypePhaseSettled    = "evaluation.phase_settled"
	TypeRunFinished     = "evaluation.run_finished"
)

// Envelope wraps an evaluation event with routing and correlation metadata.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type identifies the event for routing, e.g. "evaluation.phase_settled".
	Type string `json:"type"`

	// Source identifies the emitting component, e.g. "scheduler".
	Source string `json:"source"`

	// Version enables schema evolution of Payload.
	Version string `json:"version"`

	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey is stable across redeliveries of the same event.
	IdempotencyKey string `json:"idempotency_key"`

	// RunID correlates every event of one evaluation run.
	RunID string `json:"run_id"`

	// WorkflowID is set when the run executes inside a Temporal workflow.
	WorkflowID string `json:"workflow_id,omitempty"`

	// Payload contains the event data as JSON. Schema varies by Type.
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope of eventType for runID.
// seq distinguishes repeated events of the same type within a run and
// feeds the idempotency key.
func NewEnvelope(eventType, source, runID string, seq int, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:             uuid.NewString(),
		Type:           eventType,
		Source:         source,
		Version:        SchemaVersion,
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", runID, eventType, seq),
		RunID:          runID,
		Payload:        data,
	}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RunStarted is emitted once the run's phases are planned.
type RunStarted struct {
	Phases       []string `json:"phases"`
	TotalMetrics int      `json:"total_metrics"`
}

// MetricCompleted is emitted for every progress record, success or failure.
type MetricCompleted struct {
	Phase     string  `json:"phase"`
	Metric    string  `json:"metric"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// PhaseSettled is emitted when a phase reaches a terminal state.
type PhaseSettled struct {
	Phase     string `json:"phase"`
	Succeeded int    `json:"succeeded"`
	Requested int    `json:"requested"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Run outcomes reported by RunFinished.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// RunFinished is emitted once after every phase settled.
type RunFinished struct {
	Outcome     string  `json:"outcome"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	ScoredTurns int     `json:"scored_turns"`
	Error       string  `json:"error,omitempty"`
	DurationMS  float64 `json:"duration_ms"`
}

// EventSink ships envelopes to downstream consumers.
//
// Delivery is best-effort: callers log Append errors and never fail the
// evaluation because of them.
type EventSink interface {
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink discards every event.
type NoOpEventSink struct{}

// Append implements EventSink.Append with no-op behavior.
func (n *NoOpEventSink) Append(_ context.Context, _ Envelope) error {
	return nil
}

// NewNoOpEventSink creates a new no-op event sink.
func NewNoOpEventSink() EventSink {
	return &NoOpEventSink{}
}
