// Package activity provides common infrastructure for Temporal activity
// implementations: workflow context extraction, context-safe logging and
// heartbeats, and an event sink that stamps envelopes with the executing
// workflow.
package activity

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/ahrav/go-convoeval/pkg/events"
)

// WorkflowContext contains metadata extracted from the Temporal activity
// context.
type WorkflowContext struct {
	WorkflowID string
	RunID      string
	ActivityID string
	Attempt    int32
}

// BaseActivities provides shared infrastructure for activity types.
type BaseActivities struct {
	eventSink events.EventSink
}

// NewBaseActivities creates a BaseActivities publishing to sink. A nil sink
// disables event emission.
func NewBaseActivities(sink events.EventSink) BaseActivities {
	return BaseActivities{eventSink: sink}
}

// GetWorkflowContext extracts workflow execution details from ctx. Outside
// an activity (where activity.GetInfo panics) it returns fixed test IDs.
func (b *BaseActivities) GetWorkflowContext(ctx context.Context) WorkflowContext {
	var wfCtx WorkflowContext

	func() {
		defer func() {
			if r := recover(); r != nil {
				wfCtx = WorkflowContext{
					WorkflowID: "test-workflow",
					RunID:      "test-run",
					ActivityID: "test-activity",
					Attempt:    1,
				}
			}
		}()

		info := activity.GetInfo(ctx)
		wfCtx.WorkflowID = info.WorkflowExecution.ID
		wfCtx.RunID = info.WorkflowExecution.RunID
		wfCtx.ActivityID = info.ActivityID
		wfCtx.Attempt = info.Attempt
	}()

	return wfCtx
}

// EventSink returns a sink that stamps every envelope with the workflow ID
// of ctx and retries a failed append once. It returns a no-op sink when
// emission is disabled.
func (b *BaseActivities) EventSink(ctx context.Context) events.EventSink {
	if b.eventSink == nil {
		return events.NewNoOpEventSink()
	}
	return &workflowSink{
		next:       b.eventSink,
		workflowID: b.GetWorkflowContext(ctx).WorkflowID,
	}
}

// workflowSink decorates envelopes with workflow metadata.
type workflowSink struct {
	next       events.EventSink
	workflowID string
}

const (
	emitAttempts   = 2
	emitRetryDelay = 200 * time.Millisecond
)

// Append implements events.EventSink.
func (s *workflowSink) Append(ctx context.Context, e events.Envelope) error {
	e.WorkflowID = s.workflowID

	var lastErr error
	for attempt := range emitAttempts {
		if attempt > 0 {
			select {
			case <-time.After(emitRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = s.next.Append(ctx, e); lastErr == nil {
			return nil
		}
	}
	SafeLogError(ctx, "failed to emit event", "event_type", e.Type, "attempts", emitAttempts, "error", lastErr)
	return lastErr
}

// RecordHeartbeat records a heartbeat; ignored outside an activity.
func (b *BaseActivities) RecordHeartbeat(ctx context.Context, details ...any) {
	RecordHeartbeat(ctx, details...)
}

// SafeLog logs through the activity logger; ignored outside an activity.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Info(msg, keyvals...)
}

// SafeLogError logs at error level through the activity logger; ignored
// outside an activity.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Error(msg, keyvals...)
}

// RecordHeartbeat records activity heartbeat details. Heartbeats carry
// progress and let Temporal detect a stuck evaluation. Safe outside an
// activity.
func RecordHeartbeat(ctx context.Context, details ...any) {
	defer func() { _ = recover() }()
	activity.RecordHeartbeat(ctx, details...)
}
