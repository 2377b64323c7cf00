package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-convoeval/internal/configuration"
	"github.com/ahrav/go-convoeval/internal/domain"
	"github.com/ahrav/go-convoeval/internal/evaluation"
)

// QueryStatus is the query name returning the workflow's Status.
const QueryStatus = "status"

// activityMargin is added to the phase timeout for the activity's
// start-to-close timeout so phase timeouts always fire first.
const activityMargin = 5 * time.Minute

// Status values reported by QueryStatus.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Input is the workflow argument. Zero durations and attempts fall back to
// the configuration defaults. PhaseTimeout bounds every phase of the run
// inside the activity and sizes the activity's start-to-close timeout.
type Input struct {
	Request          domain.EvaluationRequest `json:"request"`
	PhaseTimeout     time.Duration            `json:"phase_timeout,omitempty"`
	HeartbeatTimeout time.Duration            `json:"heartbeat_timeout,omitempty"`
	MaxAttempts      int32                    `json:"max_attempts,omitempty"`
}

// EvaluationWorkflow runs one evaluation through the EvaluateConversation
// activity. Validation and total failure are non-retryable; transport-level
// activity failures are retried up to MaxAttempts.
func EvaluationWorkflow(ctx workflow.Context, in Input) (*evaluation.Output, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "evaluation.v", workflow.DefaultVersion, currentVersion)

	status := StatusRunning
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (string, error) {
		return status, nil
	}); err != nil {
		return nil, err
	}

	if err := in.Request.Validate(); err != nil {
		status = StatusFailed
		return nil, temporal.NewNonRetryableApplicationError(
			"invalid evaluation request",
			evaluation.ErrorTypeValidation,
			err,
		)
	}

	phaseTimeout := in.PhaseTimeout
	if phaseTimeout <= 0 {
		phaseTimeout = configuration.DefaultPhaseTimeout
	}
	heartbeat := in.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = configuration.DefaultHeartbeatTimeout
	}
	attempts := in.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: phaseTimeout + activityMargin,
		HeartbeatTimeout:    heartbeat,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{evaluation.ErrorTypeValidation, evaluation.ErrorTypeTotalFailure},
		},
	})

	var acts *evaluation.Activities
	var out evaluation.Output
	if err := workflow.ExecuteActivity(ctx, acts.EvaluateConversation, evaluation.Input{
		Request:      in.Request,
		PhaseTimeout: phaseTimeout,
	}).Get(ctx, &out); err != nil {
		status = StatusFailed
		workflow.GetLogger(ctx).Warn("evaluation activity failed", "error", err)
		return nil, err
	}

	status = StatusCompleted
	workflow.GetLogger(ctx).Info("evaluation completed",
		"run_id", out.RunID, "failed_metrics", len(out.Failures))
	return &out, nil
}
