// Package evaluation hosts the Temporal activity that runs a complete
// multi-phase evaluation inside a worker.
package evaluation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-convoeval/internal/configuration"
	"github.com/ahrav/go-convoeval/internal/domain"
	"github.com/ahrav/go-convoeval/internal/evalerrors"
	"github.com/ahrav/go-convoeval/internal/observability"
	"github.com/ahrav/go-convoeval/internal/scheduler"
	"github.com/ahrav/go-convoeval/pkg/activity"
)

// Application error types returned by EvaluateConversation. Both are
// non-retryable: repeating the run cannot change the outcome.
const (
	ErrorTypeValidation   = "Validation"
	ErrorTypeTotalFailure = "TotalFailure"
)

// Input is the argument of EvaluateConversation. A positive PhaseTimeout
// replaces the worker's configured per-phase timeout for this run.
type Input struct {
	Request      domain.EvaluationRequest `json:"request"`
	PhaseTimeout time.Duration            `json:"phase_timeout,omitempty"`
}

// Output is the serializable result of EvaluateConversation.
type Output struct {
	RunID    string                    `json:"run_id"`
	Result   *domain.EvaluationResult  `json:"result"`
	Failures []scheduler.MetricFailure `json:"failures,omitempty"`
	Progress domain.ProgressState      `json:"progress"`
}

// Heartbeat is the progress detail recorded on every heartbeat.
type Heartbeat struct {
	Percent   float64 `json:"percent"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
}

// Activities runs evaluations on behalf of workflows.
type Activities struct {
	activity.BaseActivities
	cfg     *configuration.Config
	runner  scheduler.PhaseRunner
	logger  *slog.Logger
	metrics observability.Metrics
}

// NewActivities creates evaluation activities running phases through
// runner.
func NewActivities(
	base activity.BaseActivities,
	cfg *configuration.Config,
	runner scheduler.PhaseRunner,
	logger *slog.Logger,
	metrics observability.Metrics,
) *Activities {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		BaseActivities: base,
		cfg:            cfg,
		runner:         runner,
		logger:         logger,
		metrics:        observability.OrNoOp(metrics),
	}
}

// EvaluateConversation runs every planned phase of in.Request and returns the
// merged result. Progress is heartbeated after every metric so the
// workflow's heartbeat timeout detects a stalled run.
//
// Validation and total failure return non-retryable application errors.
// Cancellation of the activity context aborts every phase stream and
// returns a canceled error.
func (a *Activities) EvaluateConversation(ctx context.Context, in Input) (*Output, error) {
	req := in.Request
	cfg := *a.cfg
	if in.PhaseTimeout > 0 {
		cfg.Scheduler.PhaseTimeout = in.PhaseTimeout
	}

	wfCtx := a.GetWorkflowContext(ctx)
	activity.SafeLog(ctx, "Starting EvaluateConversation activity",
		"workflow_id", wfCtx.WorkflowID,
		"attempt", wfCtx.Attempt,
		"turns", len(req.Conversation),
		"phase_timeout", cfg.Scheduler.PhaseTimeout)

	sched := scheduler.New(&cfg, a.runner,
		scheduler.WithEventSink(a.EventSink(ctx)),
		scheduler.WithLogger(a.logger.With("workflow_id", wfCtx.WorkflowID)),
		scheduler.WithMetrics(a.metrics),
	)

	report, err := sched.Evaluate(ctx, &req, func(p domain.ProgressState) {
		a.RecordHeartbeat(ctx, Heartbeat{Percent: p.Percent(), Completed: p.CompletedMetrics, Total: p.TotalMetrics})
	})
	if err != nil {
		return nil, toApplicationError(err)
	}

	activity.SafeLog(ctx, "EvaluateConversation completed",
		"run_id", report.RunID,
		"failed_metrics", len(report.Failures))
	return &Output{
		RunID:    report.RunID,
		Result:   report.Result,
		Failures: report.Failures,
		Progress: report.Progress,
	}, nil
}

func toApplicationError(err error) error {
	switch {
	case evalerrors.IsCancelled(err):
		return temporal.NewCanceledError(err.Error())
	case errors.Is(err, domain.ErrNoConversation),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrDuplicateMetric),
		errors.Is(err, domain.ErrNoMetricsSelected):
		return temporal.NewNonRetryableApplicationError("invalid evaluation request", ErrorTypeValidation, err)
	case errors.Is(err, evalerrors.ErrTotalFailure):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrorTypeTotalFailure, err)
	default:
		return err
	}
}
