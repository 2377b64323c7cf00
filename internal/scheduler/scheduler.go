// Package scheduler runs every planned phase of an evaluation concurrently,
// folds their progress into one ProgressState and classifies the run once
// all phases have settled.
//
// Concurrency model: each phase runs in its own goroutine and only sends
// immutable progress events on a channel. A single consumer loop owns the
// ProgressState, reduces every event into a new state and hands it to the
// observer, so no state is shared between phase goroutines.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-convoeval/internal/configuration"
	"github.com/ahrav/go-convoeval/internal/domain"
	"github.com/ahrav/go-convoeval/internal/evalerrors"
	"github.com/ahrav/go-convoeval/internal/merge"
	"github.com/ahrav/go-convoeval/internal/observability"
	"github.com/ahrav/go-convoeval/internal/phase"
	"github.com/ahrav/go-convoeval/internal/progress"
	"github.com/ahrav/go-convoeval/pkg/events"
)

const (
	tracerName  = "github.com/ahrav/go-convoeval/internal/scheduler"
	eventSource = "scheduler"
)

// PhaseRunner executes one phase stream. *phase.Client implements it.
type PhaseRunner interface {
	Run(ctx context.Context, req phase.Request, cb phase.Callbacks) (*domain.PhaseOutcome, error)
}

var _ PhaseRunner = (*phase.Client)(nil)

// Observer receives every intermediate progress state. It is called from
// the scheduler's consumer loop, never concurrently with itself.
type Observer func(domain.ProgressState)

// MetricFailure describes a requested metric that produced no score.
type MetricFailure struct {
	Phase  domain.Phase `json:"phase"`
	Metric string       `json:"metric"`
	Reason string       `json:"reason"`
}

// Report is the outcome of a run in which at least one metric succeeded.
type Report struct {
	RunID    string                   `json:"run_id"`
	Result   *domain.EvaluationResult `json:"result"`
	Failures []MetricFailure          `json:"failures,omitempty"`
	Progress domain.ProgressState     `json:"progress"`

	// Warnings aggregates phase failures and payload problems that did not
	// block the result.
	Warnings error `json:"-"`

	Duration time.Duration `json:"duration"`
}

// Scheduler launches phases and classifies runs. Safe for concurrent use;
// every Evaluate call is an independent run.
type Scheduler struct {
	runner   PhaseRunner
	service  configuration.ServiceConfig
	cfg      configuration.SchedulerConfig
	apiKey   string
	scale    merge.LabelScale
	sink     events.EventSink
	logger   *slog.Logger
	metrics  observability.Metrics
	tracer   trace.Tracer
	inFlight atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventSink publishes run, phase and metric events to sink.
func WithEventSink(sink events.EventSink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = observability.OrNoOp(m) }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithLabelScale overrides the categorical label mapping.
func WithLabelScale(scale merge.LabelScale) Option {
	return func(s *Scheduler) {
		if scale != nil {
			s.scale = scale
		}
	}
}

// New creates a scheduler running phases through runner.
func New(cfg *configuration.Config, runner PhaseRunner, opts ...Option) *Scheduler {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}
	s := &Scheduler{
		runner:  runner,
		service: cfg.Service,
		cfg:     cfg.Scheduler,
		apiKey:  cfg.Service.APIKey,
		scale:   merge.DefaultLabelScale().With(cfg.Scheduler.LabelScale),
		sink:    events.NewNoOpEventSink(),
		logger:  slog.Default(),
		metrics: observability.NewNoOpMetrics(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	if s.cfg.PhaseTimeout <= 0 {
		s.cfg.PhaseTimeout = configuration.DefaultPhaseTimeout
	}
	if s.cfg.EventBuffer < 0 {
		s.cfg.EventBuffer = 0
	}
	return s
}

// settled is what a phase goroutine leaves behind.
type settled struct {
	task    Task
	outcome *domain.PhaseOutcome
}

// Evaluate runs every phase planned for req and blocks until all of them
// settle. observe, when non-nil, is called with the initial state and after
// every progress event.
//
// Returns:
//   - domain.ErrNoConversation or a wrapped domain.ErrInvalidRequest before
//     any phase launches;
//   - domain.ErrNoMetricsSelected when no phase is runnable;
//   - evalerrors.ErrCancelled when ctx was cancelled before every phase
//     settled, with no result;
//   - *evalerrors.TotalFailureError when no metric in any phase succeeded;
//   - otherwise a Report whose Failures list every metric without a score.
func (s *Scheduler) Evaluate(ctx context.Context, req *domain.EvaluationRequest, observe Observer) (*Report, error) {
	if req == nil {
		return nil, domain.ErrNoConversation
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	tasks := Plan(req)
	if len(tasks) == 0 {
		return nil, domain.ErrNoMetricsSelected
	}

	runID := uuid.NewString()
	started := time.Now()
	logger := s.logger.With("run_id", runID)
	ctx, span := s.tracer.Start(ctx, "evaluation.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("phases", len(tasks)),
		attribute.Int("turns", len(req.Conversation)),
	))
	defer span.End()

	state := progress.New(totals(tasks))
	pub := &publisher{sink: s.sink, runID: runID, logger: logger, metrics: s.metrics}
	pub.publish(ctx, events.TypeRunStarted, events.RunStarted{
		Phases:       phaseNames(tasks),
		TotalMetrics: state.TotalMetrics,
	})
	logger.InfoContext(ctx, "evaluation started", "phases", phaseNames(tasks), "metrics", state.TotalMetrics)

	updates := make(chan progress.Event, s.cfg.EventBuffer)
	results := make([]settled, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = settled{task: task, outcome: s.runPhase(ctx, req, task, updates)}
		}()
	}
	go func() {
		wg.Wait()
		close(updates)
	}()

	if observe != nil {
		observe(state)
	}
	for ev := range updates {
		state = progress.Reduce(state, ev)
		pub.progress(ctx, ev, state)
		if observe != nil {
			observe(state)
		}
	}

	report, err := s.classify(ctx, req, results, state)
	elapsed := time.Since(started)
	finished := events.RunFinished{DurationMS: float64(elapsed.Milliseconds())}

	switch {
	case err == nil:
		report.RunID = runID
		report.Duration = elapsed
		finished.Outcome = events.OutcomeCompleted
		finished.Failed = len(report.Failures)
		finished.Succeeded = len(report.Result.RawResults) - finished.Failed
		finished.ScoredTurns = report.Result.ScoredTurns()
		if report.Warnings != nil {
			logger.WarnContext(ctx, "evaluation completed with warnings",
				"failed_metrics", finished.Failed, "warnings", report.Warnings)
		} else {
			logger.InfoContext(ctx, "evaluation completed",
				"metrics", finished.Succeeded, "scored_turns", finished.ScoredTurns)
		}
	case errors.Is(err, evalerrors.ErrCancelled):
		finished.Outcome = events.OutcomeCancelled
		logger.InfoContext(ctx, "evaluation cancelled", "completed_metrics", state.CompletedMetrics)
	default:
		finished.Outcome = events.OutcomeFailed
		finished.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "evaluation failed", "error", err)
	}
	span.SetAttributes(attribute.String("outcome", finished.Outcome))
	s.metrics.IncrementCounter(observability.MetricRunsTotal, map[string]string{"outcome": finished.Outcome}, 1)
	pub.publish(ctx, events.TypeRunFinished, finished)

	if err != nil {
		return nil, err
	}
	return report, nil
}

// runPhase executes one task under its own timeout and reports every
// stream event on updates. It always sends a final PhaseSettled.
func (s *Scheduler) runPhase(ctx context.Context, req *domain.EvaluationRequest, task Task, updates chan<- progress.Event) *domain.PhaseOutcome {
	ctx, span := s.tracer.Start(ctx, "evaluation.phase", trace.WithAttributes(
		attribute.String("phase", string(task.Phase)),
		attribute.Int("metrics", len(task.Metrics)),
	))
	defer span.End()

	tags := map[string]string{"phase": string(task.Phase)}
	s.metrics.SetGauge(observability.MetricPhasesInFlight, nil, float64(s.inFlight.Add(1)))
	defer func() {
		s.metrics.SetGauge(observability.MetricPhasesInFlight, nil, float64(s.inFlight.Add(-1)))
	}()

	phaseCtx, cancel := context.WithTimeoutCause(ctx, s.cfg.PhaseTimeout, evalerrors.ErrPhaseTimeout)
	defer cancel()

	started := time.Now()
	outcome, err := s.execute(phaseCtx, req, task, updates)
	if outcome == nil {
		outcome = domain.NewPhaseOutcome(task.Phase, task.Metrics)
	}
	if err != nil && outcome.Err == nil {
		outcome.Err = err
	}
	if errors.Is(outcome.Err, evalerrors.ErrCancelled) {
		outcome.Cancelled = true
	}

	status := "succeeded"
	switch {
	case outcome.Cancelled:
		status = "cancelled"
	case outcome.Err != nil:
		status = string(evalerrors.Classify(outcome.Err).Type)
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	span.SetAttributes(attribute.Int("succeeded", outcome.SuccessCount()), attribute.String("status", status))
	s.metrics.IncrementCounter(observability.MetricPhasesTotal, map[string]string{"phase": string(task.Phase), "status": status}, 1)
	s.metrics.RecordHistogram(observability.MetricPhaseDuration, tags, float64(time.Since(started).Milliseconds()))

	updates <- progress.PhaseSettled{
		Phase:     task.Phase,
		Failed:    outcome.Failed(),
		Succeeded: outcome.SuccessCount(),
		Requested: len(task.Metrics),
		Err:       outcome.Err,
	}
	return outcome
}

func (s *Scheduler) execute(ctx context.Context, req *domain.EvaluationRequest, task Task, updates chan<- progress.Event) (*domain.PhaseOutcome, error) {
	endpoint, err := phase.EndpointFor(s.service, task.Phase)
	if err != nil {
		return nil, err
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = s.apiKey
	}

	var profile *domain.Profile
	if task.Phase == domain.PhaseCustom {
		profile = req.Profile
	}

	return s.runner.Run(ctx, phase.Request{
		Endpoint:     endpoint,
		Conversation: req.Conversation,
		Metrics:      task.Metrics,
		Provider:     req.Provider,
		Model:        req.Model,
		APIKey:       apiKey,
		Profile:      profile,
	}, phase.Callbacks{
		OnStart: func(total int) {
			updates <- progress.PhaseStarted{Phase: task.Phase, Total: total}
		},
		OnProgress: func(p phase.MetricProgress) {
			updates <- progress.MetricCompleted{
				Phase:          p.Phase,
				Metric:         p.Metric,
				Success:        p.Succeeded(),
				Error:          p.Error,
				PhaseCompleted: p.Completed,
				PhaseTotal:     p.Total,
			}
		},
	})
}

// classify decides the terminal state of a run once every phase settled.
func (s *Scheduler) classify(ctx context.Context, req *domain.EvaluationRequest, results []settled, state domain.ProgressState) (*Report, error) {
	if runCancelled(ctx) {
		return nil, evalerrors.ErrCancelled
	}

	var (
		warnings  *multierror.Error
		phases    = make([]*domain.EvaluationResult, 0, len(results))
		successes int
	)
	for _, r := range results {
		successes += r.outcome.RequestedSuccessCount()
		if r.outcome.Err != nil {
			warnings = multierror.Append(warnings, r.outcome.Err)
		}
		res, errs := merge.PhaseResult(r.outcome, req.Conversation, s.scale)
		warnings = multierror.Append(warnings, errs...)
		phases = append(phases, res)
	}

	if successes == 0 {
		return nil, totalFailure(results)
	}

	result := merge.Complete(merge.Fold(phases...), req.Conversation)
	report := &Report{Result: result, Progress: state, Warnings: warnings.ErrorOrNil()}
	for _, name := range result.FailedMetrics() {
		raw := result.RawResults[name]
		report.Failures = append(report.Failures, MetricFailure{Phase: raw.Phase, Metric: name, Reason: raw.Error})
	}
	return report, nil
}

// runCancelled reports whether the run context was aborted. A deadline on
// the caller's context is not an abort: phases see it as a timeout.
func runCancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	return !errors.Is(context.Cause(ctx), context.DeadlineExceeded) &&
		!errors.Is(context.Cause(ctx), evalerrors.ErrPhaseTimeout)
}

// totalFailure builds the run error when no metric succeeded. Its message
// is the failure reason of the first requested metric in canonical phase
// order.
func totalFailure(results []settled) error {
	tf := &evalerrors.TotalFailureError{}
	for _, r := range results {
		for _, metric := range r.outcome.Requested {
			if tf.Message == "" {
				tf.Message = r.outcome.FailureReason(metric)
			}
		}
		if r.outcome.Err != nil {
			tf.Errors = append(tf.Errors, r.outcome.Err)
		}
		for _, metric := range r.outcome.Requested {
			if msg, ok := r.outcome.MetricErrors[metric]; ok {
				tf.Errors = append(tf.Errors, &evalerrors.PhaseError{
					Type:    evalerrors.ErrorTypeMetricFailed,
					Phase:   string(r.task.Phase),
					Message: metric + ": " + msg,
				})
			}
		}
	}
	return tf
}

func phaseNames(tasks []Task) []string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = string(t.Phase)
	}
	return names
}
