package scheduler

import (
	"context"
	"log/slog"

	"github.com/ahrav/go-convoeval/internal/domain"
	"github.com/ahrav/go-convoeval/internal/evalerrors"
	"github.com/ahrav/go-convoeval/internal/observability"
	"github.com/ahrav/go-convoeval/internal/progress"
	"github.com/ahrav/go-convoeval/pkg/events"
)

// publisher turns run activity into envelopes. It is used only from the
// goroutine running Evaluate, so seq needs no locking.
type publisher struct {
	sink    events.EventSink
	runID   string
	logger  *slog.Logger
	metrics observability.Metrics
	seq     int
}

// publish appends one envelope. Failures are logged and counted; they never
// affect the run. Cancellation of ctx is ignored so the terminal event of an
// aborted run is still delivered.
func (p *publisher) publish(ctx context.Context, eventType string, payload any) {
	p.seq++
	env, err := events.NewEnvelope(eventType, eventSource, p.runID, p.seq, payload)
	if err == nil {
		err = p.sink.Append(context.WithoutCancel(ctx), env)
	}
	if err != nil {
		p.logger.WarnContext(ctx, "failed to publish event", "type", eventType, "error", err)
		p.metrics.IncrementCounter(observability.MetricEventsDropped, map[string]string{"type": eventType}, 1)
	}
}

// progress publishes the envelope matching a reduced progress event.
// state is the progress after ev was applied.
func (p *publisher) progress(ctx context.Context, ev progress.Event, state domain.ProgressState) {
	switch e := ev.(type) {
	case progress.MetricCompleted:
		p.publish(ctx, events.TypeMetricCompleted, events.MetricCompleted{
			Phase:     string(e.Phase),
			Metric:    e.Metric,
			Success:   e.Success,
			Error:     e.Error,
			Completed: state.CompletedMetrics,
			Total:     state.TotalMetrics,
			Percent:   state.Percent(),
		})

	case progress.PhaseSettled:
		payload := events.PhaseSettled{
			Phase:     string(e.Phase),
			Succeeded: e.Succeeded,
			Requested: e.Requested,
		}
		if e.Err != nil {
			payload.Error = e.Err.Error()
			payload.ErrorType = string(evalerrors.Classify(e.Err).Type)
			payload.Cancelled = evalerrors.IsCancelled(e.Err)
		}
		p.publish(ctx, events.TypePhaseSettled, payload)
	}
}
