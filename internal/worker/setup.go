package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/ahrav/go-convoeval/internal/configuration"
	"github.com/ahrav/go-convoeval/internal/evaluation"
	"github.com/ahrav/go-convoeval/internal/observability"
	"github.com/ahrav/go-convoeval/internal/phase"
	"github.com/ahrav/go-convoeval/pkg/activity"
	"github.com/ahrav/go-convoeval/pkg/events"
)

// Dependencies are the shared collaborators of worker activities. Nil
// fields fall back to defaults.
type Dependencies struct {
	Logger     *slog.Logger
	Metrics    observability.Metrics
	Sink       events.EventSink
	HTTPClient *http.Client
}

// NewActivities builds the evaluation activities with a phase client
// configured from cfg.
func NewActivities(cfg *configuration.Config, deps Dependencies) *evaluation.Activities {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}
	client := phase.NewClient(cfg, deps.HTTPClient, deps.Logger, deps.Metrics)
	return evaluation.NewActivities(activity.NewBaseActivities(deps.Sink), cfg, client, deps.Logger, deps.Metrics)
}

// Dial connects to the Temporal frontend described by cfg.
func Dial(cfg configuration.TemporalConfig, logger *slog.Logger) (client.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// Run starts a worker on cfg.Temporal.TaskQueue and blocks until ctx is
// done or the worker fails.
func Run(ctx context.Context, c client.Client, cfg *configuration.Config, acts *evaluation.Activities) error {
	w := sdkworker.New(c, cfg.Temporal.TaskQueue, sdkworker.Options{})
	RegisterAll(w, acts)

	interrupt := make(chan any)
	go func() {
		<-ctx.Done()
		close(interrupt)
	}()
	if err := w.Run(interrupt); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}
