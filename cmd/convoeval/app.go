package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ahrav/go-convoeval/internal/configuration"
	"github.com/ahrav/go-convoeval/internal/observability"
	"github.com/ahrav/go-convoeval/internal/phase"
	"github.com/ahrav/go-convoeval/internal/scheduler"
	"github.com/ahrav/go-convoeval/pkg/events"
)

// App wires the shared collaborators of every subcommand.
type App struct {
	cfg    *configuration.Config
	logger *slog.Logger

	metrics    observability.Metrics
	metricsSrv *http.Server

	sink     events.EventSink
	natsConn *nats.Conn
}

// NewApp creates an application logging to logOut.
func NewApp(cfg *configuration.Config, logOut io.Writer) *App {
	logger := observability.NewLogger(cfg.Observability, logOut)
	return &App{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewNoOpMetrics(),
		sink:    events.NewLogSink(logger, slog.LevelDebug),
	}
}

// Start connects the optional metrics endpoint and NATS event sink.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Observability.MetricsEnabled {
		prom := observability.NewPrometheusMetrics(a.logger)
		a.metrics = prom

		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		a.metricsSrv = &http.Server{
			Addr:              a.cfg.Observability.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.WarnContext(ctx, "metrics endpoint stopped", "addr", a.cfg.Observability.MetricsAddr, "error", err)
			}
		}()
		a.logger.InfoContext(ctx, "serving metrics", "addr", a.cfg.Observability.MetricsAddr)
	}

	if url := a.cfg.Events.NATSURL; url != "" {
		natsSink, conn, err := events.ConnectNATS(url, a.cfg.Events.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
		a.sink = events.MultiSink{a.sink, natsSink}
		a.logger.InfoContext(ctx, "publishing events to NATS", "url", url, "prefix", a.cfg.Events.SubjectPrefix)
	}
	return nil
}

// Scheduler builds a scheduler running phases against the configured
// scoring service.
func (a *App) Scheduler() *scheduler.Scheduler {
	client := phase.NewClient(a.cfg, phase.NewHTTPClient(a.cfg.HTTP), a.logger, a.metrics)
	return scheduler.New(a.cfg, client,
		scheduler.WithEventSink(a.sink),
		scheduler.WithLogger(a.logger),
		scheduler.WithMetrics(a.metrics),
	)
}

// Shutdown stops the metrics endpoint and drains NATS.
func (a *App) Shutdown(timeout time.Duration) {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
	}
}
