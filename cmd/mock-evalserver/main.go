// Package main implements a mock scoring service for local runs and e2e
// tests. It serves the three streaming phase endpoints with deterministic
// NDJSON, so the orchestrator can be exercised offline without an LLM.
//
// Usage:
//
//	mock-evalserver --addr :8000 --delay 200ms
//
// Every request streams a start record followed by one progress record per
// requested metric. Metric names select behavior by prefix:
//
//	fail_     the metric reports an error
//	slow_     the metric is emitted after --delay
//	hang_     the stream stalls until the client goes away
//	garbage_  a malformed line precedes the metric's result
//	label_    the metric scores with categorical labels instead of numbers
//	overall_  the metric returns a single conversation-level score
//
// A metric named "abort_stream" ends the response right after the start
// record, leaving every metric of the phase without a result.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-convoeval/internal/domain"
)

// Metric name prefixes that select scripted behavior.
const (
	prefixFail    = "fail_"
	prefixSlow    = "slow_"
	prefixHang    = "hang_"
	prefixGarbage = "garbage_"
	prefixLabel   = "label_"
	prefixOverall = "overall_"

	metricAbortStream = "abort_stream"
)

// Body keys accepted for the conversation and the metric list. The
// literature endpoint uses the short names.
var (
	conversationKeys = []string{"conversationTurns", "conversation"}
	metricKeys       = []string{"metricNames", "metrics"}
)

type wireTurn struct {
	Index   int    `json:"index"`
	ID      string `json:"id"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type evaluateRequest struct {
	Turns    []wireTurn
	Metrics  []string
	Provider string
	Model    string
}

type server struct {
	router   *mux.Router
	delay    time.Duration
	logger   *slog.Logger
	requests atomic.Int64
	metrics  atomic.Int64
}

func newServer(delay time.Duration, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{
		router: mux.NewRouter(),
		delay:  delay,
		logger: logger,
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Type"},
	})
	s.router.Use(c.Handler)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/api/evaluate/{phase}/stream", s.handleEvaluate).Methods(http.MethodPost, http.MethodOptions)
	return s
}

// Handler returns the HTTP handler of the server.
func (s *server) Handler() http.Handler { return s.router }

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{
		"requests": s.requests.Load(),
		"metrics":  s.metrics.Load(),
	})
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	phase := domain.Phase(mux.Vars(r)["phase"])
	if err := phase.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	req, err := decodeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.requests.Add(1)
	s.logger.Info("evaluate request",
		"phase", phase,
		"metrics", len(req.Metrics),
		"turns", len(req.Turns),
		"provider", req.Provider,
		"model", req.Model)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	emit := func(line []byte) bool {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	start, _ := json.Marshal(map[string]any{"type": "start", "total_metrics": len(req.Metrics)})
	if !emit(start) {
		return
	}

	for _, metric := range req.Metrics {
		if metric == metricAbortStream {
			return
		}
		if !s.await(r.Context(), metric) {
			return
		}
		if strings.HasPrefix(metric, prefixGarbage) && !emit([]byte(`{"type":`)) {
			return
		}
		line, err := progressLine(metric, req.Turns)
		if err != nil {
			s.logger.Error("failed to build result", "metric", metric, "error", err)
			return
		}
		if !emit(line) {
			return
		}
		s.metrics.Add(1)
	}
}

// await applies the delay scripted for metric. It reports false when the
// client went away first.
func (s *server) await(ctx context.Context, metric string) bool {
	switch {
	case strings.HasPrefix(metric, prefixHang):
		<-ctx.Done()
		return false
	case strings.HasPrefix(metric, prefixSlow) && s.delay > 0:
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-t.C:
			return true
		case <-ctx.Done():
			return false
		}
	default:
		return ctx.Err() == nil
	}
}

func decodeRequest(r *http.Request) (evaluateRequest, error) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return evaluateRequest{}, fmt.Errorf("invalid request body: %w", err)
	}

	var req evaluateRequest
	if err := decodeFirst(body, conversationKeys, &req.Turns); err != nil {
		return req, err
	}
	if err := decodeFirst(body, metricKeys, &req.Metrics); err != nil {
		return req, err
	}
	if len(req.Turns) == 0 {
		return req, errors.New("conversation is empty")
	}
	if len(req.Metrics) == 0 {
		return req, errors.New("no metrics requested")
	}
	_ = json.Unmarshal(body["provider"], &req.Provider)
	_ = json.Unmarshal(body["model"], &req.Model)
	return req, nil
}

func decodeFirst(body map[string]json.RawMessage, keys []string, dst any) error {
	for _, k := range keys {
		raw, ok := body[k]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("invalid %s: %w", k, err)
		}
		return nil
	}
	return fmt.Errorf("missing one of %s", strings.Join(keys, ", "))
}

// progressLine renders the progress record of metric.
func progressLine(metric string, turns []wireTurn) ([]byte, error) {
	if strings.HasPrefix(metric, prefixFail) {
		return json.Marshal(map[string]any{
			"type":   "progress",
			"metric": metric,
			"status": "error",
			"error":  fmt.Sprintf("scoring failed for %s", metric),
		})
	}

	payload, err := scorePayload(metric, turns)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"type":   "progress",
		"metric": metric,
		"status": "success",
		"result": payload,
	})
}

var labels = []string{"low", "medium", "high"}

// scorePayload derives a deterministic payload from the metric name and the
// turn positions.
func scorePayload(metric string, turns []wireTurn) (domain.MetricPayload, error) {
	seed := 0
	for _, r := range metric {
		seed += int(r)
	}

	score := func(i int) (domain.MetricScore, error) {
		if strings.HasPrefix(metric, prefixLabel) {
			return domain.NewCategorical(labels[(seed+i)%len(labels)], nil, nil)
		}
		return domain.NewNumerical(float64((seed+i)%5), 4, domain.HigherIsBetter, nil)
	}

	if strings.HasPrefix(metric, prefixOverall) {
		s, err := score(0)
		if err != nil {
			return domain.MetricPayload{}, err
		}
		return domain.MetricPayload{Granularity: domain.GranularityConversation, Overall: &s}, nil
	}

	p := domain.MetricPayload{Granularity: domain.GranularityUtterance}
	for _, t := range turns {
		s, err := score(t.Index)
		if err != nil {
			return domain.MetricPayload{}, err
		}
		p.PerUtterance = append(p.PerUtterance, domain.UtteranceResult{
			Index:     t.Index,
			Metrics:   map[string]domain.MetricScore{metric: s},
			Reasoning: map[string]string{metric: fmt.Sprintf("scored turn %d of %s", t.Index, t.Speaker)},
		})
	}
	return p, nil
}

func rootCmd() *cobra.Command {
	var (
		addr  string
		delay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mock-evalserver",
		Short: "Deterministic NDJSON scoring service for offline runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			s := newServer(delay, logger)

			srv := &http.Server{
				Addr:              addr,
				Handler:           s.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("mock scoring service listening", "addr", addr, "delay", delay)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8000", "Address to listen on")
	cmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "Delay applied to slow_ metrics")
	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
