// Package phase implements the streaming client shared by every evaluation
// phase. One Client serves the predefined, custom and literature phases;
// the differences between them live entirely in the Endpoint of a Request.
package phase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahrav/go-convoeval/internal/configuration"
	"github.com/ahrav/go-convoeval/internal/domain"
	"github.com/ahrav/go-convoeval/internal/evalerrors"
	"github.com/ahrav/go-convoeval/internal/observability"
	"github.com/ahrav/go-convoeval/internal/stream"
)

const errorSnippetLimit = 512

// MetricProgress is reported once per decoded progress event.
type MetricProgress struct {
	Phase  domain.Phase
	Metric string

	// Result is the opaque payload of a successful metric, nil on error.
	Result json.RawMessage
	Error  string

	// Completed is the cumulative number of progress events in the phase.
	Completed int

	// Total is the authoritative total from the start event, or the
	// requested metric count when no start event arrived.
	Total int
}

// Succeeded reports whether the metric returned a score.
func (p MetricProgress) Succeeded() bool { return p.Result != nil }

// Callbacks receive stream events synchronously from the read loop. Either
// field may be nil. Callbacks must not block for long; they delay the read
// of the next line.
type Callbacks struct {
	OnStart    func(total int)
	OnProgress func(MetricProgress)
}

// Client issues phase requests and decodes their NDJSON result streams.
// It holds no per-run state and is safe for concurrent use.
type Client struct {
	http       *http.Client
	limiter    *rate.Limiter
	retry      configuration.RetryConfig
	terminator string
	chunkSize  int
	logger     *slog.Logger
	metrics    observability.Metrics
}

// NewClient creates a phase client. A nil httpClient gets a streaming
// transport built from cfg.HTTP; nil logger and metrics fall back to
// slog.Default and a no-op collector.
func NewClient(cfg *configuration.Config, httpClient *http.Client, logger *slog.Logger, metrics observability.Metrics) *Client {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.HTTP)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.TokensPerSecond), cfg.RateLimit.BurstSize)
	}

	return &Client{
		http:       httpClient,
		limiter:    limiter,
		retry:      cfg.Retry,
		terminator: cfg.Stream.Terminator,
		chunkSize:  cfg.Stream.ChunkSize,
		logger:     logger.With("component", "phase_client"),
		metrics:    observability.OrNoOp(metrics),
	}
}

// NewHTTPClient returns an HTTP client tuned for long-lived response
// streams. It sets no overall timeout.
func NewHTTPClient(cfg configuration.HTTPConfig) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport}
}

// Run executes one phase and returns its outcome once the stream closes.
//
// The returned outcome is non-nil whenever the request passed validation
// and keeps every success decoded before a fault. The error is nil on a
// clean close, evalerrors.ErrCancelled when ctx was cancelled with that
// cause, a *evalerrors.TimeoutError when ctx hit its deadline, and a
// *evalerrors.TransportError for a failed open or read.
func (c *Client) Run(ctx context.Context, req Request, cb Callbacks) (*domain.PhaseOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	phase := req.Phase()
	outcome := domain.NewPhaseOutcome(phase, req.Metrics)
	logger := c.logger.With("phase", phase, "metrics", len(req.Metrics))

	window := time.Duration(0)
	if deadline, ok := ctx.Deadline(); ok {
		window = time.Until(deadline).Round(time.Millisecond)
	}

	logger.DebugContext(ctx, "opening phase stream", "url", req.Endpoint.URL)
	resp, err := c.open(ctx, req)
	if err != nil {
		return c.settle(ctx, logger, outcome, window, err)
	}
	defer resp.Body.Close()

	err = c.consume(ctx, logger, req, resp.Body, outcome, cb)
	return c.settle(ctx, logger, outcome, window, err)
}

// open sends the request, retrying only connection faults, 429 and 5xx
// while the retry budget allows. Nothing has been decoded at this point so
// a retry never duplicates progress.
func (c *Client) open(ctx context.Context, req Request) (*http.Response, error) {
	body, err := req.body()
	if err != nil {
		return nil, err
	}

	phase := req.Phase()
	started := time.Now()
	maxAttempts := max(c.retry.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, &evalerrors.TransportError{Phase: string(phase), Message: "rate limiter: " + err.Error(), Cause: err}
			}
		}

		resp, err := c.do(ctx, req, body)
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.IncrementCounter(observability.MetricStreamOpenAttempts,
			map[string]string{"phase": string(phase), "status": status}, 1)
		if err == nil {
			return resp, nil
		}

		if attempt >= maxAttempts || ctx.Err() != nil || !evalerrors.IsRetryableError(err) {
			return nil, err
		}
		delay := Backoff(attempt, c.retry, err)
		if c.retry.MaxElapsedTime > 0 && time.Since(started)+delay > c.retry.MaxElapsedTime {
			return nil, err
		}

		c.logger.WarnContext(ctx, "retrying phase stream",
			"phase", phase, "attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, context.Cause(ctx)
		case <-timer.C:
		}
	}
}

// do performs a single HTTP attempt and validates status and body.
func (c *Client) do(ctx context.Context, req Request, body []byte) (*http.Response, error) {
	phase := string(req.Phase())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &evalerrors.TransportError{Phase: phase, Message: err.Error(), Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	for k, v := range req.Endpoint.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &evalerrors.TransportError{Phase: phase, Message: err.Error(), Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &evalerrors.TransportError{
			Phase:      phase,
			StatusCode: resp.StatusCode,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, &evalerrors.TransportError{
			Phase:      phase,
			StatusCode: resp.StatusCode,
			Message:    evalerrors.ErrMissingBody.Error(),
			Cause:      evalerrors.ErrMissingBody,
		}
	}
	return resp, nil
}

// consume reads the stream to completion, recording every progress event
// into outcome and reporting it through cb.
func (c *Client) consume(
	ctx context.Context,
	logger *slog.Logger,
	req Request,
	body io.Reader,
	outcome *domain.PhaseOutcome,
	cb Callbacks,
) error {
	phase := req.Phase()
	total := len(req.Metrics)
	completed := 0

	for line, err := range stream.Lines(body, c.terminator, c.chunkSize) {
		if err != nil {
			return &evalerrors.TransportError{Phase: string(phase), Message: "read stream: " + err.Error(), Cause: err}
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		ev, err := stream.ParseEvent(line)
		if errors.Is(err, stream.ErrBlankLine) {
			continue
		}
		if err != nil {
			logger.WarnContext(ctx, "skipping malformed stream line", "error", err)
			c.metrics.IncrementCounter(observability.MetricProtocolErrors, map[string]string{"phase": string(phase)}, 1)
			continue
		}

		switch ev.Type {
		case stream.EventStart:
			if ev.TotalMetrics != total {
				logger.DebugContext(ctx, "adopting authoritative metric total",
					"requested", len(req.Metrics), "total", ev.TotalMetrics)
			}
			total = ev.TotalMetrics
			outcome.Total = total
			if cb.OnStart != nil {
				cb.OnStart(total)
			}

		case stream.EventProgress:
			completed++
			progress := MetricProgress{
				Phase:     phase,
				Metric:    ev.Metric,
				Completed: completed,
				Total:     total,
			}
			if !slices.Contains(outcome.Requested, ev.Metric) {
				logger.WarnContext(ctx, "result for unrequested metric", "metric", ev.Metric, "status", ev.Status)
			}
			if ev.Succeeded() {
				if !outcome.RecordSuccess(ev.Metric, ev.Result) {
					logger.WarnContext(ctx, "duplicate result for metric ignored", "metric", ev.Metric)
				}
				progress.Result = ev.Result
			} else {
				outcome.RecordFailure(ev.Metric, ev.Error)
				progress.Error = ev.Error
				logger.InfoContext(ctx, "metric failed", "metric", ev.Metric, "error", ev.Error)
			}
			c.metrics.IncrementCounter(observability.MetricMetricResults,
				map[string]string{"phase": string(phase), "status": string(ev.Status)}, 1)
			if cb.OnProgress != nil {
				cb.OnProgress(progress)
			}
		}
	}

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// settle maps the terminal error of a run onto the outcome. Context state
// wins over whatever error the transport reported, so an abort or deadline
// that surfaced as a broken read is classified by its cause.
func (c *Client) settle(
	ctx context.Context,
	logger *slog.Logger,
	outcome *domain.PhaseOutcome,
	window time.Duration,
	err error,
) (*domain.PhaseOutcome, error) {
	if err == nil {
		logger.DebugContext(ctx, "phase stream closed",
			"succeeded", outcome.SuccessCount(), "failed", len(outcome.MetricErrors))
		return outcome, nil
	}

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, evalerrors.ErrPhaseTimeout), errors.Is(cause, context.DeadlineExceeded):
			err = &evalerrors.TimeoutError{Phase: string(outcome.Phase), Timeout: window}
		default:
			outcome.Cancelled = true
			outcome.Err = evalerrors.ErrCancelled
			logger.InfoContext(ctx, "phase stream cancelled", "succeeded", outcome.SuccessCount())
			return outcome, evalerrors.ErrCancelled
		}
	}

	var transportErr *evalerrors.TransportError
	var timeoutErr *evalerrors.TimeoutError
	if !errors.As(err, &transportErr) && !errors.As(err, &timeoutErr) {
		err = &evalerrors.TransportError{Phase: string(outcome.Phase), Message: err.Error(), Cause: err}
	}

	outcome.Err = err
	logger.WarnContext(ctx, "phase failed",
		"error", err, "succeeded", outcome.SuccessCount(), "type", evalerrors.Classify(err).Type)
	return outcome, err
}
