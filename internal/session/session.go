// Package session exposes an evaluation run as live state with start,
// abort and reset controls.
//
// A Session runs at most one evaluation at a time. Each run gets a fresh
// cancellable context; Abort cancels it with evalerrors.ErrCancelled and
// the session returns to idle without an error or result. Progress and
// terminal transitions are published to subscribers as State snapshots.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ahrav/go-convoeval/internal/domain"
	"github.com/ahrav/go-convoeval/internal/evalerrors"
	"github.com/ahrav/go-convoeval/internal/scheduler"
)

// ErrAlreadyRunning is returned by Start while a run is active.
var ErrAlreadyRunning = errors.New("evaluation already running")

// Evaluator runs one evaluation. *scheduler.Scheduler implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, req *domain.EvaluationRequest, observe scheduler.Observer) (*scheduler.Report, error)
}

var _ Evaluator = (*scheduler.Scheduler)(nil)

// State is a snapshot of the session.
type State struct {
	IsRunning bool `json:"is_running"`

	// Progress is the global completion percentage on [0, 100].
	Progress float64              `json:"progress"`
	Detail   domain.ProgressState `json:"detail"`

	// Error is the user-facing message of a failed run. Empty on success
	// and after a cancellation.
	Error string `json:"error,omitempty"`

	Result   *domain.EvaluationResult  `json:"result,omitempty"`
	Failures []scheduler.MetricFailure `json:"failures,omitempty"`
	RunID    string                    `json:"run_id,omitempty"`
}

// Outcome is handed to the completion callback of a run that finished on
// its own. Exactly one of Report and Err is set.
type Outcome struct {
	Report *scheduler.Report
	Err    error
}

// Session drives evaluations and tracks their state. Safe for concurrent
// use.
type Session struct {
	evaluator Evaluator
	logger    *slog.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	abort  context.CancelCauseFunc
	done   chan struct{}
	subs   map[int]chan State
	nextID int
}

// New creates an idle session. A nil logger uses slog.Default.
func New(evaluator Evaluator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		evaluator: evaluator,
		logger:    logger.With("component", "session"),
		subs:      make(map[int]chan State),
	}
}

// Start launches an evaluation of req and returns immediately.
//
// Pre-flight problems (no conversation, invalid request, nothing to run)
// are returned synchronously and also recorded as the session error.
// onComplete, when non-nil, runs on the evaluation goroutine after the
// state has been updated, for completed and failed runs only; aborted or
// reset runs finish silently.
func (s *Session) Start(ctx context.Context, req *domain.EvaluationRequest, onComplete func(Outcome)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsRunning {
		return ErrAlreadyRunning
	}
	if err := preflight(req); err != nil {
		s.gen++
		s.state = State{Error: err.Error()}
		s.broadcastLocked()
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	s.gen++
	gen := s.gen
	done := make(chan struct{})
	s.abort = cancel
	s.done = done
	s.state = State{IsRunning: true}
	s.broadcastLocked()

	go s.run(runCtx, cancel, gen, done, req, onComplete)
	return nil
}

func preflight(req *domain.EvaluationRequest) error {
	if req == nil {
		return domain.ErrNoConversation
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if len(scheduler.Plan(req)) == 0 {
		return domain.ErrNoMetricsSelected
	}
	return nil
}

func (s *Session) run(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	gen uint64,
	done chan struct{},
	req *domain.EvaluationRequest,
	onComplete func(Outcome),
) {
	defer close(done)
	defer cancel(nil)

	observe := func(p domain.ProgressState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return
		}
		s.state.Progress = p.Percent()
		s.state.Detail = p
		s.broadcastLocked()
	}

	report, err := s.evaluator.Evaluate(ctx, req, observe)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.abort = nil
	switch {
	case errors.Is(err, evalerrors.ErrCancelled):
		s.state = State{}
		s.broadcastLocked()
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "evaluation aborted")
		return

	case err != nil:
		s.state.IsRunning = false
		s.state.Error = err.Error()

	default:
		s.state.IsRunning = false
		s.state.Result = report.Result
		s.state.Failures = report.Failures
		s.state.RunID = report.RunID
		s.state.Detail = report.Progress
		s.state.Progress = report.Progress.Percent()
	}
	s.broadcastLocked()
	s.mu.Unlock()

	if onComplete != nil {
		onComplete(Outcome{Report: report, Err: err})
	}
}

// Abort cancels the active run, if any, and returns the session to idle
// with no error and no result. Phase streams observe the cancellation
// through their context; Wait blocks until they have wound down.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Reset aborts any active run and clears every field of the state,
// including the error and result of a finished run.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.state = State{}
	s.broadcastLocked()
}

func (s *Session) stopLocked() {
	if !s.state.IsRunning {
		return
	}
	if s.abort != nil {
		s.abort(evalerrors.ErrCancelled)
		s.abort = nil
	}
	s.gen++
	s.state = State{}
	s.broadcastLocked()
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until the most recently started run has returned or ctx is
// done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel receiving the latest State after every
// change, starting with the current one. Slow readers only ever see the
// newest snapshot. The returned function unsubscribes and closes the
// channel.
func (s *Session) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan State, 1)
	ch <- s.state
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *Session) broadcastLocked() {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.state
	}
}
