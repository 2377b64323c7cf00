package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-convoeval/internal/configuration"
	"github.com/ahrav/go-convoeval/internal/domain"
	"github.com/ahrav/go-convoeval/internal/evalerrors"
	"github.com/ahrav/go-convoeval/internal/phase"
	"github.com/ahrav/go-convoeval/pkg/events"
)

const scorePayload = `{"granularity":"conversation","overall":{"type":"numerical","value":4,"max_value":5}}`

type runFunc func(ctx context.Context, req phase.Request, cb phase.Callbacks) (*domain.PhaseOutcome, error)

// fakeRunner dispatches to a per-phase script.
type fakeRunner map[domain.Phase]runFunc

func (f fakeRunner) Run(ctx context.Context, req phase.Request, cb phase.Callbacks) (*domain.PhaseOutcome, error) {
	run, ok := f[req.Phase()]
	if !ok {
		return nil, fmt.Errorf("unexpected phase %s", req.Phase())
	}
	return run(ctx, req, cb)
}

// step is one scripted progress record; an empty err means success.
type step struct {
	metric string
	err    string
}

// emit replays steps through cb the way the phase client does and returns
// the resulting outcome.
func emit(req phase.Request, cb phase.Callbacks, steps ...step) *domain.PhaseOutcome {
	o := domain.NewPhaseOutcome(req.Phase(), req.Metrics)
	if cb.OnStart != nil {
		cb.OnStart(len(req.Metrics))
	}
	for i, s := range steps {
		p := phase.MetricProgress{Phase: req.Phase(), Metric: s.metric, Completed: i + 1, Total: len(req.Metrics)}
		if s.err != "" {
			o.RecordFailure(s.metric, s.err)
			p.Error = s.err
		} else {
			o.RecordSuccess(s.metric, json.RawMessage(scorePayload))
			p.Result = json.RawMessage(scorePayload)
		}
		if cb.OnProgress != nil {
			cb.OnProgress(p)
		}
	}
	return o
}

func scripted(steps ...step) runFunc {
	return func(_ context.Context, req phase.Request, cb phase.Callbacks) (*domain.PhaseOutcome, error) {
		return emit(req, cb, steps...), nil
	}
}

func failing(err error, steps ...step) runFunc {
	return func(_ context.Context, req phase.Request, cb phase.Callbacks) (*domain.PhaseOutcome, error) {
		o := emit(req, cb, steps...)
		o.Err = err
		return o, err
	}
}

func request() *domain.EvaluationRequest {
	return &domain.EvaluationRequest{
		Conversation: []domain.Turn{
			{Speaker: "therapist", Text: "How have you been sleeping?"},
			{Speaker: "client", Text: "Badly, maybe four hours."},
			{Speaker: "therapist", Text: "That sounds exhausting."},
		},
		PredefinedMetrics: []string{"a", "b"},
		LiteratureMetrics: []string{"c"},
		Provider:          "openai",
		Model:             "gpt-4o",
	}
}

// recorder collects every observed state.
type recorder struct {
	mu     sync.Mutex
	states []domain.ProgressState
}

func (r *recorder) observe(s domain.ProgressState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) last() domain.ProgressState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func TestPlan(t *testing.T) {
	req := request()
	req.CustomMetrics = []string{"x"}

	tasks := Plan(req)
	require.Len(t, tasks, 2, "custom needs a locked profile")
	assert.Equal(t, domain.PhasePredefined, tasks[0].Phase)
	assert.Equal(t, domain.PhaseLiterature, tasks[1].Phase)

	req.Profile = &domain.Profile{Name: "rubric", Locked: true}
	tasks = Plan(req)
	require.Len(t, tasks, 3)
	assert.Equal(t, []domain.Phase{domain.PhasePredefined, domain.PhaseCustom, domain.PhaseLiterature},
		[]domain.Phase{tasks[0].Phase, tasks[1].Phase, tasks[2].Phase})

	req.Profile.Locked = false
	req.PredefinedMetrics, req.LiteratureMetrics = nil, nil
	assert.Empty(t, Plan(req))
	assert.Nil(t, Plan(nil))
}

func TestEvaluate_PreflightErrors(t *testing.T) {
	s := New(nil, fakeRunner{})

	_, err := s.Evaluate(context.Background(), &domain.EvaluationRequest{Provider: "p", Model: "m"}, nil)
	assert.ErrorIs(t, err, domain.ErrNoConversation)

	req := request()
	req.PredefinedMetrics, req.LiteratureMetrics = nil, nil
	req.CustomMetrics = []string{"x"}
	_, err = s.Evaluate(context.Background(), req, nil)
	assert.ErrorIs(t, err, domain.ErrNoMetricsSelected)
	assert.NotErrorIs(t, err, evalerrors.ErrTotalFailure)

	req = request()
	req.Provider = ""
	_, err = s.Evaluate(context.Background(), req, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestEvaluate_TotalFailure(t *testing.T) {
	sink := events.NewMemorySink()
	s := New(nil, fakeRunner{
		domain.PhasePredefined: scripted(step{"a", "model refused a"}, step{"b", "model refused b"}),
		domain.PhaseLiterature: scripted(step{"c", "model refused c"}),
	}, WithEventSink(sink))

	report, err := s.Evaluate(context.Background(), request(), nil)

	require.Error(t, err)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, evalerrors.ErrTotalFailure)
	var tf *evalerrors.TotalFailureError
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, "model refused a", tf.Error())
	assert.Len(t, tf.Errors, 3)

	finished := sink.OfType(events.TypeRunFinished)
	require.Len(t, finished, 1)
	var payload events.RunFinished
	require.NoError(t, finished[0].Decode(&payload))
	assert.Equal(t, events.OutcomeFailed, payload.Outcome)
	assert.Equal(t, "model refused a", payload.Error)
}

func TestEvaluate_UnrequestedSuccessIsStillTotalFailure(t *testing.T) {
	s := New(nil, fakeRunner{
		domain.PhasePredefined: scripted(step{"a", "model refused a"}, step{"b", "model refused b"}, step{"zzz", ""}),
		domain.PhaseLiterature: scripted(step{"c", "model refused c"}),
	})

	report, err := s.Evaluate(context.Background(), request(), nil)

	assert.Nil(t, report)
	require.ErrorIs(t, err, evalerrors.ErrTotalFailure)
	var tf *evalerrors.TotalFailureError
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, "model refused a", tf.Error())
	assert.Len(t, tf.Errors, 3)
}

func TestEvaluate_ConfiguredLabelScale(t *testing.T) {
	cfg := configuration.DefaultConfig()
	cfg.Scheduler.LabelScale = map[string]float64{"Excellent": 9}
	labelled := func(_ context.Context, req phase.Request, _ phase.Callbacks) (*domain.PhaseOutcome, error) {
		o := domain.NewPhaseOutcome(req.Phase(), req.Metrics)
		for _, m := range req.Metrics {
			o.RecordSuccess(m, json.RawMessage(`{"overall":{"type":"categorical","label":"excellent"}}`))
		}
		return o, nil
	}
	s := New(cfg, fakeRunner{domain.PhasePredefined: labelled, domain.PhaseLiterature: labelled})

	report, err := s.Evaluate(context.Background(), request(), nil)

	require.NoError(t, err)
	assert.InDelta(t, 9.0, report.Result.OverallScores["a"], 1e-9)
	assert.Equal(t, "excellent", report.Result.OverallLabels["c"])
	assert.Zero(t, report.Result.ScoredTurns())
}

func TestEvaluate_TotalFailureFromTransport(t *testing.T) {
	down := &evalerrors.TransportError{Phase: "predefined", StatusCode: 503, Message: "unavailable"}
	s := New(nil, fakeRunner{
		domain.PhasePredefined: failing(down),
		domain.PhaseLiterature: scripted(step{"c", "bad rubric"}),
	})

	_, err := s.Evaluate(context.Background(), request(), nil)

	assert.EqualError(t, err, "predefined phase: status 503: unavailable")
}

func TestEvaluate_PartialSuccess(t *testing.T) {
	sink := events.NewMemorySink()
	rec := &recorder{}
	down := &evalerrors.TransportError{Phase: "literature", StatusCode: 502, Message: "bad gateway"}
	s := New(nil, fakeRunner{
		domain.PhasePredefined: scripted(step{"a", ""}, step{"b", "rate limited"}),
		domain.PhaseLiterature: failing(down),
	}, WithEventSink(sink))

	report, err := s.Evaluate(context.Background(), request(), rec.observe)

	require.NoError(t, err)
	require.NotNil(t, report)
	assert.NotEmpty(t, report.RunID)
	assert.Len(t, report.Result.RawResults, 3)
	assert.Len(t, report.Result.TurnScores, 3)
	assert.InDelta(t, 8.0, report.Result.OverallScores["a"], 1e-9)
	assert.Equal(t, []MetricFailure{
		{Phase: domain.PhasePredefined, Metric: "b", Reason: "rate limited"},
		{Phase: domain.PhaseLiterature, Metric: "c", Reason: "literature phase: status 502: bad gateway"},
	}, report.Failures)
	assert.ErrorIs(t, report.Warnings, down)

	final := rec.last()
	assert.Equal(t, 2, final.CompletedMetrics)
	assert.Equal(t, 3, final.TotalMetrics)
	assert.True(t, final.CompletedPhases[domain.PhasePredefined])
	assert.True(t, final.CompletedPhases[domain.PhaseLiterature])
	assert.Equal(t, report.Progress, final)

	assert.Len(t, sink.OfType(events.TypeRunStarted), 1)
	assert.Len(t, sink.OfType(events.TypeMetricCompleted), 2)
	settledEvents := sink.OfType(events.TypePhaseSettled)
	require.Len(t, settledEvents, 2)
	for _, env := range settledEvents {
		var p events.PhaseSettled
		require.NoError(t, env.Decode(&p))
		if p.Phase == "literature" {
			assert.Equal(t, "transport", p.ErrorType)
		}
	}
}

func TestEvaluate_ProgressIsMonotonic(t *testing.T) {
	rec := &recorder{}
	s := New(nil, fakeRunner{
		domain.PhasePredefined: scripted(step{"a", ""}, step{"b", ""}),
		domain.PhaseLiterature: scripted(step{"c", ""}),
	})

	_, err := s.Evaluate(context.Background(), request(), rec.observe)
	require.NoError(t, err)

	require.NotEmpty(t, rec.states)
	assert.Zero(t, rec.states[0].CompletedMetrics, "initial state is observed first")
	for i := 1; i < len(rec.states); i++ {
		assert.GreaterOrEqual(t, rec.states[i].CompletedMetrics, rec.states[i-1].CompletedMetrics)
		assert.LessOrEqual(t, rec.states[i].CompletedMetrics, rec.states[i].TotalMetrics)
	}
	assert.InDelta(t, 100.0, rec.last().Percent(), 1e-9)
}

func TestEvaluate_Cancellation(t *testing.T) {
	sink := events.NewMemorySink()
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	blocked := func(ctx context.Context, req phase.Request, cb phase.Callbacks) (*domain.PhaseOutcome, error) {
		o := emit(req, cb, step{req.Metrics[0], ""})
		<-ctx.Done()
		o.Err = context.Cause(ctx)
		return o, o.Err
	}
	s := New(nil, fakeRunner{domain.PhasePredefined: blocked, domain.PhaseLiterature: blocked}, WithEventSink(sink))

	observe := func(st domain.ProgressState) {
		if st.CompletedMetrics == 2 {
			cancel(evalerrors.ErrCancelled)
		}
	}
	report, err := s.Evaluate(ctx, request(), observe)

	assert.ErrorIs(t, err, evalerrors.ErrCancelled)
	assert.Nil(t, report, "a cancelled run yields no result even with partial successes")

	finished := sink.OfType(events.TypeRunFinished)
	require.Len(t, finished, 1)
	var payload events.RunFinished
	require.NoError(t, finished[0].Decode(&payload))
	assert.Equal(t, events.OutcomeCancelled, payload.Outcome)
}

func TestEvaluate_PhaseTimeoutSparesSiblings(t *testing.T) {
	cfg := configuration.DefaultConfig()
	cfg.Scheduler.PhaseTimeout = 50 * time.Millisecond

	causes := make(chan error, 1)
	slow := func(ctx context.Context, req phase.Request, _ phase.Callbacks) (*domain.PhaseOutcome, error) {
		<-ctx.Done()
		causes <- context.Cause(ctx)
		err := &evalerrors.TimeoutError{Phase: string(req.Phase()), Timeout: cfg.Scheduler.PhaseTimeout}
		return domain.NewPhaseOutcome(req.Phase(), req.Metrics), err
	}
	s := New(cfg, fakeRunner{
		domain.PhasePredefined: scripted(step{"a", ""}, step{"b", ""}),
		domain.PhaseLiterature: slow,
	})

	report, err := s.Evaluate(context.Background(), request(), nil)

	require.NoError(t, err)
	assert.ErrorIs(t, <-causes, evalerrors.ErrPhaseTimeout)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "c", report.Failures[0].Metric)
	assert.Equal(t, "literature phase timed out after 50ms", report.Failures[0].Reason)
	assert.Equal(t, domain.ResultSuccess, report.Result.RawResults["b"].Status)
}

func TestEvaluate_PhasesRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(3)
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()

	barrier := func(metric string) runFunc {
		return func(ctx context.Context, req phase.Request, cb phase.Callbacks) (*domain.PhaseOutcome, error) {
			started.Done()
			select {
			case <-allStarted:
			case <-time.After(5 * time.Second):
				return nil, errors.New("phases were not launched concurrently")
			}
			return emit(req, cb, step{metric, ""}), nil
		}
	}
	req := request()
	req.PredefinedMetrics = []string{"a"}
	req.CustomMetrics = []string{"b"}
	req.Profile = &domain.Profile{Name: "rubric", Locked: true}

	s := New(nil, fakeRunner{
		domain.PhasePredefined: barrier("a"),
		domain.PhaseCustom:     barrier("b"),
		domain.PhaseLiterature: barrier("c"),
	})

	report, err := s.Evaluate(context.Background(), req, nil)

	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Len(t, report.Result.OverallScores, 3)
}

func TestEvaluate_ForwardsRequestFields(t *testing.T) {
	req := request()
	req.PredefinedMetrics = nil
	req.CustomMetrics = []string{"x"}
	req.Profile = &domain.Profile{Name: "rubric", Locked: true}
	req.APIKey = "sk-test"

	got := make(chan phase.Request, 2)
	capture := func(_ context.Context, r phase.Request, cb phase.Callbacks) (*domain.PhaseOutcome, error) {
		got <- r
		return emit(r, cb, step{r.Metrics[0], ""}), nil
	}
	s := New(nil, fakeRunner{domain.PhaseCustom: capture, domain.PhaseLiterature: capture})

	_, err := s.Evaluate(context.Background(), req, nil)
	require.NoError(t, err)
	close(got)

	byPhase := map[domain.Phase]phase.Request{}
	for r := range got {
		byPhase[r.Phase()] = r
	}
	custom := byPhase[domain.PhaseCustom]
	assert.Equal(t, []string{"x"}, custom.Metrics)
	assert.Equal(t, "sk-test", custom.APIKey)
	assert.Equal(t, "gpt-4o", custom.Model)
	require.NotNil(t, custom.Profile)
	assert.Equal(t, "http://localhost:8000/api/evaluate/custom/stream", custom.Endpoint.URL)
	assert.Nil(t, byPhase[domain.PhaseLiterature].Profile, "only the custom phase carries the profile")
}

// ndjson writes lines to w, flushing after each one.
func ndjson(w http.ResponseWriter, lines ...string) {
	flusher, _ := w.(http.Flusher)
	for _, line := range lines {
		fmt.Fprintln(w, line)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestEvaluate_EndToEndWithPhaseClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/evaluate/predefined/stream", func(w http.ResponseWriter, _ *http.Request) {
		ndjson(w,
			`{"type":"start","total_metrics":2}`,
			`{"type":"progress","status":"success","metric":"a","result":{"per_utterance":[{"index":1,"metrics":{"a":{"type":"categorical","label":"yes"}}}]}}`,
			`not json`,
			`{"type":"progress","status":"error","metric":"b","error":"rubric missing"}`,
		)
	})
	mux.HandleFunc("/api/evaluate/literature/stream", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := configuration.DefaultConfig()
	cfg.Service.BaseURL = srv.URL
	s := New(cfg, phase.NewClient(cfg, srv.Client(), nil, nil))
	rec := &recorder{}

	report, err := s.Evaluate(context.Background(), request(), rec.observe)

	require.NoError(t, err)
	assert.Equal(t, "yes", report.Result.OverallLabels["a"])
	assert.InDelta(t, 10.0, report.Result.OverallScores["a"], 1e-9)
	assert.Equal(t, "yes", report.Result.TurnScores[1].Metrics["a"].Label())
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "rubric missing", report.Failures[0].Reason)
	assert.Contains(t, report.Failures[1].Reason, "status 503")
	assert.Equal(t, 2, rec.last().CompletedMetrics)
}

func TestEvaluate_EndToEndCancellation(t *testing.T) {
	release := make(chan struct{})
	handler := func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `{"type":"start","total_metrics":2}`,
			`{"type":"progress","status":"success","metric":"a","result":{"overall":{"value":1,"max_value":2}}}`)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()
	defer close(release)

	cfg := configuration.DefaultConfig()
	cfg.Service.BaseURL = srv.URL
	s := New(cfg, phase.NewClient(cfg, srv.Client(), nil, nil))

	req := request()
	req.LiteratureMetrics = nil
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	observe := func(st domain.ProgressState) {
		if st.CompletedMetrics == 1 {
			cancel(evalerrors.ErrCancelled)
		}
	}

	report, err := s.Evaluate(ctx, req, observe)

	assert.ErrorIs(t, err, evalerrors.ErrCancelled)
	assert.Nil(t, report)
}
