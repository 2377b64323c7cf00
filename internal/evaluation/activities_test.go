package evaluation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/ahrav/go-convoeval/internal/domain"
	"github.com/ahrav/go-convoeval/internal/evalerrors"
	"github.com/ahrav/go-convoeval/internal/phase"
	"github.com/ahrav/go-convoeval/pkg/activity"
	"github.com/ahrav/go-convoeval/pkg/events"
)

const payload = `{"overall":{"type":"numerical","value":3,"max_value":4}}`

// stubRunner answers every phase with the same per-metric error map: a
// metric listed in failures fails with that message, all others succeed.
type stubRunner struct {
	failures map[string]string
}

func (s stubRunner) Run(_ context.Context, req phase.Request, cb phase.Callbacks) (*domain.PhaseOutcome, error) {
	o := domain.NewPhaseOutcome(req.Phase(), req.Metrics)
	for i, m := range req.Metrics {
		p := phase.MetricProgress{Phase: req.Phase(), Metric: m, Completed: i + 1, Total: len(req.Metrics)}
		if msg, ok := s.failures[m]; ok {
			o.RecordFailure(m, msg)
			p.Error = msg
		} else {
			o.RecordSuccess(m, json.RawMessage(payload))
			p.Result = json.RawMessage(payload)
		}
		if cb.OnProgress != nil {
			cb.OnProgress(p)
		}
	}
	return o, nil
}

func validRequest() domain.EvaluationRequest {
	return domain.EvaluationRequest{
		Conversation:      []domain.Turn{{Speaker: "therapist", Text: "Tell me more."}, {Speaker: "client", Text: "It's work."}},
		PredefinedMetrics: []string{"empathy", "reflection"},
		LiteratureMetrics: []string{"mi_adherence"},
		Provider:          "openai",
		Model:             "gpt-4o",
	}
}

func TestEvaluateConversation(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	sink := events.NewMemorySink()
	acts := NewActivities(activity.NewBaseActivities(sink), nil,
		stubRunner{failures: map[string]string{"reflection": "no therapist turns"}}, nil, nil)
	env.RegisterActivity(acts.EvaluateConversation)

	val, err := env.ExecuteActivity(acts.EvaluateConversation, Input{Request: validRequest()})
	require.NoError(t, err)

	var out Output
	require.NoError(t, val.Get(&out))
	assert.NotEmpty(t, out.RunID)
	assert.InDelta(t, 7.5, out.Result.OverallScores["empathy"], 1e-9)
	assert.Len(t, out.Result.TurnScores, 2)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "reflection", out.Failures[0].Metric)
	assert.Equal(t, 3, out.Progress.CompletedMetrics)

	recorded := sink.Events()
	require.NotEmpty(t, recorded)
	for _, e := range recorded {
		assert.NotEmpty(t, e.WorkflowID, "activity events carry the workflow id")
	}
}

func TestEvaluateConversation_Errors(t *testing.T) {
	acts := NewActivities(activity.NewBaseActivities(nil), nil,
		stubRunner{failures: map[string]string{"empathy": "boom", "reflection": "boom", "mi_adherence": "boom"}}, nil, nil)

	tests := []struct {
		name     string
		req      func() domain.EvaluationRequest
		wantType string
	}{
		{
			name: "no conversation",
			req: func() domain.EvaluationRequest {
				r := validRequest()
				r.Conversation = nil
				return r
			},
			wantType: ErrorTypeValidation,
		},
		{
			name: "nothing runnable",
			req: func() domain.EvaluationRequest {
				r := validRequest()
				r.PredefinedMetrics, r.LiteratureMetrics = nil, nil
				return r
			},
			wantType: ErrorTypeValidation,
		},
		{
			name:     "every metric failed",
			req:      validRequest,
			wantType: ErrorTypeTotalFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := acts.EvaluateConversation(context.Background(), Input{Request: tt.req()})
			require.Error(t, err)

			var appErr *temporal.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantType, appErr.Type())
			assert.True(t, appErr.NonRetryable())
		})
	}
}

func TestEvaluateConversation_Cancelled(t *testing.T) {
	acts := NewActivities(activity.NewBaseActivities(nil), nil, stubRunner{}, nil, nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(evalerrors.ErrCancelled)

	_, err := acts.EvaluateConversation(ctx, Input{Request: validRequest()})

	var canceled *temporal.CanceledError
	assert.ErrorAs(t, err, &canceled)
}

// stalledRunner never produces a result; it returns once its context ends.
type stalledRunner struct{}

func (stalledRunner) Run(ctx context.Context, req phase.Request, _ phase.Callbacks) (*domain.PhaseOutcome, error) {
	<-ctx.Done()
	return domain.NewPhaseOutcome(req.Phase(), req.Metrics), context.Cause(ctx)
}

func TestEvaluateConversation_PhaseTimeoutFromInput(t *testing.T) {
	acts := NewActivities(activity.NewBaseActivities(nil), nil, stalledRunner{}, nil, nil)

	start := time.Now()
	_, err := acts.EvaluateConversation(context.Background(), Input{
		Request:      validRequest(),
		PhaseTimeout: 50 * time.Millisecond,
	})

	assert.Less(t, time.Since(start), 10*time.Second, "worker default timeout must not apply")
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ErrorTypeTotalFailure, appErr.Type())
	assert.Contains(t, appErr.Error(), evalerrors.ErrPhaseTimeout.Error())
}
