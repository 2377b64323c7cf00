package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-convoeval/internal/domain"
	"github.com/ahrav/go-convoeval/internal/evalerrors"
)

func conversation(n int) []domain.Turn {
	turns := make([]domain.Turn, n)
	for i := range turns {
		speaker := "client"
		if i%2 == 0 {
			speaker = "therapist"
		}
		turns[i] = domain.Turn{Speaker: speaker, Text: fmt.Sprintf("turn %d", i)}
	}
	return turns
}

func outcome(phase domain.Phase, requested []string, payloads map[string]string) *domain.PhaseOutcome {
	o := domain.NewPhaseOutcome(phase, requested)
	for metric, payload := range payloads {
		o.RecordSuccess(metric, json.RawMessage(payload))
	}
	return o
}

func numerical(t *testing.T, value, maxValue float64) domain.MetricScore {
	t.Helper()
	s, err := domain.NewNumerical(value, maxValue, domain.HigherIsBetter, nil)
	require.NoError(t, err)
	return s
}

func categorical(t *testing.T, label string) domain.MetricScore {
	t.Helper()
	s, err := domain.NewCategorical(label, nil, nil)
	require.NoError(t, err)
	return s
}

func TestReconcile(t *testing.T) {
	o := outcome(domain.PhasePredefined, []string{"a", "b", "c"}, map[string]string{"a": `{"granularity":"conversation"}`})
	o.RecordFailure("b", "rate limited")
	o.Err = &evalerrors.TransportError{Phase: "predefined", Message: "connection reset"}

	raw := Reconcile(o)

	require.Len(t, raw, 3)
	assert.Equal(t, domain.ResultSuccess, raw["a"].Status)
	assert.JSONEq(t, `{"granularity":"conversation"}`, string(raw["a"].Payload))
	assert.Equal(t, domain.RawResult{Phase: domain.PhasePredefined, Status: domain.ResultFailed, Error: "rate limited"}, raw["b"])
	assert.True(t, raw["c"].Failed())
	assert.Equal(t, o.Err.Error(), raw["c"].Error)
}

func TestReconcile_NoResponse(t *testing.T) {
	raw := Reconcile(outcome(domain.PhaseLiterature, []string{"x"}, nil))
	assert.Equal(t, "no result returned for metric", raw["x"].Error)
	assert.Empty(t, Reconcile(nil))
}

func TestPhaseResult_Utterance(t *testing.T) {
	payload := `{
		"granularity": "utterance",
		"per_utterance": [
			{"index": 0, "metrics": {"empathy": {"type": "numerical", "value": 4, "max_value": 5}}, "reasoning": {"empathy": "validates feelings"}},
			{"index": 2, "metrics": {"empathy": {"type": "numerical", "value": 2, "max_value": 5}}},
			{"index": 7, "metrics": {"empathy": {"type": "numerical", "value": 5, "max_value": 5}}}
		]
	}`
	o := outcome(domain.PhasePredefined, []string{"empathy"}, map[string]string{"empathy": payload})

	result, errs := PhaseResult(o, conversation(3), nil)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTurnOutOfRange)

	require.Len(t, result.TurnScores, 3)
	assert.Equal(t, "turn-0", result.TurnScores[0].TurnID)
	assert.True(t, result.TurnScores[0].Metrics["empathy"].Equal(numerical(t, 4, 5)))
	assert.Equal(t, "validates feelings", result.TurnScores[0].Reasoning["empathy"])
	assert.True(t, result.TurnScores[1].IsEmpty())
	assert.Contains(t, result.TurnScores[2].Metrics, "empathy")

	assert.InDelta(t, 6.0, result.OverallScores["empathy"], 1e-9)
	assert.NotContains(t, result.OverallLabels, "empathy")
	assert.Equal(t, domain.ResultSuccess, result.RawResults["empathy"].Status)
}

func TestPhaseResult_SegmentCoversEveryTurn(t *testing.T) {
	payload := `{
		"granularity": "segment",
		"per_segment": [
			{"utterance_indices": [0, 1], "metrics": {"rapport": {"type": "categorical", "label": "high"}}, "reasoning": {"rapport": "warm opening"}}
		]
	}`
	o := outcome(domain.PhaseCustom, []string{"rapport"}, map[string]string{"rapport": payload})

	result, errs := PhaseResult(o, conversation(3), nil)

	assert.Empty(t, errs)
	for _, i := range []int{0, 1} {
		assert.Equal(t, "high", result.TurnScores[i].Metrics["rapport"].Label())
		assert.Equal(t, "warm opening", result.TurnScores[i].Reasoning["rapport"])
	}
	assert.True(t, result.TurnScores[2].IsEmpty())
	assert.Equal(t, "high", result.OverallLabels["rapport"])
	assert.InDelta(t, 10.0, result.OverallScores["rapport"], 1e-9)
}

func TestPhaseResult_OverallScore(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantScore float64
		hasScore  bool
		wantLabel string
	}{
		{
			name:      "numerical lower is better",
			payload:   `{"overall": {"type": "numerical", "value": 1, "max_value": 4, "direction": "lower_is_better"}}`,
			wantScore: 7.5,
			hasScore:  true,
		},
		{
			name:      "categorical on scale",
			payload:   `{"overall": {"type": "categorical", "label": "Medium", "confidence": 0.8}}`,
			wantScore: 5,
			hasScore:  true,
			wantLabel: "Medium",
		},
		{
			name:      "categorical off scale only labels",
			payload:   `{"overall": {"type": "categorical", "label": "reflective"}}`,
			wantLabel: "reflective",
		},
		{
			name:      "overall wins over per-turn",
			payload:   `{"overall": {"value": 10, "max_value": 10}, "per_utterance": [{"index": 0, "metrics": {"m": {"value": 0, "max_value": 10}}}]}`,
			wantScore: 10,
			hasScore:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := outcome(domain.PhaseLiterature, []string{"m"}, map[string]string{"m": tt.payload})
			result, errs := PhaseResult(o, conversation(2), nil)
			require.Empty(t, errs)

			score, ok := result.OverallScores["m"]
			assert.Equal(t, tt.hasScore, ok)
			if tt.hasScore {
				assert.InDelta(t, tt.wantScore, score, 1e-9)
			}
			assert.Equal(t, tt.wantLabel, result.OverallLabels["m"])
		})
	}
}

func TestPhaseResult_ModalLabelTieBreak(t *testing.T) {
	payload := `{"per_utterance": [
		{"index": 0, "metrics": {"tone": {"label": "warm"}}},
		{"index": 1, "metrics": {"tone": {"label": "cold"}}},
		{"index": 2, "metrics": {"tone": {"label": "warm"}}},
		{"index": 3, "metrics": {"tone": {"label": "cold"}}}
	]}`
	o := outcome(domain.PhaseCustom, []string{"tone"}, map[string]string{"tone": payload})

	result, errs := PhaseResult(o, conversation(4), nil)

	require.Empty(t, errs)
	assert.Equal(t, "cold", result.OverallLabels["tone"])
	assert.NotContains(t, result.OverallScores, "tone", "labels off the scale never become scores")
}

func TestPhaseResult_BadPayloadKeepsRawResult(t *testing.T) {
	o := outcome(domain.PhasePredefined, []string{"m"}, map[string]string{"m": `"just text"`})

	result, errs := PhaseResult(o, conversation(2), nil)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], domain.ErrInvalidScore)
	assert.Equal(t, domain.ResultSuccess, result.RawResults["m"].Status)
	assert.Len(t, result.TurnScores, 2)
}

func TestPhaseResult_InvalidScoreDropsOnlyThatTurn(t *testing.T) {
	payload := `{"per_utterance": [
		{"index": 0, "metrics": {"empathy": {"type": "numerical", "value": 4, "max_value": 5}}},
		{"index": 1, "metrics": {"empathy": {"type": "numerical", "value": 3, "max_value": 0}}},
		{"index": 2, "metrics": {"empathy": {"type": "numerical", "value": 2, "max_value": 5}}}
	]}`
	o := outcome(domain.PhasePredefined, []string{"empathy"}, map[string]string{"empathy": payload})

	result, errs := PhaseResult(o, conversation(3), nil)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], domain.ErrInvalidScore)
	assert.Contains(t, errs[0].Error(), "predefined metric empathy: turn 1 score empathy")

	assert.True(t, result.TurnScores[0].Metrics["empathy"].Equal(numerical(t, 4, 5)))
	assert.True(t, result.TurnScores[1].IsEmpty())
	assert.True(t, result.TurnScores[2].Metrics["empathy"].Equal(numerical(t, 2, 5)))
	assert.InDelta(t, 6.0, result.OverallScores["empathy"], 1e-9, "mean of the valid turns")
	assert.Equal(t, domain.ResultSuccess, result.RawResults["empathy"].Status)
}

func TestPhaseResult_InvalidOverallFallsBackToTurns(t *testing.T) {
	payload := `{
		"overall": {"type": "numerical", "value": 9, "max_value": -1},
		"per_utterance": [{"index": 0, "metrics": {"m": {"value": 1, "max_value": 2}}}]
	}`
	o := outcome(domain.PhaseLiterature, []string{"m"}, map[string]string{"m": payload})

	result, errs := PhaseResult(o, conversation(1), nil)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], domain.ErrInvalidScore)
	assert.InDelta(t, 5.0, result.OverallScores["m"], 1e-9)
}

func TestPhaseResult_DuplicateTurnMetricReported(t *testing.T) {
	payload := `{"per_segment": [
		{"utterance_indices": [0, 1], "metrics": {"m": {"label": "yes"}}},
		{"utterance_indices": [1], "metrics": {"m": {"label": "no"}}}
	]}`
	o := outcome(domain.PhasePredefined, []string{"m"}, map[string]string{"m": payload})

	result, errs := PhaseResult(o, conversation(2), nil)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], domain.ErrDuplicateMetric)
	assert.Equal(t, "yes", result.TurnScores[1].Metrics["m"].Label(), "first write wins")
}

func TestMerge_NilIdentity(t *testing.T) {
	x := Complete(nil, conversation(2))
	x.OverallScores["m"] = 3

	assert.Same(t, x, Merge(nil, x))
	assert.Same(t, x, Merge(x, nil))
	assert.Nil(t, Merge(nil, nil))
	assert.Nil(t, Fold())
	assert.Same(t, x, Fold(nil, x, nil))
}

func TestMerge_UnionsTurnsByID(t *testing.T) {
	turns := conversation(2)
	a := Complete(nil, turns)
	require.NoError(t, a.TurnScores[0].Set("a", numerical(t, 1, 2), "because"))
	a.RawResults["a"] = domain.RawResult{Phase: domain.PhasePredefined, Status: domain.ResultSuccess}

	b := Complete(nil, turns)
	require.NoError(t, b.TurnScores[0].Set("b", categorical(t, "yes"), ""))
	b.OverallLabels["b"] = "yes"
	b.RawResults["b"] = domain.RawResult{Phase: domain.PhaseCustom, Status: domain.ResultFailed, Error: "x"}

	m := Merge(a, b)

	require.Len(t, m.TurnScores, 2)
	assert.Len(t, m.TurnScores[0].Metrics, 2)
	assert.Equal(t, "because", m.TurnScores[0].Reasoning["a"])
	assert.Len(t, m.RawResults, 2)
	assert.Equal(t, "yes", m.OverallLabels["b"])
	assert.Len(t, a.TurnScores[0].Metrics, 1, "inputs are not mutated")
}

// disjointPair produces two random results over disjoint metric names that
// share one conversation.
type disjointPair struct {
	A, B *domain.EvaluationResult
}

func (disjointPair) Generate(r *rand.Rand, _ int) reflect.Value {
	turns := conversation(1 + r.Intn(5))
	build := func(prefix string, phase domain.Phase) *domain.EvaluationResult {
		res := Complete(nil, turns)
		for m := range 1 + r.Intn(3) {
			name := fmt.Sprintf("%s%d", prefix, m)
			res.OverallScores[name] = float64(r.Intn(11))
			res.RawResults[name] = domain.RawResult{Phase: phase, Status: domain.ResultSuccess}
			for i := range res.TurnScores {
				if r.Intn(2) == 0 {
					continue
				}
				score, _ := domain.NewNumerical(float64(r.Intn(6)), 5, domain.HigherIsBetter, nil)
				_ = res.TurnScores[i].Set(name, score, fmt.Sprintf("r%d", r.Intn(3)))
			}
		}
		return res
	}
	return reflect.ValueOf(disjointPair{A: build("a", domain.PhasePredefined), B: build("b", domain.PhaseLiterature)})
}

func TestMerge_CommutativeOnDisjointMetrics(t *testing.T) {
	property := func(p disjointPair) bool {
		return reflect.DeepEqual(Merge(p.A, p.B), Merge(p.B, p.A))
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 200}))
}

func TestMerge_Associative(t *testing.T) {
	property := func(p, q disjointPair) bool {
		// Rename q's metrics so all three inputs are disjoint.
		c := Complete(nil, nil)
		for name, v := range q.B.OverallScores {
			c.OverallScores["c"+name] = v
		}
		c.TurnScores = p.A.Clone().TurnScores
		for i := range c.TurnScores {
			c.TurnScores[i] = domain.NewTurnScore(c.TurnScores[i].Index, c.TurnScores[i].TurnID)
		}
		left := Merge(Merge(p.A, p.B), c)
		right := Merge(p.A, Merge(p.B, c))
		return reflect.DeepEqual(left, right)
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 100}))
}

func TestComplete(t *testing.T) {
	turns := []domain.Turn{{ID: "t-a", Speaker: "client"}, {Speaker: "therapist"}, {ID: "t-c"}}

	empty := Complete(nil, turns)
	require.Len(t, empty.TurnScores, 3)
	assert.Equal(t, []string{"t-a", "turn-1", "t-c"}, []string{
		empty.TurnScores[0].TurnID, empty.TurnScores[1].TurnID, empty.TurnScores[2].TurnID,
	})
	assert.Equal(t, 2, empty.TurnScores[2].Index)

	partial := domain.NewEvaluationResult()
	stray := domain.NewTurnScore(9, "t-gone")
	scored := domain.NewTurnScore(0, "t-c")
	require.NoError(t, scored.Set("m", categorical(t, "low"), ""))
	partial.TurnScores = []domain.TurnScore{stray, scored}

	done := Complete(partial, turns)
	require.Len(t, done.TurnScores, 3)
	assert.Equal(t, 2, done.TurnScores[2].Index)
	assert.Contains(t, done.TurnScores[2].Metrics, "m")
	assert.Len(t, partial.TurnScores, 2, "input is not mutated")
}

func TestFold_PartialSuccessAcrossPhases(t *testing.T) {
	turns := conversation(3)

	predefined := outcome(domain.PhasePredefined, []string{"a", "b"}, map[string]string{
		"a": `{"per_utterance": [{"index": 1, "metrics": {"a": {"value": 3, "max_value": 5}}}]}`,
	})
	predefined.RecordFailure("b", "model refused")

	literature := outcome(domain.PhaseLiterature, []string{"c"}, nil)
	literature.Err = errors.New("literature phase: status 503: unavailable")

	results := make([]*domain.EvaluationResult, 0, 2)
	for _, o := range []*domain.PhaseOutcome{predefined, literature} {
		res, errs := PhaseResult(o, turns, DefaultLabelScale())
		require.Empty(t, errs)
		results = append(results, res)
	}
	merged := Fold(results...)

	require.Len(t, merged.RawResults, 3)
	assert.Equal(t, []string{"b", "c"}, merged.FailedMetrics())
	assert.Equal(t, "literature phase: status 503: unavailable", merged.RawResults["c"].Error)
	assert.Len(t, merged.TurnScores, 3)
	assert.InDelta(t, 6.0, merged.OverallScores["a"], 1e-9)
	assert.Contains(t, merged.TurnScores[1].Metrics, "a")
}

func TestLabelScale(t *testing.T) {
	scale := DefaultLabelScale().With(map[string]float64{"Excellent": 12, "poor": 1})

	v, ok := scale.Value(" HIGH ")
	assert.True(t, ok)
	assert.InDelta(t, 10.0, v, 1e-9)

	v, ok = scale.Value("excellent")
	assert.True(t, ok)
	assert.InDelta(t, 10.0, v, 1e-9, "values are clamped to the normalized range")

	_, ok = scale.Value("unheard")
	assert.False(t, ok)
	_, ok = DefaultLabelScale().Value("poor")
	assert.False(t, ok, "With returns a copy")
}
