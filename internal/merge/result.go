package merge

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/ahrav/go-convoeval/internal/domain"
)

// ErrTurnOutOfRange indicates a payload entry pointing past the conversation.
var ErrTurnOutOfRange = errors.New("turn index out of range")

// PhaseResult builds the EvaluationResult of a single settled phase.
//
// Each success payload is decoded and its per-utterance and per-segment
// scores are attached to the turns they reference. A segment entry applies
// to every turn it covers. Entries referencing turns outside the
// conversation are dropped and reported in the returned slice, as are
// invalid scores and duplicate (turn, metric) scores; none of these fail
// the phase or discard the valid scores of the same payload. The returned result always has one TurnScore per turn.
//
// Overall aggregates are computed per requested metric from scores keyed by
// that metric's name: the payload's overall score when present, otherwise
// the mean of the normalized per-turn scores. Categorical metrics also get
// an overall label, the payload's or else the modal per-turn label with ties
// going to the lexicographically smallest.
func PhaseResult(outcome *domain.PhaseOutcome, conversation []domain.Turn, scale LabelScale) (*domain.EvaluationResult, []error) {
	result := Complete(nil, conversation)
	if outcome == nil {
		return result, nil
	}
	if scale == nil {
		scale = DefaultLabelScale()
	}
	result.RawResults = Reconcile(outcome)

	var errs []error
	for _, metric := range slices.Sorted(maps.Keys(outcome.Results)) {
		payload, decodeErrs := domain.DecodeMetricPayload(outcome.Results[metric])
		for _, err := range decodeErrs {
			errs = append(errs, fmt.Errorf("%s metric %s: %w", outcome.Phase, metric, err))
		}
		errs = append(errs, attach(result.TurnScores, metric, payload)...)
		aggregate(result, metric, payload, scale)
	}
	return result, errs
}

// attach writes payload's turn-level scores into turns.
func attach(turns []domain.TurnScore, metric string, payload domain.MetricPayload) []error {
	var errs []error
	set := func(index int, scores map[string]domain.MetricScore, reasoning map[string]string) {
		if index < 0 || index >= len(turns) {
			errs = append(errs, fmt.Errorf("%w: metric %s references turn %d of %d", ErrTurnOutOfRange, metric, index, len(turns)))
			return
		}
		for _, name := range slices.Sorted(maps.Keys(scores)) {
			if err := turns[index].Set(name, scores[name], reasoning[name]); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, u := range payload.PerUtterance {
		set(u.Index, u.Metrics, u.Reasoning)
	}
	for _, seg := range payload.PerSegment {
		for _, index := range seg.UtteranceIndices {
			set(index, seg.Metrics, seg.Reasoning)
		}
	}
	return errs
}

func aggregate(result *domain.EvaluationResult, metric string, payload domain.MetricPayload, scale LabelScale) {
	if payload.Overall != nil {
		if v, ok := scale.normalize(*payload.Overall); ok {
			result.OverallScores[metric] = v
		}
		if payload.Overall.IsCategorical() {
			result.OverallLabels[metric] = payload.Overall.Label()
		}
		return
	}

	var samples []domain.MetricScore
	for _, u := range payload.PerUtterance {
		if score, ok := u.Metrics[metric]; ok {
			samples = append(samples, score)
		}
	}
	for _, seg := range payload.PerSegment {
		if score, ok := seg.Metrics[metric]; ok {
			samples = append(samples, score)
		}
	}

	if mean, ok := meanNormalized(samples, scale); ok {
		result.OverallScores[metric] = mean
	}
	if label, ok := modalLabel(samples); ok {
		result.OverallLabels[metric] = label
	}
}

func meanNormalized(samples []domain.MetricScore, scale LabelScale) (float64, bool) {
	var sum float64
	n := 0
	for _, s := range samples {
		if v, ok := scale.normalize(s); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func modalLabel(samples []domain.MetricScore) (string, bool) {
	counts := make(map[string]int)
	for _, s := range samples {
		if s.IsCategorical() {
			counts[s.Label()]++
		}
	}
	if len(counts) == 0 {
		return "", false
	}

	best, bestCount := "", 0
	for _, label := range slices.Sorted(maps.Keys(counts)) {
		if counts[label] > bestCount {
			best, bestCount = label, counts[label]
		}
	}
	return best, true
}
