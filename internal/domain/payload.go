package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Granularity is the level at which a metric attaches its scores.
type Granularity string

const (
	// GranularityUtterance attaches one score per turn.
	GranularityUtterance Granularity = "utterance"

	// GranularityConversation attaches a single conversation-level score.
	GranularityConversation Granularity = "conversation"

	// GranularitySegment attaches scores to contiguous groups of turns.
	GranularitySegment Granularity = "segment"
)

// UtteranceResult is one per-turn entry of a metric payload.
type UtteranceResult struct {
	Index     int                    `json:"index"`
	Metrics   map[string]MetricScore `json:"metrics"`
	Reasoning map[string]string      `json:"reasoning,omitempty"`
}

// SegmentResult scores a group of turns as a unit.
type SegmentResult struct {
	UtteranceIndices []int                  `json:"utterance_indices"`
	Metrics          map[string]MetricScore `json:"metrics"`
	Reasoning        map[string]string      `json:"reasoning,omitempty"`
}

// MetricPayload is the decoded view of the opaque per-metric result returned
// by the scoring service. The orchestrator only reads it to build turn
// scores and overall aggregates; the raw bytes are passed through untouched
// in RawResult.Payload.
type MetricPayload struct {
	Granularity  Granularity       `json:"granularity"`
	Overall      *MetricScore      `json:"overall,omitempty"`
	PerUtterance []UtteranceResult `json:"per_utterance,omitempty"`
	PerSegment   []SegmentResult   `json:"per_segment,omitempty"`
}

// DecodeMetricPayload parses raw into a MetricPayload. An empty granularity
// is inferred from which sections are present.
//
// Scores are decoded one at a time. An invalid score, or a turn entry that
// cannot be read at all, is dropped and reported in the returned slice while
// the rest of the payload is kept. A payload whose envelope is not a JSON
// object yields an empty MetricPayload and a single error. Every returned
// error wraps ErrInvalidScore.
func DecodeMetricPayload(raw json.RawMessage) (MetricPayload, []error) {
	var p MetricPayload
	if len(raw) == 0 {
		return p, []error{fmt.Errorf("%w: empty metric payload", ErrInvalidScore)}
	}

	var env payloadJSON
	if err := json.Unmarshal(raw, &env); err != nil {
		return p, []error{fmt.Errorf("%w: %w", ErrInvalidScore, err)}
	}

	var errs []error
	p.Granularity = env.Granularity
	if present(env.Overall) {
		var score MetricScore
		if err := json.Unmarshal(env.Overall, &score); err != nil {
			errs = append(errs, fmt.Errorf("overall score: %w", asInvalid(err)))
		} else {
			p.Overall = &score
		}
	}

	for i, item := range env.PerUtterance {
		var e entryJSON
		if err := json.Unmarshal(item, &e); err != nil {
			errs = append(errs, fmt.Errorf("per_utterance[%d]: %w", i, asInvalid(err)))
			continue
		}
		scores, scoreErrs := e.scores(fmt.Sprintf("turn %d", e.Index))
		errs = append(errs, scoreErrs...)
		p.PerUtterance = append(p.PerUtterance, UtteranceResult{Index: e.Index, Metrics: scores, Reasoning: e.Reasoning})
	}
	for i, item := range env.PerSegment {
		var e entryJSON
		if err := json.Unmarshal(item, &e); err != nil {
			errs = append(errs, fmt.Errorf("per_segment[%d]: %w", i, asInvalid(err)))
			continue
		}
		scores, scoreErrs := e.scores(fmt.Sprintf("segment %v", e.UtteranceIndices))
		errs = append(errs, scoreErrs...)
		p.PerSegment = append(p.PerSegment, SegmentResult{UtteranceIndices: e.UtteranceIndices, Metrics: scores, Reasoning: e.Reasoning})
	}

	if p.Granularity == "" {
		switch {
		case len(env.PerUtterance) > 0:
			p.Granularity = GranularityUtterance
		case len(env.PerSegment) > 0:
			p.Granularity = GranularitySegment
		default:
			p.Granularity = GranularityConversation
		}
	}
	return p, errs
}

// payloadJSON is the envelope of a metric payload with every score left raw.
type payloadJSON struct {
	Granularity  Granularity       `json:"granularity"`
	Overall      json.RawMessage   `json:"overall"`
	PerUtterance []json.RawMessage `json:"per_utterance"`
	PerSegment   []json.RawMessage `json:"per_segment"`
}

// entryJSON covers both per_utterance and per_segment entries.
type entryJSON struct {
	Index            int                        `json:"index"`
	UtteranceIndices []int                      `json:"utterance_indices"`
	Metrics          map[string]json.RawMessage `json:"metrics"`
	Reasoning        map[string]string          `json:"reasoning"`
}

// scores decodes the entry's metric map, dropping invalid scores.
func (e entryJSON) scores(where string) (map[string]MetricScore, []error) {
	var errs []error
	out := make(map[string]MetricScore, len(e.Metrics))
	for _, name := range slices.Sorted(maps.Keys(e.Metrics)) {
		var score MetricScore
		if err := json.Unmarshal(e.Metrics[name], &score); err != nil {
			errs = append(errs, fmt.Errorf("%s score %s: %w", where, name, asInvalid(err)))
			continue
		}
		out[name] = score
	}
	return out, errs
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// asInvalid wraps err in ErrInvalidScore unless it already is one.
func asInvalid(err error) error {
	if errors.Is(err, ErrInvalidScore) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInvalidScore, err)
}

// ResultStatus reports whether a raw result entry holds a real score.
type ResultStatus string

const (
	// ResultSuccess marks an entry returned by the scoring service.
	ResultSuccess ResultStatus = "success"

	// ResultFailed marks a synthesized placeholder for a metric that errored
	// or never responded.
	ResultFailed ResultStatus = "failed"
)

// RawResult is one entry of EvaluationResult.RawResults. Failure placeholders
// and real results share this shape so callers never special-case metrics
// that never responded.
type RawResult struct {
	Phase   Phase           `json:"phase"`
	Status  ResultStatus    `json:"status"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Failed reports whether r is a synthesized failure placeholder.
func (r RawResult) Failed() bool { return r.Status == ResultFailed }
