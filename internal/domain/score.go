// Package domain scoring defines the per-metric score representation produced
// by the remote scoring service and consumed by the merge engine.
//
// Scoring Model:
//   - Categorical scores carry a label and an optional confidence.
//   - Numerical scores carry a value on [0, max_value] plus a direction.
//   - Both kinds may point at the span of the turn that motivated the score.
//   - Scores are immutable once constructed; all methods use value receivers.
package domain

import (
	"encoding/json"
	"fmt"
)

// NormalizedMax is the upper bound of the cross-metric comparison scale.
// Every overall score is normalized onto [0, NormalizedMax].
const NormalizedMax = 10.0

// ScoreKind discriminates the MetricScore tagged union.
type ScoreKind string

const (
	// ScoreCategorical marks a label-valued score.
	ScoreCategorical ScoreKind = "categorical"

	// ScoreNumerical marks a bounded numeric score.
	ScoreNumerical ScoreKind = "numerical"
)

// Direction states which end of a numerical scale is desirable.
type Direction string

const (
	// HigherIsBetter means max_value is the best possible score.
	HigherIsBetter Direction = "higher_is_better"

	// LowerIsBetter means zero is the best possible score.
	LowerIsBetter Direction = "lower_is_better"
)

// HighlightedSpan marks the slice of a turn's text that a score refers to.
type HighlightedSpan struct {
	Start int    `json:"start" validate:"min=0"`
	End   int    `json:"end"   validate:"gtefield=Start"`
	Text  string `json:"text,omitempty"`
}

// MetricScore is either a categorical or a numerical score.
// The zero value is invalid; use NewCategorical or NewNumerical.
type MetricScore struct {
	kind       ScoreKind
	label      string
	confidence *float64
	value      float64
	maxValue   float64
	direction  Direction
	span       *HighlightedSpan
}

// NewCategorical builds a label-valued score. A nil confidence means the
// service did not report one.
func NewCategorical(label string, confidence *float64, span *HighlightedSpan) (MetricScore, error) {
	s := MetricScore{
		kind:       ScoreCategorical,
		label:      label,
		confidence: copyFloat(confidence),
		span:       copySpan(span),
	}
	return s, s.Validate()
}

// NewNumerical builds a bounded numeric score. An empty direction defaults
// to HigherIsBetter.
func NewNumerical(value, maxValue float64, direction Direction, span *HighlightedSpan) (MetricScore, error) {
	if direction == "" {
		direction = HigherIsBetter
	}
	s := MetricScore{
		kind:      ScoreNumerical,
		value:     value,
		maxValue:  maxValue,
		direction: direction,
		span:      copySpan(span),
	}
	return s, s.Validate()
}

// Kind reports which variant s holds.
func (s MetricScore) Kind() ScoreKind { return s.kind }

// IsCategorical reports whether s holds a label.
func (s MetricScore) IsCategorical() bool { return s.kind == ScoreCategorical }

// IsNumerical reports whether s holds a bounded number.
func (s MetricScore) IsNumerical() bool { return s.kind == ScoreNumerical }

// Label returns the categorical label, or "" for numerical scores.
func (s MetricScore) Label() string { return s.label }

// Confidence returns the reported confidence and whether one was present.
func (s MetricScore) Confidence() (float64, bool) {
	if s.confidence == nil {
		return 0, false
	}
	return *s.confidence, true
}

// Value returns the raw numerical value.
func (s MetricScore) Value() float64 { return s.value }

// MaxValue returns the top of the numerical scale.
func (s MetricScore) MaxValue() float64 { return s.maxValue }

// Direction returns the desirable end of the numerical scale.
func (s MetricScore) Direction() Direction { return s.direction }

// Span returns a copy of the highlighted span, if any.
func (s MetricScore) Span() *HighlightedSpan { return copySpan(s.span) }

// Normalized maps a numerical score onto [0, NormalizedMax] where higher is
// always better. Categorical scores return false; callers map labels through
// a label scale instead.
func (s MetricScore) Normalized() (float64, bool) {
	if s.kind != ScoreNumerical || s.maxValue <= 0 {
		return 0, false
	}
	ratio := clamp(s.value/s.maxValue, 0, 1)
	if s.direction == LowerIsBetter {
		ratio = 1 - ratio
	}
	return ratio * NormalizedMax, true
}

// Validate checks the structural constraints of whichever variant s holds.
func (s MetricScore) Validate() error {
	switch s.kind {
	case ScoreCategorical:
		if s.label == "" {
			return fmt.Errorf("%w: categorical score requires a label", ErrInvalidScore)
		}
		if s.confidence != nil && (*s.confidence < 0 || *s.confidence > 1) {
			return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidScore, *s.confidence)
		}
	case ScoreNumerical:
		if s.maxValue <= 0 {
			return fmt.Errorf("%w: max_value must be positive, got %v", ErrInvalidScore, s.maxValue)
		}
		if s.direction != HigherIsBetter && s.direction != LowerIsBetter {
			return fmt.Errorf("%w: unknown direction %q", ErrInvalidScore, s.direction)
		}
	default:
		return fmt.Errorf("%w: unknown score type %q", ErrInvalidScore, s.kind)
	}
	if s.span != nil {
		if err := validate.Struct(s.span); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidScore, err)
		}
	}
	return nil
}

// Equal reports whether two scores hold the same variant and values.
func (s MetricScore) Equal(o MetricScore) bool {
	if s.kind != o.kind || s.label != o.label || s.value != o.value ||
		s.maxValue != o.maxValue || s.direction != o.direction {
		return false
	}
	if (s.confidence == nil) != (o.confidence == nil) {
		return false
	}
	if s.confidence != nil && *s.confidence != *o.confidence {
		return false
	}
	if (s.span == nil) != (o.span == nil) {
		return false
	}
	return s.span == nil || *s.span == *o.span
}

// metricScoreJSON is the wire shape of MetricScore.
type metricScoreJSON struct {
	Type            ScoreKind        `json:"type"`
	Label           string           `json:"label,omitempty"`
	Confidence      *float64         `json:"confidence,omitempty"`
	Value           *float64         `json:"value,omitempty"`
	MaxValue        *float64         `json:"max_value,omitempty"`
	Direction       Direction        `json:"direction,omitempty"`
	HighlightedSpan *HighlightedSpan `json:"highlighted_span,omitempty"`
}

// MarshalJSON encodes s with its type discriminator.
func (s MetricScore) MarshalJSON() ([]byte, error) {
	out := metricScoreJSON{Type: s.kind, HighlightedSpan: s.span}
	switch s.kind {
	case ScoreCategorical:
		out.Label = s.label
		out.Confidence = s.confidence
	case ScoreNumerical:
		v, m := s.value, s.maxValue
		out.Value, out.MaxValue = &v, &m
		out.Direction = s.direction
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and validates a tagged score. A record without a
// type is inferred from its fields so older payloads still decode.
func (s *MetricScore) UnmarshalJSON(data []byte) error {
	var in metricScoreJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind := in.Type
	if kind == "" {
		if in.Label != "" {
			kind = ScoreCategorical
		} else if in.Value != nil {
			kind = ScoreNumerical
		}
	}

	var (
		decoded MetricScore
		err     error
	)
	switch kind {
	case ScoreCategorical:
		decoded, err = NewCategorical(in.Label, in.Confidence, in.HighlightedSpan)
	case ScoreNumerical:
		var value, maxValue float64
		if in.Value != nil {
			value = *in.Value
		}
		if in.MaxValue != nil {
			maxValue = *in.MaxValue
		}
		decoded, err = NewNumerical(value, maxValue, in.Direction, in.HighlightedSpan)
	default:
		return fmt.Errorf("%w: unknown score type %q", ErrInvalidScore, kind)
	}
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copySpan(sp *HighlightedSpan) *HighlightedSpan {
	if sp == nil {
		return nil
	}
	c := *sp
	return &c
}
