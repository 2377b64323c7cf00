package merge

import (
	"maps"
	"strings"

	"github.com/ahrav/go-convoeval/internal/domain"
)

// LabelScale maps categorical labels onto the normalized [0, 10] scale.
// Keys are compared case-insensitively. Labels outside the scale still feed
// OverallLabels but never OverallScores.
type LabelScale map[string]float64

// DefaultLabelScale returns the built-in mapping for the common ordinal and
// binary labels the scoring service emits.
func DefaultLabelScale() LabelScale {
	return LabelScale{
		"high":    domain.NormalizedMax,
		"medium":  domain.NormalizedMax / 2,
		"low":     0,
		"yes":     domain.NormalizedMax,
		"no":      0,
		"pass":    domain.NormalizedMax,
		"fail":    0,
		"present": domain.NormalizedMax,
		"absent":  0,
	}
}

// With returns a copy of s extended with extra. Entries in extra win.
func (s LabelScale) With(extra map[string]float64) LabelScale {
	out := make(LabelScale, len(s)+len(extra))
	maps.Copy(out, s)
	for label, v := range extra {
		out[strings.ToLower(label)] = v
	}
	return out
}

// Value returns the normalized value of label and whether it is on the scale.
func (s LabelScale) Value(label string) (float64, bool) {
	v, ok := s[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return 0, false
	}
	return min(max(v, 0), domain.NormalizedMax), true
}

// normalize maps any score onto [0, 10].
func (s LabelScale) normalize(score domain.MetricScore) (float64, bool) {
	if score.IsCategorical() {
		return s.Value(score.Label())
	}
	return score.Normalized()
}
