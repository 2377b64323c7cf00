// Package domain provides the core types shared by the evaluation orchestrator:
// evaluation requests, per-phase outcomes, metric scores, progress state and
// the merged evaluation result. The types carry no I/O and are safe to build
// and inspect in tests without any network collaborator.
package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Profile is the rubric describing the custom metrics. The custom phase only
// runs once the profile is locked (finalized and ready to evaluate against).
type Profile struct {
	Name       string          `json:"name"`
	Locked     bool            `json:"locked"`
	Definition json.RawMessage `json:"definition,omitempty"`
}

// EvaluationRequest carries everything needed to launch one evaluation run.
// Metric names are globally unique across the three phase selections.
type EvaluationRequest struct {
	// Conversation is the transcript being scored; one entry per turn.
	Conversation []Turn `json:"conversation" validate:"required,min=1,dive"`

	// PredefinedMetrics selects built-in research metrics.
	PredefinedMetrics []string `json:"predefined_metrics,omitempty" validate:"omitempty,dive,required"`

	// CustomMetrics selects user-defined metrics from Profile.
	CustomMetrics []string `json:"custom_metrics,omitempty" validate:"omitempty,dive,required"`

	// LiteratureMetrics selects literature-derived metrics.
	LiteratureMetrics []string `json:"literature_metrics,omitempty" validate:"omitempty,dive,required"`

	// Profile is required (and must be locked) for the custom phase to run.
	Profile *Profile `json:"profile,omitempty"`

	// Provider and Model select the LLM used behind the scoring service.
	Provider string `json:"provider" validate:"required"`
	Model    string `json:"model"    validate:"required"`

	// APIKey is forwarded to the scoring service when set. Never serialized.
	APIKey string `json:"-"`
}

// Validate checks the request before any phase is launched.
// A request without a conversation yields ErrNoConversation so callers can
// surface the pre-flight error distinctly.
func (r *EvaluationRequest) Validate() error {
	if len(r.Conversation) == 0 {
		return ErrNoConversation
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	seen := make(map[string]Phase)
	for _, phase := range AllPhases() {
		for _, name := range r.MetricsFor(phase) {
			if prev, ok := seen[name]; ok {
				return fmt.Errorf("%w: %q selected in both %s and %s", ErrDuplicateMetric, name, prev, phase)
			}
			seen[name] = phase
		}
	}
	return nil
}

// MetricsFor returns the metric selection for phase.
func (r *EvaluationRequest) MetricsFor(phase Phase) []string {
	switch phase {
	case PhasePredefined:
		return r.PredefinedMetrics
	case PhaseCustom:
		return r.CustomMetrics
	case PhaseLiterature:
		return r.LiteratureMetrics
	default:
		return nil
	}
}

// ProfileLocked reports whether the custom-phase precondition holds.
func (r *EvaluationRequest) ProfileLocked() bool {
	return r.Profile != nil && r.Profile.Locked
}

// PhaseOutcome is the settled state of one phase. Successes decoded before a
// fault are preserved even when Err is set.
type PhaseOutcome struct {
	Phase     Phase    `json:"phase"`
	Requested []string `json:"requested"`

	// Succeeded lists metrics with a score in arrival order.
	Succeeded []string `json:"succeeded"`

	// Results holds the opaque payload of every succeeded metric.
	Results map[string]json.RawMessage `json:"results"`

	// MetricErrors holds explicit per-metric failures reported by the service.
	MetricErrors map[string]string `json:"metric_errors,omitempty"`

	// Total is the authoritative metric count announced by the service, or
	// the requested count when no start event arrived.
	Total int `json:"total"`

	// Err is the hard failure reason of the phase, if any.
	Err error `json:"-"`

	// Cancelled is set when the phase stopped because the run was aborted.
	Cancelled bool `json:"cancelled"`
}

// NewPhaseOutcome returns an empty outcome for requested metrics.
func NewPhaseOutcome(phase Phase, requested []string) *PhaseOutcome {
	return &PhaseOutcome{
		Phase:        phase,
		Requested:    slices.Clone(requested),
		Results:      make(map[string]json.RawMessage),
		MetricErrors: make(map[string]string),
		Total:        len(requested),
	}
}

// RecordSuccess stores metric's payload. Later duplicates are ignored.
func (o *PhaseOutcome) RecordSuccess(metric string, payload json.RawMessage) bool {
	if _, ok := o.Results[metric]; ok {
		return false
	}
	o.Results[metric] = slices.Clone(payload)
	o.Succeeded = append(o.Succeeded, metric)
	delete(o.MetricErrors, metric)
	return true
}

// RecordFailure stores an explicit per-metric error unless metric already
// succeeded.
func (o *PhaseOutcome) RecordFailure(metric, message string) {
	if _, ok := o.Results[metric]; ok {
		return
	}
	o.MetricErrors[metric] = message
}

// Failed reports whether the phase itself hard-failed.
func (o *PhaseOutcome) Failed() bool { return o.Err != nil }

// SuccessCount returns the number of metrics that returned a score.
func (o *PhaseOutcome) SuccessCount() int { return len(o.Results) }

// RequestedSuccessCount returns the number of requested metrics that
// returned a score. Successes for names the phase never asked for are not
// counted.
func (o *PhaseOutcome) RequestedSuccessCount() int {
	return len(o.Requested) - len(o.Missing())
}

// Missing returns requested metrics without a score, in request order.
func (o *PhaseOutcome) Missing() []string {
	var missing []string
	for _, name := range o.Requested {
		if _, ok := o.Results[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// FailureReason explains why metric has no score: its own error, else the
// phase error, else a generic no-response message.
func (o *PhaseOutcome) FailureReason(metric string) string {
	if msg, ok := o.MetricErrors[metric]; ok && msg != "" {
		return msg
	}
	if o.Err != nil {
		return o.Err.Error()
	}
	return "no result returned for metric"
}

// EvaluationResult is the merged output of every phase.
//
// Invariant: len(TurnScores) equals the conversation length, ordered by
// turn index; turns without any applicable metric are present but empty.
type EvaluationResult struct {
	// OverallScores holds per-metric aggregates normalized to [0, 10].
	OverallScores map[string]float64 `json:"overall_scores"`

	// OverallLabels holds the modal label of categorical metrics.
	OverallLabels map[string]string `json:"overall_labels,omitempty"`

	TurnScores []TurnScore `json:"turn_scores"`

	// RawResults has one entry per requested metric, success or placeholder.
	RawResults map[string]RawResult `json:"raw_results"`
}

// NewEvaluationResult returns an empty result with allocated maps.
func NewEvaluationResult() *EvaluationResult {
	return &EvaluationResult{
		OverallScores: make(map[string]float64),
		OverallLabels: make(map[string]string),
		RawResults:    make(map[string]RawResult),
	}
}

// Clone returns a deep copy of r. Returns nil for nil input.
func (r *EvaluationResult) Clone() *EvaluationResult {
	if r == nil {
		return nil
	}
	c := NewEvaluationResult()
	maps.Copy(c.OverallScores, r.OverallScores)
	maps.Copy(c.OverallLabels, r.OverallLabels)
	maps.Copy(c.RawResults, r.RawResults)
	c.TurnScores = make([]TurnScore, len(r.TurnScores))
	for i, ts := range r.TurnScores {
		c.TurnScores[i] = ts.Clone()
	}
	return c
}

// FailedMetrics returns the sorted names of synthesized failure entries.
func (r *EvaluationResult) FailedMetrics() []string {
	if r == nil {
		return nil
	}
	var names []string
	for name, raw := range r.RawResults {
		if raw.Failed() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ScoredTurns returns the number of turns holding at least one score.
func (r *EvaluationResult) ScoredTurns() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, ts := range r.TurnScores {
		if !ts.IsEmpty() {
			n++
		}
	}
	return n
}
