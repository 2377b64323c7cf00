package domain

import "maps"

// ProgressState tracks metric completion across every phase of a run.
// It is owned exclusively by the scheduler's event loop and replaced, never
// mutated in place, by the progress reducer.
type ProgressState struct {
	// TotalMetrics is the sum of per-phase totals.
	TotalMetrics int `json:"total_metrics"`

	// CompletedMetrics counts progress events, success or failure.
	CompletedMetrics int `json:"completed_metrics"`

	// PhaseTotals holds the a-priori or authoritative total per phase.
	PhaseTotals map[Phase]int `json:"phase_totals"`

	// PhaseProgress holds completed metric counts per phase.
	PhaseProgress map[Phase]int `json:"phase_progress"`

	// CompletedPhases holds every phase that reached a terminal state.
	CompletedPhases map[Phase]bool `json:"completed_phases"`
}

// Percent returns completion on [0, 100]. A run with no metrics reports 0.
func (s ProgressState) Percent() float64 {
	if s.TotalMetrics <= 0 {
		return 0
	}
	p := float64(s.CompletedMetrics) / float64(s.TotalMetrics) * 100
	return clamp(p, 0, 100)
}

// Clone returns a deep copy with independent maps.
func (s ProgressState) Clone() ProgressState {
	return ProgressState{
		TotalMetrics:     s.TotalMetrics,
		CompletedMetrics: s.CompletedMetrics,
		PhaseTotals:      cloneMap(s.PhaseTotals),
		PhaseProgress:    cloneMap(s.PhaseProgress),
		CompletedPhases:  cloneMap(s.CompletedPhases),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	maps.Copy(out, m)
	return out
}
