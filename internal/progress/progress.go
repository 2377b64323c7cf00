// Package progress reduces phase events into the cross-phase ProgressState.
//
// Reduce is pure: it never mutates its input and always returns a fresh
// state, so the scheduler can hand every intermediate state to observers
// without copying.
package progress

import (
	"github.com/ahrav/go-convoeval/internal/domain"
)

// Event is a phase-level occurrence that changes progress.
type Event interface {
	phase() domain.Phase
}

// PhaseStarted carries the authoritative metric total announced by a
// phase's start record.
type PhaseStarted struct {
	Phase domain.Phase
	Total int
}

// MetricCompleted records one progress record, success or failure.
type MetricCompleted struct {
	Phase          domain.Phase
	Metric         string
	Success        bool
	Error          string
	PhaseCompleted int
	PhaseTotal     int
}

// PhaseSettled records that a phase reached a terminal state. Err is the
// hard failure of the phase, nil when its stream closed cleanly.
type PhaseSettled struct {
	Phase     domain.Phase
	Failed    bool
	Succeeded int
	Requested int
	Err       error
}

func (e PhaseStarted) phase() domain.Phase    { return e.Phase }
func (e MetricCompleted) phase() domain.Phase { return e.Phase }
func (e PhaseSettled) phase() domain.Phase    { return e.Phase }

// New returns the initial state for a plan mapping each scheduled phase to
// its a-priori metric count.
func New(plan map[domain.Phase]int) domain.ProgressState {
	s := domain.ProgressState{
		PhaseTotals:     make(map[domain.Phase]int, len(plan)),
		PhaseProgress:   make(map[domain.Phase]int, len(plan)),
		CompletedPhases: make(map[domain.Phase]bool, len(plan)),
	}
	for phase, total := range plan {
		s.PhaseTotals[phase] = max(total, 0)
		s.PhaseProgress[phase] = 0
	}
	s.TotalMetrics = sum(s.PhaseTotals)
	return s
}

// Reduce applies ev to s and returns the new state.
//
// Invariants: CompletedMetrics never decreases and never exceeds
// TotalMetrics; a phase total never drops below what that phase already
// completed; CompletedPhases only grows. Events for phases not in the
// plan are ignored.
func Reduce(s domain.ProgressState, ev Event) domain.ProgressState {
	if ev == nil {
		return s.Clone()
	}
	next := s.Clone()
	phase := ev.phase()
	if _, planned := next.PhaseTotals[phase]; !planned {
		return next
	}
	if next.CompletedPhases[phase] {
		return next
	}

	switch e := ev.(type) {
	case PhaseStarted:
		next.PhaseTotals[phase] = max(e.Total, next.PhaseProgress[phase])

	case MetricCompleted:
		done := next.PhaseProgress[phase] + 1
		next.PhaseProgress[phase] = done
		next.PhaseTotals[phase] = max(next.PhaseTotals[phase], done)

	case PhaseSettled:
		next.CompletedPhases[phase] = true
	}

	next.TotalMetrics = sum(next.PhaseTotals)
	next.CompletedMetrics = sum(next.PhaseProgress)
	return next
}

func sum(m map[domain.Phase]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}
