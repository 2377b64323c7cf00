package domain

import "fmt"

// Phase identifies one of the independently-scored metric families.
// Each phase is served by its own backend endpoint and owns a disjoint set
// of metric names, which is what allows phase results to be merged key-wise.
type Phase string

const (
	// PhasePredefined covers the built-in research metrics.
	PhasePredefined Phase = "predefined"

	// PhaseCustom covers user-defined metrics described by a locked profile.
	PhaseCustom Phase = "custom"

	// PhaseLiterature covers metrics derived from published literature.
	PhaseLiterature Phase = "literature"
)

// AllPhases returns every phase in canonical launch order.
// Returns a fresh slice so callers may reorder it freely.
func AllPhases() []Phase {
	return []Phase{PhasePredefined, PhaseCustom, PhaseLiterature}
}

// String returns the string representation of the phase.
func (p Phase) String() string { return string(p) }

// Validate reports whether p names a known phase.
func (p Phase) Validate() error {
	switch p {
	case PhasePredefined, PhaseCustom, PhaseLiterature:
		return nil
	default:
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidRequest, string(p))
	}
}
