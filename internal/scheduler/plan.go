package scheduler

import (
	"slices"

	"github.com/ahrav/go-convoeval/internal/domain"
)

// Task is one phase scheduled for a run.
type Task struct {
	Phase   domain.Phase
	Metrics []string
}

// Plan returns the phases req will run, in canonical order. A phase is
// planned iff at least one of its metrics is selected; the custom phase
// additionally requires a locked profile.
func Plan(req *domain.EvaluationRequest) []Task {
	if req == nil {
		return nil
	}
	var tasks []Task
	for _, phase := range domain.AllPhases() {
		metrics := req.MetricsFor(phase)
		if len(metrics) == 0 {
			continue
		}
		if phase == domain.PhaseCustom && !req.ProfileLocked() {
			continue
		}
		tasks = append(tasks, Task{Phase: phase, Metrics: slices.Clone(metrics)})
	}
	return tasks
}

// totals maps each planned phase to its a-priori metric count.
func totals(tasks []Task) map[domain.Phase]int {
	plan := make(map[domain.Phase]int, len(tasks))
	for _, t := range tasks {
		plan[t.Phase] = len(t.Metrics)
	}
	return plan
}
