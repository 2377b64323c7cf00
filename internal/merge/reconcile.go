package merge

import (
	"github.com/ahrav/go-convoeval/internal/domain"
)

// Reconcile builds the raw-results entries of one phase. Every requested
// metric gets exactly one entry: its payload when it succeeded, otherwise a
// failure placeholder carrying the metric's own error, the phase error, or
// a generic no-response message, in that order of preference. Successes and
// explicit errors for metrics the phase was not asked for are kept as well.
func Reconcile(outcome *domain.PhaseOutcome) map[string]domain.RawResult {
	out := make(map[string]domain.RawResult)
	if outcome == nil {
		return out
	}

	for metric, payload := range outcome.Results {
		out[metric] = domain.RawResult{
			Phase:   outcome.Phase,
			Status:  domain.ResultSuccess,
			Payload: payload,
		}
	}

	placeholder := func(metric string) {
		if _, ok := out[metric]; ok {
			return
		}
		out[metric] = domain.RawResult{
			Phase:  outcome.Phase,
			Status: domain.ResultFailed,
			Error:  outcome.FailureReason(metric),
		}
	}
	for _, metric := range outcome.Missing() {
		placeholder(metric)
	}
	for metric := range outcome.MetricErrors {
		placeholder(metric)
	}
	return out
}
