// Package observability provides the metrics and logging plumbing shared by
// every component of the orchestrator.
package observability

// Metric names emitted by the orchestrator.
const (
	MetricPhasesTotal        = "convoeval.phases.total"
	MetricPhaseDuration      = "convoeval.phase.duration_ms"
	MetricPhasesInFlight     = "convoeval.phases.in_flight"
	MetricMetricResults      = "convoeval.metric.results.total"
	MetricProtocolErrors     = "convoeval.stream.protocol_errors.total"
	MetricStreamOpenAttempts = "convoeval.stream.open_attempts.total"
	MetricRunsTotal          = "convoeval.runs.total"
	MetricEventsDropped      = "convoeval.events.dropped.total"
)

// Metrics provides observability data collection for evaluation runs.
// Supports counters, histograms, and gauges with tag-based dimensionality.
type Metrics interface {
	IncrementCounter(name string, tags map[string]string, value float64)
	RecordHistogram(name string, tags map[string]string, value float64)
	SetGauge(name string, tags map[string]string, value float64)
}

// NoOpMetrics discards everything. Used by tests and when metrics are
// disabled.
type NoOpMetrics struct{}

// NewNoOpMetrics creates a no-op metrics collector.
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (n *NoOpMetrics) IncrementCounter(_ string, _ map[string]string, _ float64) {}

func (n *NoOpMetrics) RecordHistogram(_ string, _ map[string]string, _ float64) {}

func (n *NoOpMetrics) SetGauge(_ string, _ map[string]string, _ float64) {}

// OrNoOp returns m, or a NoOpMetrics when m is nil.
func OrNoOp(m Metrics) Metrics {
	if m == nil {
		return NewNoOpMetrics()
	}
	return m
}
