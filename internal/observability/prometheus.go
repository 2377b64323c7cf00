package observability

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics adapts the Metrics interface to a Prometheus registry.
// Collectors are created on first use; the tag keys seen on that first call
// become the label set for the metric name and later calls with a different
// key set are dropped with a warning.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labels     map[string][]string
}

// NewPrometheusMetrics creates a collector backed by its own registry.
func NewPrometheusMetrics(logger *slog.Logger) *PrometheusMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		logger:     logger.With("component", "prometheus"),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labels:     make(map[string][]string),
	}
}

// Registry exposes the underlying registry for scraping and tests.
func (p *PrometheusMetrics) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// IncrementCounter adds value to the named counter.
func (p *PrometheusMetrics) IncrementCounter(name string, tags map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, ok := p.labelKeys(name, tags)
	if !ok {
		return
	}
	vec, exists := p.counters[name]
	if !exists {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: promName(name), Help: name}, keys)
		if !p.register(name, vec) {
			return
		}
		p.counters[name] = vec
	}
	vec.With(prometheus.Labels(tags)).Add(value)
}

// RecordHistogram observes value on the named histogram.
func (p *PrometheusMetrics) RecordHistogram(name string, tags map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, ok := p.labelKeys(name, tags)
	if !ok {
		return
	}
	vec, exists := p.histograms[name]
	if !exists {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    promName(name),
			Help:    name,
			Buckets: prometheus.ExponentialBuckets(10, 4, 10),
		}, keys)
		if !p.register(name, vec) {
			return
		}
		p.histograms[name] = vec
	}
	vec.With(prometheus.Labels(tags)).Observe(value)
}

// SetGauge sets the named gauge to value.
func (p *PrometheusMetrics) SetGauge(name string, tags map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, ok := p.labelKeys(name, tags)
	if !ok {
		return
	}
	vec, exists := p.gauges[name]
	if !exists {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: promName(name), Help: name}, keys)
		if !p.register(name, vec) {
			return
		}
		p.gauges[name] = vec
	}
	vec.With(prometheus.Labels(tags)).Set(value)
}

// labelKeys returns the sorted tag keys, fixing them on first use of name.
func (p *PrometheusMetrics) labelKeys(name string, tags map[string]string) ([]string, bool) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	known, seen := p.labels[name]
	if !seen {
		p.labels[name] = keys
		return keys, true
	}
	if !slices.Equal(known, keys) {
		p.logger.Warn("dropping sample with mismatched labels",
			"metric", name, "want", known, "got", keys)
		return nil, false
	}
	return keys, true
}

func (p *PrometheusMetrics) register(name string, c prometheus.Collector) bool {
	if err := p.registry.Register(c); err != nil {
		p.logger.Warn("failed to register collector", "metric", name, "error", err)
		return false
	}
	return true
}

// promName converts a dotted metric name into a valid Prometheus name.
func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
