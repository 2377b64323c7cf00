// Package configuration holds the runtime configuration of the evaluation
// orchestrator: where the scoring service lives, how phase streams are
// opened and decoded, how long phases may run, and how the process reports
// what it is doing.
package configuration

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ahrav/go-convoeval/internal/domain"
)

// ErrInvalidConfig indicates a configuration that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds comprehensive configuration for the evaluation orchestrator.
type Config struct {
	// Scoring service location and per-phase endpoints
	Service ServiceConfig `yaml:"service" json:"service"`

	// HTTP transport tuning for long-lived streams
	HTTP HTTPConfig `yaml:"http" json:"http"`

	// Phase scheduling
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Stream-open retry policy
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Stream-open rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Line decoding
	Stream StreamConfig `yaml:"stream" json:"stream"`

	// Logging and metrics
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// Progress event publishing
	Events EventsConfig `yaml:"events" json:"events"`

	// Durable execution host
	Temporal TemporalConfig `yaml:"temporal" json:"temporal"`
}

// ServiceConfig locates the remote scoring service.
type ServiceConfig struct {
	BaseURL   string                         `yaml:"base_url"    json:"base_url"`
	APIKey    string                         `yaml:"-"           json:"-"` // Sensitive, not serialized
	APIKeyEnv string                         `yaml:"api_key_env" json:"api_key_env"`
	Endpoints map[domain.Phase]EndpointConfig `yaml:"endpoints"   json:"endpoints"`
}

// EndpointConfig describes one phase endpoint. Field names differ slightly
// between phases, so the request body keys are configurable.
type EndpointConfig struct {
	Path              string            `yaml:"path"               json:"path"`
	MetricsField      string            `yaml:"metrics_field"      json:"metrics_field"`
	ConversationField string            `yaml:"conversation_field" json:"conversation_field"`
	Headers           map[string]string `yaml:"headers"            json:"headers,omitempty"`
}

// EndpointURL joins the base URL and the phase path.
func (s ServiceConfig) EndpointURL(phase domain.Phase) (string, error) {
	ep, ok := s.Endpoints[phase]
	if !ok {
		return "", fmt.Errorf("%w: no endpoint for phase %s", ErrInvalidConfig, phase)
	}
	if strings.HasPrefix(ep.Path, "http://") || strings.HasPrefix(ep.Path, "https://") {
		return ep.Path, nil
	}
	return url.JoinPath(s.BaseURL, ep.Path)
}

// HTTPConfig tunes the transport used for phase streams. No whole-request
// timeout applies; phases are bounded by SchedulerConfig.PhaseTimeout.
type HTTPConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"            json:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"   json:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" json:"response_header_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"       json:"idle_conn_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"          json:"max_idle_conns"`
}

// SchedulerConfig controls phase fan-out.
type SchedulerConfig struct {
	// PhaseTimeout bounds a single phase. It guards against hung
	// connections, not normal latency.
	PhaseTimeout time.Duration `yaml:"phase_timeout" json:"phase_timeout"`

	// EventBuffer is the capacity of the progress event channel.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`

	// LabelScale adds or overrides categorical label values on the
	// normalized 0-10 scale used for overall scores.
	LabelScale map[string]float64 `yaml:"label_scale" json:"label_scale,omitempty"`
}

// RetryConfig controls reopening a stream that failed before any event was
// decoded. MaxAttempts of 1 disables retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"     json:"max_attempts"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time" json:"max_elapsed_time"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"     json:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"       json:"multiplier"`
	UseJitter       bool          `yaml:"use_jitter"       json:"use_jitter"`
}

// RateLimitConfig is an in-memory token bucket shared by every phase client
// of one process.
type RateLimitConfig struct {
	Enabled         bool    `yaml:"enabled"           json:"enabled"`
	TokensPerSecond float64 `yaml:"tokens_per_second" json:"tokens_per_second"`
	BurstSize       int     `yaml:"burst_size"        json:"burst_size"`
}

// StreamConfig controls line decoding.
type StreamConfig struct {
	Terminator string `yaml:"terminator" json:"terminator"`
	ChunkSize  int    `yaml:"chunk_size" json:"chunk_size"`
}

// ObservabilityConfig controls logging and Prometheus metrics.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"       json:"log_level"`
	LogFormat      string `yaml:"log_format"      json:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"    json:"metrics_addr"`
}

// EventsConfig controls where progress envelopes are published. An empty
// NATSURL keeps events in the process log only.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"       json:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
}

// TemporalConfig locates the Temporal frontend and names the task queue.
type TemporalConfig struct {
	HostPort         string        `yaml:"host_port"         json:"host_port"`
	Namespace        string        `yaml:"namespace"         json:"namespace"`
	TaskQueue        string        `yaml:"task_queue"        json:"task_queue"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Service.BaseURL == "" {
		errs = multierror.Append(errs, errors.New("service.base_url is required"))
	} else if u, err := url.Parse(c.Service.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = multierror.Append(errs, fmt.Errorf("service.base_url %q is not an absolute URL", c.Service.BaseURL))
	}
	for _, phase := range domain.AllPhases() {
		ep, ok := c.Service.Endpoints[phase]
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("service.endpoints.%s is required", phase))
			continue
		}
		if ep.Path == "" || ep.MetricsField == "" || ep.ConversationField == "" {
			errs = multierror.Append(errs, fmt.Errorf("service.endpoints.%s needs path, metrics_field and conversation_field", phase))
		}
	}
	if c.Scheduler.PhaseTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("scheduler.phase_timeout must be positive"))
	}
	if c.Scheduler.EventBuffer < 0 {
		errs = multierror.Append(errs, errors.New("scheduler.event_buffer must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = multierror.Append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.Multiplier < 1 {
		errs = multierror.Append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.TokensPerSecond <= 0 || c.RateLimit.BurstSize < 1) {
		errs = multierror.Append(errs, errors.New("rate_limit needs positive tokens_per_second and burst_size"))
	}
	if c.Stream.Terminator == "" {
		errs = multierror.Append(errs, errors.New("stream.terminator must not be empty"))
	}
	if c.Stream.ChunkSize <= 0 {
		errs = multierror.Append(errs, errors.New("stream.chunk_size must be positive"))
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "json", "text":
	default:
		errs = multierror.Append(errs, fmt.Errorf("observability.log_format %q must be json or text", c.Observability.LogFormat))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
