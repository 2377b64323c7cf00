package configuration

import (
	"time"

	"github.com/ahrav/go-convoeval/internal/domain"
)

// HTTP and connection constants.
const (
	DefaultBaseURL               = "http://localhost:8000"
	DefaultAPIKeyEnv             = "CONVOEVAL_API_KEY"
	DefaultDialTimeout           = 10 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 2 * time.Minute
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultMaxIdleConns          = 100
)

// Scheduling constants.
const (
	DefaultPhaseTimeout = 2 * time.Hour
	DefaultEventBuffer  = 64
)

// Retry constants. With a single attempt a stream that fails to open is a
// hard phase failure.
const (
	DefaultMaxAttempts       = 1
	DefaultMaxElapsedTime    = 30 * time.Second
	DefaultInitialInterval   = 250 * time.Millisecond
	DefaultMaxInterval       = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Rate limiting constants.
const (
	DefaultTokensPerSecond = 10
	DefaultBurstSize       = 20
)

// Stream constants.
const (
	DefaultTerminator = "\n"
	DefaultChunkSize  = 4096
)

// Observability, events and Temporal constants.
const (
	DefaultMetricsAddr      = ":9090"
	DefaultSubjectPrefix    = "convoeval"
	DefaultTemporalHostPort = "localhost:7233"
	DefaultNamespace        = "default"
	DefaultTaskQueue        = "convoeval"
	DefaultHeartbeatTimeout = time.Minute
)

// DefaultEndpoints returns the stock per-phase endpoints of the scoring
// service.
func DefaultEndpoints() map[domain.Phase]EndpointConfig {
	return map[domain.Phase]EndpointConfig{
		domain.PhasePredefined: {
			Path:              "/api/evaluate/predefined/stream",
			MetricsField:      "metricNames",
			ConversationField: "conversationTurns",
		},
		domain.PhaseCustom: {
			Path:              "/api/evaluate/custom/stream",
			MetricsField:      "metricNames",
			ConversationField: "conversationTurns",
		},
		domain.PhaseLiterature: {
			Path:              "/api/evaluate/literature/stream",
			MetricsField:      "metrics",
			ConversationField: "conversation",
		},
	}
}

// DefaultConfig returns a configuration that works against a scoring service
// on localhost.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			BaseURL:   DefaultBaseURL,
			APIKeyEnv: DefaultAPIKeyEnv,
			Endpoints: DefaultEndpoints(),
		},
		HTTP: HTTPConfig{
			DialTimeout:           DefaultDialTimeout,
			TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
			ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
			IdleConnTimeout:       DefaultIdleConnTimeout,
			MaxIdleConns:          DefaultMaxIdleConns,
		},
		Scheduler: SchedulerConfig{
			PhaseTimeout: DefaultPhaseTimeout,
			EventBuffer:  DefaultEventBuffer,
		},
		Retry: RetryConfig{
			MaxAttempts:     DefaultMaxAttempts,
			MaxElapsedTime:  DefaultMaxElapsedTime,
			InitialInterval: DefaultInitialInterval,
			MaxInterval:     DefaultMaxInterval,
			Multiplier:      DefaultBackoffMultiplier,
			UseJitter:       true,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			TokensPerSecond: DefaultTokensPerSecond,
			BurstSize:       DefaultBurstSize,
		},
		Stream: StreamConfig{
			Terminator: DefaultTerminator,
			ChunkSize:  DefaultChunkSize,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: false,
			MetricsAddr:    DefaultMetricsAddr,
		},
		Events: EventsConfig{
			SubjectPrefix: DefaultSubjectPrefix,
		},
		Temporal: TemporalConfig{
			HostPort:         DefaultTemporalHostPort,
			Namespace:        DefaultNamespace,
			TaskQueue:        DefaultTaskQueue,
			HeartbeatTimeout: DefaultHeartbeatTimeout,
		},
	}
}
