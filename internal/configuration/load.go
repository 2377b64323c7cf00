package configuration

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-convoeval/internal/domain"
)

// Environment variables that override file configuration.
const (
	EnvBaseURL      = "CONVOEVAL_SERVICE_URL"
	EnvPhaseTimeout = "CONVOEVAL_PHASE_TIMEOUT"
	EnvMaxAttempts  = "CONVOEVAL_RETRY_MAX_ATTEMPTS"
	EnvLogLevel     = "CONVOEVAL_LOG_LEVEL"
	EnvLogFormat    = "CONVOEVAL_LOG_FORMAT"
	EnvMetricsAddr  = "CONVOEVAL_METRICS_ADDR"
	EnvNATSURL      = "CONVOEVAL_NATS_URL"
	EnvTemporalHost = "CONVOEVAL_TEMPORAL_HOST"
	EnvTaskQueue    = "CONVOEVAL_TASK_QUEUE"
)

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when empty), then .env files, then process environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if err := LoadEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults. Endpoint entries that omit a
// field inherit it from the stock endpoint of the same phase.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Service.Endpoints == nil {
		cfg.Service.Endpoints = make(map[domain.Phase]EndpointConfig)
	}
	for phase, def := range DefaultEndpoints() {
		ep, ok := cfg.Service.Endpoints[phase]
		if !ok {
			cfg.Service.Endpoints[phase] = def
			continue
		}
		if ep.Path == "" {
			ep.Path = def.Path
		}
		if ep.MetricsField == "" {
			ep.MetricsField = def.MetricsField
		}
		if ep.ConversationField == "" {
			ep.ConversationField = def.ConversationField
		}
		cfg.Service.Endpoints[phase] = ep
	}
	return cfg, nil
}

// LoadEnv loads .env files into the process environment. Missing files are
// ignored; with no arguments ".env" in the working directory is tried.
// Variables already set in the environment win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
// The API key is only ever taken from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvBaseURL); v != "" {
		c.Service.BaseURL = v
	}
	if c.Service.APIKeyEnv != "" {
		if v := getenv(c.Service.APIKeyEnv); v != "" {
			c.Service.APIKey = v
		}
	}
	if v := getenv(EnvPhaseTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, EnvPhaseTimeout, err)
		}
		c.Scheduler.PhaseTimeout = d
	}
	if v := getenv(EnvMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, EnvMaxAttempts, err)
		}
		c.Retry.MaxAttempts = n
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Observability.LogLevel = v
	}
	if v := getenv(EnvLogFormat); v != "" {
		c.Observability.LogFormat = v
	}
	if v := getenv(EnvMetricsAddr); v != "" {
		c.Observability.MetricsAddr = v
		c.Observability.MetricsEnabled = true
	}
	if v := getenv(EnvNATSURL); v != "" {
		c.Events.NATSURL = v
	}
	if v := getenv(EnvTemporalHost); v != "" {
		c.Temporal.HostPort = v
	}
	if v := getenv(EnvTaskQueue); v != "" {
		c.Temporal.TaskQueue = v
	}
	return nil
}
