package phase

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/ahrav/go-convoeval/internal/configuration"
	"github.com/ahrav/go-convoeval/internal/evalerrors"
)

// Backoff computes the delay before reopening a stream after attempt
// failed with err. A server Retry-After takes precedence over exponential
// backoff; otherwise full jitter is applied when enabled.
func Backoff(attempt int, cfg configuration.RetryConfig, err error) time.Duration {
	if retryAfter := evalerrors.GetRetryAfter(err); retryAfter > 0 {
		if cfg.MaxInterval > 0 && retryAfter > cfg.MaxInterval {
			return cfg.MaxInterval
		}
		return retryAfter
	}
	return ExponentialBackoff(attempt, cfg)
}

// ExponentialBackoff calculates retry delays using exponential backoff with
// optional full jitter. Returns zero for non-positive attempt numbers.
func ExponentialBackoff(attempt int, cfg configuration.RetryConfig) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := cfg.InitialInterval
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	multiplier := max(cfg.Multiplier, 1.0)
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if cfg.MaxInterval > 0 && backoff > cfg.MaxInterval {
			backoff = cfg.MaxInterval
			break
		}
	}

	if cfg.UseJitter {
		jitterMs := rand.Int64N(backoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		return time.Duration(jitterMs) * time.Millisecond
	}
	return backoff
}

// parseRetryAfter reads a Retry-After header given either as seconds or as
// an HTTP date. Unparseable or past values yield zero.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	for _, format := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(format, value); err == nil {
			return max(time.Until(t), 0)
		}
	}
	return 0
}
