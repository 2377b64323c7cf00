package phase

import (
	"net/http"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/go-convoeval/internal/configuration"
	"github.com/ahrav/go-convoeval/internal/evalerrors"
)

func TestExponentialBackoff(t *testing.T) {
	cfg := configuration.RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
		{20, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExponentialBackoff(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}

func TestExponentialBackoff_JitterStaysInRange(t *testing.T) {
	cfg := configuration.RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
		UseJitter:       true,
	}
	property := func(attempt uint8) bool {
		n := int(attempt%10) + 1
		d := ExponentialBackoff(n, cfg)
		return d >= 0 && d <= cfg.MaxInterval
	}
	assert.NoError(t, quick.Check(property, nil))
}

func TestBackoff_PrefersRetryAfter(t *testing.T) {
	cfg := configuration.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 10 * time.Second, Multiplier: 2}

	err := &evalerrors.TransportError{StatusCode: http.StatusTooManyRequests, RetryAfter: 3 * time.Second}
	assert.Equal(t, 3*time.Second, Backoff(1, cfg, err))

	err.RetryAfter = time.Minute
	assert.Equal(t, 10*time.Second, Backoff(1, cfg, err), "capped at max interval")

	assert.Equal(t, time.Millisecond, Backoff(1, cfg, &evalerrors.TransportError{StatusCode: 500}))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, parseRetryAfter("7"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("-3"))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Zero(t, parseRetryAfter(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)))

	future := parseRetryAfter(time.Now().Add(time.Hour).UTC().Format(time.RFC1123))
	assert.Greater(t, future, 59*time.Minute)
}
