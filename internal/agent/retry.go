package agent

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/kandev/ralph/internal/common/constants"
)

// RetryConfig parameterizes the adapter's exponential-backoff-with-jitter
// retry protocol (spec §4.2). Zero values fall back to constants.DefaultRetry.
type RetryConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxRetries   int
}

func (c RetryConfig) orDefaults() RetryConfig {
	d := constants.DefaultRetry
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}

// backoffDelay computes delay_k = min(maxDelay, initialDelay*multiplier^k)*(1±0.25).
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	raw := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if raw > float64(cfg.MaxDelay) {
		raw = float64(cfg.MaxDelay)
	}
	jitter := 1 + (rand.Float64()*2-1)*constants.DefaultRetry.JitterFraction
	return time.Duration(raw * jitter)
}

// isRetryable reports whether an error message matches one of the retryable
// classes per spec §4.2: connection error, rate_limit, ECONNRESET, HTTP 5xx.
func isRetryable(message string) bool {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "connection error"):
		return true
	case strings.Contains(m, "rate_limit"):
		return true
	case strings.Contains(m, "econnreset"):
		return true
	}
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(m, code) {
			return true
		}
	}
	return false
}

// retryMessage renders the non-fatal RETRY notification text per spec §4.2
// ("Retrying in N seconds"), truncating to whole seconds.
func retryMessage(delay time.Duration) string {
	return fmt.Sprintf("Retrying in %d seconds", int(delay.Seconds()))
}

// withRetry runs op, retrying per cfg's backoff policy when it returns a
// retryable error. onRetry is invoked before each sleep so the caller can
// emit the corresponding non-fatal RETRY event; it receives the 0-based
// attempt number and the delay about to be slept.
func withRetry(ctx context.Context, cfg RetryConfig, onRetry func(attempt int, delay time.Duration), op func() error) error {
	cfg = cfg.orDefaults()

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr.Error()) {
			return lastErr
		}
		if attempt >= cfg.MaxRetries {
			return lastErr
		}

		delay := backoffDelay(cfg, attempt)
		if onRetry != nil {
			onRetry(attempt, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
