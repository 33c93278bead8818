package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures retry behavior with exponential backoff
type Config struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	Jitter     bool          `json:"jitter"`
}

// DefaultConfig returns a retry configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// StoreConfig returns a retry configuration tuned for transient database
// failures (transaction start, connection resets).
func StoreConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do executes an operation with exponential backoff, retrying only while
// IsRetryable reports the error as transient. The last error is returned
// once retries are exhausted or the context is done.
func Do(ctx context.Context, config Config, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if attempt >= config.MaxRetries || !IsRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := calculateDelay(config, attempt)
		log.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Operation failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// calculateDelay calculates the delay for the next retry attempt using exponential backoff
func calculateDelay(config Config, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.Jitter {
		// Up to 10% random jitter to avoid thundering herd
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}
	return time.Duration(delay)
}

// IsRetryable determines if an error is transient enough to retry
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	retryable := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"broken pipe",
		"deadlock detected",
		"serialization failure",
		"begin",
	}
	for _, fragment := range retryable {
		if strings.Contains(errStr, fragment) {
			return true
		}
	}
	return false
}
