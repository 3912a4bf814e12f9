package retry

import (
	"context"
	"math"
	"time"

	moderr "github.com/lizzyg/aigateway/errors"
)

// Config holds retry configuration parameters
type Config struct {
	MaxAttempts       int                `json:"max_attempts"`
	InitialDelay      time.Duration      `json:"initial_delay"`
	MaxDelay          time.Duration      `json:"max_delay"`
	BackoffMultiplier float64            `json:"backoff_multiplier"`
	RetryableErrors   []moderr.ErrorType `json:"retryable_errors"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		RetryableErrors: []moderr.ErrorType{
			moderr.TypeRateLimit,
			moderr.TypeNetwork,
			moderr.TypeServerError,
			moderr.TypeUnknown,
		},
	}
}

// Backoff returns the pause after the given failed attempt (1-indexed):
// min(InitialDelay * BackoffMultiplier^(attempt-1), MaxDelay).
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

// sleep is the only place the gateway blocks between attempts. Tests replace it.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or MaxAttempts
// is reached. Every returned error is a classified *ProviderError tagged with
// source. Cancelling ctx stops retrying and returns the last failure.
func Do(ctx context.Context, cfg Config, source string, fn func(ctx context.Context) error) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		perr := Classify(err, source)
		if attempt >= maxAttempts || !cfg.shouldRetry(perr) || ctx.Err() != nil {
			return perr
		}
		if sleep(ctx, Backoff(cfg, attempt)) != nil {
			return perr
		}
	}
}

func (c Config) shouldRetry(perr *moderr.ProviderError) bool {
	if !perr.Retryable {
		return false
	}
	if c.RetryableErrors == nil {
		return true
	}
	for _, t := range c.RetryableErrors {
		if t == perr.Type {
			return true
		}
	}
	return false
}
