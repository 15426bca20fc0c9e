// Package retry implements bounded exponential backoff with jitter for
// provider calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config bounds a retry loop: attempt count, per-attempt delays, and a total
// deadline across all attempts.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	TotalDeadline time.Duration
}

// DefaultConfig returns the default retry bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      15 * time.Second,
		TotalDeadline: 2 * time.Minute,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 15 * time.Second
	}
	if c.TotalDeadline <= 0 {
		c.TotalDeadline = 2 * time.Minute
	}
	return c
}

// Backoff returns the jittered delay before the given attempt (1-based).
// The base grows exponentially, capped at MaxDelay, then scaled by a random
// factor in [0.5, 1.5).
func (c Config) Backoff(attempt int) time.Duration {
	c = c.normalized()
	if attempt <= 0 {
		attempt = 1
	}
	base := float64(c.BaseDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	return time.Duration(base * (0.5 + rand.Float64()))
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or the total deadline expires. retryable classifies errors;
// the last error is returned on failure.
func Do[T any](ctx context.Context, cfg Config, retryable func(error) bool, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	ctx, cancel := context.WithTimeout(ctx, cfg.TotalDeadline)
	defer cancel()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !retryable(err) || attempt == cfg.MaxAttempts {
			return zero, lastErr
		}

		select {
		case <-ctx.Done():
			return zero, lastErr
		case <-time.After(cfg.Backoff(attempt)):
		}
	}
	return zero, lastErr
}
