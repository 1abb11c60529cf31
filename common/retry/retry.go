// Package retry runs an operation again with exponential backoff when it
// fails with an error the caller classifies as transient.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, ShouldRetry: isBusy}, func() error {
//	    return insertRow(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts including the first one.
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// InitialDelay is the pause before the second attempt; each further
	// pause doubles, capped at MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry classifies errors. nil retries every error.
	ShouldRetry func(err error) bool
}

// DefaultConfig suits short local operations such as SQLite writes that may
// collide with a concurrent writer.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
}

func (c Config) normalised() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(error) bool { return true }
	}
	return c
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget runs out, or ctx is done. The last error from fn is returned,
// joined with the context error when cancellation cut the loop short.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.normalised()

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil || !cfg.ShouldRetry(lastErr) || attempt >= cfg.MaxAttempts {
			return lastErr
		}

		slog.Debug("retry: attempt failed",
			"attempt", attempt, "max", cfg.MaxAttempts, "delay", delay, "err", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}

		delay = min(delay*2, cfg.MaxDelay)
	}
}
