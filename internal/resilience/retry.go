package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts = 3
	defaultBackoff     = 50 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// Name labels log messages.
	Name string

	// MaxAttempts is the total number of calls, the first included.
	// Defaults to 3 if zero.
	MaxAttempts int

	// Backoff is the wait before the second attempt. Doubles each attempt up
	// to MaxBackoff. Defaults to 50ms if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts. Defaults to 2s if zero.
	MaxBackoff time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// permanentError marks an error that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that [Retry] returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ExhaustedError is returned by [Retry] after the last attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry calls fn until it succeeds, returns a [Permanent] error, ctx is done,
// or MaxAttempts calls have failed, waiting with exponential backoff between
// attempts. A permanent error is returned unwrapped from its marker.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	backoff := cfg.Backoff

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		slog.Warn("attempt failed, retrying",
			"name", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", cfg.Name, ctx.Err(), err)
		case <-t.C:
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return &ExhaustedError{Attempts: cfg.MaxAttempts, Err: err}
}
