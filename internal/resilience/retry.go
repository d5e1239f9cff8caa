// Package resilience provides retry and circuit breaking primitives for the
// LLM call paths.
//
// [Retrier] implements the persistence policy of the memory layer: an
// operation is retried with a fixed delay until it succeeds, favouring
// eventual persistence over giving up. The loop is cancellable through the
// context at every delay boundary so shutdown is never blocked.
// [CircuitBreaker] protects the interactive conversation path, where failing
// fast beats waiting.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetrierConfig holds tuning knobs for a [Retrier].
type RetrierConfig struct {
	// Delay is the fixed pause between attempts. Default: 5s.
	Delay time.Duration

	// MaxAttempts bounds the number of attempts. Zero or negative means
	// unbounded: retry until success or context cancellation.
	MaxAttempts int

	// Logger receives a record for every failed attempt. Default: slog.Default().
	Logger *slog.Logger
}

// Retrier runs operations repeatedly until they succeed.
type Retrier struct {
	delay       time.Duration
	maxAttempts int
	log         *slog.Logger

	// OnRetry, when set, is invoked once per failed attempt before the delay.
	// Used to feed retry counters.
	OnRetry func(label string)
}

// NewRetrier creates a [Retrier] with the supplied configuration. Zero-value
// config fields are replaced with sensible defaults.
func NewRetrier(cfg RetrierConfig) *Retrier {
	if cfg.Delay <= 0 {
		cfg.Delay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retrier{
		delay:       cfg.Delay,
		maxAttempts: cfg.MaxAttempts,
		log:         cfg.Logger,
	}
}

// Do runs fn until it returns nil. Each failure is logged at error level and
// followed by the configured delay; cancellation of ctx during the delay (or
// before the first attempt) aborts the loop with the context's error. The
// label names the operation in log records.
//
// With an unbounded Retrier the only ways out are success and cancellation.
func (r *Retrier) Do(ctx context.Context, label string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		r.log.Error("operation failed, retrying",
			"operation", label,
			"attempt", attempt,
			"delay", r.delay,
			"error", err)
		if r.OnRetry != nil {
			r.OnRetry(label)
		}

		if r.maxAttempts > 0 && attempt >= r.maxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", label, attempt, err)
		}

		timer := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
