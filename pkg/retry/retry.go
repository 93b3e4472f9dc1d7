// Package retry provides a generic exponential-backoff retry helper shared
// by the store client, the orchestrator's watch loop, and the service
// adapters.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/nnoe-agent/pkg/log"
)

// Config controls the backoff schedule of WithBackoff.
type Config struct {
	MaxRetries     int
	InitialDelayMs int64
	MaxDelayMs     int64
	Multiplier     float64
}

// DefaultConfig matches the agent's baseline retry posture for store and
// adapter operations.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialDelayMs: 100,
		MaxDelayMs:     5000,
		Multiplier:     2.0,
	}
}

// WithBackoff runs op, retrying up to cfg.MaxRetries times with exponential
// backoff between attempts. It returns the last error if every attempt
// fails, or ctx.Err() if ctx is canceled while waiting between attempts.
func WithBackoff[T any](ctx context.Context, cfg Config, name string, op func(context.Context) (T, error)) (T, error) {
	logger := log.WithComponent("retry")
	delay := time.Duration(cfg.InitialDelayMs) * time.Millisecond
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Debug().Str("operation", name).Int("attempt", attempt).Msg("operation succeeded after retries")
			}
			return result, nil
		}
		lastErr = err

		if attempt < cfg.MaxRetries {
			logger.Warn().
				Str("operation", name).
				Int("attempt", attempt+1).
				Int("max_attempts", cfg.MaxRetries+1).
				Dur("delay", delay).
				Err(err).
				Msg("operation failed, retrying")

			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}

			nextMs := int64(float64(delay.Milliseconds()) * cfg.Multiplier)
			if nextMs > cfg.MaxDelayMs {
				nextMs = cfg.MaxDelayMs
			}
			delay = time.Duration(nextMs) * time.Millisecond
		} else {
			logger.Warn().
				Str("operation", name).
				Int("attempts", cfg.MaxRetries+1).
				Msg("operation failed, giving up")
		}
	}

	return zero, fmt.Errorf("operation %s failed after %d retries: %w", name, cfg.MaxRetries, lastErr)
}
