package transcoder

import (
	"context"
	"errors"
	"time"
)

// Budget derives a per-invocation timeout from the input duration.
type Budget struct {
	Factor float64       // wall seconds allowed per second of media
	Min    time.Duration // floor for short inputs
	Max    time.Duration // ceiling, 0 means unbounded
}

// DefaultBudget allows three times real time, at least two minutes.
func DefaultBudget() Budget {
	return Budget{Factor: 3, Min: 2 * time.Minute, Max: 4 * time.Hour}
}

// For returns the timeout for media of the given duration.
func (b Budget) For(durationSeconds int) time.Duration {
	d := time.Duration(float64(durationSeconds) * b.Factor * float64(time.Second))
	if d < b.Min {
		d = b.Min
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// withRetry runs fn with its own timeout per attempt and retries transcode
// failures up to retries extra times. Cancellation of ctx stops retrying.
func withRetry(ctx context.Context, retries int, timeout time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil || !errors.Is(err, ErrTranscode) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
