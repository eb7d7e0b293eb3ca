package realtime

import (
	"context"
	"time"
)

// retrySchedule yields reconnect delays: the initial delay doubled per
// attempt, capped at max. Attempts are 1-based.
type retrySchedule struct {
	initial time.Duration
	max     time.Duration
}

func (s retrySchedule) delay(attempt int) time.Duration {
	d := s.initial
	if d <= 0 {
		d = time.Second
	}
	max := s.max
	if max <= 0 {
		max = 10 * time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// SleepFunc waits out one backoff delay. The default implementation
// honors context cancellation; tests substitute one that records delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
