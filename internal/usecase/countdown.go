package usecase

import (
	"sync"
	"time"
)

// countdown paces the 3-2-1 lead-in before auto-capture. Each instance
// runs once; cancellation is sticky and safe from any goroutine.
type countdown struct {
	steps    int
	interval time.Duration

	once      sync.Once
	cancelled chan struct{}
}

func newCountdown(steps int, interval time.Duration) *countdown {
	return &countdown{
		steps:     steps,
		interval:  interval,
		cancelled: make(chan struct{}),
	}
}

// stop cancels the countdown. Safe to call more than once.
func (cd *countdown) stop() {
	cd.once.Do(func() { close(cd.cancelled) })
}

// run ticks from steps down to 1, surfacing each remaining value before
// waiting out the interval. It returns false when cancelled mid-count.
func (cd *countdown) run(tick func(remaining int)) bool {
	for remaining := cd.steps; remaining > 0; remaining-- {
		select {
		case <-cd.cancelled:
			return false
		default:
		}
		tick(remaining)

		timer := time.NewTimer(cd.interval)
		select {
		case <-timer.C:
		case <-cd.cancelled:
			timer.Stop()
			return false
		}
	}
	return true
}
