package replay

import (
	"context"
	"runtime"
	"time"
)

// spinWindow is how far before the deadline the wait switches from
// sleeping to polling the clock. OS sleep granularity is too coarse to
// reproduce sub-millisecond message cadences, so the final stretch spins.
const spinWindow = time.Millisecond

// waitUntil blocks until deadline (measured against Go's monotonic clock)
// or ctx cancellation. It never returns early relative to the deadline.
func waitUntil(ctx context.Context, deadline time.Time) error {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err()
		}
		if remaining > spinWindow {
			timer := time.NewTimer(remaining - spinWindow)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		for time.Now().Before(deadline) {
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.Gosched()
		}
		return nil
	}
}
