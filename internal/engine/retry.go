package engine

import (
	"context"
	"time"

	"github.com/agentworkforce/relayboard/internal/clock"
)

// retryPolicy bounds the re-read/re-write loop used for mutations that may
// race with other writers.
type retryPolicy struct {
	retries int
	base    time.Duration
}

var defaultRetryPolicy = retryPolicy{retries: 3, base: 50 * time.Millisecond}

// delay returns the pause before retry number n (1-based): base, 2*base,
// 4*base, ...
func (p retryPolicy) delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return p.base << (n - 1)
}

func waitWithClock(ctx context.Context, c clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
