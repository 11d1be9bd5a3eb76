package client

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase       = 250 * time.Millisecond
	DefaultBackoffMax        = 10 * time.Second
	DefaultBackoffJitter     = 0.2
	DefaultReconnectAttempts = 10
)

// Backoff is the reconnect schedule: exponential from Base, capped at Max,
// with a symmetric Jitter ratio, for at most MaxAttempts attempts between
// successful connections.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int
	// Sample returns a value in [0, 1). Defaults to math/rand/v2.
	Sample func() float64

	attempt int
}

func NewBackoff() *Backoff {
	return &Backoff{
		Base:        DefaultBackoffBase,
		Max:         DefaultBackoffMax,
		Jitter:      DefaultBackoffJitter,
		MaxAttempts: DefaultReconnectAttempts,
	}
}

// Next advances to the following attempt and returns the delay to wait
// before it. ok is false once MaxAttempts have been used.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	b.attempt++
	sample := rand.Float64
	if b.Sample != nil {
		sample = b.Sample
	}
	return jitteredIntervalWithSample(b.delayFor(b.attempt), b.Jitter, sample()), true
}

func (b *Backoff) delayFor(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Attempt is the number of attempts handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) Reset() { b.attempt = 0 }

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample scales base by a factor in
// [1-jitterRatio, 1+jitterRatio] picked by sample.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

// JitteredInterval is base with ratio jitter applied, for periodic loops.
func JitteredInterval(base time.Duration, ratio float64) time.Duration {
	return jitteredIntervalWithSample(base, ratio, rand.Float64())
}
