package client

import (
	"testing"
	"time"
)

func TestBackoffDoublesToCapThenStops(t *testing.T) {
	b := NewBackoff()
	b.Sample = func() float64 { return 0.5 }

	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, expected := range want {
		got, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: expected a delay, backoff exhausted early", i+1)
		}
		if got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatalf("expected backoff to be exhausted after %d attempts", len(want))
	}

	b.Reset()
	if got, ok := b.Next(); !ok || got != 250*time.Millisecond {
		t.Fatalf("expected reset backoff to start over, got %s ok=%v", got, ok)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	low := &Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2, Sample: func() float64 { return 0 }}
	if got, _ := low.Next(); got != 800*time.Millisecond {
		t.Fatalf("expected lowest jitter 800ms, got %s", got)
	}
	high := &Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.2, Sample: func() float64 { return 1 }}
	if got, _ := high.Next(); got != 1200*time.Millisecond {
		t.Fatalf("expected highest jitter 1.2s, got %s", got)
	}
	unlimited := &Backoff{Base: time.Millisecond, Max: time.Millisecond}
	for i := 0; i < 50; i++ {
		if _, ok := unlimited.Next(); !ok {
			t.Fatalf("expected zero MaxAttempts to never exhaust")
		}
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
