package client

import (
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/clock"
)

const (
	DefaultDebounceDelay = 500 * time.Millisecond
	DefaultFrameInterval = 16 * time.Millisecond
)

// Debouncer runs the most recently scheduled action once input has been
// quiet for its delay. It owns a single timer.
type Debouncer struct {
	clock clock.Clock
	delay time.Duration

	mu      sync.Mutex
	timer   *clock.Timer
	pending func()
	gen     uint64
}

func NewDebouncer(c clock.Clock, delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &Debouncer{clock: clock.OrReal(c), delay: delay}
}

// Schedule replaces any pending action with fn and restarts the delay.
func (d *Debouncer) Schedule(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = fn
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Flush runs the pending action now. It reports whether there was one.
func (d *Debouncer) Flush() bool {
	fn := d.take()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Cancel drops the pending action without running it.
func (d *Debouncer) Cancel() bool {
	return d.take() != nil
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()
	fn()
}

func (d *Debouncer) take() func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn := d.pending
	d.pending = nil
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return fn
}

// FrameThrottle lets at most one call through per frame interval. Calls
// inside an open frame are dropped; the first call of a frame runs
// immediately.
type FrameThrottle struct {
	clock    clock.Clock
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewFrameThrottle(c clock.Clock, interval time.Duration) *FrameThrottle {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameThrottle{clock: clock.OrReal(c), interval: interval}
}

// Do runs fn unless a call already ran in the current frame.
func (f *FrameThrottle) Do(fn func()) bool {
	f.mu.Lock()
	now := f.clock.Now()
	if !f.last.IsZero() && now.Sub(f.last) < f.interval {
		f.mu.Unlock()
		return false
	}
	f.last = now
	f.mu.Unlock()
	fn()
	return true
}

// Reset opens a new frame so the next Do runs.
func (f *FrameThrottle) Reset() {
	f.mu.Lock()
	f.last = time.Time{}
	f.mu.Unlock()
}
