package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Timers whose deadline is
// reached fire in deadline order from inside Advance, so AfterFunc
// callbacks have completed by the time Advance returns.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	period   time.Duration
	active   bool
}

func NewFake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.scheduleLocked(&fakeTimer{deadline: c.now.Add(d), ch: ch, active: true})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	t := &fakeTimer{deadline: c.now.Add(d), fn: f, active: true}
	if d > 0 {
		c.scheduleLocked(t)
	}
	c.mu.Unlock()
	if d <= 0 {
		t.active = false
		f()
	}
	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := t.active
			c.unscheduleLocked(t)
			return wasActive
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := t.active
			c.unscheduleLocked(t)
			t.deadline = c.now.Add(d)
			t.active = true
			c.scheduleLocked(t)
			return wasActive
		},
	}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	t := &fakeTimer{deadline: c.now.Add(d), ch: ch, period: d, active: true}
	c.scheduleLocked(t)
	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.unscheduleLocked(t)
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.unscheduleLocked(t)
			t.period = d
			t.deadline = c.now.Add(d)
			t.active = true
			c.scheduleLocked(t)
		},
	}
}

// Advance moves the clock forward by d and fires every timer that comes due,
// including timers scheduled by callbacks fired during this call.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		at := c.now
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			c.unscheduleLocked(next)
		}
		c.mu.Unlock()

		if next.fn != nil {
			next.fn()
		} else {
			select {
			case next.ch <- at:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) scheduleLocked(t *fakeTimer) {
	c.pending = append(c.pending, t)
	c.changed.Broadcast()
}

func (c *FakeClock) unscheduleLocked(t *fakeTimer) {
	t.active = false
	for i, candidate := range c.pending {
		if candidate == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	due := make([]*fakeTimer, 0, len(c.pending))
	for _, t := range c.pending {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due[0]
}
