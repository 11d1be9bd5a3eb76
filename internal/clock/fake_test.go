package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	c := NewFake(start)
	ch := c.After(3 * time.Second)

	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-ch:
		assert.True(t, at.Equal(start.Add(3*time.Second)))
	default:
		t.Fatal("After did not fire at deadline")
	}
}

func TestFakeAfterNonPositiveIsImmediate(t *testing.T) {
	c := NewFake(start)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should deliver immediately")
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeAfterFuncSeesDeadlineTime(t *testing.T) {
	c := NewFake(start)
	var seen []time.Time
	c.AfterFunc(50*time.Millisecond, func() { seen = append(seen, c.Now()) })
	c.AfterFunc(20*time.Millisecond, func() { seen = append(seen, c.Now()) })

	c.Advance(time.Second)

	require.Len(t, seen, 2)
	assert.Equal(t, start.Add(20*time.Millisecond), seen[0])
	assert.Equal(t, start.Add(50*time.Millisecond), seen[1])
	assert.Equal(t, start.Add(time.Second), c.Now())
}

func TestFakeAfterFuncStopAndReset(t *testing.T) {
	c := NewFake(start)
	calls := 0
	timer := c.AfterFunc(time.Second, func() { calls++ })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.Equal(t, 0, calls)

	assert.False(t, timer.Reset(500*time.Millisecond))
	c.Advance(400 * time.Millisecond)
	assert.Equal(t, 0, calls)
	assert.True(t, timer.Reset(500*time.Millisecond))
	c.Advance(400 * time.Millisecond)
	assert.Equal(t, 0, calls)
	c.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, calls)
}

func TestFakeCallbackCanScheduleWithinSameAdvance(t *testing.T) {
	c := NewFake(start)
	frames := 0
	var frame func()
	frame = func() {
		frames++
		if frames < 5 {
			c.AfterFunc(16*time.Millisecond, frame)
		}
	}
	c.AfterFunc(16*time.Millisecond, frame)

	c.Advance(time.Second)

	assert.Equal(t, 5, frames)
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeTicker(t *testing.T) {
	c := NewFake(start)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire")
	}
	assert.Equal(t, 1, c.PendingCount())

	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := NewFake(start)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestOrReal(t *testing.T) {
	assert.Equal(t, Real(), OrReal(nil))
	fake := NewFake(start)
	assert.Same(t, fake, OrReal(fake))
}
