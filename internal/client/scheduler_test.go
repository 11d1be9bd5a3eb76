package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayboard/internal/clock"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestDebouncerRunsLatestAfterQuietPeriod(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	d := NewDebouncer(clk, 500*time.Millisecond)
	var ran []string

	d.Schedule(func() { ran = append(ran, "first") })
	clk.Advance(400 * time.Millisecond)
	d.Schedule(func() { ran = append(ran, "second") })
	clk.Advance(400 * time.Millisecond)
	assert.Empty(t, ran, "input kept arriving, nothing should run yet")
	assert.True(t, d.Pending())

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"second"}, ran)
	assert.False(t, d.Pending())

	clk.Advance(time.Second)
	assert.Equal(t, []string{"second"}, ran)
}

func TestDebouncerFlushAndCancel(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	d := NewDebouncer(clk, 0)
	count := 0

	assert.False(t, d.Flush())
	d.Schedule(func() { count++ })
	require.True(t, d.Flush())
	assert.Equal(t, 1, count)
	clk.Advance(time.Second)
	assert.Equal(t, 1, count, "flushed action must not run again from the timer")

	d.Schedule(func() { count++ })
	require.True(t, d.Cancel())
	clk.Advance(time.Second)
	assert.Equal(t, 1, count)
	assert.False(t, d.Cancel())
	assert.Zero(t, clk.PendingCount())
}

func TestFrameThrottleLeadingEdge(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	f := NewFrameThrottle(clk, 16*time.Millisecond)
	calls := 0
	hit := func() { calls++ }

	assert.True(t, f.Do(hit))
	assert.False(t, f.Do(hit))
	clk.Advance(10 * time.Millisecond)
	assert.False(t, f.Do(hit))
	clk.Advance(6 * time.Millisecond)
	assert.True(t, f.Do(hit))
	assert.Equal(t, 2, calls)

	f.Reset()
	assert.True(t, f.Do(hit))
	assert.Equal(t, 3, calls)
}
