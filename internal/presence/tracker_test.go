package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/clock"
)

var start = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestTrackerLastWriteWinsPerWorkspace(t *testing.T) {
	c := clock.NewFake(start)
	tracker := NewTracker(c, 0)

	tracker.Update("ws1", "bob", board.Point{X: 1, Y: 1})
	tracker.Update("ws1", "alice", board.Point{X: 2, Y: 2})
	c.Advance(time.Second)
	tracker.Update("ws1", "bob", board.Point{X: 3, Y: 3})
	tracker.Update("ws2", "bob", board.Point{X: 9, Y: 9})

	active := tracker.Active("ws1")
	require.Len(t, active, 2)
	assert.Equal(t, "alice", active[0].IdentityID)
	assert.Equal(t, "bob", active[1].IdentityID)
	assert.Equal(t, board.Point{X: 3, Y: 3}, active[1].Position)
	assert.Equal(t, start.Add(time.Second), active[1].UpdatedAt)

	other, ok := tracker.Get("ws2", "bob")
	require.True(t, ok)
	assert.Equal(t, board.Point{X: 9, Y: 9}, other.Position)
}

func TestTrackerFreshnessWindow(t *testing.T) {
	c := clock.NewFake(start)
	tracker := NewTracker(c, DefaultFreshness)

	tracker.Update("ws1", "alice", board.Point{X: 1, Y: 1})
	c.Advance(4 * time.Minute)
	tracker.Update("ws1", "bob", board.Point{X: 1, Y: 1})
	c.Advance(time.Minute)

	active := tracker.Active("ws1")
	require.Len(t, active, 1)
	assert.Equal(t, "bob", active[0].IdentityID)
	_, ok := tracker.Get("ws1", "alice")
	assert.False(t, ok)

	assert.Equal(t, 1, tracker.Prune())
	assert.Equal(t, 1, tracker.Len())
}

func TestTrackerRemove(t *testing.T) {
	tracker := NewTracker(clock.NewFake(start), 0)
	tracker.Update("ws1", "alice", board.Point{X: 1, Y: 1})

	removed, ok := tracker.Remove("ws1", "alice")
	require.True(t, ok)
	assert.Equal(t, "alice", removed.IdentityID)
	_, ok = tracker.Remove("ws1", "alice")
	assert.False(t, ok)
	assert.Empty(t, tracker.Active("ws1"))
}
