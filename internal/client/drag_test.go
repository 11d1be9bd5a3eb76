package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/clock"
)

type persistedMove struct {
	noteID   string
	position board.Point
}

func newDragFixture(t *testing.T) (*clock.FakeClock, *Board, *DragController, *[]persistedMove, *int) {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	b := NewBoard()
	b.Load([]board.NoteView{{Note: board.Note{ID: "note-a", WorkspaceID: "ws-1", AuthorID: "alice", Content: "drag me", Version: 1}}})
	persisted := &[]persistedMove{}
	frames := new(int)
	drag := NewDragController(DragOptions{
		Board: b,
		Clock: clk,
		Persist: func(noteID string, position board.Point) {
			*persisted = append(*persisted, persistedMove{noteID, position})
		},
		OnFrame: func(string, board.Point) { *frames++ },
	})
	return clk, b, drag, persisted, frames
}

func TestContinuousDragPersistsExactlyOnceOnRelease(t *testing.T) {
	clk, b, drag, persisted, frames := newDragFixture(t)

	drag.Begin("note-a")
	for i := 1; i <= 200; i++ {
		drag.Move(board.Point{X: float64(i), Y: float64(i) / 2})
		clk.Advance(10 * time.Millisecond)
	}
	assert.Empty(t, *persisted, "no move is persisted while the pointer keeps moving")
	assert.Equal(t, 100, *frames, "visual updates are limited to one per frame")

	drag.End(board.Point{X: 200, Y: 100})
	require.Equal(t, []persistedMove{{"note-a", board.Point{X: 200, Y: 100}}}, *persisted)
	assert.Equal(t, 101, *frames)

	clk.Advance(5 * time.Second)
	assert.Len(t, *persisted, 1)

	note, ok := b.Note("note-a")
	require.True(t, ok)
	assert.Equal(t, board.Point{X: 200, Y: 100}, note.Position)
	assert.False(t, b.Dragging("note-a"))
	_, active := drag.Active()
	assert.False(t, active)
}

func TestDragPauseSendsTrailingMove(t *testing.T) {
	clk, _, drag, persisted, _ := newDragFixture(t)

	drag.Begin("note-a")
	drag.Move(board.Point{X: 10, Y: 10})
	clk.Advance(499 * time.Millisecond)
	assert.Empty(t, *persisted)
	clk.Advance(time.Millisecond)
	require.Len(t, *persisted, 1)
	assert.Equal(t, board.Point{X: 10, Y: 10}, (*persisted)[0].position)

	drag.Move(board.Point{X: 20, Y: 20})
	drag.End(board.Point{X: 25, Y: 25})
	require.Len(t, *persisted, 2)
	assert.Equal(t, board.Point{X: 25, Y: 25}, (*persisted)[1].position)
}

func TestDragFlushAndCancel(t *testing.T) {
	clk, b, drag, persisted, _ := newDragFixture(t)

	drag.Begin("note-a")
	drag.Move(board.Point{X: 30, Y: 30})
	assert.True(t, drag.Flush())
	assert.Len(t, *persisted, 1)
	assert.False(t, drag.Flush())

	drag.Move(board.Point{X: 40, Y: 40})
	drag.Cancel()
	clk.Advance(time.Second)
	assert.Len(t, *persisted, 1)
	assert.False(t, b.Dragging("note-a"))

	drag.Move(board.Point{X: 50, Y: 50})
	clk.Advance(time.Second)
	assert.Len(t, *persisted, 1, "moves outside a drag are ignored")
}

func TestDraggedNoteKeepsLocalPositionAgainstRemoteMoves(t *testing.T) {
	_, b, drag, _, _ := newDragFixture(t)

	drag.Begin("note-a")
	drag.Move(board.Point{X: 70, Y: 70})
	changed := b.ApplyEvent(broadcast.Event{Kind: broadcast.KindNoteMoved, Payload: broadcast.NoteMoved{
		NoteID:   "note-a",
		Position: board.Point{X: 999, Y: 999},
		Version:  2,
		MovedBy:  "bob",
		MovedAt:  testEpoch,
	}})
	require.True(t, changed)
	note, _ := b.Note("note-a")
	assert.Equal(t, board.Point{X: 70, Y: 70}, note.Position)
	assert.Equal(t, int64(2), note.Version)

	drag.End(board.Point{X: 80, Y: 80})
	b.ApplyEvent(broadcast.Event{Kind: broadcast.KindNoteMoved, Payload: broadcast.NoteMoved{
		NoteID:   "note-a",
		Position: board.Point{X: 80, Y: 80},
		Version:  3,
		MovedBy:  "alice",
		MovedAt:  testEpoch,
	}})
	note, _ = b.Note("note-a")
	assert.Equal(t, board.Point{X: 80, Y: 80}, note.Position)
	assert.Equal(t, int64(3), note.Version)
}
