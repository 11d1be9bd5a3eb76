package client

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/clock"
	"github.com/agentworkforce/relayboard/internal/collab"
)

func startMover(t *testing.T) (*clock.FakeClock, *fakeDialer, *Conn, *Mover) {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	dialer := newFakeDialer()
	b := NewBoard()
	b.Load([]board.NoteView{{Note: board.Note{ID: "note-a", WorkspaceID: "ws-1", AuthorID: "alice", Version: 1}}})
	conn := NewConn(ConnOptions{
		Dialer:      dialer,
		WorkspaceID: "ws-1",
		Backoff:     fastBackoff(5),
		Clock:       clk,
		Logger:      slog.New(slog.DiscardHandler),
		OnEvent:     func(ev broadcast.Event) { b.ApplyEvent(ev) },
	})
	mover := NewMover(MoverOptions{Conn: conn, Board: b, Clock: clk, Logger: slog.New(slog.DiscardHandler)})
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = conn.Close()
		receive(t, done)
	})
	return clk, dialer, conn, mover
}

func TestMoverResendsMoveFlushedWhileReconnecting(t *testing.T) {
	clk, dialer, conn, mover := startMover(t)

	first := receive(t, dialer.transports)
	receive(t, first.sent)
	first.events <- sequenced(0, "epoch-a", broadcast.PresenceSnapshot{})

	_ = first.Close()
	clk.WaitForTimers(1)
	require.Equal(t, StateReconnecting, conn.State())

	mover.Begin("note-a")
	mover.Move(board.Point{X: 40, Y: 40})
	mover.End(board.Point{X: 50, Y: 60})
	pending, ok := mover.Pending("note-a")
	require.True(t, ok, "the release happened while disconnected")
	assert.Equal(t, board.Point{X: 50, Y: 60}, pending)

	clk.Advance(10 * time.Millisecond)
	second := receive(t, dialer.transports)
	join := receive(t, second.sent)
	assert.Equal(t, collab.CommandJoinWorkspace, join.Type)
	assert.Empty(t, second.sent, "nothing is resent before the join takes effect")

	second.events <- sequenced(0, "epoch-a", broadcast.PresenceSnapshot{})
	move := receive(t, second.sent)
	assert.Equal(t, collab.CommandMoveNote, move.Type)
	assert.Equal(t, "note-a", move.NoteID)
	assert.Equal(t, "ws-1", move.WorkspaceID)
	require.NotNil(t, move.Position)
	assert.Equal(t, board.Point{X: 50, Y: 60}, *move.Position)

	require.Eventually(t, func() bool {
		_, ok := mover.Pending("note-a")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMoverNewerMoveReplacesHeldOne(t *testing.T) {
	clk, dialer, _, mover := startMover(t)

	first := receive(t, dialer.transports)
	receive(t, first.sent)
	_ = first.Close()
	clk.WaitForTimers(1)

	mover.Begin("note-a")
	mover.End(board.Point{X: 1, Y: 1})
	mover.Begin("note-a")
	mover.End(board.Point{X: 2, Y: 2})
	pending, ok := mover.Pending("note-a")
	require.True(t, ok)
	assert.Equal(t, board.Point{X: 2, Y: 2}, pending)

	clk.Advance(10 * time.Millisecond)
	second := receive(t, dialer.transports)
	receive(t, second.sent)
	second.events <- sequenced(0, "epoch-a", broadcast.PresenceSnapshot{})
	move := receive(t, second.sent)
	assert.Equal(t, board.Point{X: 2, Y: 2}, *move.Position)
	assert.Empty(t, second.sent, "the superseded position is never sent")
}

func TestMoverFlushesActiveDragOnClose(t *testing.T) {
	_, dialer, conn, mover := startMover(t)

	transport := receive(t, dialer.transports)
	receive(t, transport.sent)
	mover.Begin("note-a")
	mover.Move(board.Point{X: 7, Y: 8})

	require.NoError(t, conn.Close())
	move := receive(t, transport.sent)
	assert.Equal(t, collab.CommandMoveNote, move.Type)
	assert.Equal(t, board.Point{X: 7, Y: 8}, *move.Position)
	_, held := mover.Pending("note-a")
	assert.False(t, held)
}
