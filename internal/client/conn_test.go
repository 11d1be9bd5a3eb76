package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/collab"
)

type fakeTransport struct {
	events chan broadcast.Event
	sent   chan collab.Command
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan broadcast.Event, 16),
		sent:   make(chan collab.Command, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, cmd collab.Command) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	select {
	case f.sent <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Receive(ctx context.Context) (broadcast.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.closed:
		return broadcast.Event{}, errors.New("transport closed")
	case <-ctx.Done():
		return broadcast.Event{}, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	transports chan *fakeTransport
	failing    atomic.Bool
	dials      atomic.Int32

	mu         sync.Mutex
	workspaces []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{transports: make(chan *fakeTransport, 4)}
}

func (d *fakeDialer) Dial(ctx context.Context, workspaceID string) (Transport, error) {
	d.dials.Add(1)
	d.mu.Lock()
	d.workspaces = append(d.workspaces, workspaceID)
	d.mu.Unlock()
	if d.failing.Load() {
		return nil, errors.New("connection refused")
	}
	transport := newFakeTransport()
	d.transports <- transport
	return transport, nil
}

func fastBackoff(attempts int) *Backoff {
	return &Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: attempts, Sample: func() float64 { return 0.5 }}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for value")
	}
	var zero T
	return zero
}

func sequenced(seq uint64, epoch string, payload broadcast.Payload) broadcast.Event {
	ev := broadcast.NewEvent(payload)
	ev.WorkspaceID = "ws-1"
	ev.Epoch = epoch
	ev.Seq = seq
	return ev
}

func startConn(t *testing.T, dialer Dialer, attempts int) (*Conn, <-chan broadcast.Event, <-chan error) {
	t.Helper()
	events := make(chan broadcast.Event, 32)
	conn := NewConn(ConnOptions{
		Dialer:      dialer,
		WorkspaceID: "ws-1",
		Backoff:     fastBackoff(attempts),
		Logger:      slog.New(slog.DiscardHandler),
		OnEvent:     func(ev broadcast.Event) { events <- ev },
	})
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()
	t.Cleanup(func() { _ = conn.Close() })
	return conn, events, done
}

func TestConnRejoinsAfterTransportLossAndSuppressesReplays(t *testing.T) {
	dialer := newFakeDialer()
	conn, events, done := startConn(t, dialer, 5)

	first := receive(t, dialer.transports)
	join := receive(t, first.sent)
	assert.Equal(t, collab.CommandJoinWorkspace, join.Type)
	assert.Equal(t, "ws-1", join.WorkspaceID)
	assert.Equal(t, StateConnected, conn.State())

	first.events <- sequenced(0, "epoch-a", broadcast.PresenceSnapshot{})
	first.events <- sequenced(1, "epoch-a", broadcast.NoteDeleted{NoteID: "n1"})
	first.events <- sequenced(1, "epoch-a", broadcast.NoteDeleted{NoteID: "n1"})
	first.events <- sequenced(2, "epoch-a", broadcast.NoteDeleted{NoteID: "n2"})

	assert.Equal(t, broadcast.KindPresenceSnapshot, receive(t, events).Kind)
	assert.Equal(t, uint64(1), receive(t, events).Seq)
	assert.Equal(t, uint64(2), receive(t, events).Seq, "duplicate seq 1 is dropped")

	_ = first.Close()
	second := receive(t, dialer.transports)
	rejoin := receive(t, second.sent)
	assert.Equal(t, collab.CommandJoinWorkspace, rejoin.Type)
	assert.Equal(t, "ws-1", rejoin.WorkspaceID)

	second.events <- sequenced(2, "epoch-a", broadcast.PresenceSnapshot{})
	second.events <- sequenced(2, "epoch-a", broadcast.NoteDeleted{NoteID: "n2"})
	second.events <- sequenced(3, "epoch-a", broadcast.NoteDeleted{NoteID: "n3"})
	assert.Equal(t, broadcast.KindPresenceSnapshot, receive(t, events).Kind)
	assert.Equal(t, uint64(3), receive(t, events).Seq)

	second.events <- sequenced(1, "epoch-b", broadcast.NoteDeleted{NoteID: "n4"})
	assert.Equal(t, "epoch-b", receive(t, events).Epoch, "a new router epoch starts a new sequence")

	require.NoError(t, conn.Close())
	require.NoError(t, receive(t, done))
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnSurfacesConnectivityLossAfterMaxAttempts(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failing.Store(true)
	var states []State
	var mu sync.Mutex
	conn := NewConn(ConnOptions{
		Dialer:  dialer,
		Backoff: fastBackoff(3),
		Logger:  slog.New(slog.DiscardHandler),
		OnStateChange: func(_, to State) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		},
	})

	err := conn.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectivityLost)
	assert.Equal(t, int32(4), dialer.dials.Load(), "initial dial plus three retries")
	assert.Equal(t, StateDisconnected, conn.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateReconnecting, StateDisconnected}, states)
}

type droppingDialer struct {
	dials atomic.Int32
}

func (d *droppingDialer) Dial(context.Context, string) (Transport, error) {
	d.dials.Add(1)
	transport := newFakeTransport()
	_ = transport.Close()
	return transport, nil
}

func TestConnBackoffKeepsGrowingWhenSessionsDropBeforeSnapshot(t *testing.T) {
	dialer := &droppingDialer{}
	conn := NewConn(ConnOptions{
		Dialer:      dialer,
		WorkspaceID: "ws-1",
		Backoff:     fastBackoff(3),
		Logger:      slog.New(slog.DiscardHandler),
	})

	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()
	err := receive(t, done)
	assert.ErrorIs(t, err, ErrConnectivityLost)
	assert.Equal(t, int32(4), dialer.dials.Load())
}

func TestConnReadyHooksRunAfterEachSnapshot(t *testing.T) {
	dialer := newFakeDialer()
	conn, events, _ := startConn(t, dialer, 5)
	readies := make(chan struct{}, 4)
	conn.OnReady(func() { readies <- struct{}{} })

	first := receive(t, dialer.transports)
	receive(t, first.sent)
	first.events <- sequenced(0, "epoch-a", broadcast.PresenceSnapshot{})
	first.events <- sequenced(0, "epoch-a", broadcast.PresenceSnapshot{})
	receive(t, events)
	receive(t, events)
	receive(t, readies)
	assert.Empty(t, readies, "one ready per session")

	_ = first.Close()
	second := receive(t, dialer.transports)
	receive(t, second.sent)
	second.events <- sequenced(0, "epoch-a", broadcast.PresenceSnapshot{})
	receive(t, readies)
}

func TestConnLeaveFlushesPendingWorkFirst(t *testing.T) {
	dialer := newFakeDialer()
	conn, _, _ := startConn(t, dialer, 5)
	transport := receive(t, dialer.transports)
	receive(t, transport.sent)

	flushed := false
	conn.OnTeardown(func() {
		flushed = true
		require.NoError(t, conn.MoveNote(context.Background(), "n1", board.Point{X: 9, Y: 9}))
	})

	require.NoError(t, conn.Leave(context.Background()))
	assert.True(t, flushed)
	move := receive(t, transport.sent)
	assert.Equal(t, collab.CommandMoveNote, move.Type)
	assert.Equal(t, "ws-1", move.WorkspaceID)
	leave := receive(t, transport.sent)
	assert.Equal(t, collab.CommandLeaveWorkspace, leave.Type)
	assert.Equal(t, "ws-1", leave.WorkspaceID)
	assert.Empty(t, conn.Workspace())

	_, err := conn.Send(context.Background(), collab.Command{Type: collab.CommandMoveCursor, Position: &board.Point{}})
	require.NoError(t, err)
	cursor := receive(t, transport.sent)
	assert.NotEmpty(t, cursor.RequestID)
}

func TestConnSendRequiresConnection(t *testing.T) {
	conn := NewConn(ConnOptions{Dialer: newFakeDialer(), Logger: slog.New(slog.DiscardHandler)})
	_, err := conn.Send(context.Background(), collab.Command{Type: collab.CommandMoveCursor})
	assert.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, conn.Join(context.Background(), "ws-2"))
	assert.Equal(t, "ws-2", conn.Workspace())
	assert.Error(t, conn.Join(context.Background(), ""))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "state(9)", State(9).String())
}
