package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/clock"
)

const defaultMoveSendTimeout = 5 * time.Second

type MoverOptions struct {
	Conn          *Conn
	Board         *Board
	Clock         clock.Clock
	Logger        *slog.Logger
	DebounceDelay time.Duration
	FrameInterval time.Duration
	OnFrame       func(noteID string, position board.Point)
	// SendTimeout bounds each move command. Defaults to five seconds.
	SendTimeout time.Duration
}

// Mover drives note drags over a Conn. A persisted move that cannot be sent
// is held per note and resent once the connection is ready again; a newer
// move for the same note replaces it.
type Mover struct {
	conn    *Conn
	drag    *DragController
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]board.Point
}

func NewMover(opts MoverOptions) *Mover {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultMoveSendTimeout
	}
	m := &Mover{
		conn:    opts.Conn,
		logger:  logger,
		timeout: opts.SendTimeout,
		pending: map[string]board.Point{},
	}
	m.drag = NewDragController(DragOptions{
		Board:         opts.Board,
		Clock:         opts.Clock,
		Persist:       m.persist,
		DebounceDelay: opts.DebounceDelay,
		FrameInterval: opts.FrameInterval,
		OnFrame:       opts.OnFrame,
	})
	m.conn.OnTeardown(func() { m.drag.Flush() })
	m.conn.OnReady(m.resend)
	return m
}

func (m *Mover) Begin(noteID string) { m.drag.Begin(noteID) }
func (m *Mover) Move(position board.Point) { m.drag.Move(position) }
func (m *Mover) End(position board.Point) { m.drag.End(position) }
func (m *Mover) Cancel() { m.drag.Cancel() }
func (m *Mover) Active() (string, bool) { return m.drag.Active() }

// Pending reports the unsent move held for noteID, if any.
func (m *Mover) Pending(noteID string) (board.Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	position, ok := m.pending[noteID]
	return position, ok
}

func (m *Mover) persist(noteID string, position board.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendLocked(noteID, position)
}

// resend runs on the connection's Run goroutine after a rejoin.
func (m *Mover) resend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for noteID, position := range m.pending {
		if !m.sendLocked(noteID, position) {
			return
		}
		m.logger.Debug("resent move after reconnect", "note_id", noteID)
	}
}

// sendLocked holds m.mu across the send so an older resend cannot overtake
// a newer move of the same note.
func (m *Mover) sendLocked(noteID string, position board.Point) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.conn.MoveNote(ctx, noteID, position); err != nil {
		m.pending[noteID] = position
		m.logger.Warn("move not sent, holding for reconnect", "note_id", noteID, "error", err)
		return false
	}
	delete(m.pending, noteID)
	return true
}
