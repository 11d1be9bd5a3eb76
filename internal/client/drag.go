package client

import (
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/clock"
)

type DragOptions struct {
	Board *Board
	Clock clock.Clock
	// Persist sends the authoritative move. It is called from the
	// debouncer's timer or from End and Flush.
	Persist       func(noteID string, position board.Point)
	DebounceDelay time.Duration
	FrameInterval time.Duration
	// OnFrame is called with each visual update that passes the frame
	// throttle.
	OnFrame func(noteID string, position board.Point)
}

// DragController splits one stream of pointer moves into throttled visual
// updates and a debounced persisted move, flushed when the drag ends.
type DragController struct {
	board     *Board
	persist   func(string, board.Point)
	onFrame   func(string, board.Point)
	throttle  *FrameThrottle
	debouncer *Debouncer

	mu     sync.Mutex
	noteID string
}

func NewDragController(opts DragOptions) *DragController {
	if opts.Board == nil {
		opts.Board = NewBoard()
	}
	return &DragController{
		board:     opts.Board,
		persist:   opts.Persist,
		onFrame:   opts.OnFrame,
		throttle:  NewFrameThrottle(opts.Clock, opts.FrameInterval),
		debouncer: NewDebouncer(opts.Clock, opts.DebounceDelay),
	}
}

// Begin starts dragging noteID, flushing any move still pending for a
// previous drag.
func (d *DragController) Begin(noteID string) {
	d.debouncer.Flush()
	d.mu.Lock()
	d.noteID = noteID
	d.mu.Unlock()
	d.throttle.Reset()
	d.board.BeginDrag(noteID)
}

// Move records a pointer position for the active drag.
func (d *DragController) Move(position board.Point) {
	d.mu.Lock()
	noteID := d.noteID
	if noteID == "" {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.throttle.Do(func() { d.render(noteID, position) })
	d.debouncer.Schedule(func() { d.send(noteID, position) })
}

// End places the note at its final position and sends it immediately.
func (d *DragController) End(position board.Point) {
	d.mu.Lock()
	noteID := d.noteID
	if noteID == "" {
		d.mu.Unlock()
		return
	}
	d.noteID = ""
	d.mu.Unlock()

	d.render(noteID, position)
	d.debouncer.Schedule(func() { d.send(noteID, position) })
	d.debouncer.Flush()
	d.board.EndDrag(noteID)
}

// Flush sends a pending move now. Used before leaving or closing.
func (d *DragController) Flush() bool {
	return d.debouncer.Flush()
}

// Cancel abandons the drag without persisting it.
func (d *DragController) Cancel() {
	d.debouncer.Cancel()
	d.mu.Lock()
	noteID := d.noteID
	d.noteID = ""
	d.mu.Unlock()
	if noteID != "" {
		d.board.EndDrag(noteID)
	}
}

func (d *DragController) Active() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noteID, d.noteID != ""
}

func (d *DragController) render(noteID string, position board.Point) {
	d.board.MoveLocal(noteID, position)
	if d.onFrame != nil {
		d.onFrame(noteID, position)
	}
}

func (d *DragController) send(noteID string, position board.Point) {
	if d.persist != nil {
		d.persist(noteID, position)
	}
}
