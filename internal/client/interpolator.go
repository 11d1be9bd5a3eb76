package client

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/clock"
)

const (
	DefaultCursorTau    = 100 * time.Millisecond
	DefaultSnapDistance = 0.5
)

type InterpolatorOptions struct {
	Clock clock.Clock
	// Tau is the smoothing time constant: each frame covers
	// 1 - exp(-dt/Tau) of the remaining distance.
	Tau           time.Duration
	Snap          float64
	FrameInterval time.Duration
	// OnFrame receives the displayed cursor positions after every frame.
	OnFrame func(positions map[string]board.Point)
}

// Interpolator animates remote cursors toward their last reported
// positions. Its frame loop runs only while some cursor is still moving.
type Interpolator struct {
	clock   clock.Clock
	tau     time.Duration
	snap    float64
	frame   time.Duration
	onFrame func(map[string]board.Point)

	mu       sync.Mutex
	cursors  map[string]*cursorTrack
	running  bool
	gen      uint64
	lastTick time.Time
	timer    *clock.Timer
}

type cursorTrack struct {
	shown  board.Point
	target board.Point
}

func NewInterpolator(opts InterpolatorOptions) *Interpolator {
	if opts.Tau <= 0 {
		opts.Tau = DefaultCursorTau
	}
	if opts.Snap <= 0 {
		opts.Snap = DefaultSnapDistance
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	return &Interpolator{
		clock:   clock.OrReal(opts.Clock),
		tau:     opts.Tau,
		snap:    opts.Snap,
		frame:   opts.FrameInterval,
		onFrame: opts.OnFrame,
		cursors: map[string]*cursorTrack{},
	}
}

// SetTarget records a reported cursor position. A cursor seen for the
// first time appears at its target without animating.
func (i *Interpolator) SetTarget(identityID string, target board.Point) {
	i.mu.Lock()
	defer i.mu.Unlock()
	track, ok := i.cursors[identityID]
	if !ok {
		i.cursors[identityID] = &cursorTrack{shown: target, target: target}
		return
	}
	track.target = target
	if track.shown != target {
		i.startLocked()
	}
}

func (i *Interpolator) Remove(identityID string) {
	i.mu.Lock()
	delete(i.cursors, identityID)
	i.mu.Unlock()
}

// ApplyEvent feeds cursor-related events into the interpolator.
func (i *Interpolator) ApplyEvent(ev broadcast.Event) {
	switch payload := ev.Payload.(type) {
	case broadcast.CursorMoved:
		i.SetTarget(payload.Cursor.IdentityID, payload.Cursor.Position)
	case broadcast.ParticipantLeft:
		if payload.CursorCleared {
			i.Remove(payload.IdentityID)
		}
	case broadcast.PresenceSnapshot:
		i.mu.Lock()
		i.cursors = map[string]*cursorTrack{}
		for _, cursor := range payload.Cursors {
			i.cursors[cursor.IdentityID] = &cursorTrack{shown: cursor.Position, target: cursor.Position}
		}
		i.mu.Unlock()
	}
}

func (i *Interpolator) Position(identityID string) (board.Point, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	track, ok := i.cursors[identityID]
	if !ok {
		return board.Point{}, false
	}
	return track.shown, true
}

// Identities lists the tracked cursors in sorted order.
func (i *Interpolator) Identities() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.cursors))
	for id := range i.cursors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (i *Interpolator) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// Stop halts the frame loop. Cursors keep their displayed positions.
func (i *Interpolator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.gen++
	i.running = false
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

func (i *Interpolator) startLocked() {
	if i.running {
		return
	}
	i.running = true
	i.gen++
	i.lastTick = i.clock.Now()
	gen := i.gen
	i.timer = i.clock.AfterFunc(i.frame, func() { i.tick(gen) })
}

func (i *Interpolator) tick(gen uint64) {
	i.mu.Lock()
	if gen != i.gen || !i.running {
		i.mu.Unlock()
		return
	}
	now := i.clock.Now()
	dt := now.Sub(i.lastTick)
	i.lastTick = now
	alpha := 1 - math.Exp(-float64(dt)/float64(i.tau))

	moving := false
	positions := make(map[string]board.Point, len(i.cursors))
	for id, track := range i.cursors {
		if track.shown != track.target {
			track.shown = approach(track.shown, track.target, alpha, i.snap)
			if track.shown != track.target {
				moving = true
			}
		}
		positions[id] = track.shown
	}
	if moving {
		i.timer = i.clock.AfterFunc(i.frame, func() { i.tick(gen) })
	} else {
		i.running = false
		i.timer = nil
	}
	onFrame := i.onFrame
	i.mu.Unlock()

	if onFrame != nil {
		onFrame(positions)
	}
}

// approach moves shown alpha of the way toward target, landing exactly on
// target once within snap.
func approach(shown, target board.Point, alpha, snap float64) board.Point {
	next := board.Point{
		X: shown.X + (target.X-shown.X)*alpha,
		Y: shown.Y + (target.Y-shown.Y)*alpha,
	}
	if math.Hypot(target.X-next.X, target.Y-next.Y) <= snap {
		return target
	}
	return next
}
