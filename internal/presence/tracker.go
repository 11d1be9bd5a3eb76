// Package presence keeps the last known cursor of every identity in every
// workspace. Cursors are never persisted.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/clock"
)

const DefaultFreshness = 5 * time.Minute

type Cursor struct {
	WorkspaceID string      `json:"workspaceId" cbor:"workspaceId"`
	IdentityID  string      `json:"identityId" cbor:"identityId"`
	Position    board.Point `json:"position" cbor:"position"`
	UpdatedAt   time.Time   `json:"updatedAt" cbor:"updatedAt"`
}

type cursorKey struct {
	workspaceID string
	identityID  string
}

// Tracker stores cursors last-write-wins per (workspace, identity). A cursor
// older than the freshness window is treated as absent.
type Tracker struct {
	mu        sync.RWMutex
	clock     clock.Clock
	freshness time.Duration
	cursors   map[cursorKey]Cursor
}

func NewTracker(c clock.Clock, freshness time.Duration) *Tracker {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Tracker{
		clock:     clock.OrReal(c),
		freshness: freshness,
		cursors:   map[cursorKey]Cursor{},
	}
}

func (t *Tracker) Update(workspaceID, identityID string, position board.Point) Cursor {
	cursor := Cursor{
		WorkspaceID: workspaceID,
		IdentityID:  identityID,
		Position:    position,
		UpdatedAt:   t.clock.Now().UTC(),
	}
	t.mu.Lock()
	t.cursors[cursorKey{workspaceID, identityID}] = cursor
	t.mu.Unlock()
	return cursor
}

// Active returns the fresh cursors of a workspace ordered by identity.
func (t *Tracker) Active(workspaceID string) []Cursor {
	cutoff := t.clock.Now().Add(-t.freshness)
	t.mu.RLock()
	out := make([]Cursor, 0)
	for key, cursor := range t.cursors {
		if key.workspaceID == workspaceID && cursor.UpdatedAt.After(cutoff) {
			out = append(out, cursor)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out
}

func (t *Tracker) Get(workspaceID, identityID string) (Cursor, bool) {
	cutoff := t.clock.Now().Add(-t.freshness)
	t.mu.RLock()
	defer t.mu.RUnlock()
	cursor, ok := t.cursors[cursorKey{workspaceID, identityID}]
	if !ok || !cursor.UpdatedAt.After(cutoff) {
		return Cursor{}, false
	}
	return cursor, true
}

func (t *Tracker) Remove(workspaceID, identityID string) (Cursor, bool) {
	key := cursorKey{workspaceID, identityID}
	t.mu.Lock()
	defer t.mu.Unlock()
	cursor, ok := t.cursors[key]
	if ok {
		delete(t.cursors, key)
	}
	return cursor, ok
}

// Prune drops stale cursors and reports how many were removed.
func (t *Tracker) Prune() int {
	cutoff := t.clock.Now().Add(-t.freshness)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, cursor := range t.cursors {
		if !cursor.UpdatedAt.After(cutoff) {
			delete(t.cursors, key)
			removed++
		}
	}
	return removed
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cursors)
}
