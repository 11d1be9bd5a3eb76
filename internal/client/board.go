package client

import (
	"sort"
	"sync"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
)

// Board is a client's optimistic view of one workspace. Local edits apply
// at once; canonical events from the server replace local state unless
// they are older than what the view already holds.
type Board struct {
	mu        sync.RWMutex
	notes     map[string]board.Note
	reactions map[string][]board.ReactionGroup
	dragging  map[string]board.Point
}

func NewBoard() *Board {
	return &Board{
		notes:     map[string]board.Note{},
		reactions: map[string][]board.ReactionGroup{},
		dragging:  map[string]board.Point{},
	}
}

// Load replaces the view with a server listing.
func (b *Board) Load(views []board.NoteView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	notes := make(map[string]board.Note, len(views))
	reactions := make(map[string][]board.ReactionGroup, len(views))
	for _, view := range views {
		// events applied since the listing was read can be ahead of it
		if current, ok := b.notes[view.ID]; ok && current.Version > view.Version {
			notes[view.ID] = current
			if summary, ok := b.reactions[view.ID]; ok {
				reactions[view.ID] = summary
			}
			continue
		}
		notes[view.ID] = b.withDragLocked(view.Note.Clone())
		if len(view.Reactions) > 0 {
			reactions[view.ID] = view.Reactions
		}
	}
	b.notes = notes
	b.reactions = reactions
}

func (b *Board) Note(id string) (board.Note, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	note, ok := b.notes[id]
	if !ok {
		return board.Note{}, false
	}
	return note.Clone(), true
}

// Notes returns every note ordered by creation time, then id.
func (b *Board) Notes() []board.Note {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]board.Note, 0, len(b.notes))
	for _, note := range b.notes {
		out = append(out, note.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *Board) Reactions(noteID string) []board.ReactionGroup {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]board.ReactionGroup(nil), b.reactions[noteID]...)
}

func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.notes)
}

// BeginDrag pins the note to locally driven positions until EndDrag.
func (b *Board) BeginDrag(noteID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if note, ok := b.notes[noteID]; ok {
		b.dragging[noteID] = note.Position
	}
}

func (b *Board) EndDrag(noteID string) {
	b.mu.Lock()
	delete(b.dragging, noteID)
	b.mu.Unlock()
}

func (b *Board) Dragging(noteID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.dragging[noteID]
	return ok
}

// MoveLocal repositions a note in the view without touching its version.
func (b *Board) MoveLocal(noteID string, position board.Point) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	note, ok := b.notes[noteID]
	if !ok {
		return false
	}
	note.Position = position
	b.notes[noteID] = note
	if _, dragging := b.dragging[noteID]; dragging {
		b.dragging[noteID] = position
	}
	return true
}

// EditLocal replaces a note's content in the view ahead of the server.
func (b *Board) EditLocal(noteID, content string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	note, ok := b.notes[noteID]
	if !ok {
		return false
	}
	note.Content = content
	b.notes[noteID] = note
	return true
}

// ApplyEvent merges a canonical event. It reports whether the view changed.
func (b *Board) ApplyEvent(ev broadcast.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch payload := ev.Payload.(type) {
	case broadcast.NoteCreated:
		return b.mergeLocked(payload.Note)
	case broadcast.NoteUpdated:
		return b.mergeLocked(payload.Note)
	case broadcast.NoteMoved:
		note, ok := b.notes[payload.NoteID]
		if !ok || payload.Version < note.Version {
			return false
		}
		note.Version = payload.Version
		note.UpdatedAt = payload.MovedAt
		if _, dragging := b.dragging[payload.NoteID]; !dragging {
			note.Position = payload.Position
		}
		b.notes[payload.NoteID] = note
		return true
	case broadcast.NoteDeleted:
		if _, ok := b.notes[payload.NoteID]; !ok {
			return false
		}
		delete(b.notes, payload.NoteID)
		delete(b.reactions, payload.NoteID)
		delete(b.dragging, payload.NoteID)
		return true
	case broadcast.ReactionAdded:
		return b.setReactionsLocked(payload.NoteID, payload.Summary)
	case broadcast.ReactionRemoved:
		return b.setReactionsLocked(payload.NoteID, payload.Summary)
	default:
		return false
	}
}

func (b *Board) mergeLocked(incoming board.Note) bool {
	if current, ok := b.notes[incoming.ID]; ok && incoming.Version < current.Version {
		return false
	}
	b.notes[incoming.ID] = b.withDragLocked(incoming.Clone())
	return true
}

func (b *Board) setReactionsLocked(noteID string, summary []board.ReactionGroup) bool {
	if _, ok := b.notes[noteID]; !ok {
		return false
	}
	if len(summary) == 0 {
		delete(b.reactions, noteID)
		return true
	}
	b.reactions[noteID] = append([]board.ReactionGroup(nil), summary...)
	return true
}

func (b *Board) withDragLocked(note board.Note) board.Note {
	if position, dragging := b.dragging[note.ID]; dragging {
		note.Position = position
	}
	return note
}
