package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Snapshot is the serialized form of a MemoryAccessor.
type Snapshot struct {
	Notes     map[string]Note     `json:"notes"`
	Reactions map[string]Reaction `json:"reactions"`
}

// SnapshotBackend persists whole-accessor snapshots after every write.
type SnapshotBackend interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

// MemoryAccessor keeps notes in process memory, optionally mirroring every
// write to a SnapshotBackend.
type MemoryAccessor struct {
	mu        sync.RWMutex
	notes     map[string]Note
	reactions map[string]Reaction
	backend   SnapshotBackend
}

func NewMemoryAccessor() *MemoryAccessor {
	return &MemoryAccessor{
		notes:     map[string]Note{},
		reactions: map[string]Reaction{},
	}
}

// NewSnapshotAccessor loads existing state from backend and persists to it
// on every write.
func NewSnapshotAccessor(backend SnapshotBackend) (*MemoryAccessor, error) {
	a := NewMemoryAccessor()
	a.backend = backend
	if backend == nil {
		return a, nil
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		if snapshot.Notes != nil {
			a.notes = snapshot.Notes
		}
		if snapshot.Reactions != nil {
			a.reactions = snapshot.Reactions
		}
	}
	return a, nil
}

func (a *MemoryAccessor) Get(ctx context.Context, id string) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	note, ok := a.notes[id]
	if !ok {
		return Note{}, ErrNotFound
	}
	return note.Clone(), nil
}

func (a *MemoryAccessor) Put(ctx context.Context, note Note, expectedVersion int64) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}
	if err := validatePut(note, expectedVersion); err != nil {
		return Note{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, exists := a.notes[note.ID]
	switch {
	case expectedVersion == 0 && exists:
		return Note{}, &ConflictError{NoteID: note.ID, ExpectedVersion: 0, CurrentVersion: existing.Version}
	case expectedVersion > 0 && !exists:
		return Note{}, ErrNotFound
	case exists && existing.Version != expectedVersion:
		return Note{}, &ConflictError{NoteID: note.ID, ExpectedVersion: expectedVersion, CurrentVersion: existing.Version}
	case exists && existing.WorkspaceID != note.WorkspaceID:
		return Note{}, ErrInvalidInput
	}

	stored := note.Clone()
	a.notes[note.ID] = stored
	if err := a.saveLocked(); err != nil {
		if exists {
			a.notes[note.ID] = existing
		} else {
			delete(a.notes, note.ID)
		}
		return Note{}, err
	}
	return stored.Clone(), nil
}

func (a *MemoryAccessor) Delete(ctx context.Context, id, expectedAuthor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.notes[id]
	if !ok {
		return ErrNotFound
	}
	if existing.AuthorID != expectedAuthor {
		return ErrForbidden
	}
	delete(a.notes, id)
	removed := map[string]Reaction{}
	for key, reaction := range a.reactions {
		if reaction.NoteID == id {
			removed[key] = reaction
			delete(a.reactions, key)
		}
	}
	if err := a.saveLocked(); err != nil {
		a.notes[id] = existing
		for key, reaction := range removed {
			a.reactions[key] = reaction
		}
		return err
	}
	return nil
}

func (a *MemoryAccessor) Query(ctx context.Context, workspaceID string, bbox *BoundingBox) ([]Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	notes := make([]Note, 0)
	for _, note := range a.notes {
		if note.WorkspaceID != workspaceID {
			continue
		}
		if bbox != nil && !bbox.Contains(note.Position) {
			continue
		}
		notes = append(notes, note.Clone())
	}
	sortNotes(notes)
	return notes, nil
}

func (a *MemoryAccessor) PutReaction(ctx context.Context, reaction Reaction) (Reaction, error) {
	if err := ctx.Err(); err != nil {
		return Reaction{}, err
	}
	if reaction.ID == "" || reaction.NoteID == "" || reaction.IdentityID == "" || reaction.Symbol == "" {
		return Reaction{}, ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.notes[reaction.NoteID]; !ok {
		return Reaction{}, ErrNotFound
	}
	key := reactionKey(reaction.NoteID, reaction.IdentityID)
	previous, hadPrevious := a.reactions[key]
	if hadPrevious {
		reaction.ID = previous.ID
		reaction.CreatedAt = previous.CreatedAt
	}
	a.reactions[key] = reaction
	if err := a.saveLocked(); err != nil {
		if hadPrevious {
			a.reactions[key] = previous
		} else {
			delete(a.reactions, key)
		}
		return Reaction{}, err
	}
	return reaction, nil
}

func (a *MemoryAccessor) DeleteReaction(ctx context.Context, noteID, identity, symbol string) (Reaction, error) {
	if err := ctx.Err(); err != nil {
		return Reaction{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := reactionKey(noteID, identity)
	existing, ok := a.reactions[key]
	if !ok || (symbol != "" && existing.Symbol != symbol) {
		return Reaction{}, ErrNotFound
	}
	delete(a.reactions, key)
	if err := a.saveLocked(); err != nil {
		a.reactions[key] = existing
		return Reaction{}, err
	}
	return existing, nil
}

func (a *MemoryAccessor) ListReactions(ctx context.Context, noteIDs ...string) ([]Reaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(noteIDs))
	for _, id := range noteIDs {
		wanted[id] = struct{}{}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	reactions := make([]Reaction, 0)
	for _, reaction := range a.reactions {
		if _, ok := wanted[reaction.NoteID]; !ok {
			continue
		}
		reactions = append(reactions, reaction)
	}
	sort.Slice(reactions, func(i, j int) bool {
		if reactions[i].CreatedAt.Equal(reactions[j].CreatedAt) {
			return reactions[i].ID < reactions[j].ID
		}
		return reactions[i].CreatedAt.Before(reactions[j].CreatedAt)
	})
	return reactions, nil
}

func (a *MemoryAccessor) saveLocked() error {
	if a.backend == nil {
		return nil
	}
	if err := a.backend.Save(&Snapshot{Notes: a.notes, Reactions: a.reactions}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func reactionKey(noteID, identity string) string {
	return noteID + "|" + identity
}

func sortNotes(notes []Note) {
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].CreatedAt.Equal(notes[j].CreatedAt) {
			return notes[i].ID < notes[j].ID
		}
		return notes[i].CreatedAt.Before(notes[j].CreatedAt)
	})
}

// JSONFileSnapshotBackend stores snapshots as a JSON document, replacing the
// file atomically on every save.
type JSONFileSnapshotBackend struct {
	Path string
}

func NewJSONFileSnapshotBackend(path string) *JSONFileSnapshotBackend {
	return &JSONFileSnapshotBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileSnapshotBackend) Load() (*Snapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileSnapshotBackend) Save(snapshot *Snapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
