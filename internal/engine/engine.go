// Package engine applies note mutations on top of a board.Accessor. The
// per-note version is the only concurrency control: every accepted mutation
// is a compare-and-swap from version v to v+1, and no lock is held across
// the read and the write.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/clock"
)

const (
	DefaultCanvasBound = 10000.0
	DefaultMoveEpsilon = 0.5
)

// BlobDeleter removes stored image bytes. Deletion is best effort.
type BlobDeleter interface {
	Delete(ctx context.Context, url string) error
}

type Options struct {
	Accessor        board.Accessor
	Blobs           BlobDeleter
	Clock           clock.Clock
	Logger          *slog.Logger
	Limiter         *MoveLimiter
	CanvasBound     float64
	MoveEpsilon     float64
	MaxContentRunes int
	NewID           func() string
}

type Engine struct {
	accessor  board.Accessor
	blobs     BlobDeleter
	clock     clock.Clock
	logger    *slog.Logger
	limiter   *MoveLimiter
	sanitizer *Sanitizer
	bound     float64
	epsilon   float64
	retry     retryPolicy
	newID     func() string
}

func New(opts Options) *Engine {
	c := clock.OrReal(opts.Clock)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewMoveLimiter(c, DefaultMoveInterval)
	}
	bound := opts.CanvasBound
	if bound <= 0 {
		bound = DefaultCanvasBound
	}
	epsilon := opts.MoveEpsilon
	if epsilon <= 0 {
		epsilon = DefaultMoveEpsilon
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	accessor := opts.Accessor
	if accessor == nil {
		accessor = board.NewMemoryAccessor()
	}
	return &Engine{
		accessor:  accessor,
		blobs:     opts.Blobs,
		clock:     c,
		logger:    logger,
		limiter:   limiter,
		sanitizer: NewSanitizer(opts.MaxContentRunes),
		bound:     bound,
		epsilon:   epsilon,
		retry:     defaultRetryPolicy,
		newID:     newID,
	}
}

type CreateRequest struct {
	WorkspaceID string
	Identity    string
	Content     string
	Position    board.Point
}

// UpdateRequest changes content and/or position. Nil fields are left as
// they are.
type UpdateRequest struct {
	WorkspaceID     string
	NoteID          string
	Identity        string
	Content         *string
	Position        *board.Point
	ExpectedVersion int64
}

type MoveRequest struct {
	WorkspaceID string
	NoteID      string
	Identity    string
	Position    board.Point
}

// MoveResult carries the canonical note. Changed is false when the target
// was within epsilon of the stored position and nothing was written.
type MoveResult struct {
	Note     board.Note
	Changed  bool
	MovedBy  string
	MovedAt  time.Time
	Attempts int
}

// ReactionResult describes an accepted reaction change. Replaced is set when
// an add overwrote the identity's earlier reaction on the same note.
type ReactionResult struct {
	Reaction board.Reaction
	Replaced *board.Reaction
	Summary  []board.ReactionGroup
}

func (e *Engine) CreateNote(ctx context.Context, req CreateRequest) (board.Note, error) {
	if req.WorkspaceID == "" || req.Identity == "" {
		return board.Note{}, board.ErrInvalidInput
	}
	content, err := e.sanitizer.Sanitize(req.Content)
	if err != nil {
		return board.Note{}, err
	}
	if err := e.validatePosition(req.Position); err != nil {
		return board.Note{}, err
	}
	now := e.now()
	note := board.Note{
		ID:          e.newID(),
		WorkspaceID: req.WorkspaceID,
		AuthorID:    req.Identity,
		Content:     content,
		Position:    req.Position,
		Version:     1,
		Images:      []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	stored, err := e.accessor.Put(ctx, note, 0)
	if err != nil {
		return board.Note{}, classify(err)
	}
	e.logger.Debug("note created", "workspace_id", req.WorkspaceID, "note_id", stored.ID, "identity", req.Identity)
	return stored, nil
}

func (e *Engine) GetNote(ctx context.Context, workspaceID, noteID, viewer string) (board.NoteView, error) {
	note, err := e.load(ctx, workspaceID, noteID)
	if err != nil {
		return board.NoteView{}, err
	}
	reactions, err := e.accessor.ListReactions(ctx, noteID)
	if err != nil {
		return board.NoteView{}, classify(err)
	}
	return board.NoteView{Note: note, Reactions: board.SummarizeReactions(reactions, viewer)}, nil
}

func (e *Engine) ListNotes(ctx context.Context, workspaceID string, bbox *board.BoundingBox, viewer string) ([]board.NoteView, error) {
	if workspaceID == "" {
		return nil, board.ErrInvalidInput
	}
	notes, err := e.accessor.Query(ctx, workspaceID, bbox)
	if err != nil {
		return nil, classify(err)
	}
	ids := make([]string, 0, len(notes))
	for _, note := range notes {
		ids = append(ids, note.ID)
	}
	reactions, err := e.accessor.ListReactions(ctx, ids...)
	if err != nil {
		return nil, classify(err)
	}
	byNote := map[string][]board.Reaction{}
	for _, reaction := range reactions {
		byNote[reaction.NoteID] = append(byNote[reaction.NoteID], reaction)
	}
	views := make([]board.NoteView, 0, len(notes))
	for _, note := range notes {
		views = append(views, board.NoteView{Note: note, Reactions: board.SummarizeReactions(byNote[note.ID], viewer)})
	}
	return views, nil
}

// UpdateNote is a single version-checked write. A stale ExpectedVersion is
// reported to the caller and never retried here.
func (e *Engine) UpdateNote(ctx context.Context, req UpdateRequest) (board.Note, error) {
	if req.Content == nil && req.Position == nil {
		return board.Note{}, &board.ValidationError{Reason: "nothing to update"}
	}
	current, err := e.load(ctx, req.WorkspaceID, req.NoteID)
	if err != nil {
		return board.Note{}, err
	}
	if req.Content != nil && current.AuthorID != req.Identity {
		return board.Note{}, board.ErrForbidden
	}
	if req.ExpectedVersion != current.Version {
		return board.Note{}, &board.ConflictError{NoteID: req.NoteID, ExpectedVersion: req.ExpectedVersion, CurrentVersion: current.Version}
	}

	next := current.Clone()
	if req.Content != nil {
		content, err := e.sanitizer.Sanitize(*req.Content)
		if err != nil {
			return board.Note{}, err
		}
		next.Content = content
	}
	if req.Position != nil {
		if err := e.validatePosition(*req.Position); err != nil {
			return board.Note{}, err
		}
		next.Position = *req.Position
	}
	next.Version = current.Version + 1
	next.UpdatedAt = e.now()

	stored, err := e.accessor.Put(ctx, next, req.ExpectedVersion)
	if err != nil {
		return board.Note{}, classify(err)
	}
	return stored, nil
}

// MoveNote repositions a note on behalf of any participant. Write conflicts
// are retried against a fresh read with exponential backoff; when the
// retries run out the caller gets ErrContended.
func (e *Engine) MoveNote(ctx context.Context, req MoveRequest) (MoveResult, error) {
	if req.Identity == "" || req.NoteID == "" {
		return MoveResult{}, board.ErrInvalidInput
	}
	if err := e.validatePosition(req.Position); err != nil {
		return MoveResult{}, err
	}
	grantedAt, ok := e.limiter.Take(req.Identity, req.NoteID)
	if !ok {
		return MoveResult{}, board.ErrRateLimited
	}

	result := MoveResult{MovedBy: req.Identity}
	note, attempts, err := e.mutateWithRetry(ctx, req.WorkspaceID, req.NoteID, func(current board.Note) (board.Note, bool, error) {
		if math.Abs(current.Position.X-req.Position.X) <= e.epsilon && math.Abs(current.Position.Y-req.Position.Y) <= e.epsilon {
			result.Changed = false
			return current, false, nil
		}
		next := current.Clone()
		next.Position = req.Position
		result.Changed = true
		return next, true, nil
	})
	result.Attempts = attempts
	if err != nil {
		e.limiter.Refund(req.Identity, req.NoteID, grantedAt)
		if errors.Is(err, board.ErrContended) {
			e.logger.Warn("move abandoned after retries", "workspace_id", req.WorkspaceID, "note_id", req.NoteID, "identity", req.Identity, "attempts", attempts)
		}
		return result, err
	}
	result.Note = note
	result.MovedAt = note.UpdatedAt
	return result, nil
}

func (e *Engine) DeleteNote(ctx context.Context, workspaceID, noteID, identity string) (board.Note, error) {
	current, err := e.load(ctx, workspaceID, noteID)
	if err != nil {
		return board.Note{}, err
	}
	if current.AuthorID != identity {
		return board.Note{}, board.ErrForbidden
	}
	if err := e.accessor.Delete(ctx, noteID, identity); err != nil {
		return board.Note{}, classify(err)
	}
	e.limiter.Forget(noteID)
	for _, url := range current.Images {
		e.deleteBlob(ctx, noteID, url)
	}
	return current, nil
}

// AttachImage appends url to the note's images. Any participant may attach.
func (e *Engine) AttachImage(ctx context.Context, workspaceID, noteID, url, identity string) (board.Note, error) {
	if url == "" {
		return board.Note{}, &board.ValidationError{Field: "url", Reason: "is empty"}
	}
	note, _, err := e.mutateWithRetry(ctx, workspaceID, noteID, func(current board.Note) (board.Note, bool, error) {
		next := current.Clone()
		next.Images = append(next.Images, url)
		return next, true, nil
	})
	if err != nil {
		return board.Note{}, err
	}
	e.logger.Debug("image attached", "workspace_id", workspaceID, "note_id", noteID, "identity", identity)
	return note, nil
}

// DetachImage removes url from the note. Only the author may detach; the
// blob itself is deleted best effort afterwards.
func (e *Engine) DetachImage(ctx context.Context, workspaceID, noteID, url, identity string) (board.Note, error) {
	note, _, err := e.mutateWithRetry(ctx, workspaceID, noteID, func(current board.Note) (board.Note, bool, error) {
		if current.AuthorID != identity {
			return board.Note{}, false, board.ErrForbidden
		}
		next := current.Clone()
		next.Images = next.Images[:0]
		found := false
		for _, existing := range current.Images {
			if !found && existing == url {
				found = true
				continue
			}
			next.Images = append(next.Images, existing)
		}
		if !found {
			return board.Note{}, false, board.ErrNotFound
		}
		return next, true, nil
	})
	if err != nil {
		return board.Note{}, err
	}
	e.deleteBlob(ctx, noteID, url)
	return note, nil
}

func (e *Engine) AddReaction(ctx context.Context, workspaceID, noteID, symbol, identity string) (ReactionResult, error) {
	if !board.ValidSymbol(symbol) {
		return ReactionResult{}, &board.ValidationError{Field: "symbol", Reason: "is not a supported reaction"}
	}
	if identity == "" {
		return ReactionResult{}, board.ErrInvalidInput
	}
	if _, err := e.load(ctx, workspaceID, noteID); err != nil {
		return ReactionResult{}, err
	}
	var replaced *board.Reaction
	existing, err := e.accessor.ListReactions(ctx, noteID)
	if err != nil {
		return ReactionResult{}, classify(err)
	}
	for _, reaction := range existing {
		if reaction.IdentityID == identity {
			previous := reaction
			replaced = &previous
			break
		}
	}
	now := e.now()
	stored, err := e.accessor.PutReaction(ctx, board.Reaction{
		ID:         e.newID(),
		NoteID:     noteID,
		IdentityID: identity,
		Symbol:     symbol,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return ReactionResult{}, classify(err)
	}
	if replaced != nil && replaced.Symbol == stored.Symbol {
		replaced = nil
	}
	summary, err := e.summary(ctx, noteID)
	if err != nil {
		return ReactionResult{}, err
	}
	return ReactionResult{Reaction: stored, Replaced: replaced, Summary: summary}, nil
}

// RemoveReaction deletes the caller's own reaction. symbolOrID is either a
// reaction symbol or a reaction id.
func (e *Engine) RemoveReaction(ctx context.Context, workspaceID, noteID, symbolOrID, identity string) (ReactionResult, error) {
	if symbolOrID == "" {
		return ReactionResult{}, &board.ValidationError{Field: "symbol", Reason: "is empty"}
	}
	if _, err := e.load(ctx, workspaceID, noteID); err != nil {
		return ReactionResult{}, err
	}
	symbol := symbolOrID
	if !board.ValidSymbol(symbolOrID) {
		reactions, err := e.accessor.ListReactions(ctx, noteID)
		if err != nil {
			return ReactionResult{}, classify(err)
		}
		symbol = ""
		for _, reaction := range reactions {
			if reaction.ID != symbolOrID {
				continue
			}
			if reaction.IdentityID != identity {
				return ReactionResult{}, board.ErrForbidden
			}
			symbol = reaction.Symbol
		}
		if symbol == "" {
			return ReactionResult{}, board.ErrNotFound
		}
	}
	removed, err := e.accessor.DeleteReaction(ctx, noteID, identity, symbol)
	if err != nil {
		return ReactionResult{}, classify(err)
	}
	summary, err := e.summary(ctx, noteID)
	if err != nil {
		return ReactionResult{}, err
	}
	return ReactionResult{Reaction: removed, Summary: summary}, nil
}

// mutateWithRetry reads the note, lets apply derive the next state and
// writes it back with a version check. On a write conflict it waits and
// starts over from a fresh read. apply returning changed=false ends the loop
// without writing.
func (e *Engine) mutateWithRetry(ctx context.Context, workspaceID, noteID string, apply func(current board.Note) (board.Note, bool, error)) (board.Note, int, error) {
	for attempt := 0; ; attempt++ {
		current, err := e.load(ctx, workspaceID, noteID)
		if err != nil {
			return board.Note{}, attempt, err
		}
		next, changed, err := apply(current)
		if err != nil {
			return board.Note{}, attempt, err
		}
		if !changed {
			return current, attempt, nil
		}
		next.Version = current.Version + 1
		next.UpdatedAt = e.now()
		stored, err := e.accessor.Put(ctx, next, current.Version)
		if err == nil {
			return stored, attempt + 1, nil
		}
		if !errors.Is(err, board.ErrVersionConflict) {
			return board.Note{}, attempt + 1, classify(err)
		}
		if attempt >= e.retry.retries {
			return board.Note{}, attempt + 1, fmt.Errorf("%w: note %s after %d attempts", board.ErrContended, noteID, attempt+1)
		}
		if err := waitWithClock(ctx, e.clock, e.retry.delay(attempt+1)); err != nil {
			return board.Note{}, attempt + 1, classify(err)
		}
	}
}

func (e *Engine) load(ctx context.Context, workspaceID, noteID string) (board.Note, error) {
	if noteID == "" {
		return board.Note{}, board.ErrInvalidInput
	}
	note, err := e.accessor.Get(ctx, noteID)
	if err != nil {
		return board.Note{}, classify(err)
	}
	if workspaceID != "" && note.WorkspaceID != workspaceID {
		return board.Note{}, board.ErrNotFound
	}
	return note, nil
}

func (e *Engine) summary(ctx context.Context, noteID string) ([]board.ReactionGroup, error) {
	reactions, err := e.accessor.ListReactions(ctx, noteID)
	if err != nil {
		return nil, classify(err)
	}
	return board.SummarizeReactions(reactions, ""), nil
}

func (e *Engine) deleteBlob(ctx context.Context, noteID, url string) {
	if e.blobs == nil {
		return
	}
	if err := e.blobs.Delete(ctx, url); err != nil {
		e.logger.Warn("blob delete failed", "note_id", noteID, "url", url, "error", err)
	}
}

func (e *Engine) validatePosition(p board.Point) error {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return &board.ValidationError{Field: "position", Reason: "is not a finite coordinate"}
	}
	if p.X < 0 || p.Y < 0 || p.X > e.bound || p.Y > e.bound {
		return &board.ValidationError{Field: "position", Reason: fmt.Sprintf("must lie within [0, %g]", e.bound)}
	}
	return nil
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// classify keeps the engine's error vocabulary closed: anything the
// accessor returns that is not a known kind becomes ErrUnavailable.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, board.ErrNotFound),
		errors.Is(err, board.ErrForbidden),
		errors.Is(err, board.ErrVersionConflict),
		errors.Is(err, board.ErrContended),
		errors.Is(err, board.ErrRateLimited),
		errors.Is(err, board.ErrValidation),
		errors.Is(err, board.ErrInvalidInput),
		errors.Is(err, board.ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", board.ErrUnavailable, err)
	}
}
