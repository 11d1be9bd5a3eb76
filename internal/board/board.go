package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrVersionConflict = errors.New("version conflict")
	ErrContended       = errors.New("contended")
	ErrRateLimited     = errors.New("rate limited")
	ErrValidation      = errors.New("validation failed")
	ErrUnavailable     = errors.New("storage unavailable")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
)

// ConflictError is returned when the stored version differs from the
// version a writer based its change on.
type ConflictError struct {
	NoteID          string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on note %s: expected %d, current %d", e.NoteID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ErrorCode maps an error onto the stable wire code shared by the REST and
// websocket transports.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrContended):
		return "contended"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return "validation_failed"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal_error"
	}
}

type Point struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

// BoundingBox limits a workspace query to notes whose position lies inside
// the closed rectangle [MinX,MaxX] x [MinY,MaxY].
type BoundingBox struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

func (b BoundingBox) Contains(p Point) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

type Note struct {
	ID          string    `json:"id" cbor:"id"`
	WorkspaceID string    `json:"workspaceId" cbor:"workspaceId"`
	AuthorID    string    `json:"authorId" cbor:"authorId"`
	Content     string    `json:"content" cbor:"content"`
	Position    Point     `json:"position" cbor:"position"`
	Version     int64     `json:"version" cbor:"version"`
	Images      []string  `json:"images" cbor:"images"`
	CreatedAt   time.Time `json:"createdAt" cbor:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt" cbor:"updatedAt"`
}

// Clone returns a copy that shares no slices with n.
func (n Note) Clone() Note {
	out := n
	out.Images = append([]string(nil), n.Images...)
	if out.Images == nil {
		out.Images = []string{}
	}
	return out
}

type Reaction struct {
	ID         string    `json:"id" cbor:"id"`
	NoteID     string    `json:"noteId" cbor:"noteId"`
	IdentityID string    `json:"identityId" cbor:"identityId"`
	Symbol     string    `json:"symbol" cbor:"symbol"`
	CreatedAt  time.Time `json:"createdAt" cbor:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" cbor:"updatedAt"`
}

// ReactionGroup summarizes the reactions on a note that share a symbol.
type ReactionGroup struct {
	Symbol     string   `json:"symbol" cbor:"symbol"`
	Count      int      `json:"count" cbor:"count"`
	Identities []string `json:"identities" cbor:"identities"`
	Reacted    bool     `json:"reacted" cbor:"reacted"`
}

// NoteView is a note together with its reaction summary as seen by viewer.
type NoteView struct {
	Note
	Reactions []ReactionGroup `json:"reactions" cbor:"reactions"`
}

// Symbols is the fixed set of reaction symbols, in display order.
var Symbols = []string{"👍", "❤️", "😂", "🎉", "😮", "😢"}

func ValidSymbol(symbol string) bool {
	for _, candidate := range Symbols {
		if candidate == symbol {
			return true
		}
	}
	return false
}

// SummarizeReactions groups reactions by symbol in the order of Symbols.
// Reacted is set on groups that include viewer.
func SummarizeReactions(reactions []Reaction, viewer string) []ReactionGroup {
	bySymbol := map[string]*ReactionGroup{}
	for _, reaction := range reactions {
		group, ok := bySymbol[reaction.Symbol]
		if !ok {
			group = &ReactionGroup{Symbol: reaction.Symbol, Identities: []string{}}
			bySymbol[reaction.Symbol] = group
		}
		group.Count++
		group.Identities = append(group.Identities, reaction.IdentityID)
		if viewer != "" && reaction.IdentityID == viewer {
			group.Reacted = true
		}
	}
	groups := make([]ReactionGroup, 0, len(bySymbol))
	for _, symbol := range Symbols {
		group, ok := bySymbol[symbol]
		if !ok {
			continue
		}
		sort.Strings(group.Identities)
		groups = append(groups, *group)
	}
	return groups
}

// Accessor is the persistence collaborator. Implementations must apply Put
// as a compare-and-swap on Version: expectedVersion 0 creates the note and
// fails with ErrVersionConflict if it already exists; any other value must
// match the stored version exactly.
type Accessor interface {
	Get(ctx context.Context, id string) (Note, error)
	Put(ctx context.Context, note Note, expectedVersion int64) (Note, error)
	Delete(ctx context.Context, id, expectedAuthor string) error
	Query(ctx context.Context, workspaceID string, bbox *BoundingBox) ([]Note, error)

	// PutReaction replaces any existing reaction for (NoteID, IdentityID).
	PutReaction(ctx context.Context, reaction Reaction) (Reaction, error)
	// DeleteReaction removes the reaction of identity on noteID. When
	// symbol is non-empty the stored reaction must carry that symbol.
	DeleteReaction(ctx context.Context, noteID, identity, symbol string) (Reaction, error)
	ListReactions(ctx context.Context, noteIDs ...string) ([]Reaction, error)
}

type accessorCloser interface {
	Close() error
}

// CloseAccessor releases resources held by accessors that own them.
func CloseAccessor(accessor Accessor) error {
	if closer, ok := accessor.(accessorCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

func validatePut(note Note, expectedVersion int64) error {
	if note.ID == "" || note.WorkspaceID == "" || note.AuthorID == "" {
		return ErrInvalidInput
	}
	if expectedVersion < 0 || note.Version != expectedVersion+1 {
		return ErrInvalidInput
	}
	return nil
}
