package broadcast

import (
	"fmt"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/codec"
	"github.com/agentworkforce/relayboard/internal/presence"
)

type Kind string

const (
	KindParticipantJoined Kind = "participant-joined"
	KindParticipantLeft   Kind = "participant-left"
	KindNoteCreated       Kind = "note-created"
	KindNoteUpdated       Kind = "note-updated"
	KindNoteMoved         Kind = "note-moved"
	KindNoteDeleted       Kind = "note-deleted"
	KindReactionAdded     Kind = "reaction-added"
	KindReactionRemoved   Kind = "reaction-removed"
	KindCursorMoved       Kind = "cursor-moved"
	KindPresenceSnapshot  Kind = "presence-snapshot"
	KindError             Kind = "error"
)

// Kinds lists every event kind.
var Kinds = []Kind{
	KindParticipantJoined,
	KindParticipantLeft,
	KindNoteCreated,
	KindNoteUpdated,
	KindNoteMoved,
	KindNoteDeleted,
	KindReactionAdded,
	KindReactionRemoved,
	KindCursorMoved,
	KindPresenceSnapshot,
	KindError,
}

// Payload is implemented only by the payload types in this file.
type Payload interface {
	Kind() Kind
	isPayload()
}

type Participant struct {
	IdentityID   string `json:"identityId" cbor:"identityId"`
	ConnectionID string `json:"connectionId" cbor:"connectionId"`
}

type ParticipantJoined struct {
	Participant
}

type ParticipantLeft struct {
	Participant
	CursorCleared bool `json:"cursorCleared" cbor:"cursorCleared"`
}

type NoteCreated struct {
	Note board.Note `json:"note" cbor:"note"`
}

// NoteUpdated carries content and image changes, and position changes made
// through a version-checked update.
type NoteUpdated struct {
	Note board.Note `json:"note" cbor:"note"`
}

type NoteMoved struct {
	NoteID   string      `json:"noteId" cbor:"noteId"`
	Position board.Point `json:"position" cbor:"position"`
	Version  int64       `json:"version" cbor:"version"`
	MovedBy  string      `json:"movedBy" cbor:"movedBy"`
	MovedAt  time.Time   `json:"movedAt" cbor:"movedAt"`
}

type NoteDeleted struct {
	NoteID    string `json:"noteId" cbor:"noteId"`
	DeletedBy string `json:"deletedBy" cbor:"deletedBy"`
}

type ReactionAdded struct {
	NoteID   string                `json:"noteId" cbor:"noteId"`
	Reaction board.Reaction        `json:"reaction" cbor:"reaction"`
	Replaced *board.Reaction       `json:"replaced,omitempty" cbor:"replaced,omitempty"`
	Summary  []board.ReactionGroup `json:"summary" cbor:"summary"`
}

type ReactionRemoved struct {
	NoteID   string                `json:"noteId" cbor:"noteId"`
	Reaction board.Reaction        `json:"reaction" cbor:"reaction"`
	Summary  []board.ReactionGroup `json:"summary" cbor:"summary"`
}

type CursorMoved struct {
	Cursor presence.Cursor `json:"cursor" cbor:"cursor"`
}

type PresenceSnapshot struct {
	Participants []Participant     `json:"participants" cbor:"participants"`
	Cursors      []presence.Cursor `json:"cursors" cbor:"cursors"`
}

type ErrorPayload struct {
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
	// CurrentVersion is set for version_conflict errors.
	CurrentVersion int64 `json:"currentVersion,omitempty" cbor:"currentVersion,omitempty"`
}

func (ParticipantJoined) Kind() Kind { return KindParticipantJoined }
func (ParticipantLeft) Kind() Kind   { return KindParticipantLeft }
func (NoteCreated) Kind() Kind       { return KindNoteCreated }
func (NoteUpdated) Kind() Kind       { return KindNoteUpdated }
func (NoteMoved) Kind() Kind         { return KindNoteMoved }
func (NoteDeleted) Kind() Kind       { return KindNoteDeleted }
func (ReactionAdded) Kind() Kind     { return KindReactionAdded }
func (ReactionRemoved) Kind() Kind   { return KindReactionRemoved }
func (CursorMoved) Kind() Kind       { return KindCursorMoved }
func (PresenceSnapshot) Kind() Kind  { return KindPresenceSnapshot }
func (ErrorPayload) Kind() Kind      { return KindError }

func (ParticipantJoined) isPayload() {}
func (ParticipantLeft) isPayload()   {}
func (NoteCreated) isPayload()       {}
func (NoteUpdated) isPayload()       {}
func (NoteMoved) isPayload()         {}
func (NoteDeleted) isPayload()       {}
func (ReactionAdded) isPayload()     {}
func (ReactionRemoved) isPayload()   {}
func (CursorMoved) isPayload()       {}
func (PresenceSnapshot) isPayload()  {}
func (ErrorPayload) isPayload()      {}

// Event is one outbound frame. Broadcast events carry the router epoch and a
// per-workspace sequence number. A presence-snapshot carries the sequence
// number current at join time; other events sent to a single connection
// carry none.
type Event struct {
	Kind        Kind      `json:"type" cbor:"type"`
	WorkspaceID string    `json:"workspaceId,omitempty" cbor:"workspaceId,omitempty"`
	Epoch       string    `json:"epoch,omitempty" cbor:"epoch,omitempty"`
	Seq         uint64    `json:"seq,omitempty" cbor:"seq,omitempty"`
	RequestID   string    `json:"requestId,omitempty" cbor:"requestId,omitempty"`
	Origin      string    `json:"origin,omitempty" cbor:"origin,omitempty"`
	At          time.Time `json:"at" cbor:"at"`
	Payload     Payload   `json:"payload" cbor:"payload"`
}

// NewEvent wraps payload with its kind.
func NewEvent(payload Payload) Event {
	return Event{Kind: payload.Kind(), Payload: payload}
}

// Sequenced reports whether the event takes part in replay suppression.
func (e Event) Sequenced() bool {
	return e.Seq > 0
}

type wireEvent struct {
	Kind        Kind      `json:"type" cbor:"type"`
	WorkspaceID string    `json:"workspaceId,omitempty" cbor:"workspaceId,omitempty"`
	Epoch       string    `json:"epoch,omitempty" cbor:"epoch,omitempty"`
	Seq         uint64    `json:"seq,omitempty" cbor:"seq,omitempty"`
	RequestID   string    `json:"requestId,omitempty" cbor:"requestId,omitempty"`
	Origin      string    `json:"origin,omitempty" cbor:"origin,omitempty"`
	At          time.Time `json:"at" cbor:"at"`
	Payload     any       `json:"payload" cbor:"payload"`
}

func EncodeEvent(c codec.Codec, ev Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload", ev.Kind)
	}
	if ev.Kind == "" {
		ev.Kind = ev.Payload.Kind()
	}
	if ev.Kind != ev.Payload.Kind() {
		return nil, fmt.Errorf("event kind %s does not match payload %s", ev.Kind, ev.Payload.Kind())
	}
	return c.Marshal(ev)
}

// DecodeEvent parses a frame produced by EncodeEvent with the same codec.
func DecodeEvent(c codec.Codec, data []byte) (Event, error) {
	var wire wireEvent
	if err := c.Unmarshal(data, &wire); err != nil {
		return Event{}, err
	}
	payload, err := newPayload(wire.Kind)
	if err != nil {
		return Event{}, err
	}
	if err := codec.Transcode(c, wire.Payload, payload); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", wire.Kind, err)
	}
	return Event{
		Kind:        wire.Kind,
		WorkspaceID: wire.WorkspaceID,
		Epoch:       wire.Epoch,
		Seq:         wire.Seq,
		RequestID:   wire.RequestID,
		Origin:      wire.Origin,
		At:          wire.At,
		Payload:     derefPayload(payload),
	}, nil
}

func newPayload(kind Kind) (any, error) {
	switch kind {
	case KindParticipantJoined:
		return &ParticipantJoined{}, nil
	case KindParticipantLeft:
		return &ParticipantLeft{}, nil
	case KindNoteCreated:
		return &NoteCreated{}, nil
	case KindNoteUpdated:
		return &NoteUpdated{}, nil
	case KindNoteMoved:
		return &NoteMoved{}, nil
	case KindNoteDeleted:
		return &NoteDeleted{}, nil
	case KindReactionAdded:
		return &ReactionAdded{}, nil
	case KindReactionRemoved:
		return &ReactionRemoved{}, nil
	case KindCursorMoved:
		return &CursorMoved{}, nil
	case KindPresenceSnapshot:
		return &PresenceSnapshot{}, nil
	case KindError:
		return &ErrorPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", kind)
	}
}

func derefPayload(p any) Payload {
	switch v := p.(type) {
	case *ParticipantJoined:
		return *v
	case *ParticipantLeft:
		return *v
	case *NoteCreated:
		return *v
	case *NoteUpdated:
		return *v
	case *NoteMoved:
		return *v
	case *NoteDeleted:
		return *v
	case *ReactionAdded:
		return *v
	case *ReactionRemoved:
		return *v
	case *CursorMoved:
		return *v
	case *PresenceSnapshot:
		return *v
	case *ErrorPayload:
		return *v
	default:
		panic(fmt.Sprintf("broadcast: unhandled payload %T", p))
	}
}
