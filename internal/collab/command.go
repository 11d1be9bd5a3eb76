package collab

import "github.com/agentworkforce/relayboard/internal/board"

// Command types accepted on a websocket session.
const (
	CommandJoinWorkspace  = "join-workspace"
	CommandLeaveWorkspace = "leave-workspace"
	CommandCreateNote     = "create-note"
	CommandUpdateNote     = "update-note"
	CommandMoveNote       = "move-note"
	CommandDeleteNote     = "delete-note"
	CommandAddReaction    = "add-reaction"
	CommandRemoveReaction = "remove-reaction"
	CommandMoveCursor     = "move-cursor"
)

var CommandTypes = []string{
	CommandJoinWorkspace,
	CommandLeaveWorkspace,
	CommandCreateNote,
	CommandUpdateNote,
	CommandMoveNote,
	CommandDeleteNote,
	CommandAddReaction,
	CommandRemoveReaction,
	CommandMoveCursor,
}

// Command is one inbound frame. Which fields are meaningful depends on
// Type; RequestID is echoed on the resulting broadcast or error event.
type Command struct {
	Type            string       `json:"type" cbor:"type"`
	RequestID       string       `json:"requestId,omitempty" cbor:"requestId,omitempty"`
	WorkspaceID     string       `json:"workspaceId,omitempty" cbor:"workspaceId,omitempty"`
	NoteID          string       `json:"noteId,omitempty" cbor:"noteId,omitempty"`
	Content         *string      `json:"content,omitempty" cbor:"content,omitempty"`
	Position        *board.Point `json:"position,omitempty" cbor:"position,omitempty"`
	ExpectedVersion int64        `json:"expectedVersion,omitempty" cbor:"expectedVersion,omitempty"`
	Symbol          string       `json:"symbol,omitempty" cbor:"symbol,omitempty"`
	ReactionID      string       `json:"reactionId,omitempty" cbor:"reactionId,omitempty"`
}
