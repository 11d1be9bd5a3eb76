// Package collab turns accepted engine mutations into workspace broadcasts.
// A mutation is persisted first; only the canonical result is fanned out,
// and a failed mutation is reported to the originating connection alone.
package collab

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/clock"
	"github.com/agentworkforce/relayboard/internal/engine"
	"github.com/agentworkforce/relayboard/internal/metrics"
	"github.com/agentworkforce/relayboard/internal/presence"
)

// Actor identifies who asked for a mutation. ConnectionID is empty for REST
// callers.
type Actor struct {
	Identity     string
	ConnectionID string
	RequestID    string
}

type Options struct {
	Engine  *engine.Engine
	Router  *broadcast.Router
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

type Service struct {
	engine   *engine.Engine
	router   *broadcast.Router
	presence *presence.Tracker
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := clock.OrReal(opts.Clock)
	router := opts.Router
	if router == nil {
		router = broadcast.NewRouter(broadcast.Options{Clock: c, Logger: logger})
	}
	eng := opts.Engine
	if eng == nil {
		eng = engine.New(engine.Options{Clock: c, Logger: logger})
	}
	return &Service{
		engine:   eng,
		router:   router,
		presence: router.Presence(),
		metrics:  opts.Metrics,
		clock:    c,
		logger:   logger,
	}
}

func (s *Service) Router() *broadcast.Router {
	return s.router
}

func (s *Service) GetNote(ctx context.Context, workspaceID, noteID, viewer string) (board.NoteView, error) {
	return s.engine.GetNote(ctx, workspaceID, noteID, viewer)
}

func (s *Service) ListNotes(ctx context.Context, workspaceID string, bbox *board.BoundingBox, viewer string) ([]board.NoteView, error) {
	return s.engine.ListNotes(ctx, workspaceID, bbox, viewer)
}

func (s *Service) Cursors(workspaceID string) []presence.Cursor {
	return s.presence.Active(workspaceID)
}

func (s *Service) CreateNote(ctx context.Context, actor Actor, workspaceID, content string, position board.Point) (board.Note, error) {
	start := s.clock.Now()
	note, err := s.engine.CreateNote(ctx, engine.CreateRequest{
		WorkspaceID: workspaceID,
		Identity:    actor.Identity,
		Content:     content,
		Position:    position,
	})
	s.observe("create", start, err)
	if err != nil {
		return board.Note{}, err
	}
	s.publish(workspaceID, actor, broadcast.NoteCreated{Note: note})
	return note, nil
}

func (s *Service) UpdateNote(ctx context.Context, actor Actor, req engine.UpdateRequest) (board.Note, error) {
	start := s.clock.Now()
	req.Identity = actor.Identity
	note, err := s.engine.UpdateNote(ctx, req)
	s.observe("update", start, err)
	if err != nil {
		return board.Note{}, err
	}
	s.publish(note.WorkspaceID, actor, broadcast.NoteUpdated{Note: note})
	return note, nil
}

// MoveNote broadcasts note-moved only when the stored position changed.
func (s *Service) MoveNote(ctx context.Context, actor Actor, workspaceID, noteID string, position board.Point) (engine.MoveResult, error) {
	start := s.clock.Now()
	result, err := s.engine.MoveNote(ctx, engine.MoveRequest{
		WorkspaceID: workspaceID,
		NoteID:      noteID,
		Identity:    actor.Identity,
		Position:    position,
	})
	s.observe("move", start, err)
	if err != nil {
		return result, err
	}
	if result.Changed {
		s.publish(result.Note.WorkspaceID, actor, broadcast.NoteMoved{
			NoteID:   result.Note.ID,
			Position: result.Note.Position,
			Version:  result.Note.Version,
			MovedBy:  result.MovedBy,
			MovedAt:  result.MovedAt,
		})
	}
	return result, nil
}

func (s *Service) DeleteNote(ctx context.Context, actor Actor, workspaceID, noteID string) error {
	start := s.clock.Now()
	note, err := s.engine.DeleteNote(ctx, workspaceID, noteID, actor.Identity)
	s.observe("delete", start, err)
	if err != nil {
		return err
	}
	s.publish(note.WorkspaceID, actor, broadcast.NoteDeleted{NoteID: note.ID, DeletedBy: actor.Identity})
	return nil
}

func (s *Service) AttachImage(ctx context.Context, actor Actor, workspaceID, noteID, url string) (board.Note, error) {
	start := s.clock.Now()
	note, err := s.engine.AttachImage(ctx, workspaceID, noteID, url, actor.Identity)
	s.observe("attach_image", start, err)
	if err != nil {
		return board.Note{}, err
	}
	s.publish(note.WorkspaceID, actor, broadcast.NoteUpdated{Note: note})
	return note, nil
}

func (s *Service) DetachImage(ctx context.Context, actor Actor, workspaceID, noteID, url string) (board.Note, error) {
	start := s.clock.Now()
	note, err := s.engine.DetachImage(ctx, workspaceID, noteID, url, actor.Identity)
	s.observe("detach_image", start, err)
	if err != nil {
		return board.Note{}, err
	}
	s.publish(note.WorkspaceID, actor, broadcast.NoteUpdated{Note: note})
	return note, nil
}

func (s *Service) AddReaction(ctx context.Context, actor Actor, workspaceID, noteID, symbol string) (engine.ReactionResult, error) {
	start := s.clock.Now()
	result, err := s.engine.AddReaction(ctx, workspaceID, noteID, symbol, actor.Identity)
	s.observe("add_reaction", start, err)
	if err != nil {
		return result, err
	}
	s.publish(workspaceID, actor, broadcast.ReactionAdded{
		NoteID:   noteID,
		Reaction: result.Reaction,
		Replaced: result.Replaced,
		Summary:  result.Summary,
	})
	return result, nil
}

func (s *Service) RemoveReaction(ctx context.Context, actor Actor, workspaceID, noteID, symbolOrID string) (engine.ReactionResult, error) {
	start := s.clock.Now()
	result, err := s.engine.RemoveReaction(ctx, workspaceID, noteID, symbolOrID, actor.Identity)
	s.observe("remove_reaction", start, err)
	if err != nil {
		return result, err
	}
	s.publish(workspaceID, actor, broadcast.ReactionRemoved{
		NoteID:   noteID,
		Reaction: result.Reaction,
		Summary:  result.Summary,
	})
	return result, nil
}

// MoveCursor records the actor's cursor and broadcasts it. Cursors are not
// persisted and not bounded to the canvas.
func (s *Service) MoveCursor(actor Actor, workspaceID string, position board.Point) (presence.Cursor, error) {
	if workspaceID == "" || actor.Identity == "" {
		return presence.Cursor{}, board.ErrInvalidInput
	}
	if math.IsNaN(position.X) || math.IsNaN(position.Y) || math.IsInf(position.X, 0) || math.IsInf(position.Y, 0) {
		return presence.Cursor{}, &board.ValidationError{Field: "position", Reason: "is not a finite coordinate"}
	}
	cursor := s.presence.Update(workspaceID, actor.Identity, position)
	s.publish(workspaceID, actor, broadcast.CursorMoved{Cursor: cursor})
	return cursor, nil
}

// Handle executes one websocket command for conn. Failures are reported to
// conn as an error event and also returned.
func (s *Service) Handle(ctx context.Context, conn *broadcast.Connection, cmd Command) error {
	err := s.dispatch(ctx, conn, cmd)
	if err != nil {
		s.Reject(conn, cmd.RequestID, err)
	}
	return err
}

// Reject sends err to conn only.
func (s *Service) Reject(conn *broadcast.Connection, requestID string, err error) {
	ev := broadcast.NewEvent(ErrorPayloadFor(err))
	ev.RequestID = requestID
	if conn != nil {
		ev.Origin = conn.ID
	}
	if !s.router.SendTo(conn, ev) {
		s.logger.Debug("error event not delivered", "request_id", requestID, "error", err)
	}
}

// ErrorPayloadFor builds the wire form of err. Errors outside the known
// vocabulary are not described to clients.
func ErrorPayloadFor(err error) broadcast.ErrorPayload {
	code := board.ErrorCode(err)
	payload := broadcast.ErrorPayload{Code: code, Message: err.Error()}
	if code == "internal_error" {
		payload.Message = "internal error"
	}
	var conflict *board.ConflictError
	if errors.As(err, &conflict) {
		payload.CurrentVersion = conflict.CurrentVersion
	}
	return payload
}

func (s *Service) dispatch(ctx context.Context, conn *broadcast.Connection, cmd Command) error {
	if conn == nil {
		return broadcast.ErrUnknownConnection
	}
	actor := Actor{Identity: conn.IdentityID, ConnectionID: conn.ID, RequestID: cmd.RequestID}
	switch cmd.Type {
	case CommandJoinWorkspace:
		if cmd.WorkspaceID == "" {
			return &board.ValidationError{Field: "workspaceId", Reason: "is required"}
		}
		return s.router.Join(conn, cmd.WorkspaceID)
	case CommandLeaveWorkspace:
		workspaceID := cmd.WorkspaceID
		if workspaceID == "" {
			workspaceID = s.router.WorkspaceOf(conn)
		}
		if err := s.router.Leave(conn, workspaceID); err != nil {
			return &board.ValidationError{Field: "workspaceId", Reason: "is not joined"}
		}
		return nil
	}

	workspaceID, err := s.joinedWorkspace(conn, cmd.WorkspaceID)
	if err != nil {
		return err
	}
	switch cmd.Type {
	case CommandCreateNote:
		if cmd.Content == nil || cmd.Position == nil {
			return &board.ValidationError{Reason: "content and position are required"}
		}
		_, err = s.CreateNote(ctx, actor, workspaceID, *cmd.Content, *cmd.Position)
	case CommandUpdateNote:
		_, err = s.UpdateNote(ctx, actor, engine.UpdateRequest{
			WorkspaceID:     workspaceID,
			NoteID:          cmd.NoteID,
			Content:         cmd.Content,
			Position:        cmd.Position,
			ExpectedVersion: cmd.ExpectedVersion,
		})
	case CommandMoveNote:
		if cmd.Position == nil {
			return &board.ValidationError{Field: "position", Reason: "is required"}
		}
		_, err = s.MoveNote(ctx, actor, workspaceID, cmd.NoteID, *cmd.Position)
	case CommandDeleteNote:
		err = s.DeleteNote(ctx, actor, workspaceID, cmd.NoteID)
	case CommandAddReaction:
		_, err = s.AddReaction(ctx, actor, workspaceID, cmd.NoteID, cmd.Symbol)
	case CommandRemoveReaction:
		target := cmd.Symbol
		if target == "" {
			target = cmd.ReactionID
		}
		_, err = s.RemoveReaction(ctx, actor, workspaceID, cmd.NoteID, target)
	case CommandMoveCursor:
		if cmd.Position == nil {
			return &board.ValidationError{Field: "position", Reason: "is required"}
		}
		_, err = s.MoveCursor(actor, workspaceID, *cmd.Position)
	default:
		return &board.ValidationError{Field: "type", Reason: "is not a known command"}
	}
	return err
}

func (s *Service) joinedWorkspace(conn *broadcast.Connection, requested string) (string, error) {
	current := s.router.WorkspaceOf(conn)
	if current == "" {
		return "", &board.ValidationError{Field: "workspaceId", Reason: "join a workspace first"}
	}
	if requested != "" && requested != current {
		return "", &board.ValidationError{Field: "workspaceId", Reason: "does not match the joined workspace"}
	}
	return current, nil
}

func (s *Service) publish(workspaceID string, actor Actor, payload broadcast.Payload) {
	ev := broadcast.NewEvent(payload)
	ev.RequestID = actor.RequestID
	ev.Origin = actor.ConnectionID
	s.router.Broadcast(workspaceID, ev)
}

func (s *Service) observe(op string, start time.Time, err error) {
	s.metrics.ObserveMutation(op, board.ErrorCode(err), s.clock.Now().Sub(start))
}
