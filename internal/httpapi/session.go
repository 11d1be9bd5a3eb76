package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/codec"
	"github.com/agentworkforce/relayboard/internal/collab"
)

// handleSync upgrades to a websocket session joined to the workspace in the
// path. The session lives until either side closes.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	claims, authErr := authorizeBearer(bearerFromRequest(r, true), s.cfg.JWTSecret, ScopeRead, s.clock.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   codec.Subprotocols(),
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "identity", claims.Identity, "error", err)
		return
	}
	defer ws.CloseNow()

	frameCodec, ok := codec.ForSubprotocol(ws.Subprotocol())
	if !ok {
		_ = ws.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return
	}
	ws.SetReadLimit(s.cfg.MaxFrameBytes)

	conn := s.service.Router().Register(claims.Identity)
	sess := &session{
		server: s,
		ws:     ws,
		codec:  frameCodec,
		claims: claims,
		conn:   conn,
		logger: s.logger.With("identity", claims.Identity, "connection_id", conn.ID),
	}
	sess.run(r.Context(), mux.Vars(r)["ws"], correlationID)
}

type session struct {
	server *Server
	ws     *websocket.Conn
	codec  codec.Codec
	claims tokenClaims
	conn   *broadcast.Connection
	logger *slog.Logger
}

func (sess *session) run(ctx context.Context, workspaceID, requestID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop(ctx, cancel)
	}()

	sess.logger.Debug("session opened", "subprotocol", sess.codec.Subprotocol())
	if workspaceID != "" {
		_ = sess.server.service.Handle(ctx, sess.conn, collab.Command{
			Type:        collab.CommandJoinWorkspace,
			RequestID:   requestID,
			WorkspaceID: workspaceID,
		})
	}
	sess.readLoop(ctx)

	sess.server.service.Router().Disconnect(sess.conn)
	<-writerDone
	_ = sess.ws.Close(websocket.StatusNormalClosure, "")
	sess.logger.Debug("session closed", "dropped", sess.conn.Dropped())
}

// writeLoop drains the connection's outbound buffer until the router closes
// it. A failed write cancels the session.
func (sess *session) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	messageType := websocket.MessageText
	if sess.codec.Binary() {
		messageType = websocket.MessageBinary
	}
	for ev := range sess.conn.Events() {
		frame, err := broadcast.EncodeEvent(sess.codec, ev)
		if err != nil {
			sess.logger.Error("encode event failed", "type", string(ev.Kind), "error", err)
			continue
		}
		writeCtx, done := context.WithTimeout(ctx, sess.server.cfg.WriteTimeout)
		err = sess.ws.Write(writeCtx, messageType, frame)
		done()
		if err != nil {
			if ctx.Err() == nil {
				sess.logger.Debug("websocket write failed", "error", err)
			}
			cancel()
			return
		}
	}
}

func (sess *session) readLoop(ctx context.Context) {
	for {
		messageType, data, err := sess.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if ctx.Err() == nil && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				sess.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		cmd, err := sess.decode(messageType, data)
		if err != nil {
			sess.server.service.Reject(sess.conn, cmd.RequestID, err)
			continue
		}
		if requiresWrite(cmd.Type) && !sess.claims.has(ScopeWrite) {
			sess.server.service.Reject(sess.conn, cmd.RequestID, board.ErrForbidden)
			continue
		}
		if err := sess.server.service.Handle(ctx, sess.conn, cmd); err != nil && errors.Is(err, board.ErrUnavailable) {
			sess.logger.Warn("command failed", "type", cmd.Type, "request_id", cmd.RequestID, "error", err)
		}
	}
}

func (sess *session) decode(messageType websocket.MessageType, data []byte) (collab.Command, error) {
	var cmd collab.Command
	if sess.codec.Binary() != (messageType == websocket.MessageBinary) {
		return cmd, &board.ValidationError{Field: "frame", Reason: "does not match the negotiated subprotocol"}
	}
	if !sess.codec.Binary() {
		if err := sess.server.validator.validate(data); err != nil {
			sess.logger.Debug("command rejected by schema", "error", err)
			_ = sess.codec.Unmarshal(data, &cmd)
			return collab.Command{RequestID: cmd.RequestID}, &board.ValidationError{Field: "frame", Reason: "does not match the command schema"}
		}
	}
	if err := sess.codec.Unmarshal(data, &cmd); err != nil {
		return collab.Command{}, &board.ValidationError{Field: "frame", Reason: "could not be decoded"}
	}
	return cmd, nil
}

// requiresWrite reports whether a command changes notes or reactions.
// Joining, leaving and cursor updates only need read access.
func requiresWrite(commandType string) bool {
	switch commandType {
	case collab.CommandJoinWorkspace, collab.CommandLeaveWorkspace, collab.CommandMoveCursor:
		return false
	default:
		return true
	}
}
