package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentworkforce/relayboard/internal/blob"
	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/clock"
	"github.com/agentworkforce/relayboard/internal/collab"
	"github.com/agentworkforce/relayboard/internal/engine"
	"github.com/agentworkforce/relayboard/internal/metrics"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MaxUploadBytes  int64
	// MaxFrameBytes bounds one inbound websocket frame.
	MaxFrameBytes int64
	// WriteTimeout bounds writing one outbound websocket frame.
	WriteTimeout   time.Duration
	OriginPatterns []string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Clock          clock.Clock
}

type Server struct {
	service     *collab.Service
	blobs       blob.Store
	cfg         ServerConfig
	handler     http.Handler
	rateLimiter *rateLimiter
	validator   *commandValidator
	logger      *slog.Logger
	metrics     *metrics.Metrics
	clock       clock.Clock
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(service *collab.Service, blobs blob.Store) *Server {
	return NewServerWithConfig(service, blobs, ServerConfig{})
}

func NewServerWithConfig(service *collab.Service, blobs blob.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = blob.DefaultMaxBytes
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 << 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if blobs == nil {
		blobs = blob.NewMemoryStore("/blobs")
	}
	validator, err := newCommandValidator()
	if err != nil {
		panic("httpapi: " + err.Error())
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		service:     service,
		blobs:       blobs,
		cfg:         cfg,
		rateLimiter: limiter,
		validator:   validator,
		logger:      logger,
		metrics:     cfg.Metrics,
		clock:       clock.OrReal(cfg.Clock),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	r.Use(s.accessLog)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.handleHealth)
	if s.metrics != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.Handler())
	}
	r.Methods(http.MethodGet).Path("/blobs/{name}").HandlerFunc(s.handleBlob)

	ws := r.PathPrefix("/v1/workspaces/{ws}").Subrouter()
	ws.Methods(http.MethodGet).Path("/notes").Handler(s.authed(ScopeRead, s.handleListNotes))
	ws.Methods(http.MethodPost).Path("/notes").Handler(s.authed(ScopeWrite, s.handleCreateNote))
	ws.Methods(http.MethodGet).Path("/notes/{id}").Handler(s.authed(ScopeRead, s.handleGetNote))
	ws.Methods(http.MethodPatch).Path("/notes/{id}").Handler(s.authed(ScopeWrite, s.handleUpdateNote))
	ws.Methods(http.MethodDelete).Path("/notes/{id}").Handler(s.authed(ScopeWrite, s.handleDeleteNote))
	ws.Methods(http.MethodPost).Path("/notes/{id}/move").Handler(s.authed(ScopeWrite, s.handleMoveNote))
	ws.Methods(http.MethodPost).Path("/notes/{id}/reactions").Handler(s.authed(ScopeWrite, s.handleAddReaction))
	ws.Methods(http.MethodDelete).Path("/notes/{id}/reactions").Handler(s.authed(ScopeWrite, s.handleRemoveReaction))
	ws.Methods(http.MethodPost).Path("/notes/{id}/images").Handler(s.authed(ScopeWrite, s.handleUploadImage))
	ws.Methods(http.MethodDelete).Path("/notes/{id}/images").Handler(s.authed(ScopeWrite, s.handleDetachImage))
	ws.Methods(http.MethodGet).Path("/cursors").Handler(s.authed(ScopeRead, s.handleCursors))
	ws.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.handleSync)
	return correlate(r)
}

// correlate makes sure every request carries an X-Correlation-Id and
// echoes it on the response.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(getCorrelationID(r))
		if correlationID == "" || len(correlationID) > 128 {
			correlationID = uuid.NewString()
			r.Header.Set("X-Correlation-Id", correlationID)
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		route := ""
		if current := mux.CurrentRoute(r); current != nil {
			route, _ = current.GetPathTemplate()
		}
		s.metrics.ObserveHTTP(r.Method, route, m.Code, m.Duration)
		s.logger.Info("handled",
			"method", r.Method,
			"route", route,
			"status", m.Code,
			"duration", m.Duration,
			"bytes", m.Written,
			"correlation_id", getCorrelationID(r),
		)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string)

func (s *Server) authed(scope string, next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := getCorrelationID(r)
		now := s.clock.Now().UTC()
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, now)
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Identity, now) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		next(w, r, claims, correlationID)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.service.Router().ConnectionCount(),
	})
}

func actorFor(claims tokenClaims, correlationID string) collab.Actor {
	return collab.Actor{Identity: claims.Identity, RequestID: correlationID}
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	bbox, err := parseBoundingBox(r.URL.Query().Get("bbox"))
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	views, err := s.service.ListNotes(r.Context(), mux.Vars(r)["ws"], bbox, claims.Identity)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": views})
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var body struct {
		Content  *string      `json:"content"`
		Position *board.Point `json:"position"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Content == nil || body.Position == nil {
		writeServiceError(w, &board.ValidationError{Reason: "content and position are required"}, correlationID)
		return
	}
	note, err := s.service.CreateNote(r.Context(), actorFor(claims, correlationID), mux.Vars(r)["ws"], *body.Content, *body.Position)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	vars := mux.Vars(r)
	view, err := s.service.GetNote(r.Context(), vars["ws"], vars["id"], claims.Identity)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", strconv.FormatInt(view.Version, 10))
	writeJSON(w, http.StatusOK, view)
}

// handleUpdateNote takes the expected version from the body or, failing
// that, from If-Match.
func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var body struct {
		Content         *string      `json:"content"`
		Position        *board.Point `json:"position"`
		ExpectedVersion *int64       `json:"expectedVersion"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	expected := int64(0)
	switch {
	case body.ExpectedVersion != nil:
		expected = *body.ExpectedVersion
	case normalizeIfMatch(r.Header.Get("If-Match")) != "":
		parsed, err := strconv.ParseInt(normalizeIfMatch(r.Header.Get("If-Match")), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "If-Match must carry a note version", correlationID)
			return
		}
		expected = parsed
	default:
		writeError(w, http.StatusPreconditionRequired, "precondition_required", "expectedVersion or If-Match is required", correlationID)
		return
	}
	vars := mux.Vars(r)
	note, err := s.service.UpdateNote(r.Context(), actorFor(claims, correlationID), engine.UpdateRequest{
		WorkspaceID:     vars["ws"],
		NoteID:          vars["id"],
		Content:         body.Content,
		Position:        body.Position,
		ExpectedVersion: expected,
	})
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", strconv.FormatInt(note.Version, 10))
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	vars := mux.Vars(r)
	if err := s.service.DeleteNote(r.Context(), actorFor(claims, correlationID), vars["ws"], vars["id"]); err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMoveNote(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var body struct {
		Position *board.Point `json:"position"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Position == nil {
		writeServiceError(w, &board.ValidationError{Field: "position", Reason: "is required"}, correlationID)
		return
	}
	vars := mux.Vars(r)
	result, err := s.service.MoveNote(r.Context(), actorFor(claims, correlationID), vars["ws"], vars["id"], *body.Position)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"note":    result.Note,
		"changed": result.Changed,
	})
}

func (s *Server) handleAddReaction(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var body struct {
		Symbol string `json:"symbol"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	vars := mux.Vars(r)
	result, err := s.service.AddReaction(r.Context(), actorFor(claims, correlationID), vars["ws"], vars["id"], body.Symbol)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reaction": result.Reaction,
		"replaced": result.Replaced,
		"summary":  result.Summary,
	})
}

func (s *Server) handleRemoveReaction(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	target := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if target == "" {
		target = strings.TrimSpace(r.URL.Query().Get("id"))
	}
	vars := mux.Vars(r)
	result, err := s.service.RemoveReaction(r.Context(), actorFor(claims, correlationID), vars["ws"], vars["id"], target)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reaction": result.Reaction,
		"summary":  result.Summary,
	})
}

// handleUploadImage stores the raw request body as a blob and attaches its
// URL to the note.
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	vars := mux.Vars(r)
	view, err := s.service.GetNote(r.Context(), vars["ws"], vars["id"], claims.Identity)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	if view.AuthorID != claims.Identity {
		writeServiceError(w, board.ErrForbidden, correlationID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "image exceeds configured limit", correlationID)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return
	}
	existed := s.blobExists(r.Context(), data, r.Header.Get("Content-Type"))
	url, err := s.blobs.Put(r.Context(), data, r.Header.Get("Content-Type"))
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	note, err := s.service.AttachImage(r.Context(), actorFor(claims, correlationID), vars["ws"], vars["id"], url)
	if err != nil {
		// blobs are content addressed; one that predates this upload may
		// belong to another note
		if !existed {
			if delErr := s.blobs.Delete(context.WithoutCancel(r.Context()), url); delErr != nil {
				s.logger.Warn("orphaned blob cleanup failed", "url", url, "error", delErr)
			}
		}
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"url": url, "note": note})
}

func (s *Server) blobExists(ctx context.Context, data []byte, contentType string) bool {
	name, err := blob.Name(data, contentType, int(s.cfg.MaxUploadBytes))
	if err != nil {
		return false
	}
	rc, _, err := s.blobs.Open(ctx, name)
	if err != nil {
		return false
	}
	_ = rc.Close()
	return true
}

func (s *Server) handleDetachImage(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		writeServiceError(w, &board.ValidationError{Field: "url", Reason: "is required"}, correlationID)
		return
	}
	vars := mux.Vars(r)
	note, err := s.service.DetachImage(r.Context(), actorFor(claims, correlationID), vars["ws"], vars["id"], url)
	if err != nil {
		writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleCursors(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	writeJSON(w, http.StatusOK, map[string]any{"cursors": s.service.Cursors(mux.Vars(r)["ws"])})
}

// handleBlob serves image bytes. Blob names are content addresses, so the
// response never changes.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rc, contentType, err := s.blobs.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "blob not found", getCorrelationID(r))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "blob unavailable", getCorrelationID(r))
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func parseBoundingBox(raw string) (*board.BoundingBox, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	fields := strings.Split(raw, ",")
	if len(fields) != 4 {
		return nil, &board.ValidationError{Field: "bbox", Reason: "must be minX,minY,maxX,maxY"}
	}
	values := make([]float64, 4)
	for i, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, &board.ValidationError{Field: "bbox", Reason: "must be minX,minY,maxX,maxY"}
		}
		values[i] = value
	}
	if values[0] > values[2] || values[1] > values[3] {
		return nil, &board.ValidationError{Field: "bbox", Reason: "min must not exceed max"}
	}
	return &board.BoundingBox{MinX: values[0], MinY: values[1], MaxX: values[2], MaxY: values[3]}, nil
}

func normalizeIfMatch(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}

func statusForCode(code string) int {
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "version_conflict":
		return http.StatusConflict
	case "contended", "unavailable":
		return http.StatusServiceUnavailable
	case "rate_limited":
		return http.StatusTooManyRequests
	case "validation_failed":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps an engine error onto its HTTP status and error
// body.
func writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	payload := collab.ErrorPayloadFor(err)
	status := statusForCode(payload.Code)
	switch payload.Code {
	case "contended", "rate_limited":
		w.Header().Set("Retry-After", "1")
	}
	body := map[string]any{
		"code":          payload.Code,
		"message":       payload.Message,
		"correlationId": correlationID,
	}
	if payload.CurrentVersion > 0 {
		body["currentVersion"] = payload.CurrentVersion
	}
	writeJSON(w, status, body)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
