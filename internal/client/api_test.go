package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relayboard/internal/blob"
	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/collab"
	"github.com/agentworkforce/relayboard/internal/engine"
	"github.com/agentworkforce/relayboard/internal/httpapi"
)

func TestAPIClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"contended","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/workspaces/ws_retry/notes" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("bbox") != "0,0,100,50.5" {
			t.Errorf("expected bbox query to be forwarded, got %q", r.URL.Query().Get("bbox"))
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"notes":[{"id":"n1","content":"hi","version":4,"reactions":[]}]}`))
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "token", server.Client())
	notes, err := client.ListNotes(context.Background(), "ws_retry", &board.BoundingBox{MaxX: 100, MaxY: 50.5})
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != "n1" || notes[0].Version != 4 {
		t.Fatalf("unexpected notes: %+v", notes)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestAPIClientDoesNotRetryRateLimitedMoves(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "token", server.Client())
	_, err := client.MoveNote(context.Background(), "ws_1", "n1", board.Point{X: 1, Y: 1})
	if !errors.Is(err, board.ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestAPIClientMapsConflicts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"version_conflict","message":"stale","currentVersion":7}`))
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, "token", server.Client())
	content := "edit"
	_, err := client.UpdateNote(context.Background(), "ws_1", "n1", &content, nil, 6)
	if !errors.Is(err, board.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.CurrentVersion != 7 || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected api error with current version 7, got %+v", apiErr)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
	client := NewAPIClient("", "", nil)
	if got := client.retryDelay(1, "30"); got != 2*time.Second {
		t.Fatalf("expected Retry-After to be capped at 2s, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected third retry to wait 400ms, got %s", got)
	}
}

func TestClientAgainstLiveServer(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	blobs := blob.NewMemoryStore("/blobs")
	eng := engine.New(engine.Options{Accessor: board.NewMemoryAccessor(), Blobs: blobs, Logger: logger})
	router := broadcast.NewRouter(broadcast.Options{Logger: logger})
	service := collab.NewService(collab.Options{Engine: eng, Router: router, Logger: logger})
	srv := httptest.NewServer(httpapi.NewServerWithConfig(service, blobs, httpapi.ServerConfig{JWTSecret: "secret", Logger: logger}))
	defer srv.Close()

	aliceToken, err := httpapi.MintToken("secret", "alice", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	bobToken, err := httpapi.MintToken("secret", "bob", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	view := NewBoard()
	events := make(chan broadcast.Event, 64)
	conn := NewConn(ConnOptions{
		Dialer:      &WebSocketDialer{BaseURL: srv.URL, Token: bobToken, Logger: logger},
		WorkspaceID: "ws_live",
		Logger:      logger,
		OnEvent: func(ev broadcast.Event) {
			view.ApplyEvent(ev)
			events <- ev
		},
	})
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	nextOf := func(kind broadcast.Kind) broadcast.Event {
		t.Helper()
		for {
			ev := receive(t, events)
			if ev.Kind == kind {
				return ev
			}
			if ev.Kind != broadcast.KindPresenceSnapshot {
				t.Fatalf("expected %s, got %s", kind, ev.Kind)
			}
		}
	}
	nextOf(broadcast.KindPresenceSnapshot)

	api := NewAPIClient(srv.URL, aliceToken, srv.Client())
	ctx := context.Background()
	note, err := api.CreateNote(ctx, "ws_live", "from rest", board.Point{X: 10, Y: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created := nextOf(broadcast.KindNoteCreated).Payload.(broadcast.NoteCreated)
	if created.Note.ID != note.ID {
		t.Fatalf("expected created event for %s, got %s", note.ID, created.Note.ID)
	}

	bobAPI := NewAPIClient(srv.URL, bobToken, srv.Client())
	moved, err := bobAPI.MoveNote(ctx, "ws_live", note.ID, board.Point{X: 90, Y: 80})
	if err != nil || !moved.Changed {
		t.Fatalf("move: %+v %v", moved, err)
	}
	movedEvent := nextOf(broadcast.KindNoteMoved).Payload.(broadcast.NoteMoved)
	if movedEvent.MovedBy != "bob" || movedEvent.Version != 2 {
		t.Fatalf("unexpected move event: %+v", movedEvent)
	}
	if local, ok := view.Note(note.ID); !ok || local.Position != (board.Point{X: 90, Y: 80}) {
		t.Fatalf("expected board to follow canonical move, got %+v", local)
	}

	if err := bobAPI.DeleteNote(ctx, "ws_live", note.ID); !errors.Is(err, board.ErrForbidden) {
		t.Fatalf("expected non-author delete to be forbidden, got %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("conn did not stop")
	}
}
