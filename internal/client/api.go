package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/presence"
)

// APIError is a non-2xx response from the REST API. It matches the board
// sentinel for its code under errors.Is.
type APIError struct {
	StatusCode     int
	Code           string
	Message        string
	CurrentVersion int64
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch e.Code {
	case "not_found":
		return target == board.ErrNotFound
	case "forbidden":
		return target == board.ErrForbidden
	case "version_conflict":
		return target == board.ErrVersionConflict
	case "contended":
		return target == board.ErrContended
	case "rate_limited":
		return target == board.ErrRateLimited
	case "validation_failed":
		return target == board.ErrValidation
	case "unavailable":
		return target == board.ErrUnavailable
	}
	return false
}

type MoveResponse struct {
	Note    board.Note `json:"note"`
	Changed bool       `json:"changed"`
}

type ReactionResponse struct {
	Reaction board.Reaction        `json:"reaction"`
	Replaced *board.Reaction       `json:"replaced,omitempty"`
	Summary  []board.ReactionGroup `json:"summary"`
}

type UploadResponse struct {
	URL  string     `json:"url"`
	Note board.Note `json:"note"`
}

// APIClient talks to the REST surface. Transient failures (transport
// errors, 5xx, and request-quota 429s) are retried with backoff that
// honours Retry-After.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type apiCall struct {
	method      string
	path        string
	headers     map[string]string
	body        any
	rawBody     []byte
	contentType string
	out         any
	// noRetryRateLimit surfaces rate_limited at once instead of waiting.
	noRetryRateLimit bool
}

func notesPath(workspaceID string) string {
	return "/v1/workspaces/" + url.PathEscape(workspaceID) + "/notes"
}

func notePath(workspaceID, noteID string) string {
	return notesPath(workspaceID) + "/" + url.PathEscape(noteID)
}

func (c *APIClient) ListNotes(ctx context.Context, workspaceID string, bbox *board.BoundingBox) ([]board.NoteView, error) {
	path := notesPath(workspaceID)
	if bbox != nil {
		q := url.Values{}
		q.Set("bbox", fmt.Sprintf("%g,%g,%g,%g", bbox.MinX, bbox.MinY, bbox.MaxX, bbox.MaxY))
		path += "?" + q.Encode()
	}
	var out struct {
		Notes []board.NoteView `json:"notes"`
	}
	err := c.do(ctx, apiCall{method: http.MethodGet, path: path, out: &out})
	return out.Notes, err
}

func (c *APIClient) GetNote(ctx context.Context, workspaceID, noteID string) (board.NoteView, error) {
	var out board.NoteView
	err := c.do(ctx, apiCall{method: http.MethodGet, path: notePath(workspaceID, noteID), out: &out})
	return out, err
}

func (c *APIClient) CreateNote(ctx context.Context, workspaceID, content string, position board.Point) (board.Note, error) {
	var out board.Note
	err := c.do(ctx, apiCall{
		method: http.MethodPost,
		path:   notesPath(workspaceID),
		body:   map[string]any{"content": content, "position": position},
		out:    &out,
	})
	return out, err
}

// UpdateNote is version checked; a stale expectedVersion fails with an
// error matching board.ErrVersionConflict.
func (c *APIClient) UpdateNote(ctx context.Context, workspaceID, noteID string, content *string, position *board.Point, expectedVersion int64) (board.Note, error) {
	body := map[string]any{"expectedVersion": expectedVersion}
	if content != nil {
		body["content"] = *content
	}
	if position != nil {
		body["position"] = *position
	}
	var out board.Note
	err := c.do(ctx, apiCall{method: http.MethodPatch, path: notePath(workspaceID, noteID), body: body, out: &out})
	return out, err
}

func (c *APIClient) MoveNote(ctx context.Context, workspaceID, noteID string, position board.Point) (MoveResponse, error) {
	var out MoveResponse
	err := c.do(ctx, apiCall{
		method:           http.MethodPost,
		path:             notePath(workspaceID, noteID) + "/move",
		body:             map[string]any{"position": position},
		out:              &out,
		noRetryRateLimit: true,
	})
	return out, err
}

func (c *APIClient) DeleteNote(ctx context.Context, workspaceID, noteID string) error {
	return c.do(ctx, apiCall{method: http.MethodDelete, path: notePath(workspaceID, noteID)})
}

func (c *APIClient) AddReaction(ctx context.Context, workspaceID, noteID, symbol string) (ReactionResponse, error) {
	var out ReactionResponse
	err := c.do(ctx, apiCall{
		method: http.MethodPost,
		path:   notePath(workspaceID, noteID) + "/reactions",
		body:   map[string]any{"symbol": symbol},
		out:    &out,
	})
	return out, err
}

// RemoveReaction removes the caller's reaction by symbol or reaction id.
func (c *APIClient) RemoveReaction(ctx context.Context, workspaceID, noteID, symbolOrID string) (ReactionResponse, error) {
	q := url.Values{}
	if board.ValidSymbol(symbolOrID) {
		q.Set("symbol", symbolOrID)
	} else {
		q.Set("id", symbolOrID)
	}
	var out ReactionResponse
	err := c.do(ctx, apiCall{
		method: http.MethodDelete,
		path:   notePath(workspaceID, noteID) + "/reactions?" + q.Encode(),
		out:    &out,
	})
	return out, err
}

func (c *APIClient) UploadImage(ctx context.Context, workspaceID, noteID string, data []byte, contentType string) (UploadResponse, error) {
	var out UploadResponse
	err := c.do(ctx, apiCall{
		method:      http.MethodPost,
		path:        notePath(workspaceID, noteID) + "/images",
		rawBody:     data,
		contentType: contentType,
		out:         &out,
	})
	return out, err
}

func (c *APIClient) DetachImage(ctx context.Context, workspaceID, noteID, imageURL string) (board.Note, error) {
	q := url.Values{}
	q.Set("url", imageURL)
	var out board.Note
	err := c.do(ctx, apiCall{method: http.MethodDelete, path: notePath(workspaceID, noteID) + "/images?" + q.Encode(), out: &out})
	return out, err
}

func (c *APIClient) Cursors(ctx context.Context, workspaceID string) ([]presence.Cursor, error) {
	var out struct {
		Cursors []presence.Cursor `json:"cursors"`
	}
	err := c.do(ctx, apiCall{method: http.MethodGet, path: "/v1/workspaces/" + url.PathEscape(workspaceID) + "/cursors", out: &out})
	return out.Cursors, err
}

func (c *APIClient) do(ctx context.Context, call apiCall) error {
	bodyBytes := call.rawBody
	contentType := call.contentType
	if call.body != nil {
		var err error
		bodyBytes, err = json.Marshal(call.body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, call.method, c.baseURL+call.path, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", "client_"+uuid.NewString())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for key, value := range call.headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if call.out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, call.out)
		}

		var errPayload struct {
			Code           string `json:"code"`
			Message        string `json:"message"`
			CurrentVersion int64  `json:"currentVersion"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)

		retryable := resp.StatusCode >= 500 && resp.StatusCode <= 599
		if resp.StatusCode == http.StatusTooManyRequests {
			retryable = !call.noRetryRateLimit
		}
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &APIError{
			StatusCode:     resp.StatusCode,
			Code:           errPayload.Code,
			Message:        errPayload.Message,
			CurrentVersion: errPayload.CurrentVersion,
		}
	}
}

func (c *APIClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	backoff := Backoff{Base: c.baseDelay, Max: maxDelay}
	return backoff.delayFor(attempt)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
