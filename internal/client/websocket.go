package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/codec"
	"github.com/agentworkforce/relayboard/internal/collab"
)

// WebSocketDialer opens sync sessions against a relayboard server.
type WebSocketDialer struct {
	BaseURL string
	Token   string
	// Codec selects the subprotocol offered. Defaults to JSON.
	Codec         codec.Codec
	HTTPHeader    http.Header
	MaxFrameBytes int64
	Logger        *slog.Logger
}

func (d *WebSocketDialer) Dial(ctx context.Context, workspaceID string) (Transport, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("client: dial needs a workspace")
	}
	target, err := syncURL(d.BaseURL, workspaceID)
	if err != nil {
		return nil, err
	}
	offered := d.Codec
	if offered == nil {
		offered = codec.JSON
	}
	header := d.HTTPHeader.Clone()
	if header == nil {
		header = http.Header{}
	}
	if token := strings.TrimSpace(d.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		Subprotocols: []string{offered.Subprotocol()},
		HTTPHeader:   header,
	})
	if err != nil {
		return nil, err
	}
	frameCodec, ok := codec.ForSubprotocol(conn.Subprotocol())
	if !ok {
		_ = conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return nil, fmt.Errorf("client: server chose subprotocol %q", conn.Subprotocol())
	}
	if d.MaxFrameBytes > 0 {
		conn.SetReadLimit(d.MaxFrameBytes)
	} else {
		conn.SetReadLimit(1 << 20)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &wsTransport{conn: conn, codec: frameCodec, logger: logger}, nil
}

func syncURL(baseURL, workspaceID string) (string, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("client: invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/workspaces/" + url.PathEscape(workspaceID) + "/sync"
	return u.String(), nil
}

type wsTransport struct {
	conn   *websocket.Conn
	codec  codec.Codec
	logger *slog.Logger
}

func (t *wsTransport) Send(ctx context.Context, cmd collab.Command) error {
	frame, err := t.codec.Marshal(cmd)
	if err != nil {
		return err
	}
	messageType := websocket.MessageText
	if t.codec.Binary() {
		messageType = websocket.MessageBinary
	}
	return t.conn.Write(ctx, messageType, frame)
}

// Receive skips frames it cannot decode.
func (t *wsTransport) Receive(ctx context.Context) (broadcast.Event, error) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return broadcast.Event{}, err
		}
		ev, err := broadcast.DecodeEvent(t.codec, data)
		if err != nil {
			t.logger.Debug("skipping undecodable event", "error", err)
			continue
		}
		return ev, nil
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
