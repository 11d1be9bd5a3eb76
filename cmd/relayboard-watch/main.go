// relayboard-watch mirrors one workspace from a relayboard server. It loads
// the notes over REST, follows the sync channel, and prints every applied
// event as a JSON line. A periodic REST resync repairs anything missed while
// the connection was down.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/client"
	"github.com/agentworkforce/relayboard/internal/codec"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	baseURL        string
	token          string
	workspaceID    string
	subprotocol    string
	interval       time.Duration
	intervalJitter float64
	timeout        time.Duration
	once           bool
	cursors        bool
	verbose        bool
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("relayboard-watch", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.baseURL, "base-url", envOrDefault("RELAYBOARD_BASE_URL", "http://127.0.0.1:8080"), "relayboard base URL")
	flagSet.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("RELAYBOARD_TOKEN")), "bearer token")
	flagSet.StringVar(&opts.workspaceID, "workspace", strings.TrimSpace(os.Getenv("RELAYBOARD_WORKSPACE")), "workspace ID")
	flagSet.StringVar(&opts.subprotocol, "encoding", envOrDefault("RELAYBOARD_WATCH_ENCODING", "json"), "sync frame encoding (json or cbor)")
	flagSet.DurationVar(&opts.interval, "interval", durationEnv("RELAYBOARD_WATCH_INTERVAL", 30*time.Second), "REST resync interval")
	flagSet.Float64Var(&opts.intervalJitter, "interval-jitter", floatEnv("RELAYBOARD_WATCH_INTERVAL_JITTER", 0.2), "resync interval jitter ratio (0.0-1.0)")
	flagSet.DurationVar(&opts.timeout, "timeout", durationEnv("RELAYBOARD_WATCH_TIMEOUT", 15*time.Second), "per-request timeout")
	flagSet.BoolVar(&opts.once, "once", false, "print the current notes and exit")
	flagSet.BoolVar(&opts.cursors, "cursors", false, "also print cursor movement")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if strings.TrimSpace(opts.token) == "" {
		return options{}, errors.New("token is required (--token or RELAYBOARD_TOKEN)")
	}
	if strings.TrimSpace(opts.workspaceID) == "" {
		return options{}, errors.New("workspace is required (--workspace or RELAYBOARD_WORKSPACE)")
	}
	opts.workspaceID = strings.TrimSpace(opts.workspaceID)
	if _, err := frameCodec(opts.subprotocol); err != nil {
		return options{}, err
	}
	if opts.interval <= 0 {
		opts.interval = 30 * time.Second
	}
	if opts.timeout <= 0 {
		opts.timeout = 15 * time.Second
	}
	opts.intervalJitter = clampJitterRatio(opts.intervalJitter)
	return opts, nil
}

func frameCodec(name string) (codec.Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return codec.JSON, nil
	case "cbor":
		return codec.CBOR, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q (want json or cbor)", name)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	return watch(ctx, opts, stdout, logger)
}

// watcher owns the mirrored view and serializes output lines.
type watcher struct {
	opts   options
	api    *client.APIClient
	view   *client.Board
	logger *slog.Logger

	mu  sync.Mutex
	enc *json.Encoder
}

func (w *watcher) emit(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(v); err != nil {
		w.logger.Warn("write failed", "error", err)
	}
}

func (w *watcher) resync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.opts.timeout)
	defer cancel()
	notes, err := w.api.ListNotes(ctx, w.opts.workspaceID, nil)
	if err != nil {
		return err
	}
	w.view.Load(notes)
	w.logger.Debug("resynced workspace", "workspace_id", w.opts.workspaceID, "notes", len(notes))
	return nil
}

func (w *watcher) onEvent(ev broadcast.Event) {
	changed := w.view.ApplyEvent(ev)
	switch ev.Kind {
	case broadcast.KindCursorMoved:
		if !w.opts.cursors {
			return
		}
	case broadcast.KindPresenceSnapshot, broadcast.KindParticipantJoined, broadcast.KindParticipantLeft, broadcast.KindError:
	default:
		if !changed {
			w.logger.Debug("event did not change the view", "type", ev.Kind, "seq", ev.Seq)
			return
		}
	}
	w.emit(ev)
}

func watch(ctx context.Context, opts options, stdout io.Writer, logger *slog.Logger) error {
	frames, err := frameCodec(opts.subprotocol)
	if err != nil {
		return err
	}
	w := &watcher{
		opts:   opts,
		api:    client.NewAPIClient(opts.baseURL, opts.token, &http.Client{Timeout: opts.timeout}),
		view:   client.NewBoard(),
		logger: logger,
		enc:    json.NewEncoder(stdout),
	}
	if err := w.resync(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	if opts.once {
		for _, note := range w.view.Notes() {
			w.emit(board.NoteView{Note: note, Reactions: w.view.Reactions(note.ID)})
		}
		return nil
	}

	var cursors *client.Interpolator
	if opts.cursors {
		cursors = client.NewInterpolator(client.InterpolatorOptions{
			OnFrame: func(positions map[string]board.Point) {
				logger.Debug("cursor frame", "visible", len(positions))
			},
		})
		defer cursors.Stop()
	}
	conn := client.NewConn(client.ConnOptions{
		Dialer: &client.WebSocketDialer{
			BaseURL: opts.baseURL,
			Token:   opts.token,
			Codec:   frames,
			Logger:  logger,
		},
		WorkspaceID: opts.workspaceID,
		Logger:      logger,
		OnEvent: func(ev broadcast.Event) {
			if cursors != nil {
				cursors.ApplyEvent(ev)
			}
			w.onEvent(ev)
		},
		OnStateChange: func(from, to client.State) {
			logger.Info("sync connection", "from", from.String(), "to", to.String())
		},
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := conn.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		timer := time.NewTimer(client.JitteredInterval(opts.interval, opts.intervalJitter))
		defer timer.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-timer.C:
				if err := w.resync(groupCtx); err != nil && groupCtx.Err() == nil {
					logger.Warn("resync failed", "error", err)
				}
				timer.Reset(client.JitteredInterval(opts.interval, opts.intervalJitter))
			}
		}
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return conn.Close()
	})
	return group.Wait()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
