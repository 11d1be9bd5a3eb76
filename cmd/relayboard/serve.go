package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relayboard/internal/blob"
	"github.com/agentworkforce/relayboard/internal/board"
	"github.com/agentworkforce/relayboard/internal/broadcast"
	"github.com/agentworkforce/relayboard/internal/collab"
	"github.com/agentworkforce/relayboard/internal/config"
	"github.com/agentworkforce/relayboard/internal/engine"
	"github.com/agentworkforce/relayboard/internal/httpapi"
	"github.com/agentworkforce/relayboard/internal/metrics"
	"github.com/agentworkforce/relayboard/internal/presence"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(state *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the board API and sync endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := state.cfg
			if strings.TrimSpace(addr) != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
			defer stop()
			return serve(ctx, cfg, state.configPath, state.level, slog.Default())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// stack is the wired server: storage, fan-out and the HTTP surface.
type stack struct {
	handler  http.Handler
	accessor board.Accessor
	metrics  *metrics.Metrics
	dsn      string
}

func buildStack(cfg config.Config, logger *slog.Logger) (*stack, error) {
	dsn, err := cfg.StoreDSN()
	if err != nil {
		return nil, err
	}
	accessor, err := board.BuildAccessorFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("open note store: %w", err)
	}

	var blobs blob.Store
	if dir := cfg.BlobDir(); dir != "" {
		store, err := blob.NewFileStore(dir, cfg.Blobs.BaseURL, cfg.Blobs.MaxBytes)
		if err != nil {
			_ = board.CloseAccessor(accessor)
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		blobs = store
	} else {
		blobs = blob.NewMemoryStore(cfg.Blobs.BaseURL)
	}

	m := metrics.New()
	router := broadcast.NewRouter(broadcast.Options{
		Presence:   presence.NewTracker(nil, cfg.Presence.Freshness),
		Logger:     logger,
		Observer:   m,
		BufferSize: cfg.Broadcast.BufferSize,
	})
	eng := engine.New(engine.Options{
		Accessor:        accessor,
		Blobs:           blobs,
		Logger:          logger,
		Limiter:         engine.NewMoveLimiter(nil, cfg.Engine.MoveInterval),
		CanvasBound:     cfg.Engine.CanvasBound,
		MoveEpsilon:     cfg.Engine.MoveEpsilon,
		MaxContentRunes: cfg.Engine.MaxContentRunes,
	})
	service := collab.NewService(collab.Options{
		Engine:  eng,
		Router:  router,
		Metrics: m,
		Logger:  logger,
	})
	server := httpapi.NewServerWithConfig(service, blobs, httpapi.ServerConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		RateLimitMax:    cfg.Auth.RateLimitMax,
		RateLimitWindow: cfg.Auth.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		MaxUploadBytes:  int64(cfg.Blobs.MaxBytes),
		Logger:          logger,
		Metrics:         m,
	})
	return &stack{handler: server, accessor: accessor, metrics: m, dsn: dsn}, nil
}

func (s *stack) Close() error {
	return board.CloseAccessor(s.accessor)
}

// serve blocks until ctx is cancelled or the listener fails. When a config
// path is set, log level changes in that file apply without a restart.
func serve(ctx context.Context, cfg config.Config, configPath string, level *slog.LevelVar, logger *slog.Logger) error {
	st, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing note store failed", "error", err)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           st.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return groupCtx },
	}

	group.Go(func() error {
		storage := st.dsn
		if storage == "" {
			storage = "memory"
		}
		logger.Info("relayboard listening", "addr", cfg.Addr, "storage", storage)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("relayboard shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	if strings.TrimSpace(configPath) != "" && level != nil {
		group.Go(func() error {
			return config.WatchLevel(groupCtx, configPath, level, logger)
		})
	}
	return group.Wait()
}
