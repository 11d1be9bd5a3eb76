package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "relayboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Engine, cfg.Engine)
	assert.Equal(t, 256, cfg.Broadcast.BufferSize)
	assert.Equal(t, 5*time.Minute, cfg.Presence.Freshness)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
addr: ":9090"
log:
  level: debug
engine:
  move_interval: 250ms
auth:
  rate_limit_max: 30
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.MoveInterval)
	assert.Equal(t, 10000.0, cfg.Engine.CanvasBound)
	assert.Equal(t, 30, cfg.Auth.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.Auth.RateLimitWindow)
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "addr: \":9090\"\nengine:\n  canvas_bound: 500\n")
	t.Setenv("RELAYBOARD_ADDR", ":7070")
	t.Setenv("RELAYBOARD_CANVAS_BOUND", "not-a-number")
	t.Setenv("RELAYBOARD_MOVE_INTERVAL", "50ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, 500.0, cfg.Engine.CanvasBound)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.MoveInterval)
}

func TestLoadRejectsUnknownFieldsAndBadValues(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(writeConfig(t, dir, "adress: \":1\"\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, dir, "log:\n  level: loud\n"))
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestStoreDSNProfiles(t *testing.T) {
	cases := []struct {
		storage StorageConfig
		want    string
		wantErr bool
	}{
		{storage: StorageConfig{}, want: ""},
		{storage: StorageConfig{Profile: "memory"}, want: ""},
		{storage: StorageConfig{Profile: "durable-local", DataDir: "data"}, want: "sqlite://" + filepath.Join("data", "board.db")},
		{storage: StorageConfig{Profile: "snapshot"}, want: "file://" + filepath.Join(".relayboard", "board.json")},
		{storage: StorageConfig{Profile: "production", ProductionDSN: "postgres://db/board"}, want: "postgres://db/board"},
		{storage: StorageConfig{Profile: "production"}, wantErr: true},
		{storage: StorageConfig{Profile: "durable-local", DSN: "memory://"}, want: "memory://"},
		{storage: StorageConfig{Profile: "cloud"}, wantErr: true},
	}
	for _, tc := range cases {
		cfg := Default()
		cfg.Storage = tc.storage
		got, err := cfg.StoreDSN()
		if tc.wantErr {
			assert.Error(t, err, tc.storage.Profile)
			continue
		}
		require.NoError(t, err, tc.storage.Profile)
		assert.Equal(t, tc.want, got)
	}
}

func TestBlobDirFollowsProfile(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.BlobDir())
	cfg.Storage.Profile = "durable-local"
	assert.Equal(t, filepath.Join(".relayboard", "blobs"), cfg.BlobDir())
	cfg.Blobs.Dir = "/srv/blobs"
	assert.Equal(t, "/srv/blobs", cfg.BlobDir())
}

func TestEnvHelpersFallBack(t *testing.T) {
	t.Setenv("RELAYBOARD_TEST_INT", "42")
	t.Setenv("RELAYBOARD_TEST_INT_BAD", "many")
	t.Setenv("RELAYBOARD_TEST_DURATION_BAD", "soon")
	assert.Equal(t, 42, intEnv("RELAYBOARD_TEST_INT", 7))
	assert.Equal(t, 7, intEnv("RELAYBOARD_TEST_INT_BAD", 7))
	assert.Equal(t, 2*time.Second, durationEnv("RELAYBOARD_TEST_DURATION_BAD", 2*time.Second))
	assert.Equal(t, 3*time.Second, durationEnv("RELAYBOARD_TEST_DURATION_UNSET", 3*time.Second))
}

func TestWatchLevelAppliesReloadedLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log:\n  level: info\n")
	var level slog.LevelVar
	level.Set(slog.LevelInfo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchLevel(ctx, path, &level, slog.New(slog.DiscardHandler)) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644)
		return level.Level() == slog.LevelDebug
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
