// Package config loads server configuration from an optional YAML file
// overlaid with RELAYBOARD_* environment variables. Environment values win.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr      string          `yaml:"addr"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Blobs     BlobConfig      `yaml:"blobs"`
	Auth      AuthConfig      `yaml:"auth"`
	Engine    EngineConfig    `yaml:"engine"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Presence  PresenceConfig  `yaml:"presence"`
	// MaxBodyBytes bounds JSON request bodies. Image uploads use
	// Blobs.MaxBytes.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects the note store. DSN wins over Profile.
type StorageConfig struct {
	Profile       string `yaml:"profile"`
	DSN           string `yaml:"dsn"`
	DataDir       string `yaml:"data_dir"`
	ProductionDSN string `yaml:"production_dsn"`
}

type BlobConfig struct {
	Dir      string `yaml:"dir"`
	BaseURL  string `yaml:"base_url"`
	MaxBytes int    `yaml:"max_bytes"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

type EngineConfig struct {
	CanvasBound     float64       `yaml:"canvas_bound"`
	MoveEpsilon     float64       `yaml:"move_epsilon"`
	MaxContentRunes int           `yaml:"max_content_runes"`
	MoveInterval    time.Duration `yaml:"move_interval"`
}

type BroadcastConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

type PresenceConfig struct {
	Freshness time.Duration `yaml:"freshness"`
}

func Default() Config {
	return Config{
		Addr: ":8080",
		Log:  LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{
			DataDir: ".relayboard",
		},
		Blobs: BlobConfig{
			BaseURL:  "/blobs",
			MaxBytes: 10 << 20,
		},
		Auth: AuthConfig{
			RateLimitWindow: time.Minute,
		},
		Engine: EngineConfig{
			CanvasBound:     10000,
			MoveEpsilon:     0.5,
			MaxContentRunes: 2000,
			MoveInterval:    100 * time.Millisecond,
		},
		Broadcast:    BroadcastConfig{BufferSize: 256},
		Presence:     PresenceConfig{Freshness: 5 * time.Minute},
		MaxBodyBytes: 1 << 20,
	}
}

// Load reads path (when non-empty) over the defaults and then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// ApplyEnv overlays RELAYBOARD_* variables. Unparseable values are logged
// and ignored.
func ApplyEnv(cfg *Config) {
	cfg.Addr = stringEnv("RELAYBOARD_ADDR", cfg.Addr)
	cfg.Log.Level = stringEnv("RELAYBOARD_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = stringEnv("RELAYBOARD_LOG_FORMAT", cfg.Log.Format)
	cfg.Storage.Profile = stringEnv("RELAYBOARD_BACKEND_PROFILE", cfg.Storage.Profile)
	cfg.Storage.DSN = stringEnv("RELAYBOARD_STORE_DSN", cfg.Storage.DSN)
	cfg.Storage.DataDir = stringEnv("RELAYBOARD_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.ProductionDSN = stringEnv("RELAYBOARD_PRODUCTION_DSN", stringEnv("RELAYBOARD_POSTGRES_DSN", cfg.Storage.ProductionDSN))
	cfg.Blobs.Dir = stringEnv("RELAYBOARD_BLOB_DIR", cfg.Blobs.Dir)
	cfg.Blobs.BaseURL = stringEnv("RELAYBOARD_BLOB_BASE_URL", cfg.Blobs.BaseURL)
	cfg.Blobs.MaxBytes = intEnv("RELAYBOARD_BLOB_MAX_BYTES", cfg.Blobs.MaxBytes)
	cfg.Auth.JWTSecret = stringEnv("RELAYBOARD_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.RateLimitMax = intEnv("RELAYBOARD_RATE_LIMIT_MAX", cfg.Auth.RateLimitMax)
	cfg.Auth.RateLimitWindow = durationEnv("RELAYBOARD_RATE_LIMIT_WINDOW", cfg.Auth.RateLimitWindow)
	cfg.Engine.CanvasBound = floatEnv("RELAYBOARD_CANVAS_BOUND", cfg.Engine.CanvasBound)
	cfg.Engine.MoveEpsilon = floatEnv("RELAYBOARD_MOVE_EPSILON", cfg.Engine.MoveEpsilon)
	cfg.Engine.MaxContentRunes = intEnv("RELAYBOARD_MAX_CONTENT_RUNES", cfg.Engine.MaxContentRunes)
	cfg.Engine.MoveInterval = durationEnv("RELAYBOARD_MOVE_INTERVAL", cfg.Engine.MoveInterval)
	cfg.Broadcast.BufferSize = intEnv("RELAYBOARD_BROADCAST_BUFFER", cfg.Broadcast.BufferSize)
	cfg.Presence.Freshness = durationEnv("RELAYBOARD_CURSOR_FRESHNESS", cfg.Presence.Freshness)
	cfg.MaxBodyBytes = int64Env("RELAYBOARD_MAX_BODY_BYTES", cfg.MaxBodyBytes)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}
	if c.Engine.CanvasBound <= 0 {
		errs = append(errs, errors.New("engine.canvas_bound must be positive"))
	}
	if c.Engine.MoveEpsilon < 0 {
		errs = append(errs, errors.New("engine.move_epsilon must not be negative"))
	}
	if _, err := c.StoreDSN(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StoreDSN resolves the note store DSN from Storage. An empty result means
// in-memory storage.
func (c Config) StoreDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Storage.DSN); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = ".relayboard"
	}
	switch profile {
	case "", "custom", "memory", "inmemory":
		return "", nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "board.db"), nil
	case "snapshot":
		return "file://" + filepath.Join(dataDir, "board.json"), nil
	case "production", "prod":
		if dsn := strings.TrimSpace(c.Storage.ProductionDSN); dsn != "" {
			return dsn, nil
		}
		return "", fmt.Errorf("storage.production_dsn or RELAYBOARD_PRODUCTION_DSN is required for profile %s", profile)
	default:
		return "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}

// BlobDir resolves where uploaded images live; empty keeps them in memory.
func (c Config) BlobDir() string {
	if dir := strings.TrimSpace(c.Blobs.Dir); dir != "" {
		return dir
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Profile)) {
	case "durable-local", "local-durable", "snapshot", "production", "prod":
		dataDir := strings.TrimSpace(c.Storage.DataDir)
		if dataDir == "" {
			dataDir = ".relayboard"
		}
		return filepath.Join(dataDir, "blobs")
	}
	return ""
}

func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid number in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration in environment, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
