package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"newsview/internal/derived"
	"newsview/pkg/newsview"
)

const (
	defaultMetricsAddr   = "127.0.0.1:9464"
	defaultFolderMaxSize = 200
	defaultFeedBuffer    = 64
	defaultResolveWorker = 4
	defaultShutdown      = 5 * time.Second
)

// Config holds all newsview CLI configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Feed    FeedConfig    `yaml:"feed"`
	Store   StoreConfig   `yaml:"store"`
	Display DisplayConfig `yaml:"display"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// EngineConfig holds view engine settings.
type EngineConfig struct {
	FolderMaxSize      int           `yaml:"folder_max_size"`
	ResolveConcurrency int           `yaml:"resolve_concurrency"`
	VisibilityFilter   string        `yaml:"visibility_filter"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// FeedConfig holds change feed queueing settings.
type FeedConfig struct {
	Buffer          int           `yaml:"buffer"`
	Backpressure    string        `yaml:"backpressure"`
	ListenerTimeout time.Duration `yaml:"listener_timeout"`
}

// StoreConfig selects the reference store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" | "sqlite"
	DSN    string `yaml:"dsn"`
}

// DisplayConfig holds the derived views applied to listings and folder truncation.
type DisplayConfig struct {
	Mode       string `yaml:"mode"`
	Label      string `yaml:"label"`
	Sort       string `yaml:"sort"`
	Descending bool   `yaml:"descending"`
	Timezone   string `yaml:"timezone"`
}

// MetricsConfig holds the Prometheus listener address.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with an in-memory store and JSON logs.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Engine: EngineConfig{
			FolderMaxSize:      defaultFolderMaxSize,
			ResolveConcurrency: defaultResolveWorker,
			VisibilityFilter:   string(newsview.FilterAll),
			ShutdownTimeout:    defaultShutdown,
		},
		Feed: FeedConfig{
			Buffer:       defaultFeedBuffer,
			Backpressure: string(newsview.BackpressureBlock),
		},
		Store:   StoreConfig{Driver: "memory"},
		Display: DisplayConfig{Mode: string(derived.ModeAll), Sort: string(derived.KeyDate), Descending: true},
		Metrics: MetricsConfig{Addr: defaultMetricsAddr},
	}
}

// LoadConfig reads the YAML config at path over the defaults and applies
// NEWSVIEW_* environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		case len(data) > 0:
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyEnv applies environment variable overrides.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("NEWSVIEW_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("NEWSVIEW_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("NEWSVIEW_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("NEWSVIEW_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("NEWSVIEW_VISIBILITY_FILTER"); v != "" {
		c.Engine.VisibilityFilter = v
	}
	if v := os.Getenv("NEWSVIEW_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("NEWSVIEW_FOLDER_MAX_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid NEWSVIEW_FOLDER_MAX_SIZE %q: %w", v, err)
		}
		c.Engine.FolderMaxSize = size
	}

	return nil
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: log.format must be \"json\" or \"text\", got %q", c.Log.Format)
	}
	if c.Engine.FolderMaxSize <= 0 {
		return fmt.Errorf("config: engine.folder_max_size must be positive, got %d", c.Engine.FolderMaxSize)
	}
	if c.Engine.ResolveConcurrency <= 0 {
		return fmt.Errorf("config: engine.resolve_concurrency must be positive, got %d", c.Engine.ResolveConcurrency)
	}
	if _, err := newsview.ParseVisibilityFilter(c.Engine.VisibilityFilter); err != nil {
		return fmt.Errorf("config: engine.visibility_filter: %w", err)
	}
	if c.Engine.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: engine.shutdown_timeout must be positive, got %v", c.Engine.ShutdownTimeout)
	}
	if c.Feed.Buffer <= 0 {
		return fmt.Errorf("config: feed.buffer must be positive, got %d", c.Feed.Buffer)
	}
	switch newsview.BackpressurePolicy(c.Feed.Backpressure) {
	case newsview.BackpressureBlock, newsview.BackpressureDropNewest, newsview.BackpressureDropOldest:
	default:
		return fmt.Errorf("config: feed.backpressure %q is not supported", c.Feed.Backpressure)
	}
	if c.Feed.ListenerTimeout < 0 {
		return fmt.Errorf("config: feed.listener_timeout must be non-negative, got %v", c.Feed.ListenerTimeout)
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("config: store.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: store.driver must be \"memory\" or \"sqlite\", got %q", c.Store.Driver)
	}
	mode, err := derived.ParseMode(c.Display.Mode)
	if err != nil {
		return fmt.Errorf("config: display.mode: %w", err)
	}
	if mode == derived.ModeLabeled && strings.TrimSpace(c.Display.Label) == "" {
		return errors.New("config: display.label is required for the labeled mode")
	}
	if _, err := derived.ParseSortKey(c.Display.Sort); err != nil {
		return fmt.Errorf("config: display.sort: %w", err)
	}
	if c.Display.Timezone != "" {
		if _, err := time.LoadLocation(c.Display.Timezone); err != nil {
			return fmt.Errorf("config: display.timezone: %w", err)
		}
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func newLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, options))
	}

	return slog.New(slog.NewJSONHandler(w, options))
}
