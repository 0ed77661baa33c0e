// Package config loads the service configuration: compiled defaults, then
// an optional TOML file, then a .env file and PLAYER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/aposazhennikov/music-player-service/playlist"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLAYER_"

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Library LibraryConfig `koanf:"library"`
	Player  PlayerConfig  `koanf:"player"`
	Service ServiceConfig `koanf:"service"`
	Log     LogConfig     `koanf:"log"`
	Sentry  SentryConfig  `koanf:"sentry"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LibraryConfig struct {
	DBPath           string        `koanf:"db_path"`
	ScanDirectories  []string      `koanf:"scan_directories"`
	SupportedFormats []string      `koanf:"supported_formats"`
	Watch            bool          `koanf:"watch"`
	WatchDebounce    time.Duration `koanf:"watch_debounce"`
}

type PlayerConfig struct {
	DefaultPlayMode string  `koanf:"default_play_mode"`
	AutoPlayNext    bool    `koanf:"auto_play_next"`
	Volume          float64 `koanf:"volume"` // Linear gain, 1 is unchanged.
	// Sink is "discard", "stdout" or a file path receiving raw PCM.
	Sink            string        `koanf:"sink"`
	Realtime        bool          `koanf:"realtime"`
	Normalize       bool          `koanf:"normalize"`
	PrepareTimeout  time.Duration `koanf:"prepare_timeout"`
	ResetSettle     time.Duration `koanf:"reset_settle"`
	PrepareSettle   time.Duration `koanf:"prepare_settle"`
	StopSettle      time.Duration `koanf:"stop_settle"`
	StopTimeout     time.Duration `koanf:"stop_timeout"`
	MaxErrorRetries int           `koanf:"max_error_retries"`
}

type ServiceConfig struct {
	EventQueueSize    int           `koanf:"event_queue_size"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	NextThrottle      time.Duration `koanf:"next_throttle"`
}

type LogConfig struct {
	Level           string `koanf:"level"`
	Format          string `koanf:"format"`
	DisableSampling bool   `koanf:"disable_sampling"`
}

type SentryConfig struct {
	DSN         string `koanf:"dsn"`
	Environment string `koanf:"environment"`
	Release     string `koanf:"release"`
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ShutdownTimeout: 10 * time.Second,
		},
		Library: LibraryConfig{
			DBPath:           "./data/music_library.db",
			ScanDirectories:  []string{"./music"},
			SupportedFormats: append([]string(nil), playlist.DefaultExtensions...),
			Watch:            true,
			WatchDebounce:    time.Second,
		},
		Player: PlayerConfig{
			DefaultPlayMode: playlist.Sequential.String(),
			AutoPlayNext:    true,
			Volume:          1,
			Sink:            "discard",
			Realtime:        true,
			PrepareTimeout:  5 * time.Second,
			ResetSettle:     200 * time.Millisecond,
			PrepareSettle:   500 * time.Millisecond,
			StopSettle:      50 * time.Millisecond,
			StopTimeout:     3 * time.Second,
			MaxErrorRetries: 3,
		},
		Service: ServiceConfig{
			EventQueueSize:    256,
			HeartbeatInterval: 5 * time.Second,
			NextThrottle:      200 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Sentry: SentryConfig{
			Environment: "development",
			Release:     "music-player-service@1.0.0",
		},
	}
}

// Load builds the configuration. An empty path or a missing file leaves
// the defaults in place; a file that exists but does not parse is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			k := koanf.New(".")
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
			if err := k.Unmarshal("", cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Library.ScanDirectories = expandPaths(cfg.Library.ScanDirectories)
	cfg.Library.DBPath = expandPath(cfg.Library.DBPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if _, err := playlist.ParsePlayMode(c.Player.DefaultPlayMode); err != nil {
		return fmt.Errorf("player.default_play_mode: %w", err)
	}
	if c.Player.Volume < 0 {
		return fmt.Errorf("player.volume must not be negative, got %v", c.Player.Volume)
	}
	if c.Player.MaxErrorRetries < 0 {
		return fmt.Errorf("player.max_error_retries must not be negative, got %d", c.Player.MaxErrorRetries)
	}
	if c.Service.EventQueueSize <= 0 {
		return fmt.Errorf("service.event_queue_size must be positive, got %d", c.Service.EventQueueSize)
	}
	if c.Service.HeartbeatInterval <= 0 {
		return fmt.Errorf("service.heartbeat_interval must be positive, got %s", c.Service.HeartbeatInterval)
	}
	if c.Library.DBPath == "" {
		return errors.New("library.db_path is required")
	}
	return nil
}

// PlayMode returns the parsed default play mode.
func (c *Config) PlayMode() playlist.PlayMode {
	mode, err := playlist.ParsePlayMode(c.Player.DefaultPlayMode)
	if err != nil {
		return playlist.Sequential
	}
	return mode
}

// applyEnv overrides settings from PLAYER_* variables.
func applyEnv(cfg *Config) error {
	strVars := map[string]*string{
		"ADDR":              &cfg.Server.Addr,
		"DB_PATH":           &cfg.Library.DBPath,
		"DEFAULT_PLAY_MODE": &cfg.Player.DefaultPlayMode,
		"SINK":              &cfg.Player.Sink,
		"LOG_LEVEL":         &cfg.Log.Level,
		"LOG_FORMAT":        &cfg.Log.Format,
		"SENTRY_DSN":        &cfg.Sentry.DSN,
		"ENV":               &cfg.Sentry.Environment,
	}
	for name, dst := range strVars {
		if v, ok := lookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := lookupEnv("SCAN_DIRECTORIES"); ok {
		cfg.Library.ScanDirectories = splitList(v)
	}
	if v, ok := lookupEnv("SUPPORTED_FORMATS"); ok {
		cfg.Library.SupportedFormats = splitList(v)
	}

	boolVars := map[string]*bool{
		"WATCH":            &cfg.Library.Watch,
		"AUTO_PLAY_NEXT":   &cfg.Player.AutoPlayNext,
		"REALTIME":         &cfg.Player.Realtime,
		"NORMALIZE":        &cfg.Player.Normalize,
		"DISABLE_SAMPLING": &cfg.Log.DisableSampling,
	}
	for name, dst := range boolVars {
		if v, ok := lookupEnv(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}

	durVars := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":   &cfg.Server.ShutdownTimeout,
		"WATCH_DEBOUNCE":     &cfg.Library.WatchDebounce,
		"PREPARE_TIMEOUT":    &cfg.Player.PrepareTimeout,
		"RESET_SETTLE":       &cfg.Player.ResetSettle,
		"PREPARE_SETTLE":     &cfg.Player.PrepareSettle,
		"STOP_SETTLE":        &cfg.Player.StopSettle,
		"STOP_TIMEOUT":       &cfg.Player.StopTimeout,
		"HEARTBEAT_INTERVAL": &cfg.Service.HeartbeatInterval,
		"NEXT_THROTTLE":      &cfg.Service.NextThrottle,
	}
	for name, dst := range durVars {
		if v, ok := lookupEnv(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	intVars := map[string]*int{
		"MAX_ERROR_RETRIES": &cfg.Player.MaxErrorRetries,
		"EVENT_QUEUE_SIZE":  &cfg.Service.EventQueueSize,
	}
	for name, dst := range intVars {
		if v, ok := lookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	if v, ok := lookupEnv("VOLUME"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sVOLUME: %w", EnvPrefix, err)
		}
		cfg.Player.Volume = f
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func expandPaths(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = expandPath(p)
	}
	return out
}

func expandPath(path string) string {
	if path != "" && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
