package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogsampling "github.com/samber/slog-sampling"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// Config holds the logger configuration.
type Config struct {
	Level                 LogLevel
	Format                string // "json" or "text".
	Output                io.Writer
	DisableSampling       bool
	ThresholdSamplingTick time.Duration
	ThresholdSamplingMax  uint64
	ThresholdSamplingRate float64
	EnableCustomSampling  bool
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:                 LevelInfo,
		Format:                "json",
		Output:                os.Stdout,
		DisableSampling:       false,
		ThresholdSamplingTick: 5 * time.Second,
		ThresholdSamplingMax:  10,   // Allow first 10 identical messages.
		ThresholdSamplingRate: 0.05, // Then only 5% of subsequent messages.
		EnableCustomSampling:  false,
	}
}

// NewLogger creates a new configured logger with sampling.
func NewLogger(config *Config) *slog.Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: ParseLevel(string(config.Level)),
	}
	var baseHandler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		baseHandler = slog.NewTextHandler(out, opts)
	} else {
		baseHandler = slog.NewJSONHandler(out, opts)
	}

	if config.DisableSampling {
		return slog.New(baseHandler)
	}

	if config.EnableCustomSampling {
		// Position and heartbeat chatter is sampled hard; state changes and errors are not.
		customSamplingOption := slogsampling.CustomSamplingOption{
			Sampler: func(ctx context.Context, record slog.Record) float64 {
				switch {
				case record.Level >= slog.LevelWarn:
					return 1.0 // Always log warnings and errors.
				case record.Level >= slog.LevelInfo:
					return 0.5
				default:
					return 0.05
				}
			},
		}
		return slog.New(
			slogmulti.
				Pipe(customSamplingOption.NewMiddleware()).
				Handler(baseHandler),
		)
	}

	// Threshold sampling: allow the first N identical messages per tick, then apply rate.
	thresholdOption := slogsampling.ThresholdSamplingOption{
		Tick:      config.ThresholdSamplingTick,
		Threshold: config.ThresholdSamplingMax,
		Rate:      config.ThresholdSamplingRate,
		Matcher:   slogsampling.MatchByLevelAndMessage(),
	}

	// Errors bypass sampling entirely.
	return slog.New(
		slogmulti.Router().
			Add(baseHandler, func(_ context.Context, r slog.Record) bool { return r.Level >= slog.LevelError }).
			Add(slogmulti.Pipe(thresholdOption.NewMiddleware()).Handler(baseHandler),
				func(_ context.Context, r slog.Record) bool { return r.Level < slog.LevelError }).
			Handler(),
	)
}

// ParseLevel converts a level name to slog.Level. Unknown names map to INFO.
func ParseLevel(level string) slog.Level {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(level))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning, "WARN":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent adds a component field to the logger for better categorization.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// LogPlaybackEvent logs playback-related events with consistent fields.
func LogPlaybackEvent(logger *slog.Logger, level slog.Level, msg string, trackPath string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("track", trackPath),
		slog.String("event_type", "playback"),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(context.Background(), level, msg, allAttrs...)
}

// LogCommandEvent logs remote command handling with consistent fields.
func LogCommandEvent(logger *slog.Logger, level slog.Level, msg string, command string, requestID string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("command", command),
		slog.String("request_id", requestID),
		slog.String("event_type", "command"),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(context.Background(), level, msg, allAttrs...)
}

// LogConfigEvent logs configuration-related events.
func LogConfigEvent(logger *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	allAttrs := []slog.Attr{
		slog.String("event_type", "config"),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(context.Background(), level, msg, allAttrs...)
}
