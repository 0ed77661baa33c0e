package sentry_helper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Options configures Sentry reporting. An empty DSN disables it.
type Options struct {
	DSN         string
	Environment string
	Release     string
}

// SentryHelper provides safe and optional Sentry operations.
type SentryHelper struct {
	enabled bool
	logger  *slog.Logger
}

// NewSentryHelper creates a new SentryHelper instance.
func NewSentryHelper(enabled bool, logger *slog.Logger) *SentryHelper {
	if logger == nil {
		logger = slog.Default()
	}
	return &SentryHelper{
		enabled: enabled,
		logger:  logger,
	}
}

// Init initializes the Sentry client when opts.DSN is set and returns a
// helper. Without a DSN the helper is a no-op.
func Init(opts Options, logger *slog.Logger) (*SentryHelper, error) {
	if opts.DSN == "" {
		return NewSentryHelper(false, logger), nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
	})
	if err != nil {
		return NewSentryHelper(false, logger), fmt.Errorf("sentry init: %w", err)
	}
	return NewSentryHelper(true, logger), nil
}

// IsEnabled returns whether Sentry is enabled.
func (h *SentryHelper) IsEnabled() bool {
	return h.enabled
}

// CaptureExceptionWithContext captures an exception with additional context.
func (h *SentryHelper) CaptureExceptionWithContext(err error, tags map[string]string, extra map[string]interface{}) {
	if !h.enabled || err == nil {
		return
	}

	// Clone hub to avoid data races in goroutines.
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		for key, value := range extra {
			scope.SetExtra(key, value)
		}
		hub.CaptureException(err)
	})
}

// CaptureError captures an error tagged with the component and operation.
func (h *SentryHelper) CaptureError(err error, component string, operation string) {
	if !h.enabled || err == nil {
		return
	}

	tags := map[string]string{
		"component": component,
		"operation": operation,
	}
	h.CaptureExceptionWithContext(err, tags, nil)
}

// CaptureTrackFailure records a track that could not be played.
func (h *SentryHelper) CaptureTrackFailure(trackPath string, reason string) {
	if !h.enabled {
		return
	}

	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("component", "service")
		scope.SetTag("operation", "quarantine")
		scope.SetContext("track", map[string]interface{}{
			"path":   trackPath,
			"reason": reason,
		})
		hub.CaptureMessage("track quarantined")
	})
}

// AddBreadcrumb adds a breadcrumb to track the path to an error.
func (h *SentryHelper) AddBreadcrumb(category, message string, data map[string]interface{}) {
	if !h.enabled || message == "" {
		return
	}

	// Breadcrumbs go to the shared hub so later captures include them.
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Level:     sentry.LevelInfo,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// SafeFlush safely flushes Sentry events with timeout.
func (h *SentryHelper) SafeFlush(timeout time.Duration) {
	if !h.enabled {
		return
	}

	if !sentry.Flush(timeout) {
		h.logger.Warn("Sentry flush timeout", "timeout", timeout)
	}
}
