package library

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aposazhennikov/music-player-service/logger"
	"github.com/aposazhennikov/music-player-service/playlist"
)

// DefaultDebounce is how long Watch waits for a burst of changes to settle.
const DefaultDebounce = time.Second

// Change lists the audio files created or removed during one debounce window.
type Change struct {
	Created []string
	Removed []string
}

// Watcher reports audio files appearing in or disappearing from a set of
// directory trees.
type Watcher struct {
	watcher    *fsnotify.Watcher
	extensions []string
	debounce   time.Duration
	logger     *slog.Logger
	onError    func(error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the settle time. Zero reports every event on its own.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithErrorHandler receives watcher errors, for example to report them.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher watches every directory under dirs.
func NewWatcher(dirs []string, extensions []string, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if len(extensions) == 0 {
		extensions = playlist.DefaultExtensions
	}
	w := &Watcher{
		watcher:    fw,
		extensions: extensions,
		debounce:   DefaultDebounce,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logger.WithComponent(w.logger, "watcher")

	for _, dir := range dirs {
		if err := w.addTree(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("watch %s: %w", root, err)
			}
			return filepath.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Run delivers changes to onChange until ctx is done. It closes the
// underlying watcher before returning.
func (w *Watcher) Run(ctx context.Context, onChange func(Change)) {
	defer w.watcher.Close()

	var pending Change
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	flush := func() {
		if len(pending.Created) == 0 && len(pending.Removed) == 0 {
			return
		}
		w.logger.Info("Change detected in music directories",
			slog.Int("created", len(pending.Created)),
			slog.Int("removed", len(pending.Removed)))
		onChange(pending)
		pending = Change{}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				// New subdirectories are watched too.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("Failed to watch new directory",
							slog.String("path", event.Name), slog.String("error", err.Error()))
					}
				}
			}
			if !playlist.IsAudioFile(event.Name, w.extensions) {
				continue
			}
			switch {
			case event.Op&fsnotify.Create != 0:
				pending.Created = append(pending.Created, event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				pending.Removed = append(pending.Removed, event.Name)
			default:
				continue
			}

			if w.debounce <= 0 {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			flush()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", slog.String("error", err.Error()))
			if w.onError != nil {
				w.onError(fmt.Errorf("fsnotify error: %w", err))
			}
		}
	}
}

// Close stops watching. Run closes the watcher itself on return.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Apply writes a change to the catalog: created files are read and added,
// removed files are deleted. It returns the playable tracks that were added.
func (l *Library) Apply(ctx context.Context, ch Change) ([]playlist.Track, error) {
	var added []playlist.Track
	for _, path := range ch.Created {
		if bad, err := l.IsBad(ctx, path); err != nil || bad {
			continue
		}
		track := ReadTrack(path)
		if _, err := l.AddTrack(ctx, track); err != nil {
			return added, err
		}
		added = append(added, track)
	}
	for _, path := range ch.Removed {
		if err := l.DeleteByPath(ctx, path); err != nil {
			return added, err
		}
	}
	return added, nil
}
