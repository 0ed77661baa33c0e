// Package playback drives a single-track audio engine from a playlist.
//
// The Controller owns the authoritative playback state. The engine reports
// state changes on its own goroutine; the controller never calls the engine
// from that goroutine. Work that follows a state change, such as moving to
// the next track, is handed to the event sink and performed later by the
// goroutine that drains it.
//
// Two locks are involved. The state lock (mu) guards the state, the flags
// and the playlist. The engine lock (engineMu) serializes engine calls.
// Command code only reaches the engine through withEngine, which releases
// the state lock before taking the engine lock, so the two are never held
// together and the engine callback can always take the state lock.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aposazhennikov/music-player-service/logger"
	"github.com/aposazhennikov/music-player-service/player"
	"github.com/aposazhennikov/music-player-service/playlist"
)

var (
	ErrInvalidState    = errors.New("operation not valid in current state")
	ErrEmptyPlaylist   = errors.New("playlist is empty")
	ErrNoNextTrack     = errors.New("no next track")
	ErrNoPreviousTrack = errors.New("no previous track")
	ErrInvalidIndex    = errors.New("track index out of range")
)

// Controller is the playback state machine. Commands are expected to come
// from a single goroutine; accessors may be called from anywhere.
type Controller struct {
	logger *slog.Logger
	timing Timing
	engine player.Engine

	// engineMu serializes every call into engine.
	engineMu sync.Mutex

	// mu is the state lock.
	mu            sync.Mutex
	playlist      *playlist.Manager
	state         State
	stateChanged  chan struct{}
	transitioning bool
	awaitingStart bool
	starting      bool
	startFault    bool
	// startReported is set when a failed start was reported before the
	// engine's own Error callback arrived; that callback is then ignored.
	startReported bool
	errorRetries  int
	autoPlayNext  bool
	pending       []Event

	// emitMu keeps events in production order across goroutines.
	emitMu sync.Mutex
	sink   EventSink
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTiming overrides DefaultTiming.
func WithTiming(t Timing) Option {
	return func(c *Controller) {
		c.timing = t
	}
}

// WithAutoPlayNext sets whether a naturally ended track emits TrackEnded.
func WithAutoPlayNext(enabled bool) Option {
	return func(c *Controller) {
		c.autoPlayNext = enabled
	}
}

// New creates a controller that owns engine and pl.
func New(engine player.Engine, pl *playlist.Manager, opts ...Option) *Controller {
	c := &Controller{
		logger:       slog.Default(),
		timing:       DefaultTiming(),
		engine:       engine,
		playlist:     pl,
		state:        StateIdle,
		stateChanged: make(chan struct{}),
		autoPlayNext: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.WithComponent(c.logger, "playback")
	return c
}

// Initialize installs the state callback and initializes the engine.
func (c *Controller) Initialize() error {
	c.engine.SetStateCallback(c.onEngineState)

	c.engineMu.Lock()
	err := c.engine.Initialize()
	c.engineMu.Unlock()
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	return nil
}

// SetEventSink installs the receiver of controller events.
func (c *Controller) SetEventSink(sink EventSink) {
	c.emitMu.Lock()
	c.sink = sink
	c.emitMu.Unlock()
}

// withEngine runs fn with the engine lock held and the state lock released.
// The caller must hold c.mu and holds it again when withEngine returns.
// State read before the call may be stale afterwards.
func (c *Controller) withEngine(fn func(e player.Engine) error) error {
	c.mu.Unlock()
	defer c.mu.Lock()

	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	return fn(c.engine)
}

// do runs fn under the state lock and delivers the events it queued.
func (c *Controller) do(fn func() error) error {
	c.mu.Lock()
	err := fn()
	c.mu.Unlock()
	c.flush()
	return err
}

func (c *Controller) queueLocked(ev Event) {
	ev.Time = time.Now()
	c.pending = append(c.pending, ev)
}

// flush hands queued events to the sink. It must be called without c.mu held.
func (c *Controller) flush() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	events := c.pending
	c.pending = nil
	c.mu.Unlock()

	if c.sink == nil {
		return
	}
	for _, ev := range events {
		c.sink(ev)
	}
}

// broadcastLocked wakes every waiter in waitForLocked.
func (c *Controller) broadcastLocked() {
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
}

// waitForLocked waits until cond holds for the current state or timeout
// elapses. The caller holds c.mu; it is released while waiting.
func (c *Controller) waitForLocked(timeout time.Duration, cond func(State) bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for !cond(c.state) {
		changed := c.stateChanged
		c.mu.Unlock()
		select {
		case <-changed:
			c.mu.Lock()
		case <-timer.C:
			c.mu.Lock()
			return cond(c.state)
		}
	}
	return true
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// Play starts the current track, or resumes it when paused.
func (c *Controller) Play() error {
	return c.do(func() error {
		switch c.state {
		case StatePlaying:
			return nil
		case StatePaused:
			return c.resumeLocked()
		}
		if c.playlist.Len() == 0 {
			return ErrEmptyPlaylist
		}
		if !c.state.canStart() {
			return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, c.state)
		}
		return c.startCurrentTrackLocked()
	})
}

// PlayTrack jumps to the track at index and starts it.
func (c *Controller) PlayTrack(index int) error {
	return c.do(func() error {
		if !c.playlist.SeekTo(index) {
			return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
		}
		if c.state == StatePlaying || c.state == StatePaused {
			c.transitioning = true
			c.safeStopLocked()
		}

		err := c.startCurrentTrackLocked()
		// If the engine has not reported yet, its Playing or Error report clears the flag.
		if err != nil || !c.state.settled() {
			c.transitioning = false
		}
		return err
	})
}

// Next skips to the following track according to the play mode.
func (c *Controller) Next() error {
	return c.do(func() error {
		if !c.playlist.HasNext() {
			c.queueLocked(Event{Type: EventPlaylistEnded, Info: "reached end of playlist"})
			return ErrNoNextTrack
		}
		return c.switchLocked(c.playlist.Next, ErrNoNextTrack)
	})
}

// Prev goes back to the previous track according to the play mode.
func (c *Controller) Prev() error {
	return c.do(func() error {
		if !c.playlist.HasPrev() {
			c.queueLocked(Event{Type: EventPlaylistEnded, Info: "reached start of playlist"})
			return ErrNoPreviousTrack
		}
		return c.switchLocked(c.playlist.Prev, ErrNoPreviousTrack)
	})
}

func (c *Controller) switchLocked(move func() bool, refused error) error {
	c.transitioning = true
	defer func() { c.transitioning = false }()

	c.safeStopLocked()
	if !move() {
		return refused
	}
	return c.startCurrentTrackLocked()
}

// Pause pauses a playing track.
func (c *Controller) Pause() error {
	return c.do(func() error {
		if c.state != StatePlaying {
			return fmt.Errorf("%w: pause requires playing, state is %s", ErrInvalidState, c.state)
		}
		if err := c.engineCallLocked("pause", func(e player.Engine) error { return e.Pause() }); err != nil {
			return err
		}
		c.awaitLeaving(StatePlaying, "pause")
		return nil
	})
}

// Resume continues a paused track.
func (c *Controller) Resume() error {
	return c.do(c.resumeLocked)
}

func (c *Controller) resumeLocked() error {
	if c.state != StatePaused {
		return fmt.Errorf("%w: resume requires paused, state is %s", ErrInvalidState, c.state)
	}
	if err := c.engineCallLocked("resume", func(e player.Engine) error { return e.Resume() }); err != nil {
		return err
	}
	c.awaitLeaving(StatePaused, "resume")
	return nil
}

// awaitLeaving waits a bounded time for the engine to report a state other
// than from, so a following command sees the result of this one.
func (c *Controller) awaitLeaving(from State, op string) {
	if !c.waitForLocked(c.timing.StopTimeout, func(s State) bool { return s != from }) {
		c.logger.Warn("Timed out waiting for engine state change",
			slog.String("operation", op),
			slog.Duration("timeout", c.timing.StopTimeout))
	}
}

// Seek moves the play position of the current track.
func (c *Controller) Seek(ms int) error {
	return c.do(func() error {
		if c.state != StatePlaying && c.state != StatePaused {
			return fmt.Errorf("%w: seek requires playing or paused, state is %s", ErrInvalidState, c.state)
		}
		if ms < 0 {
			return fmt.Errorf("%w: negative seek position %d", ErrInvalidState, ms)
		}
		return c.engineCallLocked("seek", func(e player.Engine) error { return e.Seek(ms) })
	})
}

// engineCallLocked performs a simple engine call and reports its failure.
func (c *Controller) engineCallLocked(op string, fn func(e player.Engine) error) error {
	if err := c.withEngine(fn); err != nil {
		c.logger.Warn("Engine call failed", slog.String("operation", op), slog.String("error", err.Error()))
		c.queueLocked(Event{Type: EventErrorOccurred, Info: op + " failed: " + err.Error(), Path: c.currentPathLocked()})
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Stop stops playback. Stopping an idle or stopped controller succeeds.
func (c *Controller) Stop() error {
	return c.do(func() error {
		if c.state.settled() {
			return nil
		}
		c.transitioning = true
		c.safeStopLocked()
		c.transitioning = false
		return nil
	})
}

// safeStopLocked stops the engine, waits a bounded time for it to report
// Stopped or Idle and resets it whether or not that report arrived.
func (c *Controller) safeStopLocked() {
	if c.state.settled() {
		return
	}

	if err := c.withEngine(func(e player.Engine) error { return e.Stop() }); err != nil {
		c.logger.Warn("Engine stop failed", slog.String("error", err.Error()))
		c.queueLocked(Event{Type: EventErrorOccurred, Info: "stop failed: " + err.Error(), Path: c.currentPathLocked()})
	} else if !c.waitForLocked(c.timing.StopTimeout, State.settled) {
		c.logger.Warn("Timed out waiting for engine to stop",
			slog.Duration("timeout", c.timing.StopTimeout),
			slog.String("state", c.state.String()))
	}

	err := c.withEngine(func(e player.Engine) error {
		err := e.Reset()
		sleep(c.timing.StopSettle)
		return err
	})
	if err != nil {
		c.logger.Warn("Engine reset failed", slog.String("error", err.Error()))
	}
}

// startCurrentTrackLocked runs reset, load and start for the track under
// the cursor. On failure it reports the track path and takes the retry path.
// No state is assumed on success; the engine callback supplies it.
func (c *Controller) startCurrentTrackLocked() error {
	track, ok := c.playlist.Current()
	if !ok {
		return ErrEmptyPlaylist
	}
	c.awaitingStart = false
	c.starting, c.startFault = true, false

	loaded := false
	err := c.withEngine(func(e player.Engine) error {
		if err := e.Reset(); err != nil {
			c.logger.Debug("Engine reset before load failed", slog.String("error", err.Error()))
		}
		sleep(c.timing.ResetSettle)

		if err := e.LoadTrack(track.Path); err != nil {
			return fmt.Errorf("load %s: %w", track.Path, err)
		}
		loaded = true
		sleep(c.timing.PrepareSettle)

		if err := e.Start(); err != nil {
			return fmt.Errorf("start %s: %w", track.Path, err)
		}
		return nil
	})
	c.starting = false
	if err == nil && c.startFault {
		err = fmt.Errorf("start %s: engine reported an error", track.Path)
	}
	if err != nil {
		logger.LogPlaybackEvent(c.logger, slog.LevelError, "Failed to start track", track.Path,
			slog.String("error", err.Error()))
		// After a successful load the engine may still deliver the Error
		// that made Start fail.
		c.startReported = loaded && !c.startFault
		c.handleErrorLocked(track.Path, track.Path, true)
		return err
	}

	// The Playing report may already have arrived during the start sequence.
	c.awaitingStart = c.state != StatePlaying
	logger.LogPlaybackEvent(c.logger, slog.LevelInfo, "Track started", track.Path,
		slog.String("title", track.Title),
		slog.Int("index", c.playlist.CurrentIndex()))
	c.queueLocked(Event{Type: EventTrackStarted, Info: track.DisplayName(), Path: track.Path})
	return nil
}

// onEngineState runs on the engine's goroutine. It only records state and
// queues events.
func (c *Controller) onEngineState(es player.State, code int) {
	next := fromEngineState(es)

	c.mu.Lock()
	prev := c.state
	c.state = next
	c.broadcastLocked()

	if prev != next {
		c.queueLocked(Event{Type: EventStateChanged, Info: next.String(), State: next})
	}

	if next == StatePlaying {
		c.startReported = false
		if c.starting || c.awaitingStart {
			c.errorRetries = 0
		}
	}
	if c.awaitingStart && (next == StatePlaying || next == StateError) {
		c.awaitingStart = false
		c.transitioning = false
	}

	failed := next == StateError || code != player.ErrCodeNone

	if prev == StatePlaying && next == StateStopped && !failed && !c.transitioning && c.autoPlayNext {
		track, _ := c.playlist.Current()
		logger.LogPlaybackEvent(c.logger, slog.LevelInfo, "Track ended", track.Path)
		c.queueLocked(Event{Type: EventTrackEnded, Info: track.DisplayName(), Path: track.Path})
	}

	switch {
	case failed && c.startReported:
		c.startReported = false
		c.logger.Debug("Ignoring engine error already reported by the start sequence",
			slog.String("state", es.String()), slog.Int("code", code))
	case failed && c.starting:
		// The start sequence in flight reports this failure itself.
		c.startFault = true
	case failed:
		c.handleErrorLocked(fmt.Sprintf("playback error (state %s, code %d)", es, code), c.currentPathLocked(), trackFault(code))
	}
	c.mu.Unlock()

	c.flush()
}

// handleErrorLocked reports an error and, while the retry budget lasts and
// a next track exists, asks the drain goroutine to skip ahead. fault marks
// errors caused by the track file itself.
func (c *Controller) handleErrorLocked(info, path string, fault bool) {
	c.queueLocked(Event{Type: EventErrorOccurred, Info: info, Path: path, Fault: fault})

	c.errorRetries++
	if c.errorRetries <= c.timing.MaxErrorRetries && c.playlist.HasNext() {
		c.logger.Warn("Skipping to next track after error",
			slog.String("track", path),
			slog.Int("attempt", c.errorRetries),
			slog.Int("max_attempts", c.timing.MaxErrorRetries))
		track, _ := c.playlist.Current()
		c.queueLocked(Event{Type: EventTrackEnded, Info: track.DisplayName(), Path: track.Path})
		return
	}

	c.logger.Error("Playback halted after repeated errors",
		slog.String("track", path),
		slog.Int("attempts", c.errorRetries))
	c.errorRetries = 0
}

// trackFault reports whether an engine error code blames the file being
// played rather than the output.
func trackFault(code int) bool {
	switch code {
	case player.ErrCodeIO, player.ErrCodeDecode, player.ErrCodeUnsupported:
		return true
	}
	return false
}

func (c *Controller) currentPathLocked() string {
	track, _ := c.playlist.Current()
	return track.Path
}

// LoadPlaylist replaces the playlist with a directory or a single file.
// Playback is stopped first.
func (c *Controller) LoadPlaylist(path string) error {
	return c.do(func() error {
		if c.state == StatePlaying || c.state == StatePaused {
			c.transitioning = true
			c.safeStopLocked()
			c.transitioning = false
		}

		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%s: %w", path, playlist.ErrNotFound)
			}
			return err
		}
		if info.IsDir() {
			return c.playlist.LoadFromDirectory(path)
		}
		return c.playlist.LoadFromFile(path)
	})
}

// ReplaceTracks swaps in a new track list, keeping the current track
// selected when it is still present.
func (c *Controller) ReplaceTracks(tracks []playlist.Track) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playlist.Replace(tracks)
}

// AddTrack appends a track to the playlist.
func (c *Controller) AddTrack(t playlist.Track) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playlist.AddTrack(t)
}

// RemoveTrack drops the track with the given path from the playlist.
func (c *Controller) RemoveTrack(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playlist.RemoveByPath(path)
}

// SetPlayMode changes how next and previous tracks are chosen.
func (c *Controller) SetPlayMode(mode playlist.PlayMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playlist.SetPlayMode(mode)
}

// Shuffle shuffles the playlist, keeping the current track selected.
func (c *Controller) Shuffle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playlist.Shuffle()
}

// Unshuffle restores the playlist order from before Shuffle.
func (c *Controller) Unshuffle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playlist.Unshuffle()
}

// SetAutoPlayNext toggles TrackEnded on natural end of a track.
func (c *Controller) SetAutoPlayNext(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoPlayNext = enabled
}

// AutoPlayNext reports whether auto-advance is enabled.
func (c *Controller) AutoPlayNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoPlayNext
}

// State returns the current playback state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsTransitioning reports whether a controller-initiated switch is in flight.
func (c *Controller) IsTransitioning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitioning
}

// CurrentTrack returns the track under the playlist cursor.
func (c *Controller) CurrentTrack() (playlist.Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playlist.Current()
}

// CurrentIndex returns the playlist cursor, or -1 when empty.
func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playlist.CurrentIndex()
}

// PlaylistSize returns the number of tracks.
func (c *Controller) PlaylistSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playlist.Len()
}

// Tracks returns a copy of the playlist in playing order.
func (c *Controller) Tracks() []playlist.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playlist.Tracks()
}

// PlayMode returns the play mode.
func (c *Controller) PlayMode() playlist.PlayMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playlist.PlayMode()
}

// IsShuffled reports whether the playlist is shuffled.
func (c *Controller) IsShuffled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playlist.IsShuffled()
}

// PositionMs returns the play position in milliseconds, or -1 if the
// engine cannot report it.
func (c *Controller) PositionMs() int {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	pos, err := c.engine.Position()
	if err != nil {
		return -1
	}
	return int(pos.Milliseconds())
}

// DurationMs returns the track length in milliseconds, or -1 if the
// engine cannot report it.
func (c *Controller) DurationMs() int {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	d, err := c.engine.Duration()
	if err != nil {
		return -1
	}
	return int(d.Milliseconds())
}
