// Package service runs the music player: one goroutine owns the playback
// controller after startup, executing remote commands and draining the
// controller's events, so every follow-up action happens off the engine's
// callback goroutine.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aposazhennikov/music-player-service/library"
	"github.com/aposazhennikov/music-player-service/logger"
	"github.com/aposazhennikov/music-player-service/playback"
	"github.com/aposazhennikov/music-player-service/playlist"
	"github.com/aposazhennikov/music-player-service/protocol"
	sentryhelper "github.com/aposazhennikov/music-player-service/sentry_helper"
)

var ErrStopped = errors.New("service stopped")

// Publisher receives every event the service pushes to clients.
type Publisher interface {
	Publish(msg protocol.EventMessage)
}

// Catalog is the part of the music library the service relies on.
type Catalog interface {
	Import(ctx context.Context, dirs []string, extensions []string) (library.ImportResult, error)
	Apply(ctx context.Context, ch library.Change) ([]playlist.Track, error)
	AddTrack(ctx context.Context, t playlist.Track) (int64, error)
	Track(ctx context.Context, id int64) (library.Track, error)
	TrackByPath(ctx context.Context, path string) (library.Track, error)
	AllTracks(ctx context.Context, limit int) ([]library.Track, error)
	Search(ctx context.Context, c library.Criteria) ([]library.Track, error)
	MarkBad(ctx context.Context, path, reason string) error
	UnmarkBad(ctx context.Context, path string) error
	IsBad(ctx context.Context, path string) (bool, error)
	BadTracks(ctx context.Context) ([]library.BadTrack, error)
	RecordPlay(ctx context.Context, path string) error
	SetFavorite(ctx context.Context, id int64, favorite bool) error
	Favorites(ctx context.Context) ([]library.Track, error)
	RecentlyPlayed(ctx context.Context, limit int) ([]library.Track, error)
	MostPlayed(ctx context.Context, limit int) ([]library.Track, error)
	Stats(ctx context.Context) (library.Stats, error)
}

// Options tunes the service loop and startup.
type Options struct {
	EventQueueSize    int
	HeartbeatInterval time.Duration
	// NextThrottle is the minimum spacing of automatic track advances.
	NextThrottle    time.Duration
	ScanDirectories []string
	Extensions      []string
	DefaultPlayMode playlist.PlayMode
	// Volume is reported in status as a percentage.
	Volume float64
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		EventQueueSize:    256,
		HeartbeatInterval: 5 * time.Second,
		NextThrottle:      200 * time.Millisecond,
		Extensions:        playlist.DefaultExtensions,
		Volume:            1,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSentry sets the error reporter.
func WithSentry(h *sentryhelper.SentryHelper) Option {
	return func(s *Service) {
		if h != nil {
			s.sentry = h
		}
	}
}

// WithPublisher sets the receiver of pushed events.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

type command struct {
	req   protocol.Request
	reply chan protocol.Response
}

type handlerFunc func(ctx context.Context, params protocol.Params) (any, error)

// Service owns the controller once Run has started.
type Service struct {
	ctrl      *playback.Controller
	catalog   Catalog
	opts      Options
	logger    *slog.Logger
	sentry    *sentryhelper.SentryHelper
	publisher Publisher
	handlers  map[string]handlerFunc

	commands chan command
	changes  chan library.Change
	done     chan struct{}
	ready    atomic.Bool

	// queue holds controller events until the loop takes them; wake
	// signals that it is non-empty.
	queueMu sync.Mutex
	queue   []playback.Event
	wake    chan struct{}

	// Owned by the loop goroutine.
	lastAdvance  time.Time
	advanceTimer *time.Timer
	advanceC     <-chan time.Time
	// resumeAt is the cursor to start on the next advance instead of moving
	// on, set when the current track was removed from under the cursor.
	resumeAt int
}

// New wires the service to ctrl and installs itself as the controller's
// event sink.
func New(ctrl *playback.Controller, catalog Catalog, opts Options, options ...Option) *Service {
	def := DefaultOptions()
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = def.EventQueueSize
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.NextThrottle < 0 {
		opts.NextThrottle = 0
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = def.Extensions
	}

	s := &Service{
		ctrl:     ctrl,
		catalog:  catalog,
		opts:     opts,
		logger:   slog.Default(),
		sentry:   sentryhelper.NewSentryHelper(false, nil),
		commands: make(chan command),
		wake:     make(chan struct{}, 1),
		changes:  make(chan library.Change),
		done:     make(chan struct{}),
		resumeAt: -1,
	}
	for _, o := range options {
		o(s)
	}
	s.logger = logger.WithComponent(s.logger, "service")
	s.handlers = s.commandHandlers()

	ctrl.SetEventSink(s.enqueue)
	return s
}

// enqueue runs on whichever goroutine produced the event. It never blocks.
// A full queue gives up its least important event, so TrackEnded and
// ErrorOccurred are only lost to each other.
func (s *Service) enqueue(ev playback.Event) {
	s.queueMu.Lock()
	dropped, lost := s.pushLocked(ev)
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	if lost {
		eventsDropped.Inc()
		s.logger.Warn("Event queue full, dropping event",
			slog.String("event", dropped.Type.String()),
			slog.String("info", dropped.Info))
	}
}

// pushLocked appends ev, evicting the oldest lowest-priority event below
// ev's priority when the queue is full. It returns the event that was lost.
func (s *Service) pushLocked(ev playback.Event) (playback.Event, bool) {
	if len(s.queue) < s.opts.EventQueueSize {
		s.queue = append(s.queue, ev)
		return playback.Event{}, false
	}

	victim := -1
	for i, queued := range s.queue {
		rank := eventPriority(queued.Type)
		if rank < eventPriority(ev.Type) && (victim < 0 || rank < eventPriority(s.queue[victim].Type)) {
			victim = i
		}
	}
	if victim < 0 {
		return ev, true
	}
	dropped := s.queue[victim]
	s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
	s.queue = append(s.queue, ev)
	return dropped, true
}

// eventPriority ranks events by the cost of losing them. StateChanged is
// restated by every heartbeat; TrackEnded and ErrorOccurred drive the
// automatic advance.
func eventPriority(t playback.EventType) int {
	switch t {
	case playback.EventTrackEnded, playback.EventErrorOccurred:
		return 2
	case playback.EventTrackStarted, playback.EventPlaylistEnded:
		return 1
	}
	return 0
}

// takeEvents empties the queue.
func (s *Service) takeEvents() []playback.Event {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	events := s.queue
	s.queue = nil
	return events
}

// Startup imports the scan directories into the library and loads the
// playable tracks into the playlist. It must run before Run.
func (s *Service) Startup(ctx context.Context) error {
	if len(s.opts.ScanDirectories) > 0 {
		res, err := s.catalog.Import(ctx, s.opts.ScanDirectories, s.opts.Extensions)
		if err != nil {
			// A missing music directory should not keep the service down.
			s.logger.Warn("Library import failed", slog.String("error", err.Error()))
			s.sentry.CaptureError(err, "service", "import")
		} else {
			s.logger.Info("Library imported",
				slog.Int("found", res.Found),
				slog.Int("removed", res.Removed))
		}
	}

	if err := s.syncPlaylist(ctx); err != nil {
		return err
	}
	s.ctrl.SetPlayMode(s.opts.DefaultPlayMode)
	s.ready.Store(true)

	s.logger.Info("Service ready",
		slog.Int("playlist_size", s.ctrl.PlaylistSize()),
		slog.String("play_mode", s.opts.DefaultPlayMode.String()))
	return nil
}

// syncPlaylist replaces the playlist with every playable library track.
func (s *Service) syncPlaylist(ctx context.Context) error {
	tracks, err := s.catalog.AllTracks(ctx, 0)
	if err != nil {
		return err
	}
	s.ctrl.ReplaceTracks(library.PlaylistTracks(tracks))
	playlistSize.Set(float64(s.ctrl.PlaylistSize()))
	return nil
}

// Ready reports whether Startup finished and Run has not returned.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Run executes commands and drains events until ctx is done, then stops
// playback.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.ready.Store(false)

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	defer func() {
		if s.advanceTimer != nil {
			s.advanceTimer.Stop()
		}
	}()

	s.logger.Info("Command loop started")
	for {
		select {
		case <-ctx.Done():
			if err := s.ctrl.Stop(); err != nil {
				s.logger.Warn("Stop on shutdown failed", slog.String("error", err.Error()))
			}
			s.logger.Info("Command loop stopped")
			return nil

		case cmd := <-s.commands:
			cmd.reply <- s.handle(ctx, cmd.req)

		case <-s.wake:
			for _, ev := range s.takeEvents() {
				s.handleEvent(ctx, ev)
			}

		case ch := <-s.changes:
			s.applyChange(ctx, ch)

		case <-s.advanceC:
			s.advanceC = nil
			s.advance()

		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// Execute runs req on the loop goroutine and waits for its response.
func (s *Service) Execute(ctx context.Context, req protocol.Request) protocol.Response {
	reply := make(chan protocol.Response, 1)
	select {
	case s.commands <- command{req: req, reply: reply}:
	case <-ctx.Done():
		return protocol.Failure(ctx.Err().Error(), req.RequestID)
	case <-s.done:
		return protocol.Failure(ErrStopped.Error(), req.RequestID)
	}

	select {
	case resp := <-reply:
		return resp
	case <-ctx.Done():
		return protocol.Failure(ctx.Err().Error(), req.RequestID)
	}
}

// NotifyChange hands a library change to the loop goroutine.
func (s *Service) NotifyChange(ctx context.Context, ch library.Change) {
	select {
	case s.changes <- ch:
	case <-ctx.Done():
	case <-s.done:
	}
}

func (s *Service) handleEvent(ctx context.Context, ev playback.Event) {
	eventsTotal.WithLabelValues(ev.Type.String()).Inc()
	data := map[string]any{}

	switch ev.Type {
	case playback.EventTrackStarted:
		s.resumeAt = -1
		if err := s.catalog.RecordPlay(ctx, ev.Path); err != nil {
			s.logger.Warn("Failed to record play", slog.String("track", ev.Path), slog.String("error", err.Error()))
		}
		s.sentry.AddBreadcrumb("playback", "track started", map[string]interface{}{"track": ev.Path})
		data["title"] = ev.Info
		data["file_path"] = ev.Path
		data["index"] = s.ctrl.CurrentIndex()

	case playback.EventTrackEnded:
		data["title"] = ev.Info
		data["file_path"] = ev.Path
		s.requestAdvance()

	case playback.EventPlaylistEnded:
		data["message"] = ev.Info
		logger.LogPlaybackEvent(s.logger, slog.LevelInfo, "Playlist ended", "")

	case playback.EventErrorOccurred:
		data["message"] = ev.Info
		data["file_path"] = ev.Path
		if ev.Fault && ev.Path != "" {
			s.quarantine(ctx, ev.Path, ev.Info)
		}

	case playback.EventStateChanged:
		data["state"] = ev.State.String()
		s.observeState(ev.State)
	}

	s.publish(ev.Type.String(), data, ev.Time)
}

// requestAdvance moves to the next track, at most once per NextThrottle.
// Requests inside the window collapse into one deferred advance.
func (s *Service) requestAdvance() {
	wait := s.opts.NextThrottle - time.Since(s.lastAdvance)
	if wait <= 0 {
		s.advance()
		return
	}
	if s.advanceC != nil {
		return
	}
	s.logger.Debug("Next throttled", slog.Duration("wait", wait))
	if s.advanceTimer == nil {
		s.advanceTimer = time.NewTimer(wait)
	} else {
		s.advanceTimer.Reset(wait)
	}
	s.advanceC = s.advanceTimer.C
}

func (s *Service) advance() {
	s.lastAdvance = time.Now()

	var err error
	if s.resumeAt >= 0 {
		index := s.resumeAt
		s.resumeAt = -1
		err = s.ctrl.PlayTrack(index)
	} else {
		err = s.ctrl.Next()
	}

	switch {
	case err == nil:
	case errors.Is(err, playback.ErrNoNextTrack), errors.Is(err, playback.ErrEmptyPlaylist):
		s.logger.Info("Nothing left to play", slog.String("reason", err.Error()))
	default:
		// Load and start failures come back as events and are handled there.
		s.logger.Warn("Automatic advance failed", slog.String("error", err.Error()))
	}
}

// quarantine marks path bad and drops it from the playlist.
func (s *Service) quarantine(ctx context.Context, path, info string) {
	reason := info
	if reason == path {
		reason = "load or start failed"
	}

	if err := s.catalog.MarkBad(ctx, path, reason); err != nil {
		s.logger.Error("Failed to quarantine track", slog.String("track", path), slog.String("error", err.Error()))
		s.sentry.CaptureError(err, "service", "quarantine")
		return
	}
	tracksQuarantined.Inc()
	s.sentry.CaptureTrackFailure(path, reason)

	current, hasCurrent := s.ctrl.CurrentTrack()
	index := s.ctrl.CurrentIndex()
	if s.ctrl.RemoveTrack(path) && hasCurrent && current.Path == path {
		// The cursor now rests on the track that followed the removed one.
		if n := s.ctrl.PlaylistSize(); n > 0 {
			if index >= n {
				index = 0
			}
			s.resumeAt = index
		}
	}
	playlistSize.Set(float64(s.ctrl.PlaylistSize()))

	s.publish("track_quarantined", map[string]any{"file_path": path, "reason": reason}, time.Time{})
}

func (s *Service) applyChange(ctx context.Context, ch library.Change) {
	added, err := s.catalog.Apply(ctx, ch)
	if err != nil {
		s.logger.Error("Failed to apply library change", slog.String("error", err.Error()))
		s.sentry.CaptureError(err, "service", "library_change")
	}

	known := make(map[string]bool)
	for _, t := range s.ctrl.Tracks() {
		known[t.Path] = true
	}
	for _, t := range added {
		if !known[t.Path] {
			s.ctrl.AddTrack(t)
		}
	}
	for _, path := range ch.Removed {
		s.ctrl.RemoveTrack(path)
	}
	playlistSize.Set(float64(s.ctrl.PlaylistSize()))

	s.publish("library_changed", map[string]any{
		"added":         len(added),
		"removed":       len(ch.Removed),
		"playlist_size": s.ctrl.PlaylistSize(),
	}, time.Time{})
}

func (s *Service) heartbeat() {
	state := s.ctrl.State()
	s.observeState(state)
	playlistSize.Set(float64(s.ctrl.PlaylistSize()))

	data := map[string]any{
		"status":        "alive",
		"state":         state.String(),
		"position_ms":   s.ctrl.PositionMs(),
		"playlist_size": s.ctrl.PlaylistSize(),
	}
	if track, ok := s.ctrl.CurrentTrack(); ok {
		data["current_track"] = track.Title
	}
	s.publish("heartbeat", data, time.Time{})
}

var allStates = []playback.State{
	playback.StateIdle, playback.StateLoading, playback.StatePlaying,
	playback.StatePaused, playback.StateStopped, playback.StateError,
}

func (s *Service) observeState(current playback.State) {
	for _, st := range allStates {
		v := 0.0
		if st == current {
			v = 1
		}
		playbackState.WithLabelValues(st.String()).Set(v)
	}
}

func (s *Service) publish(event string, data any, at time.Time) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(protocol.NewEvent(event, data, at))
}
