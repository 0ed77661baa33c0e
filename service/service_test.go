package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aposazhennikov/music-player-service/library"
	"github.com/aposazhennikov/music-player-service/playback"
	"github.com/aposazhennikov/music-player-service/player"
	"github.com/aposazhennikov/music-player-service/playlist"
	"github.com/aposazhennikov/music-player-service/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []protocol.EventMessage
}

func (p *recordingPublisher) Publish(msg protocol.EventMessage) {
	p.mu.Lock()
	p.events = append(p.events, msg)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Event == event {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) last(event string) (protocol.EventMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Event == event {
			return p.events[i], true
		}
	}
	return protocol.EventMessage{}, false
}

type fixture struct {
	svc    *Service
	engine *player.Mock
	ctrl   *playback.Controller
	lib    *library.Library
	pub    *recordingPublisher
	cancel context.CancelFunc
	done   chan struct{}
}

var testPaths = []string{"/music/a.mp3", "/music/b.mp3", "/music/c.mp3"}

// newFixture seeds an in-memory library with paths, runs Startup and
// starts the loop. prepare runs against the library before startup.
func newFixture(t *testing.T, paths []string, opts Options, prepare func(lib *library.Library)) *fixture {
	t.Helper()
	ctx := context.Background()

	lib, err := library.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })
	for _, p := range paths {
		_, err := lib.AddTrack(ctx, playlist.TrackFromFile(p))
		require.NoError(t, err)
	}
	if prepare != nil {
		prepare(lib)
	}

	engine := player.NewMock()
	t.Cleanup(func() { engine.Close() })

	ctrl := playback.New(engine, playlist.New(), playback.WithTiming(playback.Timing{
		StopTimeout:     time.Second,
		MaxErrorRetries: 3,
	}))
	require.NoError(t, ctrl.Initialize())

	pub := &recordingPublisher{}
	svc := New(ctrl, lib, opts, WithPublisher(pub))
	require.NoError(t, svc.Startup(ctx))

	runCtx, cancel := context.WithCancel(ctx)
	f := &fixture{svc: svc, engine: engine, ctrl: ctrl, lib: lib, pub: pub, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		svc.Run(runCtx)
	}()
	t.Cleanup(f.stop)
	return f
}

func (f *fixture) stop() {
	f.cancel()
	<-f.done
}

func (f *fixture) exec(t *testing.T, command string, params protocol.Params) protocol.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return f.svc.Execute(ctx, protocol.NewRequest(command, params))
}

func (f *fixture) mustExec(t *testing.T, command string, params protocol.Params) map[string]any {
	t.Helper()
	resp := f.exec(t, command, params)
	require.True(t, resp.OK(), "%s failed: %s", command, resp.ErrorMessage)
	result, _ := resp.Result.(map[string]any)
	return result
}

func (f *fixture) waitLoaded(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.engine.Loaded()) >= n },
		waitTimeout, 5*time.Millisecond, "waiting for %d loads, have %v", n, f.engine.Loaded())
}

func (f *fixture) waitPublished(t *testing.T, event string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.pub.count(event) >= n },
		waitTimeout, 5*time.Millisecond, "waiting for %d %s events", n, event)
}

func TestStartupSyncsPlayableTracks(t *testing.T) {
	f := newFixture(t, testPaths, Options{DefaultPlayMode: playlist.LoopAll}, func(lib *library.Library) {
		require.NoError(t, lib.MarkBad(context.Background(), "/music/b.mp3", "broken"))
	})

	assert.True(t, f.svc.Ready())
	assert.Equal(t, 2, f.ctrl.PlaylistSize())
	assert.Equal(t, playlist.LoopAll, f.ctrl.PlayMode())

	status := f.mustExec(t, "get_status", nil)
	assert.Equal(t, "idle", status["state"])
	assert.Equal(t, 2, status["playlist_size"])
	assert.Equal(t, "loop_all", status["play_mode"])
	assert.Equal(t, "/music/a.mp3", status["file_path"])
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)

	resp := f.exec(t, "dance", nil)
	assert.False(t, resp.OK())
	assert.Equal(t, "Unknown command: dance", resp.ErrorMessage)
	assert.NotEmpty(t, resp.RequestID)
}

func TestMissingParameters(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)

	for _, command := range []string{"seek", "get_track", "add_track", "load_playlist", "set_play_mode", "set_favorite", "unmark_bad"} {
		resp := f.exec(t, command, protocol.Params{})
		assert.False(t, resp.OK(), command)
		assert.Contains(t, resp.ErrorMessage, "parameter required", command)
	}
}

func TestPlayRecordsPlay(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)

	result := f.mustExec(t, "play", nil)
	assert.Equal(t, "playing", result["status"])
	assert.Equal(t, "a", result["current_track"])

	f.waitPublished(t, "track_started", 1)
	ev, _ := f.pub.last("track_started")
	data := ev.Data.(map[string]any)
	assert.Equal(t, "/music/a.mp3", data["file_path"])

	result = f.mustExec(t, "get_most_played", nil)
	tracks := result["tracks"].([]library.Track)
	require.Len(t, tracks, 1)
	assert.Equal(t, "/music/a.mp3", tracks[0].Path)
	assert.Equal(t, 1, tracks[0].PlayCount)

	f.waitPublished(t, "state_changed", 1)
	assert.Equal(t, "playing", f.mustExec(t, "get_status", nil)["state"])
}

func TestPauseResumeStop(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)

	assert.False(t, f.exec(t, "pause", nil).OK(), "nothing is playing")

	f.mustExec(t, "play", nil)
	require.Eventually(t, func() bool { return f.ctrl.State() == playback.StatePlaying }, waitTimeout, 5*time.Millisecond)

	assert.Equal(t, "paused", f.mustExec(t, "pause", nil)["status"])
	require.Eventually(t, func() bool { return f.ctrl.State() == playback.StatePaused }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, "playing", f.mustExec(t, "resume", nil)["status"])
	require.Eventually(t, func() bool { return f.ctrl.State() == playback.StatePlaying }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, "stopped", f.mustExec(t, "stop", nil)["status"])
}

func TestNaturalEndAdvances(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)

	f.mustExec(t, "play", nil)
	require.Eventually(t, func() bool { return f.ctrl.State() == playback.StatePlaying }, waitTimeout, 5*time.Millisecond)

	f.engine.Emit(player.StateStopped, player.ErrCodeNone)
	f.waitLoaded(t, 2)
	assert.Equal(t, []string{"/music/a.mp3", "/music/b.mp3"}, f.engine.Loaded())
	f.waitPublished(t, "track_ended", 1)
}

func TestLastTrackEndsQuietly(t *testing.T) {
	f := newFixture(t, testPaths[:1], Options{}, nil)

	f.mustExec(t, "play", nil)
	require.Eventually(t, func() bool { return f.ctrl.State() == playback.StatePlaying }, waitTimeout, 5*time.Millisecond)

	f.engine.Emit(player.StateStopped, player.ErrCodeNone)
	f.waitPublished(t, "playlist_ended", 1)
	assert.Len(t, f.engine.Loaded(), 1)
}

func TestAutomaticAdvanceIsThrottled(t *testing.T) {
	f := newFixture(t, testPaths, Options{NextThrottle: 300 * time.Millisecond}, nil)

	f.mustExec(t, "play", nil)
	require.Eventually(t, func() bool { return f.ctrl.State() == playback.StatePlaying }, waitTimeout, 5*time.Millisecond)

	f.engine.Emit(player.StateStopped, player.ErrCodeNone)
	f.waitLoaded(t, 2)
	require.Eventually(t, func() bool { return f.ctrl.State() == playback.StatePlaying }, waitTimeout, 5*time.Millisecond)

	// The second end arrives inside the window and is deferred, not lost.
	f.engine.Emit(player.StateStopped, player.ErrCodeNone)
	f.waitPublished(t, "track_ended", 2)
	assert.Never(t, func() bool { return len(f.engine.Loaded()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	f.waitLoaded(t, 3)
	assert.Equal(t, "/music/c.mp3", f.engine.Loaded()[2])
}

func TestLoadFailureQuarantinesAndAdvances(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)
	f.engine.FailLoad("/music/a.mp3")

	resp := f.exec(t, "play", nil)
	assert.False(t, resp.OK())

	f.waitPublished(t, "track_quarantined", 1)
	f.waitLoaded(t, 2)
	assert.Equal(t, "/music/b.mp3", f.engine.Loaded()[1], "the successor starts, not the one after it")
	require.Eventually(t, func() bool { return f.ctrl.State() == playback.StatePlaying }, waitTimeout, 5*time.Millisecond)

	assert.Equal(t, 2, f.ctrl.PlaylistSize())
	bad := f.mustExec(t, "get_bad_tracks", nil)
	tracks := bad["tracks"].([]library.BadTrack)
	require.Len(t, tracks, 1)
	assert.Equal(t, "/music/a.mp3", tracks[0].Path)
	assert.Equal(t, "load or start failed", tracks[0].Reason)
}

func TestSeekFailureDoesNotQuarantine(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)

	f.mustExec(t, "play", nil)
	require.Eventually(t, func() bool { return f.ctrl.State() == playback.StatePlaying }, waitTimeout, 5*time.Millisecond)

	f.engine.FailSeek(true)
	assert.False(t, f.exec(t, "seek", protocol.Params{"position_ms": 1000}).OK())
	f.waitPublished(t, "error", 1)

	assert.Equal(t, 3, f.ctrl.PlaylistSize())
	assert.Zero(t, f.pub.count("track_quarantined"))
}

func TestOutputErrorDoesNotQuarantine(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)

	f.mustExec(t, "play", nil)
	require.Eventually(t, func() bool { return f.ctrl.State() == playback.StatePlaying }, waitTimeout, 5*time.Millisecond)

	f.engine.Emit(player.StateError, player.ErrCodeOutput)
	f.waitPublished(t, "error", 1)
	// The retry still moves on to the next track.
	f.waitLoaded(t, 2)

	bad := f.mustExec(t, "get_bad_tracks", nil)
	assert.Empty(t, bad["tracks"].([]library.BadTrack))
	assert.Equal(t, 3, f.ctrl.PlaylistSize())
	assert.Zero(t, f.pub.count("track_quarantined"))
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t, testPaths, Options{HeartbeatInterval: 20 * time.Millisecond}, nil)

	f.waitPublished(t, "heartbeat", 2)
	ev, _ := f.pub.last("heartbeat")
	data := ev.Data.(map[string]any)
	assert.Equal(t, "alive", data["status"])
	assert.Equal(t, "idle", data["state"])
	assert.Equal(t, 3, data["playlist_size"])
}

func TestPlaylistCommands(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)

	result := f.mustExec(t, "get_playlist", nil)
	assert.Equal(t, 3, result["count"])
	entries := result["tracks"].([]playlistEntry)
	assert.Equal(t, "b", entries[1].Title)
	assert.Equal(t, 1, entries[1].Index)

	assert.Equal(t, "random", f.mustExec(t, "set_play_mode", protocol.Params{"mode": "random"})["play_mode"])
	assert.False(t, f.exec(t, "set_play_mode", protocol.Params{"mode": "backwards"}).OK())

	assert.Equal(t, true, f.mustExec(t, "shuffle", nil)["shuffled"])
	assert.Equal(t, false, f.mustExec(t, "unshuffle", nil)["shuffled"])

	f.mustExec(t, "set_auto_play_next", protocol.Params{"enabled": false})
	assert.False(t, f.ctrl.AutoPlayNext())
}

func TestLibraryCommands(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)
	ctx := context.Background()

	track, err := f.lib.TrackByPath(ctx, "/music/c.mp3")
	require.NoError(t, err)

	resp := f.exec(t, "get_track", protocol.Params{"track_id": track.ID})
	require.True(t, resp.OK())
	assert.Equal(t, "/music/c.mp3", resp.Result.(library.Track).Path)
	assert.False(t, f.exec(t, "get_track", protocol.Params{"track_id": 999}).OK())

	f.mustExec(t, "set_favorite", protocol.Params{"track_id": track.ID})
	favorites := f.mustExec(t, "get_favorites", nil)
	assert.Equal(t, 1, favorites["count"])

	found := f.mustExec(t, "search_tracks", protocol.Params{"query": "c"})
	assert.Equal(t, 1, found["count"])

	all := f.mustExec(t, "get_all_tracks", protocol.Params{"limit": 2})
	assert.Equal(t, 2, all["count"])

	resp = f.exec(t, "get_stats", nil)
	require.True(t, resp.OK())
	stats := resp.Result.(statsResult)
	assert.Equal(t, 3, stats.TotalTracks)
	assert.Equal(t, 1, stats.Favorites)
	assert.Equal(t, 3, stats.PlaylistSize)
}

func TestAddTrack(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)
	path := filepath.Join(t.TempDir(), "new.mp3")
	require.NoError(t, os.WriteFile(path, []byte("not really audio"), 0o644))

	result := f.mustExec(t, "add_track", protocol.Params{"file_path": path, "title": "Fresh", "duration_ms": 61000})
	assert.Equal(t, "Fresh", result["title"])
	assert.Equal(t, 4, f.ctrl.PlaylistSize())
	f.waitPublished(t, "track_added", 1)

	track, err := f.lib.TrackByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, result["track_id"], track.ID)
	assert.Equal(t, int64(61000), track.DurationMs)

	assert.False(t, f.exec(t, "add_track", protocol.Params{"file_path": filepath.Dir(path)}).OK(), "directories are rejected")
	assert.False(t, f.exec(t, "add_track", protocol.Params{"file_path": path + ".missing"}).OK())
}

func TestLoadPlaylistSkipsQuarantined(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"one.mp3", "two.mp3", "three.mp3"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	f := newFixture(t, testPaths, Options{}, func(lib *library.Library) {
		require.NoError(t, lib.MarkBad(context.Background(), filepath.Join(dir, "two.mp3"), "broken"))
	})

	result := f.mustExec(t, "load_playlist", protocol.Params{"path": dir})
	assert.Equal(t, 2, result["count"])
	assert.False(t, f.exec(t, "load_playlist", protocol.Params{"path": filepath.Join(dir, "missing")}).OK())
}

func TestUnmarkBadRestoresTrack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "back.mp3")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	f := newFixture(t, append([]string{path}, testPaths...), Options{}, func(lib *library.Library) {
		require.NoError(t, lib.MarkBad(context.Background(), path, "broken"))
	})
	require.Equal(t, 3, f.ctrl.PlaylistSize())

	result := f.mustExec(t, "unmark_bad", protocol.Params{"file_path": path})
	assert.Equal(t, true, result["restored"])
	assert.Equal(t, 4, f.ctrl.PlaylistSize())

	assert.False(t, f.exec(t, "unmark_bad", protocol.Params{"file_path": "/music/unknown.mp3"}).OK())
}

func TestRescan(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"x.mp3", "y.flac", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	f := newFixture(t, nil, Options{ScanDirectories: []string{dir}}, nil)
	assert.Equal(t, 2, f.ctrl.PlaylistSize(), "startup imports the scan directories")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "z.wav"), nil, 0o644))
	result := f.mustExec(t, "rescan", nil)
	assert.Equal(t, 3, result["found"])
	assert.Equal(t, 3, result["playlist_size"])
}

func TestNotifyChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arrived.mp3")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	f := newFixture(t, testPaths, Options{}, nil)

	f.svc.NotifyChange(context.Background(), library.Change{Created: []string{path}, Removed: []string{"/music/a.mp3"}})
	f.waitPublished(t, "library_changed", 1)

	assert.Equal(t, 3, f.ctrl.PlaylistSize())
	paths := make([]string, 0, 3)
	for _, tr := range f.ctrl.Tracks() {
		paths = append(paths, tr.Path)
	}
	assert.Contains(t, paths, path)
	assert.NotContains(t, paths, "/music/a.mp3")
}

func TestExecuteAfterStop(t *testing.T) {
	f := newFixture(t, testPaths, Options{}, nil)
	f.stop()

	resp := f.exec(t, "get_status", nil)
	assert.False(t, resp.OK())
	assert.Equal(t, ErrStopped.Error(), resp.ErrorMessage)
	assert.False(t, f.svc.Ready())
}

func TestFullEventQueueDrops(t *testing.T) {
	engine := player.NewMock()
	defer engine.Close()
	ctrl := playback.New(engine, playlist.New())
	svc := New(ctrl, nil, Options{EventQueueSize: 1})

	before := counterValue(t, eventsDropped.Write)
	svc.enqueue(playback.Event{Type: playback.EventTrackStarted})
	svc.enqueue(playback.Event{Type: playback.EventTrackEnded})
	svc.enqueue(playback.Event{Type: playback.EventStateChanged})
	svc.enqueue(playback.Event{Type: playback.EventErrorOccurred})
	assert.Equal(t, before+3, counterValue(t, eventsDropped.Write))

	events := svc.takeEvents()
	require.Len(t, events, 1)
	assert.Equal(t, playback.EventTrackEnded, events[0].Type, "the advance signal survives")
}

func TestFullEventQueueEvictsStateChangesFirst(t *testing.T) {
	engine := player.NewMock()
	defer engine.Close()
	ctrl := playback.New(engine, playlist.New())
	svc := New(ctrl, nil, Options{EventQueueSize: 3})

	svc.enqueue(playback.Event{Type: playback.EventStateChanged, Info: "loading"})
	svc.enqueue(playback.Event{Type: playback.EventTrackStarted})
	svc.enqueue(playback.Event{Type: playback.EventStateChanged, Info: "playing"})
	svc.enqueue(playback.Event{Type: playback.EventTrackEnded})

	events := svc.takeEvents()
	require.Len(t, events, 3)
	assert.Equal(t, playback.EventTrackStarted, events[0].Type)
	assert.Equal(t, "playing", events[1].Info)
	assert.Equal(t, playback.EventTrackEnded, events[2].Type)
	assert.Empty(t, svc.takeEvents())
}

func counterValue(t *testing.T, write func(*dto.Metric) error) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, write(&m))
	return m.GetCounter().GetValue()
}
