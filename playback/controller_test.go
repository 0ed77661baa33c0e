package playback_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aposazhennikov/music-player-service/playback"
	"github.com/aposazhennikov/music-player-service/player"
	"github.com/aposazhennikov/music-player-service/playlist"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

// eventRecorder collects controller events.
type eventRecorder struct {
	mu     sync.Mutex
	events []playback.Event
}

func (r *eventRecorder) sink(ev playback.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count(t playback.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(t playback.EventType) (playback.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return playback.Event{}, false
}

// fastTiming drops the settle delays so tests run quickly.
func fastTiming() playback.Timing {
	return playback.Timing{
		StopTimeout:     time.Second,
		MaxErrorRetries: 3,
	}
}

type fixture struct {
	engine   *player.Mock
	ctrl     *playback.Controller
	events   *eventRecorder
	tracks   []playlist.Track
	playlist *playlist.Manager
}

func newFixture(t *testing.T, trackCount int, opts ...playback.Option) *fixture {
	t.Helper()

	engine := player.NewMock()
	t.Cleanup(func() { engine.Close() })

	pl := playlist.New()
	for i := 0; i < trackCount; i++ {
		pl.AddTrack(playlist.TrackFromFile(filepath.Join("/music", string(rune('a'+i))+".mp3")))
	}

	opts = append([]playback.Option{playback.WithTiming(fastTiming())}, opts...)
	ctrl := playback.New(engine, pl, opts...)
	rec := &eventRecorder{}
	ctrl.SetEventSink(rec.sink)
	require.NoError(t, ctrl.Initialize())

	return &fixture{engine: engine, ctrl: ctrl, events: rec, tracks: pl.Tracks(), playlist: pl}
}

func (f *fixture) waitState(t *testing.T, want ...playback.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		state := f.ctrl.State()
		for _, w := range want {
			if state == w {
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond, "want state in %v, have %s", want, f.ctrl.State())
}

func (f *fixture) waitEvents(t *testing.T, typ playback.EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.events.count(typ) >= n },
		waitTimeout, 5*time.Millisecond, "waiting for %d %s events", n, typ)
}

func TestPauseFromIdleFails(t *testing.T) {
	f := newFixture(t, 3)

	err := f.ctrl.Pause()
	assert.ErrorIs(t, err, playback.ErrInvalidState)
	assert.Equal(t, playback.StateIdle, f.ctrl.State())
	assert.Zero(t, f.engine.CallCount("Pause"))

	assert.ErrorIs(t, f.ctrl.Resume(), playback.ErrInvalidState)
	assert.ErrorIs(t, f.ctrl.Seek(1000), playback.ErrInvalidState)
	assert.Zero(t, f.events.count(playback.EventErrorOccurred))
}

func TestPlayEmptyPlaylist(t *testing.T) {
	f := newFixture(t, 0)
	assert.ErrorIs(t, f.ctrl.Play(), playback.ErrEmptyPlaylist)
	assert.Zero(t, f.engine.CallCount("LoadTrack"))
}

func TestPlayStartsCurrentTrack(t *testing.T) {
	f := newFixture(t, 3)

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)

	assert.Equal(t, []string{f.tracks[0].Path}, f.engine.Loaded())
	f.waitEvents(t, playback.EventTrackStarted, 1)
	ev, _ := f.events.last(playback.EventTrackStarted)
	assert.Equal(t, "a", ev.Info)
	assert.Equal(t, f.tracks[0].Path, ev.Path)

	// Already playing: no second start.
	require.NoError(t, f.ctrl.Play())
	assert.Equal(t, 1, f.engine.CallCount("Start"))
}

func TestPlayWhilePausedResumes(t *testing.T) {
	f := newFixture(t, 2)

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)
	require.NoError(t, f.ctrl.Pause())
	f.waitState(t, playback.StatePaused)

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)
	assert.Equal(t, 1, f.engine.CallCount("Resume"))
	assert.Equal(t, 1, f.engine.CallCount("Start"))
}

func TestStopTwice(t *testing.T) {
	f := newFixture(t, 3)

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)

	require.NoError(t, f.ctrl.Stop())
	require.NoError(t, f.ctrl.Stop())
	f.waitState(t, playback.StateIdle, playback.StateStopped)
	assert.Equal(t, 1, f.engine.CallCount("Stop"))
	assert.False(t, f.ctrl.IsTransitioning())
	assert.Zero(t, f.events.count(playback.EventTrackEnded))
}

func TestStopProceedsWhenEngineNeverReportsStopped(t *testing.T) {
	f := newFixture(t, 2, playback.WithTiming(playback.Timing{
		StopTimeout:     50 * time.Millisecond,
		MaxErrorRetries: 3,
	}))
	f.engine.SetStopCallback(false)

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)

	start := time.Now()
	require.NoError(t, f.ctrl.Stop())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Reset is issued regardless: once before the load and once after the stop.
	assert.Equal(t, 2, f.engine.CallCount("Reset"))
	f.waitState(t, playback.StateIdle)
}

func TestNaturalEndEmitsTrackEnded(t *testing.T) {
	f := newFixture(t, 3)
	f.engine.SetAutoCallbacks(false)

	require.NoError(t, f.ctrl.Play())
	f.engine.Emit(player.StatePlaying, player.ErrCodeNone)
	f.waitState(t, playback.StatePlaying)
	f.engine.Emit(player.StateStopped, player.ErrCodeNone)

	f.waitEvents(t, playback.EventTrackEnded, 1)
	ev, _ := f.events.last(playback.EventTrackEnded)
	assert.Equal(t, "a", ev.Info)

	// The controller leaves advancing to whoever drains the events.
	assert.Equal(t, 1, f.engine.CallCount("LoadTrack"))
	assert.Equal(t, 0, f.ctrl.CurrentIndex())
}

func TestNaturalEndWithAutoPlayDisabled(t *testing.T) {
	f := newFixture(t, 3, playback.WithAutoPlayNext(false))
	f.engine.SetAutoCallbacks(false)

	require.NoError(t, f.ctrl.Play())
	f.engine.Emit(player.StatePlaying, player.ErrCodeNone)
	f.engine.Emit(player.StateStopped, player.ErrCodeNone)
	f.waitState(t, playback.StateStopped)

	assert.Zero(t, f.events.count(playback.EventTrackEnded))
}

func TestErrorRetriesAreBounded(t *testing.T) {
	f := newFixture(t, 3)
	f.engine.SetAutoCallbacks(false)

	require.NoError(t, f.ctrl.Play())
	f.engine.Emit(player.StatePlaying, player.ErrCodeNone)
	for i := 0; i < 4; i++ {
		f.engine.Emit(player.StateError, player.ErrCodeDecode)
	}

	f.waitEvents(t, playback.EventErrorOccurred, 4)
	assert.Equal(t, 3, f.events.count(playback.EventTrackEnded))

	// The budget starts over after exhaustion.
	f.engine.Emit(player.StateError, player.ErrCodeDecode)
	f.waitEvents(t, playback.EventTrackEnded, 4)
	assert.Equal(t, 5, f.events.count(playback.EventErrorOccurred))
}

func TestErrorWithoutNextTrackHalts(t *testing.T) {
	f := newFixture(t, 1)
	f.engine.SetAutoCallbacks(false)

	require.NoError(t, f.ctrl.Play())
	f.engine.Emit(player.StateError, player.ErrCodeIO)

	f.waitEvents(t, playback.EventErrorOccurred, 1)
	f.waitState(t, playback.StateError)
	assert.Zero(t, f.events.count(playback.EventTrackEnded))
}

func TestNextSuppressesAutoAdvance(t *testing.T) {
	f := newFixture(t, 3)

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)

	require.NoError(t, f.ctrl.Next())
	assert.Equal(t, 1, f.ctrl.CurrentIndex())
	assert.False(t, f.ctrl.IsTransitioning())
	f.waitState(t, playback.StatePlaying)
	f.waitEvents(t, playback.EventTrackStarted, 2)

	assert.Equal(t, []string{f.tracks[0].Path, f.tracks[1].Path}, f.engine.Loaded())
	assert.Zero(t, f.events.count(playback.EventTrackEnded))
}

func TestNextAtEndEmitsPlaylistEnded(t *testing.T) {
	f := newFixture(t, 3)

	require.NoError(t, f.ctrl.PlayTrack(2))
	f.waitState(t, playback.StatePlaying)
	loads := f.engine.CallCount("LoadTrack")

	assert.ErrorIs(t, f.ctrl.Next(), playback.ErrNoNextTrack)
	assert.Equal(t, 2, f.ctrl.CurrentIndex())
	assert.Equal(t, loads, f.engine.CallCount("LoadTrack"))
	assert.Equal(t, 1, f.events.count(playback.EventPlaylistEnded))
	assert.Equal(t, playback.StatePlaying, f.ctrl.State())
}

func TestPrevAtStartEmitsPlaylistEnded(t *testing.T) {
	f := newFixture(t, 3)

	assert.ErrorIs(t, f.ctrl.Prev(), playback.ErrNoPreviousTrack)
	assert.Equal(t, 0, f.ctrl.CurrentIndex())
	assert.Equal(t, 1, f.events.count(playback.EventPlaylistEnded))
	assert.Zero(t, f.engine.CallCount("Stop"))
}

func TestPrevInLoopAllWraps(t *testing.T) {
	f := newFixture(t, 3)
	f.ctrl.SetPlayMode(playlist.LoopAll)

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)
	require.NoError(t, f.ctrl.Prev())
	assert.Equal(t, 2, f.ctrl.CurrentIndex())
	assert.Equal(t, f.tracks[2].Path, f.engine.Loaded()[1])
}

func TestPlayTrack(t *testing.T) {
	f := newFixture(t, 3)

	assert.ErrorIs(t, f.ctrl.PlayTrack(3), playback.ErrInvalidIndex)
	assert.ErrorIs(t, f.ctrl.PlayTrack(-1), playback.ErrInvalidIndex)
	assert.Zero(t, f.engine.CallCount("LoadTrack"))

	require.NoError(t, f.ctrl.PlayTrack(1))
	f.waitState(t, playback.StatePlaying)
	require.NoError(t, f.ctrl.PlayTrack(2))
	f.waitState(t, playback.StatePlaying)
	require.Eventually(t, func() bool { return !f.ctrl.IsTransitioning() }, waitTimeout, 5*time.Millisecond)

	assert.Equal(t, []string{f.tracks[1].Path, f.tracks[2].Path}, f.engine.Loaded())
	assert.Equal(t, 1, f.engine.CallCount("Stop"))
	assert.Zero(t, f.events.count(playback.EventTrackEnded))
}

func TestLoadFailureReportsPath(t *testing.T) {
	f := newFixture(t, 3)
	f.engine.FailLoad(f.tracks[0].Path)

	err := f.ctrl.Play()
	require.ErrorIs(t, err, player.ErrMock)

	f.waitEvents(t, playback.EventErrorOccurred, 1)
	ev, _ := f.events.last(playback.EventErrorOccurred)
	assert.Equal(t, f.tracks[0].Path, ev.Path)
	assert.Equal(t, f.tracks[0].Path, ev.Info)
	assert.True(t, ev.Fault)

	// The failure takes the retry path so the drain goroutine can skip ahead.
	assert.Equal(t, 1, f.events.count(playback.EventTrackEnded))
	assert.Zero(t, f.events.count(playback.EventTrackStarted))
}

func TestStartFailureReportsPath(t *testing.T) {
	f := newFixture(t, 2)
	f.engine.FailStart(true)

	require.ErrorIs(t, f.ctrl.Play(), player.ErrMock)
	ev, ok := f.events.last(playback.EventErrorOccurred)
	require.True(t, ok)
	assert.Equal(t, f.tracks[0].Path, ev.Path)
}

func TestSeek(t *testing.T) {
	f := newFixture(t, 2)

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)

	require.NoError(t, f.ctrl.Seek(1500))
	assert.Equal(t, 1500, f.ctrl.PositionMs())
	assert.ErrorIs(t, f.ctrl.Seek(-1), playback.ErrInvalidState)

	f.engine.FailSeek(true)
	assert.Error(t, f.ctrl.Seek(10))
	assert.Equal(t, 1, f.events.count(playback.EventErrorOccurred))
	ev, _ := f.events.last(playback.EventErrorOccurred)
	assert.False(t, ev.Fault, "a rejected seek is not the track's fault")
}

func TestPositionAndDuration(t *testing.T) {
	f := newFixture(t, 1)
	f.engine.SetTiming(1200*time.Millisecond, 3*time.Minute)

	assert.Equal(t, 1200, f.ctrl.PositionMs())
	assert.Equal(t, 180_000, f.ctrl.DurationMs())
}

func TestStateChangedEvents(t *testing.T) {
	f := newFixture(t, 1)

	require.NoError(t, f.ctrl.Play())
	f.waitEvents(t, playback.EventStateChanged, 2)

	ev, _ := f.events.last(playback.EventStateChanged)
	assert.Equal(t, playback.StatePlaying, ev.State)
	assert.Equal(t, "playing", ev.Info)
	assert.Equal(t, 2, f.events.count(playback.EventStateChanged))
}

func TestLoadPlaylist(t *testing.T) {
	f := newFixture(t, 0)
	dir := t.TempDir()
	for _, name := range []string{"b.mp3", "a.wav", "readme.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	require.NoError(t, f.ctrl.LoadPlaylist(dir))
	assert.Equal(t, 2, f.ctrl.PlaylistSize())
	track, ok := f.ctrl.CurrentTrack()
	require.True(t, ok)
	assert.Equal(t, "a", track.Title)

	require.NoError(t, f.ctrl.LoadPlaylist(filepath.Join(dir, "b.mp3")))
	assert.Equal(t, 1, f.ctrl.PlaylistSize())

	assert.ErrorIs(t, f.ctrl.LoadPlaylist(filepath.Join(dir, "missing")), playlist.ErrNotFound)
}

func TestLoadPlaylistStopsPlayback(t *testing.T) {
	f := newFixture(t, 2)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "z.mp3"), []byte("x"), 0o644))

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)
	require.NoError(t, f.ctrl.LoadPlaylist(dir))

	f.waitState(t, playback.StateIdle, playback.StateStopped)
	assert.Equal(t, 1, f.engine.CallCount("Stop"))
	assert.Zero(t, f.events.count(playback.EventTrackEnded))
}

func TestShuffleKeepsCurrentTrack(t *testing.T) {
	f := newFixture(t, 5)
	require.NoError(t, f.ctrl.PlayTrack(3))

	f.ctrl.Shuffle()
	assert.True(t, f.ctrl.IsShuffled())
	track, _ := f.ctrl.CurrentTrack()
	assert.Equal(t, f.tracks[3].Path, track.Path)

	f.ctrl.Unshuffle()
	assert.Equal(t, 3, f.ctrl.CurrentIndex())
}

func TestRemoveAndReplaceTracks(t *testing.T) {
	f := newFixture(t, 3)

	assert.True(t, f.ctrl.RemoveTrack(f.tracks[0].Path))
	assert.Equal(t, 2, f.ctrl.PlaylistSize())

	f.ctrl.ReplaceTracks([]playlist.Track{f.tracks[2]})
	assert.Equal(t, 1, f.ctrl.PlaylistSize())

	f.ctrl.AddTrack(f.tracks[0])
	assert.Equal(t, 2, f.ctrl.PlaylistSize())
}

func TestFailedPrepareIsReportedOnce(t *testing.T) {
	dir := t.TempDir()
	pl := playlist.New()
	for _, name := range []string{"a.m4a", "b.m4a"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("not audio"), 0o644))
		pl.AddTrack(playlist.TrackFromFile(path))
	}

	engine := player.New(player.WithRealtime(false))
	t.Cleanup(func() { engine.Close() })
	ctrl := playback.New(engine, pl, playback.WithTiming(fastTiming()))
	rec := &eventRecorder{}
	ctrl.SetEventSink(rec.sink)
	require.NoError(t, ctrl.Initialize())

	require.Error(t, ctrl.Play())
	require.Eventually(t, func() bool { return ctrl.State() == playback.StateError },
		waitTimeout, 5*time.Millisecond)

	// The engine's own Error report must not count as a second failure.
	assert.Never(t, func() bool { return rec.count(playback.EventErrorOccurred) > 1 },
		200*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(playback.EventErrorOccurred))
	assert.Equal(t, 1, rec.count(playback.EventTrackEnded))
	ev, _ := rec.last(playback.EventErrorOccurred)
	assert.Equal(t, pl.Tracks()[0].Path, ev.Path)
	assert.True(t, ev.Fault)
}

func TestOutputErrorDoesNotBlameTrack(t *testing.T) {
	f := newFixture(t, 3)

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)

	f.engine.Emit(player.StateError, player.ErrCodeOutput)
	f.waitEvents(t, playback.EventErrorOccurred, 1)
	ev, _ := f.events.last(playback.EventErrorOccurred)
	assert.Equal(t, f.tracks[0].Path, ev.Path)
	assert.False(t, ev.Fault)

	f.engine.Emit(player.StateError, player.ErrCodeDecode)
	f.waitEvents(t, playback.EventErrorOccurred, 2)
	ev, _ = f.events.last(playback.EventErrorOccurred)
	assert.True(t, ev.Fault)
}

func TestPauseAndResumeBackToBack(t *testing.T) {
	f := newFixture(t, 2)

	require.NoError(t, f.ctrl.Play())
	f.waitState(t, playback.StatePlaying)

	require.NoError(t, f.ctrl.Pause())
	assert.Equal(t, playback.StatePaused, f.ctrl.State())
	require.NoError(t, f.ctrl.Resume())
	assert.Equal(t, playback.StatePlaying, f.ctrl.State())
	require.NoError(t, f.ctrl.Pause())
	assert.Equal(t, playback.StatePaused, f.ctrl.State())
}
