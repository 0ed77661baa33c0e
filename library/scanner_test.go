package library_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aposazhennikov/music-player-service/library"
	"github.com/aposazhennikov/music-player-service/playlist"
)

func TestScanRecursesAndFilters(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "b.mp3", "a.flac", "notes.txt", "nested/deeper/c.wav", "nested/cover.jpg")

	tracks, err := library.Scan(context.Background(), []string{dir}, nil)
	require.NoError(t, err)
	require.Len(t, tracks, 3)

	assert.Equal(t, filepath.Join(dir, "a.flac"), tracks[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.mp3"), tracks[1].Path)
	assert.Equal(t, filepath.Join(dir, "nested", "deeper", "c.wav"), tracks[2].Path)

	// Untagged files fall back to the file name.
	assert.Equal(t, "c", tracks[2].Title)
	assert.Equal(t, playlist.UnknownArtist, tracks[2].Artist)
	assert.Equal(t, playlist.UnknownAlbum, tracks[2].Album)
}

func TestScanCustomExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.mp3", "b.ogg")

	tracks, err := library.Scan(context.Background(), []string{dir}, []string{"ogg"})
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "b", tracks[0].Title)
}

func TestScanErrors(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.mp3")

	_, err := library.Scan(context.Background(), []string{filepath.Join(dir, "missing")}, nil)
	assert.ErrorIs(t, err, playlist.ErrNotFound)

	_, err = library.Scan(context.Background(), []string{filepath.Join(dir, "a.mp3")}, nil)
	assert.ErrorIs(t, err, playlist.ErrNotDirectory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = library.Scan(ctx, []string{dir}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportPrunesMissingFiles(t *testing.T) {
	ctx := context.Background()
	lib := openTestLibrary(t)
	dir := t.TempDir()
	writeFiles(t, dir, "a.mp3", "b.mp3", "sub/c.mp3")

	res, err := lib.Import(ctx, []string{dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, library.ImportResult{Found: 3, Written: 3}, res)

	require.NoError(t, os.Remove(filepath.Join(dir, "b.mp3")))
	// Entries outside the scanned tree are left alone.
	_, err = lib.AddTrack(ctx, playlist.Track{Path: "/elsewhere/x.mp3"})
	require.NoError(t, err)

	res, err = lib.Import(ctx, []string{dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, library.ImportResult{Found: 2, Written: 2, Removed: 1}, res)

	all, err := lib.AllTracks(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestApplyChange(t *testing.T) {
	ctx := context.Background()
	lib := openTestLibrary(t)
	dir := t.TempDir()
	writeFiles(t, dir, "new.mp3", "bad.mp3")
	newPath := filepath.Join(dir, "new.mp3")
	badPath := filepath.Join(dir, "bad.mp3")

	_, err := lib.AddTrack(ctx, playlist.Track{Path: "/music/gone.mp3"})
	require.NoError(t, err)
	require.NoError(t, lib.MarkBad(ctx, badPath, "decode"))

	added, err := lib.Apply(ctx, library.Change{
		Created: []string{newPath, badPath},
		Removed: []string{"/music/gone.mp3"},
	})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, newPath, added[0].Path)

	_, err = lib.TrackByPath(ctx, "/music/gone.mp3")
	assert.ErrorIs(t, err, library.ErrNotFound)
}

// changeRecorder collects watcher changes.
type changeRecorder struct {
	mu      sync.Mutex
	created []string
	removed []string
}

func (r *changeRecorder) record(ch library.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, ch.Created...)
	r.removed = append(r.removed, ch.Removed...)
}

func (r *changeRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created), len(r.removed)
}

func TestWatcherReportsAudioChanges(t *testing.T) {
	dir := t.TempDir()
	w, err := library.NewWatcher([]string{dir}, nil, library.WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	rec := &changeRecorder{}
	go func() {
		defer close(done)
		w.Run(ctx, rec.record)
	}()
	defer func() {
		cancel()
		<-done
	}()

	writeFiles(t, dir, "song.mp3", "readme.txt")
	require.Eventually(t, func() bool {
		created, _ := rec.counts()
		return created == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "song.mp3")))
	require.Eventually(t, func() bool {
		_, removed := rec.counts()
		return removed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	w, err := library.NewWatcher([]string{dir}, nil, library.WithDebounce(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	rec := &changeRecorder{}
	go func() {
		defer close(done)
		w.Run(ctx, rec.record)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, os.Mkdir(filepath.Join(dir, "album"), 0o755))
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(100 * time.Millisecond)
	writeFiles(t, dir, "album/track.flac")

	require.Eventually(t, func() bool {
		created, _ := rec.counts()
		return created == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewWatcherMissingDirectory(t *testing.T) {
	_, err := library.NewWatcher([]string{filepath.Join(t.TempDir(), "missing")}, nil)
	assert.Error(t, err)
}
