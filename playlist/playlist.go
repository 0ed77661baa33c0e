package playlist

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Errors returned by the loaders.
var (
	ErrNotFound     = errors.New("path does not exist")
	ErrNotDirectory = errors.New("path is not a directory")
	ErrNotFile      = errors.New("path is not a regular file")
	ErrNoAudioFiles = errors.New("no audio files found")
)

// Manager holds an ordered track list, a cursor into it and the play mode
// that decides how the cursor moves.
//
// Manager is not safe for concurrent use. The playback controller guards it
// with its state lock.
type Manager struct {
	tracks        []Track
	originalOrder []Track
	current       int
	mode          PlayMode
	shuffled      bool

	extensions []string
	rnd        *rand.Rand
}

// Option configures a Manager.
type Option func(*Manager)

// WithExtensions overrides the recognized audio extensions.
func WithExtensions(exts []string) Option {
	return func(m *Manager) {
		if len(exts) > 0 {
			m.extensions = exts
		}
	}
}

// WithRand sets the random source used by Random mode and Shuffle.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		if r != nil {
			m.rnd = r
		}
	}
}

// New creates an empty playlist in Sequential mode.
func New(opts ...Option) *Manager {
	now := uint64(time.Now().UnixNano())
	m := &Manager{
		extensions: DefaultExtensions,
		rnd:        rand.New(rand.NewPCG(now, now>>1|1)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Extensions returns the recognized audio extensions.
func (m *Manager) Extensions() []string {
	return m.extensions
}

// LoadFromDirectory replaces the playlist with every audio file directly
// inside dir, sorted by path.
func (m *Manager) LoadFromDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", dir, ErrNotFound)
		}
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", dir, ErrNotDirectory)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", dir, err)
	}

	exts := extensionSet(m.extensions)
	var paths []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !exts[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	if len(paths) == 0 {
		return fmt.Errorf("%s: %w", dir, ErrNoAudioFiles)
	}
	sort.Strings(paths)

	m.reset(lo.Map(paths, func(p string, _ int) Track { return TrackFromFile(p) }))
	return nil
}

// LoadFromFile replaces the playlist with a single file.
func (m *Manager) LoadFromFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", path, ErrNotFile)
	}

	m.reset([]Track{TrackFromFile(path)})
	return nil
}

// reset installs tracks as the new list, rewinds the cursor and drops shuffle state.
func (m *Manager) reset(tracks []Track) {
	m.tracks = tracks
	m.originalOrder = append([]Track(nil), tracks...)
	m.current = 0
	m.shuffled = false
}

// Replace swaps in a new track list. The current track keeps the cursor if
// it is still part of the list, otherwise the cursor goes back to 0.
func (m *Manager) Replace(tracks []Track) {
	cur, hadCurrent := m.Current()
	m.reset(append([]Track(nil), tracks...))
	if hadCurrent {
		if _, idx, ok := lo.FindIndexOf(m.tracks, func(t Track) bool { return t.Path == cur.Path }); ok {
			m.current = idx
		}
	}
}

// AddTrack appends a track. While not shuffled the original order grows
// with it, so a later Unshuffle keeps the track.
func (m *Manager) AddTrack(t Track) {
	m.tracks = append(m.tracks, t)
	if !m.shuffled {
		m.originalOrder = append(m.originalOrder, t)
	}
}

// RemoveByPath drops the track with the given path from both orders.
// The cursor stays on the same track when possible.
func (m *Manager) RemoveByPath(path string) bool {
	idx := lo.IndexOf(lo.Map(m.tracks, func(t Track, _ int) string { return t.Path }), path)
	if idx < 0 {
		return false
	}

	m.tracks = append(m.tracks[:idx:idx], m.tracks[idx+1:]...)
	m.originalOrder = lo.Filter(m.originalOrder, func(t Track, _ int) bool { return t.Path != path })

	switch {
	case len(m.tracks) == 0:
		m.current = 0
	case idx < m.current:
		m.current--
	case m.current >= len(m.tracks):
		m.current = len(m.tracks) - 1
	}
	return true
}

// Clear empties the playlist.
func (m *Manager) Clear() {
	m.reset(nil)
}

// Next moves the cursor according to the play mode and reports whether it
// moved. A refused move leaves the cursor untouched.
func (m *Manager) Next() bool {
	if len(m.tracks) == 0 {
		return false
	}
	switch m.mode {
	case Sequential:
		if m.current >= len(m.tracks)-1 {
			return false
		}
		m.current++
	case LoopAll:
		m.current = (m.current + 1) % len(m.tracks)
	case Random:
		m.current = m.randomIndex()
	case SingleLoop:
		// Cursor stays on the current track.
	}
	return true
}

// Prev is the backward counterpart of Next.
func (m *Manager) Prev() bool {
	if len(m.tracks) == 0 {
		return false
	}
	switch m.mode {
	case Sequential:
		if m.current <= 0 {
			return false
		}
		m.current--
	case LoopAll:
		if m.current == 0 {
			m.current = len(m.tracks) - 1
		} else {
			m.current--
		}
	case Random:
		m.current = m.randomIndex()
	case SingleLoop:
	}
	return true
}

// randomIndex picks uniformly among all indices other than the current one.
func (m *Manager) randomIndex() int {
	n := len(m.tracks)
	if n <= 1 {
		return 0
	}
	idx := m.rnd.IntN(n - 1)
	if idx >= m.current {
		idx++
	}
	return idx
}

// HasNext reports whether Next would move the cursor.
func (m *Manager) HasNext() bool {
	if len(m.tracks) == 0 {
		return false
	}
	if m.mode == Sequential {
		return m.current < len(m.tracks)-1
	}
	return true
}

// HasPrev reports whether Prev would move the cursor.
func (m *Manager) HasPrev() bool {
	if len(m.tracks) == 0 {
		return false
	}
	if m.mode == Sequential {
		return m.current > 0
	}
	return true
}

// SeekTo moves the cursor to index. Out-of-range indices are refused.
func (m *Manager) SeekTo(index int) bool {
	if index < 0 || index >= len(m.tracks) {
		return false
	}
	m.current = index
	return true
}

// Shuffle permutes the tracks with Fisher-Yates and keeps the cursor on the
// track that was current before.
func (m *Manager) Shuffle() {
	if len(m.tracks) == 0 || m.shuffled {
		return
	}

	cur := m.tracks[m.current]
	m.originalOrder = append([]Track(nil), m.tracks...)
	m.rnd.Shuffle(len(m.tracks), func(i, j int) {
		m.tracks[i], m.tracks[j] = m.tracks[j], m.tracks[i]
	})
	m.relocate(cur.Path)
	m.shuffled = true
}

// Unshuffle restores the order captured by the last Shuffle.
func (m *Manager) Unshuffle() {
	if !m.shuffled {
		return
	}

	var curPath string
	if cur, ok := m.Current(); ok {
		curPath = cur.Path
	}
	m.tracks = append([]Track(nil), m.originalOrder...)
	m.relocate(curPath)
	m.shuffled = false
}

// relocate points the cursor at path, falling back to 0.
func (m *Manager) relocate(path string) {
	m.current = 0
	if _, idx, ok := lo.FindIndexOf(m.tracks, func(t Track) bool { return t.Path == path }); ok {
		m.current = idx
	}
}

// Current returns the track under the cursor.
func (m *Manager) Current() (Track, bool) {
	if len(m.tracks) == 0 {
		return Track{}, false
	}
	return m.tracks[m.current], true
}

// CurrentIndex returns the cursor, or -1 when the playlist is empty.
func (m *Manager) CurrentIndex() int {
	if len(m.tracks) == 0 {
		return -1
	}
	return m.current
}

// Len returns the number of tracks.
func (m *Manager) Len() int {
	return len(m.tracks)
}

// Tracks returns a copy of the tracks in playing order.
func (m *Manager) Tracks() []Track {
	return append([]Track(nil), m.tracks...)
}

// SetPlayMode changes the play mode.
func (m *Manager) SetPlayMode(mode PlayMode) {
	m.mode = mode
}

// PlayMode returns the play mode.
func (m *Manager) PlayMode() PlayMode {
	return m.mode
}

// IsShuffled reports whether the tracks are in shuffled order.
func (m *Manager) IsShuffled() bool {
	return m.shuffled
}
