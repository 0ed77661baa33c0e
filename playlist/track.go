package playlist

import (
	"path/filepath"
	"strings"
	"time"
)

// Placeholders used when a file carries no usable tags.
const (
	UnknownArtist = "Unknown Artist"
	UnknownAlbum  = "Unknown Album"
)

// DefaultExtensions lists the audio file extensions recognized by default.
var DefaultExtensions = []string{".mp3", ".wav", ".m4a", ".aac", ".flac"}

// Track describes a single playable file.
// Path identifies the track within a session.
type Track struct {
	Path     string        `json:"path"`
	Title    string        `json:"title"`
	Artist   string        `json:"artist"`
	Album    string        `json:"album"`
	Year     int           `json:"year,omitempty"`
	Duration time.Duration `json:"-"`
}

// DisplayName returns the title, or the path when the track has no title.
func (t Track) DisplayName() string {
	if t.Title != "" {
		return t.Title
	}
	return t.Path
}

// TrackFromFile builds a track for path using only the file name.
// Duration stays zero until the engine reports it.
func TrackFromFile(path string) Track {
	base := filepath.Base(path)
	return Track{
		Path:   path,
		Title:  strings.TrimSuffix(base, filepath.Ext(base)),
		Artist: UnknownArtist,
		Album:  UnknownAlbum,
	}
}

// extensionSet normalizes a list of extensions into a lookup set.
// Entries may be given with or without the leading dot and in any case.
func extensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = true
	}
	return set
}

// IsAudioFile reports whether path has one of the given extensions.
func IsAudioFile(path string, exts []string) bool {
	return extensionSet(exts)[strings.ToLower(filepath.Ext(path))]
}
