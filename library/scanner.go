package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhowden/tag"

	"github.com/aposazhennikov/music-player-service/playlist"
)

// ReadTrack builds a track for path from its tags. Files without readable
// tags fall back to the file name, and missing fields get the usual
// placeholders.
func ReadTrack(path string) playlist.Track {
	track := playlist.TrackFromFile(path)

	f, err := os.Open(path)
	if err != nil {
		return track
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return track
	}

	if title := strings.TrimSpace(m.Title()); title != "" {
		track.Title = title
	}
	artist := strings.TrimSpace(m.Artist())
	if artist == "" {
		artist = strings.TrimSpace(m.AlbumArtist())
	}
	if artist != "" {
		track.Artist = artist
	}
	if album := strings.TrimSpace(m.Album()); album != "" {
		track.Album = album
	}
	track.Year = m.Year()
	return track
}

// Scan walks dirs recursively and returns the audio files found, sorted by
// path. Unreadable subdirectories are skipped; a missing root is an error.
func Scan(ctx context.Context, dirs []string, extensions []string) ([]playlist.Track, error) {
	if len(extensions) == 0 {
		extensions = playlist.DefaultExtensions
	}

	seen := make(map[string]bool)
	var tracks []playlist.Track
	for _, dir := range dirs {
		root, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%s: %w", root, playlist.ErrNotFound)
			}
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s: %w", root, playlist.ErrNotDirectory)
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return err
			}
			if !d.Type().IsRegular() || seen[path] || !playlist.IsAudioFile(path, extensions) {
				return nil
			}
			seen[path] = true
			tracks = append(tracks, ReadTrack(path))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", root, err)
		}
	}

	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Path < tracks[j].Path })
	return tracks, nil
}

// ImportResult reports what Import changed.
type ImportResult struct {
	Found   int `json:"found"`
	Written int `json:"written"`
	Removed int `json:"removed"`
}

// Import scans dirs, writes every file found to the catalog and removes
// entries under dirs whose files are gone. Quarantined entries keep their
// flag.
func (l *Library) Import(ctx context.Context, dirs []string, extensions []string) (ImportResult, error) {
	tracks, err := Scan(ctx, dirs, extensions)
	if err != nil {
		return ImportResult{}, err
	}

	written, err := l.AddTracks(ctx, tracks)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{Found: len(tracks), Written: written}

	found := make(map[string]bool, len(tracks))
	for _, t := range tracks {
		found[t.Path] = true
	}
	for _, dir := range dirs {
		root, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		stale, err := l.pathsUnder(ctx, root)
		if err != nil {
			return res, err
		}
		for _, p := range stale {
			if found[p] {
				continue
			}
			if _, err := os.Stat(p); err == nil {
				continue
			}
			if err := l.DeleteByPath(ctx, p); err != nil {
				return res, err
			}
			res.Removed++
		}
	}

	l.logger.Info("Library import finished",
		slog.Int("found", res.Found),
		slog.Int("written", res.Written),
		slog.Int("removed", res.Removed))
	return res, nil
}

func (l *Library) pathsUnder(ctx context.Context, root string) ([]string, error) {
	prefix := strings.TrimSuffix(root, string(filepath.Separator)) + string(filepath.Separator)
	rows, err := l.db.QueryContext(ctx, `SELECT path FROM tracks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	return paths, rows.Err()
}
