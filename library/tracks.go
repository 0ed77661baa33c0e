package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/aposazhennikov/music-player-service/playlist"
)

// Track is a catalog entry: the playable track plus its statistics.
type Track struct {
	ID         int64  `json:"id"`
	Path       string `json:"file_path"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	Year       int    `json:"year"`
	DurationMs int64  `json:"duration_ms"`
	PlayCount  int    `json:"play_count"`
	LastPlayed int64  `json:"last_played"`
	AddedAt    int64  `json:"added_at"`
	Favorite   bool   `json:"is_favorite"`
}

// PlaylistTrack converts the entry into a playlist track.
func (t Track) PlaylistTrack() playlist.Track {
	return playlist.Track{
		Path:     t.Path,
		Title:    t.Title,
		Artist:   t.Artist,
		Album:    t.Album,
		Year:     t.Year,
		Duration: time.Duration(t.DurationMs) * time.Millisecond,
	}
}

// PlaylistTracks converts catalog entries into playlist tracks.
func PlaylistTracks(tracks []Track) []playlist.Track {
	return lo.Map(tracks, func(t Track, _ int) playlist.Track { return t.PlaylistTrack() })
}

const trackColumns = `id, path, title, artist, album, year, duration_ms,
	play_count, last_played, added_at, is_favorite`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (Track, error) {
	var t Track
	var fav int
	err := row.Scan(&t.ID, &t.Path, &t.Title, &t.Artist, &t.Album, &t.Year, &t.DurationMs,
		&t.PlayCount, &t.LastPlayed, &t.AddedAt, &fav)
	t.Favorite = fav != 0
	return t, err
}

func (l *Library) queryTracks(ctx context.Context, query string, args ...any) ([]Track, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

const upsertTrack = `
	INSERT INTO tracks (path, title, artist, album, year, duration_ms, added_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		title = excluded.title,
		artist = excluded.artist,
		album = excluded.album,
		year = excluded.year,
		duration_ms = CASE WHEN excluded.duration_ms > 0 THEN excluded.duration_ms ELSE tracks.duration_ms END
	RETURNING id`

func addTrack(ctx context.Context, tx *sql.Tx, t playlist.Track, now int64) (int64, error) {
	if t.Path == "" {
		return 0, ErrEmptyPath
	}
	if t.Title == "" {
		t.Title = playlist.TrackFromFile(t.Path).Title
	}
	var id int64
	err := tx.QueryRowContext(ctx, upsertTrack,
		t.Path, t.Title, t.Artist, t.Album, t.Year, t.Duration.Milliseconds(), now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add track %s: %w", t.Path, err)
	}
	return id, nil
}

// AddTrack inserts a track or updates the tags of the existing entry with
// the same path. Statistics and quarantine state are kept.
func (l *Library) AddTrack(ctx context.Context, t playlist.Track) (int64, error) {
	var id int64
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = addTrack(ctx, tx, t, time.Now().Unix())
		return err
	})
	return id, err
}

// AddTracks inserts or updates tracks in one transaction and returns how
// many were written.
func (l *Library) AddTracks(ctx context.Context, tracks []playlist.Track) (int, error) {
	now := time.Now().Unix()
	count := 0
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tracks {
			if _, err := addTrack(ctx, tx, t, now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteByPath removes the entry for path.
func (l *Library) DeleteByPath(ctx context.Context, path string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM tracks WHERE path = ?`, path)
	return err
}

// Track returns the entry with the given id.
func (l *Library) Track(ctx context.Context, id int64) (Track, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+trackColumns+` FROM tracks WHERE id = ?`, id)
	t, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Track{}, fmt.Errorf("track %d: %w", id, ErrNotFound)
	}
	return t, err
}

// TrackByPath returns the entry for path.
func (l *Library) TrackByPath(ctx context.Context, path string) (Track, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+trackColumns+` FROM tracks WHERE path = ?`, path)
	t, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Track{}, fmt.Errorf("track %s: %w", path, ErrNotFound)
	}
	return t, err
}

// AllTracks lists playable tracks ordered by path. A limit of 0 or less
// lists everything.
func (l *Library) AllTracks(ctx context.Context, limit int) ([]Track, error) {
	return l.Search(ctx, Criteria{OrderBy: "path", Limit: limit})
}

// Criteria filters a search. Empty fields do not filter.
type Criteria struct {
	// Query matches title, artist or album.
	Query         string
	Title         string
	Artist        string
	Album         string
	MinYear       int
	MaxYear       int
	FavoritesOnly bool
	// OrderBy is one of title, artist, album, year, path, play_count,
	// last_played or added_at. Anything else sorts by title.
	OrderBy    string
	Descending bool
	Limit      int
	Offset     int
}

var sortColumns = map[string]string{
	"title":       "title COLLATE NOCASE",
	"artist":      "artist COLLATE NOCASE",
	"album":       "album COLLATE NOCASE",
	"year":        "year",
	"path":        "path",
	"play_count":  "play_count",
	"last_played": "last_played",
	"added_at":    "added_at",
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// Search returns playable tracks matching c. Quarantined tracks never match.
func (l *Library) Search(ctx context.Context, c Criteria) ([]Track, error) {
	var sb strings.Builder
	var args []any
	sb.WriteString(`SELECT ` + trackColumns + ` FROM tracks WHERE bad_flag = 0`)

	if c.Query != "" {
		p := likePattern(c.Query)
		sb.WriteString(` AND (title LIKE ? ESCAPE '\' OR artist LIKE ? ESCAPE '\' OR album LIKE ? ESCAPE '\')`)
		args = append(args, p, p, p)
	}
	for _, f := range []struct{ column, value string }{
		{"title", c.Title}, {"artist", c.Artist}, {"album", c.Album},
	} {
		if f.value != "" {
			sb.WriteString(` AND ` + f.column + ` LIKE ? ESCAPE '\'`)
			args = append(args, likePattern(f.value))
		}
	}
	if c.MinYear > 0 {
		sb.WriteString(` AND year >= ?`)
		args = append(args, c.MinYear)
	}
	if c.MaxYear > 0 {
		sb.WriteString(` AND year <= ?`)
		args = append(args, c.MaxYear)
	}
	if c.FavoritesOnly {
		sb.WriteString(` AND is_favorite = 1`)
	}

	order, ok := sortColumns[c.OrderBy]
	if !ok {
		order = sortColumns["title"]
	}
	sb.WriteString(` ORDER BY ` + order)
	if c.Descending {
		sb.WriteString(` DESC`)
	}
	sb.WriteString(`, id`)

	if c.Limit > 0 {
		sb.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, c.Limit, max(c.Offset, 0))
	}

	tracks, err := l.queryTracks(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search tracks: %w", err)
	}
	return tracks, nil
}

// BadTrack is a quarantined file.
type BadTrack struct {
	Path      string `json:"file_path"`
	Reason    string `json:"reason"`
	MarkedAt  int64  `json:"marked_at"`
	FailCount int    `json:"fail_count"`
}

// MarkBad quarantines path so it is excluded from listings and searches.
// A path unknown to the catalog is recorded too, so a later scan does not
// bring it back.
func (l *Library) MarkBad(ctx context.Context, path, reason string) error {
	if path == "" {
		return ErrEmptyPath
	}
	now := time.Now().Unix()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO tracks (path, title, added_at, bad_flag, bad_reason, bad_marked_at, bad_fail_count)
		VALUES (?, ?, ?, 1, ?, ?, 1)
		ON CONFLICT(path) DO UPDATE SET
			bad_flag = 1,
			bad_reason = excluded.bad_reason,
			bad_marked_at = excluded.bad_marked_at,
			bad_fail_count = tracks.bad_fail_count + 1`,
		path, playlist.TrackFromFile(path).Title, now, reason, now)
	if err != nil {
		return fmt.Errorf("mark bad %s: %w", path, err)
	}
	l.logger.Warn("Track quarantined", slog.String("track", path), slog.String("reason", reason))
	return nil
}

// UnmarkBad lifts the quarantine of path. The failure count is kept.
func (l *Library) UnmarkBad(ctx context.Context, path string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE tracks SET bad_flag = 0, bad_reason = NULL, bad_marked_at = 0
		WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("unmark bad %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("track %s: %w", path, ErrNotFound)
	}
	return nil
}

// IsBad reports whether path is quarantined.
func (l *Library) IsBad(ctx context.Context, path string) (bool, error) {
	var flag int
	err := l.db.QueryRowContext(ctx, `SELECT bad_flag FROM tracks WHERE path = ?`, path).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// BadTracks lists quarantined files, most recent first.
func (l *Library) BadTracks(ctx context.Context) ([]BadTrack, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT path, bad_reason, bad_marked_at, bad_fail_count
		FROM tracks WHERE bad_flag = 1 ORDER BY bad_marked_at DESC, path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bad []BadTrack
	for rows.Next() {
		var b BadTrack
		var reason sql.NullString
		if err := rows.Scan(&b.Path, &reason, &b.MarkedAt, &b.FailCount); err != nil {
			return nil, err
		}
		b.Reason = nullStringValue(reason)
		bad = append(bad, b)
	}
	return bad, rows.Err()
}
