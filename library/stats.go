package library

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordPlay bumps the play count of path and stamps it as just played.
// Paths missing from the catalog are ignored.
func (l *Library) RecordPlay(ctx context.Context, path string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE tracks SET play_count = play_count + 1, last_played = ?
		WHERE path = ?`, time.Now().Unix(), path)
	if err != nil {
		return fmt.Errorf("record play %s: %w", path, err)
	}
	return nil
}

// SetFavorite flags or unflags the track with the given id.
func (l *Library) SetFavorite(ctx context.Context, id int64, favorite bool) error {
	flag := 0
	if favorite {
		flag = 1
	}
	res, err := l.db.ExecContext(ctx, `UPDATE tracks SET is_favorite = ? WHERE id = ?`, flag, id)
	if err != nil {
		return fmt.Errorf("set favorite %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("track %d: %w", id, ErrNotFound)
	}
	return nil
}

// Favorites lists favorite tracks by title.
func (l *Library) Favorites(ctx context.Context) ([]Track, error) {
	return l.Search(ctx, Criteria{FavoritesOnly: true, OrderBy: "title"})
}

// RecentlyPlayed lists played tracks, most recent first.
func (l *Library) RecentlyPlayed(ctx context.Context, limit int) ([]Track, error) {
	return l.queryTracks(ctx, `SELECT `+trackColumns+` FROM tracks
		WHERE bad_flag = 0 AND last_played > 0
		ORDER BY last_played DESC, id DESC LIMIT ?`, limitOrAll(limit))
}

// MostPlayed lists played tracks by play count.
func (l *Library) MostPlayed(ctx context.Context, limit int) ([]Track, error) {
	return l.queryTracks(ctx, `SELECT `+trackColumns+` FROM tracks
		WHERE bad_flag = 0 AND play_count > 0
		ORDER BY play_count DESC, last_played DESC LIMIT ?`, limitOrAll(limit))
}

// limitOrAll maps a non-positive limit to sqlite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// Stats summarizes the catalog.
type Stats struct {
	TotalTracks     int   `json:"total_tracks"`
	BadTracks       int   `json:"bad_tracks"`
	Favorites       int   `json:"favorites"`
	Artists         int   `json:"total_artists"`
	Albums          int   `json:"total_albums"`
	TotalPlays      int64 `json:"total_plays"`
	TotalDurationMs int64 `json:"total_duration_ms"`
}

// Stats computes catalog totals. Quarantined tracks only count in BadTracks.
func (l *Library) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var plays, duration sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(bad_flag = 0), 0),
			COALESCE(SUM(bad_flag = 1), 0),
			COALESCE(SUM(bad_flag = 0 AND is_favorite = 1), 0),
			COUNT(DISTINCT CASE WHEN bad_flag = 0 AND artist <> '' THEN artist END),
			COUNT(DISTINCT CASE WHEN bad_flag = 0 AND album <> '' THEN album END),
			SUM(play_count),
			SUM(CASE WHEN bad_flag = 0 THEN duration_ms END)
		FROM tracks`).Scan(&s.TotalTracks, &s.BadTracks, &s.Favorites, &s.Artists, &s.Albums, &plays, &duration)
	if err != nil {
		return Stats{}, fmt.Errorf("library stats: %w", err)
	}
	s.TotalPlays = plays.Int64
	s.TotalDurationMs = duration.Int64
	return s, nil
}
