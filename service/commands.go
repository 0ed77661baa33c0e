package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"

	"github.com/aposazhennikov/music-player-service/library"
	"github.com/aposazhennikov/music-player-service/logger"
	"github.com/aposazhennikov/music-player-service/playlist"
	"github.com/aposazhennikov/music-player-service/protocol"
)

// errMissingParam builds the error for a required parameter that was not sent.
func errMissingParam(name string) error {
	return fmt.Errorf("%s parameter required", name)
}

func (s *Service) commandHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"play":                s.cmdPlay,
		"pause":               s.cmdPause,
		"resume":              s.cmdResume,
		"stop":                s.cmdStop,
		"next":                s.cmdNext,
		"previous":            s.cmdPrevious,
		"seek":                s.cmdSeek,
		"get_status":          s.cmdGetStatus,
		"get_track":           s.cmdGetTrack,
		"get_playlist":        s.cmdGetPlaylist,
		"search_tracks":       s.cmdSearchTracks,
		"add_track":           s.cmdAddTrack,
		"get_all_tracks":      s.cmdGetAllTracks,
		"load_playlist":       s.cmdLoadPlaylist,
		"rescan":              s.cmdRescan,
		"set_play_mode":       s.cmdSetPlayMode,
		"shuffle":             s.cmdShuffle,
		"unshuffle":           s.cmdUnshuffle,
		"set_auto_play_next":  s.cmdSetAutoPlayNext,
		"set_favorite":        s.cmdSetFavorite,
		"get_favorites":       s.cmdGetFavorites,
		"get_recently_played": s.cmdGetRecentlyPlayed,
		"get_most_played":     s.cmdGetMostPlayed,
		"get_stats":           s.cmdGetStats,
		"get_bad_tracks":      s.cmdGetBadTracks,
		"unmark_bad":          s.cmdUnmarkBad,
	}
}

// handle runs on the loop goroutine.
func (s *Service) handle(ctx context.Context, req protocol.Request) protocol.Response {
	start := time.Now()

	handler, ok := s.handlers[req.Command]
	if !ok {
		commandsTotal.WithLabelValues("unknown", protocol.StatusError).Inc()
		logger.LogCommandEvent(s.logger, slog.LevelWarn, "Unknown command", req.Command, req.RequestID)
		return protocol.Failure("Unknown command: "+req.Command, req.RequestID)
	}

	params := req.Params
	if params == nil {
		params = protocol.Params{}
	}
	result, err := handler(ctx, params)
	if err != nil {
		commandsTotal.WithLabelValues(req.Command, protocol.StatusError).Inc()
		logger.LogCommandEvent(s.logger, slog.LevelWarn, "Command failed", req.Command, req.RequestID,
			slog.String("error", err.Error()))
		return protocol.Failure(err.Error(), req.RequestID)
	}

	commandsTotal.WithLabelValues(req.Command, protocol.StatusSuccess).Inc()
	logger.LogCommandEvent(s.logger, slog.LevelDebug, "Command handled", req.Command, req.RequestID,
		slog.Duration("took", time.Since(start)))
	return protocol.Success(result, req.RequestID)
}

func (s *Service) currentTitle() string {
	if track, ok := s.ctrl.CurrentTrack(); ok {
		return track.DisplayName()
	}
	return ""
}

func (s *Service) cmdPlay(ctx context.Context, p protocol.Params) (any, error) {
	if s.ctrl.PlaylistSize() == 0 {
		if err := s.syncPlaylist(ctx); err != nil {
			return nil, fmt.Errorf("load library: %w", err)
		}
	}

	var err error
	if p.Has("index") {
		err = s.ctrl.PlayTrack(int(p.Int("index", 0)))
	} else {
		err = s.ctrl.Play()
	}
	if err != nil {
		return nil, fmt.Errorf("play: %w", err)
	}

	title := s.currentTitle()
	return map[string]any{
		"status":        "playing",
		"message":       "Playing " + title,
		"current_track": title,
		"position_ms":   s.ctrl.PositionMs(),
		"duration_ms":   s.ctrl.DurationMs(),
	}, nil
}

func (s *Service) cmdPause(_ context.Context, _ protocol.Params) (any, error) {
	if err := s.ctrl.Pause(); err != nil {
		return nil, fmt.Errorf("pause: %w", err)
	}
	return map[string]any{"status": "paused", "position_ms": s.ctrl.PositionMs()}, nil
}

func (s *Service) cmdResume(_ context.Context, _ protocol.Params) (any, error) {
	if err := s.ctrl.Resume(); err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	return map[string]any{"status": "playing"}, nil
}

func (s *Service) cmdStop(_ context.Context, _ protocol.Params) (any, error) {
	if err := s.ctrl.Stop(); err != nil {
		return nil, fmt.Errorf("stop: %w", err)
	}
	return map[string]any{"status": "stopped"}, nil
}

func (s *Service) cmdNext(_ context.Context, _ protocol.Params) (any, error) {
	if err := s.ctrl.Next(); err != nil {
		return nil, fmt.Errorf("next: %w", err)
	}
	return s.switchResult("Next track"), nil
}

func (s *Service) cmdPrevious(_ context.Context, _ protocol.Params) (any, error) {
	if err := s.ctrl.Prev(); err != nil {
		return nil, fmt.Errorf("previous: %w", err)
	}
	return s.switchResult("Previous track"), nil
}

func (s *Service) switchResult(message string) map[string]any {
	return map[string]any{
		"message":       message,
		"current_track": s.currentTitle(),
		"position_ms":   0,
	}
}

func (s *Service) cmdSeek(_ context.Context, p protocol.Params) (any, error) {
	if !p.Has("position_ms") {
		return nil, errMissingParam("position_ms")
	}
	ms := int(p.Int("position_ms", 0))
	if err := s.ctrl.Seek(ms); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}
	return map[string]any{"position_ms": ms}, nil
}

func (s *Service) cmdGetStatus(_ context.Context, _ protocol.Params) (any, error) {
	status := map[string]any{
		"state":            s.ctrl.State().String(),
		"current_track_id": s.ctrl.CurrentIndex(),
		"position_ms":      s.ctrl.PositionMs(),
		"duration_ms":      s.ctrl.DurationMs(),
		"volume":           int(s.opts.Volume * 100),
		"current_track":    "",
		"artist":           "",
		"album":            "",
		"file_path":        "",
		"play_mode":        s.ctrl.PlayMode().String(),
		"shuffled":         s.ctrl.IsShuffled(),
		"playlist_size":    s.ctrl.PlaylistSize(),
		"auto_play_next":   s.ctrl.AutoPlayNext(),
		"transitioning":    s.ctrl.IsTransitioning(),
	}
	if track, ok := s.ctrl.CurrentTrack(); ok {
		status["current_track"] = track.DisplayName()
		status["artist"] = track.Artist
		status["album"] = track.Album
		status["file_path"] = track.Path
	}
	return status, nil
}

func (s *Service) cmdGetTrack(ctx context.Context, p protocol.Params) (any, error) {
	if !p.Has("track_id") {
		return nil, errMissingParam("track_id")
	}
	track, err := s.catalog.Track(ctx, p.Int("track_id", 0))
	if err != nil {
		return nil, err
	}
	return track, nil
}

type playlistEntry struct {
	Index      int    `json:"index"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	Path       string `json:"file_path"`
	DurationMs int64  `json:"duration_ms"`
}

func (s *Service) cmdGetPlaylist(_ context.Context, _ protocol.Params) (any, error) {
	entries := lo.Map(s.ctrl.Tracks(), func(t playlist.Track, i int) playlistEntry {
		return playlistEntry{
			Index:      i,
			Title:      t.DisplayName(),
			Artist:     t.Artist,
			Album:      t.Album,
			Path:       t.Path,
			DurationMs: t.Duration.Milliseconds(),
		}
	})
	return map[string]any{
		"tracks":        entries,
		"current_index": s.ctrl.CurrentIndex(),
		"count":         len(entries),
		"play_mode":     s.ctrl.PlayMode().String(),
		"shuffled":      s.ctrl.IsShuffled(),
	}, nil
}

func tracksResult(tracks []library.Track) map[string]any {
	if tracks == nil {
		tracks = []library.Track{}
	}
	return map[string]any{"tracks": tracks, "count": len(tracks)}
}

func (s *Service) cmdSearchTracks(ctx context.Context, p protocol.Params) (any, error) {
	tracks, err := s.catalog.Search(ctx, library.Criteria{
		Query:         p.String("query", ""),
		Artist:        p.String("artist", ""),
		Album:         p.String("album", ""),
		FavoritesOnly: p.Bool("favorites_only", false),
		OrderBy:       p.String("order_by", "title"),
		Descending:    p.Bool("descending", false),
		Limit:         int(p.Int("limit", 10)),
		Offset:        int(p.Int("offset", 0)),
	})
	if err != nil {
		return nil, err
	}
	return tracksResult(tracks), nil
}

func (s *Service) cmdAddTrack(ctx context.Context, p protocol.Params) (any, error) {
	path := p.String("file_path", "")
	if path == "" {
		return nil, errMissingParam("file_path")
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	track := library.ReadTrack(path)
	track.Title = p.String("title", track.Title)
	track.Artist = p.String("artist", track.Artist)
	track.Album = p.String("album", track.Album)
	track.Year = int(p.Int("year", int64(track.Year)))
	if ms := p.Int("duration_ms", 0); ms > 0 {
		track.Duration = time.Duration(ms) * time.Millisecond
	}

	id, err := s.catalog.AddTrack(ctx, track)
	if err != nil {
		return nil, err
	}
	if !lo.ContainsBy(s.ctrl.Tracks(), func(t playlist.Track) bool { return t.Path == path }) {
		s.ctrl.AddTrack(track)
	}
	playlistSize.Set(float64(s.ctrl.PlaylistSize()))

	s.publish("track_added", map[string]any{"track_id": id, "file_path": path, "title": track.Title}, time.Time{})
	return map[string]any{
		"track_id":  id,
		"message":   "Track added",
		"file_path": path,
		"title":     track.Title,
	}, nil
}

func (s *Service) cmdGetAllTracks(ctx context.Context, p protocol.Params) (any, error) {
	tracks, err := s.catalog.AllTracks(ctx, int(p.Int("limit", 100)))
	if err != nil {
		return nil, err
	}
	return tracksResult(tracks), nil
}

func (s *Service) cmdLoadPlaylist(ctx context.Context, p protocol.Params) (any, error) {
	path := p.String("path", "")
	if path == "" {
		return nil, errMissingParam("path")
	}
	if err := s.ctrl.LoadPlaylist(path); err != nil {
		return nil, fmt.Errorf("load playlist: %w", err)
	}

	for _, t := range s.ctrl.Tracks() {
		bad, err := s.catalog.IsBad(ctx, t.Path)
		if err != nil {
			return nil, err
		}
		if bad {
			s.ctrl.RemoveTrack(t.Path)
		}
	}
	s.resumeAt = -1
	count := s.ctrl.PlaylistSize()
	playlistSize.Set(float64(count))

	return map[string]any{
		"count":   count,
		"message": fmt.Sprintf("Loaded %d tracks", count),
	}, nil
}

func (s *Service) cmdRescan(ctx context.Context, _ protocol.Params) (any, error) {
	res, err := s.catalog.Import(ctx, s.opts.ScanDirectories, s.opts.Extensions)
	if err != nil {
		return nil, fmt.Errorf("rescan: %w", err)
	}
	if err := s.syncPlaylist(ctx); err != nil {
		return nil, err
	}
	return map[string]any{
		"found":         res.Found,
		"written":       res.Written,
		"removed":       res.Removed,
		"playlist_size": s.ctrl.PlaylistSize(),
	}, nil
}

func (s *Service) cmdSetPlayMode(_ context.Context, p protocol.Params) (any, error) {
	name := p.String("mode", "")
	if name == "" {
		return nil, errMissingParam("mode")
	}
	mode, err := playlist.ParsePlayMode(name)
	if err != nil {
		return nil, err
	}
	s.ctrl.SetPlayMode(mode)
	return map[string]any{"play_mode": mode.String()}, nil
}

func (s *Service) cmdShuffle(_ context.Context, _ protocol.Params) (any, error) {
	s.ctrl.Shuffle()
	return map[string]any{"shuffled": true, "current_index": s.ctrl.CurrentIndex()}, nil
}

func (s *Service) cmdUnshuffle(_ context.Context, _ protocol.Params) (any, error) {
	s.ctrl.Unshuffle()
	return map[string]any{"shuffled": false, "current_index": s.ctrl.CurrentIndex()}, nil
}

func (s *Service) cmdSetAutoPlayNext(_ context.Context, p protocol.Params) (any, error) {
	if !p.Has("enabled") {
		return nil, errMissingParam("enabled")
	}
	enabled := p.Bool("enabled", true)
	s.ctrl.SetAutoPlayNext(enabled)
	return map[string]any{"auto_play_next": enabled}, nil
}

func (s *Service) cmdSetFavorite(ctx context.Context, p protocol.Params) (any, error) {
	if !p.Has("track_id") {
		return nil, errMissingParam("track_id")
	}
	id := p.Int("track_id", 0)
	favorite := p.Bool("favorite", true)
	if err := s.catalog.SetFavorite(ctx, id, favorite); err != nil {
		return nil, err
	}
	return map[string]any{"track_id": id, "is_favorite": favorite}, nil
}

func (s *Service) cmdGetFavorites(ctx context.Context, _ protocol.Params) (any, error) {
	tracks, err := s.catalog.Favorites(ctx)
	if err != nil {
		return nil, err
	}
	return tracksResult(tracks), nil
}

func (s *Service) cmdGetRecentlyPlayed(ctx context.Context, p protocol.Params) (any, error) {
	tracks, err := s.catalog.RecentlyPlayed(ctx, int(p.Int("limit", 20)))
	if err != nil {
		return nil, err
	}
	return tracksResult(tracks), nil
}

func (s *Service) cmdGetMostPlayed(ctx context.Context, p protocol.Params) (any, error) {
	tracks, err := s.catalog.MostPlayed(ctx, int(p.Int("limit", 20)))
	if err != nil {
		return nil, err
	}
	return tracksResult(tracks), nil
}

type statsResult struct {
	library.Stats
	PlaylistSize int `json:"playlist_size"`
}

func (s *Service) cmdGetStats(ctx context.Context, _ protocol.Params) (any, error) {
	stats, err := s.catalog.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return statsResult{Stats: stats, PlaylistSize: s.ctrl.PlaylistSize()}, nil
}

func (s *Service) cmdGetBadTracks(ctx context.Context, _ protocol.Params) (any, error) {
	bad, err := s.catalog.BadTracks(ctx)
	if err != nil {
		return nil, err
	}
	if bad == nil {
		bad = []library.BadTrack{}
	}
	return map[string]any{"tracks": bad, "count": len(bad)}, nil
}

func (s *Service) cmdUnmarkBad(ctx context.Context, p protocol.Params) (any, error) {
	path := p.String("file_path", "")
	if path == "" {
		return nil, errMissingParam("file_path")
	}
	if err := s.catalog.UnmarkBad(ctx, path); err != nil {
		return nil, err
	}

	restored := false
	if _, err := os.Stat(path); err == nil {
		track, err := s.catalog.TrackByPath(ctx, path)
		switch {
		case err == nil:
			if !lo.ContainsBy(s.ctrl.Tracks(), func(t playlist.Track) bool { return t.Path == path }) {
				s.ctrl.AddTrack(track.PlaylistTrack())
			}
			restored = true
		case errors.Is(err, library.ErrNotFound):
		default:
			return nil, err
		}
	}
	playlistSize.Set(float64(s.ctrl.PlaylistSize()))

	return map[string]any{"file_path": path, "restored": restored}, nil
}
