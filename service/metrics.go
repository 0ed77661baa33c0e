package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "music_player_commands_total",
			Help: "Commands handled, by command and status",
		},
		[]string{"command", "status"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "music_player_events_total",
			Help: "Playback events drained, by type",
		},
		[]string{"type"},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "music_player_events_dropped_total",
			Help: "Playback events dropped because the event queue was full",
		},
	)

	tracksQuarantined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "music_player_tracks_quarantined_total",
			Help: "Tracks marked bad after failing to play",
		},
	)

	playlistSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "music_player_playlist_size",
			Help: "Number of tracks in the playlist",
		},
	)

	playbackState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "music_player_state",
			Help: "1 for the current playback state, 0 otherwise",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(eventsDropped)
	prometheus.MustRegister(tracksQuarantined)
	prometheus.MustRegister(playlistSize)
	prometheus.MustRegister(playbackState)
}
