// Package http exposes the player over HTTP: a JSON command endpoint,
// REST shortcuts for common commands, a websocket event feed, health
// checks and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aposazhennikov/music-player-service/logger"
	"github.com/aposazhennikov/music-player-service/protocol"
)

const maxRequestBody = 1 << 20

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "music_player_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	subscribersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "music_player_event_subscribers",
			Help: "Connected websocket event subscribers",
		},
	)

	subscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "music_player_event_subscribers_dropped_total",
			Help: "Subscribers disconnected for falling behind",
		},
	)

	eventsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "music_player_events_sent_total",
			Help: "Events queued to websocket subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(subscribersGauge)
	prometheus.MustRegister(subscribersDropped)
	prometheus.MustRegister(eventsSent)
}

// Executor runs protocol requests.
type Executor interface {
	Execute(ctx context.Context, req protocol.Request) protocol.Response
	Ready() bool
}

// Pinger checks a dependency for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes HTTP requests to the player.
type Server struct {
	router         *mux.Router
	exec           Executor
	db             Pinger
	hub            *Hub
	logger         *slog.Logger
	commandTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCommandTimeout bounds how long a request waits for its command.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.commandTimeout = d
		}
	}
}

// NewServer builds the router. db may be nil when there is nothing to ping.
func NewServer(exec Executor, db Pinger, hub *Hub, opts ...Option) *Server {
	s := &Server{
		router:         mux.NewRouter(),
		exec:           exec,
		db:             db,
		hub:            hub,
		logger:         slog.Default(),
		commandTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logger.WithComponent(s.logger, "http")
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	s.router.Use(s.instrument)

	s.router.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	s.router.HandleFunc("/readyz", s.readyzHandler).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/command", s.commandHandler).Methods("POST")
	api.HandleFunc("/events", s.hub.ServeWS).Methods("GET")

	api.HandleFunc("/status", s.shortcut("get_status", nil)).Methods("GET")
	api.HandleFunc("/playlist", s.shortcut("get_playlist", nil)).Methods("GET")
	api.HandleFunc("/tracks", s.shortcut("get_all_tracks", nil)).Methods("GET")
	api.HandleFunc("/tracks/{id:[0-9]+}", s.shortcut("get_track", map[string]string{"id": "track_id"})).Methods("GET")
	api.HandleFunc("/search", s.shortcut("search_tracks", map[string]string{"q": "query"})).Methods("GET")
	api.HandleFunc("/stats", s.shortcut("get_stats", nil)).Methods("GET")
	for _, command := range []string{"play", "pause", "resume", "stop", "next", "previous"} {
		api.HandleFunc("/"+command, s.shortcut(command, nil)).Methods("POST")
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowedHandler)

	s.logger.Debug("HTTP routes configured")
}

// instrument records request latency by route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// healthzHandler reports that the process is up.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyzHandler reports whether commands can be served.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if !s.exec.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Not ready - service starting"))
		return
	}
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.Warn("Readiness check failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not ready - library unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

// commandHandler executes a protocol request from the body.
func (s *Server) commandHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeResponse(w, protocol.Failure("Failed to read request body", ""))
		return
	}

	req, err := protocol.ParseRequest(body)
	if err != nil {
		s.writeResponse(w, protocol.Failure("Invalid request: "+err.Error(), req.RequestID))
		return
	}
	s.execute(w, r, req)
}

// shortcut maps a REST route onto a command. Query parameters become
// command parameters; rename maps route variables and query keys onto
// parameter names.
func (s *Server) shortcut(command string, rename map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := protocol.Params{}
		for key, values := range r.URL.Query() {
			if len(values) == 0 {
				continue
			}
			if name, ok := rename[key]; ok {
				key = name
			}
			params[key] = values[0]
		}
		for key, value := range mux.Vars(r) {
			if name, ok := rename[key]; ok {
				key = name
			}
			params[key] = value
		}
		s.execute(w, r, protocol.NewRequest(command, params))
	}
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, req protocol.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.commandTimeout)
	defer cancel()
	s.writeResponse(w, s.exec.Execute(ctx, req))
}

func (s *Server) writeResponse(w http.ResponseWriter, resp protocol.Response) {
	status := http.StatusOK
	if !resp.OK() {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Route not found", slog.String("path", r.URL.Path))
	writeJSON(w, http.StatusNotFound, protocol.Failure("Not found: "+r.URL.Path, ""))
}

func (s *Server) methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, protocol.Failure("Method not allowed: "+r.Method, ""))
}
