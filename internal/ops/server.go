// Package ops serves the operator HTTP surface: a JSON health check,
// the Prometheus scrape endpoint, and a status snapshot with live
// counter totals. The server is read-only and runs only alongside the
// full pipeline.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/sched"
)

// checkTimeout bounds each dependency probe inside /health.
const checkTimeout = 2 * time.Second

// DBPinger verifies database connectivity. Satisfied by store.Store.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// CacheChecker verifies cache backend connectivity.
type CacheChecker interface {
	Health(ctx context.Context) error
}

// StreamStatus exposes the ingest shard state.
type StreamStatus interface {
	Shards() int
	ConnectedShards() int
}

// JobSource exposes the scheduler's job snapshot.
type JobSource interface {
	Status() []sched.JobStatus
}

// Config wires the server. Nil collaborators report as "disabled" in
// health and are omitted from status.
type Config struct {
	ListenAddr string
	Version    string

	DB     DBPinger
	Cache  CacheChecker
	Stream StreamStatus
	Jobs   JobSource

	Metrics  *metrics.Registry
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server is the operational HTTP server.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	router  *mux.Router
	srv     *http.Server
	started time.Time
}

// NewServer builds the router and the underlying http.Server. Start
// must still be called to listen.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8099"
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "ops").Logger(),
		router:  mux.NewRouter(),
		started: time.Now().UTC(),
	}
	s.routes()

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.loggingMiddleware)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
}

// Start serves until Shutdown. A clean shutdown reads as a nil return.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("ops server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("ops server stopping")
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type streamHealth struct {
	Status    string `json:"status"`
	Shards    int    `json:"shards"`
	Connected int    `json:"connected"`
}

type healthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Database  componentHealth `json:"database"`
	Cache     componentHealth `json:"cache"`
	Stream    streamHealth    `json:"stream"`
}

// handleHealth probes each dependency. A failing database or cache
// flips the response to 503 so orchestrator probes notice; stream
// state is reported but never fails the check because shards reconnect
// on their own.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Database:  s.checkDB(ctx),
		Cache:     s.checkCache(ctx),
		Stream:    s.checkStream(),
	}

	code := http.StatusOK
	if resp.Database.Status == "down" || resp.Cache.Status == "down" {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) checkDB(ctx context.Context) componentHealth {
	if s.cfg.DB == nil {
		return componentHealth{Status: "disabled"}
	}
	if err := s.cfg.DB.Ping(ctx); err != nil {
		return componentHealth{Status: "down", Error: err.Error()}
	}
	return componentHealth{Status: "up"}
}

func (s *Server) checkCache(ctx context.Context) componentHealth {
	if s.cfg.Cache == nil {
		return componentHealth{Status: "disabled"}
	}
	if err := s.cfg.Cache.Health(ctx); err != nil {
		return componentHealth{Status: "down", Error: err.Error()}
	}
	return componentHealth{Status: "up"}
}

func (s *Server) checkStream() streamHealth {
	if s.cfg.Stream == nil {
		return streamHealth{Status: "disabled"}
	}
	shards := s.cfg.Stream.Shards()
	connected := s.cfg.Stream.ConnectedShards()
	h := streamHealth{Shards: shards, Connected: connected}
	switch {
	case shards == 0:
		h.Status = "idle"
	case connected == shards:
		h.Status = "up"
	case connected > 0:
		h.Status = "degraded"
	default:
		h.Status = "down"
	}
	return h
}

type statusResponse struct {
	Status    string             `json:"status"`
	Version   string             `json:"version,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	Uptime    string             `json:"uptime"`
	Counters  map[string]float64 `json:"counters"`
	Jobs      []sched.JobStatus  `json:"jobs,omitempty"`
}

// handleStatus reports uptime, live counter totals read straight from
// the collectors, and the scheduler's job table.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	resp := statusResponse{
		Status:    "ok",
		Version:   s.cfg.Version,
		StartedAt: s.started,
		Uptime:    now.Sub(s.started).Round(time.Second).String(),
		Counters:  s.counters(),
	}
	if s.cfg.Jobs != nil {
		resp.Jobs = s.cfg.Jobs.Status()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) counters() map[string]float64 {
	m := s.cfg.Metrics
	if m == nil {
		return map[string]float64{}
	}
	return map[string]float64{
		"events_ingested":      metrics.CounterVecTotal(m.EventsIngested),
		"events_malformed":     metrics.CounterValue(m.EventsMalformed),
		"persist_errors":       metrics.CounterValue(m.PersistErrors),
		"ws_reconnects":        metrics.CounterVecTotal(m.WSReconnects),
		"cascades_emitted":     metrics.CounterValue(m.CascadesEmitted),
		"alerts_sent":          metrics.CounterVecTotal(m.AlertsSent),
		"alert_errors":         metrics.CounterVecTotal(m.AlertErrors),
		"subscribers_disabled": metrics.CounterValue(m.SubscribersDisabled),
		"venue_requests":       metrics.CounterVecTotal(m.VenueRequests),
		"oi_surges":            metrics.CounterValue(m.OISurges),
		"job_runs":             metrics.CounterVecTotal(m.JobRuns),
		"job_skips":            metrics.CounterVecTotal(m.JobSkips),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

// loggingMiddleware logs each request with its status and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("took", time.Since(start)).
			Msg("request served")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
