package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-scraper/internal/config"
	hashsha256 "github.com/JakeFAU/realtime-scraper/internal/hash/sha256"
	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/queue/memory"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
	"github.com/JakeFAU/realtime-scraper/internal/worker"
)

// Coordinator is the part of broadcast.Coordinator the server uses.
type Coordinator interface {
	Connect(ctx context.Context, sub scrape.Subscriber) error
	Disconnect(id string) bool
	Latest() (scrape.Result, bool)
	Subscribers() int
}

// Triggerer enqueues on-demand scrapes.
type Triggerer interface {
	Trigger(ctx context.Context, source scrape.TriggerSource) (scrape.Trigger, error)
	Pending() int
}

// StateReporter exposes the worker state for readiness and status.
type StateReporter interface {
	State() worker.State
}

// Server wires HTTP handlers to the coordinator and dispatcher.
type Server struct {
	router      chi.Router
	coordinator Coordinator
	triggers    Triggerer
	worker      StateReporter
	idGen       scrape.IDGenerator
	clock       clockwork.Clock
	limiter     *rate.Limiter
	upgrader    websocket.Upgrader
	cfg         config.Config
	logger      *zap.Logger
	started     time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	coordinator Coordinator,
	triggers Triggerer,
	worker StateReporter,
	idGen scrape.IDGenerator,
	clock clockwork.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Server{
		coordinator: coordinator,
		triggers:    triggers,
		worker:      worker,
		idGen:       idGen,
		clock:       clock,
		limiter:     newLimiter(cfg.RateLimit),
		upgrader:    newUpgrader(cfg.WebSocket.AllowedOrigins),
		cfg:         cfg,
		logger:      logger.Named("api"),
		started:     clock.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(newKeyring(cfg.Auth, hashsha256.New(), s.logger)))
		}
		r.Get("/ws", s.handleSubscribe)
		r.Get("/connect/{workflow}", s.handleWorkflowSubscribe)

		r.Route("/v1", func(r chi.Router) {
			if cfg.Server.RequestTimeout > 0 {
				r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
			}
			r.Get("/result", s.getResult)
			r.Post("/scrape", s.triggerScrape)
			r.Get("/status", s.getStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func newLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := s.worker.State()
	if state == worker.StateStopped {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "unavailable",
			"worker_state": state.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ready",
		"worker_state": state.String(),
	})
}

// getResult serves the cached payload verbatim. The digest doubles as ETag.
func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	result, ok := s.coordinator.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	etag := strconv.Quote(result.Digest)
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Result-Seq", strconv.FormatUint(result.Seq, 10))
	w.Header().Set("Last-Modified", result.ExtractedAt.UTC().Format(http.TimeFormat))
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(result.Payload)); err != nil {
		s.logger.Warn("write result failed", zap.Error(err))
	}
}

func (s *Server) triggerScrape(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "scrape rate limit exceeded")
		return
	}
	trigger, err := s.triggers.Trigger(r.Context(), scrape.SourceAPI)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, memory.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("on-demand trigger failed", zap.Error(err))
		writeError(w, status, "could not enqueue scrape")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"trigger_id": trigger.ID})
}

type latestStatus struct {
	Seq         uint64    `json:"seq"`
	RunID       string    `json:"run_id"`
	Digest      string    `json:"digest"`
	ExtractedAt time.Time `json:"extracted_at"`
}

type statusResponse struct {
	Workflow      string        `json:"workflow"`
	URL           string        `json:"url"`
	WorkerState   string        `json:"worker_state"`
	QueueDepth    int           `json:"queue_depth"`
	Subscribers   int           `json:"subscribers"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Latest        *latestStatus `json:"latest"`
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Workflow:      s.cfg.Workflow(),
		URL:           s.cfg.Scrape.URL,
		WorkerState:   s.worker.State().String(),
		QueueDepth:    s.triggers.Pending(),
		Subscribers:   s.coordinator.Subscribers(),
		UptimeSeconds: int64(s.clock.Since(s.started).Seconds()),
	}
	if result, ok := s.coordinator.Latest(); ok {
		resp.Latest = &latestStatus{
			Seq:         result.Seq,
			RunID:       result.RunID,
			Digest:      result.Digest,
			ExtractedAt: result.ExtractedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
