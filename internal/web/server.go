// Package web provides the HTTP trigger and status API of the serve command.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/job"
	weblog "github.com/JonMunkholm/redcap-etl/internal/web/middleware"
)

// Jobs starts runs and reports on them.
type Jobs interface {
	Start(ctx context.Context, req job.Request) (core.JobRun, error)
	History() *job.History
	Limiter() *job.Limiter
	Active() bool
}

// Options are the optional parts of a Server.
type Options struct {
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Ping checks the warehouse for /healthz when set.
	Ping func(ctx context.Context) error
}

// Server is the HTTP server of the ETL service.
type Server struct {
	jobs   Jobs
	opts   Options
	cfg    config.ServerConfig
	base   context.Context
	router *chi.Mux
	server *http.Server
}

// NewServer creates a Server. Runs started over HTTP live as long as base,
// not as long as the request that started them.
func NewServer(base context.Context, jobs Jobs, cfg config.ServerConfig, opts Options) *Server {
	s := &Server{
		jobs:   jobs,
		opts:   opts,
		cfg:    cfg,
		base:   base,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(weblog.Logger)
	s.router.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.With(weblog.APIKeyAuth(&s.cfg)).Post("/runs", s.handleStartRun)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status    string            `json:"status"`
	RunActive bool              `json:"runActive"`
	Workers   job.LimiterStatus `json:"workers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.opts.Ping(ctx); err != nil {
			s.respondError(w, r, err, http.StatusServiceUnavailable)
			return
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		RunActive: s.jobs.Active(),
		Workers:   s.jobs.Limiter().Status(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.History().List())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, ok := s.jobs.History().Get(id)
	if !ok {
		s.respondError(w, r, errRunNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// StartRunRequest is the body of POST /api/runs. Since and Until are RFC 3339
// timestamps; omitted bounds leave the window open.
type StartRunRequest struct {
	Projects    []string `json:"projects"`
	Instruments []string `json:"instruments"`
	Since       string   `json:"since"`
	Until       string   `json:"until"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body StartRunRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			s.respondError(w, r, &badRequest{err}, http.StatusBadRequest)
			return
		}
	}

	window, err := ParseWindow(body.Since, body.Until)
	if err != nil {
		s.respondError(w, r, &badRequest{err}, http.StatusBadRequest)
		return
	}

	run, err := s.jobs.Start(s.base, job.Request{
		Trigger:     core.TriggerOnDemand,
		Window:      window,
		Projects:    body.Projects,
		Instruments: body.Instruments,
	})
	if errors.Is(err, job.ErrBusy) {
		s.respondError(w, r, err, http.StatusConflict)
		return
	}
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/api/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

// ParseWindow builds a window from optional RFC 3339 or date-only bounds.
func ParseWindow(since, until string) (core.TimeWindow, error) {
	var (
		w   core.TimeWindow
		err error
	)
	if since != "" {
		if w.Begin, err = parseBound(since); err != nil {
			return w, err
		}
	}
	if until != "" {
		if w.End, err = parseBound(until); err != nil {
			return w, err
		}
	}
	if !w.Begin.IsZero() && !w.End.IsZero() && !w.Begin.Before(w.End) {
		return w, errors.New("since must be before until")
	}
	return w, nil
}

func parseBound(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q, want RFC 3339 or YYYY-MM-DD", s)
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON and writes it to w.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
