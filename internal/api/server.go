// Package api exposes the HTTP interface for triggering pipeline runs.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/industrion/jobharvest/internal/pipeline"
)

// maxJobsCap bounds what an HTTP caller may request for a single run.
const maxJobsCap = 50

// Runner is the slice of the pipeline the server needs.
type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (pipeline.RunResult, error)
}

// Server wires HTTP handlers to the pipeline.
type Server struct {
	router chi.Router
	runner Runner
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{runner: runner, logger: logger}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.startRun)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	URL         string   `json:"url"`
	URLs        []string `json:"urls"`
	Company     string   `json:"company"`
	DryRun      bool     `json:"dry_run"`
	Resume      bool     `json:"resume"`
	MaxJobs     int      `json:"max_jobs"`
	Concurrency int      `json:"concurrency"`
}

type runResponse struct {
	Totals pipeline.RunCounters `json:"totals"`
	Errors []pipeline.ItemError `json:"errors,omitempty"`
	Rows   [][]string           `json:"rows,omitempty"`
	DryRun bool                 `json:"dry_run"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	urls := req.URLs
	if req.URL != "" {
		urls = append(urls, req.URL)
	}
	cleaned := urls[:0]
	for _, u := range urls {
		if v := strings.TrimSpace(u); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	if len(cleaned) == 0 {
		s.writeError(w, http.StatusBadRequest, "missing careers url")
		return
	}
	maxJobs := req.MaxJobs
	if maxJobs <= 0 || maxJobs > maxJobsCap {
		maxJobs = maxJobsCap
	}

	result, err := s.runner.Run(r.Context(), pipeline.RunRequest{
		CareersURLs:     cleaned,
		CompanyOverride: req.Company,
		DryRun:          req.DryRun,
		Resume:          req.Resume,
		Concurrency:     req.Concurrency,
		MaxJobs:         maxJobs,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if result.Counters.CareersProcessed == 0 && len(result.Errors) > 0 {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, runResponse{
		Totals: result.Counters,
		Errors: result.Errors,
		Rows:   result.Rows,
		DryRun: req.DryRun,
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
