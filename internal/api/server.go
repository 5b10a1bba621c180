// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the HTTP surface of the engine under the
// /executions prefix, plus liveness and version endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/crucible-dev/crucible/internal/auth"
	"github.com/crucible-dev/crucible/internal/log"
	"github.com/crucible-dev/crucible/internal/service"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Config tunes the HTTP server behaviour.
type Config struct {
	Build BuildInfo

	// SubmissionRate and SubmissionBurst bound execution submissions.
	// A zero rate disables limiting.
	SubmissionRate  rate.Limit
	SubmissionBurst int

	// HeartbeatInterval paces SSE keep-alive comments.
	HeartbeatInterval time.Duration
}

// Server routes and serves the execution API.
type Server struct {
	mux      *http.ServeMux
	service  *service.Service
	auth     *auth.Authenticator
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger
	draining atomic.Bool

	metricsHandler http.Handler
}

// NewServer creates the API server.
func NewServer(svc *service.Service, authenticator *auth.Authenticator, cfg Config, logger *slog.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	s := &Server{
		mux:     http.NewServeMux(),
		service: svc,
		auth:    authenticator,
		cfg:     cfg,
		logger:  log.WithComponent(logger, "api"),
	}
	if cfg.SubmissionRate > 0 {
		burst := cfg.SubmissionBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.SubmissionRate, burst)
	}
	s.routes()
	return s
}

// SetMetricsHandler registers the Prometheus handler on GET /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metricsHandler = h
	if h != nil {
		s.mux.Handle("GET /metrics", h)
	}
}

// Drain switches submission endpoints to 503 during graceful shutdown.
// Read paths keep working until the listener closes.
func (s *Server) Drain() {
	s.draining.Store(true)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /executions/test-case", s.handleStartTestCase)
	s.mux.HandleFunc("POST /executions/test-suite", s.handleStartTestSuite)
	s.mux.HandleFunc("GET /executions", s.handleList)
	s.mux.HandleFunc("GET /executions/{$}", s.handleList)
	s.mux.HandleFunc("GET /executions/{id}", s.handleGet)
	s.mux.HandleFunc("PATCH /executions/{id}/status", s.handleUpdateStatus)
	s.mux.HandleFunc("GET /executions/{id}/progress", s.handleProgress)
	s.mux.HandleFunc("GET /executions/{id}/report", s.handleReport)
	s.mux.HandleFunc("GET /executions/{id}/events", s.handleEvents)

	s.mux.HandleFunc("GET /executions/queue/status", s.handleQueueStatus)
	s.mux.HandleFunc("POST /executions/queue/pause", s.handleQueuePause)
	s.mux.HandleFunc("POST /executions/queue/resume", s.handleQueueResume)

	s.mux.HandleFunc("GET /executions/analytics", s.handleAnalytics)
	s.mux.HandleFunc("GET /executions/trends", s.handleTrends)
	s.mux.HandleFunc("GET /executions/statistics", s.handleStatistics)
	s.mux.HandleFunc("GET /executions/system/health", s.handleSystemHealth)

	s.mux.HandleFunc("GET /health", s.handleLiveness)
	s.mux.HandleFunc("GET /version", s.handleVersion)
}

// ServeHTTP implements http.Handler. The middleware chain is panic
// recovery, request logging, then authentication; /health, /version,
// and /metrics skip auth.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var handler http.Handler = s.mux
	handler = s.withAuth(handler)
	handler = s.withLogging(handler)
	handler = s.withRecovery(handler)
	handler.ServeHTTP(w, r)
}

type ctxKey int

const userIDKey ctxKey = iota

// UserID returns the authenticated user for a request.
func UserID(r *http.Request) string {
	user, _ := r.Context().Value(userIDKey).(string)
	return user
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/version", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		user, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request completed",
			log.String("method", r.Method),
			log.String("path", r.URL.Path),
			log.Int("status", rec.status),
			log.Duration("duration", time.Since(start).Milliseconds()))
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					log.String("path", r.URL.Path),
					log.Attr("panic", rec),
					log.String("stack", string(debug.Stack())))
				writeError(w, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// admitSubmission gates execution-starting endpoints: drain beats rate.
func (s *Server) admitSubmission(w http.ResponseWriter) bool {
	if s.draining.Load() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "submission rate limit exceeded")
		return false
	}
	return true
}

// statusRecorder captures the response code for request logging. It
// passes http.Flusher through so SSE keeps working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
