// Package server exposes the catalog and learner progress over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
	"github.com/p-n-ai/pai-learn/internal/notify"
	"github.com/p-n-ai/pai-learn/internal/platform/metrics"
	"github.com/p-n-ai/pai-learn/internal/progress"
	"github.com/p-n-ai/pai-learn/internal/quiz"
	"github.com/p-n-ai/pai-learn/internal/syncer"
)

const (
	maxBodyBytes = 4 << 20
	checkTimeout = 2 * time.Second
)

// HealthChecker is a dependency that can report readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds the dependencies of the HTTP API.
type Config struct {
	Catalog        *curriculum.Catalog
	Sync           *syncer.Synchronizer
	Policy         quiz.Policy
	Events         progress.EventLogger // persisted event sink, may be nil
	Hub            *notify.Hub          // live event fan-out, may be nil
	Checks         map[string]HealthChecker
	AllowedOrigins []string
}

// Server is the HTTP API.
type Server struct {
	catalog *curriculum.Catalog
	sync    *syncer.Synchronizer
	policy  quiz.Policy
	events  progress.EventLogger
	hub     *notify.Hub
	checks  map[string]HealthChecker
	wsOpts  *websocket.AcceptOptions
}

// New creates a server.
func New(cfg Config) *Server {
	var sinks progress.MultiEventLogger
	if cfg.Events != nil {
		sinks = append(sinks, cfg.Events)
	}
	if cfg.Hub != nil {
		sinks = append(sinks, cfg.Hub)
	}

	return &Server{
		catalog: cfg.Catalog,
		sync:    cfg.Sync,
		policy:  cfg.Policy,
		events:  sinks,
		hub:     cfg.Hub,
		checks:  cfg.Checks,
		wsOpts:  &websocket.AcceptOptions{OriginPatterns: cfg.AllowedOrigins},
	}
}

// Handler returns the router wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.routes())
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/courses", s.handleListCourses)
	mux.HandleFunc("GET /api/courses/{courseID}", s.handleGetCourse)
	mux.HandleFunc("PUT /api/courses/{courseID}", s.handlePutCourse)
	mux.HandleFunc("GET /api/courses/{courseID}/progress", s.handleGetProgress)
	mux.HandleFunc("GET /api/courses/{courseID}/state", s.handleGetState)
	mux.HandleFunc("POST /api/courses/{courseID}/lessons/{lessonID}/quiz", s.handleSubmitQuiz)
	mux.HandleFunc("POST /api/progress", s.handleRecordProgress)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, c := range s.checks {
		if err := c.HealthCheck(ctx); err != nil {
			slog.Warn("readiness check failed", "check", name, "error", err)
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"checks": failed,
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
