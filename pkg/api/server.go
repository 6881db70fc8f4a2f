// Package api serves task executions and terraform operations over HTTP.
// Both stream their progress as Server-Sent Events. Request errors found
// before the stream starts are answered with a JSON error and a status
// code; once streaming has begun, errors are events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/fourclicks/deployd/pkg/engine"
	"github.com/fourclicks/deployd/pkg/progress"
	"github.com/fourclicks/deployd/pkg/telemetry"
	"github.com/fourclicks/deployd/pkg/terraform"
)

// TaskPreparer is the persistent side of a task execution.
type TaskPreparer interface {
	Prepare(ctx context.Context, req engine.TaskRequest) (*engine.Session, error)
	MarkCompleted(ctx context.Context, s *engine.Session) error
	MarkFailed(ctx context.Context, s *engine.Session, cause error) error
}

// TaskStreamer runs prepared sessions.
type TaskStreamer interface {
	Stream(ctx context.Context, s *engine.Session) iter.Seq[progress.Event]
}

// TerraformRunner runs terraform operations.
type TerraformRunner interface {
	Run(ctx context.Context, req terraform.Request) (iter.Seq2[string, error], error)
	Classifier() terraform.Classifier
}

// Store answers lookups and health checks.
type Store interface {
	GetTask(ctx context.Context, id int64) (*engine.Task, error)
	HealthCheck(ctx context.Context) error
}

// Config is the configuration of a Server.
type Config struct {
	ListenAddress string

	Preparer  TaskPreparer
	Streamer  TaskStreamer
	Terraform TerraformRunner
	Store     Store

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Server is the deployd HTTP API.
type Server struct {
	cfg    Config
	logger *telemetry.Logger
	mux    *http.ServeMux
	http   *http.Server
}

// New creates a new Server.
func New(cfg Config) (*Server, error) {
	if cfg.Preparer == nil || cfg.Streamer == nil {
		return nil, fmt.Errorf("task preparer and streamer are required")
	}
	if cfg.Terraform == nil {
		return nil, fmt.Errorf("terraform runner is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.NewComponentLogger("api"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/v1/tasks/execute", s.handleExecuteTask)
	s.mux.HandleFunc("GET /api/v1/tasks/executions/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /api/v1/projects/{project}/init", s.handleTerraformInit)
	s.mux.HandleFunc("POST /api/v1/projects/{project}/workspaces/{workspace}/{operation}", s.handleTerraform)
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Infof("API listening on %s", s.cfg.ListenAddress)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for open streams.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, err error) {
	if code == "" {
		code = engine.ErrCodeInternal
	}
	s.cfg.Metrics.RecordError(code)
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// statusRecorder keeps the response status for the access log. It forwards
// Flush so event streams are not buffered.
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

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(s.logger.WithContext(r.Context())))
		s.logger.Zerolog().Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
