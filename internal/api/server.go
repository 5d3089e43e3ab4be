// Package api is the thin HTTP surface over job state. No scheduling logic
// lives here: submissions only insert a queued row, the dispatch loop does
// the rest.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"imgfetchd/internal/model"
	"imgfetchd/internal/store"
	logx "imgfetchd/pkg/logx"
)

// maxBodyBytes caps JSON request bodies. Submissions are tiny; anything
// larger is a mistake or abuse.
const maxBodyBytes = 4096

type Config struct {
	Port int

	// DefaultMaxAttempts is applied to submissions that don't set their own.
	DefaultMaxAttempts int
}

type Server struct {
	cfg   Config
	store *store.Store
	log   logx.Logger
	http  *http.Server
}

func New(cfg Config, st *store.Store, log logx.Logger) *Server {
	s := &Server{cfg: cfg, store: st, log: log.With(logx.String("comp", "api"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/metrics", s.handleJobMetrics)
	mux.HandleFunc("GET /api/v1/metrics/recent", s.handleRecentMetrics)
	mux.HandleFunc("/", s.handleNotFound)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listener and serves in a background goroutine. Binding
// happens here (not in Serve) so a taken port fails startup synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.http.Addr, err)
	}
	s.log.Info("http server listening", logx.String("addr", s.http.Addr))
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server exited", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ---- middleware / plumbing ----

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.status),
			logx.Duration("took", time.Since(start)),
		)
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	writeJSON(w, status, model.NewError(status, message, detail))
}
