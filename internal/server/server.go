// Package server serves the read-only admin HTTP API of a node.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/osd"
	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/pg"
)

// Node is the part of a running node the admin API reads.
type Node interface {
	Status() osd.Status
	State() osd.State
	CurrentMap() *osdmap.Map
	Map(ctx context.Context, e osdmap.Epoch) (*osdmap.Map, error)
	PGs() []*pg.PG
	PG(pgid osdmap.SPGID) (*pg.PG, bool)
	Stats() *msg.PGStats
}

// Server is the admin HTTP server of a node.
type Server struct {
	node       Node
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(node Node, bindAddr string) *Server {
	srv := &Server{node: node}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              bindAddr,
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/pgs", s.handleListPGs)
		r.Get("/pgs/{pgid}", s.handleGetPG)
		r.Get("/maps/{epoch}", s.handleGetMap)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
