// Package adminhttp serves the operator endpoints of a running bridge:
// liveness, Prometheus metrics and a snapshot of every cached entity.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knightsandkings/knk"
)

// Snapshotter returns the status of every cached entity by namespace.
// *knk.Registry implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[string][]knk.EntityStatus, error)
}

// snapshotTimeout bounds the wait for the main thread to answer a snapshot.
const snapshotTimeout = 2 * time.Second

// NewHandler wires the admin routes. gatherer may be nil to use the default
// Prometheus registry.
func NewHandler(s Snapshotter, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/entities", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
		defer cancel()

		snap, err := s.Snapshot(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Get("/entities/{namespace}", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
		defer cancel()

		snap, err := s.Snapshot(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		entities, ok := snap[chi.URLParam(r, "namespace")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown namespace"})
			return
		}
		writeJSON(w, http.StatusOK, entities)
	})

	return r
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, knk.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the admin handler on its own listener.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, h http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start binds the listener and serves in the background. It returns the bound
// address, which differs from the configured one when the port is 0.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, err
	}
	s.log.Info("knk: admin endpoint listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("knk: admin endpoint failed", "error", err)
		}
	}()
	return ln.Addr(), nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
