// Package health serves liveness and readiness probes over HTTP.
package health

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

	"github.com/m3rciful/gitpush/core/logger"
)

const component = "health"

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Server exposes GET /healthz and GET /readyz.
type Server struct {
	srv     *http.Server
	checks  []Check
	started time.Time
}

// New builds a server listening on addr. Checks run on every /readyz request.
func New(addr string, checks ...Check) *Server {
	s := &Server{checks: checks, started: time.Now()}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the HTTP handler, exported for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.live)
	r.Get("/readyz", s.ready)
	return r
}

type report struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok", Uptime: time.Since(s.started).Round(time.Second).String()})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rep := report{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	code := http.StatusOK
	for _, c := range s.checks {
		if err := c.Fn(ctx); err != nil {
			rep.Checks[c.Name] = err.Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		rep.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, rep)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens in the background. Listen errors other than shutdown are logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	logger.Info(ctx, component, "listen", slog.String("listen", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, component, "serve", slog.String("status", "fail"), slog.String("err", err.Error()))
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
