// Package http serves run introspection: worker status, health and metrics.
package http

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/aretw0/sigbridge/pkg/orchestrator"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource is the read side of a running orchestrator.
type StatusSource interface {
	Snapshot() []orchestrator.WorkerStatus
	Ticks() uint64
	Running() int
}

// Health is the /healthz body.
type Health struct {
	Status  string `json:"status"`
	Ticks   uint64 `json:"ticks"`
	Running int    `json:"running"`
	Workers int    `json:"workers"`
}

// Health statuses.
const (
	HealthRunning = "running"
	HealthDone    = "done"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Spec loads and validates the OpenAPI description of the introspection routes.
func Spec(ctx context.Context) (*openapi3.T, error) {
	doc, err := openapi3.NewLoader().LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi spec: %w", err)
	}
	return doc, nil
}

type handler struct {
	src    StatusSource
	logger *slog.Logger
}

// NewHandler routes the introspection endpoints. A nil gatherer disables
// /metrics; a nil logger discards encode failures.
func NewHandler(src StatusSource, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &handler{src: src, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(openapiSpec)
	})
	r.Get("/healthz", h.health)
	r.Get("/workers", h.workers)
	r.Get("/workers/{rank}", h.worker)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := Health{
		Status:  HealthRunning,
		Ticks:   h.src.Ticks(),
		Running: h.src.Running(),
		Workers: len(h.src.Snapshot()),
	}
	if body.Running == 0 && body.Ticks > 0 {
		body.Status = HealthDone
	}
	h.writeJSON(w, http.StatusOK, body)
}

func (h *handler) workers(w http.ResponseWriter, r *http.Request) {
	snap := h.src.Snapshot()
	if snap == nil {
		snap = []orchestrator.WorkerStatus{}
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handler) worker(w http.ResponseWriter, r *http.Request) {
	var rank int
	err := runtime.BindStyledParameterWithOptions("simple", "rank", chi.URLParam(r, "rank"), &rank,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid format for parameter rank: %s", err), http.StatusBadRequest)
		return
	}
	snap := h.src.Snapshot()
	if rank < 0 || rank >= len(snap) {
		http.Error(w, "no such worker", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, snap[rank])
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "err", err)
	}
}

// Server is an introspection listener bound before the run starts.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Listen binds addr so that a bad address fails before any worker is spawned.
func Listen(addr string, handler http.Handler, opts ...Option) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv:    &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("introspection listening", "addr", s.Addr())
		errc <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
