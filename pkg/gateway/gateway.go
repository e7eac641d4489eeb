// Package gateway exposes the sandbox runtime and the automation worker to
// local application clients over HTTP and WebSocket.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/codechat-universal/codechat/pkg/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SandboxRunner executes untrusted snippets. *sandbox.Runtime satisfies it.
type SandboxRunner interface {
	Execute(ctx context.Context, language, code string) (string, error)
}

// WorkerControl drives the automation worker. *orchestrator.Orchestrator
// satisfies it.
type WorkerControl interface {
	Dispatch(ctx context.Context, action string, payload any) error
	Restart(ctx context.Context) error
	Running() bool
}

type Gateway struct {
	server    *http.Server
	router    *chi.Mux
	sandbox   SandboxRunner
	worker    WorkerControl
	hub       *Hub
	logger    *slog.Logger
	authToken string
}

type Config struct {
	Addr      string
	Sandbox   SandboxRunner
	Worker    WorkerControl
	Hub       *Hub
	Logger    *slog.Logger
	AuthToken string
}

func New(cfg Config) *Gateway {
	logger := telemetry.Component(cfg.Logger, "gateway")
	if cfg.Hub == nil {
		cfg.Hub = NewHub(logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	g := &Gateway{
		router:    r,
		sandbox:   cfg.Sandbox,
		worker:    cfg.Worker,
		hub:       cfg.Hub,
		logger:    logger,
		authToken: cfg.AuthToken,
	}

	g.registerRoutes()

	g.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return g
}

func (g *Gateway) registerRoutes() {
	g.router.Get("/healthz", g.handleHealthz)
	g.router.Get("/readyz", g.handleReadyz)
	g.router.Handle("/metrics", promhttp.Handler())

	g.router.Route("/v1", func(r chi.Router) {
		if g.authToken != "" {
			r.Use(g.authMiddleware)
		}
		r.Post("/sandbox/run", g.handleSandboxRun)
		r.Get("/worker/status", g.handleWorkerStatus)
		r.Post("/worker/dispatch", g.handleWorkerDispatch)
		r.Post("/worker/restart", g.handleWorkerRestart)
		r.Get("/worker/events", g.handleWorkerEvents)
	})
}

func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Start serves until ctx is done, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	g.logger.Info("gateway listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return g.shutdown()
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) shutdown() error {
	g.logger.Info("gateway shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g.hub.Close()
	return g.server.Shutdown(ctx)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if g.worker != nil && !g.worker.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "worker unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header || subtle.ConstantTimeCompare([]byte(token), []byte(g.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
