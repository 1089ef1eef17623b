// Package server exposes the agent's HTTP request surface: the static
// control-panel UI, the VM inventory and coordinator endpoints, and the
// ambient health/metrics endpoints.
package server

import (
	"embed"
	"net/http"
	"sync/atomic"

	"github.com/stestagg/risky-proxmox-agent/internal/coordinator"
	"github.com/stestagg/risky-proxmox-agent/internal/logging"
	"github.com/stestagg/risky-proxmox-agent/internal/metrics"
	"github.com/stestagg/risky-proxmox-agent/internal/observability"
	"github.com/stestagg/risky-proxmox-agent/internal/proxmox"
	"github.com/stestagg/risky-proxmox-agent/internal/ratelimit"
)

//go:embed assets/index.html assets/app.js assets/background.jpg
var embeddedAssets embed.FS

// Server holds the dependencies shared across HTTP handlers.
type Server struct {
	client          *proxmox.Client
	launchManager   *coordinator.LaunchManager
	shutdownManager *coordinator.ShutdownManager

	ready atomic.Bool
}

// New constructs a Server bound to client, with its own LaunchManager
// and ShutdownManager.
func New(client *proxmox.Client) *Server {
	return &Server{
		client:          client,
		launchManager:   coordinator.NewLaunchManager(client),
		shutdownManager: coordinator.NewShutdownManager(client),
	}
}

// MarkReady flips the readiness probe to healthy. Called once the
// agent has completed at least one successful inventory fetch.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// Config bundles the optional ambient middleware a Router wires in.
type Config struct {
	RateLimiter *ratelimit.Limiter
}

// Router builds the complete HTTP handler: routes plus tracing and
// (optionally) rate-limiting middleware, mirroring the layered
// middleware composition used across this codebase's HTTP servers.
func Router(s *Server, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /assets/app.js", s.handleAppJS)
	mux.HandleFunc("GET /assets/background.jpg", s.handleBackground)
	mux.HandleFunc("GET /api/vms", s.handleListVMs)
	mux.HandleFunc("POST /api/launch", s.handleLaunch)
	mux.HandleFunc("POST /api/fork", s.handleFork)
	mux.HandleFunc("POST /api/host-shutdown", s.handleHostShutdown)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if metrics.PrometheusRegistry() != nil {
		mux.Handle("GET /metrics", metrics.PrometheusHandler())
	}

	var handler http.Handler = mux
	handler = requestLogMiddleware(handler)
	handler = observability.HTTPMiddleware(handler)

	if cfg.RateLimiter != nil {
		publicPaths := []string{"/healthz", "/readyz", "/metrics"}
		handler = ratelimit.Middleware(cfg.RateLimiter, publicPaths)(handler)
		logging.Op().Info("rate limiting enabled for request surface")
	}

	return handler
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	logging.Op().Debug("serving index page")
	data, err := embeddedAssets.ReadFile("assets/index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (s *Server) handleAppJS(w http.ResponseWriter, r *http.Request) {
	logging.Op().Debug("serving app javascript")
	data, err := embeddedAssets.ReadFile("assets/app.js")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Write(data)
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	data, err := embeddedAssets.ReadFile("assets/background.jpg")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
