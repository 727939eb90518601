// Package server exposes the runnerd HTTP surface: the GitHub webhook
// endpoint, liveness/readiness probes, Prometheus metrics, and a small
// admin JSON API for inspecting jobs, pools, and the queue.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/pool"
	"git.home.luguber.info/inful/runnerd/internal/queue"
	"git.home.luguber.info/inful/runnerd/internal/scaler"
	"git.home.luguber.info/inful/runnerd/internal/storage"
	"git.home.luguber.info/inful/runnerd/internal/webhook"
)

const defaultAddr = ":8080"

// WebhookIngestor is the delivery surface behind POST /webhooks/github and
// the replay endpoint.
type WebhookIngestor interface {
	Process(ctx context.Context, d webhook.Delivery) (*webhook.Result, error)
	Replay(ctx context.Context, deliveryID string) (*webhook.Result, error)
}

// QueueStats exposes queue depth counts for the admin API.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Counts, error)
}

// PoolInspector reports live occupancy for one pool.
type PoolInspector interface {
	PoolMetrics(ctx context.Context, repository string) (pool.Metrics, error)
	PendingCount(repository string) int
}

// ScalerControl triggers a manual evaluation for one pool.
type ScalerControl interface {
	EvaluateNow(ctx context.Context, repository string) (*scaler.Evaluation, error)
}

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Runtime is the daemon surface the status endpoint reports on.
type Runtime interface {
	Status() string
	StartTime() time.Time
	IsLeader() bool
	NodeID() string
}

// Deps collects everything the HTTP handlers call into. Store and Broker are
// required; the rest may be nil, in which case the corresponding endpoints
// respond 503.
type Deps struct {
	Store    *storage.Store
	Broker   Pinger
	Ingestor WebhookIngestor
	Queue    QueueStats
	Pools    PoolInspector
	Scaler   ScalerControl
	Runtime  Runtime
	Metrics  http.Handler
	Version  string
}

// Server owns the single HTTP listener and its handler tree.
type Server struct {
	cfg     *config.Config
	deps    Deps
	adapter *rerrors.HTTPErrorAdapter
	log     *slog.Logger

	srv *http.Server
	ln  net.Listener
}

// New wires the handler tree. It does not bind the port; Start does.
func New(cfg *config.Config, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "server")
	return &Server{
		cfg:     cfg,
		deps:    deps,
		adapter: rerrors.NewHTTPErrorAdapter(log),
		log:     log,
	}
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.listenAddr()
}

func (s *Server) listenAddr() string {
	if s.cfg != nil && s.cfg.Server.Addr != "" {
		return s.cfg.Server.Addr
	}
	return defaultAddr
}

// Handler builds the full middleware-wrapped handler tree. Exposed so tests
// can drive it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	chain := middlewareChain(s.log, s.adapter)
	return chain(s.routes())
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhooks/github", s.handleGitHubWebhook)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/jobs", s.handleJobList)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleJob)
	mux.HandleFunc("GET /api/v1/pools", s.handlePools)
	mux.HandleFunc("GET /api/v1/queue", s.handleQueue)
	mux.HandleFunc("POST /api/v1/events/{delivery_id}/replay", s.handleReplay)
	mux.HandleFunc("POST /api/v1/pools/{owner}/{repo}/evaluate", s.handleEvaluate)

	return mux
}

// Start binds the listener and serves in the background. The port is bound
// synchronously so a busy address fails Start instead of surfacing later as
// a goroutine log line.
func (s *Server) Start(ctx context.Context) error {
	addr := s.listenAddr()
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	s.ln = ln

	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("HTTP server started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}
