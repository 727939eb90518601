// Package daemon assembles the runnerd components into one supervised
// system: storage, broker, forge client, container lifecycle, pools,
// routing, queue workers, the HTTP surface, and leader election.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"git.home.luguber.info/inful/runnerd/internal/broker"
	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/events"
	"git.home.luguber.info/inful/runnerd/internal/forge"
	"git.home.luguber.info/inful/runnerd/internal/isolation"
	"git.home.luguber.info/inful/runnerd/internal/leader"
	"git.home.luguber.info/inful/runnerd/internal/lifecycle"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/metrics"
	"git.home.luguber.info/inful/runnerd/internal/orchestrator"
	"git.home.luguber.info/inful/runnerd/internal/pool"
	"git.home.luguber.info/inful/runnerd/internal/queue"
	"git.home.luguber.info/inful/runnerd/internal/realtime"
	"git.home.luguber.info/inful/runnerd/internal/router"
	"git.home.luguber.info/inful/runnerd/internal/scaler"
	"git.home.luguber.info/inful/runnerd/internal/server"
	"git.home.luguber.info/inful/runnerd/internal/storage"
	"git.home.luguber.info/inful/runnerd/internal/version"
	"git.home.luguber.info/inful/runnerd/internal/webhook"
)

// Status tracks where the system is in its lifecycle.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// stopTimeout bounds the cleanup that runs when startup fails partway.
const stopTimeout = 30 * time.Second

// System wires every component together and supervises its lifecycle.
// Construction is IO-free; Start opens connections and brings components
// up in dependency order, Stop tears them down in reverse.
type System struct {
	cfg *config.Config
	log *slog.Logger

	mu        sync.Mutex
	status    atomic.Value // Status
	startTime atomic.Value // time.Time

	bus      *events.Bus
	registry *prometheus.Registry
	recorder metrics.Recorder

	store     *storage.Store
	redis     redis.UniversalClient
	kv        *broker.Redis
	feed      realtime.Feed
	bridge    *realtime.Bridge
	forge     *forge.Client
	lifecycle *lifecycle.Manager
	networks  *isolation.Manager
	pools     *pool.Manager
	router    *router.Router
	orch      *orchestrator.Orchestrator
	queue     *queue.Queue
	ingestor  *webhook.Ingestor
	scaler    *scaler.Scaler
	elector   *leader.Elector
	server    *server.Server
	scheduler gocron.Scheduler

	// dockerAPI and networkAPI are dialed on Start unless a test
	// injected fakes beforehand.
	dockerAPI  lifecycle.DockerAPI
	networkAPI isolation.NetworkAPI
}

// New builds an idle system. Nothing is dialed until Start.
func New(cfg *config.Config, log *slog.Logger) (*System, error) {
	if cfg == nil {
		return nil, rerrors.ValidationError("daemon: config is required")
	}
	if log == nil {
		log = slog.Default()
	}
	registry := prometheus.NewRegistry()
	s := &System{
		cfg:      cfg,
		log:      log.With("component", "daemon"),
		registry: registry,
		recorder: metrics.NewPrometheusRecorder(registry),
	}
	s.status.Store(StatusStopped)
	return s, nil
}

// Start brings every component up. It fails on the first component that
// cannot start and tears down whatever was already running, leaving the
// system in the error state.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.state(); cur != StatusStopped {
		return rerrors.Conflict("daemon is not stopped").WithContext("status", string(cur))
	}
	s.status.Store(StatusStarting)
	s.log.Info("Starting daemon",
		"version", version.Version,
		"strategy", string(s.cfg.Strategy),
		"store", string(s.cfg.Store.Driver))

	ok := false
	defer func() {
		if ok {
			return
		}
		s.status.Store(StatusError)
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		s.teardown(cleanupCtx)
	}()

	// A closed bus refuses new subscribers, so each run gets a fresh one.
	s.bus = events.NewBus()

	store, err := storage.Open(ctx, string(s.cfg.Store.Driver), s.cfg.Store.DSN, s.cfg.Store.ReplicaDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = store

	client, err := broker.Connect(ctx, s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	s.redis = client
	s.kv = broker.NewRedis(client)

	// Built early so other components can hold its leadership gate; it
	// does not campaign until the end of startup.
	s.elector = leader.NewElector(s.kv, s.cfg.HA, s.bus, s.log)

	feed, err := realtime.NewFeed(ctx, s.cfg.Events, s.log)
	if err != nil {
		return fmt.Errorf("connect event feed: %w", err)
	}
	s.feed = feed
	s.bridge = realtime.NewBridge(s.bus, feed, s.log)
	if err := s.bridge.Start(ctx); err != nil {
		return fmt.Errorf("start event bridge: %w", err)
	}

	fc, err := forge.New(forge.Options{
		Forge:    s.cfg.Forge,
		Strategy: s.cfg.Strategy,
		Cache:    s.cfg.Cache,
		KV:       s.kv,
		Logger:   s.log,
	})
	if err != nil {
		return err
	}
	s.forge = fc
	fc.SetRecorder(s.recorder)
	fc.Start(ctx)

	if s.dockerAPI == nil || s.networkAPI == nil {
		docker, err := lifecycle.NewDockerClient(s.cfg.Docker)
		if err != nil {
			return fmt.Errorf("connect docker: %w", err)
		}
		if s.dockerAPI == nil {
			s.dockerAPI = docker
		}
		if s.networkAPI == nil {
			s.networkAPI = docker
		}
	}

	s.lifecycle = lifecycle.NewManager(s.dockerAPI, s.cfg.Docker, s.bus, s.log)
	s.lifecycle.SetRecorder(s.recorder)
	s.lifecycle.SetLeaderGate(s.elector.IsLeader)
	if err := s.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("start container lifecycle: %w", err)
	}

	s.networks = isolation.NewManager(s.networkAPI, s.cfg.Docker, s.log)

	s.pools = pool.NewManager(s.store, s.cfg.Pools, s.cfg.Scaler, s.bus, s.log)
	s.pools.SetRecorder(s.recorder)

	s.router = router.NewRouter(s.store, s.cfg.Router, s.log)
	if err := s.router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	orch, err := orchestrator.New(s.store, s.router, s.forge, s.lifecycle, s.networks, s.cfg, s.bus, s.log)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	s.orch = orch
	orch.SetRecorder(s.recorder)
	s.pools.SetProvisioner(orch)

	s.queue = queue.New(s.redis, queue.DefaultName, s.cfg.Queue, orch.Handler())
	s.queue.SetRecorder(s.recorder)
	s.queue.Start(ctx)

	s.ingestor = webhook.NewIngestor(s.store, s.kv, s.queue, s.pools, s.bus, s.cfg.Server.WebhookSecret, s.log)
	s.ingestor.SetRecorder(s.recorder)

	s.scaler = scaler.NewScaler(s.store, s.pools, s.cfg.Scaler, s.bus, s.log)
	s.scaler.SetRecorder(s.recorder)
	s.scaler.SetLeaderGate(s.elector.IsLeader)

	s.server = server.New(s.cfg, server.Deps{
		Store:    s.store,
		Broker:   s.kv,
		Ingestor: s.ingestor,
		Queue:    s.queue,
		Pools:    s.pools,
		Scaler:   s.scaler,
		Runtime:  s,
		Metrics:  metrics.HTTPHandler(s.registry),
		Version:  version.Version,
	}, s.log)
	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	if err := s.elector.Start(ctx); err != nil {
		return fmt.Errorf("start leader elector: %w", err)
	}

	if err := s.startSchedules(ctx); err != nil {
		return fmt.Errorf("start schedules: %w", err)
	}

	s.startTime.Store(time.Now())
	s.status.Store(StatusRunning)
	s.log.Info("Daemon started",
		"addr", s.server.Addr(),
		"node_id", s.elector.NodeID(),
		"ha", s.cfg.HA.Enabled)
	ok = true
	return nil
}

// Stop shuts the system down in reverse start order. Stopping a system
// that is not running is a no-op.
func (s *System) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state() != StatusRunning {
		return nil
	}
	s.status.Store(StatusStopping)
	s.log.Info("Stopping daemon")

	s.teardown(ctx)

	s.status.Store(StatusStopped)
	if st, ok := s.startTime.Load().(time.Time); ok && !st.IsZero() {
		s.log.Info("Daemon stopped", "uptime", time.Since(st).Round(time.Second).String())
	} else {
		s.log.Info("Daemon stopped")
	}
	return nil
}

// teardown stops whatever came up, newest first. Components that never
// started are nil and skipped, so this serves both Stop and the cleanup
// after a failed Start.
func (s *System) teardown(ctx context.Context) {
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			s.log.Warn("Scheduler shutdown failed", logfields.Error(err))
		}
	}
	if s.elector != nil {
		if err := s.elector.Stop(ctx); err != nil {
			s.log.Warn("Elector stop failed", logfields.Error(err))
		}
	}
	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			s.log.Warn("HTTP server stop failed", logfields.Error(err))
		}
	}
	if s.queue != nil {
		if err := s.queue.Stop(ctx); err != nil {
			s.log.Warn("Queue stop failed", logfields.Error(err))
		}
	}
	if s.router != nil {
		if err := s.router.Stop(ctx); err != nil {
			s.log.Warn("Router stop failed", logfields.Error(err))
		}
	}
	if s.lifecycle != nil {
		if err := s.lifecycle.Stop(ctx); err != nil {
			s.log.Warn("Container lifecycle stop failed", logfields.Error(err))
		}
	}
	if s.forge != nil {
		if err := s.forge.Stop(ctx); err != nil {
			s.log.Warn("Forge client stop failed", logfields.Error(err))
		}
	}
	if s.bridge != nil {
		if err := s.bridge.Stop(ctx); err != nil {
			s.log.Warn("Event bridge stop failed", logfields.Error(err))
		}
	}
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			s.log.Warn("Event feed close failed", logfields.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn("Broker close failed", logfields.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("Store close failed", logfields.Error(err))
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
}

func (s *System) state() Status {
	if v, ok := s.status.Load().(Status); ok {
		return v
	}
	return StatusStopped
}

// Status reports the lifecycle state for the API surface.
func (s *System) Status() string {
	return string(s.state())
}

// StartTime is when the system last entered the running state.
func (s *System) StartTime() time.Time {
	if v, ok := s.startTime.Load().(time.Time); ok {
		return v
	}
	return time.Time{}
}

// IsLeader reports whether this node may run singleton work. Before the
// elector exists the answer is no.
func (s *System) IsLeader() bool {
	if s.elector == nil {
		return false
	}
	return s.elector.IsLeader()
}

// NodeID identifies this node in logs and the status API.
func (s *System) NodeID() string {
	if s.elector == nil {
		return ""
	}
	return s.elector.NodeID()
}
