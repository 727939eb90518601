package config

import "os"

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// ServerDefaultApplier handles HTTP listener defaults.
type ServerDefaultApplier struct{}

func (ServerDefaultApplier) Domain() string { return "server" }

func (ServerDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	return nil
}

// ForgeDefaultApplier handles forge client defaults.
type ForgeDefaultApplier struct{}

func (ForgeDefaultApplier) Domain() string { return "forge" }

func (ForgeDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Forge.BaseURL == "" {
		cfg.Forge.BaseURL = "https://api.github.com"
	}
	if cfg.Forge.RequestTimeout == "" {
		cfg.Forge.RequestTimeout = "10s"
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyConservative
	}
	if cfg.Cache.StaticTTL == "" {
		cfg.Cache.StaticTTL = "1h"
	}
	if cfg.Cache.DynamicTTL == "" {
		cfg.Cache.DynamicTTL = "5m"
	}
	if cfg.Cache.RealtimeTTL == "" {
		cfg.Cache.RealtimeTTL = "1m"
	}
	return nil
}

// DockerDefaultApplier handles container host defaults.
type DockerDefaultApplier struct{}

func (DockerDefaultApplier) Domain() string { return "docker" }

func (DockerDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Docker.Host == "" {
		cfg.Docker.Host = "unix:///var/run/docker.sock"
	}
	if cfg.Docker.RunnerImage == "" {
		cfg.Docker.RunnerImage = "ghcr.io/actions/actions-runner:latest"
	}
	if cfg.Docker.NetworkPrefix == "" {
		cfg.Docker.NetworkPrefix = "runnerd"
	}
	if cfg.Docker.Limits.CPUShares == 0 {
		cfg.Docker.Limits.CPUShares = 1024
	}
	if cfg.Docker.Limits.CPUQuota == 0 {
		cfg.Docker.Limits.CPUQuota = 200000
	}
	if cfg.Docker.Limits.Memory == "" {
		cfg.Docker.Limits.Memory = "2g"
	}
	return nil
}

// StoreDefaultApplier handles relational store defaults.
type StoreDefaultApplier struct{}

func (StoreDefaultApplier) Domain() string { return "store" }

func (StoreDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreSQLite
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == StoreSQLite {
		cfg.Store.DSN = "./runnerd.db"
	}
	return nil
}

// BrokerDefaultApplier handles broker connection defaults.
type BrokerDefaultApplier struct{}

func (BrokerDefaultApplier) Domain() string { return "broker" }

func (BrokerDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Broker.Addr == "" && cfg.Broker.Sentinel == nil {
		cfg.Broker.Addr = "localhost:6379"
	}
	return nil
}

// QueueDefaultApplier handles job queue defaults.
type QueueDefaultApplier struct{}

func (QueueDefaultApplier) Domain() string { return "queue" }

func (QueueDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 10
	}
	if cfg.Queue.Attempts == 0 {
		cfg.Queue.Attempts = 3
	}
	if cfg.Queue.Backoff == "" {
		cfg.Queue.Backoff = "2s"
	}
	if cfg.Queue.CompletedTTL == "" {
		cfg.Queue.CompletedTTL = "1h"
	}
	if cfg.Queue.CompletedKeep == 0 {
		cfg.Queue.CompletedKeep = 100
	}
	if cfg.Queue.FailedTTL == "" {
		cfg.Queue.FailedTTL = "24h"
	}
	return nil
}

// PoolDefaultApplier handles pool bound defaults.
type PoolDefaultApplier struct{}

func (PoolDefaultApplier) Domain() string { return "pools" }

func (PoolDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Pools.DefaultMax == 0 {
		cfg.Pools.DefaultMax = 10
	}
	return nil
}

// ScalerDefaultApplier handles autoscaler policy defaults.
type ScalerDefaultApplier struct{}

func (ScalerDefaultApplier) Domain() string { return "scaler" }

func (ScalerDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Scaler.Tick == "" {
		cfg.Scaler.Tick = "30s"
	}
	if cfg.Scaler.Cooldown == "" {
		cfg.Scaler.Cooldown = "5m"
	}
	if cfg.Scaler.ScaleUpThreshold == 0 {
		cfg.Scaler.ScaleUpThreshold = 0.8
	}
	if cfg.Scaler.ScaleDownThreshold == 0 {
		cfg.Scaler.ScaleDownThreshold = 0.2
	}
	if cfg.Scaler.ScaleUpIncrement == 0 {
		cfg.Scaler.ScaleUpIncrement = 5
	}
	if cfg.Scaler.ScaleDownIncrement == 0 {
		cfg.Scaler.ScaleDownIncrement = 1
	}
	if cfg.Scaler.QueueDepthThreshold == 0 {
		cfg.Scaler.QueueDepthThreshold = 5
	}
	if cfg.Scaler.AvgWaitThreshold == "" {
		cfg.Scaler.AvgWaitThreshold = "60s"
	}
	return nil
}

// RouterDefaultApplier handles routing defaults.
type RouterDefaultApplier struct{}

func (RouterDefaultApplier) Domain() string { return "router" }

func (RouterDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Router.RefreshInterval == "" {
		cfg.Router.RefreshInterval = "60s"
	}
	return nil
}

// HADefaultApplier handles leader-election defaults.
type HADefaultApplier struct{}

func (HADefaultApplier) Domain() string { return "ha" }

func (HADefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.HA.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "runnerd-node"
		}
		cfg.HA.NodeID = host
	}
	if cfg.HA.LockKey == "" {
		cfg.HA.LockKey = "runnerd:leader"
	}
	if cfg.HA.LockTTL == "" {
		cfg.HA.LockTTL = "15s"
	}
	if cfg.HA.RenewInterval == "" {
		cfg.HA.RenewInterval = "5s"
	}
	return nil
}

// EventsDefaultApplier handles realtime feed defaults.
type EventsDefaultApplier struct{}

func (EventsDefaultApplier) Domain() string { return "events" }

func (EventsDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Events.Stream == "" {
		cfg.Events.Stream = "RUNNERD_EVENTS"
	}
	return nil
}

// LogDefaultApplier handles logging defaults.
type LogDefaultApplier struct{}

func (LogDefaultApplier) Domain() string { return "log" }

func (LogDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogLevelInfo
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = LogFormatText
	}
	return nil
}

// CompositeDefaultApplier runs every domain applier in declaration order.
type CompositeDefaultApplier struct {
	appliers []DefaultApplier
}

// NewDefaultApplier builds the composite applier covering all domains.
func NewDefaultApplier() *CompositeDefaultApplier {
	return &CompositeDefaultApplier{appliers: []DefaultApplier{
		ServerDefaultApplier{},
		ForgeDefaultApplier{},
		DockerDefaultApplier{},
		StoreDefaultApplier{},
		BrokerDefaultApplier{},
		QueueDefaultApplier{},
		PoolDefaultApplier{},
		ScalerDefaultApplier{},
		RouterDefaultApplier{},
		HADefaultApplier{},
		EventsDefaultApplier{},
		LogDefaultApplier{},
	}}
}

func (c *CompositeDefaultApplier) Domain() string { return "all" }

func (c *CompositeDefaultApplier) ApplyDefaults(cfg *Config) error {
	for _, a := range c.appliers {
		if err := a.ApplyDefaults(cfg); err != nil {
			return err
		}
	}
	return nil
}
