package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var memoryLimitPattern = regexp.MustCompile(`^(?i)(\d+)([bkmg])$`)

// ValidateConfig validates the complete configuration structure.
func ValidateConfig(cfg *Config) error {
	validator := newConfigurationValidator(cfg)
	return validator.validate()
}

// configurationValidator coordinates validation across all configuration domains.
type configurationValidator struct {
	config *Config
}

func newConfigurationValidator(config *Config) *configurationValidator {
	return &configurationValidator{config: config}
}

// validate performs configuration validation using domain-specific methods.
func (cv *configurationValidator) validate() error {
	if err := cv.validateForge(); err != nil {
		return err
	}
	if err := cv.validateDocker(); err != nil {
		return err
	}
	if err := cv.validateStore(); err != nil {
		return err
	}
	if err := cv.validateBroker(); err != nil {
		return err
	}
	if err := cv.validateQueue(); err != nil {
		return err
	}
	if err := cv.validatePools(); err != nil {
		return err
	}
	if err := cv.validateScaler(); err != nil {
		return err
	}
	if err := cv.validateHA(); err != nil {
		return err
	}
	if err := cv.validateDurations(); err != nil {
		return err
	}
	return nil
}

func (cv *configurationValidator) validateForge() error {
	if cv.config.Forge.Token == "" {
		return errors.New("forge.token is required")
	}
	switch cv.config.Strategy {
	case StrategyConservative, StrategyAggressive, StrategyAdaptive:
	default:
		return fmt.Errorf("invalid strategy: %s (allowed: conservative|aggressive|adaptive)", cv.config.Strategy)
	}
	return nil
}

func (cv *configurationValidator) validateDocker() error {
	lim := cv.config.Docker.Limits
	if lim.Memory != "" && !memoryLimitPattern.MatchString(lim.Memory) {
		return fmt.Errorf("invalid docker.limits.memory: %s (expected <integer><b|k|m|g>)", lim.Memory)
	}
	if lim.CPUShares < 0 {
		return fmt.Errorf("docker.limits.cpu_shares cannot be negative: %d", lim.CPUShares)
	}
	if lim.CPUQuota < 0 {
		return fmt.Errorf("docker.limits.cpu_quota cannot be negative: %d", lim.CPUQuota)
	}
	if lim.Pids < 0 {
		return fmt.Errorf("docker.limits.pids cannot be negative: %d", lim.Pids)
	}
	return nil
}

func (cv *configurationValidator) validateStore() error {
	switch cv.config.Store.Driver {
	case StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("unsupported store driver: %s (allowed: sqlite|postgres)", cv.config.Store.Driver)
	}
	if cv.config.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if cv.config.Store.ReplicaDSN != "" && cv.config.Store.Driver != StorePostgres {
		return fmt.Errorf("store.replica_dsn requires the postgres driver, got %s", cv.config.Store.Driver)
	}
	return nil
}

func (cv *configurationValidator) validateBroker() error {
	b := cv.config.Broker
	if b.Sentinel != nil {
		if b.Sentinel.Master == "" {
			return errors.New("broker.sentinel.master is required when sentinel is configured")
		}
		if len(b.Sentinel.Addrs) == 0 {
			return errors.New("broker.sentinel.addrs must list at least one sentinel address")
		}
		return nil
	}
	if b.Addr == "" {
		return errors.New("broker.addr is required")
	}
	return nil
}

func (cv *configurationValidator) validateQueue() error {
	if cv.config.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1, got %d", cv.config.Queue.Concurrency)
	}
	if cv.config.Queue.Attempts < 1 {
		return fmt.Errorf("queue.attempts must be at least 1, got %d", cv.config.Queue.Attempts)
	}
	return nil
}

func (cv *configurationValidator) validatePools() error {
	p := cv.config.Pools
	if p.DefaultMin < 0 {
		return fmt.Errorf("pools.default_min cannot be negative: %d", p.DefaultMin)
	}
	if p.DefaultMax < p.DefaultMin {
		return fmt.Errorf("pools.default_max (%d) must be >= pools.default_min (%d)", p.DefaultMax, p.DefaultMin)
	}
	seen := make(map[string]bool)
	for _, o := range p.Overrides {
		if o.Repository == "" {
			return errors.New("pools.overrides entries require a repository")
		}
		if seen[o.Repository] {
			return fmt.Errorf("duplicate pool override for repository: %s", o.Repository)
		}
		seen[o.Repository] = true
		if o.Min < 0 || o.Max < o.Min {
			return fmt.Errorf("pool override %s: require 0 <= min (%d) <= max (%d)", o.Repository, o.Min, o.Max)
		}
	}
	return nil
}

func (cv *configurationValidator) validateScaler() error {
	s := cv.config.Scaler
	if s.ScaleUpThreshold <= 0 || s.ScaleUpThreshold > 1 {
		return fmt.Errorf("scaler.scale_up_threshold must be in (0, 1], got %v", s.ScaleUpThreshold)
	}
	if s.ScaleDownThreshold < 0 || s.ScaleDownThreshold >= s.ScaleUpThreshold {
		return fmt.Errorf("scaler.scale_down_threshold (%v) must be in [0, scale_up_threshold)", s.ScaleDownThreshold)
	}
	if s.ScaleUpIncrement < 1 {
		return fmt.Errorf("scaler.scale_up_increment must be at least 1, got %d", s.ScaleUpIncrement)
	}
	if s.ScaleDownIncrement < 1 {
		return fmt.Errorf("scaler.scale_down_increment must be at least 1, got %d", s.ScaleDownIncrement)
	}
	return nil
}

func (cv *configurationValidator) validateHA() error {
	h := cv.config.HA
	if !h.Enabled {
		return nil
	}
	ttl, err := time.ParseDuration(h.LockTTL)
	if err != nil {
		return fmt.Errorf("invalid ha.lock_ttl: %s: %w", h.LockTTL, err)
	}
	renew, err := time.ParseDuration(h.RenewInterval)
	if err != nil {
		return fmt.Errorf("invalid ha.renew_interval: %s: %w", h.RenewInterval, err)
	}
	if renew >= ttl {
		return fmt.Errorf("ha.renew_interval (%s) must be shorter than ha.lock_ttl (%s)", h.RenewInterval, h.LockTTL)
	}
	return nil
}

// validateDurations checks every string duration field parses and is positive.
func (cv *configurationValidator) validateDurations() error {
	fields := []struct {
		name  string
		value string
	}{
		{"forge.request_timeout", cv.config.Forge.RequestTimeout},
		{"queue.backoff", cv.config.Queue.Backoff},
		{"queue.completed_ttl", cv.config.Queue.CompletedTTL},
		{"queue.failed_ttl", cv.config.Queue.FailedTTL},
		{"scaler.tick", cv.config.Scaler.Tick},
		{"scaler.cooldown", cv.config.Scaler.Cooldown},
		{"scaler.avg_wait_threshold", cv.config.Scaler.AvgWaitThreshold},
		{"router.refresh_interval", cv.config.Router.RefreshInterval},
		{"cache.static_ttl", cv.config.Cache.StaticTTL},
		{"cache.dynamic_ttl", cv.config.Cache.DynamicTTL},
		{"cache.realtime_ttl", cv.config.Cache.RealtimeTTL},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %s: %w", f.name, f.value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, f.value)
		}
	}
	return nil
}
