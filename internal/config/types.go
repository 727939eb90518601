package config

import "time"

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	WebhookSecret string `yaml:"webhook_secret"` // empty disables signature verification
}

// ForgeConfig configures the upstream forge API client.
type ForgeConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	Organization   string `yaml:"organization"`
	RequestTimeout string `yaml:"request_timeout"`
}

// Timeout returns the parsed request timeout, falling back to 10s.
func (f ForgeConfig) Timeout() time.Duration {
	return parseDurationOr(f.RequestTimeout, 10*time.Second)
}

// DockerConfig configures the container host connection and runner containers.
type DockerConfig struct {
	Host          string       `yaml:"host"`
	RunnerImage   string       `yaml:"runner_image"`
	NetworkPrefix string       `yaml:"network_prefix"`
	Limits        LimitsConfig `yaml:"limits"`
}

// LimitsConfig carries per-container resource bounds.
type LimitsConfig struct {
	CPUShares int64  `yaml:"cpu_shares"`
	CPUQuota  int64  `yaml:"cpu_quota"` // microseconds per 100000us period
	Memory    string `yaml:"memory"`    // <integer><b|k|m|g>
	Pids      int64  `yaml:"pids"`      // 0 = unlimited
}

// StoreConfig selects the relational driver and DSNs.
type StoreConfig struct {
	Driver     StoreDriver `yaml:"driver"`
	DSN        string      `yaml:"dsn"`
	ReplicaDSN string      `yaml:"replica_dsn"` // postgres only; reads prefer the replica
}

// StoreDriver enumerates supported relational drivers.
type StoreDriver string

const (
	StoreSQLite   StoreDriver = "sqlite"
	StorePostgres StoreDriver = "postgres"
)

// BrokerConfig configures the key/value broker connection.
type BrokerConfig struct {
	Addr     string          `yaml:"addr"`
	Sentinel *SentinelConfig `yaml:"sentinel,omitempty"`
	Password string          `yaml:"password"`
	DB       int             `yaml:"db"`
}

// SentinelConfig enables Redis Sentinel failover.
type SentinelConfig struct {
	Master string   `yaml:"master"`
	Addrs  []string `yaml:"addrs"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	Concurrency   int    `yaml:"concurrency"`
	Attempts      int    `yaml:"attempts"`
	Backoff       string `yaml:"backoff"`
	CompletedTTL  string `yaml:"completed_ttl"`
	CompletedKeep int    `yaml:"completed_keep"`
	FailedTTL     string `yaml:"failed_ttl"`
}

func (q QueueConfig) BackoffDelay() time.Duration { return parseDurationOr(q.Backoff, 2*time.Second) }
func (q QueueConfig) CompletedAge() time.Duration { return parseDurationOr(q.CompletedTTL, time.Hour) }
func (q QueueConfig) FailedAge() time.Duration    { return parseDurationOr(q.FailedTTL, 24*time.Hour) }

// PoolsConfig carries bounds applied when a pool is created on demand.
type PoolsConfig struct {
	DefaultMin int            `yaml:"default_min"`
	DefaultMax int            `yaml:"default_max"`
	Overrides  []PoolOverride `yaml:"overrides,omitempty"`
}

// PoolOverride pins bounds for a single repository.
type PoolOverride struct {
	Repository string `yaml:"repository"`
	Min        int    `yaml:"min"`
	Max        int    `yaml:"max"`
}

// BoundsFor returns the (min, max) runner bounds for a repository.
func (p PoolsConfig) BoundsFor(repository string) (int, int) {
	for _, o := range p.Overrides {
		if o.Repository == repository {
			return o.Min, o.Max
		}
	}
	return p.DefaultMin, p.DefaultMax
}

// ScalerConfig carries the autoscaler control-loop policy.
type ScalerConfig struct {
	Tick                string  `yaml:"tick"`
	Cooldown            string  `yaml:"cooldown"`
	ScaleUpThreshold    float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold  float64 `yaml:"scale_down_threshold"`
	ScaleUpIncrement    int     `yaml:"scale_up_increment"`
	ScaleDownIncrement  int     `yaml:"scale_down_increment"`
	QueueDepthThreshold int     `yaml:"queue_depth_threshold"`
	AvgWaitThreshold    string  `yaml:"avg_wait_threshold"`
}

func (s ScalerConfig) TickInterval() time.Duration   { return parseDurationOr(s.Tick, 30*time.Second) }
func (s ScalerConfig) CooldownPeriod() time.Duration { return parseDurationOr(s.Cooldown, 5*time.Minute) }
func (s ScalerConfig) AvgWait() time.Duration        { return parseDurationOr(s.AvgWaitThreshold, time.Minute) }

// RouterConfig configures rule loading.
type RouterConfig struct {
	RulesFile       string `yaml:"rules_file"`
	RefreshInterval string `yaml:"refresh_interval"`
}

func (r RouterConfig) Refresh() time.Duration { return parseDurationOr(r.RefreshInterval, time.Minute) }

// HAConfig configures leader election for multi-instance deployments.
type HAConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NodeID        string `yaml:"node_id"`
	LockKey       string `yaml:"lock_key"`
	LockTTL       string `yaml:"lock_ttl"`
	RenewInterval string `yaml:"renew_interval"`
}

func (h HAConfig) TTL() time.Duration   { return parseDurationOr(h.LockTTL, 15*time.Second) }
func (h HAConfig) Renew() time.Duration { return parseDurationOr(h.RenewInterval, 5*time.Second) }

// CacheConfig carries forge response cache TTL tiers.
type CacheConfig struct {
	StaticTTL   string `yaml:"static_ttl"`
	DynamicTTL  string `yaml:"dynamic_ttl"`
	RealtimeTTL string `yaml:"realtime_ttl"`
}

func (c CacheConfig) Static() time.Duration   { return parseDurationOr(c.StaticTTL, time.Hour) }
func (c CacheConfig) Dynamic() time.Duration  { return parseDurationOr(c.DynamicTTL, 5*time.Minute) }
func (c CacheConfig) Realtime() time.Duration { return parseDurationOr(c.RealtimeTTL, time.Minute) }

// EventsConfig configures the realtime event feed. Empty URL disables publishing.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Stream  string `yaml:"stream"`
}

// ScanConfig configures the optional pre-start image scan. Images pulled
// from a trusted registry skip the scan entirely.
type ScanConfig struct {
	Enabled           bool     `yaml:"enabled"`
	BlockOnCritical   bool     `yaml:"block_on_critical"`
	TrustedRegistries []string `yaml:"trusted_registries"`
}

// LogConfig selects logging level and output format.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

func parseDurationOr(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
