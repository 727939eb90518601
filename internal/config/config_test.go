package config

import (
	"os"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "test-runnerd-config-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(tmpFile.Name()) })
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	_ = tmpFile.Close()
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	configContent := `version: "1.0"
server:
  addr: ":9090"
  webhook_secret: hunter2
forge:
  base_url: https://api.github.com
  token: test-token
  organization: acme
  request_timeout: 15s
docker:
  host: tcp://docker.internal:2375
  runner_image: ghcr.io/acme/runner:v3
  network_prefix: ci
  limits:
    cpu_shares: 512
    cpu_quota: 100000
    memory: 4g
    pids: 256
store:
  driver: sqlite
  dsn: ./test.db
broker:
  addr: redis.internal:6379
  db: 2
queue:
  concurrency: 20
  attempts: 5
  backoff: 3s
pools:
  default_min: 1
  default_max: 12
  overrides:
    - repository: acme/widgets
      min: 2
      max: 6
scaler:
  scale_up_threshold: 0.75
  scale_down_threshold: 0.25
router:
  rules_file: ./rules.yaml
ha:
  enabled: true
  node_id: node-a
strategy: adaptive
events:
  nats_url: nats://localhost:4222
log:
  level: debug
  format: json
`
	path := writeTempConfig(t, configContent)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if config.Server.Addr != ":9090" {
		t.Errorf("Server addr = %v, want :9090", config.Server.Addr)
	}
	if config.Server.WebhookSecret != "hunter2" {
		t.Errorf("WebhookSecret = %v, want hunter2", config.Server.WebhookSecret)
	}
	if config.Forge.Organization != "acme" {
		t.Errorf("Organization = %v, want acme", config.Forge.Organization)
	}
	if got := config.Forge.Timeout().String(); got != "15s" {
		t.Errorf("Forge timeout = %v, want 15s", got)
	}
	if config.Docker.RunnerImage != "ghcr.io/acme/runner:v3" {
		t.Errorf("RunnerImage = %v, want ghcr.io/acme/runner:v3", config.Docker.RunnerImage)
	}
	if config.Docker.Limits.Memory != "4g" {
		t.Errorf("Memory limit = %v, want 4g", config.Docker.Limits.Memory)
	}
	if config.Queue.Concurrency != 20 {
		t.Errorf("Queue concurrency = %v, want 20", config.Queue.Concurrency)
	}
	if config.Queue.Attempts != 5 {
		t.Errorf("Queue attempts = %v, want 5", config.Queue.Attempts)
	}
	lo, hi := config.Pools.BoundsFor("acme/widgets")
	if lo != 2 || hi != 6 {
		t.Errorf("Pool bounds for override = (%d, %d), want (2, 6)", lo, hi)
	}
	lo, hi = config.Pools.BoundsFor("acme/other")
	if lo != 1 || hi != 12 {
		t.Errorf("Pool default bounds = (%d, %d), want (1, 12)", lo, hi)
	}
	if config.Scaler.ScaleUpThreshold != 0.75 {
		t.Errorf("ScaleUpThreshold = %v, want 0.75", config.Scaler.ScaleUpThreshold)
	}
	if config.Strategy != StrategyAdaptive {
		t.Errorf("Strategy = %v, want adaptive", config.Strategy)
	}
	if config.HA.NodeID != "node-a" {
		t.Errorf("NodeID = %v, want node-a", config.HA.NodeID)
	}
	if config.Log.Level != LogLevelDebug {
		t.Errorf("Log level = %v, want debug", config.Log.Level)
	}
	if config.Log.Format != LogFormatJSON {
		t.Errorf("Log format = %v, want json", config.Log.Format)
	}
}

func TestConfigDefaults(t *testing.T) {
	configContent := `forge:
  token: test-token
`
	path := writeTempConfig(t, configContent)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if config.Version != "1.0" {
		t.Errorf("Version = %v, want 1.0", config.Version)
	}
	if config.Server.Addr != ":8080" {
		t.Errorf("Default server addr = %v, want :8080", config.Server.Addr)
	}
	if config.Forge.BaseURL != "https://api.github.com" {
		t.Errorf("Default base URL = %v, want https://api.github.com", config.Forge.BaseURL)
	}
	if config.Docker.Host != "unix:///var/run/docker.sock" {
		t.Errorf("Default docker host = %v", config.Docker.Host)
	}
	if config.Docker.Limits.Memory != "2g" {
		t.Errorf("Default memory limit = %v, want 2g", config.Docker.Limits.Memory)
	}
	if config.Store.Driver != StoreSQLite {
		t.Errorf("Default store driver = %v, want sqlite", config.Store.Driver)
	}
	if config.Store.DSN != "./runnerd.db" {
		t.Errorf("Default store DSN = %v, want ./runnerd.db", config.Store.DSN)
	}
	if config.Broker.Addr != "localhost:6379" {
		t.Errorf("Default broker addr = %v, want localhost:6379", config.Broker.Addr)
	}
	if config.Queue.Concurrency != 10 {
		t.Errorf("Default queue concurrency = %v, want 10", config.Queue.Concurrency)
	}
	if config.Queue.Attempts != 3 {
		t.Errorf("Default queue attempts = %v, want 3", config.Queue.Attempts)
	}
	if config.Queue.BackoffDelay().String() != "2s" {
		t.Errorf("Default queue backoff = %v, want 2s", config.Queue.BackoffDelay())
	}
	if config.Queue.CompletedKeep != 100 {
		t.Errorf("Default completed keep = %v, want 100", config.Queue.CompletedKeep)
	}
	if config.Pools.DefaultMax != 10 {
		t.Errorf("Default pool max = %v, want 10", config.Pools.DefaultMax)
	}
	if config.Scaler.ScaleUpThreshold != 0.8 {
		t.Errorf("Default scale up threshold = %v, want 0.8", config.Scaler.ScaleUpThreshold)
	}
	if config.Scaler.ScaleDownThreshold != 0.2 {
		t.Errorf("Default scale down threshold = %v, want 0.2", config.Scaler.ScaleDownThreshold)
	}
	if config.Scaler.ScaleUpIncrement != 5 {
		t.Errorf("Default scale up increment = %v, want 5", config.Scaler.ScaleUpIncrement)
	}
	if config.Scaler.CooldownPeriod().String() != "5m0s" {
		t.Errorf("Default cooldown = %v, want 5m0s", config.Scaler.CooldownPeriod())
	}
	if config.Scaler.QueueDepthThreshold != 5 {
		t.Errorf("Default queue depth threshold = %v, want 5", config.Scaler.QueueDepthThreshold)
	}
	if config.HA.LockTTL != "15s" || config.HA.RenewInterval != "5s" {
		t.Errorf("Default HA lock = %v/%v, want 15s/5s", config.HA.LockTTL, config.HA.RenewInterval)
	}
	if config.HA.NodeID == "" {
		t.Error("Default node id should fall back to hostname")
	}
	if config.Cache.Static().String() != "1h0m0s" {
		t.Errorf("Default static TTL = %v, want 1h0m0s", config.Cache.Static())
	}
	if config.Cache.Dynamic().String() != "5m0s" {
		t.Errorf("Default dynamic TTL = %v, want 5m0s", config.Cache.Dynamic())
	}
	if config.Cache.Realtime().String() != "1m0s" {
		t.Errorf("Default realtime TTL = %v, want 1m0s", config.Cache.Realtime())
	}
	if config.Strategy != StrategyConservative {
		t.Errorf("Default strategy = %v, want conservative", config.Strategy)
	}
	if config.Events.Stream != "RUNNERD_EVENTS" {
		t.Errorf("Default stream = %v, want RUNNERD_EVENTS", config.Events.Stream)
	}
	if config.Log.Level != LogLevelInfo || config.Log.Format != LogFormatText {
		t.Errorf("Default logging = %v/%v, want info/text", config.Log.Level, config.Log.Format)
	}
}

func TestConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_RUNNERD_TOKEN", "expanded-token")
	configContent := `forge:
  token: ${TEST_RUNNERD_TOKEN}
`
	path := writeTempConfig(t, configContent)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if config.Forge.Token != "expanded-token" {
		t.Errorf("Token = %v, want expanded-token", config.Forge.Token)
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("RUNNERD_BROKER_ADDR", "override:6380")
	t.Setenv("RUNNERD_LOG_LEVEL", "DEBUG")
	configContent := `forge:
  token: test-token
broker:
  addr: file:6379
`
	path := writeTempConfig(t, configContent)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if config.Broker.Addr != "override:6380" {
		t.Errorf("Broker addr = %v, want override:6380", config.Broker.Addr)
	}
	// Override runs before normalization, so case is folded
	if config.Log.Level != LogLevelDebug {
		t.Errorf("Log level = %v, want debug", config.Log.Level)
	}
}

func TestConfigUnknownFieldRejected(t *testing.T) {
	configContent := `forge:
  token: test-token
  flux_capacitor: true
`
	path := writeTempConfig(t, configContent)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "flux_capacitor") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestConfigUnsupportedVersion(t *testing.T) {
	configContent := `version: "9.9"
forge:
  token: test-token
`
	path := writeTempConfig(t, configContent)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unsupported configuration version") {
		t.Fatalf("expected version error, got: %v", err)
	}
}

func TestConfigFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/runnerd.yaml")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got: %v", err)
	}
}

func TestInitWritesLoadableConfig(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "init-token")
	t.Setenv("RUNNERD_WEBHOOK_SECRET", "init-secret")
	dir := t.TempDir()
	path := dir + "/runnerd.yaml"

	if err := Init(path, false); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := Init(path, false); err == nil {
		t.Fatal("Init() should refuse to overwrite without force")
	}
	if err := Init(path, true); err != nil {
		t.Fatalf("Init(force) error: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of generated config error: %v", err)
	}
	if config.Forge.Token != "init-token" {
		t.Errorf("Token = %v, want init-token", config.Forge.Token)
	}
	if config.Strategy != StrategyConservative {
		t.Errorf("Strategy = %v, want conservative", config.Strategy)
	}
}
