package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration (closed struct; unknown keys rejected).
type Config struct {
	Version  string       `yaml:"version"`
	Server   ServerConfig `yaml:"server"`
	Forge    ForgeConfig  `yaml:"forge"`
	Docker   DockerConfig `yaml:"docker"`
	Store    StoreConfig  `yaml:"store"`
	Broker   BrokerConfig `yaml:"broker"`
	Queue    QueueConfig  `yaml:"queue"`
	Pools    PoolsConfig  `yaml:"pools"`
	Scaler   ScalerConfig `yaml:"scaler"`
	Router   RouterConfig `yaml:"router"`
	HA       HAConfig     `yaml:"ha"`
	Cache    CacheConfig  `yaml:"cache"`
	Strategy StrategyName `yaml:"strategy"`
	Events   EventsConfig `yaml:"events"`
	Scan     ScanConfig   `yaml:"scan"`
	Log      LogConfig    `yaml:"log"`
}

// Load loads a configuration file, expands environment references, applies
// RUNNERD_* overrides, normalizes enumerations, fills defaults, and validates.
func Load(configPath string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a validated Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expandedData))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Version == "" {
		config.Version = "1.0"
	}
	if config.Version != "1.0" {
		return nil, fmt.Errorf("unsupported configuration version: %s (expected 1.0)", config.Version)
	}

	applyEnvOverrides(&config)

	// Normalization pass (case-fold enumerations, bounds, early coercions)
	if nres, nerr := NormalizeConfig(&config); nerr != nil {
		return nil, fmt.Errorf("normalize: %w", nerr)
	} else if nres != nil && len(nres.Warnings) > 0 {
		for _, w := range nres.Warnings {
			fmt.Fprintf(os.Stderr, "config normalization: %s\n", w)
		}
	}

	// Apply defaults (after normalization so canonical values drive defaults)
	if err := applyDefaults(&config); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	exampleConfig := Config{
		Version: "1.0",
		Server: ServerConfig{
			Addr:          ":8080",
			WebhookSecret: "${RUNNERD_WEBHOOK_SECRET}",
		},
		Forge: ForgeConfig{
			BaseURL:        "https://api.github.com",
			Token:          "${GITHUB_TOKEN}",
			Organization:   "your-org",
			RequestTimeout: "10s",
		},
		Docker: DockerConfig{
			Host:          "unix:///var/run/docker.sock",
			RunnerImage:   "ghcr.io/actions/actions-runner:latest",
			NetworkPrefix: "runnerd",
			Limits: LimitsConfig{
				CPUShares: 1024,
				CPUQuota:  200000,
				Memory:    "2g",
				Pids:      512,
			},
		},
		Store: StoreConfig{
			Driver: StoreSQLite,
			DSN:    "./runnerd.db",
		},
		Broker: BrokerConfig{
			Addr: "localhost:6379",
		},
		Queue: QueueConfig{
			Concurrency:   10,
			Attempts:      3,
			Backoff:       "2s",
			CompletedTTL:  "1h",
			CompletedKeep: 100,
			FailedTTL:     "24h",
		},
		Pools: PoolsConfig{
			DefaultMin: 0,
			DefaultMax: 10,
		},
		Scaler: ScalerConfig{
			Tick:                "30s",
			Cooldown:            "5m",
			ScaleUpThreshold:    0.8,
			ScaleDownThreshold:  0.2,
			ScaleUpIncrement:    5,
			ScaleDownIncrement:  1,
			QueueDepthThreshold: 5,
			AvgWaitThreshold:    "60s",
		},
		Router: RouterConfig{
			RulesFile:       "./routing-rules.yaml",
			RefreshInterval: "60s",
		},
		HA: HAConfig{
			Enabled:       false,
			LockKey:       "runnerd:leader",
			LockTTL:       "15s",
			RenewInterval: "5s",
		},
		Cache: CacheConfig{
			StaticTTL:   "1h",
			DynamicTTL:  "5m",
			RealtimeTTL: "1m",
		},
		Strategy: StrategyConservative,
		Events: EventsConfig{
			NATSURL: "",
			Stream:  "RUNNERD_EVENTS",
		},
		Scan: ScanConfig{
			Enabled:           false,
			BlockOnCritical:   true,
			TrustedRegistries: []string{"ghcr.io"},
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
		},
	}

	data, err := yaml.Marshal(&exampleConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func applyDefaults(config *Config) error {
	applier := NewDefaultApplier()
	return applier.ApplyDefaults(config)
}
