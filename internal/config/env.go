package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// loadEnvFile sources .env/.env.local before the config file is read so
// ${VAR} expansion and RUNNERD_* overrides see their values. A missing
// file is normal; a present but unparsable one is an error. Existing
// process environment wins.
func loadEnvFile() error {
	for _, envPath := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	return nil
}

// envOverride binds one RUNNERD_* variable to a config field.
type envOverride struct {
	key   string
	apply func(cfg *Config, value string)
}

var envOverrides = []envOverride{
	{"RUNNERD_SERVER_ADDR", func(c *Config, v string) { c.Server.Addr = v }},
	{"RUNNERD_WEBHOOK_SECRET", func(c *Config, v string) { c.Server.WebhookSecret = v }},
	{"RUNNERD_FORGE_BASE_URL", func(c *Config, v string) { c.Forge.BaseURL = v }},
	{"RUNNERD_FORGE_TOKEN", func(c *Config, v string) { c.Forge.Token = v }},
	{"RUNNERD_FORGE_ORGANIZATION", func(c *Config, v string) { c.Forge.Organization = v }},
	{"RUNNERD_DOCKER_HOST", func(c *Config, v string) { c.Docker.Host = v }},
	{"RUNNERD_RUNNER_IMAGE", func(c *Config, v string) { c.Docker.RunnerImage = v }},
	{"RUNNERD_STORE_DRIVER", func(c *Config, v string) { c.Store.Driver = StoreDriver(v) }},
	{"RUNNERD_STORE_DSN", func(c *Config, v string) { c.Store.DSN = v }},
	{"RUNNERD_STORE_REPLICA_DSN", func(c *Config, v string) { c.Store.ReplicaDSN = v }},
	{"RUNNERD_BROKER_ADDR", func(c *Config, v string) { c.Broker.Addr = v }},
	{"RUNNERD_BROKER_PASSWORD", func(c *Config, v string) { c.Broker.Password = v }},
	{"RUNNERD_BROKER_DB", func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.DB = n
		}
	}},
	{"RUNNERD_NATS_URL", func(c *Config, v string) { c.Events.NATSURL = v }},
	{"RUNNERD_SCAN_TRUSTED_REGISTRIES", func(c *Config, v string) {
		var regs []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				regs = append(regs, r)
			}
		}
		c.Scan.TrustedRegistries = regs
	}},
	{"RUNNERD_NODE_ID", func(c *Config, v string) { c.HA.NodeID = v }},
	{"RUNNERD_STRATEGY", func(c *Config, v string) { c.Strategy = StrategyName(v) }},
	{"RUNNERD_LOG_LEVEL", func(c *Config, v string) { c.Log.Level = LogLevel(v) }},
	{"RUNNERD_LOG_FORMAT", func(c *Config, v string) { c.Log.Format = LogFormat(v) }},
}

// applyEnvOverrides lets RUNNERD_* environment variables override file values.
// Runs before normalization so overridden enumerations are still case-folded.
func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			o.apply(cfg, v)
		}
	}
}
