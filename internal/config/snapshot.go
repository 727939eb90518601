package config

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Snapshot computes a stable hash of dispatch-affecting normalized configuration
// fields. It is intentionally narrower than full serialization so unrelated
// edits (comments, secrets rotation) do not read as behavior changes. Callers
// SHOULD run NormalizeConfig + applyDefaults first so canonical values are hashed.
func (c *Config) Snapshot() string {
	if c == nil {
		return ""
	}
	h := sha256.New()
	w := func(parts ...string) { h.Write([]byte(strings.Join(parts, "="))); h.Write([]byte{0}) }
	w("forge.base_url", c.Forge.BaseURL)
	w("forge.organization", c.Forge.Organization)
	w("docker.runner_image", c.Docker.RunnerImage)
	w("docker.network_prefix", c.Docker.NetworkPrefix)
	w("docker.limits.memory", c.Docker.Limits.Memory)
	w("docker.limits.cpu_quota", strconv.FormatInt(c.Docker.Limits.CPUQuota, 10))
	w("store.driver", string(c.Store.Driver))
	w("queue.concurrency", strconv.Itoa(c.Queue.Concurrency))
	w("queue.attempts", strconv.Itoa(c.Queue.Attempts))
	w("pools.default_min", strconv.Itoa(c.Pools.DefaultMin))
	w("pools.default_max", strconv.Itoa(c.Pools.DefaultMax))
	if len(c.Pools.Overrides) > 0 {
		ov := make([]string, 0, len(c.Pools.Overrides))
		for _, o := range c.Pools.Overrides {
			ov = append(ov, o.Repository+":"+strconv.Itoa(o.Min)+":"+strconv.Itoa(o.Max))
		}
		sort.Strings(ov)
		w("pools.overrides", strings.Join(ov, ","))
	}
	w("scaler.scale_up_threshold", strconv.FormatFloat(c.Scaler.ScaleUpThreshold, 'f', -1, 64))
	w("scaler.scale_down_threshold", strconv.FormatFloat(c.Scaler.ScaleDownThreshold, 'f', -1, 64))
	w("scaler.cooldown", c.Scaler.Cooldown)
	w("router.rules_file", c.Router.RulesFile)
	w("scan.enabled", strconv.FormatBool(c.Scan.Enabled))
	w("scan.block_on_critical", strconv.FormatBool(c.Scan.BlockOnCritical))
	if len(c.Scan.TrustedRegistries) > 0 {
		regs := append([]string(nil), c.Scan.TrustedRegistries...)
		sort.Strings(regs)
		w("scan.trusted_registries", strings.Join(regs, ","))
	}
	w("strategy", string(c.Strategy))
	w("log.level", string(c.Log.Level))
	w("log.format", string(c.Log.Format))
	return hex.EncodeToString(h.Sum(nil))
}

// Redacted returns a copy safe for the admin status API: secrets blanked.
func (c *Config) Redacted() Config {
	if c == nil {
		return Config{}
	}
	out := *c
	if out.Server.WebhookSecret != "" {
		out.Server.WebhookSecret = "[redacted]"
	}
	if out.Forge.Token != "" {
		out.Forge.Token = "[redacted]"
	}
	if out.Broker.Password != "" {
		out.Broker.Password = "[redacted]"
	}
	return out
}
