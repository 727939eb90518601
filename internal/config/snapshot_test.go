package config

import "testing"

func TestSnapshotStable(t *testing.T) {
	a := validBase()
	b := validBase()
	if a.Snapshot() != b.Snapshot() {
		t.Error("identical configs should produce identical snapshots")
	}
}

func TestSnapshotChangesWithDispatchFields(t *testing.T) {
	a := validBase()
	b := validBase()
	b.Docker.RunnerImage = "ghcr.io/acme/runner:v9"
	if a.Snapshot() == b.Snapshot() {
		t.Error("runner image change should change the snapshot")
	}

	c := validBase()
	c.Scaler.ScaleUpThreshold = 0.9
	if a.Snapshot() == c.Snapshot() {
		t.Error("scaler threshold change should change the snapshot")
	}

	d := validBase()
	d.Scan.TrustedRegistries = []string{"registry.internal:5000"}
	if a.Snapshot() == d.Snapshot() {
		t.Error("trusted registry change should change the snapshot")
	}
}

func TestSnapshotIgnoresSecrets(t *testing.T) {
	a := validBase()
	b := validBase()
	b.Forge.Token = "rotated"
	b.Server.WebhookSecret = "rotated"
	if a.Snapshot() != b.Snapshot() {
		t.Error("secret rotation should not change the snapshot")
	}
}

func TestSnapshotOverrideOrderInsensitive(t *testing.T) {
	a := validBase()
	a.Pools.Overrides = []PoolOverride{{Repository: "o/a", Min: 0, Max: 2}, {Repository: "o/b", Min: 1, Max: 3}}
	b := validBase()
	b.Pools.Overrides = []PoolOverride{{Repository: "o/b", Min: 1, Max: 3}, {Repository: "o/a", Min: 0, Max: 2}}
	if a.Snapshot() != b.Snapshot() {
		t.Error("override order should not affect the snapshot")
	}
}

func TestRedacted(t *testing.T) {
	cfg := validBase()
	cfg.Server.WebhookSecret = "s3cret"
	cfg.Forge.Token = "tok"
	cfg.Broker.Password = "pw"

	red := cfg.Redacted()
	if red.Server.WebhookSecret != "[redacted]" || red.Forge.Token != "[redacted]" || red.Broker.Password != "[redacted]" {
		t.Errorf("secrets should be redacted: %+v", red)
	}
	// Original untouched
	if cfg.Forge.Token != "tok" {
		t.Error("Redacted() must not mutate the receiver")
	}
	if red.Server.Addr != cfg.Server.Addr {
		t.Error("non-secret fields should be preserved")
	}
}
