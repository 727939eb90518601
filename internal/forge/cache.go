package forge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"git.home.luguber.info/inful/runnerd/internal/broker"
)

const (
	cachePrefix = "forge:cache:"
	tagPrefix   = "forge:tag:"
)

// Tag constructors. Every cached entry carries tags so invalidation can
// target a repository, an organization, or a resource type.
func TagRepo(repository string) string { return "repo:" + repository }
func TagOrg(org string) string         { return "org:" + org }
func TagType(resource string) string   { return "type:" + resource }

// Cache is a best-effort tagged response cache in the broker. Read and write
// failures degrade to cache misses; only invalidation reports errors because
// a stale-serving cache after a mutation is worse than a cold one.
type Cache struct {
	kv  broker.KV
	log *slog.Logger
}

func NewCache(kv broker.KV, log *slog.Logger) *Cache {
	return &Cache{kv: kv, log: log}
}

func cacheKey(parts ...string) string {
	return cachePrefix + strings.Join(parts, ":")
}

// Get unmarshals the cached value into out, reporting whether it was found.
func (c *Cache) Get(ctx context.Context, key string, out any) bool {
	raw, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		c.log.Debug("Cache read failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		c.log.Debug("Dropping undecodable cache entry", "key", key, "error", err)
		return false
	}
	return true
}

// Put stores v under key for ttl and registers the key with each tag set.
// Tag sets outlive their members slightly; deleting a vanished key is a no-op.
func (c *Cache) Put(ctx context.Context, key string, v any, ttl time.Duration, tags ...string) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Debug("Cache write skipped", "key", key, "error", err)
		return
	}
	if err := c.kv.Set(ctx, key, string(raw), ttl); err != nil {
		c.log.Debug("Cache write failed", "key", key, "error", err)
		return
	}
	for _, tag := range tags {
		set := tagPrefix + tag
		if err := c.kv.SAdd(ctx, set, key); err != nil {
			c.log.Debug("Cache tag update failed", "tag", tag, "error", err)
			continue
		}
		if err := c.kv.Expire(ctx, set, ttl+time.Minute); err != nil {
			c.log.Debug("Cache tag expire failed", "tag", tag, "error", err)
		}
	}
}

// Invalidate drops every entry registered under the given tags.
func (c *Cache) Invalidate(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		set := tagPrefix + tag
		keys, err := c.kv.SMembers(ctx, set)
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.kv.Del(ctx, keys...); err != nil {
				return err
			}
		}
		if err := c.kv.Del(ctx, set); err != nil {
			return err
		}
	}
	return nil
}
