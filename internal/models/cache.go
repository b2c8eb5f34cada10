package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-redis/redis/v8"
)

// VersionCache holds resolved references keyed by owner/name. MemoryCache
// entries live as long as the process; RedisCache entries expire after a TTL
// so a restart picks up newly published versions.
type VersionCache interface {
	Get(ctx context.Context, key string) (Reference, bool, error)
	Set(ctx context.Context, key string, ref Reference) error
}

var (
	_ VersionCache = (*MemoryCache)(nil)
	_ VersionCache = (*RedisCache)(nil)
)

// MemoryCache is a process-local cache. sync.Map keeps lookups of unrelated
// models from contending on a single lock.
type MemoryCache struct {
	m sync.Map
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Reference, bool, error) {
	v, ok := c.m.Load(key)
	if !ok {
		return Reference{}, false, nil
	}
	return v.(Reference), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, ref Reference) error {
	c.m.Store(key, ref)
	return nil
}

const redisKeyPrefix = "archrelight:model-version:"

const DefaultRedisTTL = time.Hour

// RedisCache shares resolutions between service instances.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache stores entries for ttl; ttl <= 0 selects DefaultRedisTTL.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// NewRedisCacheFromURL parses a redis:// URL and pings the server.
func NewRedisCacheFromURL(ctx context.Context, rawURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisCache(client, ttl), nil
}

type redisEntry struct {
	Owner   string          `json:"owner"`
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Schema  json.RawMessage `json:"openapi_schema,omitempty"`
}

func (c *RedisCache) Get(ctx context.Context, key string) (Reference, bool, error) {
	bs, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Reference{}, false, nil
	} else if err != nil {
		return Reference{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var e redisEntry
	if err := json.Unmarshal(bs, &e); err != nil {
		return Reference{}, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	ref := Reference{Owner: e.Owner, Name: e.Name, Version: e.Version}
	if len(e.Schema) > 0 {
		// An unreadable schema only disables input filtering.
		if doc, err := openapi3.NewLoader().LoadFromData(e.Schema); err == nil {
			ref.Schema = doc
		}
	}
	return ref, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, ref Reference) error {
	e := redisEntry{Owner: ref.Owner, Name: ref.Name, Version: ref.Version}
	if ref.Schema != nil {
		schema, err := json.Marshal(ref.Schema)
		if err != nil {
			return fmt.Errorf("failed to marshal schema of %s: %w", key, err)
		}
		e.Schema = schema
	}
	bs, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, bs, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
