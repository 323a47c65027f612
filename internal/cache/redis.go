// Package cache provides Redis-backed report caching and refresh coordination.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blogkit/sitekit/internal/core"
)

// DefaultPrefix namespaces every key written by this package
const DefaultPrefix = "sitekit"

// Options configures the Redis connection
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, opts Options) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// setIfNewer stores ARGV[1] unless the key already holds a larger number
var setIfNewer = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or tonumber(current) < tonumber(ARGV[1]) then
	redis.call("SET", KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// RedisCache stores report responses in Redis with a key TTL matching the entry expiry.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisCache constructs a Redis-backed response cache.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCache{client: client, prefix: prefix, now: time.Now}
}

// SetClock overrides the time source (for testing)
func (c *RedisCache) SetClock(now func() time.Time) {
	c.now = now
}

func (c *RedisCache) entryKey(provider core.Provider, key string) string {
	return c.prefix + ":report:" + string(provider) + ":" + key
}

func (c *RedisCache) lastFetchKey() string {
	return c.prefix + ":report:last_fetch"
}

// Get loads an entry, or core.ErrCacheMiss when the key is absent.
func (c *RedisCache) Get(ctx context.Context, provider core.Provider, key string) (*core.CacheEntry, error) {
	data, err := c.client.Get(ctx, c.entryKey(provider, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("load cache entry: %w", err)
	}

	var entry core.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

// Put writes the entry; the last writer wins. Entries already expired are not stored.
func (c *RedisCache) Put(ctx context.Context, entry *core.CacheEntry) error {
	ttl := entry.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	if entry.SizeBytes == 0 {
		entry.SizeBytes = int64(len(entry.Payload))
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.entryKey(entry.Provider, entry.CacheKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}

	fetched := strconv.FormatInt(entry.FetchedAt.UnixMilli(), 10)
	if err := setIfNewer.Run(ctx, c.client, []string{c.lastFetchKey()}, fetched).Err(); err != nil {
		return fmt.Errorf("record last fetch: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op: Redis expires keys on its own.
func (c *RedisCache) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// LastFetchedAt returns the most recent fetch time recorded by Put
func (c *RedisCache) LastFetchedAt(ctx context.Context) (*time.Time, error) {
	ms, err := c.client.Get(ctx, c.lastFetchKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last fetch: %w", err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
