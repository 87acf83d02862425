package stats

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache persists the local player's own stats across restarts. It is scratch
// data, never authoritative; values are merged, never blindly trusted.
type Cache interface {
	Get(ctx context.Context, key string) (int, bool, error)
	Set(ctx context.Context, key string, v int) error
}

func EnergyKey(userID int64) string { return fmt.Sprintf("pet:%d:energy", userID) }
func ScoreKey(userID int64) string  { return fmt.Sprintf("pet:%d:score", userID) }

// Key returns the cache key for stat s of userID.
func Key(s Stat, userID int64) string {
	if s == Energy {
		return EnergyKey(userID)
	}
	return ScoreKey(userID)
}

// Load reads both stats for userID. Missing entries report ok=false.
func Load(ctx context.Context, c Cache, userID int64) (energy int, hasEnergy bool, score int, hasScore bool, err error) {
	energy, hasEnergy, err = c.Get(ctx, EnergyKey(userID))
	if err != nil {
		return 0, false, 0, false, err
	}
	score, hasScore, err = c.Get(ctx, ScoreKey(userID))
	if err != nil {
		return 0, false, 0, false, err
	}
	return energy, hasEnergy, score, hasScore, nil
}

type MemoryCache struct {
	mu sync.Mutex
	m  map[string]int
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{m: make(map[string]int)} }

func (c *MemoryCache) Get(_ context.Context, key string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, v int) error {
	c.mu.Lock()
	c.m[key] = max(v, 0)
	c.mu.Unlock()
	return nil
}

const ttlStats = 30 * 24 * time.Hour

// RedisCache keeps stats as plain integer strings under an optional
// namespace prefix.
type RedisCache struct {
	rdb       *redis.Client
	namespace string
}

func NewRedisCache(rdb *redis.Client, namespace string) *RedisCache {
	return &RedisCache{rdb: rdb, namespace: strings.TrimSpace(namespace)}
}

// DialRedisCache connects to REDIS_URL (redis:// or rediss://) and pings it.
func DialRedisCache(ctx context.Context, rawURL, namespace string) (*RedisCache, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("redis url required")
	}
	opts, err := parseRedisURL(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCache(rdb, namespace), nil
}

func (c *RedisCache) key(k string) string {
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}

func (c *RedisCache) Get(ctx context.Context, key string) (int, bool, error) {
	v, err := c.rdb.Get(ctx, c.key(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stat cache get %s: %w", key, err)
	}
	return max(v, 0), true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, v int) error {
	if err := c.rdb.Set(ctx, c.key(key), max(v, 0), ttlStats).Err(); err != nil {
		return fmt.Errorf("stat cache set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
