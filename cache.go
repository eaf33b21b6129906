package tether

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the persistent key→JSON store the engine snapshots into so a
// restarted process can paint instantly before the first network call.
// Both operations are synchronous and best-effort: failures are swallowed.
// The cache is an optimization, never the source of truth while the
// process is alive.
type Cache interface {
	// LoadJSON reads the value stored under key into v. It reports
	// whether a value was found and decoded.
	LoadJSON(key string, v any) bool
	// SaveJSON stores v under key, overwriting any previous snapshot.
	SaveJSON(key string, v any)
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory cache. It is the default
// backend and the one used in tests.
type MemoryCache struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{values: make(map[string]string)}
}

func (c *MemoryCache) LoadJSON(key string, v any) bool {
	c.mu.RLock()
	raw, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), v) == nil
}

func (c *MemoryCache) SaveJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.values[key] = string(data)
	c.mu.Unlock()
}

// ============================================================================
// FileCache
// ============================================================================

// FileCache stores one JSON file per key under a directory. Writes go
// through a temp file and rename so a crash never leaves a torn snapshot.
type FileCache struct {
	dir string
	log *slog.Logger
}

// NewFileCache creates the directory if needed. A nil logger disables
// logging.
func NewFileCache(dir string, log *slog.Logger) (*FileCache, error) {
	if log == nil {
		log = nopLogger()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileCache{dir: dir, log: log}, nil
}

func (c *FileCache) path(key string) string {
	// Keys are engine-generated (no separators), but stay defensive.
	return filepath.Join(c.dir, filepath.Base(key)+".json")
}

func (c *FileCache) LoadJSON(key string, v any) bool {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.log.Debug("cache decode failed", "key", key, "err", err)
		return false
	}
	return true
}

func (c *FileCache) SaveJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	path := c.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		c.log.Debug("cache write failed", "key", key, "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.log.Debug("cache rename failed", "key", key, "err", err)
	}
}

// ============================================================================
// RedisCache
// ============================================================================

// RedisCache stores snapshots as JSON strings in Redis. Every operation
// runs under a short timeout; errors are swallowed so a flaky Redis never
// degrades the engine below its in-memory state.
type RedisCache struct {
	rdb       *redis.Client
	keyPrefix string
	opTimeout time.Duration
	log       *slog.Logger
}

// NewRedisCache wraps an existing go-redis client. keyPrefix namespaces
// this engine's snapshots (e.g. "tether:"). A nil logger disables logging.
func NewRedisCache(rdb *redis.Client, keyPrefix string, log *slog.Logger) *RedisCache {
	if log == nil {
		log = nopLogger()
	}
	return &RedisCache{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		opTimeout: 2 * time.Second,
		log:       log,
	}
}

func (c *RedisCache) LoadJSON(key string, v any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	raw, err := c.rdb.Get(ctx, c.keyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("cache get failed", "key", key, "err", err)
		}
		return false
	}
	return json.Unmarshal([]byte(raw), v) == nil
}

func (c *RedisCache) SaveJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, c.keyPrefix+key, data, 0).Err(); err != nil {
		c.log.Debug("cache set failed", "key", key, "err", err)
	}
}
