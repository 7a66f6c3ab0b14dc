// Package quota caches per-user storage usage and answers quota checks.
//
// Usage is cached in an expirable LRU. The TTL only bounds staleness: every
// path that changes a user's usage (confirm, delete) calls Invalidate, and a
// per-user generation makes sure a sum computed before the invalidation is
// never written back into the cache afterwards.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
)

// DefaultLimit applies to users without an explicit quota (1 GiB).
const DefaultLimit int64 = 1 << 30

// UsageSource is the authoritative store, normally *db.Database.
type UsageSource interface {
	// SumStorageUsed returns the bytes held by the user's live files.
	SumStorageUsed(ctx context.Context, userID int64) (int64, error)
	// GetStorageQuota returns the user's limit, nil when unset.
	GetStorageQuota(ctx context.Context, userID int64) (*int64, error)
}

// Cache is safe for concurrent use.
type Cache struct {
	src          UsageSource
	lru          *expirable.LRU[int64, int64]
	sf           singleflight.Group
	defaultLimit int64

	mu     sync.Mutex
	global uint64
	gens   map[int64]uint64
}

// New creates a cache holding up to size users for at most ttl each.
func New(src UsageSource, size int, ttl time.Duration, defaultLimit int64) *Cache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	logger.Info("Quota: cache initialized", "size", size, "ttl", ttl, "default_limit", FormatBytes(defaultLimit))
	return &Cache{
		src:          src,
		lru:          expirable.NewLRU[int64, int64](size, nil, ttl),
		defaultLimit: defaultLimit,
		gens:         make(map[int64]uint64),
	}
}

type generation struct {
	global, user uint64
}

func (c *Cache) generation(userID int64) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return generation{global: c.global, user: c.gens[userID]}
}

// GetUsedBytes returns the bytes used by userID, from cache when possible.
// Concurrent misses for the same user and generation share one query.
func (c *Cache) GetUsedBytes(ctx context.Context, userID int64) (int64, error) {
	if used, ok := c.lru.Get(userID); ok {
		metrics.QuotaCacheHits.Inc()
		return used, nil
	}
	metrics.QuotaCacheMisses.Inc()

	gen := c.generation(userID)
	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatUint(gen.global, 10) + ":" + strconv.FormatUint(gen.user, 10)

	v, err, _ := c.sf.Do(key, func() (any, error) {
		used, err := c.src.SumStorageUsed(ctx, userID)
		if err != nil {
			return int64(0), err
		}
		c.mu.Lock()
		if c.global == gen.global && c.gens[userID] == gen.user {
			c.lru.Add(userID, used)
		}
		c.mu.Unlock()
		return used, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to compute storage used for user %d: %w", userID, err)
	}
	return v.(int64), nil
}

// Invalidate drops the cached usage of one user.
func (c *Cache) Invalidate(userID int64) {
	c.mu.Lock()
	c.gens[userID]++
	c.lru.Remove(userID)
	c.mu.Unlock()

	metrics.QuotaCacheInvalidations.WithLabelValues("user").Inc()
	logger.Debug("Quota: invalidated usage", "user_id", userID)
}

// InvalidateAll drops every cached usage.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.global++
	c.gens = make(map[int64]uint64)
	c.lru.Purge()
	c.mu.Unlock()

	metrics.QuotaCacheInvalidations.WithLabelValues("all").Inc()
	logger.Info("Quota: invalidated all cached usage")
}

// Limit returns the user's quota, or the default when none is set.
func (c *Cache) Limit(ctx context.Context, userID int64) (int64, error) {
	q, err := c.src.GetStorageQuota(ctx, userID)
	if err != nil {
		return 0, err
	}
	if q == nil {
		logger.Debug("Quota: user has no quota, using default", "user_id", userID, "default", c.defaultLimit)
		return c.defaultLimit, nil
	}
	return *q, nil
}

// HasSpace reports whether additional bytes fit in the user's quota.
func (c *Cache) HasSpace(ctx context.Context, userID, additional int64) (bool, error) {
	used, err := c.GetUsedBytes(ctx, userID)
	if err != nil {
		return false, err
	}
	limit, err := c.Limit(ctx, userID)
	if err != nil {
		return false, err
	}
	ok := used+additional <= limit
	if !ok {
		logger.Debug("Quota: check failed", "user_id", userID, "used", used, "required", additional, "limit", limit)
	}
	return ok, nil
}

// Remaining returns the bytes left in the user's quota, never negative.
func (c *Cache) Remaining(ctx context.Context, userID int64) (int64, error) {
	used, err := c.GetUsedBytes(ctx, userID)
	if err != nil {
		return 0, err
	}
	limit, err := c.Limit(ctx, userID)
	if err != nil {
		return 0, err
	}
	return max(0, limit-used), nil
}

var units = []string{"B", "KB", "MB", "GB", "TB"}

// FormatBytes renders n with two decimals in binary units, e.g. "1.50 GB".
func FormatBytes(n int64) string {
	if n == 0 {
		return "0 B"
	}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", size, units[i])
}
