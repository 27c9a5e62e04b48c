// Package filtercache implements FilterCache (§4.3): a content-addressed
// store of eligibility-filter results keyed by a hash of filter criteria
// plus reference date. The ObjectStore (Postgres) repository is the
// durable record per §6; a Redis layer sits in front of it as a hot-path
// cache for the common case of many periods in one run resolving the same
// week's hash repeatedly, grounded on the source's cache-entry/TTL shape
// in its provider-guard cache.
package filtercache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/dropleader/internal/metrics"
	"github.com/sawpanic/dropleader/internal/store"
)

// Criteria is the canonical filter-criteria shape hashed into FilterHash
// (§4.3); only the date portion of ReferenceTime participates.
type Criteria struct {
	ExcludeStablecoins  bool    `json:"excludeStablecoins"`
	IncludeInactive     bool    `json:"includeInactive"`
	MinHistoryDays      int     `json:"minHistoryDays"`
	MinVolumeThreshold  float64 `json:"minVolumeThreshold"`
	QuoteAsset          string  `json:"quoteAsset"`
	ReferenceDate       string  `json:"referenceTime"`
	RequireFutures      bool    `json:"requireFutures"`
}

// Hash returns the SHA-256 hex digest of c's sorted-key JSON (§4.3, Go's
// encoding/json emits struct fields in declaration order, and the fields
// above are declared in ascending order of their JSON keys).
func (c Criteria) Hash() string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Result is the stored per-hash eligibility partition (§4.2's output).
type Result struct {
	ValidSymbols   []string
	InvalidSymbols []string
	InvalidReasons map[string][]string
	Statistics     map[string]int
}

// Cache is the FilterCache: Redis-accelerated, Postgres-durable.
type Cache struct {
	redis   *redis.Client
	repo    store.FilterCacheRepo
	ttlDays int
	metrics *metrics.Collector
}

// New constructs a Cache. metrics may be nil.
func New(rc *redis.Client, repo store.FilterCacheRepo, ttlDays int, m *metrics.Collector) *Cache {
	if ttlDays <= 0 {
		ttlDays = 30
	}
	return &Cache{redis: rc, repo: repo, ttlDays: ttlDays, metrics: m}
}

func redisKey(hash string) string { return "filtercache:" + hash }

// Get resolves a cached result by criteria. found is false on a genuine
// miss; cache I/O failures degrade to a miss rather than surfacing (§4.3,
// §7 "Cache I/O failure").
func (c *Cache) Get(ctx context.Context, criteria Criteria) (Result, bool) {
	hash := criteria.Hash()
	now := time.Now().UTC()

	if c.redis != nil {
		if raw, err := c.redis.Get(ctx, redisKey(hash)).Result(); err == nil {
			var res Result
			if jerr := json.Unmarshal([]byte(raw), &res); jerr == nil {
				c.bumpHit(ctx, hash, now)
				return res, true
			}
		} else if err != redis.Nil {
			log.Warn().Err(err).Str("hash", hash).Msg("filtercache redis read failed, falling through to store")
		}
	}

	entry, err := c.repo.Get(ctx, hash)
	if err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("filtercache store read failed, degrading to miss")
		return Result{}, false
	}
	if entry == nil {
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return Result{}, false
	}

	res := Result{
		ValidSymbols:   entry.ValidSymbols,
		InvalidSymbols: entry.InvalidSymbols,
		InvalidReasons: entry.InvalidReasons,
		Statistics:     entry.Statistics,
	}
	c.bumpHit(ctx, hash, now)
	c.warmRedis(ctx, hash, res)
	return res, true
}

func (c *Cache) bumpHit(ctx context.Context, hash string, at time.Time) {
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	if err := c.repo.BumpHit(ctx, hash, at); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("filtercache hit bump failed")
	}
}

func (c *Cache) warmRedis(ctx context.Context, hash string, res Result) {
	if c.redis == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKey(hash), b, time.Duration(c.ttlDays)*24*time.Hour).Err(); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("filtercache redis warm failed")
	}
}

// Put writes a fresh eligibility-filter result on miss, including derived
// statistics (§4.3). Write failures are logged but never surface.
func (c *Cache) Put(ctx context.Context, criteria Criteria, res Result, processingTime time.Duration) {
	hash := criteria.Hash()
	now := time.Now().UTC()
	criteriaJSON, _ := json.Marshal(criteria)

	entry := store.SymbolFilterCacheEntry{
		FilterHash:     hash,
		Criteria:       string(criteriaJSON),
		ValidSymbols:   res.ValidSymbols,
		InvalidSymbols: res.InvalidSymbols,
		InvalidReasons: res.InvalidReasons,
		Statistics:     res.Statistics,
		ProcessingTime: processingTime,
		CreatedAt:      now,
		LastUsedAt:     now,
		HitCount:       0,
	}
	if err := c.repo.Upsert(ctx, entry); err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("filtercache store write failed")
		return
	}
	c.warmRedis(ctx, hash, res)
}

// Cleanup purges entries whose LastUsedAt predates olderThanDays ago
// (cleanupFilterCache, §4.3).
func (c *Cache) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	n, err := c.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup filter cache: %w", err)
	}
	return n, nil
}
