// Package cache implements the Cache tier of the resolution pipeline: a
// fixed-TTL Redis layer keyed by network/token/timestamp, restructured from
// the teacher's semantic vector cache (caching/caching.go) into a closed
// strategy variant.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tokenprice/oracle-service/config"
	"github.com/tokenprice/oracle-service/store"
)

// Strategy is the closed set of cache tiers. "interpolated" carries its own
// short TTL bucket separate from the authoritative tiers.
type Strategy string

const (
	Hot          Strategy = "hot"
	Warm         Strategy = "warm"
	Cold         Strategy = "cold"
	Archive      Strategy = "archive"
	Interpolated Strategy = "interpolated"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache: miss")

// StatsRecorder persists hit/miss/set/delete counters. Satisfied by *store.Store.
type StatsRecorder interface {
	RecordCacheStat(ctx context.Context, strategy, field string) error
}

// Cache is the Cache tier, backed by go-redis — the teacher's own Redis
// dependency, reused directly rather than introduced anew.
type Cache struct {
	rdb     *redis.Client
	stats   StatsRecorder
	log     zerolog.Logger
	appName string
	ttl     map[Strategy]time.Duration
}

// New builds a Cache over an existing go-redis client.
func New(rdb *redis.Client, cfg *config.Config, stats StatsRecorder, log zerolog.Logger) *Cache {
	return &Cache{
		rdb:     rdb,
		stats:   stats,
		log:     log.With().Str("component", "cache").Logger(),
		appName: "tokenprice",
		ttl: map[Strategy]time.Duration{
			Hot:          cfg.CacheTTLHot,
			Warm:         cfg.CacheTTLWarm,
			Cold:         cfg.CacheTTLCold,
			Archive:      cfg.CacheTTLArchive,
			Interpolated: cfg.CacheTTLInterpolated,
		},
	}
}

// KeyFor builds the cache key "{appName}:price:{network}:{token_lc}:{timestamp|current}".
func KeyFor(appName, network, token, timestampOrCurrent string) string {
	return fmt.Sprintf("%s:price:%s:%s:%s", appName, network, strings.ToLower(token), timestampOrCurrent)
}

func (c *Cache) key(network, token, timestampOrCurrent string) string {
	return KeyFor(c.appName, network, token, timestampOrCurrent)
}

// StrategyFor classifies a record's age into a cache tier. Recent prices
// are hot, aging ones cool down; archive-threshold-crossed prices use the
// longest TTL since they will rarely change once computed.
func StrategyFor(age time.Duration) Strategy {
	switch {
	case age < time.Hour:
		return Hot
	case age < 24*time.Hour:
		return Warm
	case age < 30*24*time.Hour:
		return Cold
	default:
		return Archive
	}
}

// Get fetches and unmarshals a PriceRecord by network/token/timestamp-or-"current".
func (c *Cache) Get(ctx context.Context, network, token, timestampOrCurrent string) (*store.PriceRecord, error) {
	raw, err := c.rdb.Get(ctx, c.key(network, token, timestampOrCurrent)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.recordStat(ctx, Hot, "misses")
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var rec store.PriceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	c.recordStat(ctx, strategyOf(rec), "hits")
	return &rec, nil
}

// Set stores a PriceRecord under the given strategy's TTL.
func (c *Cache) Set(ctx context.Context, network, token, timestampOrCurrent string, rec *store.PriceRecord, strategy Strategy) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	ttl, ok := c.ttl[strategy]
	if !ok {
		return fmt.Errorf("cache: unknown strategy %q", strategy)
	}
	if err := c.rdb.Set(ctx, c.key(network, token, timestampOrCurrent), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	c.recordStat(ctx, strategy, "sets")
	return nil
}

// Delete removes a cached entry.
func (c *Cache) Delete(ctx context.Context, network, token, timestampOrCurrent string) error {
	if err := c.rdb.Del(ctx, c.key(network, token, timestampOrCurrent)).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	c.recordStat(ctx, Hot, "deletes")
	return nil
}

// Exists reports whether a key is currently cached.
func (c *Cache) Exists(ctx context.Context, network, token, timestampOrCurrent string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(network, token, timestampOrCurrent)).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists: %w", err)
	}
	return n > 0, nil
}

// TTL returns the remaining time-to-live of a cached entry, or zero if absent.
func (c *Cache) TTL(ctx context.Context, network, token, timestampOrCurrent string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, c.key(network, token, timestampOrCurrent)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache ttl: %w", err)
	}
	return d, nil
}

func strategyOf(rec store.PriceRecord) Strategy {
	if rec.Provenance.Interpolated {
		return Interpolated
	}
	return StrategyFor(time.Since(rec.Timestamp))
}

func (c *Cache) recordStat(ctx context.Context, strategy Strategy, field string) {
	if c.stats == nil {
		return
	}
	if err := c.stats.RecordCacheStat(ctx, string(strategy), field); err != nil {
		c.log.Warn().Err(err).Str("strategy", string(strategy)).Str("field", field).Msg("failed to record cache stat")
	}
}
