// Package lifecycle implements the Lifecycle Manager: a cron-driven
// scheduler that drives daily per-token historical backfills, archival,
// cache warming, and metrics sampling independently of read traffic.
//
// New package wrapping github.com/robfig/cron/v3. Its background-task
// start/stop skeleton is grounded in the teacher's
// provider/healthpoller.go (context-cancel ticker loop) and
// provider/modelsync.go (periodic background job registered against a
// shared registry).
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tokenprice/oracle-service/cache"
	"github.com/tokenprice/oracle-service/oracle"
	"github.com/tokenprice/oracle-service/queue"
	"github.com/tokenprice/oracle-service/store"
)

// PopularPair names a (token, network) the cacheWarming task keeps hot.
type PopularPair struct {
	Token   string
	Network string
}

// Config holds the Lifecycle Manager's tunables, sourced from config.Config.
type Config struct {
	ArchiveThresholdDays     int
	CacheWarmingEnabled      bool
	MetricsCollectionEnabled bool
	PopularPairs             []PopularPair

	CronCacheCleanup         string
	CronDataArchival         string
	CronCacheWarming         string
	CronMetricsCollection    string
	CronDBOptimization       string
	CronDailyHistoricalFetch string
}

// storeTier is the subset of *store.Store the Lifecycle Manager needs.
type storeTier interface {
	GetAllTokens(ctx context.Context, network string) ([]store.TokenEntry, error)
	AddToken(ctx context.Context, entry *store.TokenEntry) error
	GetPrice(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error)
	StorePrice(ctx context.Context, rec *store.PriceRecord) error
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	GetCacheStats(ctx context.Context, day string) (*store.CacheStatsBucket, error)
}

// oracleTier is the subset of *oracle.Client the Lifecycle Manager needs.
type oracleTier interface {
	GetPriceWithRetry(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error)
	GetTokenCreationDate(ctx context.Context, token, network string) (*time.Time, error)
	BatchGetPrices(ctx context.Context, requests []oracle.PriceRequest) []*store.PriceRecord
}

// cacheTier is the subset of *cache.Cache the Lifecycle Manager needs.
type cacheTier interface {
	Set(ctx context.Context, network, token, tsOrCurrent string, rec *store.PriceRecord, strategy cache.Strategy) error
}

// enqueuer is the subset of *queue.Queue the Lifecycle Manager needs.
type enqueuer interface {
	EnqueueBatchHistorical(ctx context.Context, p queue.BatchHistoricalPayload) (*asynq.TaskInfo, error)
}

// metricsSink receives sampled cache stats. Satisfied by *metrics.Metrics.
type metricsSink interface {
	TrackCacheStats(strategy string, hits, misses, sets, deletes int64)
}

// Manager is the Lifecycle Manager tier: a cron scheduler driving six
// named maintenance tasks over the Durable Store, Oracle Client, Cache,
// and Job Queue.
type Manager struct {
	store   storeTier
	oracle  oracleTier
	cache   cacheTier
	queue   enqueuer
	metrics metricsSink
	cfg     Config
	log     zerolog.Logger
	cron    *cron.Cron
}

// New builds a Manager over its collaborator tiers. Call Start after
// RegisterTasks succeeds.
func New(s *store.Store, o *oracle.Client, c *cache.Cache, q enqueuer, m metricsSink, cfg Config, log zerolog.Logger) *Manager {
	return newManager(s, o, c, q, m, cfg, log)
}

func newManager(s storeTier, o oracleTier, c cacheTier, q enqueuer, m metricsSink, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		store:   s,
		oracle:  o,
		cache:   c,
		queue:   q,
		metrics: m,
		cfg:     cfg,
		log:     log.With().Str("component", "lifecycle").Logger(),
		cron:    cron.New(),
	}
}

// RegisterTasks wires all six cron entries. Call once before Start.
func (m *Manager) RegisterTasks() error {
	entries := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{"cacheCleanup", m.cfg.CronCacheCleanup, m.runCacheCleanup},
		{"dataArchival", m.cfg.CronDataArchival, m.runDataArchival},
		{"cacheWarming", m.cfg.CronCacheWarming, m.runCacheWarming},
		{"metricsCollection", m.cfg.CronMetricsCollection, m.runMetricsCollection},
		{"dbOptimization", m.cfg.CronDBOptimization, m.runDBOptimization},
		{"dailyHistoricalFetch", m.cfg.CronDailyHistoricalFetch, m.runDailyHistoricalFetch},
	}
	for _, e := range entries {
		if _, err := m.cron.AddFunc(e.schedule, e.fn); err != nil {
			return fmt.Errorf("lifecycle: register task %q (%q): %w", e.name, e.schedule, err)
		}
	}
	return nil
}

// Start begins running registered cron tasks in the background. Non-blocking.
func (m *Manager) Start() {
	m.log.Info().Int("tasks", len(m.cron.Entries())).Msg("starting lifecycle manager")
	m.cron.Start()
}

// Stop halts the scheduler and waits for any running task to finish.
func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.log.Info().Msg("lifecycle manager stopped")
}

// runCacheCleanup is a reserved hook: cache entries already expire via
// their per-strategy TTL, so there is nothing left to sweep today.
func (m *Manager) runCacheCleanup() {
	m.log.Debug().Msg("cacheCleanup: no-op, TTL-driven expiry handles this")
}

// runDataArchival moves price records older than the archive threshold
// into the archived collection.
func (m *Manager) runDataArchival() {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.cfg.ArchiveThresholdDays)
	n, err := m.store.ArchiveOlderThan(context.Background(), cutoff)
	if err != nil {
		m.log.Error().Err(err).Msg("dataArchival: failed")
		return
	}
	m.log.Info().Int64("archived", n).Time("cutoff", cutoff).Msg("dataArchival: complete")
}

// runCacheWarming invokes the Oracle Client for a small set of popular
// pairs and populates the cache with the hot strategy.
func (m *Manager) runCacheWarming() {
	if !m.cfg.CacheWarmingEnabled {
		return
	}
	ctx := context.Background()
	for _, pair := range m.cfg.PopularPairs {
		rec, err := m.oracle.GetPriceWithRetry(ctx, pair.Token, pair.Network, nil)
		if err != nil || rec == nil {
			m.log.Warn().Err(err).Str("token", pair.Token).Str("network", pair.Network).Msg("cacheWarming: fetch failed")
			continue
		}
		rec.Provenance = store.Provenance{FromAPI: true}
		if err := m.cache.Set(ctx, pair.Network, pair.Token, "current", rec, cache.Hot); err != nil {
			m.log.Warn().Err(err).Str("token", pair.Token).Msg("cacheWarming: cache set failed")
		}
	}
	m.log.Debug().Int("pairs", len(m.cfg.PopularPairs)).Msg("cacheWarming: complete")
}

// runMetricsCollection samples today's CacheStatsBucket and forwards each
// strategy's counters to the metrics sink.
func (m *Manager) runMetricsCollection() {
	if !m.cfg.MetricsCollectionEnabled {
		return
	}
	ctx := context.Background()
	day := time.Now().UTC().Format("2006-01-02")
	bucket, err := m.store.GetCacheStats(ctx, day)
	if err == store.ErrNotFound {
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Str("day", day).Msg("metricsCollection: sample failed")
		return
	}
	for _, strategy := range []cache.Strategy{cache.Hot, cache.Warm, cache.Cold, cache.Archive, cache.Interpolated} {
		counters, ok := bucket.ByStrategy[string(strategy)]
		if !ok {
			continue
		}
		m.metrics.TrackCacheStats(string(strategy), counters.Hits, counters.Misses, counters.Sets, counters.Deletes)
	}
}

// runDBOptimization is a reserved hook for compact/reindex maintenance.
func (m *Manager) runDBOptimization() {
	m.log.Debug().Msg("dbOptimization: reserved hook, nothing to do yet")
}

// runDailyHistoricalFetch discovers creation dates for tokens still
// missing one, then enqueues a single historical-batch job per token
// spanning [creationDate, today] inclusive.
func (m *Manager) runDailyHistoricalFetch() {
	ctx := context.Background()
	tokens, err := m.store.GetAllTokens(ctx, "")
	if err != nil {
		m.log.Error().Err(err).Msg("dailyHistoricalFetch: list tokens failed")
		return
	}

	today := truncateToUTCDay(time.Now().UTC())
	for i := range tokens {
		entry := tokens[i]
		if entry.CreationDate.IsZero() {
			created, err := m.oracle.GetTokenCreationDate(ctx, entry.Token, entry.Network)
			if err != nil {
				m.log.Warn().Err(err).Str("token", entry.Token).Msg("dailyHistoricalFetch: creation date discovery failed")
				continue
			}
			if created == nil {
				continue
			}
			entry.CreationDate = *created
			if err := m.store.AddToken(ctx, &entry); err != nil {
				m.log.Warn().Err(err).Str("token", entry.Token).Msg("dailyHistoricalFetch: persist creation date failed")
			}
		}

		start := truncateToUTCDay(entry.CreationDate)
		if start.After(today) {
			continue
		}
		_, err := m.queue.EnqueueBatchHistorical(ctx, queue.BatchHistoricalPayload{
			Token:     entry.Token,
			Network:   entry.Network,
			StartDate: start,
			EndDate:   today,
			RequestID: uuid.New().String(),
		})
		if err != nil {
			m.log.Error().Err(err).Str("token", entry.Token).Msg("dailyHistoricalFetch: enqueue failed")
		}
	}
}

// ProcessBatchHistorical generates the daily UTC-midnight timestamp series
// between start and end (inclusive), batch-fetches all of them through the
// Oracle Client, then for each result checks the store for an existing
// record (idempotent skip), else stores it, else records an error. This is
// the routine the batch-processing queue worker delegates to.
func (m *Manager) ProcessBatchHistorical(ctx context.Context, token, network string, start, end time.Time) (processed, skipped, errCount int, err error) {
	timestamps := dailyMidnights(start, end)
	if len(timestamps) == 0 {
		return 0, 0, 0, nil
	}

	requests := make([]oracle.PriceRequest, len(timestamps))
	for i, ts := range timestamps {
		t := ts
		requests[i] = oracle.PriceRequest{Token: token, Network: network, Timestamp: &t}
	}
	results := m.oracle.BatchGetPrices(ctx, requests)

	for i, rec := range results {
		ts := timestamps[i]
		if _, lookupErr := m.store.GetPrice(ctx, token, network, &ts); lookupErr == nil {
			skipped++
			continue
		} else if lookupErr != store.ErrNotFound {
			errCount++
			continue
		}

		if rec == nil {
			errCount++
			continue
		}
		rec.Token = token
		rec.Network = network
		rec.Timestamp = ts
		rec.Provenance = store.Provenance{FromAPI: true}
		if rec.LastUpdated.IsZero() {
			rec.LastUpdated = time.Now().UTC()
		}
		if storeErr := m.store.StorePrice(ctx, rec); storeErr != nil {
			errCount++
			continue
		}
		processed++
	}
	return processed, skipped, errCount, nil
}

// dailyMidnights returns the inclusive series of UTC-midnight timestamps
// between start and end, both truncated to their UTC day first.
func dailyMidnights(start, end time.Time) []time.Time {
	start = truncateToUTCDay(start)
	end = truncateToUTCDay(end)
	if end.Before(start) {
		return nil
	}
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

func truncateToUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
