// Package pipeline implements the Resolution Pipeline: the five-tier
// Cache → Durable Store → Oracle Client → Interpolation Engine → Deferred
// Job Queue chain that answers every price request.
//
// New package — no single teacher file owns this shape, but its ordered,
// fall-through-on-miss structure follows the teacher's router.go handler
// chain, and per-key fetch deduplication reuses the teacher's
// middleware/concurrency.go KeyedMutex.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/tokenprice/oracle-service/cache"
	"github.com/tokenprice/oracle-service/middleware"
	"github.com/tokenprice/oracle-service/oracle"
	"github.com/tokenprice/oracle-service/queue"
	"github.com/tokenprice/oracle-service/store"
)

// Reply is the Resolve operation's result, mirroring the service surface's
// {success, message, data?, queued?} response shape.
type Reply struct {
	Success bool
	Message string
	Data    *store.PriceRecord
	Queued  bool
}

// cacheTier is the subset of *cache.Cache the pipeline needs. A narrow
// interface lets tests substitute an in-memory fake instead of Redis.
type cacheTier interface {
	Get(ctx context.Context, network, token, tsOrCurrent string) (*store.PriceRecord, error)
	Set(ctx context.Context, network, token, tsOrCurrent string, rec *store.PriceRecord, strategy cache.Strategy) error
}

// storeTier is the subset of *store.Store the pipeline needs.
type storeTier interface {
	GetPrice(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error)
	StorePrice(ctx context.Context, rec *store.PriceRecord) error
	GetToken(ctx context.Context, token, network string) (*store.TokenEntry, error)
	AddToken(ctx context.Context, entry *store.TokenEntry) error
	RecordAnalyticsEvent(ctx context.Context, evt *store.AnalyticsEvent) error
}

// oracleTier is the subset of *oracle.Client the pipeline needs.
type oracleTier interface {
	GetPriceWithRetry(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error)
	GetTokenCreationDate(ctx context.Context, token, network string) (*time.Time, error)
	GetTokenMetadata(ctx context.Context, token, network string) (*oracle.TokenMetadata, error)
}

// interpEngine is the subset of *interpolation.Engine the pipeline needs.
type interpEngine interface {
	Resolve(ctx context.Context, token, network string, target time.Time) (*store.PriceRecord, error)
}

// enqueuer is the subset of *queue.Queue the pipeline needs to defer a fill
// or hand off best-effort token discovery.
type enqueuer interface {
	EnqueueFetchPrice(ctx context.Context, p queue.FetchPricePayload) (*asynq.TaskInfo, error)
	EnqueueDiscoverToken(ctx context.Context, p queue.DiscoverTokenPayload) (*asynq.TaskInfo, error)
}

// Pipeline wires the four synchronous tiers plus the deferred-fill queue.
type Pipeline struct {
	cache    cacheTier
	store    storeTier
	oracle   oracleTier
	interp   interpEngine
	queue    enqueuer
	inflight *middleware.KeyedMutex
	log      zerolog.Logger
}

// New builds a Pipeline over its five collaborator tiers.
func New(c *cache.Cache, s *store.Store, o *oracle.Client, i interpEngine, q enqueuer, log zerolog.Logger) *Pipeline {
	return newPipeline(c, s, o, i, q, log)
}

func newPipeline(c cacheTier, s storeTier, o oracleTier, i interpEngine, q enqueuer, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cache:    c,
		store:    s,
		oracle:   o,
		interp:   i,
		queue:    q,
		inflight: middleware.NewKeyedMutex(),
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// Resolve answers a (token, network, timestamp?) request, falling through
// the tiers in order until one produces a value or the request is queued
// for deferred fill. token and network are assumed already validated and
// normalized (lowercased) by the caller.
func (p *Pipeline) Resolve(ctx context.Context, token, network string, timestamp *time.Time) (*Reply, error) {
	tsOrCurrent := timestampKey(timestamp)

	unlock := p.inflight.Lock(network + ":" + token + ":" + tsOrCurrent)
	defer unlock()

	// Tier 1: Cache.
	if rec, err := p.cache.Get(ctx, network, token, tsOrCurrent); err == nil {
		rec.Provenance = store.Provenance{FromCache: true}
		p.recordAnalytics(ctx, token, network, rec)
		return &Reply{Success: true, Data: rec}, nil
	} else if err != cache.ErrMiss {
		p.log.Warn().Err(err).Msg("cache get failed, falling through to store")
	}

	// Tier 2: Durable Store.
	rec, err := p.store.GetPrice(ctx, token, network, timestamp)
	switch {
	case err == nil:
		rec.Provenance = store.Provenance{FromDB: true}
		p.cacheSet(ctx, network, token, tsOrCurrent, rec, cache.Warm)
		p.recordAnalytics(ctx, token, network, rec)
		return &Reply{Success: true, Data: rec}, nil
	case err == store.ErrNotFound:
		// fall through to the oracle
	default:
		return nil, &StoreError{Cause: err}
	}

	// Tier 3: Oracle Client.
	rec, oracleErr := p.oracle.GetPriceWithRetry(ctx, token, network, timestamp)
	if oracleErr == nil && rec != nil {
		rec.Provenance = store.Provenance{FromAPI: true}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}
		if rec.LastUpdated.IsZero() {
			rec.LastUpdated = time.Now().UTC()
		}
		if err := p.store.StorePrice(ctx, rec); err != nil {
			p.log.Error().Err(err).Str("token", token).Str("network", network).Msg("failed to persist oracle price")
		}
		strategy := cache.Hot
		if timestamp != nil {
			strategy = cache.Warm
		}
		p.cacheSet(ctx, network, token, tsOrCurrent, rec, strategy)
		p.recordAnalytics(ctx, token, network, rec)
		p.enqueueTokenDiscoveryIfNew(ctx, token, network)
		return &Reply{Success: true, Data: rec}, nil
	}

	// Tier 4: Interpolation Engine (reached on both oracle-transient errors
	// and a genuine oracle null).
	target := time.Now().UTC()
	if timestamp != nil {
		target = *timestamp
	}
	interpRec, interpErr := p.interp.Resolve(ctx, token, network, target)
	if interpErr != nil {
		p.log.Error().Err(interpErr).Msg("interpolation engine failed")
	} else if interpRec != nil {
		if err := p.store.StorePrice(ctx, interpRec); err != nil {
			p.log.Error().Err(err).Msg("failed to persist interpolated price")
		}
		p.cacheSet(ctx, network, token, tsOrCurrent, interpRec, cache.Interpolated)
		p.recordAnalytics(ctx, token, network, interpRec)
		return &Reply{Success: true, Data: interpRec}, nil
	}

	// Tier 5: deferred fill.
	priority := queue.PriorityHistorical
	if timestamp == nil {
		priority = queue.PriorityCurrent
	}
	_, enqErr := p.queue.EnqueueFetchPrice(ctx, queue.FetchPricePayload{
		Token:     token,
		Network:   network,
		Timestamp: timestamp,
		Priority:  priority,
	})
	if enqErr != nil {
		return nil, fmt.Errorf("enqueue deferred fill: %w", enqErr)
	}
	return &Reply{Success: true, Message: "price not immediately available, queued for fetch", Queued: true}, nil
}

func (p *Pipeline) cacheSet(ctx context.Context, network, token, tsOrCurrent string, rec *store.PriceRecord, strategy cache.Strategy) {
	if err := p.cache.Set(ctx, network, token, tsOrCurrent, rec, strategy); err != nil {
		p.log.Warn().Err(err).Str("strategy", string(strategy)).Msg("cache set failed")
	}
}

// recordAnalytics best-effort logs a resolved price outcome for the
// analytics collection. Never blocks Resolve's reply on failure.
func (p *Pipeline) recordAnalytics(ctx context.Context, token, network string, rec *store.PriceRecord) {
	evt := &store.AnalyticsEvent{
		Token:     token,
		Network:   network,
		USD:       rec.USD,
		Tier:      rec.Provenance.Source(),
		Timestamp: rec.Timestamp,
	}
	if err := p.store.RecordAnalyticsEvent(ctx, evt); err != nil {
		p.log.Warn().Err(err).Str("token", token).Msg("failed to record analytics event")
	}
}

// enqueueTokenDiscoveryIfNew cheaply checks whether token is already known
// and, if not, enqueues a best-effort TokenEntry discovery job rather than
// performing the oracle's creation-date and metadata lookups inline on the
// live request path.
func (p *Pipeline) enqueueTokenDiscoveryIfNew(ctx context.Context, token, network string) {
	_, err := p.store.GetToken(ctx, token, network)
	if err == nil {
		return // already discovered
	}
	if err != store.ErrNotFound {
		p.log.Warn().Err(err).Msg("token discovery: lookup failed")
		return
	}
	if _, err := p.queue.EnqueueDiscoverToken(ctx, queue.DiscoverTokenPayload{Token: token, Network: network}); err != nil {
		p.log.Warn().Err(err).Str("token", token).Msg("token discovery: enqueue failed")
	}
}

// discoverTokenIfNew best-effort looks up the token's creation date and
// records a TokenEntry. Failures are logged, never propagated — discovery
// is an enrichment, not a requirement of a successful Resolve.
func (p *Pipeline) discoverTokenIfNew(ctx context.Context, token, network string) {
	_, err := p.store.GetToken(ctx, token, network)
	if err == nil {
		return // already discovered
	}
	if err != store.ErrNotFound {
		p.log.Warn().Err(err).Msg("token discovery: lookup failed")
		return
	}

	created, err := p.oracle.GetTokenCreationDate(ctx, token, network)
	if err != nil {
		p.log.Warn().Err(err).Str("token", token).Msg("token discovery: creation date lookup failed")
		return
	}
	entry := &store.TokenEntry{
		Token:   token,
		Network: network,
	}
	if created != nil {
		entry.CreationDate = *created
	}
	if meta, err := p.oracle.GetTokenMetadata(ctx, token, network); err == nil && meta != nil {
		entry.Symbol = meta.Symbol
		entry.Name = meta.Name
	}
	if err := p.store.AddToken(ctx, entry); err != nil {
		p.log.Warn().Err(err).Str("token", token).Msg("token discovery: add token failed")
	}
}

func timestampKey(ts *time.Time) string {
	if ts == nil {
		return "current"
	}
	return ts.UTC().Format(time.RFC3339)
}
