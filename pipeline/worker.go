package pipeline

import (
	"context"
	"time"

	"github.com/tokenprice/oracle-service/cache"
	"github.com/tokenprice/oracle-service/queue"
	"github.com/tokenprice/oracle-service/store"
)

// HandleFetchPriceJob processes one price-processing queue job (see
// queue.FetchPricePayload). It is idempotent: if the price already exists
// in the Durable Store it returns immediately without touching the oracle.
//
// Order: (1) store idempotency check; (2) GetPriceWithRetry, write-through
// and discover the token if new on success; (3) Interpolation Engine,
// write-through on success; (4) no data — the job is reported successful
// (not an error) and simply produced nothing, matching the queue's
// exhaust-then-abandon semantics for genuinely unresolvable requests.
func (p *Pipeline) HandleFetchPriceJob(ctx context.Context, job queue.FetchPricePayload) error {
	if _, err := p.store.GetPrice(ctx, job.Token, job.Network, job.Timestamp); err == nil {
		return nil // already filled by a concurrent request
	} else if err != store.ErrNotFound {
		return &StoreError{Cause: err}
	}

	rec, err := p.oracle.GetPriceWithRetry(ctx, job.Token, job.Network, job.Timestamp)
	if err == nil && rec != nil {
		rec.Provenance = store.Provenance{FromAPI: true}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}
		if rec.LastUpdated.IsZero() {
			rec.LastUpdated = time.Now().UTC()
		}
		if err := p.store.StorePrice(ctx, rec); err != nil {
			return &StoreError{Cause: err}
		}
		strategy := cache.Hot
		if job.Timestamp != nil {
			strategy = cache.Warm
		}
		p.cacheSet(ctx, job.Network, job.Token, timestampKey(job.Timestamp), rec, strategy)
		p.discoverTokenIfNew(ctx, job.Token, job.Network)
		return nil
	}

	target := time.Now().UTC()
	if job.Timestamp != nil {
		target = *job.Timestamp
	}
	interpRec, interpErr := p.interp.Resolve(ctx, job.Token, job.Network, target)
	if interpErr != nil {
		p.log.Error().Err(interpErr).Msg("deferred job: interpolation engine failed")
		return nil
	}
	if interpRec == nil {
		p.log.Info().Str("token", job.Token).Str("network", job.Network).Msg("deferred job: no data available, abandoning")
		return nil
	}
	if err := p.store.StorePrice(ctx, interpRec); err != nil {
		return &StoreError{Cause: err}
	}
	p.cacheSet(ctx, job.Network, job.Token, timestampKey(job.Timestamp), interpRec, cache.Interpolated)
	return nil
}

// HandleDiscoverTokenJob processes a best-effort TokenEntry discovery job
// (see queue.DiscoverTokenPayload). Runs fully async so the oracle's
// creation-date and metadata calls never block a live request.
func (p *Pipeline) HandleDiscoverTokenJob(ctx context.Context, job queue.DiscoverTokenPayload) error {
	p.discoverTokenIfNew(ctx, job.Token, job.Network)
	return nil
}
