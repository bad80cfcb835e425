package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/tokenprice/oracle-service/cache"
	"github.com/tokenprice/oracle-service/oracle"
	"github.com/tokenprice/oracle-service/queue"
	"github.com/tokenprice/oracle-service/store"
)

type fakeCache struct {
	get func(ctx context.Context, network, token, tsOrCurrent string) (*store.PriceRecord, error)
	set func(ctx context.Context, network, token, tsOrCurrent string, rec *store.PriceRecord, strategy cache.Strategy) error
}

func (f *fakeCache) Get(ctx context.Context, network, token, tsOrCurrent string) (*store.PriceRecord, error) {
	if f.get != nil {
		return f.get(ctx, network, token, tsOrCurrent)
	}
	return nil, cache.ErrMiss
}

func (f *fakeCache) Set(ctx context.Context, network, token, tsOrCurrent string, rec *store.PriceRecord, strategy cache.Strategy) error {
	if f.set != nil {
		return f.set(ctx, network, token, tsOrCurrent, rec, strategy)
	}
	return nil
}

type fakeStore struct {
	getPrice  func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error)
	storedRec *store.PriceRecord
	tokens    map[string]*store.TokenEntry
	addedTok  *store.TokenEntry
}

func (f *fakeStore) GetPrice(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
	return f.getPrice(ctx, token, network, timestamp)
}

func (f *fakeStore) StorePrice(ctx context.Context, rec *store.PriceRecord) error {
	f.storedRec = rec
	return nil
}

func (f *fakeStore) GetToken(ctx context.Context, token, network string) (*store.TokenEntry, error) {
	if f.tokens == nil {
		return nil, store.ErrNotFound
	}
	if e, ok := f.tokens[token+"_"+network]; ok {
		return e, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) AddToken(ctx context.Context, entry *store.TokenEntry) error {
	f.addedTok = entry
	return nil
}

func (f *fakeStore) RecordAnalyticsEvent(ctx context.Context, evt *store.AnalyticsEvent) error {
	return nil
}

type fakeOracle struct {
	getPrice func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error)
}

func (f *fakeOracle) GetPriceWithRetry(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
	return f.getPrice(ctx, token, network, timestamp)
}

func (f *fakeOracle) GetTokenCreationDate(ctx context.Context, token, network string) (*time.Time, error) {
	ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	return &ts, nil
}

func (f *fakeOracle) GetTokenMetadata(ctx context.Context, token, network string) (*oracle.TokenMetadata, error) {
	return &oracle.TokenMetadata{Symbol: "TEST"}, nil
}

type fakeInterp struct {
	resolve func(ctx context.Context, token, network string, target time.Time) (*store.PriceRecord, error)
}

func (f *fakeInterp) Resolve(ctx context.Context, token, network string, target time.Time) (*store.PriceRecord, error) {
	if f.resolve != nil {
		return f.resolve(ctx, token, network, target)
	}
	return nil, nil
}

type fakeQueue struct {
	enqueued    []queue.FetchPricePayload
	discoveries []queue.DiscoverTokenPayload
}

func (f *fakeQueue) EnqueueFetchPrice(ctx context.Context, p queue.FetchPricePayload) (*asynq.TaskInfo, error) {
	f.enqueued = append(f.enqueued, p)
	return nil, nil
}

func (f *fakeQueue) EnqueueDiscoverToken(ctx context.Context, p queue.DiscoverTokenPayload) (*asynq.TaskInfo, error) {
	f.discoveries = append(f.discoveries, p)
	return nil, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestResolveCacheHit(t *testing.T) {
	c := &fakeCache{get: func(ctx context.Context, network, token, tsOrCurrent string) (*store.PriceRecord, error) {
		return &store.PriceRecord{Token: token, Network: network, USD: 1.23}, nil
	}}
	p := newPipeline(c, &fakeStore{}, &fakeOracle{}, &fakeInterp{}, &fakeQueue{}, testLogger())

	reply, err := p.Resolve(context.Background(), "0xaaaa", "ethereum", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Data.Provenance.FromCache {
		t.Fatal("expected provenance.fromCache")
	}
	if reply.Data.USD != 1.23 {
		t.Fatalf("expected usd=1.23, got %v", reply.Data.USD)
	}
}

func TestResolveStoreHitRepopulatesWarmCache(t *testing.T) {
	var setStrategy cache.Strategy
	c := &fakeCache{
		set: func(ctx context.Context, network, token, tsOrCurrent string, rec *store.PriceRecord, strategy cache.Strategy) error {
			setStrategy = strategy
			return nil
		},
	}
	s := &fakeStore{getPrice: func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
		return &store.PriceRecord{Token: token, Network: network, USD: 2.50}, nil
	}}
	p := newPipeline(c, s, &fakeOracle{}, &fakeInterp{}, &fakeQueue{}, testLogger())

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reply, err := p.Resolve(context.Background(), "0xbbbb", "polygon", &ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Data.Provenance.FromDB {
		t.Fatal("expected provenance.fromDB")
	}
	if setStrategy != cache.Warm {
		t.Fatalf("expected warm repopulation, got %s", setStrategy)
	}
}

func TestResolveOracleHitEnqueuesTokenDiscovery(t *testing.T) {
	c := &fakeCache{}
	s := &fakeStore{getPrice: func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
		return nil, store.ErrNotFound
	}}
	o := &fakeOracle{getPrice: func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
		return &store.PriceRecord{Token: token, Network: network, USD: 10.00}, nil
	}}
	q := &fakeQueue{}
	p := newPipeline(c, s, o, &fakeInterp{}, q, testLogger())

	reply, err := p.Resolve(context.Background(), "0xcccc", "ethereum", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Data.Provenance.FromAPI {
		t.Fatal("expected provenance.fromAPI")
	}
	if s.storedRec == nil {
		t.Fatal("expected price to be persisted")
	}
	if s.addedTok != nil {
		t.Fatal("expected Resolve to never call the oracle's discovery lookups inline")
	}
	if len(q.discoveries) != 1 {
		t.Fatalf("expected token discovery to be enqueued, got %d jobs", len(q.discoveries))
	}
	if q.discoveries[0].Token != "0xcccc" || q.discoveries[0].Network != "ethereum" {
		t.Fatalf("unexpected discovery payload: %+v", q.discoveries[0])
	}
}

func TestResolveInterpolationFallback(t *testing.T) {
	c := &fakeCache{}
	s := &fakeStore{getPrice: func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
		return nil, store.ErrNotFound
	}}
	o := &fakeOracle{getPrice: func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
		return nil, nil // upstream has no data
	}}
	i := &fakeInterp{resolve: func(ctx context.Context, token, network string, target time.Time) (*store.PriceRecord, error) {
		return &store.PriceRecord{
			Token: token, Network: network, USD: 15,
			Provenance:    store.Provenance{Interpolated: true},
			Interpolation: store.InterpolationMeta{Method: "linear", Confidence: 0.83},
		}, nil
	}}
	p := newPipeline(c, s, o, i, &fakeQueue{}, testLogger())

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	reply, err := p.Resolve(context.Background(), "0xdddd", "ethereum", &ts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Data.Provenance.Interpolated {
		t.Fatal("expected provenance.interpolated")
	}
	if reply.Data.USD != 15 {
		t.Fatalf("expected usd=15, got %v", reply.Data.USD)
	}
}

func TestResolveQueuesOnTotalMiss(t *testing.T) {
	c := &fakeCache{}
	s := &fakeStore{getPrice: func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
		return nil, store.ErrNotFound
	}}
	o := &fakeOracle{getPrice: func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
		return nil, nil
	}}
	q := &fakeQueue{}
	p := newPipeline(c, s, o, &fakeInterp{}, q, testLogger())

	reply, err := p.Resolve(context.Background(), "0xeeee", "ethereum", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Queued {
		t.Fatal("expected a queued reply")
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected exactly one enqueued job, got %d", len(q.enqueued))
	}
	if q.enqueued[0].Priority != queue.PriorityCurrent {
		t.Fatalf("expected current priority for a nil-timestamp request, got %d", q.enqueued[0].Priority)
	}
}

func TestResolveStoreErrorSurfaces(t *testing.T) {
	c := &fakeCache{}
	s := &fakeStore{getPrice: func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
		return nil, errors.New("connection refused")
	}}
	p := newPipeline(c, s, &fakeOracle{}, &fakeInterp{}, &fakeQueue{}, testLogger())

	_, err := p.Resolve(context.Background(), "0xffff", "ethereum", nil)
	if !IsStoreError(err) {
		t.Fatalf("expected a StoreError, got %v", err)
	}
}
