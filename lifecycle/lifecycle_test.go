package lifecycle

import (
	"context"
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

type fakeStore struct {
	tokens        []store.TokenEntry
	getPrice      func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error)
	storedRecs    []*store.PriceRecord
	addedTok      *store.TokenEntry
	archiveCutoff time.Time
	archiveCount  int64
}

func (f *fakeStore) GetAllTokens(ctx context.Context, network string) ([]store.TokenEntry, error) {
	return f.tokens, nil
}

func (f *fakeStore) AddToken(ctx context.Context, entry *store.TokenEntry) error {
	f.addedTok = entry
	for i := range f.tokens {
		if f.tokens[i].Token == entry.Token && f.tokens[i].Network == entry.Network {
			f.tokens[i] = *entry
		}
	}
	return nil
}

func (f *fakeStore) GetPrice(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
	if f.getPrice != nil {
		return f.getPrice(ctx, token, network, timestamp)
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) StorePrice(ctx context.Context, rec *store.PriceRecord) error {
	f.storedRecs = append(f.storedRecs, rec)
	return nil
}

func (f *fakeStore) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.archiveCutoff = cutoff
	return f.archiveCount, nil
}

func (f *fakeStore) GetCacheStats(ctx context.Context, day string) (*store.CacheStatsBucket, error) {
	return nil, store.ErrNotFound
}

type fakeOracle struct {
	creationDate *time.Time
	priceFunc    func(token, network string, timestamp *time.Time) (float64, bool)
}

func (f *fakeOracle) GetPriceWithRetry(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
	if f.priceFunc == nil {
		return nil, nil
	}
	usd, ok := f.priceFunc(token, network, timestamp)
	if !ok {
		return nil, nil
	}
	return &store.PriceRecord{Token: token, Network: network, USD: usd}, nil
}

func (f *fakeOracle) GetTokenCreationDate(ctx context.Context, token, network string) (*time.Time, error) {
	return f.creationDate, nil
}

func (f *fakeOracle) BatchGetPrices(ctx context.Context, requests []oracle.PriceRequest) []*store.PriceRecord {
	out := make([]*store.PriceRecord, len(requests))
	for i, req := range requests {
		if f.priceFunc == nil {
			continue
		}
		usd, ok := f.priceFunc(req.Token, req.Network, req.Timestamp)
		if !ok {
			continue
		}
		out[i] = &store.PriceRecord{Token: req.Token, Network: req.Network, USD: usd}
	}
	return out
}

type fakeCache struct {
	setRec      *store.PriceRecord
	setStrategy cache.Strategy
}

func (f *fakeCache) Set(ctx context.Context, network, token, tsOrCurrent string, rec *store.PriceRecord, strategy cache.Strategy) error {
	f.setRec = rec
	f.setStrategy = strategy
	return nil
}

type fakeQueue struct {
	enqueued []queue.BatchHistoricalPayload
}

func (f *fakeQueue) EnqueueBatchHistorical(ctx context.Context, p queue.BatchHistoricalPayload) (*asynq.TaskInfo, error) {
	f.enqueued = append(f.enqueued, p)
	return nil, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestDailyMidnightsInclusive(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	got := dailyMidnights(start, end)
	if len(got) != 4 {
		t.Fatalf("expected 4 daily timestamps, got %d", len(got))
	}
	for _, ts := range got {
		if ts.Hour() != 0 || ts.Minute() != 0 || ts.Second() != 0 {
			t.Fatalf("expected UTC midnight, got %v", ts)
		}
		if ts.Before(start) || ts.After(end) {
			t.Fatalf("timestamp %v outside [%v, %v]", ts, start, end)
		}
	}
}

func TestDailyMidnightsEndBeforeStart(t *testing.T) {
	start := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := dailyMidnights(start, end); got != nil {
		t.Fatalf("expected nil series for end before start, got %v", got)
	}
}

func TestProcessBatchHistoricalInsertsFourDays(t *testing.T) {
	s := &fakeStore{}
	o := &fakeOracle{priceFunc: func(token, network string, timestamp *time.Time) (float64, bool) {
		return float64(timestamp.Day()), true
	}}
	m := newManager(s, o, &fakeCache{}, &fakeQueue{}, nil, Config{}, testLogger())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	processed, skipped, errs, err := m.ProcessBatchHistorical(context.Background(), "0xaaaa", "ethereum", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 4 || skipped != 0 || errs != 0 {
		t.Fatalf("expected processed=4 skipped=0 errors=0, got %d/%d/%d", processed, skipped, errs)
	}
	if len(s.storedRecs) != 4 {
		t.Fatalf("expected 4 stored records, got %d", len(s.storedRecs))
	}
}

func TestProcessBatchHistoricalIdempotentOnRerun(t *testing.T) {
	existing := map[string]bool{}
	s := &fakeStore{
		getPrice: func(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
			if existing[timestamp.Format(time.RFC3339)] {
				return &store.PriceRecord{}, nil
			}
			return nil, store.ErrNotFound
		},
	}
	o := &fakeOracle{priceFunc: func(token, network string, timestamp *time.Time) (float64, bool) {
		return float64(timestamp.Day()), true
	}}
	m := newManager(s, o, &fakeCache{}, &fakeQueue{}, nil, Config{}, testLogger())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	for _, ts := range dailyMidnights(start, end) {
		existing[ts.Format(time.RFC3339)] = false
	}
	processed, _, _, err := m.ProcessBatchHistorical(context.Background(), "0xaaaa", "ethereum", start, end)
	if err != nil || processed != 4 {
		t.Fatalf("expected first run to process 4, got processed=%d err=%v", processed, err)
	}
	for _, ts := range dailyMidnights(start, end) {
		existing[ts.Format(time.RFC3339)] = true
	}
	processed, skipped, _, err := m.ProcessBatchHistorical(context.Background(), "0xaaaa", "ethereum", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 0 || skipped != 4 {
		t.Fatalf("expected rerun to skip all 4, got processed=%d skipped=%d", processed, skipped)
	}
}

func TestDailyHistoricalFetchEnqueuesSingleJobPerToken(t *testing.T) {
	creationDate := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &fakeStore{
		tokens: []store.TokenEntry{
			{Token: "0xaaaa", Network: "ethereum", CreationDate: creationDate},
		},
	}
	q := &fakeQueue{}
	m := newManager(s, &fakeOracle{}, &fakeCache{}, q, nil, Config{}, testLogger())

	m.runDailyHistoricalFetch()

	if len(q.enqueued) != 1 {
		t.Fatalf("expected exactly one enqueued batch job, got %d", len(q.enqueued))
	}
	if !q.enqueued[0].StartDate.Equal(creationDate) {
		t.Fatalf("expected start date to equal creation date, got %v", q.enqueued[0].StartDate)
	}
}

func TestDailyHistoricalFetchDiscoversMissingCreationDate(t *testing.T) {
	s := &fakeStore{tokens: []store.TokenEntry{{Token: "0xbbbb", Network: "polygon"}}}
	created := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	o := &fakeOracle{creationDate: &created}
	q := &fakeQueue{}
	m := newManager(s, o, &fakeCache{}, q, nil, Config{}, testLogger())

	m.runDailyHistoricalFetch()

	if s.addedTok == nil || !s.addedTok.CreationDate.Equal(created) {
		t.Fatalf("expected discovered creation date to be persisted, got %+v", s.addedTok)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected one enqueued batch job after discovery, got %d", len(q.enqueued))
	}
}

func TestCacheWarmingSkippedWhenDisabled(t *testing.T) {
	c := &fakeCache{}
	o := &fakeOracle{priceFunc: func(token, network string, timestamp *time.Time) (float64, bool) { return 1, true }}
	m := newManager(&fakeStore{}, o, c, &fakeQueue{}, nil, Config{
		CacheWarmingEnabled: false,
		PopularPairs:        []PopularPair{{Token: "0xaaaa", Network: "ethereum"}},
	}, testLogger())

	m.runCacheWarming()

	if c.setRec != nil {
		t.Fatal("expected no cache writes when cacheWarming is disabled")
	}
}

func TestCacheWarmingPopulatesHotStrategy(t *testing.T) {
	c := &fakeCache{}
	o := &fakeOracle{priceFunc: func(token, network string, timestamp *time.Time) (float64, bool) { return 42, true }}
	m := newManager(&fakeStore{}, o, c, &fakeQueue{}, nil, Config{
		CacheWarmingEnabled: true,
		PopularPairs:        []PopularPair{{Token: "0xaaaa", Network: "ethereum"}},
	}, testLogger())

	m.runCacheWarming()

	if c.setRec == nil || c.setRec.USD != 42 {
		t.Fatalf("expected cache populated with fetched price, got %+v", c.setRec)
	}
	if c.setStrategy != cache.Hot {
		t.Fatalf("expected hot strategy, got %s", c.setStrategy)
	}
}

func TestDataArchivalUsesThresholdCutoff(t *testing.T) {
	s := &fakeStore{archiveCount: 7}
	m := newManager(s, &fakeOracle{}, &fakeCache{}, &fakeQueue{}, nil, Config{ArchiveThresholdDays: 30}, testLogger())

	m.runDataArchival()

	wantCutoff := time.Now().UTC().AddDate(0, 0, -30)
	if s.archiveCutoff.Sub(wantCutoff) > time.Minute || wantCutoff.Sub(s.archiveCutoff) > time.Minute {
		t.Fatalf("expected cutoff near %v, got %v", wantCutoff, s.archiveCutoff)
	}
}
