package oracle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokenprice/oracle-service/store"
)

func newTestClient(p AssetDataProvider) *Client {
	c := New(p, Config{
		MaxRetries:      3,
		RetryBaseDelay:  time.Millisecond,
		BatchSize:       2,
		RateLimitPerSec: 1000,
		Networks:        []string{"ethereum", "polygon"},
	})
	c.sleep = func(time.Duration) {} // no real waiting in tests
	return c
}

func TestGetPriceUnsupportedNetwork(t *testing.T) {
	c := newTestClient(NewStubProvider())
	_, err := c.GetPrice(context.Background(), "0xabc", "solana", nil)
	if !errors.Is(err, ErrUnsupportedNetwork) {
		t.Fatalf("expected ErrUnsupportedNetwork, got %v", err)
	}
}

func TestGetPriceNoData(t *testing.T) {
	c := newTestClient(NewStubProvider())
	rec, err := c.GetPrice(context.Background(), "0xabc", "ethereum", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for unknown price, got %+v", rec)
	}
}

func TestGetPriceWithRetryNotRetriedOnNilData(t *testing.T) {
	stub := NewStubProvider()
	c := newTestClient(stub)

	rec, err := c.GetPriceWithRetry(context.Background(), "0xabc", "ethereum", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil record")
	}
	if stub.Calls != 1 {
		t.Fatalf("expected exactly 1 call (no-data is not retried), got %d", stub.Calls)
	}
}

type flakyProvider struct {
	*StubProvider
	failUntil int32
	attempts  int32
}

func (f *flakyProvider) GetPrice(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
	n := atomic.AddInt32(&f.attempts, 1)
	if n <= f.failUntil {
		return nil, errors.New("transient upstream error")
	}
	return f.StubProvider.GetPrice(ctx, token, network, timestamp)
}

func TestGetPriceWithRetryRecoversAfterTransientErrors(t *testing.T) {
	stub := NewStubProvider()
	stub.SetPrice("0xabc", "ethereum", nil, 10.0)
	flaky := &flakyProvider{StubProvider: stub, failUntil: 2}

	c := newTestClient(flaky)
	rec, err := c.GetPriceWithRetry(context.Background(), "0xabc", "ethereum", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil || rec.USD != 10.0 {
		t.Fatalf("expected usd=10.0, got %+v", rec)
	}
	if flaky.attempts != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", flaky.attempts)
	}
}

func TestGetPriceWithRetryExhaustsAttempts(t *testing.T) {
	flaky := &flakyProvider{StubProvider: NewStubProvider(), failUntil: 100}
	c := newTestClient(flaky)

	_, err := c.GetPriceWithRetry(context.Background(), "0xabc", "ethereum", nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if flaky.attempts != int32(c.maxRetries+1) {
		t.Fatalf("expected %d attempts, got %d", c.maxRetries+1, flaky.attempts)
	}
}

func TestGetTokenCreationDate(t *testing.T) {
	stub := NewStubProvider()
	want := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	stub.SetCreation("0xabc", "ethereum", "0x1", want)

	c := newTestClient(stub)
	got, err := c.GetTokenCreationDate(context.Background(), "0xabc", "ethereum")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestGetTokenCreationDateNoTransfers(t *testing.T) {
	c := newTestClient(NewStubProvider())
	got, err := c.GetTokenCreationDate(context.Background(), "0xabc", "ethereum")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil creation date, got %v", got)
	}
}

func TestBatchGetPricesPositionallyAligned(t *testing.T) {
	stub := NewStubProvider()
	stub.SetPrice("0xaaa", "ethereum", nil, 1.0)
	stub.SetPrice("0xccc", "ethereum", nil, 3.0)
	// 0xbbb intentionally has no price registered.

	c := newTestClient(stub)
	reqs := []PriceRequest{
		{Token: "0xaaa", Network: "ethereum"},
		{Token: "0xbbb", Network: "ethereum"},
		{Token: "0xccc", Network: "ethereum"},
	}
	results := c.BatchGetPrices(context.Background(), reqs)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0] == nil || results[0].USD != 1.0 {
		t.Fatalf("results[0] = %+v, want usd=1.0", results[0])
	}
	if results[1] != nil {
		t.Fatalf("results[1] = %+v, want nil", results[1])
	}
	if results[2] == nil || results[2].USD != 3.0 {
		t.Fatalf("results[2] = %+v, want usd=3.0", results[2])
	}
}

func TestBatchGetPricesChunksAcrossBatchSize(t *testing.T) {
	stub := NewStubProvider()
	reqs := make([]PriceRequest, 5) // batchSize=2 -> 3 chunks
	for i := range reqs {
		reqs[i] = PriceRequest{Token: "0xabc", Network: "ethereum"}
	}
	c := newTestClient(stub)
	results := c.BatchGetPrices(context.Background(), reqs)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
}
