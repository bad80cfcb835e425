package interpolation

import (
	"context"
	"testing"
	"time"

	"github.com/tokenprice/oracle-service/store"
)

type fakeSource struct {
	before, after []store.PriceRecord
}

func (f *fakeSource) GetNearestPrices(ctx context.Context, token, network string, target time.Time, limit int) ([]store.PriceRecord, []store.PriceRecord, error) {
	return f.before, f.after, nil
}

func defaultConfig() Config {
	return Config{
		MaxDataPoints:             10,
		MaxTimeGapHours:           48,
		MinConfidenceThreshold:    0.4,
		ExtrapolationMaxChangePct: 20,
	}
}

func TestLinearInterpolationExactMidpoint(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	src := &fakeSource{
		before: []store.PriceRecord{{Timestamp: t0, USD: 10}},
		after:  []store.PriceRecord{{Timestamp: t2, USD: 20}},
	}
	e := New(src, defaultConfig())

	rec, err := e.Resolve(context.Background(), "0xabc", "ethereum", t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record, got nil (declined)")
	}
	if rec.USD != 15 {
		t.Fatalf("expected usd=15, got %v", rec.USD)
	}
	if rec.Interpolation.Method != MethodLinear {
		t.Fatalf("expected method=linear, got %s", rec.Interpolation.Method)
	}
	if !rec.Provenance.Interpolated {
		t.Fatal("expected Provenance.Interpolated = true")
	}
	// timeConfidence = 1 - 2*|0.5-0.5| = 1.0
	// volConfidence  = 1 - |20-10|/mean(10,20) = 1 - 10/15 = 0.3333
	// confidence     = (1.0 + 0.3333) / 2 ~= 0.667
	if rec.Interpolation.Confidence < 0.64 || rec.Interpolation.Confidence > 0.7 {
		t.Fatalf("expected confidence ~0.667, got %v", rec.Interpolation.Confidence)
	}
}

func TestLinearInterpolationIdenticalTimestampsRatioZero(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		before: []store.PriceRecord{{Timestamp: t0, USD: 10}},
		after:  []store.PriceRecord{{Timestamp: t0, USD: 20}},
	}
	e := New(src, defaultConfig())

	rec, err := e.Resolve(context.Background(), "0xabc", "ethereum", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.USD != 10 {
		t.Fatalf("expected usd=before.usd=10 when timestamps coincide, got %v", rec.USD)
	}
}

func TestDeclinesWithFewerThanTwoPoints(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{before: []store.PriceRecord{{Timestamp: t0, USD: 10}}}
	e := New(src, defaultConfig())

	rec, err := e.Resolve(context.Background(), "0xabc", "ethereum", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected decline (nil) with exactly one neighbor, got %+v", rec)
	}
}

func TestDeclinesWithNoPoints(t *testing.T) {
	e := New(&fakeSource{}, defaultConfig())
	rec, err := e.Resolve(context.Background(), "0xabc", "ethereum", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected decline with no neighbors")
	}
}

func TestExtrapolationOneSidedClampsWithinBounds(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	target := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) // far future -> huge raw extrapolation

	src := &fakeSource{
		before: []store.PriceRecord{
			{Timestamp: t0, USD: 10},
			{Timestamp: t1, USD: 11}, // rate = +1/day, would blow past any clamp at 1yr out
		},
	}
	cfg := defaultConfig()
	cfg.MinConfidenceThreshold = 0 // isolate the clamp behavior from the confidence gate
	e := New(src, cfg)

	rec, err := e.Resolve(context.Background(), "0xabc", "ethereum", target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	k := cfg.ExtrapolationMaxChangePct / 100
	hi := 11 * (1 + k)
	if rec.USD > hi+1e-9 {
		t.Fatalf("expected usd clamped to <= %v, got %v", hi, rec.USD)
	}
	if rec.USD <= 0 {
		t.Fatal("extrapolation must never produce a non-positive price")
	}
	if rec.Interpolation.Method != MethodExtrapolation {
		t.Fatalf("expected method=extrapolation, got %s", rec.Interpolation.Method)
	}
}

func TestExtrapolationDeclinesOnZeroTimeDiff(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		before: []store.PriceRecord{
			{Timestamp: t0, USD: 10},
			{Timestamp: t0, USD: 11},
		},
	}
	e := New(src, defaultConfig())

	rec, err := e.Resolve(context.Background(), "0xabc", "ethereum", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected decline when the two reference points share a timestamp")
	}
}

func TestLowConfidenceDeclines(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	target := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC) // very near "before" -> ratio ~0, but volatility huge

	src := &fakeSource{
		before: []store.PriceRecord{{Timestamp: t0, USD: 1}},
		after:  []store.PriceRecord{{Timestamp: t2, USD: 1000}},
	}
	cfg := defaultConfig()
	cfg.MinConfidenceThreshold = 0.99 // force decline
	e := New(src, cfg)

	rec, err := e.Resolve(context.Background(), "0xabc", "ethereum", target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected decline when confidence is below threshold")
	}
}

func TestMaxTimeGapFiltersDistantNeighbors(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tFar := t0.Add(-1000 * time.Hour)
	target := t0.Add(time.Hour)

	src := &fakeSource{
		before: []store.PriceRecord{{Timestamp: tFar, USD: 5}, {Timestamp: t0, USD: 10}},
	}
	cfg := defaultConfig()
	cfg.MaxTimeGapHours = 48
	e := New(src, cfg)

	rec, err := e.Resolve(context.Background(), "0xabc", "ethereum", target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// tFar is outside the gap, leaving exactly one usable neighbor -> decline.
	if rec != nil {
		t.Fatalf("expected decline once the distant neighbor is filtered out, got %+v", rec)
	}
}
