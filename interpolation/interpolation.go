// Package interpolation implements the Interpolation Engine: given nearest
// known points around a target timestamp, it produces a synthesized
// PriceRecord with a confidence score, or declines.
//
// New package — no direct teacher analog. The confidence blend (weighted
// average of sub-scores, each clamped to [0,1]) follows the scoring shape
// of the teacher's metering/metering.go cost engine.
package interpolation

import (
	"context"
	"fmt"
	"time"

	"github.com/tokenprice/oracle-service/store"
)

const (
	MethodLinear        = "linear"
	MethodExtrapolation = "extrapolation"

	minExtrapolatedUSD = 0.0001
)

// NeighborSource looks up records around a target timestamp. Satisfied by
// *store.Store.
type NeighborSource interface {
	GetNearestPrices(ctx context.Context, token, network string, target time.Time, limit int) (before, after []store.PriceRecord, err error)
}

// Config holds the Interpolation Engine's tunables.
type Config struct {
	MaxDataPoints             int
	MaxTimeGapHours           int
	MinConfidenceThreshold    float64
	ExtrapolationMaxChangePct float64
}

// Engine is the Interpolation Engine tier.
type Engine struct {
	source NeighborSource
	cfg    Config
}

// New builds an Engine over the given neighbor source.
func New(source NeighborSource, cfg Config) *Engine {
	return &Engine{source: source, cfg: cfg}
}

// Resolve attempts to synthesize a PriceRecord for (token, network, target)
// from stored neighbors. Returns (nil, nil) when it declines — this is not
// an error, callers fall through to deferred fill.
func (e *Engine) Resolve(ctx context.Context, token, network string, target time.Time) (*store.PriceRecord, error) {
	before, after, err := e.source.GetNearestPrices(ctx, token, network, target, e.cfg.MaxDataPoints)
	if err != nil {
		return nil, fmt.Errorf("interpolation: get nearest prices: %w", err)
	}

	maxGap := time.Duration(e.cfg.MaxTimeGapHours) * time.Hour
	before = filterWithinGap(before, target, maxGap, true)
	after = filterWithinGap(after, target, maxGap, false)

	if len(before)+len(after) < 2 {
		return nil, nil // fewer than 2 points in window — decline
	}

	switch {
	case len(before) > 0 && len(after) > 0:
		return e.linear(token, network, target, before[len(before)-1], after[0])
	case len(before) >= 2:
		// two most recent before-points: the latest is "nearest", the one
		// before it supplies the rate.
		return e.extrapolate(token, network, target, before[len(before)-1], before[len(before)-2], true)
	case len(after) >= 2:
		return e.extrapolate(token, network, target, after[0], after[1], false)
	default:
		return nil, nil // exactly one neighbor in window — decline
	}
}

func filterWithinGap(recs []store.PriceRecord, target time.Time, maxGap time.Duration, before bool) []store.PriceRecord {
	out := make([]store.PriceRecord, 0, len(recs))
	for _, r := range recs {
		var gap time.Duration
		if before {
			gap = target.Sub(r.Timestamp)
		} else {
			gap = r.Timestamp.Sub(target)
		}
		if gap <= maxGap {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) linear(token, network string, target time.Time, before, after store.PriceRecord) (*store.PriceRecord, error) {
	span := after.Timestamp.Sub(before.Timestamp)
	var ratio float64
	if span > 0 {
		ratio = float64(target.Sub(before.Timestamp)) / float64(span)
	}

	usd := before.USD + (after.USD-before.USD)*ratio
	if usd <= 0 {
		return nil, nil
	}

	timeConfidence := 1 - 2*absFloat(0.5-ratio)
	volConfidence := volatilityConfidence(before.USD, after.USD)
	confidence := (timeConfidence + volConfidence) / 2

	if confidence < e.cfg.MinConfidenceThreshold {
		return nil, nil
	}

	return buildRecord(token, network, target, usd, MethodLinear, confidence, []store.PriceRecord{before, after}), nil
}

// extrapolate derives a linear USD-per-ms rate from nearest and second (the
// two adjacent points on one side of target), then projects it across the
// gap from nearest to target.
func (e *Engine) extrapolate(token, network string, target time.Time, nearest, second store.PriceRecord, fromBefore bool) (*store.PriceRecord, error) {
	var timeDiff time.Duration
	if fromBefore {
		timeDiff = nearest.Timestamp.Sub(second.Timestamp)
	} else {
		timeDiff = second.Timestamp.Sub(nearest.Timestamp)
	}
	if timeDiff <= 0 {
		return nil, nil // zero (or inverted) time gap yields no rate — decline
	}

	priceDiff := nearest.USD - second.USD
	ratePerMs := priceDiff / float64(timeDiff.Milliseconds())

	var gap time.Duration
	if fromBefore {
		gap = target.Sub(nearest.Timestamp)
	} else {
		gap = nearest.Timestamp.Sub(target)
	}

	usd := nearest.USD + ratePerMs*float64(gap.Milliseconds())

	k := e.cfg.ExtrapolationMaxChangePct / 100
	lo := nearest.USD * (1 - k)
	hi := nearest.USD * (1 + k)
	if usd < lo {
		usd = lo
	}
	if usd > hi {
		usd = hi
	}
	if usd < minExtrapolatedUSD {
		usd = minExtrapolatedUSD
	}
	if usd <= 0 {
		return nil, nil
	}

	knownSpan := float64(timeDiff)
	extrapolationDistance := float64(gap)

	var timeConfidence float64
	if knownSpan == 0 {
		timeConfidence = 0.1
	} else {
		timeConfidence = maxFloat(0.1, 1-extrapolationDistance/knownSpan)
	}
	volConfidence := volatilityConfidence(nearest.USD, second.USD)
	confidence := (timeConfidence + volConfidence) / 2
	if confidence > 1 {
		confidence = 1
	}

	if confidence < e.cfg.MinConfidenceThreshold {
		return nil, nil
	}

	return buildRecord(token, network, target, usd, MethodExtrapolation, confidence, []store.PriceRecord{nearest, second}), nil
}

func volatilityConfidence(a, b float64) float64 {
	mean := (a + b) / 2
	if mean == 0 {
		return 0
	}
	c := 1 - absFloat(b-a)/mean
	if c < 0 {
		return 0
	}
	return c
}

func buildRecord(token, network string, target time.Time, usd float64, method string, confidence float64, dataPoints []store.PriceRecord) *store.PriceRecord {
	return &store.PriceRecord{
		Token:       token,
		Network:     network,
		Timestamp:   target.UTC(),
		USD:         usd,
		LastUpdated: target.UTC(),
		Provenance:  store.Provenance{Interpolated: true},
		Interpolation: store.InterpolationMeta{
			Method:         method,
			Confidence:     confidence,
			DataPointsUsed: dataPoints,
		},
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
