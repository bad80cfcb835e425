package store

import "time"

// Provenance tags the source of a PriceRecord. Exactly one is true.
type Provenance struct {
	FromCache    bool `bson:"fromCache"`
	FromDB       bool `bson:"fromDB"`
	FromAPI      bool `bson:"fromAPI"`
	Interpolated bool `bson:"interpolated"`
}

// InterpolationMeta describes how an interpolated price was derived.
// Zero value (empty Method) means the record was not interpolated.
type InterpolationMeta struct {
	Method         string        `bson:"method,omitempty"` // "linear" | "extrapolation"
	Confidence     float64       `bson:"confidence,omitempty"`
	DataPointsUsed []PriceRecord `bson:"dataPointsUsed,omitempty"`
}

// PriceRecord is the canonical price document for a token on a network
// at a point in time.
type PriceRecord struct {
	ID            string            `bson:"_id"`
	Token         string            `bson:"token"` // 0x-prefixed lowercase 40-hex
	Network       string            `bson:"network"`
	Timestamp     time.Time         `bson:"timestamp"` // fetch time, always set (see DESIGN.md open question b)
	USD           float64           `bson:"usd"`
	LastUpdated   time.Time         `bson:"lastUpdated"`
	Symbol        string            `bson:"symbol,omitempty"`
	Name          string            `bson:"name,omitempty"`
	Decimals      *int              `bson:"decimals,omitempty"`
	TotalSupply   string            `bson:"totalSupply,omitempty"`
	LogoURI       string            `bson:"logoUri,omitempty"`
	Provenance    Provenance        `bson:"provenance"`
	Interpolation InterpolationMeta `bson:"interpolation,omitempty"`
}

// PriceTuple is one entry in a DailyRollup's append-only price history:
// when the price was observed, what it was, and which tier produced it.
type PriceTuple struct {
	Timestamp time.Time `bson:"timestamp"`
	USD       float64   `bson:"usd"`
	Source    string    `bson:"source"` // cache | db | api | interpolated
}

// DailyRollup is a per-UTC-day aggregate over a token's prices.
type DailyRollup struct {
	ID         string       `bson:"_id"` // token_network_YYYY-MM-DD
	Token      string       `bson:"token"`
	Network    string       `bson:"network"`
	Day        string       `bson:"day"` // YYYY-MM-DD
	Count      int64        `bson:"count"`
	FirstPrice float64      `bson:"firstPrice"`
	LastPrice  float64      `bson:"lastPrice"`
	MinPrice   float64      `bson:"minPrice"`
	MaxPrice   float64      `bson:"maxPrice"`
	Prices     []PriceTuple `bson:"prices"` // append-only, chronological
}

// TokenEntry tracks a discovered token and its earliest known activity.
type TokenEntry struct {
	ID           string    `bson:"_id"` // token_network
	Token        string    `bson:"token"`
	Network      string    `bson:"network"`
	Symbol       string    `bson:"symbol,omitempty"`
	Name         string    `bson:"name,omitempty"`
	CreationDate time.Time `bson:"creationDate"`
	DiscoveredAt time.Time `bson:"discoveredAt"`
}

// StrategyCounters holds one cache strategy's hit/miss/set/delete counts
// within a CacheStatsBucket.
type StrategyCounters struct {
	Hits    int64 `bson:"hits"`
	Misses  int64 `bson:"misses"`
	Sets    int64 `bson:"sets"`
	Deletes int64 `bson:"deletes"`
}

// CacheStatsBucket aggregates one UTC day's cache hit/miss/set/delete
// counts across all strategies, plus a per-strategy breakdown. One
// document per day.
type CacheStatsBucket struct {
	ID         string                      `bson:"_id"` // YYYY-MM-DD
	Day        string                      `bson:"day"`
	Date       time.Time                   `bson:"date"` // UTC midnight of Day; TTL index target
	Hits       int64                       `bson:"hits"`
	Misses     int64                       `bson:"misses"`
	Sets       int64                       `bson:"sets"`
	Deletes    int64                       `bson:"deletes"`
	Total      int64                       `bson:"total"`
	ByStrategy map[string]StrategyCounters `bson:"byStrategy"`
}

// ArchivedRecord is a PriceRecord moved out of the hot collection once it
// crosses the archive threshold.
type ArchivedRecord struct {
	PriceRecord `bson:",inline"`
	ArchivedAt  time.Time `bson:"archivedAt"`
}

// AnalyticsEvent records one resolved price outcome — which tier answered
// the request and at what price — for downstream analytics aggregation.
// _id is left to Mongo's auto-generated ObjectID; this collection has no
// natural uniqueness key.
type AnalyticsEvent struct {
	ID        string    `bson:"_id,omitempty"`
	Token     string    `bson:"token"`
	Network   string    `bson:"network"`
	USD       float64   `bson:"usd"`
	Tier      string    `bson:"tier"` // cache | db | api | interpolated
	Timestamp time.Time `bson:"timestamp"`
}

// RecordID deterministically derives a PriceRecord's _id from its identity
// fields. "current" is accepted as a timestamp placeholder only by the
// cache key builder (see cache package) — store documents always carry a
// real timestamp.
func RecordID(token, network string, timestamp time.Time) string {
	return token + "_" + network + "_" + timestamp.UTC().Format(time.RFC3339Nano)
}

// TokenEntryID derives a TokenEntry's _id from token+network.
func TokenEntryID(token, network string) string {
	return token + "_" + network
}

// DailyRollupID derives a DailyRollup's _id from token+network+day.
func DailyRollupID(token, network, day string) string {
	return token + "_" + network + "_" + day
}

// CacheStatsBucketID derives a CacheStatsBucket's _id from its day.
func CacheStatsBucketID(day string) string {
	return day
}

// Source names which tier produced a PriceRecord, matching the Tier field
// of an AnalyticsEvent and the Source field of a DailyRollup's PriceTuple.
func (p Provenance) Source() string {
	switch {
	case p.FromCache:
		return "cache"
	case p.FromDB:
		return "db"
	case p.Interpolated:
		return "interpolated"
	default:
		return "api"
	}
}
