package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tokenprice/oracle-service/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned when a lookup finds no matching document.
var ErrNotFound = errors.New("store: not found")

const (
	collPrices     = "prices"
	collRollups    = "daily_rollups"
	collTokens     = "tokens"
	collCacheStats = "cache_stats"
	collArchive    = "archived_prices"
	collAnalytics  = "analytics"
)

// Store is the Durable Store tier, backed by MongoDB. Grounded on the
// repository shape of ericpeers-portfolio's price_cache_repo.go, adapted
// from pgx to mongo-driver per the mongo vocabulary spec.md itself uses.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    zerolog.Logger
}

// New connects to MongoDB and ensures the required indices exist.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(cfg.MongoDB),
		log:    log.With().Str("component", "store").Logger(),
	}
	if err := s.ensureIndexes(ctx, cfg); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context, cfg *config.Config) error {
	prices := s.db.Collection(collPrices)
	_, err := prices.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "token", Value: 1}, {Key: "network", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "network", Value: 1}, {Key: "timestamp", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(time.Duration(cfg.RetentionPricesDays) * 24 * time.Hour / time.Second)),
		},
	})
	if err != nil {
		return err
	}

	tokens := s.db.Collection(collTokens)
	_, err = tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token", Value: 1}, {Key: "network", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}

	stats := s.db.Collection(collCacheStats)
	_, err = stats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "date", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(time.Duration(cfg.RetentionCacheStatsDays) * 24 * time.Hour / time.Second)),
	})
	if err != nil {
		return err
	}

	analytics := s.db.Collection(collAnalytics)
	_, err = analytics.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(time.Duration(cfg.RetentionAnalyticsDays) * 24 * time.Hour / time.Second)),
		},
		{
			Keys: bson.D{{Key: "usd", Value: 1}},
		},
	})
	return err
}

// StorePrice upserts a PriceRecord and atomically updates its daily rollup.
func (s *Store) StorePrice(ctx context.Context, rec *PriceRecord) error {
	if rec.ID == "" {
		rec.ID = RecordID(rec.Token, rec.Network, rec.Timestamp)
	}

	_, err := s.db.Collection(collPrices).ReplaceOne(ctx,
		bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store price: %w", err)
	}

	if err := s.updateRollup(ctx, rec); err != nil {
		return fmt.Errorf("update rollup: %w", err)
	}
	return nil
}

func (s *Store) updateRollup(ctx context.Context, rec *PriceRecord) error {
	day := rec.Timestamp.UTC().Format("2006-01-02")
	id := DailyRollupID(rec.Token, rec.Network, day)

	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":        id,
			"token":      rec.Token,
			"network":    rec.Network,
			"day":        day,
			"firstPrice": rec.USD,
		},
		"$set": bson.M{"lastPrice": rec.USD},
		"$min": bson.M{"minPrice": rec.USD},
		"$max": bson.M{"maxPrice": rec.USD},
		"$inc": bson.M{"count": int64(1)},
		"$push": bson.M{"prices": PriceTuple{
			Timestamp: rec.Timestamp,
			USD:       rec.USD,
			Source:    rec.Provenance.Source(),
		}},
	}

	_, err := s.db.Collection(collRollups).UpdateOne(ctx,
		bson.M{"_id": id}, update, options.Update().SetUpsert(true))
	return err
}

// GetPrice returns the record for token/network at the exact timestamp if
// given, otherwise the most recent record.
func (s *Store) GetPrice(ctx context.Context, token, network string, timestamp *time.Time) (*PriceRecord, error) {
	filter := bson.M{"token": token, "network": network}
	opts := options.FindOne()

	if timestamp != nil {
		filter["timestamp"] = *timestamp
	} else {
		opts.SetSort(bson.D{{Key: "timestamp", Value: -1}})
	}

	var rec PriceRecord
	err := s.db.Collection(collPrices).FindOne(ctx, filter, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}
	return &rec, nil
}

// GetNearestPrices returns up to limit/2 records immediately before and up
// to limit/2 immediately after target, each side sorted ascending by
// timestamp (so the side's last/first element is the one closest to
// target). Used by the Interpolation Engine to gather enough neighbors for
// both linear interpolation and one-sided extrapolation.
func (s *Store) GetNearestPrices(ctx context.Context, token, network string, target time.Time, limit int) (before, after []PriceRecord, err error) {
	if limit <= 0 {
		limit = 2
	}
	half := limit / 2
	if half < 1 {
		half = 1
	}
	coll := s.db.Collection(collPrices)

	beforeCur, errB := coll.Find(ctx,
		bson.M{"token": token, "network": network, "timestamp": bson.M{"$lte": target}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(half)),
	)
	if errB != nil {
		return nil, nil, fmt.Errorf("get nearest before: %w", errB)
	}
	defer beforeCur.Close(ctx)
	var beforeDesc []PriceRecord
	if err := beforeCur.All(ctx, &beforeDesc); err != nil {
		return nil, nil, fmt.Errorf("decode nearest before: %w", err)
	}
	before = make([]PriceRecord, len(beforeDesc))
	for i, rec := range beforeDesc {
		before[len(beforeDesc)-1-i] = rec // reverse DESC -> ASC
	}

	afterCur, errA := coll.Find(ctx,
		bson.M{"token": token, "network": network, "timestamp": bson.M{"$gt": target}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}).SetLimit(int64(half)),
	)
	if errA != nil {
		return nil, nil, fmt.Errorf("get nearest after: %w", errA)
	}
	defer afterCur.Close(ctx)
	if err := afterCur.All(ctx, &after); err != nil {
		return nil, nil, fmt.Errorf("decode nearest after: %w", err)
	}

	return before, after, nil
}

// GetAllTokens returns every tracked TokenEntry, optionally filtered by network.
func (s *Store) GetAllTokens(ctx context.Context, network string) ([]TokenEntry, error) {
	filter := bson.M{}
	if network != "" {
		filter["network"] = network
	}
	cur, err := s.db.Collection(collTokens).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("get all tokens: %w", err)
	}
	defer cur.Close(ctx)

	var tokens []TokenEntry
	if err := cur.All(ctx, &tokens); err != nil {
		return nil, fmt.Errorf("decode tokens: %w", err)
	}
	return tokens, nil
}

// GetToken returns the TokenEntry for token/network, or ErrNotFound.
func (s *Store) GetToken(ctx context.Context, token, network string) (*TokenEntry, error) {
	var entry TokenEntry
	err := s.db.Collection(collTokens).FindOne(ctx, bson.M{"_id": TokenEntryID(token, network)}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &entry, nil
}

// AddToken upserts a TokenEntry discovered via the oracle's creation-date lookup.
func (s *Store) AddToken(ctx context.Context, entry *TokenEntry) error {
	if entry.ID == "" {
		entry.ID = TokenEntryID(entry.Token, entry.Network)
	}
	if entry.DiscoveredAt.IsZero() {
		entry.DiscoveredAt = time.Now().UTC()
	}
	_, err := s.db.Collection(collTokens).ReplaceOne(ctx,
		bson.M{"_id": entry.ID}, entry, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("add token: %w", err)
	}
	return nil
}

// GetPriceHistory returns all records for token/network within [from, to], ascending.
func (s *Store) GetPriceHistory(ctx context.Context, token, network string, from, to time.Time) ([]PriceRecord, error) {
	cur, err := s.db.Collection(collPrices).Find(ctx,
		bson.M{"token": token, "network": network, "timestamp": bson.M{"$gte": from, "$lte": to}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("get price history: %w", err)
	}
	defer cur.Close(ctx)

	var recs []PriceRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("decode price history: %w", err)
	}
	return recs, nil
}

// ArchiveOlderThan moves records older than the cutoff into the archive
// collection and removes them from the hot collection.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cur, err := s.db.Collection(collPrices).Find(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("find archivable: %w", err)
	}
	defer cur.Close(ctx)

	var batch []interface{}
	var ids []string
	for cur.Next(ctx) {
		var rec PriceRecord
		if err := cur.Decode(&rec); err != nil {
			return 0, fmt.Errorf("decode archivable: %w", err)
		}
		batch = append(batch, ArchivedRecord{PriceRecord: rec, ArchivedAt: time.Now().UTC()})
		ids = append(ids, rec.ID)
	}
	if err := cur.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if _, err := s.db.Collection(collArchive).InsertMany(ctx, batch); err != nil {
		return 0, fmt.Errorf("insert archive: %w", err)
	}
	idFilter := bson.M{"_id": bson.M{"$in": ids}}
	res, err := s.db.Collection(collPrices).DeleteMany(ctx, idFilter)
	if err != nil {
		return 0, fmt.Errorf("delete archived: %w", err)
	}
	return res.DeletedCount, nil
}

// RecordCacheStat increments the named counter (one of "hits", "misses",
// "sets", "deletes") in today's CacheStatsBucket, both overall and nested
// under strategy, plus the overall "total".
func (s *Store) RecordCacheStat(ctx context.Context, strategy, field string) error {
	day := time.Now().UTC().Format("2006-01-02")
	id := CacheStatsBucketID(day)
	date, _ := time.Parse("2006-01-02", day)
	update := bson.M{
		"$setOnInsert": bson.M{"_id": id, "day": day, "date": date},
		"$inc": bson.M{
			field:   int64(1),
			"total": int64(1),
			"byStrategy." + strategy + "." + field: int64(1),
		},
	}
	_, err := s.db.Collection(collCacheStats).UpdateOne(ctx,
		bson.M{"_id": id}, update, options.Update().SetUpsert(true))
	return err
}

// GetCacheStats returns the CacheStatsBucket for the given UTC day, if any.
func (s *Store) GetCacheStats(ctx context.Context, day string) (*CacheStatsBucket, error) {
	var bucket CacheStatsBucket
	err := s.db.Collection(collCacheStats).FindOne(ctx, bson.M{"_id": CacheStatsBucketID(day)}).Decode(&bucket)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache stats: %w", err)
	}
	return &bucket, nil
}

// RecordAnalyticsEvent inserts an AnalyticsEvent for one resolved price
// outcome. Best-effort: analytics is an observability aid, not part of the
// Resolution Pipeline's correctness contract.
func (s *Store) RecordAnalyticsEvent(ctx context.Context, evt *AnalyticsEvent) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Collection(collAnalytics).InsertOne(ctx, evt)
	if err != nil {
		return fmt.Errorf("record analytics event: %w", err)
	}
	return nil
}

// Ping checks Mongo connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}
