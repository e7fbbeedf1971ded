package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ayush/research-aggregator/internal/models"
)

// ExportRemover deletes archived export objects; satisfied by
// ExportStore. May be nil when no archive is configured.
type ExportRemover interface {
	Remove(ctx context.Context, key string) error
}

// CacheStore manages cached research results and their reuse metadata
// in the research_results and cache_metadata collections. Results are
// keyed by the normalized-query hash, so any raw query that normalizes
// to the same hash shares one cached answer.
type CacheStore struct {
	results  *mongo.Collection
	metadata *mongo.Collection
	exports  ExportRemover
	log      *zap.Logger
}

func NewCacheStore(db *mongo.Database, exports ExportRemover, log *zap.Logger) *CacheStore {
	return &CacheStore{
		results:  db.Collection(colResults),
		metadata: db.Collection(colMetadata),
		exports:  exports,
		log:      log,
	}
}

// Get returns the cached result and metadata for a hash. found is
// false when no result document exists; fresh is true only when the
// result's expiry is still in the future. A stale entry is returned
// with fresh=false so callers can decide to refetch.
func (s *CacheStore) Get(ctx context.Context, hash string) (meta *models.CacheMetadata, result *models.ResearchResult, found, fresh bool, err error) {
	var res models.ResearchResult
	err = s.results.FindOne(ctx, bson.M{"query_hash": hash}).Decode(&res)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil, false, false, nil
	}
	if err != nil {
		return nil, nil, false, false, fmt.Errorf("cache get: %w", err)
	}

	var m models.CacheMetadata
	if err := s.metadata.FindOne(ctx, bson.M{"query_hash": hash}).Decode(&m); err == nil {
		meta = &m
	}

	return meta, &res, true, res.Fresh(time.Now().UTC()), nil
}

// Put creates or replaces the cached result for a hash, stamping
// expires_at = now + ttl. Later writes for the same hash win
// unconditionally; expiry strictly increases with the wall clock.
// The metadata row is created on first write with a zero hit count.
func (s *CacheStore) Put(ctx context.Context, hash, rawQuery string, result *models.ResearchResult, ttl time.Duration) error {
	now := time.Now().UTC()
	result.QueryHash = hash
	result.CreatedAt = now
	result.ExpiresAt = now.Add(ttl)

	_, err := s.results.ReplaceOne(ctx,
		bson.M{"query_hash": hash},
		result,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	_, err = s.metadata.UpdateOne(ctx,
		bson.M{"query_hash": hash},
		bson.M{
			"$set":         bson.M{"last_updated": now},
			"$addToSet":    bson.M{"query_variations": rawQuery},
			"$setOnInsert": bson.M{"hit_count": int64(0)},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("cache metadata upsert: %w", err)
	}
	return nil
}

// RecordHit increments the hit counter for a hash and records the raw
// query variant that produced it.
func (s *CacheStore) RecordHit(ctx context.Context, hash, rawVariant string) error {
	_, err := s.metadata.UpdateOne(ctx,
		bson.M{"query_hash": hash},
		bson.M{
			"$inc":      bson.M{"hit_count": int64(1)},
			"$set":      bson.M{"last_updated": time.Now().UTC()},
			"$addToSet": bson.M{"query_variations": rawVariant},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("cache record hit: %w", err)
	}
	return nil
}

// ResultByHash returns the cached result regardless of freshness, or
// ErrNotFound. Used to serve results to pollers after completion.
func (s *CacheStore) ResultByHash(ctx context.Context, hash string) (*models.ResearchResult, error) {
	var res models.ResearchResult
	err := s.results.FindOne(ctx, bson.M{"query_hash": hash}).Decode(&res)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Invalidate removes the result and metadata for a hash. This is an
// administrative operation, not part of the normal request flow.
func (s *CacheStore) Invalidate(ctx context.Context, hash string) error {
	res, err := s.results.DeleteOne(ctx, bson.M{"query_hash": hash})
	if err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	if _, err := s.metadata.DeleteOne(ctx, bson.M{"query_hash": hash}); err != nil {
		return fmt.Errorf("cache invalidate metadata: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpired removes results whose TTL has elapsed along with their
// metadata rows and archived exports, returning the number of results
// deleted.
func (s *CacheStore) SweepExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	cur, err := s.results.Find(ctx,
		bson.M{"expires_at": bson.M{"$lte": now}},
		options.Find().SetProjection(bson.M{"query_hash": 1}),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep find: %w", err)
	}
	var expired []string
	for cur.Next(ctx) {
		var doc struct {
			QueryHash string `bson:"query_hash"`
		}
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return 0, err
		}
		expired = append(expired, doc.QueryHash)
	}
	cur.Close(ctx)
	if len(expired) == 0 {
		return 0, nil
	}

	res, err := s.results.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, fmt.Errorf("sweep results: %w", err)
	}
	if _, err := s.metadata.DeleteMany(ctx, bson.M{"query_hash": bson.M{"$in": expired}}); err != nil {
		return res.DeletedCount, fmt.Errorf("sweep metadata: %w", err)
	}
	if s.exports != nil {
		for _, hash := range expired {
			if err := s.exports.Remove(ctx, ExportKey(hash)); err != nil {
				s.log.Warn("removing expired export failed",
					zap.String("query_hash", hash), zap.Error(err))
			}
		}
	}
	return res.DeletedCount, nil
}

// Janitor periodically sweeps expired entries until ctx is cancelled.
func (s *CacheStore) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				s.log.Warn("cache sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("swept expired cache entries", zap.Int64("removed", n))
			}
		}
	}
}

// Stats reports cache totals for the stats endpoint.
func (s *CacheStore) Stats(ctx context.Context) (*models.CacheStats, error) {
	now := time.Now().UTC()

	total, err := s.results.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	active, err := s.results.CountDocuments(ctx, bson.M{"expires_at": bson.M{"$gt": now}})
	if err != nil {
		return nil, err
	}

	cur, err := s.metadata.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": nil, "total_hits": bson.M{"$sum": "$hit_count"}}}},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var hits int64
	if cur.Next(ctx) {
		var row struct {
			TotalHits int64 `bson:"total_hits"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		hits = row.TotalHits
	}

	var rate float64
	if hits+active > 0 {
		rate = float64(hits) / float64(hits+active) * 100
	}
	return &models.CacheStats{
		TotalEntries:   total,
		ActiveEntries:  active,
		ExpiredEntries: total - active,
		TotalHits:      hits,
		HitRatePercent: rate,
	}, nil
}
