package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ayush/research-aggregator/internal/models"
)

// Collection names for the persistence collaborator.
const (
	colQueries  = "research_queries"
	colResults  = "research_results"
	colMetadata = "cache_metadata"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: not found")

// QueryStore persists research queries in MongoDB.
type QueryStore struct {
	col *mongo.Collection
}

func NewQueryStore(db *mongo.Database) *QueryStore {
	return &QueryStore{col: db.Collection(colQueries)}
}

// EnsureIndexes creates the indexes for all three collections:
// research_queries unique on query_id with secondary indexes on
// timestamp and status, research_results unique on query_hash with
// created_at/expires_at indexes, cache_metadata unique on query_hash
// with a last_updated index.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	asc := func(field string) bson.D { return bson.D{{Key: field, Value: 1}} }
	desc := func(field string) bson.D { return bson.D{{Key: field, Value: -1}} }
	unique := options.Index().SetUnique(true)

	_, err := db.Collection(colQueries).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: asc("query_id"), Options: unique},
		{Keys: asc("user_id")},
		{Keys: desc("timestamp")},
		{Keys: asc("status")},
	})
	if err != nil {
		return fmt.Errorf("index %s: %w", colQueries, err)
	}

	_, err = db.Collection(colResults).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: asc("query_hash"), Options: unique},
		{Keys: asc("query_id")},
		{Keys: desc("created_at")},
		{Keys: asc("expires_at")},
	})
	if err != nil {
		return fmt.Errorf("index %s: %w", colResults, err)
	}

	_, err = db.Collection(colMetadata).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: asc("query_hash"), Options: unique},
		{Keys: desc("last_updated")},
	})
	if err != nil {
		return fmt.Errorf("index %s: %w", colMetadata, err)
	}
	return nil
}

// Insert stores a new query record.
func (s *QueryStore) Insert(ctx context.Context, q *models.ResearchQuery) error {
	if _, err := s.col.InsertOne(ctx, q); err != nil {
		return fmt.Errorf("insert query: %w", err)
	}
	return nil
}

// SetStatus updates the status of an existing query. Callers are
// responsible for only requesting forward transitions; the filter
// refuses to touch queries already in a terminal state.
func (s *QueryStore) SetStatus(ctx context.Context, queryID string, status models.QueryStatus) error {
	res, err := s.col.UpdateOne(ctx,
		bson.M{
			"query_id": queryID,
			"status":   bson.M{"$nin": bson.A{models.StatusCompleted, models.StatusFailed}},
		},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID returns the query record, or ErrNotFound.
func (s *QueryStore) GetByID(ctx context.Context, queryID string) (*models.ResearchQuery, error) {
	var q models.ResearchQuery
	err := s.col.FindOne(ctx, bson.M{"query_id": queryID}).Decode(&q)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// List returns a page of queries sorted by submission time, newest
// first, optionally filtered by user.
func (s *QueryStore) List(ctx context.Context, userID string, page, limit int) ([]models.ResearchQuery, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	filter := bson.M{}
	if userID != "" {
		filter["user_id"] = userID
	}

	total, err := s.col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))
	cur, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var queries []models.ResearchQuery
	if err := cur.All(ctx, &queries); err != nil {
		return nil, 0, err
	}
	return queries, total, nil
}

// CountByStatus returns the number of queries per status, used by the
// stats endpoint.
func (s *QueryStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	cur, err := s.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	counts := make(map[string]int64)
	for cur.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		counts[row.ID] = row.Count
	}
	return counts, cur.Err()
}

// Touch is a connectivity probe for the health endpoint.
func (s *QueryStore) Touch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.col.Database().Client().Ping(ctx, nil)
}
