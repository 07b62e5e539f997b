package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/quarry/document"
)

// Migrate creates the indexes every physical collection of the configured
// layout needs: the partition index, the TTL index over expire_at, and
// per-kind query indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for name, kinds := range s.resolver.Collections() {
		models := baseIndexes()
		for _, kind := range kinds {
			models = append(models, kindIndexes(kind)...)
		}

		_, err := s.collection(name).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("quarry/mongo: migrate %s indexes: %w", name, err)
		}

		s.logger.Debug("migrated collection", "collection", name, "indexes", len(models))
	}
	return nil
}

// baseIndexes apply to every collection regardless of kind.
func baseIndexes() []mongod.IndexModel {
	return []mongod.IndexModel{
		// Partition scope for every partition-bound query.
		{Keys: bson.D{{Key: "partition_key", Value: 1}}},
		// Store-side expiry. ExpireAfterSeconds zero means "at expire_at".
		{
			Keys:    bson.D{{Key: "expire_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
}

// kindIndexes returns the query indexes a document kind needs.
func kindIndexes(kind document.Kind) []mongod.IndexModel {
	switch kind {
	case document.KindJob:
		return []mongod.IndexModel{
			// Fetch index: oldest enqueued job per queue partition.
			{Keys: bson.D{
				{Key: "partition_key", Value: 1},
				{Key: "state", Value: 1},
				{Key: "created_at", Value: 1},
			}},
			// Cross-partition lookup by job id (index-document misses).
			{Keys: bson.D{{Key: "id", Value: 1}}},
			// Reaper index: stale processing claims.
			{Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "updated_at", Value: 1},
			}},
		}
	case document.KindSet:
		return []mongod.IndexModel{
			// Score-ordered range reads within one set partition.
			{Keys: bson.D{
				{Key: "partition_key", Value: 1},
				{Key: "score", Value: 1},
			}},
		}
	case document.KindList:
		return []mongod.IndexModel{
			// Index-ordered reads and trims within one list partition.
			{Keys: bson.D{
				{Key: "partition_key", Value: 1},
				{Key: "index", Value: -1},
			}},
		}
	case document.KindServer:
		return []mongod.IndexModel{
			// Timed-out server sweep.
			{Keys: bson.D{{Key: "last_heartbeat", Value: 1}}},
		}
	default:
		return nil
	}
}
