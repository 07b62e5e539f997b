package document

import (
	"context"
	"time"
)

// Gateway is the uniform contract against the partitioned document store.
// All operations address documents by (collection, id, partition key).
//
// Error contract: Get and Replace of a missing document return
// quarry.ErrNotFound; Create of a live duplicate and Replace with a stale
// etag return quarry.ErrConflict; Delete of a missing document succeeds.
type Gateway interface {
	// Get loads the document into out.
	Get(ctx context.Context, collection, id, partitionKey string, out Entity) error

	// Create inserts a new document. The store assigns timestamp and
	// etag on the passed entity. Fails with quarry.ErrConflict if a
	// live document already exists at the same id+partition.
	Create(ctx context.Context, collection string, doc Entity) error

	// Upsert inserts or overwrites unconditionally, assigning a fresh
	// timestamp and etag.
	Upsert(ctx context.Context, collection string, doc Entity) error

	// Replace overwrites an existing document if and only if the
	// entity's etag matches the stored one. On success the entity
	// carries the new etag. A vanished document yields
	// quarry.ErrNotFound, a stale etag quarry.ErrConflict.
	Replace(ctx context.Context, collection string, doc Entity) error

	// Delete removes a document; deleting an absent document is not an
	// error.
	Delete(ctx context.Context, collection, id, partitionKey string) error

	// Increment atomically adds delta to a counter document's value,
	// creating the document when absent, and returns the new value.
	// When expireAt is non-nil it is applied to the document.
	Increment(ctx context.Context, collection, id, partitionKey string, delta int64, expireAt *time.Time) (int64, error)

	// Query returns one page of matching documents plus a continuation
	// token for the next page.
	Query(ctx context.Context, q Query) (*Page, error)

	// Count returns the number of matching documents, ignoring paging.
	Count(ctx context.Context, q Query) (int64, error)
}
