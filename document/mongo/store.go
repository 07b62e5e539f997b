// Package mongo provides a MongoDB-backed document.Gateway.
//
// Documents are stored with a composite _id of "{partitionKey}/{id}",
// which makes the database enforce the (id, partition key) uniqueness the
// distributed lock relies on. Document expiry rides on a TTL index over
// expire_at; because TTL reaping lags, reads additionally filter expired
// documents so they behave as absent immediately.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/document"
	"github.com/xraph/quarry/id"
)

// Ensure Store implements the gateway at compile time.
var _ document.Gateway = (*Store)(nil)

// Store is a MongoDB implementation of document.Gateway. The caller owns
// the client lifecycle; Store never closes it.
type Store struct {
	db       *mongod.Database
	resolver *document.Resolver
	logger   *slog.Logger

	// cols caches one collection handle per physical collection name
	// for the process lifetime.
	mu   sync.Mutex
	cols map[string]*mongod.Collection
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a MongoDB gateway over the given database. The resolver is
// only used to enumerate collections for Migrate; all gateway operations
// address collections by name.
func New(db *mongod.Database, resolver *document.Resolver, opts ...Option) *Store {
	s := &Store{
		db:       db,
		resolver: resolver,
		logger:   slog.Default(),
		cols:     make(map[string]*mongod.Collection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// collection returns a cached handle for the named collection, creating
// it on first use.
func (s *Store) collection(name string) *mongod.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.cols[name]
	if !ok {
		col = s.db.Collection(name)
		s.cols[name] = col
	}
	return col
}

func now() time.Time {
	return time.Now().UTC()
}

// docKey builds the composite _id enforcing id+partition uniqueness.
func docKey(partitionKey, docID string) string {
	return partitionKey + "/" + docID
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// encode stamps store-owned fields and flattens the entity into a bson
// map carrying the composite _id.
func encode(doc document.Entity) (bson.M, error) {
	meta := doc.Meta()
	meta.Timestamp = now()
	meta.ETag = id.NewETag()

	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("quarry/mongo: encode document %q: %w", meta.ID, err)
	}

	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("quarry/mongo: flatten document %q: %w", meta.ID, err)
	}
	m["_id"] = docKey(meta.PartitionKey, meta.ID)
	return m, nil
}

// Get loads the document into out. Expired-but-unreaped documents behave
// as absent.
func (s *Store) Get(ctx context.Context, collection, docID, partitionKey string, out document.Entity) error {
	err := s.collection(collection).
		FindOne(ctx, bson.M{"_id": docKey(partitionKey, docID)}).
		Decode(out)
	if err != nil {
		if isNoDocuments(err) {
			return quarry.ErrNotFound
		}
		return fmt.Errorf("quarry/mongo: get %q: %w", docID, err)
	}

	if out.Meta().Expired(now()) {
		return quarry.ErrNotFound
	}
	return nil
}

// Create inserts a new document. A live duplicate yields
// quarry.ErrConflict; a duplicate that has expired but not yet been
// TTL-reaped is deleted and creation retried once.
func (s *Store) Create(ctx context.Context, collection string, doc document.Entity) error {
	meta := doc.Meta()
	key := docKey(meta.PartitionKey, meta.ID)
	col := s.collection(collection)

	for attempt := 0; attempt < 2; attempt++ {
		m, err := encode(doc)
		if err != nil {
			return err
		}

		_, err = col.InsertOne(ctx, m)
		if err == nil {
			return nil
		}
		if !isDuplicateKey(err) {
			return fmt.Errorf("quarry/mongo: create %q: %w", meta.ID, err)
		}
		if attempt > 0 {
			return quarry.ErrConflict
		}

		// Evict the blocker only if it is past its expiry; a live
		// document must surface as a conflict.
		res, delErr := col.DeleteOne(ctx, bson.M{
			"_id":       key,
			"expire_at": bson.M{"$lt": now()},
		})
		if delErr != nil {
			return fmt.Errorf("quarry/mongo: evict expired %q: %w", meta.ID, delErr)
		}
		if res.DeletedCount == 0 {
			return quarry.ErrConflict
		}
	}
	return quarry.ErrConflict
}

// Upsert inserts or overwrites unconditionally.
func (s *Store) Upsert(ctx context.Context, collection string, doc document.Entity) error {
	meta := doc.Meta()
	m, err := encode(doc)
	if err != nil {
		return err
	}

	_, err = s.collection(collection).ReplaceOne(ctx,
		bson.M{"_id": docKey(meta.PartitionKey, meta.ID)},
		m,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("quarry/mongo: upsert %q: %w", meta.ID, err)
	}
	return nil
}

// Replace overwrites an existing document when the entity's etag matches
// the stored one. On any failure the entity keeps its original etag.
func (s *Store) Replace(ctx context.Context, collection string, doc document.Entity) error {
	meta := doc.Meta()
	key := docKey(meta.PartitionKey, meta.ID)
	oldETag := meta.ETag

	m, err := encode(doc)
	if err != nil {
		return err
	}

	col := s.collection(collection)
	res, err := col.ReplaceOne(ctx, bson.M{"_id": key, "etag": oldETag}, m)
	if err != nil {
		meta.ETag = oldETag
		return fmt.Errorf("quarry/mongo: replace %q: %w", meta.ID, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Distinguish a vanished document from a stale etag.
	meta.ETag = oldETag
	count, err := col.CountDocuments(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("quarry/mongo: replace verify %q: %w", meta.ID, err)
	}
	if count == 0 {
		return quarry.ErrNotFound
	}
	return quarry.ErrConflict
}

// Delete removes a document; deleting an absent document is not an error.
func (s *Store) Delete(ctx context.Context, collection, docID, partitionKey string) error {
	_, err := s.collection(collection).DeleteOne(ctx, bson.M{"_id": docKey(partitionKey, docID)})
	if err != nil {
		return fmt.Errorf("quarry/mongo: delete %q: %w", docID, err)
	}
	return nil
}

// counterDoc is the stored shape of counter documents.
type counterDoc struct {
	quarry.Entity `bson:",inline"`

	Value int64 `bson:"value"`
}

// Increment atomically adds delta to a counter document via $inc,
// creating the document on first use, and returns the new value.
func (s *Store) Increment(ctx context.Context, collection, docID, partitionKey string, delta int64, expireAt *time.Time) (int64, error) {
	key := docKey(partitionKey, docID)

	set := bson.M{
		"id":            docID,
		"partition_key": partitionKey,
		"document_type": string(document.KindCounter),
		"timestamp":     now(),
		"etag":          id.NewETag(),
	}
	if expireAt != nil {
		set["expire_at"] = *expireAt
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter counterDoc
	err := s.collection(collection).FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{"$inc": bson.M{"value": delta}, "$set": set},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("quarry/mongo: increment %q: %w", docID, err)
	}
	return counter.Value, nil
}

// Query returns one page of matching documents plus a continuation token.
func (s *Store) Query(ctx context.Context, q document.Query) (*document.Page, error) {
	offset, err := document.DecodeContinuation(q.Continuation)
	if err != nil {
		return nil, err
	}

	findOpts := options.Find().SetSkip(int64(offset))
	if q.OrderBy != "" {
		dir := 1
		if q.Descending {
			dir = -1
		}
		findOpts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	}
	if q.PageSize > 0 {
		// Fetch one extra document to learn whether another page exists.
		findOpts.SetLimit(int64(q.PageSize + 1))
	}

	cursor, err := s.collection(q.Collection).Find(ctx, filterFor(q), findOpts)
	if err != nil {
		return nil, fmt.Errorf("quarry/mongo: query %s: %w", q.Collection, err)
	}
	defer cursor.Close(ctx)

	var docs []bson.Raw
	for cursor.Next(ctx) {
		raw := make(bson.Raw, len(cursor.Current))
		copy(raw, cursor.Current)
		docs = append(docs, raw)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("quarry/mongo: query iterate %s: %w", q.Collection, err)
	}

	next := ""
	if q.PageSize > 0 && len(docs) > q.PageSize {
		docs = docs[:q.PageSize]
		next = document.EncodeContinuation(offset + q.PageSize)
	}

	return &document.Page{Documents: docs, Continuation: next}, nil
}

// Count returns the number of matching documents, ignoring paging.
func (s *Store) Count(ctx context.Context, q document.Query) (int64, error) {
	count, err := s.collection(q.Collection).CountDocuments(ctx, filterFor(q))
	if err != nil {
		return 0, fmt.Errorf("quarry/mongo: count %s: %w", q.Collection, err)
	}
	return count, nil
}

// opMap translates gateway operators to MongoDB query operators.
var opMap = map[document.Op]string{
	document.OpEq:  "$eq",
	document.OpNe:  "$ne",
	document.OpLt:  "$lt",
	document.OpLte: "$lte",
	document.OpGt:  "$gt",
	document.OpGte: "$gte",
}

// filterFor builds the MongoDB filter for a query: partition scope,
// caller conditions, and the expired-document exclusion.
func filterFor(q document.Query) bson.M {
	filter := bson.M{
		"$or": []bson.M{
			{"expire_at": bson.M{"$exists": false}},
			{"expire_at": nil},
			{"expire_at": bson.M{"$gt": now()}},
		},
	}
	if q.PartitionKey != "" {
		filter["partition_key"] = q.PartitionKey
	}

	for _, c := range q.Conditions {
		op, ok := opMap[c.Op]
		if !ok {
			continue
		}
		if existing, clash := filter[c.Field]; clash {
			if m, isM := existing.(bson.M); isM {
				m[op] = c.Value
				continue
			}
		}
		filter[c.Field] = bson.M{op: c.Value}
	}
	return filter
}
