// Package memory provides a fully in-memory document.Gateway.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/document"
	"github.com/xraph/quarry/id"
)

// Ensure Store implements the gateway at compile time.
var _ document.Gateway = (*Store)(nil)

// record is one stored document: the encoded bytes plus the addressing
// fields needed to filter without decoding.
type record struct {
	raw          bson.Raw
	partitionKey string
	expireAt     *time.Time
}

// Store is an in-memory implementation of document.Gateway backed by
// mutex-guarded maps. Expired documents are reaped lazily on access,
// which makes expiry exact rather than eventual.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]*record // collection -> pk/id -> record
}

// New returns a new empty Store.
func New() *Store {
	return &Store{collections: make(map[string]map[string]*record)}
}

// docKey builds the composite uniqueness key, mirroring the store-level
// (id, partition key) constraint.
func docKey(partitionKey, docID string) string {
	return partitionKey + "/" + docID
}

func now() time.Time {
	return time.Now().UTC()
}

// collection returns the named collection map, creating it on first use.
func (s *Store) collection(name string) map[string]*record {
	col, ok := s.collections[name]
	if !ok {
		col = make(map[string]*record)
		s.collections[name] = col
	}
	return col
}

// live returns the record at key if it exists and has not expired.
// Expired records are deleted on the spot.
func (s *Store) live(col map[string]*record, key string) (*record, bool) {
	rec, ok := col[key]
	if !ok {
		return nil, false
	}
	if rec.expireAt != nil && rec.expireAt.Before(now()) {
		delete(col, key)
		return nil, false
	}
	return rec, true
}

// encode stamps store-owned fields and serializes the entity.
func encode(doc document.Entity) (*record, error) {
	meta := doc.Meta()
	meta.Timestamp = now()
	meta.ETag = id.NewETag()

	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("quarry/memory: encode document %q: %w", meta.ID, err)
	}
	return &record{raw: raw, partitionKey: meta.PartitionKey, expireAt: meta.ExpireAt}, nil
}

// Get loads the document into out.
func (s *Store) Get(ctx context.Context, collection, docID, partitionKey string, out document.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(s.collection(collection), docKey(partitionKey, docID))
	if !ok {
		return quarry.ErrNotFound
	}
	if err := bson.Unmarshal(rec.raw, out); err != nil {
		return fmt.Errorf("quarry/memory: decode document %q: %w", docID, err)
	}
	return nil
}

// Create inserts a new document, failing with quarry.ErrConflict when a
// live document already occupies the same id+partition.
func (s *Store) Create(ctx context.Context, collection string, doc document.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta := doc.Meta()
	col := s.collection(collection)
	key := docKey(meta.PartitionKey, meta.ID)
	if _, exists := s.live(col, key); exists {
		return quarry.ErrConflict
	}

	rec, err := encode(doc)
	if err != nil {
		return err
	}
	col[key] = rec
	return nil
}

// Upsert inserts or overwrites unconditionally.
func (s *Store) Upsert(ctx context.Context, collection string, doc document.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta := doc.Meta()
	rec, err := encode(doc)
	if err != nil {
		return err
	}
	s.collection(collection)[docKey(meta.PartitionKey, meta.ID)] = rec
	return nil
}

// Replace overwrites an existing document when the entity's etag matches
// the stored one.
func (s *Store) Replace(ctx context.Context, collection string, doc document.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta := doc.Meta()
	col := s.collection(collection)
	key := docKey(meta.PartitionKey, meta.ID)

	rec, ok := s.live(col, key)
	if !ok {
		return quarry.ErrNotFound
	}

	stored := rec.raw.Lookup("etag")
	if etag, ok := stored.StringValueOK(); !ok || etag != meta.ETag {
		return quarry.ErrConflict
	}

	next, err := encode(doc)
	if err != nil {
		return err
	}
	col[key] = next
	return nil
}

// Delete removes a document; absent documents are a no-op.
func (s *Store) Delete(ctx context.Context, collection, docID, partitionKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collection(collection), docKey(partitionKey, docID))
	return nil
}

// counterDoc is the stored shape of counter documents.
type counterDoc struct {
	quarry.Entity `bson:",inline"`

	Value int64 `bson:"value"`
}

// Increment atomically adds delta to a counter document, creating it on
// first use, and returns the new value.
func (s *Store) Increment(ctx context.Context, collection, docID, partitionKey string, delta int64, expireAt *time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collection(collection)
	key := docKey(partitionKey, docID)

	var counter counterDoc
	if rec, ok := s.live(col, key); ok {
		if err := bson.Unmarshal(rec.raw, &counter); err != nil {
			return 0, fmt.Errorf("quarry/memory: decode counter %q: %w", docID, err)
		}
	} else {
		counter = counterDoc{Entity: quarry.Entity{
			ID:           docID,
			PartitionKey: partitionKey,
			DocumentType: string(document.KindCounter),
		}}
	}

	counter.Value += delta
	if expireAt != nil {
		counter.ExpireAt = expireAt
	}

	rec, err := encode(&counter)
	if err != nil {
		return 0, err
	}
	col[key] = rec
	return counter.Value, nil
}

// Query returns one page of matching documents, sorted and offset by the
// continuation token.
func (s *Store) Query(ctx context.Context, q document.Query) (*document.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	offset, err := document.DecodeContinuation(q.Continuation)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	matches := s.match(q)
	s.mu.Unlock()

	if q.OrderBy != "" {
		sortRaw(matches, q.OrderBy, q.Descending)
	}

	if offset >= len(matches) {
		return &document.Page{}, nil
	}
	matches = matches[offset:]

	next := ""
	if q.PageSize > 0 && len(matches) > q.PageSize {
		matches = matches[:q.PageSize]
		next = document.EncodeContinuation(offset + q.PageSize)
	}

	return &document.Page{Documents: matches, Continuation: next}, nil
}

// Count returns the number of matching documents, ignoring paging.
func (s *Store) Count(ctx context.Context, q document.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.match(q))), nil
}

// match collects all live documents satisfying the query filter.
// Caller holds s.mu.
func (s *Store) match(q document.Query) []bson.Raw {
	col := s.collection(q.Collection)
	t := now()

	var out []bson.Raw
	for key, rec := range col {
		if rec.expireAt != nil && rec.expireAt.Before(t) {
			delete(col, key)
			continue
		}
		if q.PartitionKey != "" && rec.partitionKey != q.PartitionKey {
			continue
		}
		if !satisfiesAll(rec.raw, q.Conditions) {
			continue
		}
		out = append(out, rec.raw)
	}
	return out
}

func satisfiesAll(raw bson.Raw, conds []document.Condition) bool {
	for _, c := range conds {
		if !satisfies(raw, c) {
			return false
		}
	}
	return true
}

func satisfies(raw bson.Raw, c document.Condition) bool {
	cmp, ok := compareField(raw.Lookup(c.Field), c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case document.OpEq:
		return cmp == 0
	case document.OpNe:
		return cmp != 0
	case document.OpLt:
		return cmp < 0
	case document.OpLte:
		return cmp <= 0
	case document.OpGt:
		return cmp > 0
	case document.OpGte:
		return cmp >= 0
	default:
		return false
	}
}

// compareField compares a stored bson value against a condition value.
// Returns (sign, true) on comparable types, (0, false) otherwise.
func compareField(rv bson.RawValue, want any) (int, bool) {
	switch w := want.(type) {
	case string:
		s, ok := rv.StringValueOK()
		if !ok {
			return 0, false
		}
		switch {
		case s < w:
			return -1, true
		case s > w:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		b, ok := rv.BooleanOK()
		if !ok {
			return 0, false
		}
		if b == w {
			return 0, true
		}
		return 1, true
	case time.Time:
		dt, ok := rv.DateTimeOK()
		if !ok {
			return 0, false
		}
		stored := bson.DateTime(dt).Time()
		switch {
		case stored.Before(w):
			return -1, true
		case stored.After(w):
			return 1, true
		default:
			return 0, true
		}
	default:
		wf, ok := toFloat(want)
		if !ok {
			return 0, false
		}
		sf, ok := rawToFloat(rv)
		if !ok {
			return 0, false
		}
		switch {
		case sf < wf:
			return -1, true
		case sf > wf:
			return 1, true
		default:
			return 0, true
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func rawToFloat(rv bson.RawValue) (float64, bool) {
	switch rv.Type {
	case bson.TypeInt32:
		return float64(rv.Int32()), true
	case bson.TypeInt64:
		return float64(rv.Int64()), true
	case bson.TypeDouble:
		return rv.Double(), true
	default:
		return 0, false
	}
}

// sortRaw orders documents by a bson field. Missing fields sort first.
func sortRaw(docs []bson.Raw, field string, descending bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		less := rawLess(docs[i].Lookup(field), docs[j].Lookup(field))
		if descending {
			return !less && !rawEqual(docs[i].Lookup(field), docs[j].Lookup(field))
		}
		return less
	})
}

func rawLess(a, b bson.RawValue) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	switch a.Type {
	case bson.TypeString:
		return a.StringValue() < b.StringValue()
	case bson.TypeDateTime:
		return a.DateTime() < b.DateTime()
	case bson.TypeInt32:
		return a.Int32() < b.Int32()
	case bson.TypeInt64:
		return a.Int64() < b.Int64()
	case bson.TypeDouble:
		return a.Double() < b.Double()
	default:
		return false
	}
}

func rawEqual(a, b bson.RawValue) bool {
	return !rawLess(a, b) && !rawLess(b, a)
}
