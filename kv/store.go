package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/document"
)

// listIndexCounter prefixes the per-key counters that allocate list
// indexes. The prefix keeps them apart from user-visible counters.
const listIndexCounter = "list-index:"

// Store implements the keyed collection operations over the document
// gateway.
type Store struct {
	gw       document.Gateway
	resolver *document.Resolver
	logger   *slog.Logger

	setCol     string
	hashCol    string
	listCol    string
	counterCol string
	counterPK  string
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore builds a keyed collection store on top of the gateway.
func NewStore(gw document.Gateway, resolver *document.Resolver, opts ...Option) (*Store, error) {
	s := &Store{gw: gw, resolver: resolver, logger: slog.Default()}

	var err error
	if s.setCol, err = resolver.Collection(document.KindSet); err != nil {
		return nil, err
	}
	if s.hashCol, err = resolver.Collection(document.KindHash); err != nil {
		return nil, err
	}
	if s.listCol, err = resolver.Collection(document.KindList); err != nil {
		return nil, err
	}
	if s.counterCol, err = resolver.Collection(document.KindCounter); err != nil {
		return nil, err
	}
	if s.counterPK, err = resolver.PartitionKey(document.KindCounter, ""); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

// IncrementCounter atomically adds delta to the named counter and returns
// the new value. A non-nil expireAt schedules the counter for removal.
func (s *Store) IncrementCounter(ctx context.Context, key string, delta int64, expireAt *time.Time) (int64, error) {
	value, err := s.gw.Increment(ctx, s.counterCol, "counter:"+key, s.counterPK, delta, expireAt)
	if err != nil {
		return 0, fmt.Errorf("quarry/kv: increment counter %q: %w", key, err)
	}
	return value, nil
}

// GetCounter returns the counter's current value; missing counters read
// as zero.
func (s *Store) GetCounter(ctx context.Context, key string) (int64, error) {
	var c Counter
	err := s.gw.Get(ctx, s.counterCol, "counter:"+key, s.counterPK, &c)
	if errors.Is(err, quarry.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quarry/kv: get counter %q: %w", key, err)
	}
	return c.Value, nil
}

// ---------------------------------------------------------------------------
// Sets
// ---------------------------------------------------------------------------

// AddToSet adds value to the scored set, or updates its score when the
// value is already a member.
func (s *Store) AddToSet(ctx context.Context, key, value string, score float64) error {
	pk, err := s.resolver.PartitionKey(document.KindSet, key)
	if err != nil {
		return err
	}

	entry := SetEntry{
		Entity: quarry.Entity{
			ID:           valueID("set", value),
			PartitionKey: pk,
			DocumentType: string(document.KindSet),
		},
		Key:   key,
		Value: value,
		Score: score,
	}
	if err := s.gw.Upsert(ctx, s.setCol, &entry); err != nil {
		return fmt.Errorf("quarry/kv: add to set %q: %w", key, err)
	}
	return nil
}

// RemoveFromSet removes value from the set; absent values are a no-op.
func (s *Store) RemoveFromSet(ctx context.Context, key, value string) error {
	pk, err := s.resolver.PartitionKey(document.KindSet, key)
	if err != nil {
		return err
	}
	if err := s.gw.Delete(ctx, s.setCol, valueID("set", value), pk); err != nil {
		return fmt.Errorf("quarry/kv: remove from set %q: %w", key, err)
	}
	return nil
}

// SetCount returns the number of members in the set.
func (s *Store) SetCount(ctx context.Context, key string) (int64, error) {
	pk, err := s.resolver.PartitionKey(document.KindSet, key)
	if err != nil {
		return 0, err
	}
	n, err := s.gw.Count(ctx, document.Query{Collection: s.setCol, PartitionKey: pk})
	if err != nil {
		return 0, fmt.Errorf("quarry/kv: count set %q: %w", key, err)
	}
	return n, nil
}

// SetRange returns member values ordered by ascending score, sliced by
// zero-based positions from and to, both inclusive.
func (s *Store) SetRange(ctx context.Context, key string, from, to int) ([]string, error) {
	if from < 0 || to < from {
		return nil, fmt.Errorf("quarry/kv: set range %q: invalid range [%d, %d]", key, from, to)
	}
	pk, err := s.resolver.PartitionKey(document.KindSet, key)
	if err != nil {
		return nil, err
	}

	q := document.Query{
		Collection:   s.setCol,
		PartitionKey: pk,
		OrderBy:      "score",
		PageSize:     to + 1,
	}
	page, err := s.gw.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("quarry/kv: set range %q: %w", key, err)
	}
	entries, err := document.DecodeAll[SetEntry](page)
	if err != nil {
		return nil, fmt.Errorf("quarry/kv: set range %q: %w", key, err)
	}

	if from >= len(entries) {
		return nil, nil
	}
	entries = entries[from:]
	values := make([]string, 0, len(entries))
	for _, e := range entries {
		values = append(values, e.Value)
	}
	return values, nil
}

// FirstByLowestScore returns the member with the lowest score inside
// [fromScore, toScore], or quarry.ErrNotFound when the window is empty.
func (s *Store) FirstByLowestScore(ctx context.Context, key string, fromScore, toScore float64) (string, error) {
	pk, err := s.resolver.PartitionKey(document.KindSet, key)
	if err != nil {
		return "", err
	}

	q := document.Query{
		Collection:   s.setCol,
		PartitionKey: pk,
		OrderBy:      "score",
		PageSize:     1,
	}.Where("score", document.OpGte, fromScore).
		Where("score", document.OpLte, toScore)

	page, err := s.gw.Query(ctx, q)
	if err != nil {
		return "", fmt.Errorf("quarry/kv: first by lowest score %q: %w", key, err)
	}
	entries, err := document.DecodeAll[SetEntry](page)
	if err != nil {
		return "", fmt.Errorf("quarry/kv: first by lowest score %q: %w", key, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("quarry/kv: first by lowest score %q: %w", key, quarry.ErrNotFound)
	}
	return entries[0].Value, nil
}

// ---------------------------------------------------------------------------
// Hashes
// ---------------------------------------------------------------------------

// SetRangeInHash writes multiple hash fields, overwriting existing ones.
func (s *Store) SetRangeInHash(ctx context.Context, key string, fields map[string]string) error {
	pk, err := s.resolver.PartitionKey(document.KindHash, key)
	if err != nil {
		return err
	}

	for field, value := range fields {
		entry := HashEntry{
			Entity: quarry.Entity{
				ID:           valueID("hash", field),
				PartitionKey: pk,
				DocumentType: string(document.KindHash),
			},
			Key:   key,
			Field: field,
			Value: value,
		}
		if err := s.gw.Upsert(ctx, s.hashCol, &entry); err != nil {
			return fmt.Errorf("quarry/kv: set hash %q field %q: %w", key, field, err)
		}
	}
	return nil
}

// HashGetAll returns every field of the hash. A missing hash reads as an
// empty map.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	pk, err := s.resolver.PartitionKey(document.KindHash, key)
	if err != nil {
		return nil, err
	}

	page, err := s.gw.Query(ctx, document.Query{Collection: s.hashCol, PartitionKey: pk})
	if err != nil {
		return nil, fmt.Errorf("quarry/kv: get hash %q: %w", key, err)
	}
	entries, err := document.DecodeAll[HashEntry](page)
	if err != nil {
		return nil, fmt.Errorf("quarry/kv: get hash %q: %w", key, err)
	}

	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Field] = e.Value
	}
	return out, nil
}

// HashGet returns one hash field value, or quarry.ErrNotFound.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	pk, err := s.resolver.PartitionKey(document.KindHash, key)
	if err != nil {
		return "", err
	}

	var entry HashEntry
	if err := s.gw.Get(ctx, s.hashCol, valueID("hash", field), pk, &entry); err != nil {
		return "", fmt.Errorf("quarry/kv: get hash %q field %q: %w", key, field, err)
	}
	return entry.Value, nil
}

// RemoveHash deletes every field of the hash.
func (s *Store) RemoveHash(ctx context.Context, key string) error {
	pk, err := s.resolver.PartitionKey(document.KindHash, key)
	if err != nil {
		return err
	}

	page, err := s.gw.Query(ctx, document.Query{Collection: s.hashCol, PartitionKey: pk})
	if err != nil {
		return fmt.Errorf("quarry/kv: remove hash %q: %w", key, err)
	}
	entries, err := document.DecodeAll[HashEntry](page)
	if err != nil {
		return fmt.Errorf("quarry/kv: remove hash %q: %w", key, err)
	}

	for _, e := range entries {
		if err := s.gw.Delete(ctx, s.hashCol, e.ID, pk); err != nil {
			return fmt.Errorf("quarry/kv: remove hash %q field %q: %w", key, e.Field, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lists
// ---------------------------------------------------------------------------

// InsertToList appends a value to the list. The element's position comes
// from a per-key atomic counter, so concurrent inserts get distinct,
// increasing indexes.
func (s *Store) InsertToList(ctx context.Context, key, value string) error {
	pk, err := s.resolver.PartitionKey(document.KindList, key)
	if err != nil {
		return err
	}

	index, err := s.gw.Increment(ctx, s.counterCol, listIndexCounter+key, s.counterPK, 1, nil)
	if err != nil {
		return fmt.Errorf("quarry/kv: insert to list %q: allocate index: %w", key, err)
	}

	entry := ListEntry{
		Entity: quarry.Entity{
			ID:           "list:" + strconv.FormatInt(index, 10),
			PartitionKey: pk,
			DocumentType: string(document.KindList),
		},
		Key:   key,
		Index: index,
		Value: value,
	}
	if err := s.gw.Create(ctx, s.listCol, &entry); err != nil {
		return fmt.Errorf("quarry/kv: insert to list %q: %w", key, err)
	}
	return nil
}

// RemoveFromList deletes every element holding the given value.
func (s *Store) RemoveFromList(ctx context.Context, key, value string) error {
	pk, err := s.resolver.PartitionKey(document.KindList, key)
	if err != nil {
		return err
	}

	q := document.Query{Collection: s.listCol, PartitionKey: pk}.
		Where("value", document.OpEq, value)
	page, err := s.gw.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("quarry/kv: remove from list %q: %w", key, err)
	}
	entries, err := document.DecodeAll[ListEntry](page)
	if err != nil {
		return fmt.Errorf("quarry/kv: remove from list %q: %w", key, err)
	}

	for _, e := range entries {
		if err := s.gw.Delete(ctx, s.listCol, e.ID, pk); err != nil {
			return fmt.Errorf("quarry/kv: remove from list %q: %w", key, err)
		}
	}
	return nil
}

// TrimList keeps the elements at zero-based positions [keepFrom, keepTo]
// of the newest-first ordering and deletes the rest, matching how job
// frameworks cap rolling histories.
func (s *Store) TrimList(ctx context.Context, key string, keepFrom, keepTo int) error {
	if keepFrom < 0 || keepTo < keepFrom {
		return fmt.Errorf("quarry/kv: trim list %q: invalid range [%d, %d]", key, keepFrom, keepTo)
	}
	pk, err := s.resolver.PartitionKey(document.KindList, key)
	if err != nil {
		return err
	}

	entries, err := s.listEntries(ctx, key, pk)
	if err != nil {
		return fmt.Errorf("quarry/kv: trim list %q: %w", key, err)
	}

	for pos, e := range entries {
		if pos >= keepFrom && pos <= keepTo {
			continue
		}
		if err := s.gw.Delete(ctx, s.listCol, e.ID, pk); err != nil {
			return fmt.Errorf("quarry/kv: trim list %q: %w", key, err)
		}
	}
	return nil
}

// ListRange returns element values at zero-based positions
// [from, to] of the newest-first ordering.
func (s *Store) ListRange(ctx context.Context, key string, from, to int) ([]string, error) {
	if from < 0 || to < from {
		return nil, fmt.Errorf("quarry/kv: list range %q: invalid range [%d, %d]", key, from, to)
	}
	pk, err := s.resolver.PartitionKey(document.KindList, key)
	if err != nil {
		return nil, err
	}

	entries, err := s.listEntries(ctx, key, pk)
	if err != nil {
		return nil, fmt.Errorf("quarry/kv: list range %q: %w", key, err)
	}

	if from >= len(entries) {
		return nil, nil
	}
	if to >= len(entries) {
		to = len(entries) - 1
	}
	values := make([]string, 0, to-from+1)
	for _, e := range entries[from : to+1] {
		values = append(values, e.Value)
	}
	return values, nil
}

// ListCount returns the number of elements in the list.
func (s *Store) ListCount(ctx context.Context, key string) (int64, error) {
	pk, err := s.resolver.PartitionKey(document.KindList, key)
	if err != nil {
		return 0, err
	}
	n, err := s.gw.Count(ctx, document.Query{Collection: s.listCol, PartitionKey: pk})
	if err != nil {
		return 0, fmt.Errorf("quarry/kv: count list %q: %w", key, err)
	}
	return n, nil
}

// listEntries loads the whole list newest first.
func (s *Store) listEntries(ctx context.Context, key, pk string) ([]ListEntry, error) {
	q := document.Query{
		Collection:   s.listCol,
		PartitionKey: pk,
		OrderBy:      "index",
		Descending:   true,
	}
	page, err := s.gw.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return document.DecodeAll[ListEntry](page)
}
