// Package kv implements the auxiliary keyed collections the job
// framework stores alongside jobs: scored sets, hashes, ordered lists,
// and atomic counters. Each entry is its own document in a kind-prefixed
// partition, so operations on one key stay inside one partition.
package kv

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/xraph/quarry"
)

// SetEntry is one member of a scored set. Membership is keyed by value:
// re-adding an existing value updates its score in place.
type SetEntry struct {
	quarry.Entity `bson:",inline"`

	Key   string  `bson:"key"`
	Value string  `bson:"value"`
	Score float64 `bson:"score"`
}

// HashEntry is one field of a hash.
type HashEntry struct {
	quarry.Entity `bson:",inline"`

	Key   string `bson:"key"`
	Field string `bson:"field"`
	Value string `bson:"value"`
}

// ListEntry is one element of a list. Indexes are allocated from a
// per-key counter, so they grow monotonically and never collide, but
// they are not dense after removals.
type ListEntry struct {
	quarry.Entity `bson:",inline"`

	Key   string `bson:"key"`
	Index int64  `bson:"index"`
	Value string `bson:"value"`
}

// Counter is the stored shape of an atomic counter.
type Counter struct {
	quarry.Entity `bson:",inline"`

	Value int64 `bson:"value"`
}

// valueID derives a deterministic document id from an entry value, so
// set members and hash fields overwrite rather than duplicate. Values
// are unbounded; the digest keeps ids short and id-safe.
func valueID(prefix, value string) string {
	sum := sha256.Sum256([]byte(value))
	return prefix + ":" + hex.EncodeToString(sum[:16])
}
