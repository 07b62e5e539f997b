package quarry

import "time"

// Entity is the base shape shared by every persisted document.
// Concrete document types embed it.
type Entity struct {
	// ID is globally unique within the document's collection.
	ID string `bson:"id" json:"id"`

	// PartitionKey routes the document and colocates related documents.
	PartitionKey string `bson:"partition_key" json:"partitionKey"`

	// DocumentType discriminates kinds sharing a physical collection.
	DocumentType string `bson:"document_type" json:"documentType"`

	// Timestamp is the store-assigned last write time.
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`

	// ETag is the store-assigned version token, refreshed on every write.
	ETag string `bson:"etag" json:"etag"`

	// ExpireAt, when set, marks the document for automatic deletion.
	ExpireAt *time.Time `bson:"expire_at,omitempty" json:"expireAt,omitempty"`
}

// Meta returns the embedded Entity. It is how the document gateway reads
// and writes store-owned fields without knowing the concrete type.
func (e *Entity) Meta() *Entity { return e }

// Expired reports whether the document's expiry has passed at the given
// instant. Documents with no expiry never expire.
func (e *Entity) Expired(at time.Time) bool {
	return e.ExpireAt != nil && e.ExpireAt.Before(at)
}
