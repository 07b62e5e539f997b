package document

import (
	"github.com/xraph/quarry"
)

// Kind enumerates the document kinds the storage engine owns.
type Kind string

// The seven document kinds.
const (
	KindJob     Kind = "job"
	KindServer  Kind = "server"
	KindLock    Kind = "lock"
	KindSet     Kind = "set"
	KindHash    Kind = "hash"
	KindList    Kind = "list"
	KindCounter Kind = "counter"
)

// Kinds lists every document kind, in resolver order.
func Kinds() []Kind {
	return []Kind{KindJob, KindServer, KindLock, KindSet, KindHash, KindList, KindCounter}
}

// Entity is implemented by every persisted document type via an embedded
// quarry.Entity. The gateway reads addressing fields and writes
// store-owned fields (timestamp, etag) through it.
type Entity interface {
	Meta() *quarry.Entity
}
