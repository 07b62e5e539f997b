// Package lock implements a distributed mutex over the document store.
// Acquisition is an exclusive create of the lock document; expiration
// bounds the damage of a crashed holder; a background renewer keeps
// long-held locks alive until release.
package lock

import (
	"time"

	"github.com/xraph/quarry"
)

// Lock is the persisted lock document. Its id is the locked resource
// name; all locks share one partition.
type Lock struct {
	quarry.Entity `bson:",inline"`

	Resource   string        `bson:"resource"`
	Holder     string        `bson:"holder"`
	AcquiredAt time.Time     `bson:"acquired_at"`
	Timeout    time.Duration `bson:"timeout"`
}
