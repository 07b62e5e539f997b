package document

import (
	"fmt"

	"github.com/xraph/quarry"
)

// Consolidated layout groups kinds into three shared collections. The
// kind-prefixed partition keys keep same-key documents colocated, so
// per-partition ordered queries behave identically in both layouts.
const (
	consolidatedActivity = "activity" // jobs
	consolidatedState    = "state"    // sets, hashes, lists, counters
	consolidatedMeta     = "meta"     // servers, locks
)

// dedicatedCollections maps each kind to its own physical collection.
var dedicatedCollections = map[Kind]string{
	KindJob:     "jobs",
	KindServer:  "servers",
	KindLock:    "locks",
	KindSet:     "sets",
	KindHash:    "hashes",
	KindList:    "lists",
	KindCounter: "counters",
}

// consolidatedCollections maps each kind to its shared collection.
var consolidatedCollections = map[Kind]string{
	KindJob:     consolidatedActivity,
	KindServer:  consolidatedMeta,
	KindLock:    consolidatedMeta,
	KindSet:     consolidatedState,
	KindHash:    consolidatedState,
	KindList:    consolidatedState,
	KindCounter: consolidatedState,
}

// Resolver maps document kinds to physical collection names and partition
// keys. It is a pure function of its configuration: same inputs, same
// outputs, no I/O.
type Resolver struct {
	layout quarry.LayoutKind
	prefix string
}

// NewResolver builds a Resolver from the configured layout strategy and
// collection prefix.
func NewResolver(cfg quarry.Config) *Resolver {
	return &Resolver{layout: cfg.Layout, prefix: cfg.CollectionPrefix}
}

// Collection returns the physical collection name for a document kind.
func (r *Resolver) Collection(kind Kind) (string, error) {
	table := dedicatedCollections
	if r.layout == quarry.LayoutConsolidated {
		table = consolidatedCollections
	}

	name, ok := table[kind]
	if !ok {
		return "", fmt.Errorf("quarry/document: resolve collection for kind %q: %w", kind, quarry.ErrUnknownKind)
	}
	return r.prefix + name, nil
}

// PartitionKey returns the routing key for a document kind. The key
// argument scopes keyed kinds: the queue name for jobs, the collection key
// for sets, hashes, and lists. Servers, locks, and counters live in one
// fixed partition each and ignore key.
func (r *Resolver) PartitionKey(kind Kind, key string) (string, error) {
	switch kind {
	case KindJob:
		return "job:" + key, nil
	case KindSet:
		return "set:" + key, nil
	case KindHash:
		return "hash:" + key, nil
	case KindList:
		return "list:" + key, nil
	case KindCounter:
		return "counters", nil
	case KindServer:
		return "servers", nil
	case KindLock:
		return "locks", nil
	default:
		return "", fmt.Errorf("quarry/document: resolve partition key for kind %q: %w", kind, quarry.ErrUnknownKind)
	}
}

// Collections returns every physical collection of the layout and the
// kinds stored in it. Backends use this to provision indexes.
func (r *Resolver) Collections() map[string][]Kind {
	out := make(map[string][]Kind)
	for _, kind := range Kinds() {
		name, err := r.Collection(kind)
		if err != nil {
			continue
		}
		out[name] = append(out[name], kind)
	}
	return out
}
