// Package quarry is a document-database storage backend for distributed
// background-job processing. It persists jobs, server registrations,
// distributed locks, and auxiliary collections (sets, lists, hashes,
// counters) in a partitioned document store, and lets worker processes on
// many machines dequeue and execute jobs with at-least-once delivery.
//
// Quarry is a library, not a service. An external job-processing framework
// calls into it to create jobs, fetch work, record state transitions, and
// coordinate cluster-wide singleton operations.
//
// # Quick Start
//
//	store := memory.New()
//	eng, err := engine.New(store, quarry.DefaultConfig())
//
// # Architecture
//
// Every persisted entity is a document keyed by (collection, id, partition
// key). The document gateway in package document is the single seam to the
// physical store; backends live under document/memory and document/mongo.
// All storage traffic is routed through a circuit-breaker wrapper
// (package resilience) so a failing store degrades to fast typed errors
// instead of piling up blocked callers.
//
// All entity IDs are TypeIDs: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package quarry
