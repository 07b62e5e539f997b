// Package job owns the job document schema and the job lifecycle state
// machine: created → enqueued → processing → {succeeded | failed |
// scheduled} → deleted, with an append-only transition history.
//
// Every transition is a load, mutate, append-history, write-back cycle.
// Write-backs are etag-guarded; a concurrent transition surfaces as a
// conflict and the engine re-reads and reapplies, so no history entry is
// ever silently overwritten.
package job
