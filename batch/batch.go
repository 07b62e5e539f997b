// Package batch collects storage writes and applies them in order on
// commit. Job frameworks build up a set of mutations while deciding a
// state transition and hand them over as one unit.
//
// A batch is not a transaction: operations run sequentially, the first
// failure aborts the remainder, and nothing already applied is rolled
// back. Callers that need atomicity per document get it from the
// store's etag protection underneath.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/id"
	"github.com/xraph/quarry/job"
	"github.com/xraph/quarry/kv"
)

// operation is one recorded mutation, named for error reporting.
type operation struct {
	name  string
	apply func(ctx context.Context) error
}

// Batch accumulates mutations for a single Commit. Not safe for
// concurrent use; a batch belongs to one worker goroutine.
type Batch struct {
	jobs *job.Engine
	kv   *kv.Store

	mu        sync.Mutex
	ops       []operation
	committed bool
}

// New starts an empty batch over the given subsystems.
func New(jobs *job.Engine, store *kv.Store) *Batch {
	return &Batch{jobs: jobs, kv: store}
}

// add appends an operation unless the batch is already committed.
func (b *Batch) add(name string, apply func(ctx context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return
	}
	b.ops = append(b.ops, operation{name: name, apply: apply})
}

// Len returns the number of recorded operations.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Commit applies the recorded operations in registration order. The
// first failure stops the run; operations already applied stay applied.
// A batch commits at most once; later calls report
// quarry.ErrBatchCommitted.
func (b *Batch) Commit(ctx context.Context) error {
	b.mu.Lock()
	if b.committed {
		b.mu.Unlock()
		return quarry.ErrBatchCommitted
	}
	b.committed = true
	ops := b.ops
	b.ops = nil
	b.mu.Unlock()

	for i, op := range ops {
		if err := op.apply(ctx); err != nil {
			return fmt.Errorf("quarry/batch: commit: op %d (%s): %w", i, op.name, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Job operations
// ---------------------------------------------------------------------------

// SetJobState records a state transition for the job.
func (b *Batch) SetJobState(jobID id.ID, state job.State, reason string, data map[string]string) {
	b.add("set job state", func(ctx context.Context) error {
		_, err := b.jobs.SetState(ctx, jobID, state, reason, data)
		return err
	})
}

// AddJobState records a history-only entry for the job.
func (b *Batch) AddJobState(jobID id.ID, entry job.HistoryEntry) {
	b.add("add job state", func(ctx context.Context) error {
		return b.jobs.AddHistory(ctx, jobID, entry)
	})
}

// AddToQueue records enqueueing the job on the named queue.
func (b *Batch) AddToQueue(queue string, jobID id.ID) {
	b.add("add to queue", func(ctx context.Context) error {
		_, err := b.jobs.Enqueue(ctx, jobID, queue)
		return err
	})
}

// ExpireJob records starting the job's expiration window.
func (b *Batch) ExpireJob(jobID id.ID, expireIn time.Duration) {
	b.add("expire job", func(ctx context.Context) error {
		return b.jobs.Expire(ctx, jobID, expireIn)
	})
}

// PersistJob records clearing the job's expiration window.
func (b *Batch) PersistJob(jobID id.ID) {
	b.add("persist job", func(ctx context.Context) error {
		return b.jobs.Persist(ctx, jobID)
	})
}

// ---------------------------------------------------------------------------
// Counter operations
// ---------------------------------------------------------------------------

// IncrementCounter records adding one to the named counter.
func (b *Batch) IncrementCounter(key string, expireAt *time.Time) {
	b.add("increment counter", func(ctx context.Context) error {
		_, err := b.kv.IncrementCounter(ctx, key, 1, expireAt)
		return err
	})
}

// DecrementCounter records subtracting one from the named counter.
func (b *Batch) DecrementCounter(key string, expireAt *time.Time) {
	b.add("decrement counter", func(ctx context.Context) error {
		_, err := b.kv.IncrementCounter(ctx, key, -1, expireAt)
		return err
	})
}

// ---------------------------------------------------------------------------
// Set operations
// ---------------------------------------------------------------------------

// AddToSet records adding (or rescoring) a set member.
func (b *Batch) AddToSet(key, value string, score float64) {
	b.add("add to set", func(ctx context.Context) error {
		return b.kv.AddToSet(ctx, key, value, score)
	})
}

// RemoveFromSet records removing a set member.
func (b *Batch) RemoveFromSet(key, value string) {
	b.add("remove from set", func(ctx context.Context) error {
		return b.kv.RemoveFromSet(ctx, key, value)
	})
}

// ---------------------------------------------------------------------------
// List operations
// ---------------------------------------------------------------------------

// InsertToList records appending a list element.
func (b *Batch) InsertToList(key, value string) {
	b.add("insert to list", func(ctx context.Context) error {
		return b.kv.InsertToList(ctx, key, value)
	})
}

// RemoveFromList records deleting list elements by value.
func (b *Batch) RemoveFromList(key, value string) {
	b.add("remove from list", func(ctx context.Context) error {
		return b.kv.RemoveFromList(ctx, key, value)
	})
}

// TrimList records trimming the list to the given newest-first range.
func (b *Batch) TrimList(key string, keepFrom, keepTo int) {
	b.add("trim list", func(ctx context.Context) error {
		return b.kv.TrimList(ctx, key, keepFrom, keepTo)
	})
}

// ---------------------------------------------------------------------------
// Hash operations
// ---------------------------------------------------------------------------

// SetRangeInHash records writing hash fields.
func (b *Batch) SetRangeInHash(key string, fields map[string]string) {
	b.add("set range in hash", func(ctx context.Context) error {
		return b.kv.SetRangeInHash(ctx, key, fields)
	})
}

// RemoveHash records deleting a whole hash.
func (b *Batch) RemoveHash(key string) {
	b.add("remove hash", func(ctx context.Context) error {
		return b.kv.RemoveHash(ctx, key)
	})
}
