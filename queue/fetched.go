package queue

import (
	"context"
	"sync"

	"github.com/xraph/quarry/id"
	"github.com/xraph/quarry/job"
)

// Fetched is the handle for one claimed job. The worker must settle it:
// Acknowledge on success, Requeue to hand it back. Close without a prior
// settlement requeues, so a handle that falls out of scope on a crash
// path never strands its job in processing.
//
// All settlement methods are idempotent; after the first one the rest are
// no-ops.
type Fetched struct {
	fetcher *Fetcher
	jobID   id.ID
	job     *job.Job
	queue   string

	mu      sync.Mutex
	settled bool
}

func newFetched(f *Fetcher, jobID id.ID, j *job.Job, queue string) *Fetched {
	return &Fetched{fetcher: f, jobID: jobID, job: j, queue: queue}
}

// JobID returns the claimed job's id.
func (f *Fetched) JobID() id.ID { return f.jobID }

// Job returns the claimed job document as of the claim.
func (f *Fetched) Job() *job.Job { return f.job }

// Queue returns the queue the job was fetched from.
func (f *Fetched) Queue() string { return f.queue }

// Acknowledge marks the claim as consumed. The job stays in processing;
// the execution framework drives it to its terminal state.
func (f *Fetched) Acknowledge() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = true
}

// Requeue hands the job back to its queue with a fresh enqueue time.
func (f *Fetched) Requeue(ctx context.Context) error {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return nil
	}
	f.settled = true
	f.mu.Unlock()

	return f.fetcher.requeue(ctx, f.jobID, f.queue, "Requeued")
}

// Close settles an undecided handle by requeueing its job. Safe to defer
// unconditionally next to Acknowledge.
func (f *Fetched) Close(ctx context.Context) error {
	return f.Requeue(ctx)
}
