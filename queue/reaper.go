package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/document"
	"github.com/xraph/quarry/id"
	"github.com/xraph/quarry/job"
	"github.com/xraph/quarry/lock"
)

// reaperLockResource guards the sweep so only one server reaps at a time.
const reaperLockResource = "job-reaper"

// reaperLockTimeout bounds how long a crashed reaper blocks the next one.
const reaperLockTimeout = time.Minute

// Reaper returns jobs stuck in processing to their queues. A claim whose
// last update is older than the threshold belongs to a worker that died
// without settling its handle.
type Reaper struct {
	gw       document.Gateway
	resolver *document.Resolver
	fetcher  *Fetcher
	locks    *lock.Manager
	logger   *slog.Logger

	collection string
	threshold  time.Duration
}

// ReaperOption configures the Reaper.
type ReaperOption func(*Reaper)

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper builds a reaper. Threshold comes from the fetch timeout: a
// healthy worker settles its handle well inside that window.
func NewReaper(gw document.Gateway, resolver *document.Resolver, fetcher *Fetcher, locks *lock.Manager, cfg quarry.Config, opts ...ReaperOption) (*Reaper, error) {
	collection, err := resolver.Collection(document.KindJob)
	if err != nil {
		return nil, err
	}

	r := &Reaper{
		gw:         gw,
		resolver:   resolver,
		fetcher:    fetcher,
		locks:      locks,
		logger:     slog.Default(),
		collection: collection,
		threshold:  cfg.FetchTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reap requeues stale claims across the given queues and reports how many
// jobs it returned. When another server holds the reaper lock the sweep
// is skipped with a zero count, not an error.
func (r *Reaper) Reap(ctx context.Context, queues ...string) (int, error) {
	handle, err := r.locks.Acquire(ctx, reaperLockResource, reaperLockTimeout)
	if errors.Is(err, quarry.ErrLockUnavailable) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quarry/queue: reap: %w", err)
	}
	defer handle.Release(ctx)

	cutoff := time.Now().UTC().Add(-r.threshold)
	requeued := 0
	for _, queue := range queues {
		n, err := r.reapQueue(ctx, queue, cutoff)
		requeued += n
		if err != nil {
			return requeued, err
		}
	}
	return requeued, nil
}

// reapQueue requeues stale processing jobs of one queue.
func (r *Reaper) reapQueue(ctx context.Context, queue string, cutoff time.Time) (int, error) {
	partition, err := r.resolver.PartitionKey(document.KindJob, queue)
	if err != nil {
		return 0, err
	}

	q := document.Query{
		Collection:   r.collection,
		PartitionKey: partition,
		OrderBy:      "updated_at",
	}.Where("state", document.OpEq, string(job.StateProcessing)).
		Where("updated_at", document.OpLt, cutoff)

	// Requeued jobs drop out of the filter, so each pass re-reads the
	// first page until a pass makes no progress.
	requeued := 0
	for {
		page, err := r.gw.Query(ctx, q)
		if err != nil {
			return requeued, fmt.Errorf("quarry/queue: reap %q: %w", queue, err)
		}
		stale, err := document.DecodeAll[job.Job](page)
		if err != nil {
			return requeued, fmt.Errorf("quarry/queue: reap %q: %w", queue, err)
		}
		if len(stale) == 0 {
			return requeued, nil
		}

		progressed := false
		for i := range stale {
			jobID, err := id.ParseJobID(stale[i].ID)
			if err != nil {
				r.logger.Warn("skipping job with malformed id", "id", stale[i].ID)
				continue
			}
			if err := r.fetcher.requeue(ctx, jobID, queue, "Requeued by reaper: stale claim"); err != nil {
				return requeued, err
			}
			r.logger.Info("stale claim requeued", "job_id", jobID, "queue", queue)
			requeued++
			progressed = true
		}
		if !progressed {
			return requeued, nil
		}
	}
}
