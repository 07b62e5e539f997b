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
)

// candidatePageSize bounds how many enqueued jobs one fetch attempt
// inspects per queue before moving to the next queue. Lost claim races
// advance within the page.
const candidatePageSize = 10

// Fetcher pulls enqueued jobs for workers.
type Fetcher struct {
	gw       document.Gateway
	resolver *document.Resolver
	jobs     *job.Engine
	cfg      quarry.Config
	logger   *slog.Logger

	collection string
}

// Option configures the Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher builds a fetcher sharing the job engine's gateway.
func NewFetcher(gw document.Gateway, resolver *document.Resolver, jobs *job.Engine, cfg quarry.Config, opts ...Option) (*Fetcher, error) {
	collection, err := resolver.Collection(document.KindJob)
	if err != nil {
		return nil, err
	}

	f := &Fetcher{
		gw:         gw,
		resolver:   resolver,
		jobs:       jobs,
		cfg:        cfg,
		logger:     slog.Default(),
		collection: collection,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// FetchNext claims the next available job, trying queues in the caller's
// order so earlier queues take priority. Within a queue, candidates come
// oldest first by creation time. When every queue is empty it returns
// quarry.ErrNoJob; pollers own the wait-and-retry loop.
func (f *Fetcher) FetchNext(ctx context.Context, workerID string, queues ...string) (*Fetched, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("quarry/queue: fetch: no queues given")
	}

	for _, queue := range queues {
		fetched, err := f.fetchFrom(ctx, workerID, queue)
		if err != nil {
			return nil, err
		}
		if fetched != nil {
			return fetched, nil
		}
	}
	return nil, quarry.ErrNoJob
}

// fetchFrom claims the oldest enqueued job of one queue, or nil when the
// queue has nothing claimable right now.
func (f *Fetcher) fetchFrom(ctx context.Context, workerID, queue string) (*Fetched, error) {
	partition, err := f.resolver.PartitionKey(document.KindJob, queue)
	if err != nil {
		return nil, err
	}

	q := document.Query{
		Collection:   f.collection,
		PartitionKey: partition,
		OrderBy:      "created_at",
		PageSize:     candidatePageSize,
	}.Where("state", document.OpEq, string(job.StateEnqueued))

	page, err := f.gw.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("quarry/queue: fetch from %q: %w", queue, err)
	}
	candidates, err := document.DecodeAll[job.Job](page)
	if err != nil {
		return nil, fmt.Errorf("quarry/queue: fetch from %q: %w", queue, err)
	}

	for i := range candidates {
		candidate := &candidates[i]
		jobID, err := id.ParseJobID(candidate.ID)
		if err != nil {
			return nil, fmt.Errorf("quarry/queue: fetch from %q: job id %q: %w", queue, candidate.ID, err)
		}

		err = f.jobs.Claim(ctx, candidate, workerID)
		switch {
		case err == nil:
			f.logger.Debug("job fetched", "job_id", jobID, "queue", queue, "worker_id", workerID)
			return newFetched(f, jobID, candidate, queue), nil

		case errors.Is(err, quarry.ErrConflict), errors.Is(err, quarry.ErrJobNotFound):
			// Another worker won this candidate. Try the next one.
			continue

		default:
			return nil, err
		}
	}
	return nil, nil
}

// requeue puts a fetched job back at the front of the line for its queue.
func (f *Fetcher) requeue(ctx context.Context, jobID id.ID, queue, reason string) error {
	_, err := f.jobs.SetState(ctx, jobID, job.StateEnqueued, reason, map[string]string{
		"queue":       queue,
		"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil && !errors.Is(err, quarry.ErrJobNotFound) {
		return fmt.Errorf("quarry/queue: requeue %s: %w", jobID, err)
	}
	return nil
}
