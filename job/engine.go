package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/document"
	"github.com/xraph/quarry/id"
)

// indexPartition is the fixed partition holding job id to queue partition
// mappings. Looking up a job by id alone goes through here instead of a
// cross-partition scan.
const indexPartition = "job-index"

// indexDoc maps a job id to the partition the job document lives in.
type indexDoc struct {
	quarry.Entity `bson:",inline"`

	JobPartition string `bson:"job_partition"`
}

// Engine implements the job lifecycle over the document gateway.
type Engine struct {
	gw       document.Gateway
	resolver *document.Resolver
	cfg      quarry.Config
	logger   *slog.Logger

	collection string
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine builds a job engine on top of the gateway.
func NewEngine(gw document.Gateway, resolver *document.Resolver, cfg quarry.Config, opts ...Option) (*Engine, error) {
	collection, err := resolver.Collection(document.KindJob)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		gw:         gw,
		resolver:   resolver,
		cfg:        cfg,
		logger:     slog.Default(),
		collection: collection,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Create persists a new job in the created state with the default
// expiration window. The job is invisible to workers until it is moved to
// enqueued.
func (e *Engine) Create(ctx context.Context, queue string, inv Invocation, params map[string]string, createdAt time.Time) (id.ID, error) {
	return e.CreateExpired(ctx, queue, inv, params, createdAt, e.cfg.JobExpiration)
}

// CreateExpired persists a new job that expires expireIn after createdAt.
// Jobs start expiring at creation; a later Persist call clears the window
// once the job reaches a state worth keeping.
func (e *Engine) CreateExpired(ctx context.Context, queue string, inv Invocation, params map[string]string, createdAt time.Time, expireIn time.Duration) (id.ID, error) {
	if err := inv.Validate(); err != nil {
		return id.Nil, fmt.Errorf("quarry/job: create: %w", err)
	}

	partition, err := e.resolver.PartitionKey(document.KindJob, queue)
	if err != nil {
		return id.Nil, err
	}

	jobID := id.NewJobID()
	expireAt := createdAt.Add(expireIn)

	// The index entry goes in first. If the job insert below fails the
	// orphaned entry is harmless: lookups through it fall back to not
	// found, and it carries the same expiration as the job would have.
	idx := indexDoc{
		Entity: quarry.Entity{
			ID:           jobID.String(),
			PartitionKey: indexPartition,
			DocumentType: string(document.KindJob),
			ExpireAt:     &expireAt,
		},
		JobPartition: partition,
	}
	if err := e.gw.Upsert(ctx, e.collection, &idx); err != nil {
		return id.Nil, fmt.Errorf("quarry/job: create %s: index: %w", jobID, err)
	}

	j := Job{
		Entity: quarry.Entity{
			ID:           jobID.String(),
			PartitionKey: partition,
			DocumentType: string(document.KindJob),
			ExpireAt:     &expireAt,
		},
		QueueName:  queue,
		Invocation: inv,
		Parameters: params,
		CreatedAt:  createdAt,
	}
	j.applyState(StateCreated, "job created", nil, createdAt)

	if err := e.gw.Create(ctx, e.collection, &j); err != nil {
		return id.Nil, fmt.Errorf("quarry/job: create %s: %w", jobID, err)
	}

	e.logger.Debug("job created", "job_id", jobID, "queue", queue)
	return jobID, nil
}

// Get loads a job by id. The fast path resolves the queue partition
// through the index; jobs created before the index existed fall back to a
// cross-partition query and have their index entry backfilled.
func (e *Engine) Get(ctx context.Context, jobID id.ID) (*Job, error) {
	var idx indexDoc
	err := e.gw.Get(ctx, e.collection, jobID.String(), indexPartition, &idx)
	switch {
	case err == nil:
		var j Job
		if err := e.gw.Get(ctx, e.collection, jobID.String(), idx.JobPartition, &j); err != nil {
			if errors.Is(err, quarry.ErrNotFound) {
				return nil, fmt.Errorf("quarry/job: get %s: %w", jobID, quarry.ErrJobNotFound)
			}
			return nil, fmt.Errorf("quarry/job: get %s: %w", jobID, err)
		}
		return &j, nil

	case errors.Is(err, quarry.ErrNotFound):
		return e.getSlow(ctx, jobID)

	default:
		return nil, fmt.Errorf("quarry/job: get %s: index: %w", jobID, err)
	}
}

// getSlow finds a job without an index entry by scanning across
// partitions, then repairs the index for the next lookup.
func (e *Engine) getSlow(ctx context.Context, jobID id.ID) (*Job, error) {
	// The index entry shares the job's id, so the scan must skip the
	// index partition to land on the job document itself.
	q := document.Query{
		Collection: e.collection,
		PageSize:   1,
	}.Where("id", document.OpEq, jobID.String()).
		Where("document_type", document.OpEq, string(document.KindJob)).
		Where("partition_key", document.OpNe, indexPartition)

	page, err := e.gw.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("quarry/job: get %s: scan: %w", jobID, err)
	}
	jobs, err := document.DecodeAll[Job](page)
	if err != nil {
		return nil, fmt.Errorf("quarry/job: get %s: %w", jobID, err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("quarry/job: get %s: %w", jobID, quarry.ErrJobNotFound)
	}
	j := jobs[0]

	idx := indexDoc{
		Entity: quarry.Entity{
			ID:           jobID.String(),
			PartitionKey: indexPartition,
			DocumentType: string(document.KindJob),
			ExpireAt:     j.ExpireAt,
		},
		JobPartition: j.Entity.PartitionKey,
	}
	if err := e.gw.Upsert(ctx, e.collection, &idx); err != nil {
		e.logger.Warn("job index backfill failed", "job_id", jobID, "error", err)
	}

	return &j, nil
}

// conflictRetries bounds the reapply loop on etag conflicts. Transitions
// are tiny writes, so contention clears in a round or two.
const conflictRetries = 5

// update runs a load, mutate, write-back cycle under etag protection,
// reapplying the mutation on conflict. A false return from mutate skips
// the write. A missing job is reported as quarry.ErrJobNotFound.
func (e *Engine) update(ctx context.Context, jobID id.ID, mutate func(*Job) bool) (*Job, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		j, err := e.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if !mutate(j) {
			return j, nil
		}

		err = e.gw.Replace(ctx, e.collection, j)
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, quarry.ErrConflict) {
			return nil, fmt.Errorf("quarry/job: update %s: %w", jobID, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("quarry/job: update %s: contention not clearing: %w", jobID, lastErr)
}

// SetState transitions a job to a new state, appending the transition to
// its history.
func (e *Engine) SetState(ctx context.Context, jobID id.ID, state State, reason string, data map[string]string) (*Job, error) {
	j, err := e.update(ctx, jobID, func(j *Job) bool {
		j.applyState(state, reason, data, time.Now().UTC())
		return true
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("job state changed", "job_id", jobID, "state", state, "reason", reason)
	return j, nil
}

// AddHistory appends a history entry without changing the current state.
func (e *Engine) AddHistory(ctx context.Context, jobID id.ID, entry HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := e.update(ctx, jobID, func(j *Job) bool {
		j.appendHistory(entry, entry.CreatedAt)
		return true
	})
	return err
}

// GetParameter returns a job parameter value, or "" when unset.
func (e *Engine) GetParameter(ctx context.Context, jobID id.ID, name string) (string, error) {
	j, err := e.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.Parameters[name], nil
}

// SetParameter stores a job parameter, overwriting any previous value.
func (e *Engine) SetParameter(ctx context.Context, jobID id.ID, name, value string) error {
	_, err := e.update(ctx, jobID, func(j *Job) bool {
		if j.Parameters == nil {
			j.Parameters = make(map[string]string, 1)
		}
		j.Parameters[name] = value
		return true
	})
	return err
}

// Expire schedules the job document and its index entry for removal after
// the given window.
func (e *Engine) Expire(ctx context.Context, jobID id.ID, expireIn time.Duration) error {
	expireAt := time.Now().UTC().Add(expireIn)
	return e.setExpiration(ctx, jobID, &expireAt)
}

// Persist clears the expiration window so the job is kept indefinitely.
func (e *Engine) Persist(ctx context.Context, jobID id.ID) error {
	return e.setExpiration(ctx, jobID, nil)
}

func (e *Engine) setExpiration(ctx context.Context, jobID id.ID, expireAt *time.Time) error {
	j, err := e.update(ctx, jobID, func(j *Job) bool {
		j.Entity.ExpireAt = expireAt
		return true
	})
	if err != nil {
		return err
	}

	idx := indexDoc{
		Entity: quarry.Entity{
			ID:           jobID.String(),
			PartitionKey: indexPartition,
			DocumentType: string(document.KindJob),
			ExpireAt:     expireAt,
		},
		JobPartition: j.Entity.PartitionKey,
	}
	if err := e.gw.Upsert(ctx, e.collection, &idx); err != nil {
		return fmt.Errorf("quarry/job: expire %s: index: %w", jobID, err)
	}
	return nil
}

// Delete moves a job to the deleted state and starts its expiration
// window. The document stays queryable until the window elapses.
func (e *Engine) Delete(ctx context.Context, jobID id.ID, reason string) error {
	if _, err := e.SetState(ctx, jobID, StateDeleted, reason, nil); err != nil {
		return err
	}
	return e.Expire(ctx, jobID, e.cfg.JobExpiration)
}

// Data is the read model handed to execution frameworks: enough to
// resolve and run the job without exposing storage internals.
type Data struct {
	Invocation Invocation
	State      State
	CreatedAt  time.Time
}

// GetData returns the execution view of a job. An invocation that no
// longer validates is reported alongside the data so the caller can fail
// the job rather than crash on it.
func (e *Engine) GetData(ctx context.Context, jobID id.ID) (*Data, error) {
	j, err := e.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	d := &Data{
		Invocation: j.Invocation,
		State:      j.State,
		CreatedAt:  j.CreatedAt,
	}
	if err := j.Invocation.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// Claim moves an enqueued or scheduled job to processing in a single
// etag-guarded write. Exactly one concurrent claimer wins; the rest get
// quarry.ErrConflict. A job already past those states reports
// quarry.ErrJobNotFound.
func (e *Engine) Claim(ctx context.Context, j *Job, workerID string) error {
	if !j.InState(StateEnqueued, StateScheduled) {
		return fmt.Errorf("quarry/job: claim %s in state %q: %w", j.ID, j.State, quarry.ErrJobNotFound)
	}

	j.applyState(StateProcessing, "claimed by worker", map[string]string{"worker_id": workerID}, time.Now().UTC())
	if err := e.gw.Replace(ctx, e.collection, j); err != nil {
		return fmt.Errorf("quarry/job: claim %s: %w", j.ID, err)
	}
	return nil
}

// Enqueue transitions a job into the enqueued state for a queue, making
// it visible to workers fetching from that queue. A job created on a
// different queue is relocated to the target queue's partition first, so
// fetchers there can see it.
func (e *Engine) Enqueue(ctx context.Context, jobID id.ID, queue string) (*Job, error) {
	data := map[string]string{
		"queue":       queue,
		"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
	}

	j, err := e.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.QueueName == queue {
		return e.SetState(ctx, jobID, StateEnqueued, "enqueued", data)
	}
	return e.move(ctx, jobID, queue, data)
}

// move relocates a job document into another queue's partition and
// enqueues it there. The order is copy, repoint index, delete original:
// a lookup mid-move always resolves to a live document, and a failed
// delete leaves a stale copy for expiration to reclaim.
func (e *Engine) move(ctx context.Context, jobID id.ID, queue string, data map[string]string) (*Job, error) {
	partition, err := e.resolver.PartitionKey(document.KindJob, queue)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		j, err := e.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.Entity.PartitionKey == partition {
			// A concurrent mover already landed it on the target queue.
			return e.SetState(ctx, jobID, StateEnqueued, "enqueued", data)
		}
		source := j.Entity.PartitionKey

		moved := *j
		moved.Entity.PartitionKey = partition
		moved.Entity.ETag = ""
		moved.QueueName = queue
		moved.applyState(StateEnqueued, "enqueued", data, time.Now().UTC())

		if err := e.gw.Create(ctx, e.collection, &moved); err != nil {
			if errors.Is(err, quarry.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("quarry/job: enqueue %s to %q: %w", jobID, queue, err)
		}

		idx := indexDoc{
			Entity: quarry.Entity{
				ID:           jobID.String(),
				PartitionKey: indexPartition,
				DocumentType: string(document.KindJob),
				ExpireAt:     moved.Entity.ExpireAt,
			},
			JobPartition: partition,
		}
		if err := e.gw.Upsert(ctx, e.collection, &idx); err != nil {
			return nil, fmt.Errorf("quarry/job: enqueue %s to %q: index: %w", jobID, queue, err)
		}

		if err := e.gw.Delete(ctx, e.collection, jobID.String(), source); err != nil && !errors.Is(err, quarry.ErrNotFound) {
			e.logger.Warn("stale job copy left after queue move, expiry will reclaim",
				"job_id", jobID, "queue", queue, "error", err)
		}

		e.logger.Debug("job moved", "job_id", jobID, "from", source, "queue", queue)
		return &moved, nil
	}
	return nil, fmt.Errorf("quarry/job: enqueue %s to %q: contention not clearing: %w", jobID, queue, lastErr)
}
