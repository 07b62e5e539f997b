package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/document"
	"github.com/xraph/quarry/document/memory"
	"github.com/xraph/quarry/id"
	"github.com/xraph/quarry/job"
	"github.com/xraph/quarry/kv"
)

type fixture struct {
	jobs *job.Engine
	kv   *kv.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := quarry.DefaultConfig()
	store := memory.New()
	resolver := document.NewResolver(cfg)

	jobs, err := job.NewEngine(store, resolver, cfg)
	if err != nil {
		t.Fatalf("job.NewEngine() error = %v", err)
	}
	kvStore, err := kv.NewStore(store, resolver)
	if err != nil {
		t.Fatalf("kv.NewStore() error = %v", err)
	}
	return &fixture{jobs: jobs, kv: kvStore}
}

func (f *fixture) createJob(t *testing.T) id.ID {
	t.Helper()

	inv := job.Invocation{Type: "Acme.Jobs.Cleanup", Method: "Run"}
	jobID, err := f.jobs.Create(context.Background(), "default", inv, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return jobID
}

func TestBatchNothingHappensBeforeCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := New(f.jobs, f.kv)
	b.IncrementCounter("stats:succeeded", nil)
	b.AddToSet("schedule", "job-a", 100)

	if got, _ := f.kv.GetCounter(ctx, "stats:succeeded"); got != 0 {
		t.Errorf("counter before commit = %d, want 0", got)
	}
	if n, _ := f.kv.SetCount(ctx, "schedule"); n != 0 {
		t.Errorf("set count before commit = %d, want 0", n)
	}
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}
}

func TestBatchCommitAppliesInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID := f.createJob(t)

	b := New(f.jobs, f.kv)
	b.SetJobState(jobID, job.StateEnqueued, "enqueued", nil)
	b.AddToQueue("default", jobID)
	b.IncrementCounter("stats:enqueued", nil)
	b.SetRangeInHash("recurring:cleanup", map[string]string{"LastJobId": jobID.String()})

	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	j, err := f.jobs.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if j.State != job.StateEnqueued {
		t.Errorf("job state = %q, want %q", j.State, job.StateEnqueued)
	}
	// Both transitions landed, in registration order.
	if len(j.History) != 3 {
		t.Errorf("len(History) = %d, want 3", len(j.History))
	}

	if got, _ := f.kv.GetCounter(ctx, "stats:enqueued"); got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}
	fields, err := f.kv.HashGetAll(ctx, "recurring:cleanup")
	if err != nil {
		t.Fatalf("HashGetAll() error = %v", err)
	}
	if fields["LastJobId"] != jobID.String() {
		t.Errorf("hash LastJobId = %q, want %q", fields["LastJobId"], jobID)
	}
}

func TestBatchAddToQueueMovesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Created on default, queued on critical via the batch: the job must
	// end up on the critical queue, not just annotated with its name.
	jobID := f.createJob(t)

	b := New(f.jobs, f.kv)
	b.AddToQueue("critical", jobID)
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	j, err := f.jobs.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if j.QueueName != "critical" {
		t.Errorf("QueueName = %q, want %q", j.QueueName, "critical")
	}
	if j.State != job.StateEnqueued {
		t.Errorf("State = %q, want %q", j.State, job.StateEnqueued)
	}
}

func TestBatchFirstFailureAbortsRest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := New(f.jobs, f.kv)
	b.IncrementCounter("stats:first", nil)
	b.SetJobState(id.NewJobID(), job.StateFailed, "boom", nil) // unknown job
	b.IncrementCounter("stats:second", nil)

	err := b.Commit(ctx)
	if !errors.Is(err, quarry.ErrJobNotFound) {
		t.Fatalf("Commit() error = %v, want ErrJobNotFound", err)
	}

	// Applied before the failure stays applied; after it, untouched.
	if got, _ := f.kv.GetCounter(ctx, "stats:first"); got != 1 {
		t.Errorf("first counter = %d, want 1", got)
	}
	if got, _ := f.kv.GetCounter(ctx, "stats:second"); got != 0 {
		t.Errorf("second counter = %d, want 0", got)
	}
}

func TestBatchCommitOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := New(f.jobs, f.kv)
	b.IncrementCounter("stats:succeeded", nil)

	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := b.Commit(ctx); !errors.Is(err, quarry.ErrBatchCommitted) {
		t.Fatalf("second Commit() error = %v, want ErrBatchCommitted", err)
	}

	// Operations recorded after commit are dropped.
	b.IncrementCounter("stats:succeeded", nil)
	if b.Len() != 0 {
		t.Errorf("Len() after commit = %d, want 0", b.Len())
	}
	if got, _ := f.kv.GetCounter(ctx, "stats:succeeded"); got != 1 {
		t.Errorf("counter = %d, want 1", got)
	}
}
