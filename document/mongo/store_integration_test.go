//go:build integration

package mongo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	mongomodule "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/document"
	mongostore "github.com/xraph/quarry/document/mongo"
	"github.com/xraph/quarry/engine"
	"github.com/xraph/quarry/job"
)

// setupTestStore starts a MongoDB container and returns a migrated Store.
func setupTestStore(t *testing.T) (*mongostore.Store, quarry.Config) {
	t.Helper()

	ctx := context.Background()

	container, err := mongomodule.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("start mongodb container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(ctx)
	})

	cfg := quarry.DefaultConfig()
	resolver := document.NewResolver(cfg)
	store := mongostore.New(client.Database("quarry_test"), resolver)

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store, cfg
}

type testDoc struct {
	quarry.Entity `bson:",inline"`

	Name  string `bson:"name"`
	Score int64  `bson:"score"`
}

func TestMongoCRUD(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	doc := &testDoc{
		Entity: quarry.Entity{ID: "a", PartitionKey: "p1", DocumentType: "test"},
		Name:   "first",
	}
	if err := store.Create(ctx, "quarry_jobs", doc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, "quarry_jobs", doc); !errors.Is(err, quarry.ErrConflict) {
		t.Fatalf("duplicate Create() error = %v, want ErrConflict", err)
	}

	var got testDoc
	if err := store.Get(ctx, "quarry_jobs", "a", "p1", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "first" || got.ETag == "" {
		t.Errorf("Get() = %+v, want name and etag", got)
	}

	got.Name = "updated"
	if err := store.Replace(ctx, "quarry_jobs", &got); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	stale := got
	stale.ETag = "stale"
	if err := store.Replace(ctx, "quarry_jobs", &stale); !errors.Is(err, quarry.ErrConflict) {
		t.Fatalf("stale Replace() error = %v, want ErrConflict", err)
	}

	if err := store.Delete(ctx, "quarry_jobs", "a", "p1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Get(ctx, "quarry_jobs", "a", "p1", &got); !errors.Is(err, quarry.ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMongoExpiredDocumentInvisible(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	doc := &testDoc{
		Entity: quarry.Entity{ID: "exp", PartitionKey: "p1", DocumentType: "test", ExpireAt: &past},
	}
	if err := store.Create(ctx, "quarry_jobs", doc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// The TTL monitor runs every minute; visibility must not wait for it.
	var got testDoc
	if err := store.Get(ctx, "quarry_jobs", "exp", "p1", &got); !errors.Is(err, quarry.ErrNotFound) {
		t.Fatalf("Get() on expired error = %v, want ErrNotFound", err)
	}

	// The expired slot is creatable again before the reaper runs.
	fresh := &testDoc{
		Entity: quarry.Entity{ID: "exp", PartitionKey: "p1", DocumentType: "test"},
		Name:   "fresh",
	}
	if err := store.Create(ctx, "quarry_jobs", fresh); err != nil {
		t.Fatalf("Create() over expired error = %v", err)
	}
}

func TestMongoIncrement(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		v, err := store.Increment(ctx, "quarry_counters", "c1", "counters", 1, nil)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if v != i {
			t.Errorf("Increment() = %d, want %d", v, i)
		}
	}
}

func TestMongoQueryPagination(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"alpha", "bravo", "charlie"} {
		doc := &testDoc{
			Entity: quarry.Entity{ID: name, PartitionKey: "p1", DocumentType: "test"},
			Name:   name,
			Score:  int64(i),
		}
		if err := store.Create(ctx, "quarry_jobs", doc); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}

	q := document.Query{
		Collection:   "quarry_jobs",
		PartitionKey: "p1",
		OrderBy:      "score",
		PageSize:     2,
	}
	first, err := store.Query(ctx, q)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(first.Documents) != 2 || first.Continuation == "" {
		t.Fatalf("first page = %d docs, token %q", len(first.Documents), first.Continuation)
	}

	q.Continuation = first.Continuation
	second, err := store.Query(ctx, q)
	if err != nil {
		t.Fatalf("Query(continuation) error = %v", err)
	}
	if len(second.Documents) != 1 || second.Continuation != "" {
		t.Fatalf("second page = %d docs, token %q", len(second.Documents), second.Continuation)
	}

	docs, err := document.DecodeAll[testDoc](second)
	if err != nil {
		t.Fatalf("DecodeAll() error = %v", err)
	}
	if docs[0].Name != "charlie" {
		t.Errorf("second page doc = %q, want charlie", docs[0].Name)
	}
}

// TestMongoEngineRoundTrip drives the full facade against a real
// MongoDB: create, enqueue, fetch, transition, verify.
func TestMongoEngineRoundTrip(t *testing.T) {
	store, cfg := setupTestStore(t)
	ctx := context.Background()

	e, err := engine.New(store, cfg)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}

	inv := job.Invocation{Type: "Acme.Jobs.Cleanup", Method: "Run"}
	jobID, err := e.CreateExpiredJob(ctx, "default", inv, nil, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("CreateExpiredJob() error = %v", err)
	}

	tx := e.BeginTransaction()
	tx.AddToQueue("default", jobID)
	tx.IncrementCounter("stats:enqueued", nil)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	fetched, err := e.FetchNextJob(ctx, "worker-1", "default")
	if err != nil {
		t.Fatalf("FetchNextJob() error = %v", err)
	}
	fetched.Acknowledge()
	if fetched.JobID() != jobID {
		t.Errorf("fetched %s, want %s", fetched.JobID(), jobID)
	}

	data, err := e.GetJobData(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJobData() error = %v", err)
	}
	if data.State != job.StateProcessing {
		t.Errorf("State = %q, want %q", data.State, job.StateProcessing)
	}

	if n, err := e.GetCounter(ctx, "stats:enqueued"); err != nil || n != 1 {
		t.Errorf("GetCounter() = %d, %v, want 1", n, err)
	}
}
