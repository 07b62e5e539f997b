package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/batch"
	"github.com/xraph/quarry/document"
	"github.com/xraph/quarry/id"
	"github.com/xraph/quarry/job"
	"github.com/xraph/quarry/kv"
	"github.com/xraph/quarry/lock"
	"github.com/xraph/quarry/monitor"
	"github.com/xraph/quarry/observability"
	"github.com/xraph/quarry/queue"
	"github.com/xraph/quarry/resilience"
	"github.com/xraph/quarry/server"
)

// Engine is the assembled storage facade.
type Engine struct {
	cfg      quarry.Config
	logger   *slog.Logger
	gateway  document.Gateway
	resolver *document.Resolver

	jobs    *job.Engine
	fetcher *queue.Fetcher
	reaper  *queue.Reaper
	locks   *lock.Manager
	servers *server.Registry
	kv      *kv.Store
	monitor *monitor.Monitor
}

// Option configures the Engine.
type Option func(*options)

type options struct {
	logger *slog.Logger
	plain  bool
}

// WithLogger sets the logger shared by all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPlainGateway skips the resilience and telemetry decorators, for
// callers that wrap the gateway themselves.
func WithPlainGateway() Option {
	return func(o *options) {
		o.plain = true
	}
}

// New assembles an engine over the given gateway. By default the gateway
// is wrapped with the circuit breaker and OpenTelemetry instrumentation;
// WithPlainGateway opts out.
func New(gw document.Gateway, cfg quarry.Config, opts ...Option) (*Engine, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	if !o.plain {
		gw = observability.Wrap(resilience.Wrap(gw, cfg.Breaker, resilience.WithLogger(o.logger)))
	}
	resolver := document.NewResolver(cfg)

	jobs, err := job.NewEngine(gw, resolver, cfg, job.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	fetcher, err := queue.NewFetcher(gw, resolver, jobs, cfg, queue.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	locks, err := lock.NewManager(gw, resolver, lock.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	reaper, err := queue.NewReaper(gw, resolver, fetcher, locks, cfg, queue.WithReaperLogger(o.logger))
	if err != nil {
		return nil, err
	}
	servers, err := server.NewRegistry(gw, resolver, cfg, server.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	kvStore, err := kv.NewStore(gw, resolver, kv.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	mon, err := monitor.New(gw, resolver, jobs, servers, cfg)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		logger:   o.logger,
		gateway:  gw,
		resolver: resolver,
		jobs:     jobs,
		fetcher:  fetcher,
		reaper:   reaper,
		locks:    locks,
		servers:  servers,
		kv:       kvStore,
		monitor:  mon,
	}, nil
}

// Gateway exposes the decorated document gateway, mainly for migrations
// and diagnostics.
func (e *Engine) Gateway() document.Gateway { return e.gateway }

// Resolver exposes the collection and partition resolver.
func (e *Engine) Resolver() *document.Resolver { return e.resolver }

// Monitor exposes the monitoring projections.
func (e *Engine) Monitor() *monitor.Monitor { return e.monitor }

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// CreateExpiredJob persists a new job that expires expireIn after
// createdAt, returning its id.
func (e *Engine) CreateExpiredJob(ctx context.Context, queueName string, inv job.Invocation, params map[string]string, createdAt time.Time, expireIn time.Duration) (id.ID, error) {
	return e.jobs.CreateExpired(ctx, queueName, inv, params, createdAt, expireIn)
}

// GetJobData returns the execution view of a job.
func (e *Engine) GetJobData(ctx context.Context, jobID id.ID) (*job.Data, error) {
	return e.jobs.GetData(ctx, jobID)
}

// GetJobParameter returns a job parameter value, or "" when unset.
func (e *Engine) GetJobParameter(ctx context.Context, jobID id.ID, name string) (string, error) {
	return e.jobs.GetParameter(ctx, jobID, name)
}

// SetJobParameter stores a job parameter.
func (e *Engine) SetJobParameter(ctx context.Context, jobID id.ID, name, value string) error {
	return e.jobs.SetParameter(ctx, jobID, name, value)
}

// ---------------------------------------------------------------------------
// Fetch protocol
// ---------------------------------------------------------------------------

// FetchNextJob claims the next available job from the prioritized queue
// list, or quarry.ErrNoJob when every queue is empty.
func (e *Engine) FetchNextJob(ctx context.Context, workerID string, queues ...string) (*queue.Fetched, error) {
	return e.fetcher.FetchNext(ctx, workerID, queues...)
}

// ReapStaleClaims returns jobs stuck in processing to their queues.
func (e *Engine) ReapStaleClaims(ctx context.Context, queues ...string) (int, error) {
	return e.reaper.Reap(ctx, queues...)
}

// ---------------------------------------------------------------------------
// Batches
// ---------------------------------------------------------------------------

// BeginTransaction starts an empty write batch.
func (e *Engine) BeginTransaction() *batch.Batch {
	return batch.New(e.jobs, e.kv)
}

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

// AcquireLock takes a distributed lock on the named resource.
func (e *Engine) AcquireLock(ctx context.Context, resource string, timeout time.Duration) (*lock.Handle, error) {
	return e.locks.Acquire(ctx, resource, timeout)
}

// ---------------------------------------------------------------------------
// Servers
// ---------------------------------------------------------------------------

// AnnounceServer registers a processing server.
func (e *Engine) AnnounceServer(ctx context.Context, a server.Announcement) error {
	return e.servers.Announce(ctx, a)
}

// HeartbeatServer refreshes a server's liveness stamp.
func (e *Engine) HeartbeatServer(ctx context.Context, serverID id.ID) error {
	return e.servers.Heartbeat(ctx, serverID)
}

// RemoveServer deletes a server registration.
func (e *Engine) RemoveServer(ctx context.Context, serverID id.ID) error {
	return e.servers.Remove(ctx, serverID)
}

// RemoveTimedOutServers sweeps servers whose last heartbeat is older
// than the threshold.
func (e *Engine) RemoveTimedOutServers(ctx context.Context, threshold time.Duration) (int, error) {
	return e.servers.RemoveTimedOut(ctx, threshold)
}

// Servers lists all live server registrations.
func (e *Engine) Servers(ctx context.Context) ([]server.Server, error) {
	return e.servers.List(ctx)
}

// ---------------------------------------------------------------------------
// Keyed collections
// ---------------------------------------------------------------------------

// GetCounter returns a counter's current value; missing counters read as
// zero.
func (e *Engine) GetCounter(ctx context.Context, key string) (int64, error) {
	return e.kv.GetCounter(ctx, key)
}

// GetRangeFromSet returns set member values ordered by ascending score.
func (e *Engine) GetRangeFromSet(ctx context.Context, key string, from, to int) ([]string, error) {
	return e.kv.SetRange(ctx, key, from, to)
}

// GetSetCount returns a set's cardinality.
func (e *Engine) GetSetCount(ctx context.Context, key string) (int64, error) {
	return e.kv.SetCount(ctx, key)
}

// GetFirstByLowestScoreFromSet returns the lowest-scored member inside
// the score window.
func (e *Engine) GetFirstByLowestScoreFromSet(ctx context.Context, key string, fromScore, toScore float64) (string, error) {
	return e.kv.FirstByLowestScore(ctx, key, fromScore, toScore)
}

// GetAllEntriesFromHash returns every field of a hash.
func (e *Engine) GetAllEntriesFromHash(ctx context.Context, key string) (map[string]string, error) {
	return e.kv.HashGetAll(ctx, key)
}

// GetRangeFromList returns list element values, newest first.
func (e *Engine) GetRangeFromList(ctx context.Context, key string, from, to int) ([]string, error) {
	return e.kv.ListRange(ctx, key, from, to)
}

// GetListCount returns a list's length.
func (e *Engine) GetListCount(ctx context.Context, key string) (int64, error) {
	return e.kv.ListCount(ctx, key)
}
