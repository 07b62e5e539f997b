// Package monitor provides the read-only projections dashboards are
// built from: aggregate statistics, queue metadata, and paged job
// listings. Everything here is derived by querying the live documents;
// nothing is precomputed or cached.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/document"
	"github.com/xraph/quarry/id"
	"github.com/xraph/quarry/job"
	"github.com/xraph/quarry/server"
)

// Statistics is the aggregate view across the whole storage.
type Statistics struct {
	Enqueued   int64
	Scheduled  int64
	Processing int64
	Succeeded  int64
	Failed     int64
	Deleted    int64
	Servers    int64
	Queues     []QueueMetadata
}

// QueueMetadata describes one queue's current load.
type QueueMetadata struct {
	Queue    string
	Enqueued int64
	Fetched  int64
}

// JobSummary is one row of a paged job listing.
type JobSummary struct {
	JobID     id.ID
	Queue     string
	State     job.State
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobPage is one page of job summaries plus the continuation token for
// the next page.
type JobPage struct {
	Jobs         []JobSummary
	Continuation string
}

// Monitor serves the projections.
type Monitor struct {
	gw       document.Gateway
	resolver *document.Resolver
	jobs     *job.Engine
	servers  *server.Registry
	cfg      quarry.Config

	jobCol string
}

// New builds a monitor sharing the storage subsystems.
func New(gw document.Gateway, resolver *document.Resolver, jobs *job.Engine, servers *server.Registry, cfg quarry.Config) (*Monitor, error) {
	jobCol, err := resolver.Collection(document.KindJob)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		gw:       gw,
		resolver: resolver,
		jobs:     jobs,
		servers:  servers,
		cfg:      cfg,
		jobCol:   jobCol,
	}, nil
}

// Statistics aggregates per-state job counts, the server count, and
// per-queue load. Queues are discovered from server registrations, so a
// queue nobody listens on does not appear.
func (m *Monitor) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{}

	counts := []struct {
		state job.State
		dst   *int64
	}{
		{job.StateEnqueued, &stats.Enqueued},
		{job.StateScheduled, &stats.Scheduled},
		{job.StateProcessing, &stats.Processing},
		{job.StateSucceeded, &stats.Succeeded},
		{job.StateFailed, &stats.Failed},
		{job.StateDeleted, &stats.Deleted},
	}
	for _, c := range counts {
		n, err := m.countByState(ctx, c.state)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}

	servers, err := m.servers.List(ctx)
	if err != nil {
		return nil, err
	}
	stats.Servers = int64(len(servers))

	for _, queue := range registeredQueues(servers) {
		meta, err := m.QueueMetadata(ctx, queue)
		if err != nil {
			return nil, err
		}
		stats.Queues = append(stats.Queues, *meta)
	}
	return stats, nil
}

// countByState counts jobs in one state across all queues.
func (m *Monitor) countByState(ctx context.Context, state job.State) (int64, error) {
	q := document.Query{Collection: m.jobCol}.
		Where("document_type", document.OpEq, string(document.KindJob)).
		Where("state", document.OpEq, string(state))

	n, err := m.gw.Count(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("quarry/monitor: count state %q: %w", state, err)
	}
	return n, nil
}

// QueueMetadata reports one queue's enqueued and fetched counts.
func (m *Monitor) QueueMetadata(ctx context.Context, queue string) (*QueueMetadata, error) {
	partition, err := m.resolver.PartitionKey(document.KindJob, queue)
	if err != nil {
		return nil, err
	}

	enqueued, err := m.gw.Count(ctx, document.Query{
		Collection:   m.jobCol,
		PartitionKey: partition,
	}.Where("state", document.OpEq, string(job.StateEnqueued)))
	if err != nil {
		return nil, fmt.Errorf("quarry/monitor: queue %q: %w", queue, err)
	}

	fetched, err := m.gw.Count(ctx, document.Query{
		Collection:   m.jobCol,
		PartitionKey: partition,
	}.Where("state", document.OpEq, string(job.StateProcessing)))
	if err != nil {
		return nil, fmt.Errorf("quarry/monitor: queue %q: %w", queue, err)
	}

	return &QueueMetadata{Queue: queue, Enqueued: enqueued, Fetched: fetched}, nil
}

// JobsByState lists jobs in a state, newest update first, one page at a
// time. Pass the previous page's continuation to advance.
func (m *Monitor) JobsByState(ctx context.Context, state job.State, continuation string) (*JobPage, error) {
	q := document.Query{
		Collection:   m.jobCol,
		OrderBy:      "updated_at",
		Descending:   true,
		PageSize:     m.cfg.QueryPageSize,
		Continuation: continuation,
	}.Where("document_type", document.OpEq, string(document.KindJob)).
		Where("state", document.OpEq, string(state))

	page, err := m.gw.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("quarry/monitor: jobs by state %q: %w", state, err)
	}
	jobs, err := document.DecodeAll[job.Job](page)
	if err != nil {
		return nil, fmt.Errorf("quarry/monitor: jobs by state %q: %w", state, err)
	}

	out := &JobPage{Continuation: page.Continuation}
	for i := range jobs {
		out.Jobs = append(out.Jobs, summarize(&jobs[i]))
	}
	return out, nil
}

// JobDetails returns the full job document for a drill-down view.
func (m *Monitor) JobDetails(ctx context.Context, jobID id.ID) (*job.Job, error) {
	return m.jobs.Get(ctx, jobID)
}

func summarize(j *job.Job) JobSummary {
	jobID, _ := id.ParseJobID(j.ID)
	reason := ""
	if len(j.History) > 0 {
		reason = j.History[len(j.History)-1].Reason
	}
	return JobSummary{
		JobID:     jobID,
		Queue:     j.QueueName,
		State:     j.State,
		Reason:    reason,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// registeredQueues unions the queue lists of all live servers, keeping
// first-seen order.
func registeredQueues(servers []server.Server) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range servers {
		for _, q := range s.Queues {
			if _, ok := seen[q]; ok {
				continue
			}
			seen[q] = struct{}{}
			out = append(out, q)
		}
	}
	return out
}
