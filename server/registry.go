package server

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

// Registry manages server registrations over the document gateway.
type Registry struct {
	gw       document.Gateway
	resolver *document.Resolver
	cfg      quarry.Config
	logger   *slog.Logger

	collection string
	partition  string
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry builds a server registry on top of the gateway.
func NewRegistry(gw document.Gateway, resolver *document.Resolver, cfg quarry.Config, opts ...Option) (*Registry, error) {
	collection, err := resolver.Collection(document.KindServer)
	if err != nil {
		return nil, err
	}
	partition, err := resolver.PartitionKey(document.KindServer, "")
	if err != nil {
		return nil, err
	}

	r := &Registry{
		gw:         gw,
		resolver:   resolver,
		cfg:        cfg,
		logger:     slog.Default(),
		collection: collection,
		partition:  partition,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Announcement carries the registration details a server reports at
// startup.
type Announcement struct {
	ServerID    id.ID
	WorkerCount int
	Queues      []string
	Host        string
	StartedAt   time.Time
}

// Announce registers a server, overwriting any previous registration
// under the same id. Registrations expire at the server timeout unless
// refreshed by heartbeats.
func (r *Registry) Announce(ctx context.Context, a Announcement) error {
	if a.ServerID.IsNil() {
		return fmt.Errorf("quarry/server: announce: nil server id")
	}

	now := time.Now().UTC()
	startedAt := a.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	expireAt := now.Add(r.cfg.ServerTimeout)

	doc := Server{
		Entity: quarry.Entity{
			ID:           a.ServerID.String(),
			PartitionKey: r.partition,
			DocumentType: string(document.KindServer),
			ExpireAt:     &expireAt,
		},
		WorkerCount:   a.WorkerCount,
		Queues:        a.Queues,
		Host:          a.Host,
		StartedAt:     startedAt,
		LastHeartbeat: now,
	}
	if err := r.gw.Upsert(ctx, r.collection, &doc); err != nil {
		return fmt.Errorf("quarry/server: announce %s: %w", a.ServerID, err)
	}

	r.logger.Info("server announced", "server_id", a.ServerID, "workers", a.WorkerCount, "queues", a.Queues)
	return nil
}

// Heartbeat refreshes a server's liveness stamp and pushes its expiration
// forward. An unknown server yields quarry.ErrServerNotFound; the caller
// should re-announce.
func (r *Registry) Heartbeat(ctx context.Context, serverID id.ID) error {
	var doc Server
	err := r.gw.Get(ctx, r.collection, serverID.String(), r.partition, &doc)
	if errors.Is(err, quarry.ErrNotFound) {
		return fmt.Errorf("quarry/server: heartbeat %s: %w", serverID, quarry.ErrServerNotFound)
	}
	if err != nil {
		return fmt.Errorf("quarry/server: heartbeat %s: %w", serverID, err)
	}

	now := time.Now().UTC()
	expireAt := now.Add(r.cfg.ServerTimeout)
	doc.LastHeartbeat = now
	doc.Entity.ExpireAt = &expireAt

	// Heartbeats race only with this server's own writes, so last write
	// wins is fine; Upsert avoids spurious etag conflicts.
	if err := r.gw.Upsert(ctx, r.collection, &doc); err != nil {
		return fmt.Errorf("quarry/server: heartbeat %s: %w", serverID, err)
	}
	return nil
}

// Remove deletes a server registration. Removing an unknown server is a
// no-op.
func (r *Registry) Remove(ctx context.Context, serverID id.ID) error {
	if err := r.gw.Delete(ctx, r.collection, serverID.String(), r.partition); err != nil {
		return fmt.Errorf("quarry/server: remove %s: %w", serverID, err)
	}
	r.logger.Info("server removed", "server_id", serverID)
	return nil
}

// RemoveTimedOut deletes every server whose last heartbeat is older than
// the threshold and returns how many were removed.
func (r *Registry) RemoveTimedOut(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		return 0, fmt.Errorf("quarry/server: remove timed out: threshold must be positive")
	}

	cutoff := time.Now().UTC().Add(-threshold)
	q := document.Query{
		Collection:   r.collection,
		PartitionKey: r.partition,
	}.Where("last_heartbeat", document.OpLt, cutoff)

	page, err := r.gw.Query(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("quarry/server: remove timed out: %w", err)
	}
	stale, err := document.DecodeAll[Server](page)
	if err != nil {
		return 0, fmt.Errorf("quarry/server: remove timed out: %w", err)
	}

	removed := 0
	for i := range stale {
		if err := r.gw.Delete(ctx, r.collection, stale[i].ID, r.partition); err != nil {
			return removed, fmt.Errorf("quarry/server: remove timed out %s: %w", stale[i].ID, err)
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("timed out servers removed", "count", removed)
	}
	return removed, nil
}

// List returns all live server registrations, newest heartbeat first.
func (r *Registry) List(ctx context.Context) ([]Server, error) {
	q := document.Query{
		Collection:   r.collection,
		PartitionKey: r.partition,
		OrderBy:      "last_heartbeat",
		Descending:   true,
	}

	page, err := r.gw.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("quarry/server: list: %w", err)
	}
	servers, err := document.DecodeAll[Server](page)
	if err != nil {
		return nil, fmt.Errorf("quarry/server: list: %w", err)
	}
	return servers, nil
}
