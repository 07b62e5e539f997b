package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/document"
	"github.com/xraph/quarry/id"
)

// Manager acquires and releases distributed locks.
type Manager struct {
	gw       document.Gateway
	resolver *document.Resolver
	logger   *slog.Logger

	collection string
	partition  string
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager builds a lock manager on top of the gateway.
func NewManager(gw document.Gateway, resolver *document.Resolver, opts ...Option) (*Manager, error) {
	collection, err := resolver.Collection(document.KindLock)
	if err != nil {
		return nil, err
	}
	partition, err := resolver.PartitionKey(document.KindLock, "")
	if err != nil {
		return nil, err
	}

	m := &Manager{
		gw:         gw,
		resolver:   resolver,
		logger:     slog.Default(),
		collection: collection,
		partition:  partition,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Acquire takes the named lock for at most timeout. A live competing
// holder yields quarry.ErrLockUnavailable immediately; callers own any
// wait-and-retry policy. The returned handle renews the lock in the
// background until released.
func (m *Manager) Acquire(ctx context.Context, resource string, timeout time.Duration) (*Handle, error) {
	if resource == "" {
		return nil, fmt.Errorf("quarry/lock: acquire: empty resource name")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("quarry/lock: acquire %q: timeout must be positive", resource)
	}

	now := time.Now().UTC()
	expireAt := now.Add(timeout)
	doc := Lock{
		Entity: quarry.Entity{
			ID:           "lock:" + resource,
			PartitionKey: m.partition,
			DocumentType: string(document.KindLock),
			ExpireAt:     &expireAt,
		},
		Resource:   resource,
		Holder:     id.NewETag(),
		AcquiredAt: now,
		Timeout:    timeout,
	}

	err := m.gw.Create(ctx, m.collection, &doc)
	if errors.Is(err, quarry.ErrConflict) {
		return nil, fmt.Errorf("quarry/lock: acquire %q: %w", resource, quarry.ErrLockUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("quarry/lock: acquire %q: %w", resource, err)
	}

	m.logger.Debug("lock acquired", "resource", resource, "timeout", timeout)

	h := &Handle{
		manager:  m,
		doc:      doc,
		timeout:  timeout,
		stopped:  make(chan struct{}),
		renewErr: make(chan error, 1),
	}
	h.startRenewal()
	return h, nil
}

// Handle is one held lock. Release it exactly when done; double releases
// are no-ops.
type Handle struct {
	manager *Manager
	doc     Lock
	timeout time.Duration

	mu       sync.Mutex
	released bool
	stopped  chan struct{}
	renewErr chan error
}

// Resource returns the locked resource name.
func (h *Handle) Resource() string { return h.doc.Resource }

// startRenewal extends the lock's expiration at a third of the timeout so
// two consecutive renewal failures still leave headroom before expiry.
func (h *Handle) startRenewal() {
	interval := h.timeout / 3
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopped:
				return
			case <-ticker.C:
				if err := h.renew(); err != nil {
					h.manager.logger.Warn("lock renewal failed",
						"resource", h.doc.Resource, "error", err)
					select {
					case h.renewErr <- err:
					default:
					}
				}
			}
		}
	}()
}

// renew pushes the expiration window forward under etag protection. A
// conflict means the document changed under us, which only happens after
// expiry plus takeover; the holder has lost the lock either way.
func (h *Handle) renew() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	expireAt := time.Now().UTC().Add(h.timeout)
	h.doc.Entity.ExpireAt = &expireAt
	return h.manager.gw.Replace(ctx, h.manager.collection, &h.doc)
}

// RenewalFailure reports an async renewal error, if one happened. Holders
// of long-lived locks can poll this to detect a lost lock.
func (h *Handle) RenewalFailure() error {
	select {
	case err := <-h.renewErr:
		return err
	default:
		return nil
	}
}

// Release stops renewal and deletes the lock document. Only the handle's
// own document is deleted: if the lease lapsed and another holder took
// over, the successor's lock survives this release. The delete is
// best-effort: if it fails, expiration reclaims the lock at the end of
// the current window.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	close(h.stopped)
	h.mu.Unlock()

	var current Lock
	err := h.manager.gw.Get(ctx, h.manager.collection, h.doc.ID, h.doc.PartitionKey, &current)
	switch {
	case errors.Is(err, quarry.ErrNotFound):
		// Already expired and reaped; nothing to delete.
		h.manager.logger.Debug("lock released", "resource", h.doc.Resource)
		return nil
	case err != nil:
		h.manager.logger.Warn("lock release failed, expiry will reclaim",
			"resource", h.doc.Resource, "error", err)
		return fmt.Errorf("quarry/lock: release %q: %w", h.doc.Resource, err)
	case current.Holder != h.doc.Holder:
		h.manager.logger.Warn("lock lease lost before release, leaving the new holder's lock",
			"resource", h.doc.Resource)
		return nil
	}

	err = h.manager.gw.Delete(ctx, h.manager.collection, h.doc.ID, h.doc.PartitionKey)
	if err != nil && !errors.Is(err, quarry.ErrNotFound) {
		h.manager.logger.Warn("lock release failed, expiry will reclaim",
			"resource", h.doc.Resource, "error", err)
		return fmt.Errorf("quarry/lock: release %q: %w", h.doc.Resource, err)
	}

	h.manager.logger.Debug("lock released", "resource", h.doc.Resource)
	return nil
}
