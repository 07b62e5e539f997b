package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/document"
	"github.com/xraph/quarry/document/memory"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	cfg := quarry.DefaultConfig()
	m, err := NewManager(memory.New(), document.NewResolver(cfg))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestManagerAcquireRelease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "migration", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if h.Resource() != "migration" {
		t.Errorf("Resource() = %q, want %q", h.Resource(), "migration")
	}

	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Released locks are immediately reacquirable.
	h2, err := m.Acquire(ctx, "migration", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	defer h2.Release(ctx)
}

func TestManagerExclusionWhileHeld(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "migration", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer h.Release(ctx)

	if _, err := m.Acquire(ctx, "migration", time.Minute); !errors.Is(err, quarry.ErrLockUnavailable) {
		t.Fatalf("second Acquire() error = %v, want ErrLockUnavailable", err)
	}

	// A different resource is unaffected.
	other, err := m.Acquire(ctx, "reaper", time.Minute)
	if err != nil {
		t.Fatalf("Acquire(other) error = %v", err)
	}
	defer other.Release(ctx)
}

func TestManagerExpiredLockIsReacquirable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Holder A acquires and then crashes: no release, no renewal.
	h, err := m.Acquire(ctx, "migration", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	h.mu.Lock()
	h.released = true // stop renewal without deleting the document
	close(h.stopped)
	h.mu.Unlock()

	time.Sleep(60 * time.Millisecond)

	// Holder B walks over the expired document.
	h2, err := m.Acquire(ctx, "migration", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
	defer h2.Release(ctx)
}

func TestHandleReleaseAfterTakeoverLeavesNewHolder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Holder A's lease lapses and the expired document is reaped while A
	// is still running.
	a, err := m.Acquire(ctx, "migration", time.Minute)
	if err != nil {
		t.Fatalf("Acquire(A) error = %v", err)
	}
	if err := m.gw.Delete(ctx, m.collection, a.doc.ID, m.partition); err != nil {
		t.Fatalf("Delete(lock) error = %v", err)
	}

	// Holder B takes over.
	b, err := m.Acquire(ctx, "migration", time.Minute)
	if err != nil {
		t.Fatalf("Acquire(B) error = %v", err)
	}
	defer b.Release(ctx)

	// A's deferred release fires late. B's lock must survive it.
	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release(A) error = %v", err)
	}

	if _, err := m.Acquire(ctx, "migration", time.Minute); !errors.Is(err, quarry.ErrLockUnavailable) {
		t.Fatalf("Acquire() after stale release error = %v, want ErrLockUnavailable", err)
	}

	var stored Lock
	if err := m.gw.Get(ctx, m.collection, b.doc.ID, m.partition, &stored); err != nil {
		t.Fatalf("Get(lock) error = %v", err)
	}
	if stored.Holder != b.doc.Holder {
		t.Errorf("stored holder = %q, want B's %q", stored.Holder, b.doc.Holder)
	}
}

func TestHandleReleaseIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "migration", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := h.Release(ctx); err != nil {
			t.Fatalf("Release() call %d error = %v", i+1, err)
		}
	}
}

func TestHandleRenewalExtendsExpiry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "migration", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer h.Release(ctx)

	before := *h.doc.ExpireAt
	time.Sleep(10 * time.Millisecond)

	if err := h.renew(); err != nil {
		t.Fatalf("renew() error = %v", err)
	}
	if !h.doc.ExpireAt.After(before) {
		t.Errorf("ExpireAt not extended: before %v, after %v", before, h.doc.ExpireAt)
	}

	// The stored document moved too.
	var stored Lock
	if err := m.gw.Get(ctx, m.collection, h.doc.ID, m.partition, &stored); err != nil {
		t.Fatalf("Get(lock) error = %v", err)
	}
	if !stored.ExpireAt.After(before) {
		t.Errorf("stored ExpireAt not extended: %v", stored.ExpireAt)
	}
	if stored.Timeout != time.Minute {
		t.Errorf("stored Timeout = %v, want %v", stored.Timeout, time.Minute)
	}
}

func TestManagerAcquireValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "", time.Minute); err == nil {
		t.Error("Acquire with empty resource: error = nil, want error")
	}
	if _, err := m.Acquire(ctx, "migration", 0); err == nil {
		t.Error("Acquire with zero timeout: error = nil, want error")
	}
}
