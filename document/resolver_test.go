package document

import (
	"errors"
	"strings"
	"testing"

	"github.com/xraph/quarry"
)

func TestResolverDedicatedLayout(t *testing.T) {
	cfg := quarry.DefaultConfig()
	r := NewResolver(cfg)

	tests := []struct {
		kind Kind
		want string
	}{
		{KindJob, "quarry_jobs"},
		{KindServer, "quarry_servers"},
		{KindLock, "quarry_locks"},
		{KindSet, "quarry_sets"},
		{KindHash, "quarry_hashes"},
		{KindList, "quarry_lists"},
		{KindCounter, "quarry_counters"},
	}
	for _, tt := range tests {
		got, err := r.Collection(tt.kind)
		if err != nil {
			t.Fatalf("Collection(%q) error = %v", tt.kind, err)
		}
		if got != tt.want {
			t.Errorf("Collection(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestResolverConsolidatedLayout(t *testing.T) {
	cfg := quarry.DefaultConfig()
	cfg.Layout = quarry.LayoutConsolidated
	r := NewResolver(cfg)

	wantGroups := map[Kind]string{
		KindJob:     "quarry_activity",
		KindServer:  "quarry_meta",
		KindLock:    "quarry_meta",
		KindSet:     "quarry_state",
		KindHash:    "quarry_state",
		KindList:    "quarry_state",
		KindCounter: "quarry_state",
	}
	for kind, want := range wantGroups {
		got, err := r.Collection(kind)
		if err != nil {
			t.Fatalf("Collection(%q) error = %v", kind, err)
		}
		if got != want {
			t.Errorf("Collection(%q) = %q, want %q", kind, got, want)
		}
	}

	// Three physical collections in total.
	if n := len(r.Collections()); n != 3 {
		t.Errorf("len(Collections()) = %d, want 3", n)
	}
}

func TestResolverPartitionKeys(t *testing.T) {
	r := NewResolver(quarry.DefaultConfig())

	tests := []struct {
		kind Kind
		key  string
		want string
	}{
		{KindJob, "default", "job:default"},
		{KindSet, "schedule", "set:schedule"},
		{KindHash, "recurring:x", "hash:recurring:x"},
		{KindList, "failures", "list:failures"},
		{KindCounter, "ignored", "counters"},
		{KindServer, "ignored", "servers"},
		{KindLock, "ignored", "locks"},
	}
	for _, tt := range tests {
		got, err := r.PartitionKey(tt.kind, tt.key)
		if err != nil {
			t.Fatalf("PartitionKey(%q, %q) error = %v", tt.kind, tt.key, err)
		}
		if got != tt.want {
			t.Errorf("PartitionKey(%q, %q) = %q, want %q", tt.kind, tt.key, got, tt.want)
		}
	}
}

func TestResolverUnknownKind(t *testing.T) {
	r := NewResolver(quarry.DefaultConfig())

	if _, err := r.Collection(Kind("bogus")); !errors.Is(err, quarry.ErrUnknownKind) {
		t.Errorf("Collection(bogus) error = %v, want ErrUnknownKind", err)
	}
	if _, err := r.PartitionKey(Kind("bogus"), "x"); !errors.Is(err, quarry.ErrUnknownKind) {
		t.Errorf("PartitionKey(bogus) error = %v, want ErrUnknownKind", err)
	}
}

func TestResolverPrefix(t *testing.T) {
	cfg := quarry.DefaultConfig()
	cfg.CollectionPrefix = "hf_"
	r := NewResolver(cfg)

	got, err := r.Collection(KindJob)
	if err != nil {
		t.Fatalf("Collection() error = %v", err)
	}
	if !strings.HasPrefix(got, "hf_") {
		t.Errorf("Collection() = %q, want hf_ prefix", got)
	}
}

func TestResolverTotality(t *testing.T) {
	for _, layout := range []quarry.LayoutKind{quarry.LayoutDedicated, quarry.LayoutConsolidated} {
		cfg := quarry.DefaultConfig()
		cfg.Layout = layout
		r := NewResolver(cfg)

		for _, kind := range Kinds() {
			if _, err := r.Collection(kind); err != nil {
				t.Errorf("layout %v: Collection(%q) error = %v", layout, kind, err)
			}
			if _, err := r.PartitionKey(kind, "k"); err != nil {
				t.Errorf("layout %v: PartitionKey(%q) error = %v", layout, kind, err)
			}
		}
	}
}
