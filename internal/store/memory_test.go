package store

import (
	"context"
	"testing"
	"time"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

func TestMemoryCASClaimIsSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.CAS(ctx, "dedup/a", nil, []byte("first"), time.Minute); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}
	err := m.CAS(ctx, "dedup/a", nil, []byte("second"), time.Minute)
	if !gwerrors.Conflict(err) {
		t.Fatalf("second claim should conflict, got %v", err)
	}

	v, err := m.Get(ctx, "dedup/a")
	if err != nil || string(v) != "first" {
		t.Fatalf("expected first to win, got %q err=%v", v, err)
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "missing")
	if !gwerrors.NotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMemoryGetExpired(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Put(ctx, "k", []byte("v"), time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	_, err := m.Get(ctx, "k")
	if !gwerrors.NotFound(err) {
		t.Fatalf("expected NotFound after expiry, got %v", err)
	}
}

func TestMemoryIncrWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		n, err := m.Incr(ctx, "throttle/r1", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("expected %d, got %d", i, n)
		}
	}

	n, err := m.Incr(ctx, "throttle/r2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("different key must not share counter, got %d", n)
	}
}

func TestMemoryPushTailDrainPreservesOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, item := range []string{"a", "b", "c"} {
		if err := m.PushTail(ctx, "group/x", []byte(item), 0); err != nil {
			t.Fatal(err)
		}
	}
	items, err := m.Drain(ctx, "group/x")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if len(items) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(items))
	}
	for i, item := range items {
		if string(item) != want[i] {
			t.Fatalf("item %d: expected %s, got %s", i, want[i], item)
		}
	}

	// Draining again returns nothing.
	items, err = m.Drain(ctx, "group/x")
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty drain after consuming, got %v err=%v", items, err)
	}
}

func TestMemoryListPrefixAndPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, k := range []string{"quota/a", "quota/b", "quota/c", "dedup/a"} {
		if err := m.Put(ctx, k, []byte("v"), 0); err != nil {
			t.Fatal(err)
		}
	}

	keys, next, err := m.List(ctx, "quota/", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || next == "" {
		t.Fatalf("expected first page of 2 with cursor, got %v next=%q", keys, next)
	}

	rest, next2, err := m.List(ctx, "quota/", 2, next)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || next2 != "" {
		t.Fatalf("expected final page of 1 with no cursor, got %v next=%q", rest, next2)
	}
}
