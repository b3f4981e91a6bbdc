package statemachine

import (
	"context"
	"testing"

	"github.com/marcus-qen/actiongate/internal/store"
)

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := Fingerprint(map[string]string{"host": "db-1", "alert": "disk_full"})
	b := Fingerprint(map[string]string{"alert": "disk_full", "host": "db-1"})
	if a != b {
		t.Fatalf("expected order-independent fingerprint, got %s != %s", a, b)
	}
}

func TestExternalTransitionWinsOverSupersededRule(t *testing.T) {
	s := NewStore(store.NewMemory())
	ctx := context.Background()
	fp := Fingerprint(map[string]string{"host": "db-1"})

	rec, err := s.Get(ctx, "disk-alert", fp)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != "new" {
		t.Fatalf("expected fresh record in state new, got %s", rec.State)
	}

	if _, err := s.TransitionExternal(ctx, "disk-alert", fp, "acknowledged", "event-stream"); err != nil {
		t.Fatal(err)
	}

	// A rule-driven transition racing with a stale version should be dropped.
	_, superseded, err := s.TransitionRule(ctx, "disk-alert", fp, "resolved", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !superseded {
		t.Fatal("expected rule transition to be superseded by the external one")
	}

	current, err := s.Get(ctx, "disk-alert", fp)
	if err != nil {
		t.Fatal(err)
	}
	if current.State != "acknowledged" {
		t.Fatalf("expected state to remain acknowledged, got %s", current.State)
	}
}

func TestRuleTransitionAppliesWhenVersionMatches(t *testing.T) {
	s := NewStore(store.NewMemory())
	ctx := context.Background()
	fp := Fingerprint(map[string]string{"host": "db-2"})

	rec, err := s.Get(ctx, "disk-alert", fp)
	if err != nil {
		t.Fatal(err)
	}

	updated, superseded, err := s.TransitionRule(ctx, "disk-alert", fp, "throttled", rec.Version)
	if err != nil {
		t.Fatal(err)
	}
	if superseded {
		t.Fatal("expected rule transition to apply cleanly against a fresh record")
	}
	if updated.State != "throttled" {
		t.Fatalf("expected state throttled, got %s", updated.State)
	}
	if len(updated.History) != 1 || updated.History[0].External {
		t.Fatalf("expected one internal transition in history, got %+v", updated.History)
	}
}
