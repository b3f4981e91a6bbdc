package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/store"
)

func TestScheduleThenDue(t *testing.T) {
	s := NewStore(store.NewMemory())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	if _, err := s.Schedule(ctx, past, action.Action{ID: "a1"}, "rule-1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Schedule(ctx, future, action.Action{ID: "a2"}, "rule-1", time.Hour); err != nil {
		t.Fatal(err)
	}

	due, err := s.Due(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("got %d due entries, want 1", len(due))
	}
	if due[0].Entry.Action.ID != "a1" {
		t.Errorf("due action = %s, want a1", due[0].Entry.Action.ID)
	}
}

func TestDueChronologicalOrder(t *testing.T) {
	s := NewStore(store.NewMemory())
	ctx := context.Background()
	now := time.Now()

	s.Schedule(ctx, now.Add(-3*time.Minute), action.Action{ID: "third"}, "r", time.Hour)
	s.Schedule(ctx, now.Add(-10*time.Minute), action.Action{ID: "first"}, "r", time.Hour)
	s.Schedule(ctx, now.Add(-5*time.Minute), action.Action{ID: "second"}, "r", time.Hour)

	due, err := s.Due(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 3 {
		t.Fatalf("got %d due entries, want 3", len(due))
	}
	want := []string{"first", "second", "third"}
	for i, id := range want {
		if due[i].Entry.Action.ID != id {
			t.Errorf("due[%d].Action.ID = %s, want %s", i, due[i].Entry.Action.ID, id)
		}
	}
}

func TestClaimThenComplete(t *testing.T) {
	s := NewStore(store.NewMemory())
	ctx := context.Background()

	key, err := s.Schedule(ctx, time.Now().Add(-time.Minute), action.Action{ID: "a1"}, "rule-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	due, err := s.Due(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("got %d due entries, want 1", len(due))
	}

	superseded, err := s.Claim(ctx, key, due[0].Entry, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if superseded {
		t.Fatal("first claim should not be superseded")
	}

	// a claimed entry must no longer surface from Due.
	due, err = s.Due(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("got %d due entries after claim, want 0", len(due))
	}

	if err := s.Complete(ctx, key); err != nil {
		t.Fatal(err)
	}
}

func TestClaimRaceIsSuperseded(t *testing.T) {
	s := NewStore(store.NewMemory())
	ctx := context.Background()

	key, err := s.Schedule(ctx, time.Now().Add(-time.Minute), action.Action{ID: "a1"}, "rule-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	due, _ := s.Due(ctx, time.Now(), 10)
	entry := due[0].Entry

	if superseded, err := s.Claim(ctx, key, entry, time.Hour); err != nil || superseded {
		t.Fatalf("first claim: superseded=%v err=%v", superseded, err)
	}

	// Second claimant raced against stale pre-claim state.
	superseded, err := s.Claim(ctx, key, entry, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !superseded {
		t.Error("second claim against stale state should be superseded")
	}
}

func TestResolveRunAt_Delay(t *testing.T) {
	now := time.Now()
	a := action.Action{}
	got := ResolveRunAt(a, "", 10*time.Minute, now)
	want := now.Add(10 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("ResolveRunAt = %v, want %v", got, want)
	}
}

func TestResolveRunAt_AtField(t *testing.T) {
	now := time.Now()
	runAt := now.Add(2 * time.Hour).Truncate(time.Second)
	a := action.Action{Payload: map[string]any{"maintenance_window": runAt.Format(time.RFC3339)}}

	got := ResolveRunAt(a, "payload.maintenance_window", time.Minute, now)
	if !got.Equal(runAt) {
		t.Errorf("ResolveRunAt = %v, want %v", got, runAt)
	}
}

func TestResolveRunAt_AtFieldMissingFallsBackToDelay(t *testing.T) {
	now := time.Now()
	a := action.Action{}
	got := ResolveRunAt(a, "payload.missing", 5*time.Minute, now)
	want := now.Add(5 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("ResolveRunAt = %v, want %v", got, want)
	}
}
