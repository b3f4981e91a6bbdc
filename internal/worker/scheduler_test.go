package worker

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/schedule"
	"github.com/marcus-qen/actiongate/internal/store"
)

type fakeDispatcher struct {
	resumed []schedule.DueItem
}

func (f *fakeDispatcher) ResumeDueSchedule(ctx context.Context, item schedule.DueItem) {
	f.resumed = append(f.resumed, item)
}

func TestScheduler_RunOnceResumesDueEntries(t *testing.T) {
	st := store.NewMemory()
	schedules := schedule.NewStore(st)

	past := action.Action{ID: "act-1", Namespace: "ns", ActionType: "notify"}
	if _, err := schedules.Schedule(context.Background(), time.Now().Add(-time.Minute), past, "rule-a", time.Hour); err != nil {
		t.Fatalf("schedule entry: %v", err)
	}
	future := action.Action{ID: "act-2", Namespace: "ns", ActionType: "notify"}
	if _, err := schedules.Schedule(context.Background(), time.Now().Add(time.Hour), future, "rule-a", time.Hour); err != nil {
		t.Fatalf("schedule future entry: %v", err)
	}

	dispatch := &fakeDispatcher{}
	s := NewScheduler(schedules, dispatch, logr.Discard())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(dispatch.resumed) != 1 {
		t.Fatalf("resumed %d entries, want 1 (only the past-due one)", len(dispatch.resumed))
	}
	if dispatch.resumed[0].Entry.Action.ID != "act-1" {
		t.Fatalf("resumed action %s, want act-1", dispatch.resumed[0].Entry.Action.ID)
	}
}

func TestScheduler_RunOnceIsNoopWithNothingDue(t *testing.T) {
	st := store.NewMemory()
	schedules := schedule.NewStore(st)
	dispatch := &fakeDispatcher{}
	s := NewScheduler(schedules, dispatch, logr.Discard())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(dispatch.resumed) != 0 {
		t.Fatalf("resumed %d entries, want 0", len(dispatch.resumed))
	}
}
