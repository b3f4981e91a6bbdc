package worker

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/store"
)

type fakeActionDispatcher struct {
	dispatched []action.Action
}

func (f *fakeActionDispatcher) Dispatch(ctx context.Context, a action.Action) (action.Result, error) {
	f.dispatched = append(f.dispatched, a)
	return action.Result{ActionID: a.ID, Outcome: action.OutcomeExecuted}, nil
}

func TestCronEvaluator_FiresOnEveryMinuteSchedule(t *testing.T) {
	st := store.NewMemory()
	registry := NewRecurringRegistry()
	registry.Register(RecurringAction{
		ID:         "daily-report",
		CronExpr:   "* * * * *",
		Namespace:  "ns",
		Tenant:     "acme",
		Provider:   "webhook-a",
		ActionType: "report",
	})

	dispatch := &fakeActionDispatcher{}
	ev := NewCronEvaluator(registry, st, dispatch, logr.Discard())

	if err := ev.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(dispatch.dispatched) != 1 {
		t.Fatalf("dispatched %d actions, want 1 for an every-minute schedule with no prior checkpoint", len(dispatch.dispatched))
	}
	if dispatch.dispatched[0].Metadata["recurring_id"] != "daily-report" {
		t.Fatalf("recurring_id metadata = %q, want daily-report", dispatch.dispatched[0].Metadata["recurring_id"])
	}
}

func TestCronEvaluator_SameFireTimeNotDispatchedTwice(t *testing.T) {
	st := store.NewMemory()
	registry := NewRecurringRegistry()
	registry.Register(RecurringAction{ID: "r1", CronExpr: "* * * * *", ActionType: "notify"})

	dispatch := &fakeActionDispatcher{}
	ev := NewCronEvaluator(registry, st, dispatch, logr.Discard())

	if err := ev.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	if err := ev.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	if len(dispatch.dispatched) != 1 {
		t.Fatalf("dispatched %d times, want 1; the per-fire-time claim should prevent a repeat dispatch", len(dispatch.dispatched))
	}
}

func TestCronEvaluator_InvalidCronExpressionDoesNotPanic(t *testing.T) {
	st := store.NewMemory()
	registry := NewRecurringRegistry()
	registry.Register(RecurringAction{ID: "broken", CronExpr: "not a cron expression", ActionType: "notify"})

	dispatch := &fakeActionDispatcher{}
	ev := NewCronEvaluator(registry, st, dispatch, logr.Discard())

	if err := ev.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce should swallow a single definition's parse error: %v", err)
	}
	if len(dispatch.dispatched) != 0 {
		t.Fatalf("dispatched %d actions from a broken definition, want 0", len(dispatch.dispatched))
	}
}

func TestCronEvaluator_SecondCallerLosesSameFireClaim(t *testing.T) {
	st := store.NewMemory()
	fire := time.Now()

	claimed1, err := (&CronEvaluator{st: st}).claimFire(context.Background(), "r1", fire)
	if err != nil || !claimed1 {
		t.Fatalf("first claim = %v, %v", claimed1, err)
	}
	claimed2, err := (&CronEvaluator{st: st}).claimFire(context.Background(), "r1", fire)
	if err != nil {
		t.Fatalf("second claim error: %v", err)
	}
	if claimed2 {
		t.Fatalf("second claim for the same (recurring_id, fire_time) should lose")
	}
}
