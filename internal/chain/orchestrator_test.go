package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/events"
	"github.com/marcus-qen/actiongate/internal/store"
)

type stubDispatcher struct {
	mu    sync.Mutex
	calls []action.Action
}

func (d *stubDispatcher) Dispatch(_ context.Context, a action.Action) (action.Result, error) {
	d.mu.Lock()
	d.calls = append(d.calls, a)
	d.mu.Unlock()
	response := map[string]any{"status": "ok"}
	if a.StepName == "charge" {
		response = map[string]any{"status": "ok", "amount": 42}
	}
	return action.Result{ActionID: a.ID, Outcome: action.OutcomeExecuted, Response: response}, nil
}

func waitForTerminal(t *testing.T, st store.Store, id string, timeout time.Duration) *Instance {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inst, _, err := loadInstance(context.Background(), st, id)
		if err == nil && inst.Status.terminal() {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("chain instance never reached a terminal status")
	return nil
}

func TestLinearChainCompletesInOrder(t *testing.T) {
	st := store.NewMemory()
	dispatcher := &stubDispatcher{}
	bus := events.NewBus(16, logr.Discard())
	o := NewOrchestrator(st, dispatcher, bus, logr.Discard(), 4)

	o.LoadDefinitions([]Definition{{
		Name: "order-processing",
		Steps: []Step{
			{Name: "validate", Provider: "internal", ActionType: "validate", DefaultNext: "charge"},
			{Name: "charge", Provider: "stripe", ActionType: "charge", DefaultNext: "fulfill"},
			{Name: "fulfill", Provider: "internal", ActionType: "fulfill", DefaultNext: "notify"},
			{Name: "notify", Provider: "email", ActionType: "notify"},
		},
	}})

	id, err := o.Start(context.Background(), "order-processing", action.Action{ID: "a1", Tenant: "acme"}, 0)
	if err != nil {
		t.Fatal(err)
	}

	inst := waitForTerminal(t, st, id, 2*time.Second)
	if inst.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", inst.Status)
	}
	want := []string{"validate", "charge", "fulfill", "notify"}
	if len(inst.ExecutionPath) != len(want) {
		t.Fatalf("expected execution path %v, got %v", want, inst.ExecutionPath)
	}
	for i, name := range want {
		if inst.ExecutionPath[i] != name {
			t.Fatalf("expected step %d = %s, got %s", i, name, inst.ExecutionPath[i])
		}
	}
}

func TestBranchingChainFollowsMatchedTarget(t *testing.T) {
	st := store.NewMemory()
	dispatcher := &stubDispatcher{}
	o := NewOrchestrator(st, dispatcher, nil, logr.Discard(), 4)

	o.LoadDefinitions([]Definition{{
		Name: "risk-check",
		Steps: []Step{
			{
				Name:       "charge",
				Provider:   "stripe",
				ActionType: "charge",
				Branches: []Branch{
					{Field: "amount", Op: "gt", Value: 40, Target: "escalate"},
				},
				DefaultNext: "settle",
			},
			{Name: "escalate", Provider: "internal", ActionType: "escalate"},
			{Name: "settle", Provider: "internal", ActionType: "settle"},
		},
	}})

	id, err := o.Start(context.Background(), "risk-check", action.Action{ID: "a2"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	inst := waitForTerminal(t, st, id, 2*time.Second)
	if len(inst.ExecutionPath) != 2 || inst.ExecutionPath[1] != "escalate" {
		t.Fatalf("expected branch to escalate, got %v", inst.ExecutionPath)
	}
}
