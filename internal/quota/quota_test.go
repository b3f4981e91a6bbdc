package quota

import (
	"context"
	"testing"
	"time"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/store"
)

func TestEnforcerBlocksOverMax(t *testing.T) {
	e := NewEnforcer(store.NewMemory())
	e.Register(Policy{ID: "p1", Namespace: "ns", Tenant: "t1", MaxActions: 2, Window: WindowHourly, OverageBehavior: OverageBlock, Enabled: true})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d, err := e.Check(ctx, "ns", "t1")
		if err != nil || !d.Allowed {
			t.Fatalf("call %d should be allowed, got %+v err=%v", i, d, err)
		}
	}
	d, err := e.Check(ctx, "ns", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("third call should be blocked")
	}
}

func TestEnforcerLogBehaviorTagsButAllows(t *testing.T) {
	e := NewEnforcer(store.NewMemory())
	e.Register(Policy{ID: "p1", Namespace: "ns", Tenant: "t1", MaxActions: 1, Window: WindowHourly, OverageBehavior: OverageLog, Enabled: true})

	ctx := context.Background()
	e.Check(ctx, "ns", "t1")
	d, err := e.Check(ctx, "ns", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || !d.Tagged {
		t.Fatalf("expected allowed+tagged, got %+v", d)
	}
}

func TestThrottleIsolatedPerRule(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	a := action.Action{Namespace: "ns", Tenant: "t1"}
	v := action.Verdict{MaxCount: 1, Window: time.Minute}

	allowed, _, err := Throttle(ctx, st, "rule-a", a, v)
	if err != nil || !allowed {
		t.Fatalf("first call on rule-a should be allowed, got %v err=%v", allowed, err)
	}
	allowed, _, err = Throttle(ctx, st, "rule-a", a, v)
	if err != nil || allowed {
		t.Fatalf("second call on rule-a should be throttled, got %v err=%v", allowed, err)
	}
	allowed, _, err = Throttle(ctx, st, "rule-b", a, v)
	if err != nil || !allowed {
		t.Fatalf("rule-b must not share rule-a's counter, got %v err=%v", allowed, err)
	}
}
