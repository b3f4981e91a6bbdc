package executor

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/breaker"
	"github.com/marcus-qen/actiongate/internal/config"
	"github.com/marcus-qen/actiongate/internal/provider"
	"github.com/marcus-qen/actiongate/internal/store"
)

func newExecutor(t *testing.T, p *provider.MockProvider, policies map[string]Policy, fallback string) *Executor {
	t.Helper()
	reg, err := provider.NewRegistry(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.Register(p)

	bm := breaker.NewManager(store.NewMemory(), logr.Discard(), []breaker.Config{
		{Provider: p.Name(), FailureThreshold: 3, Cooldown: time.Minute, FallbackProvider: fallback},
	})
	return New(reg, bm, policies, store.NewMemory(), logr.Discard())
}

func TestDispatch_SucceedsFirstTry(t *testing.T) {
	p := provider.NewMockProviderSimple("webhook-a", map[string]any{"status": "ok"})
	ex := newExecutor(t, p, map[string]Policy{"webhook-a": {MaxAttempts: 3, InitialBackoff: time.Millisecond}}, "")

	resp, err := ex.Dispatch(context.Background(), "webhook-a", action.Action{ID: "a1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("resp = %v, want status=ok", resp)
	}
	if p.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", p.CallCount())
	}
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	p := provider.NewMockProvider("webhook-a",
		[]map[string]any{nil, nil, {"status": "ok"}},
		[]error{errTransient, errTransient, nil},
	)
	ex := newExecutor(t, p, map[string]Policy{"webhook-a": {MaxAttempts: 3, InitialBackoff: time.Millisecond}}, "")

	resp, err := ex.Dispatch(context.Background(), "webhook-a", action.Action{ID: "a1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("resp = %v, want status=ok", resp)
	}
	if p.CallCount() != 3 {
		t.Errorf("calls = %d, want 3", p.CallCount())
	}
}

func TestDispatch_ExhaustsRetriesAndDeadLetters(t *testing.T) {
	p := provider.NewMockProvider("webhook-a",
		[]map[string]any{nil, nil},
		[]error{errTransient, errTransient},
	)
	st := store.NewMemory()
	reg, _ := provider.NewRegistry(nil)
	reg.Register(p)
	bm := breaker.NewManager(st, logr.Discard(), []breaker.Config{
		{Provider: "webhook-a", FailureThreshold: 10, Cooldown: time.Minute},
	})
	ex := New(reg, bm, map[string]Policy{"webhook-a": {MaxAttempts: 2, InitialBackoff: time.Millisecond, DLQEnabled: true}}, st, logr.Discard())

	_, err := ex.Dispatch(context.Background(), "webhook-a", action.Action{ID: "a1"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	letters, err := ex.DrainDeadLetters(context.Background(), "webhook-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(letters))
	}
	if letters[0].Action.ID != "a1" {
		t.Errorf("dead letter action ID = %s, want a1", letters[0].Action.ID)
	}
}

func TestDispatch_FallsBackWhenCircuitOpen(t *testing.T) {
	primary := provider.NewMockProvider("primary", nil, []error{errTransient, errTransient})
	fallback := provider.NewMockProviderSimple("fallback", map[string]any{"status": "ok"})

	reg, _ := provider.NewRegistry(nil)
	reg.Register(primary)
	reg.Register(fallback)

	st := store.NewMemory()
	bm := breaker.NewManager(st, logr.Discard(), []breaker.Config{
		{Provider: "primary", FailureThreshold: 1, Cooldown: time.Minute, FallbackProvider: "fallback"},
	})
	ex := New(reg, bm, map[string]Policy{
		"primary":  {MaxAttempts: 1, InitialBackoff: time.Millisecond},
		"fallback": {MaxAttempts: 1, InitialBackoff: time.Millisecond},
	}, st, logr.Discard())

	// First call trips the breaker.
	ex.Dispatch(context.Background(), "primary", action.Action{ID: "a1"})

	// Second call should see the breaker open and reroute to fallback.
	resp, err := ex.Dispatch(context.Background(), "primary", action.Action{ID: "a2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("resp = %v, want fallback's status=ok", resp)
	}
	if fallback.CallCount() != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.CallCount())
	}
}

func TestResolvePolicy_Defaults(t *testing.T) {
	p := ResolvePolicy(pc(0, 0, false))
	if p.MaxAttempts != defaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want default %d", p.MaxAttempts, defaultMaxAttempts)
	}
	if p.Timeout != defaultTimeout {
		t.Errorf("Timeout = %v, want default %v", p.Timeout, defaultTimeout)
	}
}

func TestResolvePolicy_Overrides(t *testing.T) {
	p := ResolvePolicy(pc(5, 10, true))
	if p.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if p.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", p.Timeout)
	}
	if !p.DLQEnabled {
		t.Error("DLQEnabled should be true")
	}
}

func TestPolicy_NextDelayCapsAtMaxBackoff(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, Multiplier: 2, MaxBackoff: 3 * time.Second}
	if d := p.nextDelay(1); d != time.Second {
		t.Errorf("nextDelay(1) = %v, want 1s", d)
	}
	if d := p.nextDelay(2); d != 2*time.Second {
		t.Errorf("nextDelay(2) = %v, want 2s", d)
	}
	if d := p.nextDelay(3); d != 3*time.Second {
		t.Errorf("nextDelay(3) = %v, want capped 3s", d)
	}
}

// errTransient is a stand-in upstream failure used across retry tests.
var errTransient = errTransientErr{}

type errTransientErr struct{}

func (errTransientErr) Error() string { return "transient upstream failure" }

func pc(maxRetries, timeoutSeconds int, dlq bool) config.ProviderConfig {
	return config.ProviderConfig{MaxRetries: maxRetries, TimeoutSeconds: timeoutSeconds, DLQEnabled: dlq}
}

func TestDispatch_ThrottledByConcurrencyLimit(t *testing.T) {
	p := provider.NewMockProviderSimple("webhook-a", map[string]any{"status": "ok"})
	policy := Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond}
	policy.RateLimit.MaxConcurrent = 1
	ex := newExecutor(t, p, map[string]Policy{"webhook-a": policy}, "")

	limiter := ex.limiterFor("webhook-a", policy)
	limiter.RecordStart()
	defer limiter.RecordComplete()

	_, err := ex.Dispatch(context.Background(), "webhook-a", action.Action{ID: "a1"})
	if err == nil {
		t.Fatal("expected throttling error, got nil")
	}
}

func TestDispatch_ChainedBypassesFreshThrottle(t *testing.T) {
	p := provider.NewMockProviderSimple("webhook-a", map[string]any{"status": "ok"})
	policy := Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond}
	policy.RateLimit.MaxConcurrent = 1
	policy.RateLimit.BurstAllowance = 1
	ex := newExecutor(t, p, map[string]Policy{"webhook-a": policy}, "")

	limiter := ex.limiterFor("webhook-a", policy)
	limiter.RecordStart()
	defer limiter.RecordComplete()

	_, err := ex.Dispatch(context.Background(), "webhook-a", action.Action{ID: "a1", ChainID: "chain-1"})
	if err != nil {
		t.Fatalf("chained dispatch should use the burst allowance: %v", err)
	}
}
