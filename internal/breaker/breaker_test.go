package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/store"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	m := NewManager(store.NewMemory(), logr.Discard(), []Config{
		{Provider: "pagerduty", FailureThreshold: 2, Cooldown: time.Hour, FallbackProvider: "webhook-fallback"},
	})

	failing := func(ctx context.Context) (any, error) { return nil, errors.New("boom") }

	for i := 0; i < 2; i++ {
		if _, err := m.Execute(context.Background(), "pagerduty", failing); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}

	_, err := m.Execute(context.Background(), "pagerduty", failing)
	var circuitOpen *gwerrors.CircuitOpen
	if !errors.As(err, &circuitOpen) {
		t.Fatalf("expected CircuitOpen after threshold, got %v", err)
	}

	if got := m.Fallback("pagerduty"); got != "webhook-fallback" {
		t.Fatalf("expected fallback webhook-fallback, got %s", got)
	}
}

func TestBreakerUnknownProviderPassesThrough(t *testing.T) {
	m := NewManager(store.NewMemory(), logr.Discard(), nil)
	called := false
	_, err := m.Execute(context.Background(), "unregistered", func(ctx context.Context) (any, error) {
		called = true
		return "ok", nil
	})
	if err != nil || !called {
		t.Fatalf("expected pass-through call to succeed, err=%v called=%v", err, called)
	}
}
