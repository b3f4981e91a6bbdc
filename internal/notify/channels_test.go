/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/events"
	"github.com/marcus-qen/actiongate/internal/provider"
)

func newTestRegistry(t *testing.T) (*provider.Registry, *provider.MockProvider, *provider.MockProvider) {
	t.Helper()
	reg, err := provider.NewRegistry(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	infoMock := provider.NewMockProvider("ops-webhook", []map[string]any{{"status": "sent"}, {"status": "sent"}, {"status": "sent"}}, nil)
	criticalMock := provider.NewMockProvider("ops-slack", []map[string]any{{"status": "sent"}, {"status": "sent"}, {"status": "sent"}}, nil)
	reg.Register(infoMock)
	reg.Register(criticalMock)
	return reg, infoMock, criticalMock
}

func TestRouter_Notify_CriticalCascadesToAllLevels(t *testing.T) {
	reg, infoMock, criticalMock := newTestRegistry(t)

	router := NewRouter(SeverityRoute{
		Info:     []string{"ops-webhook"},
		Critical: []string{"ops-slack"},
	}, nil, reg, logr.Discard())

	errs := router.Notify(context.Background(), Message{
		Tenant:   "tenant-a",
		Severity: "critical",
		Title:    "breaker tripped",
		Body:     "provider email is open",
	})

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if infoMock.CallCount() != 1 {
		t.Errorf("info channel calls = %d, want 1 (critical cascades to info)", infoMock.CallCount())
	}
	if criticalMock.CallCount() != 1 {
		t.Errorf("critical channel calls = %d, want 1", criticalMock.CallCount())
	}
}

func TestRouter_Notify_InfoDoesNotReachCritical(t *testing.T) {
	reg, infoMock, criticalMock := newTestRegistry(t)

	router := NewRouter(SeverityRoute{
		Info:     []string{"ops-webhook"},
		Critical: []string{"ops-slack"},
	}, nil, reg, logr.Discard())

	router.Notify(context.Background(), Message{
		Tenant:   "tenant-a",
		Severity: "info",
		Title:    "daily summary",
		Body:     "all systems nominal",
	})

	if infoMock.CallCount() != 1 {
		t.Errorf("info channel calls = %d, want 1", infoMock.CallCount())
	}
	if criticalMock.CallCount() != 0 {
		t.Errorf("critical channel calls = %d, want 0 (info shouldn't reach critical)", criticalMock.CallCount())
	}
}

func TestRouter_Notify_RateLimited(t *testing.T) {
	reg, infoMock, _ := newTestRegistry(t)
	limiter := NewRateLimiter(1)

	router := NewRouter(SeverityRoute{Info: []string{"ops-webhook"}}, limiter, reg, logr.Discard())

	router.Notify(context.Background(), Message{Tenant: "tenant-a", Severity: "info", Title: "first"})
	router.Notify(context.Background(), Message{Tenant: "tenant-a", Severity: "info", Title: "second"})

	if infoMock.CallCount() != 1 {
		t.Errorf("calls = %d, want 1 (second should be rate-limited)", infoMock.CallCount())
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("tenant-a") {
			t.Errorf("call %d should be allowed", i+1)
		}
	}
	if rl.Allow("tenant-a") {
		t.Error("4th call should be rate-limited")
	}
	if !rl.Allow("tenant-b") {
		t.Error("different tenant should be allowed")
	}
}

func TestRateLimiter_PerTenant(t *testing.T) {
	rl := NewRateLimiter(1)

	rl.Allow("tenant-a")
	rl.Allow("tenant-b")

	if rl.Allow("tenant-a") {
		t.Error("tenant-a should be rate-limited")
	}
	if rl.Allow("tenant-b") {
		t.Error("tenant-b should be rate-limited")
	}
}

func TestSeverityEmoji(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"critical", "🔴"},
		{"warning", "🟡"},
		{"info", "🔵"},
		{"unknown", "⚪"},
	}
	for _, tt := range tests {
		if got := severityEmoji(tt.severity); got != tt.want {
			t.Errorf("severityEmoji(%q) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestBridge_ForwardsFailedChainAsCritical(t *testing.T) {
	reg, _, criticalMock := newTestRegistry(t)
	router := NewRouter(SeverityRoute{Critical: []string{"ops-slack"}}, nil, reg, logr.Discard())
	bus := events.NewBus(8, logr.Discard())
	bridge := NewBridge(router, bus, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	// give the subscriber goroutine a moment to register
	time.Sleep(10 * time.Millisecond)

	bus.Publish(events.Event{
		Type:     events.TypeChainCompleted,
		ActionID: "a1",
		Tenant:   "tenant-a",
		Fields:   map[string]any{"status": "failed"},
	})

	time.Sleep(20 * time.Millisecond)
	if criticalMock.CallCount() != 1 {
		t.Errorf("calls = %d, want 1 failed-chain notification", criticalMock.CallCount())
	}
}

func TestBridge_IgnoresSuccessfulChainCompletion(t *testing.T) {
	reg, _, criticalMock := newTestRegistry(t)
	router := NewRouter(SeverityRoute{Critical: []string{"ops-slack"}}, nil, reg, logr.Discard())
	bus := events.NewBus(8, logr.Discard())
	bridge := NewBridge(router, bus, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	bus.Publish(events.Event{
		Type:     events.TypeChainCompleted,
		ActionID: "a1",
		Tenant:   "tenant-a",
		Fields:   map[string]any{"status": "completed"},
	})

	time.Sleep(20 * time.Millisecond)
	if criticalMock.CallCount() != 0 {
		t.Errorf("calls = %d, want 0 (successful completion shouldn't alert)", criticalMock.CallCount())
	}
}
