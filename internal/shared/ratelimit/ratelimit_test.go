/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package ratelimit

import (
	"testing"
)

func TestAllow_UnderLimits(t *testing.T) {
	l := NewLimiter("webhook-a", DefaultConfig())
	d := l.Allow(false)
	if !d.Allowed {
		t.Fatalf("expected allowed, got: %s", d.Reason)
	}
}

func TestAllow_Concurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.BurstAllowance = 0
	l := NewLimiter("webhook-a", cfg)

	l.RecordStart()

	d := l.Allow(false)
	if d.Allowed {
		t.Fatal("expected blocked by concurrency limit")
	}
}

func TestAllow_ChainedBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.BurstAllowance = 2
	l := NewLimiter("webhook-a", cfg)

	l.RecordStart()

	d := l.Allow(false)
	if d.Allowed {
		t.Fatal("expected blocked for a fresh dispatch")
	}

	d2 := l.Allow(true)
	if !d2.Allowed {
		t.Fatalf("chained dispatch should get burst allowance: %s", d2.Reason)
	}
}

func TestAllow_Rate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerHour = 3
	cfg.MaxConcurrent = 100
	cfg.BurstAllowance = 0
	l := NewLimiter("webhook-a", cfg)

	for i := 0; i < 3; i++ {
		l.RecordStart()
		l.RecordComplete()
	}

	d := l.Allow(false)
	if d.Allowed {
		t.Fatal("expected blocked by rate limit")
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter("webhook-a", Config{})
	l.RecordStart()
	l.RecordStart()
	d := l.Allow(false)
	if !d.Allowed {
		t.Fatalf("zero-value config should mean unlimited, got: %s", d.Reason)
	}
}

func TestRecordStartComplete(t *testing.T) {
	l := NewLimiter("webhook-a", DefaultConfig())

	l.RecordStart()
	l.RecordStart()
	stats := l.GetStats()
	if stats.Concurrent != 2 {
		t.Fatalf("expected 2 concurrent, got %d", stats.Concurrent)
	}

	l.RecordComplete()
	stats = l.GetStats()
	if stats.Concurrent != 1 {
		t.Fatalf("expected 1 concurrent, got %d", stats.Concurrent)
	}

	l.RecordComplete()
	stats = l.GetStats()
	if stats.Concurrent != 0 {
		t.Fatalf("expected 0 concurrent, got %d", stats.Concurrent)
	}

	// Complete on empty should not go negative.
	l.RecordComplete()
	stats = l.GetStats()
	if stats.Concurrent != 0 {
		t.Fatalf("should not go negative, got %d", stats.Concurrent)
	}
}

func TestGetStats(t *testing.T) {
	l := NewLimiter("webhook-a", DefaultConfig())

	l.RecordStart()
	l.RecordStart()
	l.RecordStart()

	stats := l.GetStats()
	if stats.Provider != "webhook-a" {
		t.Fatalf("expected provider name set, got %q", stats.Provider)
	}
	if stats.Concurrent != 3 {
		t.Fatalf("expected 3, got %d", stats.Concurrent)
	}
	if stats.AttemptsLastHour != 3 {
		t.Fatalf("expected 3 attempts in history, got %d", stats.AttemptsLastHour)
	}
}
