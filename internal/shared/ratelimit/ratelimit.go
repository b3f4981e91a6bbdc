/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit throttles dispatch attempts against a single
// provider, in-process and instance-local. It is a distinct layer from
// internal/quota's cross-instance, State-Store-backed action budgets:
// this package bounds how hard one gateway instance hammers one
// downstream provider, not how many actions a tenant is entitled to.
//
// It enforces:
//   - A per-provider concurrency cap (in-flight dispatch attempts)
//   - A per-provider runs/hour cap
//   - A burst allowance for dispatches that are already mid-chain, so a
//     chain step never stalls behind a fresh throttle window
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config configures one provider's limiter.
type Config struct {
	// MaxConcurrent is the limit on simultaneous in-flight attempts
	// against the provider.
	MaxConcurrent int

	// MaxPerHour is the limit on total attempts against the provider
	// per rolling hour.
	MaxPerHour int

	// BurstAllowance extends both limits for dispatches that are
	// already part of an in-flight chain.
	BurstAllowance int
}

// DefaultConfig returns permissive defaults suitable for a provider with
// no explicit throttle configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  10,
		MaxPerHour:     1000,
		BurstAllowance: 5,
	}
}

// Decision represents whether a dispatch attempt is allowed and why.
type Decision struct {
	Allowed bool
	Reason  string
}

// Limiter tracks in-flight and historical dispatch attempts for one
// provider.
type Limiter struct {
	provider string
	config   Config

	mu sync.Mutex

	concurrent int
	history    []time.Time
}

// NewLimiter creates a limiter for provider, configured by cfg.
func NewLimiter(provider string, cfg Config) *Limiter {
	return &Limiter{provider: provider, config: cfg}
}

// Allow checks whether a new dispatch attempt is permitted. chained
// marks an attempt that is already part of an in-flight chain, which
// receives the configured burst allowance rather than being throttled
// alongside fresh top-level dispatches.
func (l *Limiter) Allow(chained bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneHistory(now)

	maxConc := l.config.MaxConcurrent
	if maxConc > 0 && chained {
		maxConc += l.config.BurstAllowance
	}
	if maxConc > 0 && l.concurrent >= maxConc {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("provider %s concurrency limit reached (%d/%d)", l.provider, l.concurrent, maxConc),
		}
	}

	maxRate := l.config.MaxPerHour
	if maxRate > 0 && chained {
		maxRate += l.config.BurstAllowance * 10
	}
	if maxRate > 0 && len(l.history) >= maxRate {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("provider %s rate limit reached (%d attempts in last hour, max %d)", l.provider, len(l.history), maxRate),
		}
	}

	return Decision{Allowed: true}
}

// RecordStart marks a dispatch attempt as started.
func (l *Limiter) RecordStart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.concurrent++
	l.history = append(l.history, time.Now())
}

// RecordComplete marks a dispatch attempt as finished.
func (l *Limiter) RecordComplete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.concurrent > 0 {
		l.concurrent--
	}
}

// Stats reports current limiter state, for metrics or status endpoints.
type Stats struct {
	Provider         string
	Concurrent       int
	AttemptsLastHour int
}

// GetStats returns current limiter statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneHistory(time.Now())
	return Stats{
		Provider:         l.provider,
		Concurrent:       l.concurrent,
		AttemptsLastHour: len(l.history),
	}
}

// pruneHistory removes records older than 1 hour.
func (l *Limiter) pruneHistory(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	i := 0
	for i < len(l.history) && l.history[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = l.history[i:]
	}
}
