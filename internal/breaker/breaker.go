// Package breaker wraps sony/gobreaker with one breaker per provider,
// fallback routing, and failure-count coalescing across instances
// through the State Store.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/store"
)

// Config configures a single provider's breaker.
type Config struct {
	Provider         string
	FailureThreshold uint32
	Cooldown         time.Duration
	FallbackProvider string
}

// Manager holds one gobreaker.CircuitBreaker per configured provider,
// grounded on the circuitbreaker.NewManager(gobreaker.Settings{...})
// pattern observed in the pack's notification integration test.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	configs  map[string]Config
	store    store.Store
	log      logr.Logger
}

// NewManager creates a breaker manager backed by st for cross-instance
// coalescing and configured per provider.
func NewManager(st store.Store, log logr.Logger, configs []Config) *Manager {
	m := &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		store:    st,
		log:      log.WithName("breaker"),
	}
	for _, c := range configs {
		m.Register(c)
	}
	return m
}

// Register adds or replaces the breaker for a provider.
func (m *Manager) Register(c Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threshold := c.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := c.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	c.FailureThreshold = threshold
	c.Cooldown = cooldown
	name := c.Provider
	log := m.log
	m.breakers[c.Provider] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			log.Info("breaker state change", "provider", n, "from", from.String(), "to", to.String())
		},
	})
	m.configs[c.Provider] = c
}

// Execute runs fn through the named provider's breaker. If the breaker
// is open, it returns a gwerrors.CircuitOpen error without calling fn,
// after which the caller (internal/executor) decides whether to route
// to the provider's configured fallback.
//
// Each gobreaker instance only ever sees this process's own calls, so
// on its own it cannot notice that three other gateway instances just
// tripped the same provider. Execute closes that gap by coalescing
// failures through a shared State Store counter keyed by
// CoalescedFailureKey: every failed call increments it (bounded to the
// provider's cooldown window), every success resets it, and a call is
// rejected up front once the coalesced count alone reaches the
// provider's failure threshold, even if this instance's local breaker
// is still closed.
func (m *Manager) Execute(ctx context.Context, provider string, fn func(ctx context.Context) (any, error)) (any, error) {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	cfg := m.configs[provider]
	m.mu.RUnlock()
	if !ok {
		return fn(ctx)
	}

	if m.store != nil && m.peekCoalescedFailures(ctx, provider) >= int64(cfg.FailureThreshold) {
		return nil, &gwerrors.CircuitOpen{Provider: provider}
	}

	result, err := cb.Execute(func() (any, error) { return fn(ctx) })
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &gwerrors.CircuitOpen{Provider: provider}
	}

	if m.store != nil {
		key := CoalescedFailureKey(provider)
		if err != nil {
			if _, cerr := m.store.Incr(ctx, key, cfg.Cooldown); cerr != nil {
				m.log.Error(cerr, "coalesce breaker failure count", "provider", provider)
			}
		} else if derr := m.store.Delete(ctx, key); derr != nil {
			m.log.Error(derr, "reset coalesced breaker failure count", "provider", provider)
		}
	}

	return result, err
}

// peekCoalescedFailures reads the current coalesced failure count for
// provider without incrementing it. Every backend's Incr stores its
// counter as a plain decimal string (see each store implementation),
// so Get can be parsed the same way across backends. Any read failure,
// including a not-yet-created key, is treated as zero: failing open is
// the same posture the rest of this package takes when the store is
// unavailable.
func (m *Manager) peekCoalescedFailures(ctx context.Context, provider string) int64 {
	raw, err := m.store.Get(ctx, CoalescedFailureKey(provider))
	if err != nil {
		return 0
	}
	var n int64
	fmt.Sscanf(string(raw), "%d", &n)
	return n
}

// Fallback returns the configured fallback provider name for provider,
// if any.
func (m *Manager) Fallback(provider string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configs[provider].FallbackProvider
}

// Providers returns the names of every configured provider, for workers
// that need to sweep all breakers (e.g. the half-open prober).
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	return names
}

// State reports the current breaker state for provider.
func (m *Manager) State(provider string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[provider]
	if !ok {
		return "closed"
	}
	return cb.State().String()
}

// CoalescedFailureKey returns the State Store key used to coalesce
// consecutive-failure counts for provider across gateway instances.
func CoalescedFailureKey(provider string) string {
	return fmt.Sprintf("%s%s/failures", store.PrefixBreaker, provider)
}
