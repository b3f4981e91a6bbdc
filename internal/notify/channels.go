/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify routes internal lifecycle events (breaker trips, chain
// failures, approval timeouts) to an operator channel. Delivery itself is
// delegated to internal/provider's Registry, so Slack/Telegram/email/
// webhook channels are configured once and shared between outbound
// action dispatch and internal alerting; this package owns only
// severity routing and per-tenant rate limiting, generalized from the
// teacher's agent-run notifier onto gateway lifecycle events.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/events"
	"github.com/marcus-qen/actiongate/internal/provider"
)

// Message is an internal lifecycle notification to be routed to an
// operator channel.
type Message struct {
	ActionID  string
	ChainID   string
	Tenant    string
	Severity  string // info, warning, critical
	Title     string
	Body      string
	Timestamp time.Time
}

// SeverityRoute maps severity levels to provider names registered in
// internal/provider's Registry.
type SeverityRoute struct {
	Info     []string
	Warning  []string
	Critical []string
}

// Router dispatches lifecycle notifications to provider channels based
// on severity, rate-limited per tenant.
type Router struct {
	routes   SeverityRoute
	limiter  *RateLimiter
	registry *provider.Registry
	log      logr.Logger
}

// NewRouter creates a notification router backed by the given provider
// registry for delivery.
func NewRouter(routes SeverityRoute, limiter *RateLimiter, registry *provider.Registry, log logr.Logger) *Router {
	return &Router{routes: routes, limiter: limiter, registry: registry, log: log}
}

// Notify sends msg to every provider channel registered for its
// severity, skipping delivery entirely if the tenant is rate-limited.
func (r *Router) Notify(ctx context.Context, msg Message) []error {
	names := r.channelsForSeverity(msg.Severity)
	if len(names) == 0 {
		return nil
	}

	if r.limiter != nil && !r.limiter.Allow(msg.Tenant) {
		r.log.Info("notification rate-limited", "tenant", msg.Tenant)
		return nil
	}

	a := action.Action{
		ID:         msg.ActionID,
		Tenant:     msg.Tenant,
		ActionType: "internal_notification",
		ChainID:    msg.ChainID,
		Payload: map[string]any{
			"text":     fmt.Sprintf("%s [%s] %s — %s", severityEmoji(msg.Severity), strings.ToUpper(msg.Severity), msg.Title, msg.Body),
			"subject":  fmt.Sprintf("[actiongate %s] %s", strings.ToUpper(msg.Severity), msg.Title),
			"body":     msg.Body,
			"severity": msg.Severity,
		},
		CreatedAt: msg.Timestamp,
	}

	var errs []error
	for _, name := range names {
		p, err := r.registry.Get(name)
		if err != nil {
			r.log.Error(err, "notification channel not registered", "provider", name)
			errs = append(errs, err)
			continue
		}
		if _, err := p.Execute(ctx, a); err != nil {
			r.log.Error(err, "notification failed", "provider", name, "tenant", msg.Tenant)
			errs = append(errs, err)
			continue
		}
		r.log.Info("notification sent", "provider", name, "tenant", msg.Tenant, "severity", msg.Severity)
	}
	return errs
}

func (r *Router) channelsForSeverity(severity string) []string {
	switch severity {
	case "critical":
		var all []string
		all = append(all, r.routes.Critical...)
		all = append(all, r.routes.Warning...)
		all = append(all, r.routes.Info...)
		return all
	case "warning":
		var all []string
		all = append(all, r.routes.Warning...)
		all = append(all, r.routes.Info...)
		return all
	default:
		return r.routes.Info
	}
}

// --- Rate Limiter ---

// RateLimiter limits notifications per tenant per hour.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[string][]time.Time
}

// NewRateLimiter creates a rate limiter with the given max per hour per tenant.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[string][]time.Time),
	}
}

// Allow reports whether tenant is within its hourly notification budget,
// recording this call as a send if so.
func (rl *RateLimiter) Allow(tenant string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Hour)

	recent := make([]time.Time, 0, len(rl.counts[tenant]))
	for _, t := range rl.counts[tenant] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		rl.counts[tenant] = recent
		return false
	}

	rl.counts[tenant] = append(recent, now)
	return true
}

// --- Event bridge ---

// lifecycleSeverity classifies the bus event types worth surfacing to an
// operator channel, and at what severity.
var lifecycleSeverity = map[events.Type]string{
	events.TypeChainCompleted:   "warning", // only failed/timed-out chains are forwarded, see Bridge
	events.TypeApprovalRequired: "info",
}

// Bridge subscribes to the event bus and forwards lifecycle events worth
// an operator's attention through Router, decoupling internal alerting
// from the components that raise the events.
type Bridge struct {
	router *Router
	bus    *events.Bus
	log    logr.Logger
}

// NewBridge creates an event-to-notification bridge.
func NewBridge(router *Router, bus *events.Bus, log logr.Logger) *Bridge {
	return &Bridge{router: router, bus: bus, log: log}
}

// Run subscribes to the bus and forwards matching events until ctx is
// cancelled. Intended to run in its own goroutine for the life of the
// process.
func (b *Bridge) Run(ctx context.Context) {
	ch, unsubscribe := b.bus.Subscribe(ctx, events.Filter{
		Types: []events.Type{events.TypeChainCompleted, events.TypeApprovalRequired},
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b.forward(ctx, e)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, e events.Event) {
	severity, ok := lifecycleSeverity[e.Type]
	if !ok {
		return
	}

	title := string(e.Type)
	body := fmt.Sprintf("action %s", e.ActionID)

	switch e.Type {
	case events.TypeChainCompleted:
		status, _ := e.Fields["status"].(string)
		if status != "failed" && status != "timed_out" {
			return
		}
		severity = "critical"
		title = "chain failed"
		body = fmt.Sprintf("chain run for action %s ended as %s", e.ActionID, status)
	case events.TypeApprovalRequired:
		title = "approval required"
		body = fmt.Sprintf("action %s is waiting on approval", e.ActionID)
	}

	msg := Message{
		ActionID:  e.ActionID,
		Tenant:    e.Tenant,
		Severity:  severity,
		Title:     title,
		Body:      body,
		Timestamp: e.At,
	}
	if errs := b.router.Notify(ctx, msg); len(errs) > 0 {
		b.log.Error(errs[0], "lifecycle notification had delivery failures", "event", e.Type, "failures", len(errs))
	}
}

func severityEmoji(severity string) string {
	switch severity {
	case "critical":
		return "🔴"
	case "warning":
		return "🟡"
	case "info":
		return "🔵"
	default:
		return "⚪"
	}
}
