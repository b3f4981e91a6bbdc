/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the action gateway.
//
// All metrics are registered with the default Prometheus registry. No
// HTTP handler in this repository serves that registry.
//
// Metric naming follows Prometheus conventions:
//   - actiongate_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ActionsTotal counts dispatched actions by tenant and terminal outcome.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiongate_actions_total",
			Help: "Total actions processed by tenant and outcome.",
		},
		[]string{"tenant", "outcome"},
	)

	// PipelineDurationSeconds is a histogram of end-to-end pipeline
	// evaluation duration by outcome.
	PipelineDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actiongate_pipeline_duration_seconds",
			Help:    "Duration of a pipeline pass in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
		[]string{"outcome"},
	)

	// ProviderCallsTotal counts provider dispatch attempts by provider and result.
	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiongate_provider_calls_total",
			Help: "Total provider dispatch attempts by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// ProviderCallDurationSeconds is a histogram of provider call latency.
	ProviderCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actiongate_provider_call_duration_seconds",
			Help:    "Duration of a single provider dispatch attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// BreakerState reports the current circuit breaker state per
	// provider, as a gauge: 0=closed, 1=half_open, 2=open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "actiongate_breaker_state",
			Help: "Circuit breaker state per provider (0=closed,1=half_open,2=open).",
		},
		[]string{"provider"},
	)

	// QuotaExceededTotal counts actions terminated as quota_exceeded.
	QuotaExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiongate_quota_exceeded_total",
			Help: "Total actions blocked by a quota policy.",
		},
		[]string{"namespace", "tenant", "policy"},
	)

	// ChainStepsTotal counts chain step completions by chain and status.
	ChainStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiongate_chain_steps_total",
			Help: "Total chain steps completed by chain name and status.",
		},
		[]string{"chain", "status"},
	)

	// GroupFlushSizeItems is a histogram of item counts per group flush.
	GroupFlushSizeItems = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "actiongate_group_flush_size_items",
			Help:    "Number of items synthesized into a batch action per group flush.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// EventBusLagTotal holds an internal/events.Bus.TotalLag value as a
	// gauge, set through RecordEventBusLag; no worker updates it.
	EventBusLagTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "actiongate_event_bus_lag_total",
			Help: "Cumulative events dropped across all event bus subscribers.",
		},
	)

	// PendingApprovalsTotal is the number of approval tokens currently pending.
	PendingApprovalsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "actiongate_pending_approvals_total",
			Help: "Number of approval tokens currently in pending phase.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ActionsTotal,
		PipelineDurationSeconds,
		ProviderCallsTotal,
		ProviderCallDurationSeconds,
		BreakerState,
		QuotaExceededTotal,
		ChainStepsTotal,
		GroupFlushSizeItems,
		EventBusLagTotal,
		PendingApprovalsTotal,
	)
}

// BreakerStateValue maps a gobreaker state name to the gauge's numeric encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordAction records the terminal outcome of a single dispatched action.
func RecordAction(tenant, outcome string, duration time.Duration) {
	ActionsTotal.WithLabelValues(tenant, outcome).Inc()
	PipelineDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordProviderCall records one provider dispatch attempt.
func RecordProviderCall(provider, result string, duration time.Duration) {
	ProviderCallsTotal.WithLabelValues(provider, result).Inc()
	ProviderCallDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordBreakerState updates the breaker gauge for provider.
func RecordBreakerState(provider, state string) {
	BreakerState.WithLabelValues(provider).Set(BreakerStateValue(state))
}

// RecordQuotaExceeded records a single quota_exceeded termination.
func RecordQuotaExceeded(namespace, tenant, policy string) {
	QuotaExceededTotal.WithLabelValues(namespace, tenant, policy).Inc()
}

// RecordChainStep records a single chain step's terminal status.
func RecordChainStep(chain, status string) {
	ChainStepsTotal.WithLabelValues(chain, status).Inc()
}

// RecordGroupFlush records the item count of one group flush.
func RecordGroupFlush(size int) {
	GroupFlushSizeItems.Observe(float64(size))
}

// RecordEventBusLag sets the current cumulative event bus lag.
func RecordEventBusLag(total int64) {
	EventBusLagTotal.Set(float64(total))
}

// RecordPendingApprovals sets the current pending approval count.
func RecordPendingApprovals(n int) {
	PendingApprovalsTotal.Set(float64(n))
}
