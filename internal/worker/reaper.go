package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/approval"
	"github.com/marcus-qen/actiongate/internal/audit"
	"github.com/marcus-qen/actiongate/internal/statemachine"
)

// ApprovalExpirer resolves a parked action's approval as expired,
// denying it and re-entering the pipeline's terminal handling.
type ApprovalExpirer interface {
	ExpireApproval(ctx context.Context, actionID string) (action.Result, error)
}

// RetentionReaper sweeps audit records, event-state records, and
// past-deadline approval tokens past their retention window, deleting
// or resolving each past its TTL except compliance-held audit records.
type RetentionReaper struct {
	audit     audit.Sink
	states    *statemachine.Store
	approvals *approval.Manager
	expirer   ApprovalExpirer
	retention time.Duration
	log       logr.Logger
}

// NewRetentionReaper creates the retention-sweep worker. retention is
// the audit/event-state retention window (config AuditConfig.RetentionPeriod).
func NewRetentionReaper(sink audit.Sink, states *statemachine.Store, approvals *approval.Manager, expirer ApprovalExpirer, retention time.Duration, log logr.Logger) *RetentionReaper {
	return &RetentionReaper{
		audit:     sink,
		states:    states,
		approvals: approvals,
		expirer:   expirer,
		retention: retention,
		log:       log.WithName("retention-reaper"),
	}
}

func (r *RetentionReaper) Name() string { return "retention_reaper" }

func (r *RetentionReaper) RunOnce(ctx context.Context) error {
	now := time.Now()
	cutoff := now.Add(-r.retention)

	auditDeleted, err := r.audit.Reap(ctx, cutoff)
	if err != nil {
		r.log.Error(err, "audit reap failed")
	} else if auditDeleted > 0 {
		r.log.V(1).Info("reaped audit records", "count", auditDeleted, "before", cutoff)
	}

	stateDeleted, err := r.states.Reap(ctx, cutoff)
	if err != nil {
		r.log.Error(err, "event state reap failed")
	} else if stateDeleted > 0 {
		r.log.V(1).Info("reaped event states", "count", stateDeleted, "before", cutoff)
	}

	if err := r.reapApprovals(ctx, now); err != nil {
		r.log.Error(err, "approval reap failed")
	}

	return nil
}

func (r *RetentionReaper) reapApprovals(ctx context.Context, now time.Time) error {
	pending, err := r.approvals.ListPendingPastDeadline(ctx, now)
	if err != nil {
		return fmt.Errorf("list pending approvals: %w", err)
	}
	for _, tok := range pending {
		if _, err := r.expirer.ExpireApproval(ctx, tok.ActionID); err != nil {
			r.log.Error(err, "expire approval failed", "action_id", tok.ActionID)
		}
	}
	return nil
}
