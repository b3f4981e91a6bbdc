package worker

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/approval"
	"github.com/marcus-qen/actiongate/internal/audit"
	"github.com/marcus-qen/actiongate/internal/statemachine"
	"github.com/marcus-qen/actiongate/internal/store"
)

type fakeExpirer struct {
	expired []string
}

func (f *fakeExpirer) ExpireApproval(ctx context.Context, actionID string) (action.Result, error) {
	f.expired = append(f.expired, actionID)
	return action.Result{ActionID: actionID, Outcome: action.OutcomeDenied}, nil
}

func TestRetentionReaper_ReapsOldAuditRecordsAndExpiresApprovals(t *testing.T) {
	st := store.NewMemory()
	sink := audit.NewMemorySink(100, nil)
	states := statemachine.NewStore(st)
	approvals := approval.NewManager(st, []byte("test-signing-key-0123456789abcd"))
	expirer := &fakeExpirer{}

	old := time.Now().Add(-48 * time.Hour)
	if err := sink.Write(context.Background(), audit.Record{ActionID: "old-1", DispatchedAt: old}); err != nil {
		t.Fatalf("write old record: %v", err)
	}
	if err := sink.Write(context.Background(), audit.Record{ActionID: "held-1", DispatchedAt: old, ComplianceHold: true}); err != nil {
		t.Fatalf("write held record: %v", err)
	}
	if err := sink.Write(context.Background(), audit.Record{ActionID: "fresh-1", DispatchedAt: time.Now()}); err != nil {
		t.Fatalf("write fresh record: %v", err)
	}

	if _, err := states.TransitionExternal(context.Background(), "machine-a", "fp-1", "open", "test"); err != nil {
		t.Fatalf("seed state record: %v", err)
	}

	if _, err := approvals.Request(context.Background(), "act-expired", "confirm deletion", -time.Minute, false); err != nil {
		t.Fatalf("request expired approval: %v", err)
	}
	if _, err := approvals.Request(context.Background(), "act-live", "confirm deletion", time.Hour, false); err != nil {
		t.Fatalf("request live approval: %v", err)
	}

	reaper := NewRetentionReaper(sink, states, approvals, expirer, 24*time.Hour, logr.Discard())
	if err := reaper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	page, err := sink.Query(context.Background(), audit.Query{})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("remaining audit records = %d, want 2 (held + fresh)", len(page.Records))
	}

	if len(expirer.expired) != 1 || expirer.expired[0] != "act-expired" {
		t.Fatalf("expired approvals = %v, want [act-expired]", expirer.expired)
	}
}

func TestRetentionReaper_NoEligibleRecordsIsNoop(t *testing.T) {
	st := store.NewMemory()
	sink := audit.NewMemorySink(100, nil)
	states := statemachine.NewStore(st)
	approvals := approval.NewManager(st, []byte("test-signing-key-0123456789abcd"))
	expirer := &fakeExpirer{}

	reaper := NewRetentionReaper(sink, states, approvals, expirer, 24*time.Hour, logr.Discard())
	if err := reaper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(expirer.expired) != 0 {
		t.Fatalf("expired %d approvals, want 0", len(expirer.expired))
	}
}
