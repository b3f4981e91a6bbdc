package approval

import (
	"context"
	"testing"
	"time"

	"github.com/marcus-qen/actiongate/internal/store"
)

func TestRequestThenApprove(t *testing.T) {
	m := NewManager(store.NewMemory(), []byte("test-key"))
	ctx := context.Background()

	tok, err := m.Request(ctx, "action-1", "approve this?", time.Minute, false)
	if err != nil {
		t.Fatal(err)
	}
	if tok.Phase != PhasePending {
		t.Fatalf("expected pending, got %s", tok.Phase)
	}

	resolved, err := m.Resolve(ctx, "action-1", true, "alice", "looks fine", "")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Phase != PhaseApproved || resolved.DecidedBy != "alice" {
		t.Fatalf("expected approved by alice, got %+v", resolved)
	}
}

func TestResolveTwiceFails(t *testing.T) {
	m := NewManager(store.NewMemory(), []byte("test-key"))
	ctx := context.Background()
	m.Request(ctx, "action-1", "msg", time.Minute, false)
	m.Resolve(ctx, "action-1", true, "alice", "", "")

	_, err := m.Resolve(ctx, "action-1", false, "bob", "", "")
	if err == nil {
		t.Fatal("expected error resolving an already-resolved token")
	}
}

func TestTypedConfirmationRequired(t *testing.T) {
	m := NewManager(store.NewMemory(), []byte("test-key"))
	ctx := context.Background()
	tok, err := m.Request(ctx, "action-1", "destructive action", time.Minute, true)
	if err != nil {
		t.Fatal(err)
	}
	if tok.ConfirmationToken == "" {
		t.Fatal("expected a confirmation token to be generated")
	}

	if _, err := m.Resolve(ctx, "action-1", true, "alice", "", "wrong-token"); err == nil {
		t.Fatal("expected mismatch error with wrong confirmation")
	}

	resolved, err := m.Resolve(ctx, "action-1", true, "alice", "", tok.ConfirmationToken)
	if err != nil {
		t.Fatalf("expected correct confirmation to succeed: %v", err)
	}
	if resolved.Phase != PhaseApproved {
		t.Fatalf("expected approved, got %s", resolved.Phase)
	}
}

func TestExpireClaimsPastDeadlineToken(t *testing.T) {
	m := NewManager(store.NewMemory(), []byte("test-key"))
	ctx := context.Background()
	m.Request(ctx, "action-1", "msg", time.Nanosecond, false)
	time.Sleep(2 * time.Millisecond)

	tok, err := m.Expire(ctx, "action-1")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Phase != PhaseExpired {
		t.Fatalf("expected expired, got %s", tok.Phase)
	}
}
