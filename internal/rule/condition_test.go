package rule

import (
	"testing"
	"time"

	"github.com/marcus-qen/actiongate/internal/action"
)

func ctxFor(a action.Action) EvalContext {
	return EvalContext{Action: a, Now: time.Date(2026, 1, 15, 14, 30, 0, 0, time.UTC)}
}

func TestEvaluateLeafEq(t *testing.T) {
	a := action.Action{ActionType: "spam"}
	c := action.Condition{Kind: action.KindLeaf, Field: "action.action_type", Op: action.OpEq, Value: "spam"}
	if !Evaluate(c, ctxFor(a), nil) {
		t.Fatal("expected match")
	}
}

func TestEvaluateMissingFieldIsFalse(t *testing.T) {
	a := action.Action{}
	c := action.Condition{Kind: action.KindLeaf, Field: "metadata.env", Op: action.OpEq, Value: "prod"}
	if Evaluate(c, ctxFor(a), nil) {
		t.Fatal("expected missing field to evaluate false")
	}
}

func TestEvaluateNotOfMissingFieldIsTrue(t *testing.T) {
	a := action.Action{}
	leaf := action.Condition{Kind: action.KindLeaf, Field: "metadata.env", Op: action.OpEq, Value: "prod"}
	c := action.Condition{Kind: action.KindNot, Not: &leaf}
	if !Evaluate(c, ctxFor(a), nil) {
		t.Fatal("expected not-of-missing to be true")
	}
}

func TestEvaluateAllRequiresEveryCondition(t *testing.T) {
	a := action.Action{ActionType: "send", Tenant: "t1"}
	c := action.Condition{Kind: action.KindAll, All: []action.Condition{
		{Kind: action.KindLeaf, Field: "action.action_type", Op: action.OpEq, Value: "send"},
		{Kind: action.KindLeaf, Field: "action.tenant", Op: action.OpEq, Value: "t2"},
	}}
	if Evaluate(c, ctxFor(a), nil) {
		t.Fatal("expected all() to fail when one sub-condition fails")
	}
}

func TestEvaluateTimeHour(t *testing.T) {
	a := action.Action{}
	c := action.Condition{Kind: action.KindLeaf, Field: "time.hour", Op: action.OpGte, Value: 14}
	if !Evaluate(c, ctxFor(a), nil) {
		t.Fatal("expected time.hour >= 14 to match at 14:30 UTC")
	}
}

func TestEvaluateRegexAnchored(t *testing.T) {
	a := action.Action{ActionType: "send_email"}
	c := action.Condition{Kind: action.KindLeaf, Field: "action.action_type", Op: action.OpRegex, Value: "^send_.*$"}
	if !Evaluate(c, ctxFor(a), nil) {
		t.Fatal("expected anchored regex to match")
	}
}

func TestSnapshotFirstMatchWins(t *testing.T) {
	rules := []action.Rule{
		{Name: "low-priority", Priority: 10, Enabled: true,
			Condition: action.Condition{Kind: action.KindLeaf, Field: "action.action_type", Op: action.OpEq, Value: "send_email"},
			Verdict:   action.Verdict{Kind: action.VerdictDeduplicate}},
		{Name: "block-spam", Priority: 1, Enabled: true,
			Condition: action.Condition{Kind: action.KindLeaf, Field: "action.action_type", Op: action.OpEq, Value: "spam"},
			Verdict:   action.Verdict{Kind: action.VerdictSuppress}},
	}
	snap := NewSnapshot(rules, DefaultPredicates(nil))
	m := snap.Evaluate(action.Action{ActionType: "spam"}, time.Now(), nil)
	if !m.Matched || m.Rule.Name != "block-spam" {
		t.Fatalf("expected block-spam to match, got %+v", m)
	}
}

func TestSnapshotHardBlockAlwaysWins(t *testing.T) {
	rules := []action.Rule{
		{Name: "allow-everything", Priority: -100, Enabled: true,
			Condition: action.Condition{Kind: action.KindLeaf, Field: "action.provider", Op: action.OpEq, Value: "delete-everything"},
			Verdict:   action.Verdict{Kind: action.VerdictAllow}},
	}
	snap := NewSnapshot(rules, DefaultPredicates(nil))
	m := snap.Evaluate(action.Action{Provider: "delete-everything"}, time.Now(), nil)
	if !m.Matched || !m.Rule.HardBlock {
		t.Fatalf("expected builtin hard block to win over a lower-priority user rule, got %+v", m)
	}
}

func TestSnapshotDisabledRuleSkipped(t *testing.T) {
	rules := []action.Rule{
		{Name: "disabled", Priority: 1, Enabled: false,
			Condition: action.Condition{Kind: action.KindLeaf, Field: "action.action_type", Op: action.OpEq, Value: "spam"},
			Verdict:   action.Verdict{Kind: action.VerdictSuppress}},
	}
	snap := NewSnapshot(rules, DefaultPredicates(nil))
	m := snap.Evaluate(action.Action{ActionType: "spam"}, time.Now(), nil)
	if m.Matched {
		t.Fatalf("expected disabled rule to be skipped, got %+v", m)
	}
}
