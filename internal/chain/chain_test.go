package chain

import "testing"

func TestRenderPayloadSubstitutesPriorStepOutput(t *testing.T) {
	ctx := renderContext{Steps: map[string]map[string]any{
		"validate": {"user_id": "u-42"},
	}}
	tpl := map[string]any{
		"to":      "{{.Steps.validate.user_id}}",
		"literal": 7,
	}
	out, err := renderPayload(tpl, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out["to"] != "u-42" {
		t.Fatalf("expected rendered user id, got %v", out["to"])
	}
	if out["literal"] != 7 {
		t.Fatalf("expected literal value preserved, got %v", out["literal"])
	}
}

func TestEvaluateBranchesFirstMatchWins(t *testing.T) {
	branches := []Branch{
		{Field: "status", Op: "eq", Value: "ok", Target: "fulfill"},
		{Field: "status", Op: "eq", Value: "error", Target: "notify_failure"},
	}
	response := map[string]any{"status": "ok"}
	target, matched := evaluateBranches(branches, response)
	if !matched || target != "fulfill" {
		t.Fatalf("expected fulfill match, got %q matched=%v", target, matched)
	}
}

func TestEvaluateBranchesNoMatch(t *testing.T) {
	branches := []Branch{{Field: "status", Op: "eq", Value: "error", Target: "notify_failure"}}
	_, matched := evaluateBranches(branches, map[string]any{"status": "ok"})
	if matched {
		t.Fatal("expected no branch to match")
	}
}

func TestParseJoinPolicy(t *testing.T) {
	cases := map[string]joinPolicy{
		"all":        {kind: "all"},
		"any":        {kind: "any"},
		"quorum(2)":  {kind: "quorum", n: 2},
	}
	for in, want := range cases {
		got := parseJoinPolicy(in)
		if got.kind != want.kind || got.n != want.n {
			t.Fatalf("parseJoinPolicy(%q) = %+v, want %+v", in, got, want)
		}
	}
}

func TestJoinPolicySatisfied(t *testing.T) {
	if !parseJoinPolicy("any").satisfied(3, 1) {
		t.Fatal("any policy should be satisfied by one success")
	}
	if parseJoinPolicy("all").satisfied(3, 2) {
		t.Fatal("all policy should require every branch to succeed")
	}
	if !parseJoinPolicy("quorum(2)").satisfied(3, 2) {
		t.Fatal("quorum(2) should be satisfied by 2 of 3")
	}
}
