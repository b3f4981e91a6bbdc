package audit

import "testing"

func TestRedactorAppliesAtAnyNestingDepth(t *testing.T) {
	r := NewRedactor([]string{"api_key", "card_last4"})
	rec := Record{
		Payload: map[string]any{
			"api_key": "sk-live-abc123",
			"user": map[string]any{
				"card_last4": "4242",
				"name":       "ok",
			},
			"items": []any{
				map[string]any{"card_last4": "1111"},
			},
		},
	}
	out := r.Apply(rec)

	if out.Payload["api_key"] != redactedPlaceholder {
		t.Fatalf("expected top-level field redacted, got %v", out.Payload["api_key"])
	}
	user := out.Payload["user"].(map[string]any)
	if user["card_last4"] != redactedPlaceholder {
		t.Fatalf("expected nested field redacted, got %v", user["card_last4"])
	}
	if user["name"] != "ok" {
		t.Fatalf("expected non-sensitive field untouched, got %v", user["name"])
	}
	items := out.Payload["items"].([]any)
	item0 := items[0].(map[string]any)
	if item0["card_last4"] != redactedPlaceholder {
		t.Fatalf("expected field within list element redacted, got %v", item0["card_last4"])
	}
}

func TestRedactorDoesNotMutateInput(t *testing.T) {
	r := NewRedactor([]string{"secret"})
	rec := Record{Payload: map[string]any{"secret": "x"}}
	_ = r.Apply(rec)
	if rec.Payload["secret"] != "x" {
		t.Fatalf("input record must not be mutated")
	}
}
