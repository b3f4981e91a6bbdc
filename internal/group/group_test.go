package group

import (
	"context"
	"testing"
	"time"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/store"
)

func TestAddPreservesInsertionOrderOnFlush(t *testing.T) {
	b := NewBuffer(store.NewMemory())
	ctx := context.Background()
	key := "floor=3"

	for i := 0; i < 5; i++ {
		a := action.Action{Metadata: map[string]string{"floor": "3"}, Payload: map[string]any{"seq": i}}
		if _, err := b.Add(ctx, "humidity-group", key, a, time.Minute, time.Second, 100); err != nil {
			t.Fatal(err)
		}
	}

	items, err := b.Flush(ctx, "humidity-group", key)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(items))
	}
	for i, it := range items {
		if it.Payload["seq"] != float64(i) {
			t.Fatalf("item %d out of order: %v", i, it.Payload["seq"])
		}
	}
}

func TestAddSignalsFlushAtMaxSize(t *testing.T) {
	b := NewBuffer(store.NewMemory())
	ctx := context.Background()
	key := "k"

	var flushNow bool
	for i := 0; i < 3; i++ {
		var err error
		flushNow, err = b.Add(ctx, "r", key, action.Action{}, time.Hour, time.Hour, 3)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !flushNow {
		t.Fatal("expected flush signal once size reaches max_size")
	}
}

func TestSynthesizeBuildsBatchPayload(t *testing.T) {
	items := []action.Action{
		{Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "notify", Payload: map[string]any{"x": 1}},
		{Namespace: "ns", Tenant: "t1", Provider: "email", ActionType: "notify", Payload: map[string]any{"x": 2}},
	}
	batch := Synthesize("r", items)
	batchItems, ok := batch.Payload["items"].([]any)
	if !ok || len(batchItems) != 2 {
		t.Fatalf("expected items list of 2, got %v", batch.Payload["items"])
	}
	if !batch.IsBypassed("group:r") {
		t.Fatal("expected synthesized batch to bypass the originating group rule")
	}
}
