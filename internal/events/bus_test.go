package events

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	b := NewBus(8, logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, Filter{Tenant: "acme", Types: []Type{TypeActionDispatched}})

	b.Publish(Event{Type: TypeActionDispatched, Tenant: "acme", ActionID: "a1"})
	b.Publish(Event{Type: TypeActionDispatched, Tenant: "other", ActionID: "a2"})
	b.Publish(Event{Type: TypeChainAdvanced, Tenant: "acme", ActionID: "a3"})

	select {
	case e := <-ch:
		if e.ActionID != "a1" {
			t.Fatalf("expected a1, got %s", e.ActionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case e := <-ch:
		t.Fatalf("expected no further matching events, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewBus(1, logr.Discard())
	ch, unsubscribe := b.Subscribe(context.Background(), Filter{})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TypeTimeout, ActionID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	if b.TotalLag() == 0 {
		t.Fatal("expected dropped events to register as lag")
	}
	<-ch
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(4, logr.Discard())
	ch, unsubscribe := b.Subscribe(context.Background(), Filter{})
	unsubscribe()

	_, open := <-ch
	if open {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatal("expected subscriber count to drop to zero")
	}
}
