// Package events implements the in-process event bus: a real-time
// publish/subscribe stream of lifecycle events consumed by the
// streaming endpoint and, internally, by workers that react to their
// own prior output. Generalized from the teacher's CRD-based AgentEvent
// bus (publish/consume/TTL-expiry) onto an in-memory fan-out channel,
// since there is no control-plane-wide CRD to persist events in here;
// a single gateway process is the unit of delivery and a slow
// subscriber degrades by dropping, never by blocking a publisher.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Type enumerates the lifecycle event kinds carried on the bus.
type Type string

const (
	TypeActionDispatched  Type = "action_dispatched"
	TypeGroupFlushed      Type = "group_flushed"
	TypeChainAdvanced     Type = "chain_advanced"
	TypeChainStepComplete Type = "chain_step_completed"
	TypeChainCompleted    Type = "chain_completed"
	TypeApprovalRequired  Type = "approval_required"
	TypeApprovalResolved  Type = "approval_resolved"
	TypeScheduledDue      Type = "scheduled_action_due"
	TypeGroupEventAdded   Type = "group_event_added"
	TypeGroupResolved     Type = "group_resolved"
	TypeTimeout           Type = "timeout"
)

// Event is one item on the bus. Fields is event-type-specific payload,
// e.g. {"matched_rule": "...", "outcome": "..."} for action_dispatched.
type Event struct {
	Type      Type           `json:"type"`
	ActionID  string         `json:"action_id"`
	Tenant    string         `json:"tenant"`
	Namespace string         `json:"namespace"`
	At        time.Time      `json:"at"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// subscriber is one registered consumer's delivery channel.
type subscriber struct {
	ch     chan Event
	filter Filter
}

// Filter narrows a subscription to matching events. A zero-value Filter
// matches everything.
type Filter struct {
	Namespace string
	Tenant    string
	Types     []Type
}

func (f Filter) matches(e Event) bool {
	if f.Namespace != "" && f.Namespace != e.Namespace {
		return false
	}
	if f.Tenant != "" && f.Tenant != e.Tenant {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Bus is an in-process publish/subscribe fan-out for lifecycle events.
// Publish never blocks on a slow subscriber: a subscriber whose buffer
// is full has the event dropped for it and its lag counter incremented,
// per the bus's back-pressure policy.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	bufferSize  int
	log         logr.Logger

	lagMu sync.Mutex
	lag   map[int]int64
}

// NewBus creates an event bus whose per-subscriber buffer holds
// bufferSize pending events before dropping.
func NewBus(bufferSize int, log logr.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		bufferSize:  bufferSize,
		log:         log,
		lag:         make(map[int]int64),
	}
}

// Publish emits e to every matching subscriber. It never blocks: a
// subscriber whose channel is full drops the event and its lag count
// is incremented instead.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subscribers {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.lagMu.Lock()
			b.lag[id]++
			b.lagMu.Unlock()
			b.log.V(1).Info("dropped event for slow subscriber", "subscriber", id, "type", e.Type)
		}
	}
}

// Subscribe registers a new consumer matching filter and returns a
// receive-only channel of matching events plus an unsubscribe func.
// The channel is closed when ctx is done or Unsubscribe is called.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.bufferSize), filter: filter}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub.ch)
		}
		b.mu.Unlock()
		b.lagMu.Lock()
		delete(b.lag, id)
		b.lagMu.Unlock()
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			unsubscribe()
		}()
	}
	return sub.ch, unsubscribe
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// TotalLag returns the sum of dropped-event counts across all
// subscribers still registered, for the bus's lag metric.
func (b *Bus) TotalLag() int64 {
	b.lagMu.Lock()
	defer b.lagMu.Unlock()
	var total int64
	for _, v := range b.lag {
		total += v
	}
	return total
}
