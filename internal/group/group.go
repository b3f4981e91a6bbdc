// Package group implements the Group Buffer: a FIFO accumulator keyed
// by (rule_name, composite group-by key) that flushes on whichever of
// three triggers fires first, producing a single synthesized batch
// action.
package group

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/store"
)

// entry is one buffered item plus its insertion timestamp.
type entry struct {
	AddedAt time.Time      `json:"added_at"`
	Action  action.Action  `json:"action"`
}

// metaKey and itemsKey derive the two State Store keys backing a group:
// metaKey tracks timing via put/cas, itemsKey is the push_tail/drain FIFO.
func metaKey(ruleName, groupKey string) string {
	return fmt.Sprintf("%smeta/%s/%s", store.PrefixGroup, ruleName, groupKey)
}

func itemsKey(ruleName, groupKey string) string {
	return fmt.Sprintf("%sitems/%s/%s", store.PrefixGroup, ruleName, groupKey)
}

// meta is the small timing record held at metaKey.
type meta struct {
	FirstAddedAt time.Time `json:"first_added_at"`
	LastAddedAt  time.Time `json:"last_added_at"`
	FlushAt      time.Time `json:"flush_at"`
	Size         int       `json:"size"`
}

// GroupKey computes the composite group-by key for an action from the
// rule verdict's field list, e.g. ["metadata.floor"] -> "metadata.floor=3".
func GroupKey(a action.Action, groupBy []string) string {
	parts := make([]string, 0, len(groupBy))
	for _, field := range groupBy {
		parts = append(parts, fmt.Sprintf("%s=%v", field, fieldValue(a, field)))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func fieldValue(a action.Action, field string) any {
	if strings.HasPrefix(field, "metadata.") {
		return a.Metadata[strings.TrimPrefix(field, "metadata.")]
	}
	if strings.HasPrefix(field, "payload.") {
		return a.Payload[strings.TrimPrefix(field, "payload.")]
	}
	return ""
}

// Buffer manages group accumulation and flush-time computation over a
// Store.
type Buffer struct {
	st store.Store
}

// NewBuffer creates a group buffer backed by st.
func NewBuffer(st store.Store) *Buffer {
	return &Buffer{st: st}
}

// Add appends a to the group buffer keyed by (ruleName, groupKey),
// computing the next flush time as
// min(last_added_at+interval, first_added_at+wait, size==max_size).
func (b *Buffer) Add(ctx context.Context, ruleName, groupKey string, a action.Action, wait, interval time.Duration, maxSize int) (flushNow bool, err error) {
	now := time.Now()
	e := entry{AddedAt: now, Action: a}
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal group entry: %w", err)
	}
	ttl := wait + interval + time.Hour // generous bound; reaper covers orphans
	if err := b.st.PushTail(ctx, itemsKey(ruleName, groupKey), data, ttl); err != nil {
		return false, fmt.Errorf("push group entry: %w", err)
	}

	m, err := b.readMeta(ctx, ruleName, groupKey)
	if err != nil {
		return false, err
	}
	if m == nil {
		m = &meta{FirstAddedAt: now}
	}
	m.LastAddedAt = now
	m.Size++
	m.FlushAt = minTime(m.FirstAddedAt.Add(wait), m.LastAddedAt.Add(interval))

	if err := b.writeMeta(ctx, ruleName, groupKey, m, ttl); err != nil {
		return false, err
	}
	return m.Size >= maxSize, nil
}

// ActivePair identifies one buffered-but-unflushed group.
type ActivePair struct {
	RuleName string
	GroupKey string
}

// ActiveGroups lists every (rule, group_key) pair with a live meta
// record, for the group-flush worker to sweep for due flushes.
func (b *Buffer) ActiveGroups(ctx context.Context) ([]ActivePair, error) {
	var out []ActivePair
	cursor := ""
	prefix := store.PrefixGroup + "meta/"
	for {
		keys, next, err := b.st.List(ctx, prefix, 500, cursor)
		if err != nil {
			return nil, fmt.Errorf("list group meta: %w", err)
		}
		for _, k := range keys {
			rest := strings.TrimPrefix(k, prefix)
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) != 2 {
				continue
			}
			out = append(out, ActivePair{RuleName: parts[0], GroupKey: parts[1]})
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

// DueForFlush reports whether the group at (ruleName, groupKey) has
// passed its computed flush time.
func (b *Buffer) DueForFlush(ctx context.Context, ruleName, groupKey string) (bool, error) {
	m, err := b.readMeta(ctx, ruleName, groupKey)
	if err != nil || m == nil {
		return false, err
	}
	return time.Now().After(m.FlushAt), nil
}

// Flush drains all buffered actions for (ruleName, groupKey) in
// insertion order and clears the meta record. Returns an empty slice if
// nothing was buffered (already flushed by a racing worker).
func (b *Buffer) Flush(ctx context.Context, ruleName, groupKey string) ([]action.Action, error) {
	raw, err := b.st.Drain(ctx, itemsKey(ruleName, groupKey))
	if err != nil {
		return nil, fmt.Errorf("drain group items: %w", err)
	}
	if err := b.st.Delete(ctx, metaKey(ruleName, groupKey)); err != nil {
		return nil, fmt.Errorf("clear group meta: %w", err)
	}

	entries := make([]entry, 0, len(raw))
	for _, item := range raw {
		var e entry
		if err := json.Unmarshal(item, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].AddedAt.Before(entries[j].AddedAt) })

	out := make([]action.Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out, nil
}

// Synthesize builds the single batch action from a flushed group:
// payload {items: [...]}, per spec.
func Synthesize(ruleName string, items []action.Action) action.Action {
	payload := make([]any, len(items))
	for i, it := range items {
		payload[i] = it.Payload
	}
	var first action.Action
	if len(items) > 0 {
		first = items[0]
	}
	batch := action.Action{
		Namespace:  first.Namespace,
		Tenant:     first.Tenant,
		Provider:   first.Provider,
		ActionType: first.ActionType,
		Payload:    map[string]any{"items": payload},
		CreatedAt:  time.Now(),
	}
	batch.Bypass("group:" + ruleName)
	return batch
}

func (b *Buffer) readMeta(ctx context.Context, ruleName, groupKey string) (*meta, error) {
	raw, err := b.st.Get(ctx, metaKey(ruleName, groupKey))
	if err != nil {
		if gwerrors.NotFound(err) {
			return nil, nil // absent is not an error here; treat as a fresh group
		}
		return nil, fmt.Errorf("read group meta: %w", err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal group meta: %w", err)
	}
	return &m, nil
}

func (b *Buffer) writeMeta(ctx context.Context, ruleName, groupKey string, m *meta, ttl time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal group meta: %w", err)
	}
	if err := b.st.Put(ctx, metaKey(ruleName, groupKey), data, ttl); err != nil {
		return fmt.Errorf("write group meta: %w", err)
	}
	return nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
