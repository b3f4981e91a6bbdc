// Package schedule implements the Scheduled Action store: a durable,
// time-ordered queue of actions to re-enter the pipeline at a future
// run_at, claimed by the scheduler worker and deleted once dispatched.
//
// Entries are keyed so that a lexical List() over the schedule prefix
// yields chronological order, the same trick internal/group uses for
// meta/items separation but applied to a time axis instead of a
// rule/group-key axis.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/store"
)

// Entry is one scheduled action, persisted as JSON at its key.
type Entry struct {
	RunAt           time.Time     `json:"run_at"`
	Action          action.Action `json:"action"`
	OriginatingRule string        `json:"originating_rule"`
	Claimed         bool          `json:"claimed"`
}

// DueItem pairs a decoded Entry with the store key it lives at, so
// callers can Claim and Complete it without re-deriving the key.
type DueItem struct {
	Key   string
	Entry Entry
}

// itemKey encodes runAt into the key so keys naturally sort
// chronologically: schedule/item/<20-digit zero-padded unix nanos>/<uuid>.
// The uuid suffix disambiguates entries scheduled for the same instant.
func itemKey(runAt time.Time, id string) string {
	return fmt.Sprintf("%sitem/%020d/%s", store.PrefixSchedule, runAt.UnixNano(), id)
}

// Store manages scheduled actions over a State Store.
type Store struct {
	st store.Store
}

// NewStore creates a schedule store backed by st.
func NewStore(st store.Store) *Store {
	return &Store{st: st}
}

// Schedule persists a new entry to run at runAt. ttl bounds how long
// the entry survives past runAt if left unclaimed; it should comfortably
// exceed the scheduler worker's tick interval.
func (s *Store) Schedule(ctx context.Context, runAt time.Time, a action.Action, originatingRule string, ttl time.Duration) (string, error) {
	e := Entry{RunAt: runAt, Action: a, OriginatingRule: originatingRule}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal schedule entry: %w", err)
	}
	key := itemKey(runAt, uuid.NewString())
	if err := s.st.CAS(ctx, key, nil, data, ttl); err != nil {
		return "", fmt.Errorf("claim schedule slot: %w", err)
	}
	return key, nil
}

// Due lists up to limit unclaimed entries whose run_at has passed,
// scanning the schedule prefix in chronological order and stopping
// early once an entry's run_at is still in the future (everything after
// it in key order is later still).
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]DueItem, error) {
	var out []DueItem
	cursor := ""
	for len(out) < limit {
		keys, next, err := s.st.List(ctx, store.PrefixSchedule+"item/", limit, cursor)
		if err != nil {
			return nil, fmt.Errorf("list schedule entries: %w", err)
		}
		if len(keys) == 0 {
			break
		}
		for _, k := range keys {
			raw, err := s.st.Get(ctx, k)
			if err != nil {
				if gwerrors.NotFound(err) {
					continue // reclaimed/expired between List and Get
				}
				return nil, fmt.Errorf("read schedule entry %s: %w", k, err)
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil, fmt.Errorf("unmarshal schedule entry %s: %w", k, err)
			}
			if e.Claimed {
				continue
			}
			if e.RunAt.After(now) {
				return out, nil // chronological order: nothing after this is due yet
			}
			out = append(out, DueItem{Key: k, Entry: e})
			if len(out) >= limit {
				return out, nil
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

// Claim marks the entry at key as claimed via CAS against the raw value
// last observed by Due, so two scheduler instances racing on the same
// tick never both dispatch it. A CAS conflict means another worker won
// the claim; it is reported as superseded, not an error.
func (s *Store) Claim(ctx context.Context, key string, e Entry, ttl time.Duration) (superseded bool, err error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal schedule entry for claim: %w", err)
	}
	claimed := e
	claimed.Claimed = true
	newRaw, err := json.Marshal(claimed)
	if err != nil {
		return false, fmt.Errorf("marshal claimed schedule entry: %w", err)
	}
	if err := s.st.CAS(ctx, key, raw, newRaw, ttl); err != nil {
		if gwerrors.Conflict(err) {
			return true, nil
		}
		return false, fmt.Errorf("claim schedule entry %s: %w", key, err)
	}
	return false, nil
}

// Complete deletes a claimed, dispatched entry.
func (s *Store) Complete(ctx context.Context, key string) error {
	if err := s.st.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete completed schedule entry %s: %w", key, err)
	}
	return nil
}

// ResolveRunAt computes the run_at for a schedule verdict: AtField, when
// set, names an absolute timestamp (RFC3339 string or time.Time) as
// "metadata.<key>" or "payload.<key>", one level deep; otherwise, or when
// that field is missing or unparseable, Delay is added to now.
func ResolveRunAt(a action.Action, atField string, delay time.Duration, now time.Time) time.Time {
	if atField == "" {
		return now.Add(delay)
	}
	v, ok := dottedField(a, atField)
	if !ok {
		return now.Add(delay)
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return now.Add(delay)
}

func dottedField(a action.Action, field string) (any, bool) {
	const metadataPrefix = "metadata."
	const payloadPrefix = "payload."
	switch {
	case len(field) > len(metadataPrefix) && field[:len(metadataPrefix)] == metadataPrefix:
		v, ok := a.Metadata[field[len(metadataPrefix):]]
		return v, ok
	case len(field) > len(payloadPrefix) && field[:len(payloadPrefix)] == payloadPrefix:
		v, ok := a.Payload[field[len(payloadPrefix):]]
		return v, ok
	default:
		return nil, false
	}
}
