// Package statemachine implements Event State: a lifecycle record for a
// fingerprinted domain event, mutated by state_machine rule verdicts and
// by external transition calls. External transitions are authoritative;
// a rule-driven transition that races one is dropped as superseded
// rather than applied or treated as an error (see the open-question
// resolution this package encodes).
package statemachine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/store"
)

// Transition is one recorded state change.
type Transition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`
	External  bool      `json:"external"`
	Source    string    `json:"source,omitempty"`
}

// Record is the persisted lifecycle state for one fingerprint.
type Record struct {
	Fingerprint string       `json:"fingerprint"`
	State       string       `json:"state"`
	History     []Transition `json:"history"`
	// Version increments on every write; external transitions bump it
	// unconditionally (claiming authority), rule-driven transitions
	// include a version-matches precondition and are dropped as
	// superseded on mismatch.
	Version int64 `json:"version"`
}

// Fingerprint computes a stable hash over the designated field values,
// in sorted key order, so field order in the rule definition does not
// change the resulting key.
func Fingerprint(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(fields[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func key(machineName, fingerprint string) string {
	return fmt.Sprintf("%s%s/%s", store.PrefixEvent, machineName, fingerprint)
}

// Store wraps the State Store for event state lifecycle operations.
type Store struct {
	st store.Store
}

// NewStore creates an event state store backed by st.
func NewStore(st store.Store) *Store {
	return &Store{st: st}
}

// Get reads the current record for (machineName, fingerprint), or a
// fresh zero-version record in state "new" if none exists yet.
func (s *Store) Get(ctx context.Context, machineName, fingerprint string) (Record, error) {
	raw, err := s.st.Get(ctx, key(machineName, fingerprint))
	if err != nil {
		if gwerrors.NotFound(err) {
			return Record{Fingerprint: fingerprint, State: "new"}, nil
		}
		return Record{}, fmt.Errorf("read event state: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal event state: %w", err)
	}
	return rec, nil
}

// TransitionExternal applies an authoritative transition from an
// external caller (e.g. the event stream or admin API), unconditionally
// winning over any concurrent rule-driven attempt.
func (s *Store) TransitionExternal(ctx context.Context, machineName, fingerprint, to, source string) (Record, error) {
	return s.apply(ctx, machineName, fingerprint, to, true, source, -1)
}

// TransitionRule applies a rule-driven transition, only if the record's
// version still matches expectVersion (read just prior by the caller).
// A mismatch means an external transition raced and won; the rule
// transition is dropped (not applied, not an error) per the precedence
// this package encodes.
func (s *Store) TransitionRule(ctx context.Context, machineName, fingerprint, to string, expectVersion int64) (Record, superseded bool, err error) {
	rec, err := s.apply(ctx, machineName, fingerprint, to, false, "", expectVersion)
	if err != nil {
		if gwerrors.Conflict(err) {
			current, getErr := s.Get(ctx, machineName, fingerprint)
			return current, true, getErr
		}
		return Record{}, false, err
	}
	return rec, false, nil
}

// Reap deletes event state records whose most recent transition is
// older than before, paginating over the full PrefixEvent keyspace.
func (s *Store) Reap(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	cursor := ""
	for {
		keys, next, err := s.st.List(ctx, store.PrefixEvent, 500, cursor)
		if err != nil {
			return removed, fmt.Errorf("list event states: %w", err)
		}
		for _, k := range keys {
			raw, err := s.st.Get(ctx, k)
			if err != nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if lastTransitionAt(rec).Before(before) {
				if err := s.st.Delete(ctx, k); err == nil {
					removed++
				}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return removed, nil
}

func lastTransitionAt(rec Record) time.Time {
	if len(rec.History) == 0 {
		return time.Time{}
	}
	return rec.History[len(rec.History)-1].At
}

func (s *Store) apply(ctx context.Context, machineName, fingerprint, to string, external bool, source string, expectVersion int64) (Record, error) {
	k := key(machineName, fingerprint)
	raw, err := s.st.Get(ctx, k)
	var current Record
	if err != nil {
		if !gwerrors.NotFound(err) {
			return Record{}, fmt.Errorf("read event state: %w", err)
		}
		current = Record{Fingerprint: fingerprint, State: "new"}
	} else if err := json.Unmarshal(raw, &current); err != nil {
		return Record{}, fmt.Errorf("unmarshal event state: %w", err)
	}

	if !external && expectVersion >= 0 && current.Version != expectVersion {
		return Record{}, fmt.Errorf("event state %s/%s: %w", machineName, fingerprint, gwerrors.ErrConflict)
	}

	updated := current
	updated.History = append(updated.History, Transition{From: current.State, To: to, At: time.Now(), External: external, Source: source})
	updated.State = to
	updated.Version = current.Version + 1

	data, err := json.Marshal(updated)
	if err != nil {
		return Record{}, fmt.Errorf("marshal event state: %w", err)
	}
	if err := s.st.CAS(ctx, k, raw, data, 0); err != nil {
		return Record{}, fmt.Errorf("cas event state: %w", err)
	}
	return updated, nil
}
