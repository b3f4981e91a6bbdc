package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

// Memory is an in-process Store backend, modeled on a mutex-guarded map
// of entries with TTL expiry checked on read. Suitable for single-instance
// deployments and tests; not suitable for multi-instance coordination.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	lists   map[string][][]byte
}

type memEntry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		lists:   make(map[string][][]byte),
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, fmt.Errorf("key %s: %w", key, gwerrors.ErrNotFound)
	}
	return e.value, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expireAt: expiry(ttl)}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) CAS(ctx context.Context, key string, expected, new []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	now := time.Now()
	if !ok || e.expired(now) {
		if expected != nil {
			return fmt.Errorf("key %s: %w", key, gwerrors.ErrConflict)
		}
		m.entries[key] = memEntry{value: new, expireAt: expiry(ttl)}
		return nil
	}
	if !bytes.Equal(e.value, expected) {
		return fmt.Errorf("key %s: %w", key, gwerrors.ErrConflict)
	}
	m.entries[key] = memEntry{value: new, expireAt: expiry(ttl)}
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		e = memEntry{value: encodeInt(1), expireAt: expiry(window)}
		m.entries[key] = e
		return 1, nil
	}
	n := decodeInt(e.value) + 1
	e.value = encodeInt(n)
	m.entries[key] = e
	return n, nil
}

func (m *Memory) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var keys []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if cursor != "" {
		for i, k := range keys {
			if k > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start >= len(keys) {
		return nil, "", nil
	}
	end := len(keys)
	next := ""
	if limit > 0 && start+limit < end {
		end = start + limit
		next = keys[end-1]
	}
	return keys[start:end], next, nil
}

func (m *Memory) PushTail(ctx context.Context, key string, item []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], item)
	return nil
}

func (m *Memory) Drain(ctx context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[key]
	delete(m.lists, key)
	return items, nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func encodeInt(n int64) []byte {
	return []byte(fmt.Sprintf("%d", n))
}

func decodeInt(b []byte) int64 {
	var n int64
	fmt.Sscanf(string(b), "%d", &n)
	return n
}
