package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySink is an in-memory ring-buffer audit sink for tests and
// single-instance smoke deployments.
type MemorySink struct {
	mu       sync.Mutex
	records  []Record
	capacity int
	redactor *Redactor
}

// NewMemorySink creates a ring buffer holding at most capacity records.
func NewMemorySink(capacity int, redactor *Redactor) *MemorySink {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemorySink{capacity: capacity, redactor: redactor}
}

func (s *MemorySink) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.redactor != nil {
		rec = s.redactor.Apply(rec)
	}
	s.records = append(s.records, rec)
	if len(s.records) > s.capacity {
		s.records = s.records[len(s.records)-s.capacity:]
	}
	return nil
}

func (s *MemorySink) Query(ctx context.Context, q Query) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Record
	for _, r := range s.records {
		if q.Tenant != "" && r.Tenant != q.Tenant {
			continue
		}
		if q.Namespace != "" && r.Namespace != q.Namespace {
			continue
		}
		if q.Outcome != "" && r.Outcome != q.Outcome {
			continue
		}
		if q.ActionType != "" && r.ActionType != q.ActionType {
			continue
		}
		if q.ActionID != "" && r.ActionID != q.ActionID {
			continue
		}
		if q.MatchedRule != "" && r.MatchedRule != q.MatchedRule {
			continue
		}
		if !q.From.IsZero() && r.DispatchedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && r.DispatchedAt.After(q.To) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].DispatchedAt.Before(matched[j].DispatchedAt)
	})

	limit := q.Limit
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	return Page{Records: matched[:limit], Total: len(matched)}, nil
}

func (s *MemorySink) Reap(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []Record
	removed := 0
	for _, r := range s.records {
		if r.DispatchedAt.Before(before) && !r.ComplianceHold {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}
