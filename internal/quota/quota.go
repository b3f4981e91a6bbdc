// Package quota implements long-window action budgets
// (namespace, tenant, max_actions, window, overage_behavior) and
// short-window per-rule throttle counters, both atomic via the State
// Store's incr, generalized from the team quota/usage shape this
// codebase has always used for per-tenant resource limits.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marcus-qen/actiongate/internal/store"
)

// Window names supported for quota policies.
const (
	WindowHourly  = "hourly"
	WindowDaily   = "daily"
	WindowWeekly  = "weekly"
	WindowMonthly = "monthly"
)

// OverageBehavior controls what happens past max_actions.
type OverageBehavior string

const (
	OverageBlock OverageBehavior = "block"
	OverageLog   OverageBehavior = "log"
)

// Policy is a quota policy keyed by identifier.
type Policy struct {
	ID              string
	Namespace       string
	Tenant          string
	MaxActions      int64
	Window          string
	CustomWindow    time.Duration // used when Window == "custom"
	OverageBehavior OverageBehavior
	Enabled         bool
}

func (p Policy) windowDuration() time.Duration {
	switch p.Window {
	case WindowHourly:
		return time.Hour
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return 30 * 24 * time.Hour
	default:
		return p.CustomWindow
	}
}

func (p Policy) key() string {
	return fmt.Sprintf("%s%s/%s/%s", store.PrefixQuota, p.Namespace, p.Tenant, p.ID)
}

// Decision is the result of a quota check.
type Decision struct {
	Allowed bool
	Count   int64
	Tagged  bool // true when OverageBehavior=log and the limit was exceeded
}

// Enforcer holds registered policies and checks actions against them via
// the shared State Store, so counts are coalesced across instances.
type Enforcer struct {
	mu       sync.RWMutex
	st       store.Store
	policies map[string]Policy // by policy ID
}

// NewEnforcer creates a quota enforcer backed by st.
func NewEnforcer(st store.Store) *Enforcer {
	return &Enforcer{st: st, policies: make(map[string]Policy)}
}

// Register adds or replaces a policy.
func (e *Enforcer) Register(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.ID] = p
}

// PoliciesFor returns all enabled policies scoped to namespace/tenant.
func (e *Enforcer) PoliciesFor(namespace, tenant string) []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Policy
	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		if p.Namespace != "" && p.Namespace != namespace {
			continue
		}
		if p.Tenant != "" && p.Tenant != tenant {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Check performs an atomic incr against every policy scoped to
// namespace/tenant. If any block-behavior policy is exceeded, the
// action terminates as quota_exceeded immediately; log-behavior
// policies tag the decision but still allow.
func (e *Enforcer) Check(ctx context.Context, namespace, tenant string) (Decision, error) {
	tagged := false
	for _, p := range e.PoliciesFor(namespace, tenant) {
		n, err := e.st.Incr(ctx, p.key(), p.windowDuration())
		if err != nil {
			return Decision{}, fmt.Errorf("quota incr for policy %s: %w", p.ID, err)
		}
		if n > p.MaxActions {
			if p.OverageBehavior == OverageBlock {
				return Decision{Allowed: false, Count: n}, nil
			}
			tagged = true
		}
	}
	return Decision{Allowed: true, Tagged: tagged}, nil
}
