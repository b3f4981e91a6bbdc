package rule

import (
	"sort"
	"time"

	"github.com/marcus-qen/actiongate/internal/action"
)

// Snapshot is an immutable, sorted rule set. Readers take a reference at
// the start of a dispatch and hold it for that dispatch; the loader
// swaps the root pointer atomically on reload, so a hot reload never
// mutates a live snapshot.
type Snapshot struct {
	rules      []action.Rule
	predicates map[string]Predicate
}

// NewSnapshot builds a sorted snapshot: built-in hard-block rules first
// (in their fixed order), then loaded rules ordered by
// (priority ascending, load order ascending) for a stable tie-break.
func NewSnapshot(loaded []action.Rule, predicates map[string]Predicate) *Snapshot {
	all := make([]action.Rule, 0, len(loaded)+len(builtinRules))
	all = append(all, builtinRules...)
	all = append(all, loaded...)

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].HardBlock != all[j].HardBlock {
			return all[i].HardBlock // hard blocks always sort first
		}
		if all[i].Priority != all[j].Priority {
			return all[i].Priority < all[j].Priority
		}
		return all[i].LoadOrder() < all[j].LoadOrder()
	})

	return &Snapshot{rules: all, predicates: predicates}
}

// Match is the result of evaluating a snapshot against an action.
type Match struct {
	Rule    action.Rule
	Matched bool
}

// Evaluate returns the first enabled rule whose condition matches a, in
// priority order, with a stable tie-break by load order. Returns
// Matched=false (treat as allow) if nothing matches.
func (s *Snapshot) Evaluate(a action.Action, now time.Time, tz *time.Location) Match {
	ctx := EvalContext{Action: a, Now: now, Timezone: tz}
	for _, r := range s.rules {
		if !r.Enabled && !r.HardBlock {
			continue
		}
		if Evaluate(r.Condition, ctx, s.predicates) {
			return Match{Rule: r, Matched: true}
		}
	}
	return Match{}
}

// Rules returns the full sorted rule list (for management listing).
func (s *Snapshot) Rules() []action.Rule {
	out := make([]action.Rule, len(s.rules))
	copy(out, s.rules)
	return out
}
