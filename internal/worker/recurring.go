package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/store"
)

// RecurringAction is a templated action fired on a cron schedule,
// sketched only as an input to the rule engine: the recurring-action
// cron scheduler itself is in scope, but the templated action it
// produces re-enters the pipeline like any other dispatch and is
// matched against the live rule set exactly the same way.
type RecurringAction struct {
	ID         string
	CronExpr   string // standard 5-field cron expression
	Timezone   string // IANA zone name; empty means UTC
	Namespace  string
	Tenant     string
	Provider   string
	ActionType string
	Payload    map[string]any
}

// RecurringRegistry holds the configured recurring actions the cron
// evaluator sweeps each tick.
type RecurringRegistry struct {
	mu   sync.RWMutex
	defs map[string]RecurringAction
}

// NewRecurringRegistry creates an empty registry.
func NewRecurringRegistry() *RecurringRegistry {
	return &RecurringRegistry{defs: make(map[string]RecurringAction)}
}

// Register adds or replaces a recurring action definition.
func (r *RecurringRegistry) Register(def RecurringAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
}

// List returns every registered recurring action.
func (r *RecurringRegistry) List() []RecurringAction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RecurringAction, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// ActionDispatcher re-enters the pipeline for a synthesized action.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, a action.Action) (action.Result, error)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronEvaluator computes, for each registered recurring action, every
// scheduled fire time between its last check and now, claims each one
// by (recurring_id, fire_time) so a fleet fires it exactly once, and
// dispatches the resulting action.
type CronEvaluator struct {
	registry *RecurringRegistry
	st       store.Store
	dispatch ActionDispatcher
	log      logr.Logger
}

// NewCronEvaluator creates the recurring-action cron worker.
func NewCronEvaluator(registry *RecurringRegistry, st store.Store, dispatch ActionDispatcher, log logr.Logger) *CronEvaluator {
	return &CronEvaluator{registry: registry, st: st, dispatch: dispatch, log: log.WithName("cron-worker")}
}

func (c *CronEvaluator) Name() string { return "cron_evaluator" }

func (c *CronEvaluator) RunOnce(ctx context.Context) error {
	now := time.Now()
	for _, def := range c.registry.List() {
		if err := c.evaluate(ctx, def, now); err != nil {
			c.log.Error(err, "recurring action evaluation failed", "recurring_id", def.ID)
		}
	}
	return nil
}

func (c *CronEvaluator) evaluate(ctx context.Context, def RecurringAction, now time.Time) error {
	sched, err := cronParser.Parse(def.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", def.CronExpr, err)
	}
	loc := time.UTC
	if def.Timezone != "" {
		if l, err := time.LoadLocation(def.Timezone); err == nil {
			loc = l
		}
	}

	from, err := c.lastChecked(ctx, def.ID)
	if err != nil {
		return err
	}
	if from.IsZero() {
		from = now.Add(-time.Minute)
	}

	for fire := sched.Next(from.In(loc)); !fire.After(now); fire = sched.Next(fire) {
		claimed, err := c.claimFire(ctx, def.ID, fire)
		if err != nil {
			return err
		}
		if claimed {
			if _, err := c.dispatch.Dispatch(ctx, buildRecurringAction(def, fire)); err != nil {
				c.log.Error(err, "dispatch of recurring action failed", "recurring_id", def.ID, "fire_time", fire)
			}
		}
	}
	return c.setLastChecked(ctx, def.ID, now)
}

func buildRecurringAction(def RecurringAction, fire time.Time) action.Action {
	return action.Action{
		Namespace:  def.Namespace,
		Tenant:     def.Tenant,
		Provider:   def.Provider,
		ActionType: def.ActionType,
		Payload:    def.Payload,
		Metadata:   map[string]string{"recurring_id": def.ID, "fire_time": fire.UTC().Format(time.RFC3339)},
		CreatedAt:  time.Now(),
	}
}

func lastCheckedKey(id string) string {
	return store.PrefixRecurringClaim + id + "/last_checked"
}

func fireKey(id string, fire time.Time) string {
	return fmt.Sprintf("%s%s/%d", store.PrefixRecurringClaim, id, fire.Unix())
}

func (c *CronEvaluator) lastChecked(ctx context.Context, id string) (time.Time, error) {
	raw, err := c.st.Get(ctx, lastCheckedKey(id))
	if err != nil {
		if gwerrors.NotFound(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("read last checked for %s: %w", id, err)
	}
	t, err := time.Parse(time.RFC3339, string(raw))
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

func (c *CronEvaluator) setLastChecked(ctx context.Context, id string, now time.Time) error {
	if err := c.st.Put(ctx, lastCheckedKey(id), []byte(now.UTC().Format(time.RFC3339)), 0); err != nil {
		return fmt.Errorf("write last checked for %s: %w", id, err)
	}
	return nil
}

// claimFire wins the per-(recurring_id, fire_time) claim so a fleet of
// gateway instances fires this scheduled time exactly once, even if
// more than one instance's evaluate loop reaches it in the same tick.
func (c *CronEvaluator) claimFire(ctx context.Context, id string, fire time.Time) (bool, error) {
	if err := c.st.CAS(ctx, fireKey(id, fire), nil, []byte(instanceID), 24*time.Hour); err != nil {
		if gwerrors.Conflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim fire %s/%d: %w", id, fire.Unix(), err)
	}
	return true, nil
}
