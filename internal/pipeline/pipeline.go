// Package pipeline implements the dispatch pipeline: the component that
// carries every action through quota enforcement, action-level dedup,
// rule evaluation, verdict handling, provider execution, and audit
// write. It is the core this codebase exists to get right, generalized
// from the teacher's reconcile loop (one pass per object, terminal or
// requeued) onto one pass per action (terminal or parked-for-resume).
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/approval"
	"github.com/marcus-qen/actiongate/internal/audit"
	"github.com/marcus-qen/actiongate/internal/chain"
	"github.com/marcus-qen/actiongate/internal/events"
	"github.com/marcus-qen/actiongate/internal/executor"
	"github.com/marcus-qen/actiongate/internal/group"
	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/metrics"
	"github.com/marcus-qen/actiongate/internal/quota"
	"github.com/marcus-qen/actiongate/internal/rule"
	"github.com/marcus-qen/actiongate/internal/schedule"
	"github.com/marcus-qen/actiongate/internal/statemachine"
	"github.com/marcus-qen/actiongate/internal/store"
	"github.com/marcus-qen/actiongate/internal/telemetry"
)

// defaultDedupTTL is used for an action-level dedup claim when neither
// a matched deduplicate-verdict rule nor the action itself supplies one.
const defaultDedupTTL = 5 * time.Minute

// bypassKey names the verdict kind that must not re-fire for a given
// rule on a resumed pass of an action, matching the convention
// internal/group already writes via Action.Bypass.
func bypassKey(kind action.VerdictKind, ruleName string) string {
	return string(kind) + ":" + ruleName
}

// Pipeline wires every supporting component into the decision sequence
// described by the dispatch order: quota, dedup, rule evaluation,
// verdict handling, execution, audit.
type Pipeline struct {
	rules      *rule.Loader
	st         store.Store
	quotaEnf   *quota.Enforcer
	groups     *group.Buffer
	approvals  *approval.Manager
	machines   *statemachine.Store
	schedules  *schedule.Store
	exec       *executor.Executor
	auditSink  audit.Sink
	bus        *events.Bus
	guardrails *GuardrailRegistry
	log        logr.Logger
	timezone   *time.Location

	// orchestrator is wired in after construction via SetOrchestrator,
	// breaking the cycle (the orchestrator needs a Dispatcher, and the
	// pipeline is that Dispatcher).
	orchestrator *chain.Orchestrator
}

// New builds a Pipeline over its supporting components. Call
// SetOrchestrator once the chain orchestrator exists, before serving
// traffic.
func New(
	rules *rule.Loader,
	st store.Store,
	quotaEnf *quota.Enforcer,
	groups *group.Buffer,
	approvals *approval.Manager,
	machines *statemachine.Store,
	schedules *schedule.Store,
	exec *executor.Executor,
	auditSink audit.Sink,
	bus *events.Bus,
	log logr.Logger,
) *Pipeline {
	return &Pipeline{
		rules:      rules,
		st:         st,
		quotaEnf:   quotaEnf,
		groups:     groups,
		approvals:  approvals,
		machines:   machines,
		schedules:  schedules,
		exec:       exec,
		auditSink:  auditSink,
		bus:        bus,
		guardrails: NewGuardrailRegistry(),
		log:        log.WithName("pipeline"),
		timezone:   time.UTC,
	}
}

// SetOrchestrator wires the chain orchestrator, enabling chain verdicts.
func (p *Pipeline) SetOrchestrator(o *chain.Orchestrator) {
	p.orchestrator = o
}

// Guardrails returns the registry of named llm_guardrail evaluators, so
// callers can register the evaluators appropriate to their deployment
// (the evaluators themselves are an external collaborator; the pipeline
// only specifies the narrow interface they must satisfy).
func (p *Pipeline) Guardrails() *GuardrailRegistry {
	return p.guardrails
}

// Dispatch carries a through the full pipeline with side effects and an
// audit write. It satisfies chain.Dispatcher, so a chain step's
// synthesized action is evaluated exactly like any caller-submitted one.
func (p *Pipeline) Dispatch(ctx context.Context, a action.Action) (action.Result, error) {
	return p.run(ctx, a, false)
}

// DryRun evaluates a against the rule set and reports the verdict that
// would apply. Quota and dedup are not checked, and no state is parked,
// no provider is invoked, and no audit is written.
func (p *Pipeline) DryRun(ctx context.Context, a action.Action) (action.Result, error) {
	return p.run(ctx, a, true)
}

func (p *Pipeline) run(ctx context.Context, a action.Action, dryRun bool) (action.Result, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	ctx, span := telemetry.StartDispatchSpan(ctx, a.ActionType, a.Tenant)
	start := time.Now()
	var outcome action.Outcome
	var matchedRuleName string
	defer func() {
		telemetry.EndDispatchSpan(span, string(outcome), matchedRuleName)
		metrics.RecordAction(a.Tenant, string(outcome), time.Since(start))
	}()

	// Rule evaluation is read-only against an immutable snapshot, so it
	// is hoisted ahead of the side-effecting quota/dedup steps: this
	// lets the dedup claim below use the winning rule's TTL on its first
	// write, instead of a provisional claim that a second write would
	// have to correct.
	snap := p.rules.Current()
	match := snap.Evaluate(a, time.Now(), p.timezone)
	if match.Matched {
		matchedRuleName = match.Rule.Name
	}

	if !dryRun {
		if res, handled, err := p.checkQuota(ctx, a); handled {
			outcome = res.Outcome
			return res, err
		}
	}

	if !dryRun {
		res, handled, err := p.checkDedup(ctx, a, match)
		if handled {
			outcome = res.Outcome
			return res, err
		}
	}

	if !match.Matched {
		res, err := p.execute(ctx, a, "", dryRun)
		outcome = res.Outcome
		return res, err
	}

	res, err := p.handleVerdict(ctx, a, match.Rule, dryRun)
	outcome = res.Outcome
	return res, err
}

func (p *Pipeline) checkQuota(ctx context.Context, a action.Action) (action.Result, bool, error) {
	if p.quotaEnf == nil {
		return action.Result{}, false, nil
	}
	dec, err := p.quotaEnf.Check(ctx, a.Namespace, a.Tenant)
	if err != nil {
		res, werr := p.terminal(ctx, a, action.OutcomeFailed, "", fmt.Sprintf("quota check failed: %v", err), false)
		return res, true, werr
	}
	if !dec.Allowed {
		metrics.RecordQuotaExceeded(a.Namespace, a.Tenant, "")
		res, werr := p.terminal(ctx, a, action.OutcomeQuotaExceeded, "", "", false)
		return res, true, werr
	}
	return action.Result{}, false, nil
}

// checkDedup claims the action-level dedup entry when the action itself
// carries a dedup_key, or when the matched rule is a deduplicate
// verdict (in which case the rule name stands in for the key when the
// action supplies none). Returns handled=true with a deduplicated
// result on a losing claim.
func (p *Pipeline) checkDedup(ctx context.Context, a action.Action, match rule.Match) (action.Result, bool, error) {
	key, ttl := dedupKeyAndTTL(a, match)
	if key == "" {
		return action.Result{}, false, nil
	}
	storeKey := fmt.Sprintf("%s%s/%s/%s", store.PrefixDedup, a.Namespace, a.Tenant, key)
	if err := p.st.CAS(ctx, storeKey, nil, []byte(a.ID), ttl); err != nil {
		if gwerrors.Conflict(err) {
			res, werr := p.terminal(ctx, a, action.OutcomeDeduplicated, match.Rule.Name, "", false)
			return res, true, werr
		}
		res, werr := p.terminal(ctx, a, action.OutcomeFailed, match.Rule.Name, fmt.Sprintf("dedup claim failed: %v", err), false)
		return res, true, werr
	}
	return action.Result{}, false, nil
}

func dedupKeyAndTTL(a action.Action, match rule.Match) (string, time.Duration) {
	if match.Matched && match.Rule.Verdict.Kind == action.VerdictDeduplicate {
		key := a.DedupKey
		if key == "" {
			key = match.Rule.Name
		}
		ttl := match.Rule.Verdict.TTL
		if ttl <= 0 {
			ttl = defaultDedupTTL
		}
		return key, ttl
	}
	if a.DedupKey != "" {
		return a.DedupKey, defaultDedupTTL
	}
	return "", 0
}

// handleVerdict dispatches a matched rule's verdict to its handler. The
// deduplicate kind is excluded: it was already resolved in checkDedup,
// so a deduplicate match that reaches here is the claim's winner and
// proceeds exactly like an allow.
func (p *Pipeline) handleVerdict(ctx context.Context, a action.Action, r action.Rule, dryRun bool) (action.Result, error) {
	v := r.Verdict
	switch v.Kind {
	case action.VerdictSuppress:
		return p.terminal(ctx, a, action.OutcomeSuppressed, r.Name, "", dryRun)

	case action.VerdictDeduplicate, action.VerdictAllow:
		return p.execute(ctx, a, r.Name, dryRun)

	case action.VerdictThrottle:
		return p.handleThrottle(ctx, a, r, dryRun)

	case action.VerdictReroute:
		rerouted := a.Derive()
		rerouted.Provider = v.TargetProvider
		return p.executeAs(ctx, rerouted, r.Name, action.OutcomeRerouted, dryRun)

	case action.VerdictModify:
		modified := a.Derive()
		for k, val := range v.Changes {
			if modified.Payload == nil {
				modified.Payload = map[string]any{}
			}
			modified.Payload[k] = val
		}
		// Evaluation does not restart rule matching on the modified
		// form, to prevent loops.
		return p.execute(ctx, modified, r.Name, dryRun)

	case action.VerdictGroup:
		return p.handleGroup(ctx, a, r, dryRun)

	case action.VerdictStateMachine:
		return p.handleStateMachine(ctx, a, r, dryRun)

	case action.VerdictRequireApproval:
		return p.handleApproval(ctx, a, r, dryRun)

	case action.VerdictChain:
		return p.handleChain(ctx, a, r, dryRun)

	case action.VerdictLLMGuardrail:
		return p.handleGuardrail(ctx, a, r, dryRun)

	case action.VerdictSchedule:
		return p.handleSchedule(ctx, a, r, dryRun)

	default:
		return p.execute(ctx, a, r.Name, dryRun)
	}
}

func (p *Pipeline) handleThrottle(ctx context.Context, a action.Action, r action.Rule, dryRun bool) (action.Result, error) {
	if dryRun {
		return action.Result{ActionID: a.ID, Outcome: action.OutcomeThrottled, MatchedRule: r.Name}, nil
	}
	allowed, _, err := quota.Throttle(ctx, p.st, r.Name, a, r.Verdict)
	if err != nil {
		return p.terminal(ctx, a, action.OutcomeFailed, r.Name, fmt.Sprintf("throttle check failed: %v", err), dryRun)
	}
	if !allowed {
		return p.terminal(ctx, a, action.OutcomeThrottled, r.Name, "", dryRun)
	}
	return p.execute(ctx, a, r.Name, dryRun)
}

func (p *Pipeline) handleGroup(ctx context.Context, a action.Action, r action.Rule, dryRun bool) (action.Result, error) {
	bk := bypassKey(action.VerdictGroup, r.Name)
	if a.IsBypassed(bk) {
		// This is a synthesized batch re-entering the pipeline; it
		// already represents one flush and must not be re-buffered.
		return p.execute(ctx, a, r.Name, dryRun)
	}
	if dryRun {
		return action.Result{ActionID: a.ID, Outcome: action.OutcomeGrouped, MatchedRule: r.Name}, nil
	}

	v := r.Verdict
	groupKey := group.GroupKey(a, v.GroupBy)
	flushNow, err := p.groups.Add(ctx, r.Name, groupKey, a, v.Wait, v.Interval, v.MaxGroupSize)
	if err != nil {
		return p.terminal(ctx, a, action.OutcomeFailed, r.Name, fmt.Sprintf("group add failed: %v", err), dryRun)
	}
	p.publish(events.TypeGroupEventAdded, a, map[string]any{"rule": r.Name, "group_key": groupKey})

	if flushNow {
		p.flushGroup(ctx, r.Name, groupKey)
	}
	return p.terminal(ctx, a, action.OutcomeGrouped, r.Name, "", dryRun)
}

// flushGroup drains a due group, synthesizes its batch action, and
// re-enters the pipeline with the group verdict bypassed for ruleName.
// Run from the pipeline's own goroutine (size-triggered flush) or from
// the group-flush worker (time-triggered flush).
func (p *Pipeline) flushGroup(ctx context.Context, ruleName, groupKey string) {
	items, err := p.groups.Flush(ctx, ruleName, groupKey)
	if err != nil {
		p.log.Error(err, "group flush failed", "rule", ruleName, "group_key", groupKey)
		return
	}
	if len(items) == 0 {
		return // already flushed by a racing worker
	}
	batch := group.Synthesize(ruleName, items)
	metrics.RecordGroupFlush(len(items))
	p.publish(events.TypeGroupFlushed, batch, map[string]any{"rule": ruleName, "group_key": groupKey, "size": len(items)})

	go func() {
		if _, err := p.Dispatch(context.Background(), batch); err != nil {
			p.log.Error(err, "dispatch of flushed group batch failed", "rule", ruleName)
		}
	}()
}

// FlushGroupIfDue is called by the group-flush background worker for
// every (rule, group_key) pair it observes past its flush time.
func (p *Pipeline) FlushGroupIfDue(ctx context.Context, ruleName, groupKey string) {
	due, err := p.groups.DueForFlush(ctx, ruleName, groupKey)
	if err != nil || !due {
		return
	}
	p.flushGroup(ctx, ruleName, groupKey)
}

// handleStateMachine computes the event fingerprint, drives a
// transition, and resolves to executed or suppressed depending on
// whether this is the first observation of the fingerprinted event
// (executed, opening it) or a repeat while it remains open (suppressed,
// coalescing flapping duplicates until an external transition call
// closes or acknowledges it).
func (p *Pipeline) handleStateMachine(ctx context.Context, a action.Action, r action.Rule, dryRun bool) (action.Result, error) {
	v := r.Verdict
	fields := map[string]string{}
	for _, f := range v.FingerprintFields {
		fields[f] = fmt.Sprintf("%v", fieldByPath(a, f))
	}
	fp := statemachine.Fingerprint(fields)

	if dryRun {
		return action.Result{ActionID: a.ID, Outcome: action.OutcomeExecuted, MatchedRule: r.Name}, nil
	}

	rec, err := p.machines.Get(ctx, v.StateMachineName, fp)
	if err != nil {
		return p.terminal(ctx, a, action.OutcomeFailed, r.Name, fmt.Sprintf("event state read failed: %v", err), dryRun)
	}

	target := "active"
	if rec.State == "active" {
		_, superseded, err := p.machines.TransitionRule(ctx, v.StateMachineName, fp, "active", rec.Version)
		if err != nil {
			return p.terminal(ctx, a, action.OutcomeFailed, r.Name, fmt.Sprintf("event state transition failed: %v", err), dryRun)
		}
		if superseded {
			// an external transition raced and won; treat this as a
			// fresh observation rather than guessing its intent.
			return p.execute(ctx, a, r.Name, dryRun)
		}
		return p.terminal(ctx, a, action.OutcomeSuppressed, r.Name, "", dryRun)
	}

	if _, _, err := p.machines.TransitionRule(ctx, v.StateMachineName, fp, target, rec.Version); err != nil {
		return p.terminal(ctx, a, action.OutcomeFailed, r.Name, fmt.Sprintf("event state transition failed: %v", err), dryRun)
	}
	return p.execute(ctx, a, r.Name, dryRun)
}

func (p *Pipeline) handleApproval(ctx context.Context, a action.Action, r action.Rule, dryRun bool) (action.Result, error) {
	if dryRun {
		return action.Result{ActionID: a.ID, Outcome: action.OutcomePendingApproval, MatchedRule: r.Name}, nil
	}
	v := r.Verdict
	if _, err := p.approvals.Request(ctx, a.ID, v.Message, v.ApprovalTTL, v.RequireTypedConfirmation); err != nil {
		return p.terminal(ctx, a, action.OutcomeFailed, r.Name, fmt.Sprintf("approval request failed: %v", err), dryRun)
	}
	if err := p.parkPendingAction(ctx, a, r.Name); err != nil {
		p.log.Error(err, "failed to park action pending approval", "action", a.ID)
	}
	metrics.RecordPendingApprovals(1)
	p.publish(events.TypeApprovalRequired, a, map[string]any{"rule": r.Name, "message": v.Message})
	return p.terminal(ctx, a, action.OutcomePendingApproval, r.Name, "", dryRun)
}

// ResolveApproval applies an operator's decision to a parked action. On
// approval it executes the original action directly; rule matching does
// not restart. On denial it writes the denied outcome directly; expiry
// is handled by ExpireApproval. This is the approval resumption path; unlike
// schedule and group resumption it does not re-enter Dispatch.
func (p *Pipeline) ResolveApproval(ctx context.Context, actionID string, approve bool, decidedBy, reason, confirmation string) (action.Result, error) {
	tok, err := p.approvals.Resolve(ctx, actionID, approve, decidedBy, reason, confirmation)
	if err != nil {
		return action.Result{ActionID: actionID, Outcome: action.OutcomeFailed, Error: err.Error()}, err
	}
	parked, perr := p.loadParkedAction(ctx, actionID)
	if perr != nil {
		return action.Result{ActionID: actionID, Outcome: action.OutcomeFailed, Error: perr.Error()}, perr
	}
	p.publish(events.TypeApprovalResolved, parked, map[string]any{"phase": string(tok.Phase), "decided_by": decidedBy})
	if approve {
		return p.execute(ctx, parked, "", false)
	}
	return p.terminal(ctx, parked, action.OutcomeDenied, "", reason, false)
}

// ExpireApproval is called by the retention/approval reaper for a
// pending token past its deadline, resolving it to denied.
func (p *Pipeline) ExpireApproval(ctx context.Context, actionID string) (action.Result, error) {
	if _, err := p.approvals.Expire(ctx, actionID); err != nil {
		return action.Result{}, err
	}
	parked, perr := p.loadParkedAction(ctx, actionID)
	if perr != nil {
		return action.Result{}, perr
	}
	p.publish(events.TypeTimeout, parked, map[string]any{"reason": "approval_expired"})
	return p.terminal(ctx, parked, action.OutcomeDenied, "", "approval expired", false)
}

func (p *Pipeline) handleChain(ctx context.Context, a action.Action, r action.Rule, dryRun bool) (action.Result, error) {
	if dryRun {
		return action.Result{ActionID: a.ID, Outcome: action.OutcomeChainStarted, MatchedRule: r.Name}, nil
	}
	if p.orchestrator == nil {
		return p.terminal(ctx, a, action.OutcomeFailed, r.Name, "chain orchestrator not configured", dryRun)
	}
	instanceID, err := p.orchestrator.Start(ctx, r.Verdict.ChainName, a, 0)
	if err != nil {
		return p.terminal(ctx, a, action.OutcomeFailed, r.Name, fmt.Sprintf("start chain %s: %v", r.Verdict.ChainName, err), dryRun)
	}
	res, werr := p.terminal(ctx, a, action.OutcomeChainStarted, r.Name, "", dryRun)
	res.Response = map[string]any{"chain_instance_id": instanceID}
	return res, werr
}

func (p *Pipeline) handleGuardrail(ctx context.Context, a action.Action, r action.Rule, dryRun bool) (action.Result, error) {
	v := r.Verdict
	verdict, err := p.guardrails.Evaluate(ctx, v.Evaluator, a)
	if err != nil {
		return p.terminal(ctx, a, action.OutcomeFailed, r.Name, fmt.Sprintf("guardrail %s failed: %v", v.Evaluator, err), dryRun)
	}
	if verdict.Flagged && v.BlockOnFlag {
		if v.SendTo != "" {
			rerouted := a.Derive()
			rerouted.Provider = v.SendTo
			return p.executeAs(ctx, rerouted, r.Name, action.OutcomeRerouted, dryRun)
		}
		return p.terminal(ctx, a, action.OutcomeSuppressed, r.Name, verdict.Reason, dryRun)
	}
	return p.execute(ctx, a, r.Name, dryRun)
}

func (p *Pipeline) handleSchedule(ctx context.Context, a action.Action, r action.Rule, dryRun bool) (action.Result, error) {
	bk := bypassKey(action.VerdictSchedule, r.Name)
	if a.IsBypassed(bk) {
		return p.execute(ctx, a, r.Name, dryRun)
	}
	if dryRun {
		return action.Result{ActionID: a.ID, Outcome: action.OutcomeScheduled, MatchedRule: r.Name}, nil
	}

	v := r.Verdict
	runAt := schedule.ResolveRunAt(a, v.ScheduleAtField, v.ScheduleDelay, time.Now())
	resumed := a.Derive()
	resumed.Bypass(bk)
	if _, err := p.schedules.Schedule(ctx, runAt, resumed, r.Name, time.Until(runAt)+time.Hour); err != nil {
		return p.terminal(ctx, a, action.OutcomeFailed, r.Name, fmt.Sprintf("schedule failed: %v", err), dryRun)
	}
	return p.terminal(ctx, a, action.OutcomeScheduled, r.Name, "", dryRun)
}

// ResumeDueSchedule claims and re-dispatches one due scheduled entry,
// called by the scheduler background worker.
func (p *Pipeline) ResumeDueSchedule(ctx context.Context, item schedule.DueItem) {
	superseded, err := p.schedules.Claim(ctx, item.Key, item.Entry, time.Minute)
	if err != nil {
		p.log.Error(err, "failed to claim scheduled entry", "key", item.Key)
		return
	}
	if superseded {
		return // another worker instance won the claim
	}
	p.publish(events.TypeScheduledDue, item.Entry.Action, map[string]any{"originating_rule": item.Entry.OriginatingRule})
	// The stored action loses its bypass marks in serialization, so the
	// schedule verdict of the originating rule is bypassed again here.
	resumed := item.Entry.Action.Derive()
	resumed.Bypass(bypassKey(action.VerdictSchedule, item.Entry.OriginatingRule))
	if _, err := p.Dispatch(ctx, resumed); err != nil {
		p.log.Error(err, "dispatch of due scheduled action failed", "action", item.Entry.Action.ID)
	}
	if err := p.schedules.Complete(ctx, item.Key); err != nil {
		p.log.Error(err, "failed to complete scheduled entry", "key", item.Key)
	}
}

// executeAs runs execute but reports terminalOutcome (e.g. rerouted)
// instead of executed/failed when the dispatch itself succeeds.
func (p *Pipeline) executeAs(ctx context.Context, a action.Action, ruleName string, terminalOutcome action.Outcome, dryRun bool) (action.Result, error) {
	res, err := p.execute(ctx, a, ruleName, dryRun)
	if res.Outcome == action.OutcomeExecuted {
		res.Outcome = terminalOutcome
	}
	return res, err
}

// execute invokes the executor against the action's provider and
// writes the terminal outcome.
func (p *Pipeline) execute(ctx context.Context, a action.Action, ruleName string, dryRun bool) (action.Result, error) {
	if dryRun {
		return action.Result{ActionID: a.ID, Outcome: action.OutcomeExecuted, MatchedRule: ruleName}, nil
	}
	if p.exec == nil || a.Provider == "" {
		return p.terminal(ctx, a, action.OutcomeFailed, ruleName, "no provider configured", dryRun)
	}

	start := time.Now()
	resp, err := p.exec.Dispatch(ctx, a.Provider, a)
	metrics.RecordProviderCall(a.Provider, resultLabel(err), time.Since(start))

	if err != nil {
		res, werr := p.terminal(ctx, a, action.OutcomeFailed, ruleName, err.Error(), dryRun)
		return res, werr
	}
	res, werr := p.terminal(ctx, a, action.OutcomeExecuted, ruleName, "", dryRun)
	res.Response = resp
	return res, werr
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// terminal writes the audit record (unless dry_run) and publishes the
// action_dispatched event, returning the caller-facing Result.
func (p *Pipeline) terminal(ctx context.Context, a action.Action, outcome action.Outcome, ruleName, errMsg string, dryRun bool) (action.Result, error) {
	res := action.Result{
		ActionID:    a.ID,
		Outcome:     outcome,
		MatchedRule: ruleName,
		Error:       errMsg,
	}
	if dryRun {
		return res, nil
	}

	_, auditSpan := telemetry.StartAuditWriteSpan(ctx, a.ID)
	rec := audit.Record{
		ActionID:     a.ID,
		Tenant:       a.Tenant,
		Namespace:    a.Namespace,
		Outcome:      outcome,
		MatchedRule:  ruleName,
		ChainID:      a.ChainID,
		ActionType:   a.ActionType,
		DispatchedAt: time.Now(),
		Payload:      a.Payload,
		ErrorSummary: errMsg,
	}
	if res.Response != nil {
		rec.ResponseSummary = fmt.Sprintf("%v", res.Response)
	}
	var writeErr error
	if p.auditSink != nil {
		writeErr = p.auditSink.Write(ctx, rec)
		if writeErr != nil {
			p.log.Error(writeErr, "audit write failed", "action", a.ID, "outcome", string(outcome))
		}
	}
	auditSpan.End()

	p.publish(events.TypeActionDispatched, a, map[string]any{"outcome": string(outcome), "matched_rule": ruleName})
	return res, writeErr
}

func (p *Pipeline) publish(t events.Type, a action.Action, fields map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Type:      t,
		ActionID:  a.ID,
		Tenant:    a.Tenant,
		Namespace: a.Namespace,
		Fields:    fields,
	})
}

func fieldByPath(a action.Action, field string) any {
	switch {
	case strings.HasPrefix(field, "metadata."):
		return a.Metadata[strings.TrimPrefix(field, "metadata.")]
	case strings.HasPrefix(field, "payload."):
		return a.Payload[strings.TrimPrefix(field, "payload.")]
	default:
		return nil
	}
}

// parkedActionKey stores the full Action alongside its approval token,
// since the approval package only persists the Token. Keyed separately
// so an approval Resolve/Expire can recover the original action.
func parkedActionKey(actionID string) string {
	return store.PrefixApproval + "parked/" + actionID
}

func (p *Pipeline) parkPendingAction(ctx context.Context, a action.Action, ruleName string) error {
	data, err := marshalParked(a)
	if err != nil {
		return err
	}
	return p.st.Put(ctx, parkedActionKey(a.ID), data, 0)
}

func (p *Pipeline) loadParkedAction(ctx context.Context, actionID string) (action.Action, error) {
	raw, err := p.st.Get(ctx, parkedActionKey(actionID))
	if err != nil {
		return action.Action{}, fmt.Errorf("load parked action %s: %w", actionID, err)
	}
	return unmarshalParked(raw)
}
