package chain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/events"
	"github.com/marcus-qen/actiongate/internal/store"
)

// Dispatcher re-enters an action through the dispatch pipeline. The
// pipeline implements this for the orchestrator so a chain step's
// synthesized action is evaluated exactly like any other action
// (including its own rule matching, dedup, and audit).
type Dispatcher interface {
	Dispatch(ctx context.Context, a action.Action) (action.Result, error)
}

// Orchestrator advances chain instances through their step graph. The
// chain definition set is swapped atomically (hot reload never mutates
// a live snapshot, mirroring the rule engine's snapshot discipline).
type Orchestrator struct {
	st         store.Store
	dispatcher Dispatcher
	bus        *events.Bus
	log        logr.Logger

	defs atomic.Pointer[map[string]Definition]

	concurrency int
	sem         chan struct{}
}

// NewOrchestrator creates a chain orchestrator with the given bounded
// advancer concurrency (spec default: 64).
func NewOrchestrator(st store.Store, dispatcher Dispatcher, bus *events.Bus, log logr.Logger, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 64
	}
	o := &Orchestrator{
		st:          st,
		dispatcher:  dispatcher,
		bus:         bus,
		log:         log.WithName("chain"),
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
	}
	empty := map[string]Definition{}
	o.defs.Store(&empty)
	return o
}

// LoadDefinitions atomically swaps the set of known chain definitions.
func (o *Orchestrator) LoadDefinitions(defs []Definition) {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	o.defs.Store(&m)
}

func (o *Orchestrator) definition(name string) (Definition, bool) {
	defs := *o.defs.Load()
	d, ok := defs[name]
	return d, ok
}

// Start registers a new chain instance for chainName against seed (the
// action whose rule match produced the chain verdict) and advances its
// first step. Returns the instance id.
func (o *Orchestrator) Start(ctx context.Context, chainName string, seed action.Action, overallTimeout time.Duration) (string, error) {
	return o.start(ctx, chainName, seed, overallTimeout, "", "")
}

func (o *Orchestrator) start(ctx context.Context, chainName string, seed action.Action, overallTimeout time.Duration, parentChainID, parentStepName string) (string, error) {
	def, ok := o.definition(chainName)
	if !ok {
		return "", fmt.Errorf("chain %q is not defined", chainName)
	}
	first, ok := def.firstStep()
	if !ok {
		return "", fmt.Errorf("chain %q has no steps", chainName)
	}

	inst := &Instance{
		ID:             uuid.NewString(),
		ChainName:      chainName,
		ActionID:       seed.ID,
		Tenant:         seed.Tenant,
		Namespace:      seed.Namespace,
		CurrentStep:    first.Name,
		Steps:          map[string]*StepState{},
		Status:         StatusRunning,
		StartedAt:      time.Now(),
		ParentChainID:  parentChainID,
		ParentStepName: parentStepName,
	}
	if overallTimeout > 0 {
		inst.Deadline = inst.StartedAt.Add(overallTimeout)
	}
	if err := saveInstance(ctx, o.st, inst, nil); err != nil {
		return "", err
	}
	o.publish(events.TypeChainAdvanced, inst, map[string]any{"step": first.Name})

	go o.advanceOne(context.Background(), inst.ID)
	return inst.ID, nil
}

// Tick scans for instances that need attention due to overall timeout.
// Call on a fixed cadence from a background worker; per-step advancing
// itself is event-driven (Start and step completion call advanceOne
// directly) so Tick only needs to sweep for expired chains.
func (o *Orchestrator) Tick(ctx context.Context, ids []string) {
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.checkTimeout(ctx, id)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) checkTimeout(ctx context.Context, id string) {
	inst, raw, err := loadInstance(ctx, o.st, id)
	if err != nil || inst.Status.terminal() {
		return
	}
	if inst.Deadline.IsZero() || time.Now().Before(inst.Deadline) {
		return
	}
	for _, s := range inst.Steps {
		if s.Status == StepRunning {
			s.Status = StepOrphaned
		} else if s.Status == StepPending || s.Status == StepWaitingParallel || s.Status == StepWaitingSubChain {
			s.Status = StepSkipped
		}
	}
	inst.Status = StatusTimedOut
	if err := saveInstance(ctx, o.st, inst, raw); err != nil {
		o.log.Error(err, "failed to persist chain timeout", "instance", id)
		return
	}
	o.publish(events.TypeChainCompleted, inst, map[string]any{"status": string(StatusTimedOut)})
}

// advanceOne runs the current step of instance id, respecting the
// orchestrator's bounded concurrency, then recurses onto whatever step
// follows.
func (o *Orchestrator) advanceOne(ctx context.Context, id string) {
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return
	}

	inst, raw, err := loadInstance(ctx, o.st, id)
	if err != nil {
		o.log.Error(err, "failed to load chain instance", "instance", id)
		return
	}
	if inst.Status.terminal() {
		return
	}
	def, ok := o.definition(inst.ChainName)
	if !ok {
		o.log.Info("chain definition no longer registered", "chain", inst.ChainName)
		return
	}
	step, ok := def.step(inst.CurrentStep)
	if !ok {
		o.finish(ctx, inst, raw, StatusFailed)
		return
	}

	if len(step.Parallel) > 0 {
		o.runParallel(ctx, def, inst, raw, step)
		return
	}
	if step.SubChain != "" {
		o.runSubChain(ctx, def, inst, raw, step)
		return
	}
	o.runSingleStep(ctx, def, inst, raw, step)
}

func (o *Orchestrator) runSingleStep(ctx context.Context, def Definition, inst *Instance, raw []byte, step Step) {
	state := inst.stepState(step.Name)
	state.Status = StepRunning

	stepCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	result, dispatchErr := o.dispatchStep(stepCtx, inst, step)
	succeeded := dispatchErr == nil && result.Outcome == action.OutcomeExecuted

	if succeeded {
		state.Status = StepCompleted
		state.Output = result.Response
	} else {
		state.Status = StepFailed
	}
	inst.ExecutionPath = append(inst.ExecutionPath, step.Name)
	o.publish(events.TypeChainStepComplete, inst, map[string]any{"step": step.Name, "status": string(state.Status)})

	if !succeeded {
		switch step.OnFailure {
		case OnFailureContinue, OnFailureRetryThenContinue:
			// fall through to branch resolution as if completed, so a chain
			// can route around a failed non-critical step
		default: // OnFailureFailChain and unset default to failing the chain
			o.finish(ctx, inst, raw, StatusFailed)
			return
		}
	}

	next, matched := evaluateBranches(step.Branches, state.Output)
	if !matched {
		next = step.DefaultNext
	}
	if next == "" {
		o.finish(ctx, inst, raw, StatusCompleted)
		return
	}
	inst.CurrentStep = next
	if err := saveInstance(ctx, o.st, inst, raw); err != nil {
		o.log.Error(err, "failed to persist chain advance", "instance", inst.ID)
		return
	}
	o.publish(events.TypeChainAdvanced, inst, map[string]any{"step": next})
	o.advanceOne(ctx, inst.ID)
}

func (o *Orchestrator) runParallel(ctx context.Context, def Definition, inst *Instance, raw []byte, step Step) {
	policy := parseJoinPolicy(step.JoinPolicy)
	var succeeded int32
	outputs := make(map[string]map[string]any, len(step.Parallel))
	var mu sync.Mutex

	for _, name := range step.Parallel {
		inst.stepState(name).Status = StepWaitingParallel
	}
	inst.stepState(step.Name).Status = StepRunning

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range step.Parallel {
		branchStep, ok := def.step(name)
		if !ok {
			continue
		}
		branchStep := branchStep
		g.Go(func() error {
			result, err := o.dispatchStep(gctx, inst, branchStep)
			mu.Lock()
			s := inst.stepState(branchStep.Name)
			if err == nil && result.Outcome == action.OutcomeExecuted {
				s.Status = StepCompleted
				s.Output = result.Response
				outputs[branchStep.Name] = result.Response
				atomic.AddInt32(&succeeded, 1)
			} else {
				s.Status = StepFailed
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	ok := policy.satisfied(len(step.Parallel), int(succeeded))
	inst.ExecutionPath = append(inst.ExecutionPath, step.Name)
	if !ok {
		inst.stepState(step.Name).Status = StepFailed
		o.finish(ctx, inst, raw, StatusFailed)
		return
	}
	inst.stepState(step.Name).Status = StepCompleted
	o.publish(events.TypeChainStepComplete, inst, map[string]any{"step": step.Name, "status": "completed"})

	// A parallel step has no single prior step body for evaluateBranches
	// to test, so only DefaultNext applies here; step.Branches is only
	// meaningful after a single-step transition (see runSingleStep).
	next := step.DefaultNext
	if next == "" {
		o.finish(ctx, inst, raw, StatusCompleted)
		return
	}
	inst.CurrentStep = next
	if err := saveInstance(ctx, o.st, inst, raw); err != nil {
		o.log.Error(err, "failed to persist chain advance after parallel step", "instance", inst.ID)
		return
	}
	o.advanceOne(ctx, inst.ID)
}

func (o *Orchestrator) runSubChain(ctx context.Context, def Definition, inst *Instance, raw []byte, step Step) {
	state := inst.stepState(step.Name)
	state.Status = StepWaitingSubChain

	seed := action.Action{ID: inst.ActionID, Tenant: inst.Tenant, Namespace: inst.Namespace}
	childID, err := o.start(ctx, step.SubChain, seed, 0, inst.ID, step.Name)
	if err != nil {
		state.Status = StepFailed
		o.finish(ctx, inst, raw, StatusFailed)
		return
	}
	state.ChildChainID = childID
	if err := saveInstance(ctx, o.st, inst, raw); err != nil {
		o.log.Error(err, "failed to persist sub-chain dispatch", "instance", inst.ID)
		return
	}
	// the parent resumes when ResumeFromChild is called with the child's
	// terminal status (driven by the child's own finish()).
}

// ResumeFromChild advances a parent instance once its sub-chain step's
// child chain has reached a terminal status. The child's final step
// output becomes the parent step's response for branch evaluation.
func (o *Orchestrator) ResumeFromChild(ctx context.Context, parentID, stepName string, childStatus Status, childOutput map[string]any) {
	inst, raw, err := loadInstance(ctx, o.st, parentID)
	if err != nil || inst.Status.terminal() {
		return
	}
	def, ok := o.definition(inst.ChainName)
	if !ok {
		return
	}
	step, ok := def.step(stepName)
	if !ok {
		return
	}
	state := inst.stepState(stepName)
	if childStatus == StatusCompleted {
		state.Status = StepCompleted
		state.Output = childOutput
	} else {
		state.Status = StepFailed
	}
	inst.ExecutionPath = append(inst.ExecutionPath, stepName)

	if state.Status == StepFailed && step.OnFailure != OnFailureContinue && step.OnFailure != OnFailureRetryThenContinue {
		o.finish(ctx, inst, raw, StatusFailed)
		return
	}
	next, matched := evaluateBranches(step.Branches, state.Output)
	if !matched {
		next = step.DefaultNext
	}
	if next == "" {
		o.finish(ctx, inst, raw, StatusCompleted)
		return
	}
	inst.CurrentStep = next
	if err := saveInstance(ctx, o.st, inst, raw); err != nil {
		o.log.Error(err, "failed to persist parent resume", "instance", inst.ID)
		return
	}
	o.advanceOne(ctx, inst.ID)
}

func (o *Orchestrator) dispatchStep(ctx context.Context, inst *Instance, step Step) (action.Result, error) {
	ctxVars := renderContext{Steps: map[string]map[string]any{}}
	for name, s := range inst.Steps {
		if s.Output != nil {
			ctxVars.Steps[name] = s.Output
		}
	}
	payload, err := renderPayload(step.PayloadTemplate, ctxVars)
	if err != nil {
		return action.Result{}, fmt.Errorf("render step %s payload: %w", step.Name, err)
	}
	stepAction := action.Action{
		ID:         uuid.NewString(),
		Namespace:  inst.Namespace,
		Tenant:     inst.Tenant,
		Provider:   step.Provider,
		ActionType: step.ActionType,
		Payload:    payload,
		CreatedAt:  time.Now(),
		ChainID:    inst.ID,
		StepName:   step.Name,
	}
	return o.dispatcher.Dispatch(ctx, stepAction)
}

func (o *Orchestrator) finish(ctx context.Context, inst *Instance, raw []byte, status Status) {
	inst.Status = status
	if err := saveInstance(ctx, o.st, inst, raw); err != nil {
		o.log.Error(err, "failed to persist chain completion", "instance", inst.ID)
		return
	}
	o.publish(events.TypeChainCompleted, inst, map[string]any{"status": string(status), "execution_path": inst.ExecutionPath})

	if inst.ParentChainID != "" {
		var output map[string]any
		if last := lastCompletedOutput(inst); last != nil {
			output = last
		}
		o.ResumeFromChild(ctx, inst.ParentChainID, inst.ParentStepName, status, output)
	}
}

func lastCompletedOutput(inst *Instance) map[string]any {
	for i := len(inst.ExecutionPath) - 1; i >= 0; i-- {
		if s, ok := inst.Steps[inst.ExecutionPath[i]]; ok && s.Output != nil {
			return s.Output
		}
	}
	return nil
}

func (o *Orchestrator) publish(t events.Type, inst *Instance, fields map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:      t,
		ActionID:  inst.ActionID,
		Tenant:    inst.Tenant,
		Namespace: inst.Namespace,
		Fields:    fields,
	})
}
