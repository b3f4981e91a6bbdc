package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
	"github.com/marcus-qen/actiongate/internal/store"
)

// StepStatus is the per-step lifecycle state within a chain instance.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
	StepWaitingParallel StepStatus = "waiting_parallel"
	StepWaitingSubChain StepStatus = "waiting_sub_chain"
	StepOrphaned        StepStatus = "orphaned"
)

// Status is the terminal or in-flight state of a whole chain instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s != StatusRunning
}

// StepState is the recorded outcome of one step execution within an
// instance.
type StepState struct {
	Name         string         `json:"name"`
	Status       StepStatus     `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	ChildChainID string         `json:"child_chain_id,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
}

// Instance is the per-invocation chain execution record persisted under
// the chain/ key prefix.
type Instance struct {
	ID             string                `json:"id"`
	ChainName      string                `json:"chain_name"`
	ActionID       string                `json:"action_id"`
	Tenant         string                `json:"tenant"`
	Namespace      string                `json:"namespace"`
	CurrentStep    string                `json:"current_step"`
	ExecutionPath  []string              `json:"execution_path"`
	Steps          map[string]*StepState `json:"steps"`
	Status         Status                `json:"status"`
	ParentChainID  string                `json:"parent_chain_id,omitempty"`
	ParentStepName string                `json:"parent_step_name,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	Deadline       time.Time             `json:"deadline,omitempty"`
	Version        int64                 `json:"version"`
}

func (inst *Instance) stepState(name string) *StepState {
	if inst.Steps == nil {
		inst.Steps = map[string]*StepState{}
	}
	s, ok := inst.Steps[name]
	if !ok {
		s = &StepState{Name: name, Status: StepPending}
		inst.Steps[name] = s
	}
	return s
}

func instanceKey(id string) string {
	return store.PrefixChain + id
}

// saveInstance persists inst via CAS, bumping its version; prior must be the
// raw bytes last read (nil for a brand-new instance).
func saveInstance(ctx context.Context, st store.Store, inst *Instance, prior []byte) error {
	inst.Version++
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal chain instance: %w", err)
	}
	if err := st.CAS(ctx, instanceKey(inst.ID), prior, data, 0); err != nil {
		return fmt.Errorf("save chain instance %s: %w", inst.ID, err)
	}
	return nil
}

func loadInstance(ctx context.Context, st store.Store, id string) (*Instance, []byte, error) {
	raw, err := st.Get(ctx, instanceKey(id))
	if err != nil {
		if gwerrors.NotFound(err) {
			return nil, nil, fmt.Errorf("chain instance %s: %w", id, gwerrors.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("read chain instance %s: %w", id, err)
	}
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, nil, fmt.Errorf("unmarshal chain instance %s: %w", id, err)
	}
	return &inst, raw, nil
}
