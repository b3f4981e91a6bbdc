package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus-qen/actiongate/internal/action"
)

// GuardrailVerdict is the outcome of one evaluator call against an
// action considered for llm_guardrail verdict handling.
type GuardrailVerdict struct {
	Flagged bool
	Reason  string
}

// GuardrailEvaluator is the narrow interface an external LLM guardrail
// evaluator must satisfy. Evaluator implementations are deliberately
// out of scope here; the pipeline specifies only the boundary it calls
// across, per the llm_guardrail verdict's evaluator field.
type GuardrailEvaluator interface {
	Evaluate(ctx context.Context, a action.Action) (GuardrailVerdict, error)
}

// GuardrailRegistry resolves a named evaluator for the llm_guardrail
// verdict kind, mirroring the rule engine's named-predicate registry.
type GuardrailRegistry struct {
	mu         sync.RWMutex
	evaluators map[string]GuardrailEvaluator
}

// NewGuardrailRegistry creates an empty registry.
func NewGuardrailRegistry() *GuardrailRegistry {
	return &GuardrailRegistry{evaluators: make(map[string]GuardrailEvaluator)}
}

// Register adds or replaces the evaluator for name.
func (g *GuardrailRegistry) Register(name string, e GuardrailEvaluator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evaluators[name] = e
}

// Evaluate dispatches to the named evaluator. An action matching an
// llm_guardrail verdict with no registered evaluator is not flagged:
// a missing evaluator is a deployment gap, not grounds to block traffic.
func (g *GuardrailRegistry) Evaluate(ctx context.Context, name string, a action.Action) (GuardrailVerdict, error) {
	g.mu.RLock()
	e, ok := g.evaluators[name]
	g.mu.RUnlock()
	if !ok {
		return GuardrailVerdict{}, nil
	}
	v, err := e.Evaluate(ctx, a)
	if err != nil {
		return GuardrailVerdict{}, fmt.Errorf("guardrail %s: %w", name, err)
	}
	return v, nil
}
