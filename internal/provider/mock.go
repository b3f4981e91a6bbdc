package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus-qen/actiongate/internal/action"
)

// MockProvider is a test double implementing Provider. It returns
// pre-configured responses in order, tracking every action it was asked
// to execute, generalized from the teacher's LLM-only mock onto the
// generic Execute contract.
type MockProvider struct {
	mu        sync.Mutex
	name      string
	responses []map[string]any
	errors    []error
	calls     []action.Action
	callIndex int
}

// NewMockProvider creates a mock with queued responses. Each Execute
// call pops the next response/error pair.
func NewMockProvider(name string, responses []map[string]any, errors []error) *MockProvider {
	return &MockProvider{
		name:      name,
		responses: responses,
		errors:    errors,
	}
}

// NewMockProviderSimple creates a mock that succeeds once with a single
// canned response; later calls fail until Reset.
func NewMockProviderSimple(name string, response map[string]any) *MockProvider {
	return NewMockProvider(name, []map[string]any{response}, []error{nil})
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Execute(_ context.Context, a action.Action) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, a)

	if m.callIndex >= len(m.responses) {
		return nil, fmt.Errorf("mock provider %s: no more responses (call #%d)", m.name, m.callIndex)
	}

	resp := m.responses[m.callIndex]
	var err error
	if m.callIndex < len(m.errors) {
		err = m.errors[m.callIndex]
	}
	m.callIndex++

	return resp, err
}

// Calls returns every action passed to Execute, in order.
func (m *MockProvider) Calls() []action.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CallCount returns how many times Execute was called.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears call history and rewinds to the first queued response.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callIndex = 0
}
