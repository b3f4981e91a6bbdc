// Package gwerrors defines the gateway's structured error taxonomy.
// Errors are propagated as typed values and dispatched with errors.As,
// never by string matching or panics across a component boundary.
package gwerrors

import "fmt"

// ValidationError indicates a malformed action or rule, surfaced to the
// caller at ingestion time with a client-visible message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TransientBackend indicates the state store or audit sink is
// unavailable; the caller may retry briefly before giving up.
type TransientBackend struct {
	Backend string
	Err     error
}

func (e *TransientBackend) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
}

func (e *TransientBackend) Unwrap() error { return e.Err }

// ProviderError wraps a failure from a provider call, classified as
// Retryable (network, 5xx, timeout) or terminal (4xx, auth, bad config).
type ProviderError struct {
	Provider  string
	Retryable bool
	Code      string
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provider %s: %s (%s): %v", e.Provider, kind, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CircuitOpen indicates a breaker rejected a call outright.
type CircuitOpen struct {
	Provider string
}

func (e *CircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for provider %s", e.Provider)
}

// ChainError wraps a per-step chain failure; Policy records how the step
// declared it should be handled.
type ChainError struct {
	ChainID  string
	Step     string
	Policy   string
	Err      error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s step %s (%s): %v", e.ChainID, e.Step, e.Policy, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Sentinel errors for the State Store contract (spec §4.1).
var (
	ErrNotFound = fmt.Errorf("not found")
	ErrConflict = fmt.Errorf("conflict")
)

// NotFound reports whether err is (or wraps) ErrNotFound.
func NotFound(err error) bool { return isSentinel(err, ErrNotFound) }

// Conflict reports whether err is (or wraps) ErrConflict, i.e. a cas loser.
func Conflict(err error) bool { return isSentinel(err, ErrConflict) }

func isSentinel(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
