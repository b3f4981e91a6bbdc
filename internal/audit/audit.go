// Package audit implements the append-only audit sink: one record per
// terminal outcome, queryable by tenant/namespace/time/outcome, with
// field-level redaction applied on every write path.
package audit

import (
	"context"
	"time"

	"github.com/marcus-qen/actiongate/internal/action"
)

// Record is an immutable audit entry.
type Record struct {
	ActionID      string              `json:"action_id"`
	Tenant        string              `json:"tenant"`
	Namespace     string              `json:"namespace"`
	Outcome       action.Outcome      `json:"outcome"`
	MatchedRule   string              `json:"matched_rule,omitempty"`
	ChainID       string              `json:"chain_id,omitempty"`
	ActionType    string              `json:"action_type"`
	DispatchedAt  time.Time           `json:"dispatched_at"`
	Payload       map[string]any      `json:"payload,omitempty"`
	ResponseSummary string            `json:"response_summary,omitempty"`
	ErrorSummary  string              `json:"error_summary,omitempty"`

	// ComplianceHold exempts this record from Reap regardless of age,
	// set by an operator on records under legal or investigative hold.
	ComplianceHold bool `json:"compliance_hold,omitempty"`
}

// Query filters an audit search.
type Query struct {
	Tenant      string
	Namespace   string
	Outcome     action.Outcome
	ActionType  string
	ActionID    string
	MatchedRule string
	From, To    time.Time
	Limit       int
	Cursor      string
}

// Page is a paginated query result.
type Page struct {
	Records    []Record
	Total      int
	NextCursor string
}

// Sink is the abstract audit backend contract.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) (Page, error)
	// Reap deletes records whose DispatchedAt is older than before and
	// that are not under a compliance hold.
	Reap(ctx context.Context, before time.Time) (int, error)
}
