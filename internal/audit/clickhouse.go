package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/marcus-qen/actiongate/internal/action"
)

func recordOutcome(s string) action.Outcome { return action.Outcome(s) }

// ClickHouseSink is the analytical audit backend: append-only, queried
// by time range, well suited to ClickHouse's MergeTree storage.
type ClickHouseSink struct {
	conn     clickhouse.Conn
	redactor *Redactor
}

// NewClickHouseSink opens a connection to addr/database.
func NewClickHouseSink(addr, database string, redactor *Redactor) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: database},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse audit: %w", err)
	}
	return &ClickHouseSink{conn: conn, redactor: redactor}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, rec Record) error {
	if s.redactor != nil {
		rec = s.redactor.Apply(rec)
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	return s.conn.Exec(ctx, `
		INSERT INTO audit_records
			(action_id, tenant, namespace, outcome, matched_rule, chain_id, action_type,
			 dispatched_at, payload, response_summary, error_summary, compliance_hold)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`, rec.ActionID, rec.Tenant, rec.Namespace, string(rec.Outcome), rec.MatchedRule, rec.ChainID,
		rec.ActionType, rec.DispatchedAt, payload, rec.ResponseSummary, rec.ErrorSummary, rec.ComplianceHold)
}

func (s *ClickHouseSink) Query(ctx context.Context, q Query) (Page, error) {
	where := "WHERE 1=1"
	args := []any{}
	add := func(cond string, val any) {
		where += " AND " + cond + " = ?"
		args = append(args, val)
	}
	if q.Tenant != "" {
		add("tenant", q.Tenant)
	}
	if q.Namespace != "" {
		add("namespace", q.Namespace)
	}
	if q.Outcome != "" {
		add("outcome", string(q.Outcome))
	}
	if q.ActionID != "" {
		add("action_id", q.ActionID)
	}
	if q.ActionType != "" {
		add("action_type", q.ActionType)
	}
	if q.MatchedRule != "" {
		add("matched_rule", q.MatchedRule)
	}
	if !q.From.IsZero() {
		where += " AND dispatched_at >= ?"
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		where += " AND dispatched_at <= ?"
		args = append(args, q.To)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.conn.Query(ctx, fmt.Sprintf(`
		SELECT action_id, tenant, namespace, outcome, matched_rule, chain_id, action_type,
		       dispatched_at, payload, response_summary, error_summary, compliance_hold
		FROM audit_records %s ORDER BY dispatched_at DESC LIMIT ?
	`, where), args...)
	if err != nil {
		return Page{}, fmt.Errorf("query clickhouse audit: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var outcome string
		var payload []byte
		if err := rows.Scan(&rec.ActionID, &rec.Tenant, &rec.Namespace, &outcome,
			&rec.MatchedRule, &rec.ChainID, &rec.ActionType, &rec.DispatchedAt, &payload,
			&rec.ResponseSummary, &rec.ErrorSummary, &rec.ComplianceHold); err != nil {
			return Page{}, fmt.Errorf("scan clickhouse audit record: %w", err)
		}
		rec.Outcome = recordOutcome(outcome)
		_ = json.Unmarshal(payload, &rec.Payload)
		records = append(records, rec)
	}
	return Page{Records: records, Total: len(records)}, nil
}

func (s *ClickHouseSink) Reap(ctx context.Context, before time.Time) (int, error) {
	if err := s.conn.Exec(ctx, `ALTER TABLE audit_records DELETE WHERE dispatched_at < ? AND compliance_hold = 0`, before); err != nil {
		return 0, fmt.Errorf("reap clickhouse audit: %w", err)
	}
	return 0, nil // ClickHouse mutations are async; exact count is unavailable.
}
