package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink is the transactional audit backend, modeled on
// evalgo-org-eve's MetricsRepository row-per-event style, indexed per
// spec on (tenant, dispatched_at) and (action_id).
type PostgresSink struct {
	pool     *pgxpool.Pool
	redactor *Redactor
}

// NewPostgresSink connects using dsn.
func NewPostgresSink(ctx context.Context, dsn string, redactor *Redactor) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres audit: %w", err)
	}
	return &PostgresSink{pool: pool, redactor: redactor}, nil
}

func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	if s.redactor != nil {
		rec = s.redactor.Apply(rec)
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_records
			(action_id, tenant, namespace, outcome, matched_rule, chain_id, action_type,
			 dispatched_at, payload, response_summary, error_summary, compliance_hold)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ActionID, rec.Tenant, rec.Namespace, rec.Outcome, rec.MatchedRule, rec.ChainID,
		rec.ActionType, rec.DispatchedAt, payload, rec.ResponseSummary, rec.ErrorSummary, rec.ComplianceHold)
	if err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

func (s *PostgresSink) Query(ctx context.Context, q Query) (Page, error) {
	where := "WHERE 1=1"
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		where += fmt.Sprintf(" AND %s $%d", cond, len(args))
	}
	if q.Tenant != "" {
		add("tenant =", q.Tenant)
	}
	if q.Namespace != "" {
		add("namespace =", q.Namespace)
	}
	if q.Outcome != "" {
		add("outcome =", string(q.Outcome))
	}
	if q.ActionType != "" {
		add("action_type =", q.ActionType)
	}
	if q.ActionID != "" {
		add("action_id =", q.ActionID)
	}
	if q.MatchedRule != "" {
		add("matched_rule =", q.MatchedRule)
	}
	if !q.From.IsZero() {
		add("dispatched_at >=", q.From)
	}
	if !q.To.IsZero() {
		add("dispatched_at <=", q.To)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT action_id, tenant, namespace, outcome, matched_rule, chain_id, action_type,
		       dispatched_at, payload, response_summary, error_summary, compliance_hold
		FROM audit_records %s ORDER BY dispatched_at DESC LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return Page{}, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(&rec.ActionID, &rec.Tenant, &rec.Namespace, &rec.Outcome,
			&rec.MatchedRule, &rec.ChainID, &rec.ActionType, &rec.DispatchedAt, &payload,
			&rec.ResponseSummary, &rec.ErrorSummary, &rec.ComplianceHold); err != nil {
			return Page{}, fmt.Errorf("scan audit record: %w", err)
		}
		_ = json.Unmarshal(payload, &rec.Payload)
		records = append(records, rec)
	}
	return Page{Records: records, Total: len(records)}, nil
}

func (s *PostgresSink) Reap(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM audit_records WHERE dispatched_at < $1 AND compliance_hold = false
	`, before)
	if err != nil {
		return 0, fmt.Errorf("reap audit records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
