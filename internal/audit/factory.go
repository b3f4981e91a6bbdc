package audit

import (
	"context"
	"fmt"

	"github.com/marcus-qen/actiongate/internal/config"
)

// New constructs the configured Sink backend.
func New(ctx context.Context, cfg config.AuditConfig) (Sink, error) {
	redactor := NewRedactor(cfg.RedactFields)
	switch cfg.Backend {
	case "", "memory":
		return NewMemorySink(0, redactor), nil
	case "postgres":
		return NewPostgresSink(ctx, cfg.DSN, redactor)
	case "clickhouse":
		return NewClickHouseSink(cfg.DSN, "actiongate", redactor)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
}
