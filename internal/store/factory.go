package store

import (
	"context"
	"fmt"

	"github.com/marcus-qen/actiongate/internal/config"
)

// New constructs the configured Store backend.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.DSN)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	case "dynamodb":
		return NewDynamoDB(ctx, cfg.DSN)
	case "clickhouse":
		return NewClickHouse(cfg.DSN, "actiongate")
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
