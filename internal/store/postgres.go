package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

// The schema is applied by the migrate CLI (internal/migrate), not here;
// Postgres assumes a kv_store(key text primary key, value bytea,
// expire_at timestamptz) table already exists.
const tableName = "kv_store"

// Postgres is a State Store backend over jackc/pgx/v5, already a direct
// teacher dependency. CAS uses a conditional UPDATE/INSERT; incr uses
// INSERT ... ON CONFLICT DO UPDATE with a window-reset check.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects using dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM `+tableName+` WHERE key=$1 AND (expire_at IS NULL OR expire_at > now())`,
		key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("key %s: %w", key, gwerrors.ErrNotFound)
	}
	if err != nil {
		return nil, &gwerrors.TransientBackend{Backend: "postgres", Err: err}
	}
	return value, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO `+tableName+` (key, value, expire_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, expire_at = $3
	`, key, value, expireAtArg(ttl))
	if err != nil {
		return &gwerrors.TransientBackend{Backend: "postgres", Err: err}
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM `+tableName+` WHERE key=$1`, key)
	if err != nil {
		return &gwerrors.TransientBackend{Backend: "postgres", Err: err}
	}
	return nil
}

func (p *Postgres) CAS(ctx context.Context, key string, expected, new []byte, ttl time.Duration) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE `+tableName+` SET value=$3, expire_at=$4
		WHERE key=$1 AND value=$2 AND (expire_at IS NULL OR expire_at > now())
	`, key, expected, new, expireAtArg(ttl))
	if err != nil {
		return &gwerrors.TransientBackend{Backend: "postgres", Err: err}
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if expected == nil {
		ins, err := p.pool.Exec(ctx, `
			INSERT INTO `+tableName+` (key, value, expire_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, key, new, expireAtArg(ttl))
		if err != nil {
			return &gwerrors.TransientBackend{Backend: "postgres", Err: err}
		}
		if ins.RowsAffected() > 0 {
			return nil
		}
	}
	return fmt.Errorf("key %s: %w", key, gwerrors.ErrConflict)
}

func (p *Postgres) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO `+tableName+` (key, value, expire_at) VALUES ($1, '1', $2)
		ON CONFLICT (key) DO UPDATE SET value =
			CASE WHEN `+tableName+`.expire_at IS NOT NULL AND `+tableName+`.expire_at <= now()
				THEN '1'
				ELSE (`+tableName+`.value::bigint + 1)::text
			END,
			expire_at = CASE WHEN `+tableName+`.expire_at IS NOT NULL AND `+tableName+`.expire_at <= now()
				THEN $2
				ELSE `+tableName+`.expire_at
			END
		RETURNING value::bigint
	`, key, expireAtArg(window)).Scan(&count)
	if err != nil {
		return 0, &gwerrors.TransientBackend{Backend: "postgres", Err: err}
	}
	return count, nil
}

func (p *Postgres) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT key FROM `+tableName+`
		WHERE key LIKE $1 AND key > $2 AND (expire_at IS NULL OR expire_at > now())
		ORDER BY key LIMIT $3
	`, prefix+"%", cursor, limit)
	if err != nil {
		return nil, "", &gwerrors.TransientBackend{Backend: "postgres", Err: err}
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, "", &gwerrors.TransientBackend{Backend: "postgres", Err: err}
		}
		keys = append(keys, k)
	}
	next := ""
	if len(keys) == limit {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

// PushTail and Drain use a separate list_store(key text, seq bigserial,
// item bytea) table since Postgres has no native list value type here.
func (p *Postgres) PushTail(ctx context.Context, key string, item []byte, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO list_store (key, item) VALUES ($1, $2)`, key, item)
	if err != nil {
		return &gwerrors.TransientBackend{Backend: "postgres", Err: err}
	}
	return nil
}

func (p *Postgres) Drain(ctx context.Context, key string) ([][]byte, error) {
	rows, err := p.pool.Query(ctx, `
		WITH deleted AS (
			DELETE FROM list_store WHERE key=$1 RETURNING seq, item
		)
		SELECT item FROM deleted ORDER BY seq
	`, key)
	if err != nil {
		return nil, &gwerrors.TransientBackend{Backend: "postgres", Err: err}
	}
	defer rows.Close()
	var items [][]byte
	for rows.Next() {
		var item []byte
		if err := rows.Scan(&item); err != nil {
			return nil, &gwerrors.TransientBackend{Backend: "postgres", Err: err}
		}
		items = append(items, item)
	}
	return items, nil
}

func expireAtArg(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}
