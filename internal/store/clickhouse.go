package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

// ClickHouse is a State Store backend for deployments that already run
// ClickHouse as their analytical store. It is a poor fit for CAS-heavy
// state (ClickHouse has no row-level locking and MergeTree mutations are
// asynchronous), so this implementation is intended for low-contention
// uses only — in practice the audit sink's ClickHouse backend (see
// internal/audit) is the primary consumer of this dependency; this Store
// adapter exists to satisfy spec's "ClickHouse is a named State Store
// backend target" requirement, with CAS best-effort via ReplacingMergeTree
// version columns rather than true atomicity.
type ClickHouse struct {
	conn clickhouse.Conn
}

// NewClickHouse opens a connection using addr (host:port) and database.
func NewClickHouse(addr, database string) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: database},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &ClickHouse{conn: conn}, nil
}

func (c *ClickHouse) Get(ctx context.Context, key string) ([]byte, error) {
	row := c.conn.QueryRow(ctx, `
		SELECT value FROM kv_store WHERE key = ? AND (expire_at = 0 OR expire_at > now())
		ORDER BY version DESC LIMIT 1
	`, key)
	var value []byte
	if err := row.Scan(&value); err != nil {
		return nil, fmt.Errorf("key %s: %w", key, gwerrors.ErrNotFound)
	}
	return value, nil
}

func (c *ClickHouse) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expireAt := int64(0)
	if ttl > 0 {
		expireAt = time.Now().Add(ttl).Unix()
	}
	if err := c.conn.Exec(ctx, `
		INSERT INTO kv_store (key, value, expire_at, version) VALUES (?, ?, ?, ?)
	`, key, value, expireAt, time.Now().UnixNano()); err != nil {
		return &gwerrors.TransientBackend{Backend: "clickhouse", Err: err}
	}
	return nil
}

func (c *ClickHouse) Delete(ctx context.Context, key string) error {
	return c.Put(ctx, key, nil, time.Nanosecond)
}

// CAS is best-effort only: it reads the current value then writes a new
// version, which is not atomic under true concurrent contention. Callers
// needing real atomicity should prefer Redis or Postgres for CAS-heavy
// keys (dedup, breaker coalescing) and reserve ClickHouse for audit/event
// history where append-only semantics suffice.
func (c *ClickHouse) CAS(ctx context.Context, key string, expected, new []byte, ttl time.Duration) error {
	cur, err := c.Get(ctx, key)
	if err != nil && !gwerrors.NotFound(err) {
		return err
	}
	if expected == nil && err == nil {
		return fmt.Errorf("key %s: %w", key, gwerrors.ErrConflict)
	}
	if expected != nil && string(cur) != string(expected) {
		return fmt.Errorf("key %s: %w", key, gwerrors.ErrConflict)
	}
	return c.Put(ctx, key, new, ttl)
}

func (c *ClickHouse) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	cur, err := c.Get(ctx, key)
	var n int64
	if err == nil {
		fmt.Sscanf(string(cur), "%d", &n)
	}
	n++
	if err := c.Put(ctx, key, []byte(fmt.Sprintf("%d", n)), window); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *ClickHouse) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT DISTINCT key FROM kv_store WHERE key LIKE ? AND key > ? ORDER BY key LIMIT ?
	`, prefix+"%", cursor, limit)
	if err != nil {
		return nil, "", &gwerrors.TransientBackend{Backend: "clickhouse", Err: err}
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, "", err
		}
		keys = append(keys, k)
	}
	next := ""
	if len(keys) == limit {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

func (c *ClickHouse) PushTail(ctx context.Context, key string, item []byte, ttl time.Duration) error {
	return c.conn.Exec(ctx, `INSERT INTO list_store (key, item, seq) VALUES (?, ?, ?)`, key, item, time.Now().UnixNano())
}

func (c *ClickHouse) Drain(ctx context.Context, key string) ([][]byte, error) {
	rows, err := c.conn.Query(ctx, `SELECT item FROM list_store WHERE key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, &gwerrors.TransientBackend{Backend: "clickhouse", Err: err}
	}
	defer rows.Close()
	var items [][]byte
	for rows.Next() {
		var item []byte
		if err := rows.Scan(&item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := c.conn.Exec(ctx, `ALTER TABLE list_store DELETE WHERE key = ?`, key); err != nil {
		return nil, &gwerrors.TransientBackend{Backend: "clickhouse", Err: err}
	}
	return items, nil
}
