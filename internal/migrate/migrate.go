// Package migrate applies the embedded schema for the gateway's
// Postgres and ClickHouse backends, generalized from
// r3e-network-service_layer's system/platform/migrations package: the
// same embed.FS-plus-lexical-order-plus-ExecContext shape, split into
// one embedded file set per backend since the two dialects diverge
// (jsonb/bytea vs String/MergeTree).
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
)

//go:embed postgres/*.sql
var postgresFiles embed.FS

//go:embed clickhouse/*.sql
var clickhouseFiles embed.FS

func sortedSQLNames(files embed.FS, dir string) ([]string, error) {
	entries, err := files.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations in %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ApplyPostgres runs every embedded postgres/*.sql file against db in
// lexical order. Each file guards its DDL with IF NOT EXISTS, so Apply
// is safe to run repeatedly.
func ApplyPostgres(ctx context.Context, db *sql.DB) error {
	names, err := sortedSQLNames(postgresFiles, "postgres")
	if err != nil {
		return err
	}
	for _, name := range names {
		stmt, err := postgresFiles.ReadFile("postgres/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// ApplyClickHouse runs every embedded clickhouse/*.sql file against conn
// in lexical order.
func ApplyClickHouse(ctx context.Context, conn clickhouse.Conn) error {
	names, err := sortedSQLNames(clickhouseFiles, "clickhouse")
	if err != nil {
		return err
	}
	for _, name := range names {
		stmt, err := clickhouseFiles.ReadFile("clickhouse/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := conn.Exec(ctx, string(stmt)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}
