// Package db ships the SQL schema and applies it to a PostgreSQL database.
package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Execer is the subset of pgx pool/conn/tx used to apply migrations.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const createVersionsTable = `
    CREATE TABLE IF NOT EXISTS schema_migrations (
        version    TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )
`

// UpMigrations lists the embedded *.up.sql files in apply order.
func UpMigrations() ([]string, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*_*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Migrate applies every embedded up migration that has not been recorded in
// schema_migrations yet and returns the versions it applied.
func Migrate(ctx context.Context, db Execer) ([]string, error) {
	if _, err := db.Exec(ctx, createVersionsTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	names, err := UpMigrations()
	if err != nil {
		return nil, err
	}

	var done []string
	for _, name := range names {
		version := versionOf(name)
		if _, ok := applied[version]; ok {
			continue
		}
		payload, err := migrationsFS.ReadFile(name)
		if err != nil {
			return done, fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, string(payload)); err != nil {
			return done, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			return done, fmt.Errorf("record migration %s: %w", name, err)
		}
		done = append(done, version)
	}
	return done, nil
}

func appliedVersions(ctx context.Context, db Execer) (map[string]struct{}, error) {
	rows, err := db.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = struct{}{}
	}
	return applied, rows.Err()
}

// versionOf turns "migrations/0001_init.up.sql" into "0001_init".
func versionOf(name string) string {
	base := name[strings.LastIndex(name, "/")+1:]
	return strings.TrimSuffix(base, ".up.sql")
}
