// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	embeddedmigrations "github.com/adiadia/escrow-readmodel/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaMigrationLockID int64 = 0x45524d5f4d494752 // "ERM_MIGR"

// ErrMigrationDrift means an applied migration file was edited afterwards.
var ErrMigrationDrift = errors.New("applied migration changed")

var requiredTables = []string{
	"job_snapshots",
	"dispute_snapshots",
	"webhook_deliveries",
}

type requiredColumn struct {
	Table  string
	Column string
}

var requiredColumns = []requiredColumn{
	{Table: "job_snapshots", Column: "digest"},
	{Table: "dispute_snapshots", Column: "digest"},
	{Table: "webhook_deliveries", Column: "delivered"},
}

// SchemaHealthChecker reports whether the snapshot archive schema is in place.
type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

// EnsureSchema applies pending embedded migrations under an advisory lock, so
// the api and the worker may start at once. Each applied file is recorded with
// its checksum; a recorded file whose contents changed fails with
// ErrMigrationDrift instead of being silently skipped.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	migrations, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(migrations) == 0 {
		return errors.New("no embedded migrations found")
	}

	started := time.Now()
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migrations: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaMigrationLockID); err != nil {
			logger.Error("migration unlock failed", "error", err)
		}
	}()

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	pending := pendingMigrations(migrations, applied)
	for _, m := range migrations {
		if sum, ok := applied[m.Name]; ok && sum != "" && sum != m.Checksum {
			return fmt.Errorf("%w: %s", ErrMigrationDrift, m.Name)
		}
	}

	for _, m := range pending {
		if err := applyMigration(ctx, conn, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		logger.Info("migration applied", "file", m.Name, "checksum", m.Checksum[:12])
	}

	logger.Info("schema up to date",
		"applied", len(pending),
		"total", len(migrations),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return SchemaReady(ctx, pool)
}

// appliedMigrations returns file name -> recorded checksum.
func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) (map[string]string, error) {
	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT filename, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[name] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	return applied, nil
}

func pendingMigrations(all []embeddedmigrations.File, applied map[string]string) []embeddedmigrations.File {
	out := make([]embeddedmigrations.File, 0, len(all))
	for _, m := range all {
		if _, ok := applied[m.Name]; !ok {
			out = append(out, m)
		}
	}
	return out
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, m embeddedmigrations.File) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, m.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (filename, checksum)
		VALUES ($1, $2)
	`, m.Name, m.Checksum); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SchemaReady checks the archive tables and the columns the repositories
// depend on with one catalogue query.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = 'public'
		  AND table_name = ANY($1)
	`, requiredTables)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	defer rows.Close()

	present := make(map[string]map[string]bool, len(requiredTables))
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("inspect schema: %w", err)
		}
		if present[table] == nil {
			present[table] = make(map[string]bool)
		}
		present[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}

	return missingSchema(present)
}

func missingSchema(present map[string]map[string]bool) error {
	var missingTables, missingColumns []string
	for _, table := range requiredTables {
		if len(present[table]) == 0 {
			missingTables = append(missingTables, table)
		}
	}
	for _, c := range requiredColumns {
		if len(present[c.Table]) > 0 && !present[c.Table][c.Column] {
			missingColumns = append(missingColumns, c.Table+"."+c.Column)
		}
	}
	slices.Sort(missingColumns)

	var errs []error
	if len(missingTables) > 0 {
		errs = append(errs, fmt.Errorf("required tables missing: %s", strings.Join(missingTables, ", ")))
	}
	if len(missingColumns) > 0 {
		errs = append(errs, fmt.Errorf("required columns missing: %s", strings.Join(missingColumns, ", ")))
	}
	return errors.Join(errs...)
}
