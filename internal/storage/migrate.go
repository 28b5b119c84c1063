package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// migrationLockKey serializes concurrent migrators on one database.
const migrationLockKey = 0x5e771e

// Migration is one versioned schema change. Files follow the golang-migrate
// naming scheme {version}_{name}.up.sql / .down.sql.
type Migration struct {
	Version  string
	Name     string
	UpFile   string
	DownFile string
}

// MigrationStatus reports whether a migration is applied.
type MigrationStatus struct {
	Migration
	Applied   bool
	AppliedAt time.Time
}

// LoadMigrations reads dir and pairs up/down files by version. Every up file
// needs a down file, and versions must be unique.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var stem string
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			stem, up = strings.TrimSuffix(name, ".up.sql"), true
		case strings.HasSuffix(name, ".down.sql"):
			stem = strings.TrimSuffix(name, ".down.sql")
		default:
			continue
		}

		version, label, ok := strings.Cut(stem, "_")
		if !ok || version == "" || label == "" {
			return nil, fmt.Errorf("migration %s: want {version}_{name}", name)
		}
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: label}
			byVersion[version] = m
		} else if m.Name != label {
			return nil, fmt.Errorf("migration version %s used by %q and %q", version, m.Name, label)
		}
		if up {
			m.UpFile = name
		} else {
			m.DownFile = name
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpFile == "" || m.DownFile == "" {
			return nil, fmt.Errorf("migration %s_%s: missing up or down file", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrator applies the ledger schema to Postgres.
type Migrator struct {
	db  *sql.DB
	dir string
}

func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{db: db, dir: dir}
}

// Up applies every pending migration in version order, one transaction each,
// and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return 0, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range migrations {
		ran, err := m.apply(ctx, mig)
		if err != nil {
			return applied, err
		}
		if ran {
			applied++
		}
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) (bool, error) {
	content, err := os.ReadFile(filepath.Join(m.dir, mig.UpFile))
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", mig.UpFile, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx for %s: %w", mig.UpFile, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock for %s: %w", mig.UpFile, err)
	}

	// Re-check under the lock; another migrator may have won.
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM public.settle_schema_migrations WHERE version = $1)`, mig.Version,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s: %w", mig.Version, err)
	}
	if exists {
		return false, nil
	}

	log.Printf("INFO: applying migration %s", mig.UpFile)
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return false, fmt.Errorf("exec migration %s: %w", mig.UpFile, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO public.settle_schema_migrations (version, name) VALUES ($1, $2)`,
		mig.Version, mig.Name,
	); err != nil {
		return false, fmt.Errorf("record migration %s: %w", mig.UpFile, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", mig.UpFile, err)
	}
	return true, nil
}

// Down rolls back the newest applied migration. It reports false when
// nothing was applied.
func (m *Migrator) Down(ctx context.Context) (bool, error) {
	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return false, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return false, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock: %w", err)
	}

	var version string
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM public.settle_schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("latest migration: %w", err)
	}

	var mig *Migration
	for i := range migrations {
		if migrations[i].Version == version {
			mig = &migrations[i]
		}
	}
	if mig == nil {
		return false, fmt.Errorf("applied migration %s has no file in %s", version, m.dir)
	}

	content, err := os.ReadFile(filepath.Join(m.dir, mig.DownFile))
	if err != nil {
		return false, fmt.Errorf("read down migration %s: %w", mig.DownFile, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return false, fmt.Errorf("exec down migration %s: %w", mig.DownFile, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM public.settle_schema_migrations WHERE version = $1`, version,
	); err != nil {
		return false, fmt.Errorf("remove migration record %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	log.Printf("INFO: rolled back migration %s", mig.DownFile)
	return true, nil
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(m.dir)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM public.settle_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		at, ok := applied[mig.Version]
		out = append(out, MigrationStatus{Migration: mig, Applied: ok, AppliedAt: at})
	}
	return out, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.settle_schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}
