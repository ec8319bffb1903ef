package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var migrationName = regexp.MustCompile(`^(\d+)_[^.]*\.(up|down)\.sql$`)

type migrationFile struct {
	version string
	name    string
	path    string
}

// ApplyMigrations runs every pending *.up.sql file in version order, each in
// its own transaction, and returns the names it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	files, err := listMigrations(migrationsDir, "up")
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(files))
	for _, file := range files {
		migrated, err := isMigrated(ctx, db, file.name)
		if err != nil {
			return applied, err
		}
		if migrated {
			continue
		}

		contents, err := os.ReadFile(file.path)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file.name, err)
		}
		if err := runInTx(ctx, db, file.name, string(contents), `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
			return applied, err
		}
		applied = append(applied, file.name)
	}
	return applied, nil
}

// RollbackMigrations runs every *.down.sql file whose up migration is
// recorded, newest first.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	files, err := listMigrations(migrationsDir, "down")
	if err != nil {
		return err
	}
	for i := len(files) - 1; i >= 0; i-- {
		file := files[i]
		upName := strings.TrimSuffix(file.name, ".down.sql") + ".up.sql"
		migrated, err := isMigrated(ctx, db, upName)
		if err != nil {
			return err
		}
		if !migrated {
			continue
		}

		contents, err := os.ReadFile(file.path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file.name, err)
		}
		body := strings.TrimSpace(string(contents))
		if err := runInTx(ctx, db, upName, body, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return err
		}
	}
	return nil
}

func runInTx(ctx context.Context, db *sql.DB, version, body, bookkeeping string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	defer tx.Rollback()

	if body != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("execute migration %s: %w", version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func listMigrations(migrationsDir, direction string) ([]migrationFile, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	files := make([]migrationFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil || match[2] != direction {
			continue
		}
		files = append(files, migrationFile{
			version: match[1],
			name:    entry.Name(),
			path:    filepath.Join(migrationsDir, entry.Name()),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].version != files[j].version {
			return files[i].version < files[j].version
		}
		return files[i].name < files[j].name
	})
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
