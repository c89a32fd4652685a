package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	upSQL   string
}

func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, migration{version: v, name: f.Name(), upSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

// Migrate applies the embedded migrations newer than the recorded schema version.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, m.version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		current = m.version
	}
	return tx.Commit()
}
