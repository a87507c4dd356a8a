// Package sqlitemigrate applies embedded SQL migrations to SQLite databases.
//
// Migration sets are scoped: two sets can share one connection and version
// independently, which is how the device-encrypted database tracks its own
// schema and the schema of the credential-encrypted database attached to it.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

// ErrDowngrade indicates the database records a migration this build does not
// ship. The affected database must be recreated from scratch.
var ErrDowngrade = errors.New("database schema is newer than this build")

// ApplyMigrations executes embedded migrations from migrationRoot at most once
// per file, recorded under the given scope.
func ApplyMigrations(sqlDB *sql.DB, migrationFS fs.FS, migrationRoot string, scope string) error {
	if sqlDB == nil {
		return fmt.Errorf("sql db is required")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return fmt.Errorf("migration scope is required")
	}

	root := strings.TrimSpace(migrationRoot)
	if root == "" {
		root = "."
	}

	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    scope TEXT NOT NULL,
    name TEXT NOT NULL,
    applied_at INTEGER NOT NULL,
    PRIMARY KEY (scope, name)
);
`, migrationTable)
	if _, err := sqlDB.Exec(createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := appliedMigrations(sqlDB, scope)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}

	known := make(map[string]bool, len(sqlFiles))
	for _, file := range sqlFiles {
		known[file] = true
	}
	for name := range applied {
		if !known[name] {
			return fmt.Errorf("scope %s recorded migration %s: %w", scope, name, ErrDowngrade)
		}
	}

	for _, file := range sqlFiles {
		if applied[file] {
			continue
		}

		content, err := fs.ReadFile(migrationFS, filepath.Join(root, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		upSQL := ExtractUpMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", file, err)
		}

		if _, err := tx.Exec(upSQL); err != nil {
			if !IsAlreadyExistsError(err) {
				_ = tx.Rollback()
				return fmt.Errorf("exec migration %s: %w", file, err)
			}
		}

		if _, err := tx.Exec(
			fmt.Sprintf("INSERT OR IGNORE INTO %s (scope, name, applied_at) VALUES (?, ?, ?)", migrationTable),
			scope,
			file,
			time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}

	return nil
}

// ResetScope forgets every applied migration for a scope. Used after the
// scope's database has been recreated from scratch.
func ResetScope(sqlDB *sql.DB, scope string) error {
	if sqlDB == nil {
		return fmt.Errorf("sql db is required")
	}
	_, err := sqlDB.Exec(fmt.Sprintf("DELETE FROM %s WHERE scope = ?", migrationTable), scope)
	if err != nil {
		return fmt.Errorf("reset migration scope %s: %w", scope, err)
	}
	return nil
}

// ExtractUpMigration returns the SQL in the -- +migrate Up section.
func ExtractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}

// IsAlreadyExistsError reports whether this error indicates idempotent DDL success.
func IsAlreadyExistsError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}

func appliedMigrations(sqlDB *sql.DB, scope string) (map[string]bool, error) {
	rows, err := sqlDB.Query("SELECT name FROM "+migrationTable+" WHERE scope = ?", scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
