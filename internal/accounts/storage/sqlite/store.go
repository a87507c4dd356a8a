// Package sqlite implements the account store over a DE/CE SQLite pair.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ewalde/accountd/internal/accounts/storage/sqlite/migrations"
	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
	"github.com/ewalde/accountd/internal/platform/storage/sqlitemigrate"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	deDatabaseName = "accounts_de.db"
	ceDatabaseName = "accounts_ce.db"
	// legacyDatabaseName is the pre-split single database. When present and
	// no CE database exists yet, its file is moved into the CE location.
	legacyDatabaseName = "accounts.db"

	// ceAlias is the schema name the CE database is attached under. CE
	// migration files qualify their DDL with it.
	ceAlias = "ceDb"
)

// Store implements storage.Store for one user.
//
// The DE database backs the connection; the CE database is attached into it
// on unlock so cross-table transactions span both.
type Store struct {
	sqlDB *sql.DB
	dir   string

	mu       sync.Mutex
	attached bool

	debugMu        sync.Mutex
	debugDisabled  bool
	debugRows      int64
	debugEvictID   int64
	debugInspected bool
}

// Open opens the user's DE database and applies DE migrations.
//
// A schema newer than this build recreates the DE database from scratch;
// losing data on downgrade is expected behavior.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument, "storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeStorageFailure, "create storage dir", err)
	}

	dePath := filepath.Join(dir, deDatabaseName)
	sqlDB, err := openDatabase(dePath)
	if err != nil {
		return nil, err
	}

	err = sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, migrations.ScopeDe, migrations.ScopeDe)
	if errors.Is(err, sqlitemigrate.ErrDowngrade) {
		_ = sqlDB.Close()
		if err := removeDatabaseFiles(dePath); err != nil {
			return nil, err
		}
		sqlDB, err = openDatabase(dePath)
		if err != nil {
			return nil, err
		}
		err = sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, migrations.ScopeDe, migrations.ScopeDe)
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, translate("migrate de database", err)
	}

	return &Store{sqlDB: sqlDB, dir: dir}, nil
}

func openDatabase(path string) (*sql.DB, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, translate("open sqlite db", err)
	}
	// ATTACH is per connection; cap the pool at one so the CE tables stay
	// visible on every query once attached.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, translate("ping sqlite db", err)
	}
	return sqlDB, nil
}

func removeDatabaseFiles(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return platformerrors.Wrap(platformerrors.CodeStorageFailure, "remove database file", err)
		}
	}
	return nil
}

// AttachCe attaches the CE database, migrating the legacy single-file layout
// when present, and reconciles DE account rows with the CE contents.
func (s *Store) AttachCe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return nil
	}

	cePath := filepath.Join(s.dir, ceDatabaseName)
	legacyPath := filepath.Join(s.dir, legacyDatabaseName)

	migratedLegacy := false
	if _, err := os.Stat(cePath); errors.Is(err, os.ErrNotExist) {
		if _, err := os.Stat(legacyPath); err == nil {
			if err := copyFile(legacyPath, cePath); err != nil {
				// Leave the legacy file intact so the copy is retried on
				// the next start.
				_ = os.Remove(cePath)
				return platformerrors.Wrap(platformerrors.CodeStorageFailure, "migrate legacy database", err)
			}
			migratedLegacy = true
		}
	}

	if _, err := s.sqlDB.ExecContext(ctx, "ATTACH DATABASE ? AS "+ceAlias, cePath); err != nil {
		return translate("attach ce database", err)
	}

	err := sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, migrations.ScopeCe, migrations.ScopeCe)
	if errors.Is(err, sqlitemigrate.ErrDowngrade) {
		// Recreate the CE database from scratch. Data loss on downgrade is
		// expected behavior.
		if _, detachErr := s.sqlDB.ExecContext(ctx, "DETACH DATABASE "+ceAlias); detachErr != nil {
			return translate("detach ce database", detachErr)
		}
		if err := removeDatabaseFiles(cePath); err != nil {
			return err
		}
		if err := sqlitemigrate.ResetScope(s.sqlDB, migrations.ScopeCe); err != nil {
			return translate("reset ce migrations", err)
		}
		if _, err := s.sqlDB.ExecContext(ctx, "ATTACH DATABASE ? AS "+ceAlias, cePath); err != nil {
			return translate("attach ce database", err)
		}
		err = sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, migrations.ScopeCe, migrations.ScopeCe)
	}
	if err != nil {
		return translate("migrate ce database", err)
	}

	if err := s.syncDeCeAccounts(ctx, migratedLegacy); err != nil {
		return err
	}

	if migratedLegacy {
		// The legacy file is only removed once the CE database is fully
		// usable, so a partial migration is retried rather than lost.
		_ = os.Remove(legacyPath)
	}

	s.attached = true
	return nil
}

// syncDeCeAccounts reconciles the two databases after attach. The DE store is
// the source of truth for account existence: CE rows whose account was
// removed while the user was locked are deleted (their child rows cascade).
// When the CE database was just migrated from the legacy single-file layout
// it carries the only copy of the account identities, so DE learns them
// first; the delete pass then only ever expresses locked-time removals.
func (s *Store) syncDeCeAccounts(ctx context.Context, seedDeFromCe bool) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return translate("sync de/ce accounts", err)
	}
	defer tx.Rollback()

	if seedDeFromCe {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO main.accounts (_id, name, type)
SELECT c._id, c.name, c.type FROM ceDb.accounts c
WHERE c._id NOT IN (SELECT _id FROM main.accounts)`); err != nil {
			return translate("sync de/ce accounts", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM ceDb.accounts
WHERE _id NOT IN (SELECT _id FROM main.accounts)`); err != nil {
		return translate("sync de/ce accounts", err)
	}

	if err := tx.Commit(); err != nil {
		return translate("sync de/ce accounts", err)
	}
	return nil
}

// CeAttached reports whether CE tables are available.
func (s *Store) CeAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Close releases the underlying databases.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// requireCe gates CE-table operations on the attach having happened.
func (s *Store) requireCe(op string) error {
	if !s.CeAttached() {
		return platformerrors.New(platformerrors.CodeStorageLocked, op+": user credential storage is locked")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// translate maps low-level SQLite failures to domain error kinds. A full disk
// is surfaced distinctly so best-effort writers can skip instead of failing.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_FULL:
			return platformerrors.Wrap(platformerrors.CodeStorageFull, op+": storage full", err)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return platformerrors.Wrap(platformerrors.CodeStorageCorrupt, op+": storage corrupt", err)
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return platformerrors.Wrap(platformerrors.CodeInvalidArgument, op+": constraint violation", err)
		}
	}
	return platformerrors.Wrap(platformerrors.CodeStorageFailure, fmt.Sprintf("%s failed", op), err)
}

func isStorageFull(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_FULL
}
