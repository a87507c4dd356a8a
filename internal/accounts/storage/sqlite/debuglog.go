package sqlite

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/ewalde/accountd/internal/accounts/storage"
)

// maxDebugRows caps the audit log. Once full, the oldest row is overwritten
// instead of growing the table.
const maxDebugRows = 64

// LogAction appends an audit entry. Best-effort: failures are logged, and a
// full disk disables further audit writes rather than failing the operation
// that triggered them.
func (s *Store) LogAction(ctx context.Context, action storage.DebugAction, callerUID int64, table, key string) {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()
	if s.debugDisabled {
		return
	}

	if !s.debugInspected {
		if err := s.inspectDebugLogLocked(ctx); err != nil {
			log.Printf("inspect debug log: %v", err)
			return
		}
		s.debugInspected = true
	}

	now := time.Now().UTC().UnixMilli()
	var err error
	if s.debugRows < maxDebugRows {
		_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO debug_table (action_type, time, caller_uid, table_name, primary_key)
VALUES (?, ?, ?, ?, ?)`,
			string(action), now, callerUID, table, key)
		if err == nil {
			s.debugRows++
			if s.debugRows == maxDebugRows {
				// The table just filled: pick the eviction point now so
				// the next write rotates instead of growing the table.
				s.advanceEvictIDLocked(ctx)
			}
		}
	} else {
		_, err = s.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO debug_table (_id, action_type, time, caller_uid, table_name, primary_key)
VALUES (?, ?, ?, ?, ?, ?)`,
			s.debugEvictID, string(action), now, callerUID, table, key)
		if err == nil {
			s.advanceEvictIDLocked(ctx)
		}
	}
	if err != nil {
		if isStorageFull(err) {
			s.debugDisabled = true
			log.Printf("debug log disabled: storage full")
			return
		}
		log.Printf("append debug log: %v", err)
	}
}

// inspectDebugLogLocked loads the current row count and, when the table is
// already full, the insertion point for overwrites.
func (s *Store) inspectDebugLogLocked(ctx context.Context) error {
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM debug_table").Scan(&s.debugRows); err != nil {
		return err
	}
	if s.debugRows >= maxDebugRows {
		return s.sqlDB.QueryRowContext(ctx,
			"SELECT _id FROM debug_table ORDER BY time, _id LIMIT 1").Scan(&s.debugEvictID)
	}
	return nil
}

// advanceEvictIDLocked moves the insertion point to the now-oldest row.
func (s *Store) advanceEvictIDLocked(ctx context.Context) {
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT _id FROM debug_table ORDER BY time, _id LIMIT 1").Scan(&s.debugEvictID)
	if err != nil && err != sql.ErrNoRows {
		log.Printf("advance debug log insertion point: %v", err)
	}
}

// DebugLogSize reports the number of audit rows, for dump output and tests.
func (s *Store) DebugLogSize(ctx context.Context) (int64, error) {
	var count int64
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM debug_table").Scan(&count); err != nil {
		return 0, translate("count debug log", err)
	}
	return count, nil
}
