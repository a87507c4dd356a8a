package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/ewalde/accountd/internal/accounts/domain"
	"github.com/ewalde/accountd/internal/accounts/storage"
	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

// FindAllDeAccounts lists every account identity in the DE store.
func (s *Store) FindAllDeAccounts(ctx context.Context) ([]storage.AccountRow, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT _id, name, type, previous_name, last_password_entry_time_millis_epoch
FROM accounts ORDER BY _id`)
	if err != nil {
		return nil, translate("find de accounts", err)
	}
	defer rows.Close()

	var result []storage.AccountRow
	for rows.Next() {
		row, err := scanAccountRow(rows)
		if err != nil {
			return nil, translate("scan de account", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("find de accounts", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccountRow(scanner rowScanner) (storage.AccountRow, error) {
	var (
		row          storage.AccountRow
		previousName sql.NullString
		lastAuth     int64
	)
	if err := scanner.Scan(&row.ID, &row.Account.Name, &row.Account.Type, &previousName, &lastAuth); err != nil {
		return storage.AccountRow{}, err
	}
	if previousName.Valid {
		row.PreviousName = &previousName.String
	}
	row.LastAuthenticatedAt = time.UnixMilli(lastAuth).UTC()
	return row, nil
}

// FindDeAccountID resolves the row id for an account identity.
func (s *Store) FindDeAccountID(ctx context.Context, account domain.Account) (int64, error) {
	var id int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT _id FROM accounts WHERE name = ? AND type = ?",
		account.Name, account.Type).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, platformerrors.WithMetadata(platformerrors.CodeNotFound, "account not found",
			map[string]string{"account_type": account.Type})
	}
	if err != nil {
		return 0, translate("find de account id", err)
	}
	return id, nil
}

// FindDeAccountByID loads a DE account record by row id.
func (s *Store) FindDeAccountByID(ctx context.Context, id int64) (storage.AccountRow, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT _id, name, type, previous_name, last_password_entry_time_millis_epoch
FROM accounts WHERE _id = ?`, id)
	account, err := scanAccountRow(row)
	if err == sql.ErrNoRows {
		return storage.AccountRow{}, platformerrors.New(platformerrors.CodeNotFound, "account not found")
	}
	if err != nil {
		return storage.AccountRow{}, translate("find de account", err)
	}
	return account, nil
}

// CountDeAccounts reports the number of DE account rows.
func (s *Store) CountDeAccounts(ctx context.Context) (int64, error) {
	var count int64
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		return 0, translate("count de accounts", err)
	}
	return count, nil
}

// AddAccount inserts the CE and DE rows for a new account in one transaction.
// The DE row reuses the CE row id so child rows in either store share keys.
func (s *Store) AddAccount(ctx context.Context, account domain.Account, password string, extras map[string]string, now time.Time) (int64, error) {
	if err := s.requireCe("add account"); err != nil {
		return 0, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, translate("add account", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"INSERT INTO ceDb.accounts (name, type, password) VALUES (?, ?, ?)",
		account.Name, account.Type, password)
	if err != nil {
		return 0, translate("insert ce account", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, translate("insert ce account", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO main.accounts (_id, name, type, last_password_entry_time_millis_epoch)
VALUES (?, ?, ?, ?)`,
		id, account.Name, account.Type, now.UTC().UnixMilli()); err != nil {
		return 0, translate("insert de account", err)
	}

	for key, value := range extras {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO ceDb.extras (accounts_id, key, value) VALUES (?, ?, ?)",
			id, key, value); err != nil {
			return 0, translate("insert account extra", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, translate("add account", err)
	}
	return id, nil
}

// RenameAccount updates the account name in both stores and records the old
// name so listeners can reconcile. Child rows keep their keys.
func (s *Store) RenameAccount(ctx context.Context, id int64, oldName, newName string) error {
	if err := s.requireCe("rename account"); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return translate("rename account", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE ceDb.accounts SET name = ? WHERE _id = ?", newName, id); err != nil {
		return translate("rename ce account", err)
	}
	result, err := tx.ExecContext(ctx,
		"UPDATE main.accounts SET name = ?, previous_name = ? WHERE _id = ?",
		newName, oldName, id)
	if err != nil {
		return translate("rename de account", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return translate("rename de account", err)
	}
	if affected == 0 {
		return platformerrors.New(platformerrors.CodeNotFound, "account not found")
	}

	if err := tx.Commit(); err != nil {
		return translate("rename account", err)
	}
	return nil
}

// DeleteAccount removes the account from both stores. Database triggers
// cascade the deletion to tokens, extras, grants, and visibility rows. The DE
// row is removed even while the user is locked; the CE row is reconciled on
// the next unlock in that case.
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return translate("delete account", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM main.accounts WHERE _id = ?", id)
	if err != nil {
		return translate("delete de account", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return translate("delete de account", err)
	}
	if affected == 0 {
		return platformerrors.New(platformerrors.CodeNotFound, "account not found")
	}

	if s.CeAttached() {
		if _, err := tx.ExecContext(ctx, "DELETE FROM ceDb.accounts WHERE _id = ?", id); err != nil {
			return translate("delete ce account", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return translate("delete account", err)
	}
	return nil
}

// SetAccountLastAuthenticated stamps the DE row's last-authenticated time.
// Recorded on non-empty password writes and successful credential
// confirmations.
func (s *Store) SetAccountLastAuthenticated(ctx context.Context, id int64, now time.Time) error {
	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE main.accounts SET last_password_entry_time_millis_epoch = ? WHERE _id = ?",
		now.UnixMilli(), id)
	if err != nil {
		return translate("set last authenticated", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return translate("set last authenticated", err)
	}
	if affected == 0 {
		return platformerrors.New(platformerrors.CodeNotFound, "account not found")
	}
	return nil
}
