package sqlite

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/ewalde/accountd/internal/accounts/domain"
	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

// metaAuthUIDPrefix keys the authenticator ownership rows in the meta table.
const metaAuthUIDPrefix = "auth_uid_for_type:"

// InsertGrant records permission for a uid to mint tokens of a type for the
// account. Re-granting is a no-op.
func (s *Store) InsertGrant(ctx context.Context, accountID int64, tokenType string, uid int64) error {
	_, err := s.sqlDB.ExecContext(ctx,
		"INSERT OR IGNORE INTO grants (accounts_id, auth_token_type, uid) VALUES (?, ?, ?)",
		accountID, tokenType, uid)
	if err != nil {
		return translate("insert grant", err)
	}
	return nil
}

// RevokeGrant removes one explicit grant row.
func (s *Store) RevokeGrant(ctx context.Context, accountID int64, tokenType string, uid int64) error {
	_, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM grants WHERE accounts_id = ? AND auth_token_type = ? AND uid = ?",
		accountID, tokenType, uid)
	if err != nil {
		return translate("revoke grant", err)
	}
	return nil
}

// CountMatchingGrants counts grant rows for (uid, token type, account).
func (s *Store) CountMatchingGrants(ctx context.Context, uid int64, tokenType string, account domain.Account) (int64, error) {
	var count int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM grants, accounts
WHERE accounts_id = _id AND uid = ? AND auth_token_type = ? AND name = ? AND type = ?`,
		uid, tokenType, account.Name, account.Type).Scan(&count)
	if err != nil {
		return 0, translate("count grants", err)
	}
	return count, nil
}

// CountMatchingGrantsAnyToken counts grant rows for (uid, account) across
// every token type.
func (s *Store) CountMatchingGrantsAnyToken(ctx context.Context, uid int64, account domain.Account) (int64, error) {
	var count int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM grants, accounts
WHERE accounts_id = _id AND uid = ? AND name = ? AND type = ?`,
		uid, account.Name, account.Type).Scan(&count)
	if err != nil {
		return 0, translate("count grants", err)
	}
	return count, nil
}

// DeleteGrantsByUID purges every grant held by a uid, used when the package
// owning the uid is removed.
func (s *Store) DeleteGrantsByUID(ctx context.Context, uid int64) error {
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM grants WHERE uid = ?", uid); err != nil {
		return translate("delete grants by uid", err)
	}
	return nil
}

// FindVisibility reads the explicit visibility entry for (account, package),
// or VisibilityUndefined when none exists.
func (s *Store) FindVisibility(ctx context.Context, account domain.Account, pkg string) (domain.Visibility, error) {
	var value int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT value FROM visibility WHERE accounts_id = "+accountIDSelection+" AND _package = ?",
		account.Name, account.Type, pkg).Scan(&value)
	if err == sql.ErrNoRows {
		return domain.VisibilityUndefined, nil
	}
	if err != nil {
		return domain.VisibilityUndefined, translate("find visibility", err)
	}
	return domain.Visibility(value), nil
}

// SetVisibility stores the visibility level for (account, package).
func (s *Store) SetVisibility(ctx context.Context, accountID int64, pkg string, level domain.Visibility) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO visibility (accounts_id, _package, value) VALUES (?, ?, ?)
ON CONFLICT(accounts_id, _package) DO UPDATE SET value = excluded.value`,
		accountID, pkg, int64(level))
	if err != nil {
		return translate("set visibility", err)
	}
	return nil
}

// FindAllVisibilityForAccount loads the account's visibility map keyed by
// package name.
func (s *Store) FindAllVisibilityForAccount(ctx context.Context, account domain.Account) (map[string]domain.Visibility, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT _package, value FROM visibility WHERE accounts_id = "+accountIDSelection,
		account.Name, account.Type)
	if err != nil {
		return nil, translate("find visibility values", err)
	}
	defer rows.Close()

	values := make(map[string]domain.Visibility)
	for rows.Next() {
		var pkg string
		var value int64
		if err := rows.Scan(&pkg, &value); err != nil {
			return nil, translate("scan visibility value", err)
		}
		values[pkg] = domain.Visibility(value)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("find visibility values", err)
	}
	return values, nil
}

// DeleteVisibilityForPackage removes every visibility row naming the package,
// used when the package is removed.
func (s *Store) DeleteVisibilityForPackage(ctx context.Context, pkg string) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM visibility WHERE _package = ?", pkg); err != nil {
		return translate("delete visibility for package", err)
	}
	return nil
}

// InsertSharedAccount stages an account identity for profile cloning.
func (s *Store) InsertSharedAccount(ctx context.Context, account domain.Account) error {
	_, err := s.sqlDB.ExecContext(ctx,
		"INSERT OR IGNORE INTO shared_accounts (name, type) VALUES (?, ?)",
		account.Name, account.Type)
	if err != nil {
		return translate("insert shared account", err)
	}
	return nil
}

// DeleteSharedAccount removes a staged shared account.
func (s *Store) DeleteSharedAccount(ctx context.Context, account domain.Account) error {
	_, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM shared_accounts WHERE name = ? AND type = ?",
		account.Name, account.Type)
	if err != nil {
		return translate("delete shared account", err)
	}
	return nil
}

// FindSharedAccounts lists the staged shared accounts.
func (s *Store) FindSharedAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT name, type FROM shared_accounts ORDER BY _id")
	if err != nil {
		return nil, translate("find shared accounts", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var account domain.Account
		if err := rows.Scan(&account.Name, &account.Type); err != nil {
			return nil, translate("scan shared account", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("find shared accounts", err)
	}
	return accounts, nil
}

// FindMetaAuthUID reads the authenticator uid pinned to an account type.
func (s *Store) FindMetaAuthUID(ctx context.Context, accountType string) (int64, error) {
	var value string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", metaAuthUIDPrefix+accountType).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, platformerrors.WithMetadata(platformerrors.CodeNotFound, "account type has no registered authenticator uid",
			map[string]string{"account_type": accountType})
	}
	if err != nil {
		return 0, translate("find meta auth uid", err)
	}
	uid, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, platformerrors.Wrap(platformerrors.CodeStorageCorrupt, "meta auth uid is not numeric", err)
	}
	return uid, nil
}

// SetMetaAuthUID pins an account type to the authenticator uid that
// registered it.
func (s *Store) SetMetaAuthUID(ctx context.Context, accountType string, uid int64) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaAuthUIDPrefix+accountType, strconv.FormatInt(uid, 10))
	if err != nil {
		return translate("set meta auth uid", err)
	}
	return nil
}
