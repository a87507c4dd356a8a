package sqlite

import (
	"context"
	"database/sql"

	"github.com/ewalde/accountd/internal/accounts/domain"
	"github.com/ewalde/accountd/internal/accounts/storage"
	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

// accountIDSelection resolves an account identity to its row id. The DE
// accounts table is the source of truth for existence.
const accountIDSelection = "(SELECT _id FROM main.accounts WHERE name = ? AND type = ?)"

// FindAccountPassword reads the stored CE password for an account.
func (s *Store) FindAccountPassword(ctx context.Context, account domain.Account) (string, error) {
	if err := s.requireCe("find account password"); err != nil {
		return "", err
	}
	var password sql.NullString
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT password FROM ceDb.accounts WHERE _id = "+accountIDSelection,
		account.Name, account.Type).Scan(&password)
	if err == sql.ErrNoRows {
		return "", platformerrors.New(platformerrors.CodeNotFound, "account not found")
	}
	if err != nil {
		return "", translate("find account password", err)
	}
	return password.String, nil
}

// SetAccountPassword updates the CE password column. An empty password
// clears it.
func (s *Store) SetAccountPassword(ctx context.Context, id int64, password string) error {
	if err := s.requireCe("set account password"); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE ceDb.accounts SET password = ? WHERE _id = ?", password, id)
	if err != nil {
		return translate("set account password", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return translate("set account password", err)
	}
	if affected == 0 {
		return platformerrors.New(platformerrors.CodeNotFound, "account not found")
	}
	return nil
}

// FindAuthTokensByAccount loads every stored token for an account, keyed by
// token type.
func (s *Store) FindAuthTokensByAccount(ctx context.Context, account domain.Account) (map[string]string, error) {
	if err := s.requireCe("find auth tokens"); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT type, authtoken FROM ceDb.authtokens WHERE accounts_id = "+accountIDSelection,
		account.Name, account.Type)
	if err != nil {
		return nil, translate("find auth tokens", err)
	}
	defer rows.Close()

	tokens := make(map[string]string)
	for rows.Next() {
		var tokenType string
		var token sql.NullString
		if err := rows.Scan(&tokenType, &token); err != nil {
			return nil, translate("scan auth token", err)
		}
		tokens[tokenType] = token.String
	}
	if err := rows.Err(); err != nil {
		return nil, translate("find auth tokens", err)
	}
	return tokens, nil
}

// InsertAuthToken stores a token for the account, replacing any previous
// token of the same type.
func (s *Store) InsertAuthToken(ctx context.Context, accountID int64, tokenType, token string) error {
	if err := s.requireCe("insert auth token"); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ceDb.authtokens (accounts_id, type, authtoken) VALUES (?, ?, ?)
ON CONFLICT(accounts_id, type) DO UPDATE SET authtoken = excluded.authtoken`,
		accountID, tokenType, token)
	if err != nil {
		return translate("insert auth token", err)
	}
	return nil
}

// DeleteAuthTokensByAccount drops every stored token for the account.
func (s *Store) DeleteAuthTokensByAccount(ctx context.Context, accountID int64) error {
	if err := s.requireCe("delete auth tokens"); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM ceDb.authtokens WHERE accounts_id = ?", accountID); err != nil {
		return translate("delete auth tokens", err)
	}
	return nil
}

// DeleteAuthTokensByTypeAndValue removes every stored token matching the
// value across all accounts of the type, returning the affected refs so
// caches can evict precisely.
func (s *Store) DeleteAuthTokensByTypeAndValue(ctx context.Context, accountType, token string) ([]storage.TokenRef, error) {
	if err := s.requireCe("invalidate auth token"); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT t._id, t.accounts_id, t.type
FROM ceDb.authtokens t
JOIN main.accounts a ON a._id = t.accounts_id
WHERE a.type = ? AND t.authtoken = ?`, accountType, token)
	if err != nil {
		return nil, translate("find matching auth tokens", err)
	}

	var ids []int64
	var refs []storage.TokenRef
	for rows.Next() {
		var rowID int64
		var ref storage.TokenRef
		if err := rows.Scan(&rowID, &ref.AccountID, &ref.TokenType); err != nil {
			rows.Close()
			return nil, translate("scan matching auth token", err)
		}
		ids = append(ids, rowID)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, translate("find matching auth tokens", err)
	}
	rows.Close()

	for _, rowID := range ids {
		if _, err := s.sqlDB.ExecContext(ctx,
			"DELETE FROM ceDb.authtokens WHERE _id = ?", rowID); err != nil {
			return nil, translate("delete auth token", err)
		}
	}
	return refs, nil
}

// FindExtrasByAccount loads the account's user-data map.
func (s *Store) FindExtrasByAccount(ctx context.Context, account domain.Account) (map[string]string, error) {
	if err := s.requireCe("find extras"); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT key, value FROM ceDb.extras WHERE accounts_id = "+accountIDSelection,
		account.Name, account.Type)
	if err != nil {
		return nil, translate("find extras", err)
	}
	defer rows.Close()

	extras := make(map[string]string)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, translate("scan extra", err)
		}
		extras[key] = value.String
	}
	if err := rows.Err(); err != nil {
		return nil, translate("find extras", err)
	}
	return extras, nil
}

// SetExtra stores one user-data key for the account, replacing any previous
// value.
func (s *Store) SetExtra(ctx context.Context, accountID int64, key, value string) error {
	if err := s.requireCe("set extra"); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO ceDb.extras (accounts_id, key, value) VALUES (?, ?, ?)
ON CONFLICT(accounts_id, key) DO UPDATE SET value = excluded.value`,
		accountID, key, value)
	if err != nil {
		return translate("set extra", err)
	}
	return nil
}
