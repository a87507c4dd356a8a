// Package storage defines the persistence contract for one user's accounts.
//
// Each user owns a pair of physical databases: a device-encrypted (DE) store
// that is always available, and a credential-encrypted (CE) store that only
// becomes available once the user unlocks. The CE store is attached into the
// DE connection so a single transaction can span both. Operations against CE
// tables fail with a STORAGE_LOCKED error until the attach happens.
package storage

import (
	"context"
	"time"

	"github.com/ewalde/accountd/internal/accounts/domain"
)

// AccountRow is a persisted account record from the DE store.
type AccountRow struct {
	ID                  int64
	Account             domain.Account
	PreviousName        *string
	LastAuthenticatedAt time.Time
}

// TokenRef names one stored auth token by its owning account and type.
type TokenRef struct {
	AccountID int64
	TokenType string
}

// DebugAction names an entry kind in the bounded audit log.
type DebugAction string

// Audit actions recorded against the debug table. The "called" variants track
// requests that may not result in a database mutation.
const (
	DebugActionSetPassword        DebugAction = "action_set_password"
	DebugActionClearPassword      DebugAction = "action_clear_password"
	DebugActionAccountAdd         DebugAction = "action_account_add"
	DebugActionAccountRemove      DebugAction = "action_account_remove"
	DebugActionAccountRename      DebugAction = "action_account_rename"
	DebugActionCalledAccountAdd   DebugAction = "action_called_account_add"
	DebugActionCalledRemove       DebugAction = "action_called_account_remove"
	DebugActionCalledStartAdd     DebugAction = "action_called_start_account_add"
	DebugActionCalledFinish       DebugAction = "action_called_account_session_finish"
	DebugActionSyncDeCeAccounts   DebugAction = "action_sync_de_ce_accounts"
	DebugActionAuthenticatorPurge DebugAction = "action_authenticator_remove"
)

// Table names exposed for audit log entries.
const (
	TableAccounts   = "accounts"
	TableAuthtokens = "authtokens"
	TableExtras     = "extras"
	TableGrants     = "grants"
	TableVisibility = "visibility"
)

// Store is the persistence façade for one user's account data.
type Store interface {
	// AttachCe makes the credential-encrypted tables available. Called on
	// user unlock. Safe to call again once attached.
	AttachCe(ctx context.Context) error
	// CeAttached reports whether CE tables are available.
	CeAttached() bool
	// Close releases both databases.
	Close() error

	// DE operations, always available.
	FindAllDeAccounts(ctx context.Context) ([]AccountRow, error)
	FindDeAccountID(ctx context.Context, account domain.Account) (int64, error)
	FindDeAccountByID(ctx context.Context, id int64) (AccountRow, error)
	CountDeAccounts(ctx context.Context) (int64, error)

	// Account mutations span DE and CE in one transaction.
	AddAccount(ctx context.Context, account domain.Account, password string, extras map[string]string, now time.Time) (int64, error)
	RenameAccount(ctx context.Context, id int64, oldName, newName string) error
	DeleteAccount(ctx context.Context, id int64) error
	SetAccountLastAuthenticated(ctx context.Context, id int64, now time.Time) error

	// CE operations, available after unlock.
	FindAccountPassword(ctx context.Context, account domain.Account) (string, error)
	SetAccountPassword(ctx context.Context, id int64, password string) error
	FindAuthTokensByAccount(ctx context.Context, account domain.Account) (map[string]string, error)
	InsertAuthToken(ctx context.Context, accountID int64, tokenType, token string) error
	DeleteAuthTokensByAccount(ctx context.Context, accountID int64) error
	DeleteAuthTokensByTypeAndValue(ctx context.Context, accountType, token string) ([]TokenRef, error)
	FindExtrasByAccount(ctx context.Context, account domain.Account) (map[string]string, error)
	SetExtra(ctx context.Context, accountID int64, key, value string) error

	// Grants, DE resident so they survive a locked user.
	InsertGrant(ctx context.Context, accountID int64, tokenType string, uid int64) error
	RevokeGrant(ctx context.Context, accountID int64, tokenType string, uid int64) error
	CountMatchingGrants(ctx context.Context, uid int64, tokenType string, account domain.Account) (int64, error)
	CountMatchingGrantsAnyToken(ctx context.Context, uid int64, account domain.Account) (int64, error)
	DeleteGrantsByUID(ctx context.Context, uid int64) error

	// Visibility, DE resident.
	FindVisibility(ctx context.Context, account domain.Account, pkg string) (domain.Visibility, error)
	SetVisibility(ctx context.Context, accountID int64, pkg string, level domain.Visibility) error
	FindAllVisibilityForAccount(ctx context.Context, account domain.Account) (map[string]domain.Visibility, error)
	DeleteVisibilityForPackage(ctx context.Context, pkg string) error

	// Shared-account staging used when cloning a profile.
	InsertSharedAccount(ctx context.Context, account domain.Account) error
	DeleteSharedAccount(ctx context.Context, account domain.Account) error
	FindSharedAccounts(ctx context.Context) ([]domain.Account, error)

	// Authenticator ownership rows: an account type is pinned to the uid
	// that first registered it.
	FindMetaAuthUID(ctx context.Context, accountType string) (int64, error)
	SetMetaAuthUID(ctx context.Context, accountType string, uid int64) error

	// Bounded audit log. Best-effort: a full disk disables further logging
	// instead of failing the triggering operation.
	LogAction(ctx context.Context, action DebugAction, callerUID int64, table, key string)
	DebugLogSize(ctx context.Context) (int64, error)
}
