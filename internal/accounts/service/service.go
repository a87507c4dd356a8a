// Package service exposes the account engine: the operations clients call,
// implemented over the per-user store and cache with access control applied
// at the boundary.
package service

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ewalde/accountd/internal/accounts/authenticator"
	"github.com/ewalde/accountd/internal/accounts/cache"
	"github.com/ewalde/accountd/internal/accounts/domain"
	"github.com/ewalde/accountd/internal/accounts/grants"
	"github.com/ewalde/accountd/internal/accounts/session"
	"github.com/ewalde/accountd/internal/accounts/storage"
	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

// Caller identifies the client invoking an operation.
type Caller = grants.Caller

// Notifier observes account set changes so interested parties can refresh.
type Notifier interface {
	AccountsChanged(userID int, accountType string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(userID int, accountType string)

func (f NotifierFunc) AccountsChanged(userID int, accountType string) { f(userID, accountType) }

// Config wires a Manager. OpenStore and Registry are required.
type Config struct {
	// OpenStore opens (or returns) the persistent store for a user.
	OpenStore func(userID int) (storage.Store, error)
	Registry  *authenticator.Registry
	// Permissions answers the legacy whole-type access check. Nil denies.
	Permissions grants.PermissionOracle
	// Notifier observes account set changes. Nil logs.
	Notifier Notifier
	// Notifications cancels surfaced notifications. Nil discards.
	Notifications NotificationSink
	// Clock stamps account writes. Nil uses time.Now.
	Clock func() time.Time
	// SessionTimeout bounds authenticator responses. Zero uses the
	// default.
	SessionTimeout time.Duration
}

// Manager is the account engine for every user on the device.
type Manager struct {
	cfg           Config
	sessions      *session.Table
	sealer        *session.Sealer
	notifications *notificationRegistry

	mu    sync.Mutex
	users map[int]*userState
}

type userState struct {
	userID  int
	store   storage.Store
	cache   *cache.UserAccounts
	checker *grants.Checker
}

// NewManager wires the engine.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.OpenStore == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument, "store opener is required")
	}
	if cfg.Registry == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument, "authenticator registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFunc(func(userID int, accountType string) {
			log.Printf("accounts changed for user %d type %s", userID, accountType)
		})
	}
	if cfg.Notifications == nil {
		cfg.Notifications = NotificationSinkFunc(func(int, string) {})
	}
	sealer, err := session.NewSealer()
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:           cfg,
		sessions:      session.NewTable(session.Config{Timeout: cfg.SessionTimeout}),
		sealer:        sealer,
		notifications: newNotificationRegistry(),
		users:         make(map[int]*userState),
	}, nil
}

// Close releases every user's store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for userID, u := range m.users {
		if err := u.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.users, userID)
	}
	return firstErr
}

// user returns the state for a user, opening the store and hydrating the
// account list on first use. The store works before unlock; only CE-backed
// operations need AttachCe to have happened.
func (m *Manager) user(ctx context.Context, userID int) (*userState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}

	store, err := m.cfg.OpenStore(userID)
	if err != nil {
		return nil, err
	}
	u := &userState{
		userID:  userID,
		store:   store,
		cache:   cache.NewUserAccounts(userID),
		checker: grants.NewChecker(store, m.cfg.Registry, m.cfg.Permissions),
	}
	if err := u.hydrateAccounts(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	m.users[userID] = u
	return u, nil
}

func (u *userState) hydrateAccounts(ctx context.Context) error {
	rows, err := u.store.FindAllDeAccounts(ctx)
	if err != nil {
		return err
	}
	byType := make(map[string][]domain.Account)
	for _, row := range rows {
		byType[row.Account.Type] = append(byType[row.Account.Type], row.Account)
		if row.PreviousName != nil {
			u.cache.SetPreviousName(row.Account, *row.PreviousName)
		}
	}
	u.cache.ReplaceAccounts(byType)
	return nil
}

// requireOwner rejects callers that do not share the authenticator identity
// for the account type.
func (m *Manager) requireOwner(caller Caller, accountType string) error {
	desc, ok := m.cfg.Registry.Describe(accountType)
	if !ok {
		return platformerrors.WithMetadata(
			platformerrors.CodeAuthenticatorUnavailable,
			"no authenticator registered for account type",
			map[string]string{"account_type": accountType},
		)
	}
	if caller.UID == desc.UID {
		return nil
	}
	if caller.SignatureDigest != "" && caller.SignatureDigest == desc.SignatureDigest {
		return nil
	}
	return platformerrors.New(platformerrors.CodePermissionDenied, "caller does not manage this account type")
}

// GetAccounts lists the accounts the caller may see, restricted to one type
// when accountType is non-empty.
func (m *Manager) GetAccounts(ctx context.Context, userID int, caller Caller, accountType string) ([]domain.Account, error) {
	u, err := m.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	var candidates []domain.Account
	if accountType != "" {
		candidates = u.cache.Accounts(accountType)
	} else {
		candidates = u.cache.AllAccounts()
	}

	visible := make([]domain.Account, 0, len(candidates))
	for _, account := range candidates {
		ok, err := u.checker.CanAccess(ctx, caller, account)
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, account)
			continue
		}
		// An explicit token grant keeps the account visible even without
		// a visibility entry.
		granted, err := u.checker.HasAnyGrant(ctx, caller, account)
		if err != nil {
			return nil, err
		}
		if granted {
			visible = append(visible, account)
		}
	}
	return visible, nil
}

// GetAccountsAndVisibilityForPackage lists every account of the type along
// with the package's resolved visibility, for authenticator-owner callers.
func (m *Manager) GetAccountsAndVisibilityForPackage(ctx context.Context, userID int, caller Caller, accountType, pkg string) (map[domain.Account]domain.Visibility, error) {
	if err := m.requireOwner(caller, accountType); err != nil {
		return nil, err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make(map[domain.Account]domain.Visibility)
	for _, account := range u.cache.Accounts(accountType) {
		level, err := u.visibility(ctx, account, pkg)
		if err != nil {
			return nil, err
		}
		out[account] = level
	}
	return out, nil
}

// visibility resolves one package's level for an account, hydrating the
// cache from the store on miss.
func (u *userState) visibility(ctx context.Context, account domain.Account, pkg string) (domain.Visibility, error) {
	if levels, ok := u.cache.Visibility(account); ok {
		return levels[pkg], nil
	}
	levels, err := u.store.FindAllVisibilityForAccount(ctx, account)
	if err != nil {
		return domain.VisibilityUndefined, err
	}
	u.cache.SetVisibility(account, levels)
	return levels[pkg], nil
}

// AddAccountExplicitly inserts the account with its password and user data.
// Only the account type's authenticator may call it. The first successful
// add pins the type to the caller's uid.
func (m *Manager) AddAccountExplicitly(ctx context.Context, userID int, caller Caller, account domain.Account, password string, extras map[string]string) error {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}

	err = u.cache.WithStoreLock(func() error {
		u.store.LogAction(ctx, storage.DebugActionCalledAccountAdd, caller.UID, storage.TableAccounts, account.Name)

		uid, err := u.store.FindMetaAuthUID(ctx, account.Type)
		switch {
		case platformerrors.CodeOf(err) == platformerrors.CodeNotFound:
			if err := u.store.SetMetaAuthUID(ctx, account.Type, caller.UID); err != nil {
				return err
			}
		case err != nil:
			return err
		case uid != caller.UID:
			return platformerrors.New(platformerrors.CodePermissionDenied, "account type is managed by another uid")
		}

		if _, err := u.store.AddAccount(ctx, account, password, extras, m.cfg.Clock()); err != nil {
			return err
		}
		u.store.LogAction(ctx, storage.DebugActionAccountAdd, caller.UID, storage.TableAccounts, account.Name)
		u.cache.AddAccount(account)
		if extras != nil {
			u.cache.SetUserData(account, extras)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.cfg.Notifier.AccountsChanged(userID, account.Type)
	return nil
}

// RemoveAccount deletes the account and everything keyed by it. Works while
// the user is locked; the CE rows are reconciled away on the next unlock.
func (m *Manager) RemoveAccount(ctx context.Context, userID int, caller Caller, account domain.Account) error {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}

	err = u.cache.WithStoreLock(func() error {
		u.store.LogAction(ctx, storage.DebugActionCalledRemove, caller.UID, storage.TableAccounts, account.Name)
		id, err := u.store.FindDeAccountID(ctx, account)
		if err != nil {
			return err
		}
		if err := u.store.DeleteAccount(ctx, id); err != nil {
			return err
		}
		u.store.LogAction(ctx, storage.DebugActionAccountRemove, caller.UID, storage.TableAccounts, account.Name)
		u.cache.RemoveAccount(account)
		u.checker.InvalidateAccount(account)
		return nil
	})
	if err != nil {
		return err
	}
	for _, notificationID := range m.notifications.dropAccount(account) {
		m.cfg.Notifications.Cancel(userID, notificationID)
	}
	m.cfg.Notifier.AccountsChanged(userID, account.Type)
	return nil
}

// RenameAccount changes the account's name, carrying tokens, user data, and
// visibility over to the new identity and recording the old name.
func (m *Manager) RenameAccount(ctx context.Context, userID int, caller Caller, account domain.Account, newName string) (domain.Account, error) {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return domain.Account{}, err
	}
	renamed, err := domain.NewAccount(newName, account.Type)
	if err != nil {
		return domain.Account{}, err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return domain.Account{}, err
	}
	if u.cache.HasAccount(renamed) {
		return domain.Account{}, platformerrors.New(platformerrors.CodeInvalidArgument, "an account with the new name already exists")
	}

	err = u.cache.WithStoreLock(func() error {
		id, err := u.store.FindDeAccountID(ctx, account)
		if err != nil {
			return err
		}
		if err := u.store.RenameAccount(ctx, id, account.Name, renamed.Name); err != nil {
			return err
		}
		u.store.LogAction(ctx, storage.DebugActionAccountRename, caller.UID, storage.TableAccounts, renamed.Name)
		u.cache.RenameAccount(account, renamed)
		u.checker.InvalidateAccount(account)
		return nil
	})
	if err != nil {
		return domain.Account{}, err
	}
	m.cfg.Notifier.AccountsChanged(userID, account.Type)
	return renamed, nil
}

// GetPreviousName returns the name the account had before its last rename,
// or empty when it was never renamed.
func (m *Manager) GetPreviousName(ctx context.Context, userID int, caller Caller, account domain.Account) (string, error) {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return "", err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return "", err
	}
	if name, ok := u.cache.PreviousName(account); ok {
		return name, nil
	}
	id, err := u.store.FindDeAccountID(ctx, account)
	if err != nil {
		return "", err
	}
	row, err := u.store.FindDeAccountByID(ctx, id)
	if err != nil {
		return "", err
	}
	if row.PreviousName == nil {
		return "", nil
	}
	u.cache.SetPreviousName(account, *row.PreviousName)
	return *row.PreviousName, nil
}

// GetPassword reads the stored password. Authenticator-owner only.
func (m *Manager) GetPassword(ctx context.Context, userID int, caller Caller, account domain.Account) (string, error) {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return "", err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.store.FindAccountPassword(ctx, account)
}

// SetPassword stores a new password and drops every token minted under the
// old one.
func (m *Manager) SetPassword(ctx context.Context, userID int, caller Caller, account domain.Account, password string) error {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	action := storage.DebugActionSetPassword
	if password == "" {
		action = storage.DebugActionClearPassword
	}

	err = u.cache.WithStoreLock(func() error {
		id, err := u.store.FindDeAccountID(ctx, account)
		if err != nil {
			return err
		}
		if err := u.store.SetAccountPassword(ctx, id, password); err != nil {
			return err
		}
		if err := u.store.DeleteAuthTokensByAccount(ctx, id); err != nil {
			return err
		}
		if password != "" {
			if err := u.store.SetAccountLastAuthenticated(ctx, id, m.cfg.Clock()); err != nil {
				return err
			}
		}
		u.store.LogAction(ctx, action, caller.UID, storage.TableAccounts, account.Name)
		u.cache.ClearAuthTokens(account)
		return nil
	})
	if err != nil {
		return err
	}
	m.cfg.Notifier.AccountsChanged(userID, account.Type)
	return nil
}

// ClearPassword removes the stored password and the account's tokens.
func (m *Manager) ClearPassword(ctx context.Context, userID int, caller Caller, account domain.Account) error {
	return m.SetPassword(ctx, userID, caller, account, "")
}

// GetUserData reads one user-data key. Authenticator-owner only.
func (m *Manager) GetUserData(ctx context.Context, userID int, caller Caller, account domain.Account, key string) (string, error) {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return "", err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return "", err
	}
	data, err := u.userData(ctx, account)
	if err != nil {
		return "", err
	}
	return data[key], nil
}

// SetUserData writes one user-data key.
func (m *Manager) SetUserData(ctx context.Context, userID int, caller Caller, account domain.Account, key, value string) error {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	return u.cache.WithStoreLock(func() error {
		id, err := u.store.FindDeAccountID(ctx, account)
		if err != nil {
			return err
		}
		if err := u.store.SetExtra(ctx, id, key, value); err != nil {
			return err
		}
		u.cache.PutUserDataKey(account, key, value)
		return nil
	})
}

func (u *userState) userData(ctx context.Context, account domain.Account) (map[string]string, error) {
	if data, ok := u.cache.UserData(account); ok {
		return data, nil
	}
	data, err := u.store.FindExtrasByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	u.cache.SetUserData(account, data)
	return data, nil
}

// PeekAuthToken returns the stored token of the type without contacting the
// authenticator. Requires token access.
func (m *Manager) PeekAuthToken(ctx context.Context, userID int, caller Caller, account domain.Account, tokenType string) (string, error) {
	u, err := m.user(ctx, userID)
	if err != nil {
		return "", err
	}
	allowed, err := u.checker.CanUseAuthToken(ctx, caller, account, tokenType)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", platformerrors.New(platformerrors.CodePermissionDenied, "caller may not use this account's tokens")
	}
	if !u.cache.HasAccount(account) {
		return "", platformerrors.WithMetadata(platformerrors.CodeNotFound, "account does not exist",
			map[string]string{"account": account.Name})
	}
	tokens, err := u.authTokens(ctx, account)
	if err != nil {
		return "", err
	}
	return tokens[tokenType], nil
}

// SetAuthToken stores a token for the type, replacing any previous one.
func (m *Manager) SetAuthToken(ctx context.Context, userID int, caller Caller, account domain.Account, tokenType, token string) error {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	return u.cache.WithStoreLock(func() error {
		id, err := u.store.FindDeAccountID(ctx, account)
		if err != nil {
			return err
		}
		if err := u.store.InsertAuthToken(ctx, id, tokenType, token); err != nil {
			return err
		}
		u.cache.PutAuthToken(account, tokenType, token)
		return nil
	})
}

// InvalidateAuthToken drops every stored copy of the token across the
// account type, so the next request mints a fresh one.
func (m *Manager) InvalidateAuthToken(ctx context.Context, userID int, accountType, token string) error {
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	return u.cache.WithStoreLock(func() error {
		refs, err := u.store.DeleteAuthTokensByTypeAndValue(ctx, accountType, token)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			row, err := u.store.FindDeAccountByID(ctx, ref.AccountID)
			if err != nil {
				if platformerrors.CodeOf(err) == platformerrors.CodeNotFound {
					continue
				}
				return err
			}
			u.cache.RemoveAuthToken(row.Account, ref.TokenType)
		}
		u.cache.Tokens().RemoveToken(accountType, token)
		return nil
	})
}

func (u *userState) authTokens(ctx context.Context, account domain.Account) (map[string]string, error) {
	if tokens, ok := u.cache.AuthTokens(account); ok {
		return tokens, nil
	}
	tokens, err := u.store.FindAuthTokensByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	u.cache.SetAuthTokens(account, tokens)
	return tokens, nil
}

// GetVisibility resolves one package's visibility for the account.
func (m *Manager) GetVisibility(ctx context.Context, userID int, caller Caller, account domain.Account, pkg string) (domain.Visibility, error) {
	if err := m.requireOwner(caller, account.Type); err != nil {
		// A package may always ask about itself.
		if caller.PackageName != pkg {
			return domain.VisibilityUndefined, err
		}
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return domain.VisibilityUndefined, err
	}
	return u.visibility(ctx, account, pkg)
}

// SetVisibility sets one package's visibility for the account.
func (m *Manager) SetVisibility(ctx context.Context, userID int, caller Caller, account domain.Account, pkg string, level domain.Visibility) error {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return err
	}
	if !level.Valid() {
		return platformerrors.New(platformerrors.CodeInvalidArgument, "visibility value out of range")
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	err = u.cache.WithStoreLock(func() error {
		id, err := u.store.FindDeAccountID(ctx, account)
		if err != nil {
			return err
		}
		if err := u.store.SetVisibility(ctx, id, pkg, level); err != nil {
			return err
		}
		u.cache.PutVisibility(account, pkg, level)
		u.checker.InvalidateAccount(account)
		return nil
	})
	if err != nil {
		return err
	}
	m.cfg.Notifier.AccountsChanged(userID, account.Type)
	return nil
}

// GrantAuthTokenAccess records an explicit grant letting uid use the
// account's tokens of the type.
func (m *Manager) GrantAuthTokenAccess(ctx context.Context, userID int, caller Caller, account domain.Account, tokenType string, uid int64) error {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	return u.cache.WithStoreLock(func() error {
		id, err := u.store.FindDeAccountID(ctx, account)
		if err != nil {
			return err
		}
		if err := u.store.InsertGrant(ctx, id, tokenType, uid); err != nil {
			return err
		}
		u.checker.InvalidateAccount(account)
		return nil
	})
}

// RevokeAuthTokenAccess removes an explicit grant.
func (m *Manager) RevokeAuthTokenAccess(ctx context.Context, userID int, caller Caller, account domain.Account, tokenType string, uid int64) error {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	return u.cache.WithStoreLock(func() error {
		id, err := u.store.FindDeAccountID(ctx, account)
		if err != nil {
			return err
		}
		if err := u.store.RevokeGrant(ctx, id, tokenType, uid); err != nil {
			return err
		}
		u.checker.InvalidateAccount(account)
		return nil
	})
}

// SharedAccounts lists the accounts staged for profile cloning.
func (m *Manager) SharedAccounts(ctx context.Context, userID int) ([]domain.Account, error) {
	u, err := m.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.store.FindSharedAccounts(ctx)
}

// AddSharedAccount stages an account for profile cloning.
func (m *Manager) AddSharedAccount(ctx context.Context, userID int, caller Caller, account domain.Account) error {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	return u.store.InsertSharedAccount(ctx, account)
}

// RemoveSharedAccount unstages an account.
func (m *Manager) RemoveSharedAccount(ctx context.Context, userID int, caller Caller, account domain.Account) error {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	return u.store.DeleteSharedAccount(ctx, account)
}
