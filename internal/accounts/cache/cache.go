// Package cache keeps the in-memory projection of one user's account state.
//
// Reads served from here never touch the database. Writers hold the store
// lock across their database write and the cache update so readers observe
// either the old state or the new state, never a half-applied one. The store
// lock is always acquired before the cache lock; cache methods only take the
// cache lock, so calling them inside WithStoreLock preserves the ordering.
package cache

import (
	"sync"

	"github.com/ewalde/accountd/internal/accounts/domain"
)

// UserAccounts is the cached account state for one user.
type UserAccounts struct {
	UserID int

	storeMu sync.Mutex

	mu           sync.RWMutex
	accounts     map[string][]domain.Account
	userData     map[domain.Account]map[string]string
	authTokens   map[domain.Account]map[string]string
	previousName map[domain.Account]string
	visibility   map[domain.Account]map[string]domain.Visibility
	tokens       *TokenCache
}

// NewUserAccounts returns an empty cache for the user.
func NewUserAccounts(userID int) *UserAccounts {
	return &UserAccounts{
		UserID:       userID,
		accounts:     make(map[string][]domain.Account),
		userData:     make(map[domain.Account]map[string]string),
		authTokens:   make(map[domain.Account]map[string]string),
		previousName: make(map[domain.Account]string),
		visibility:   make(map[domain.Account]map[string]domain.Visibility),
		tokens:       NewTokenCache(),
	}
}

// WithStoreLock serializes a database write with its cache update. fn must
// not call WithStoreLock again.
func (u *UserAccounts) WithStoreLock(fn func() error) error {
	u.storeMu.Lock()
	defer u.storeMu.Unlock()
	return fn()
}

// ReplaceAccounts swaps in the full account list, grouped by type. Used when
// (re)hydrating from the database.
func (u *UserAccounts) ReplaceAccounts(byType map[string][]domain.Account) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.accounts = make(map[string][]domain.Account, len(byType))
	for accountType, list := range byType {
		u.accounts[accountType] = append([]domain.Account(nil), list...)
	}
}

// AddAccount appends the account to its type's list.
func (u *UserAccounts) AddAccount(account domain.Account) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.accounts[account.Type] {
		if existing == account {
			return
		}
	}
	u.accounts[account.Type] = append(u.accounts[account.Type], account)
}

// RemoveAccount drops the account and every sub-cache entry keyed by it.
func (u *UserAccounts) RemoveAccount(account domain.Account) {
	u.mu.Lock()
	defer u.mu.Unlock()
	list := u.accounts[account.Type]
	for i, existing := range list {
		if existing == account {
			u.accounts[account.Type] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(u.accounts[account.Type]) == 0 {
		delete(u.accounts, account.Type)
	}
	u.dropAccountLocked(account)
}

func (u *UserAccounts) dropAccountLocked(account domain.Account) {
	delete(u.userData, account)
	delete(u.authTokens, account)
	delete(u.previousName, account)
	delete(u.visibility, account)
	u.tokens.RemoveAccount(account)
}

// RenameAccount rewrites every cache keyed by the old identity to the new
// one. The account list keeps the old position so callers observe a stable
// order across the rename.
func (u *UserAccounts) RenameAccount(old, renamed domain.Account) {
	u.mu.Lock()
	defer u.mu.Unlock()
	list := u.accounts[old.Type]
	for i, existing := range list {
		if existing == old {
			list[i] = renamed
			break
		}
	}
	if data, ok := u.userData[old]; ok {
		delete(u.userData, old)
		u.userData[renamed] = data
	}
	if tokens, ok := u.authTokens[old]; ok {
		delete(u.authTokens, old)
		u.authTokens[renamed] = tokens
	}
	if levels, ok := u.visibility[old]; ok {
		delete(u.visibility, old)
		u.visibility[renamed] = levels
	}
	delete(u.previousName, old)
	u.previousName[renamed] = old.Name
	u.tokens.RemoveAccount(old)
}

// Accounts returns a snapshot of the accounts of one type, in insertion
// order.
func (u *UserAccounts) Accounts(accountType string) []domain.Account {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]domain.Account(nil), u.accounts[accountType]...)
}

// AllAccounts returns a snapshot of every cached account across types.
func (u *UserAccounts) AllAccounts() []domain.Account {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var all []domain.Account
	for _, list := range u.accounts {
		all = append(all, list...)
	}
	return all
}

// HasAccount reports whether the identity is cached.
func (u *UserAccounts) HasAccount(account domain.Account) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, existing := range u.accounts[account.Type] {
		if existing == account {
			return true
		}
	}
	return false
}

// UserData returns the cached user-data map and whether it has been
// hydrated. The map is a copy.
func (u *UserAccounts) UserData(account domain.Account) (map[string]string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	data, ok := u.userData[account]
	if !ok {
		return nil, false
	}
	return copyStringMap(data), true
}

// SetUserData replaces the cached user-data map for the account.
func (u *UserAccounts) SetUserData(account domain.Account, data map[string]string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.userData[account] = copyStringMap(data)
}

// PutUserDataKey updates one key inside an already hydrated map. A miss is a
// no-op; the next read hydrates from the database.
func (u *UserAccounts) PutUserDataKey(account domain.Account, key, value string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if data, ok := u.userData[account]; ok {
		data[key] = value
	}
}

// AuthTokens returns the cached token map and whether it has been hydrated.
// The map is a copy.
func (u *UserAccounts) AuthTokens(account domain.Account) (map[string]string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	tokens, ok := u.authTokens[account]
	if !ok {
		return nil, false
	}
	return copyStringMap(tokens), true
}

// SetAuthTokens replaces the cached token map for the account.
func (u *UserAccounts) SetAuthTokens(account domain.Account, tokens map[string]string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.authTokens[account] = copyStringMap(tokens)
}

// PutAuthToken updates one token type inside an already hydrated map.
func (u *UserAccounts) PutAuthToken(account domain.Account, tokenType, token string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if tokens, ok := u.authTokens[account]; ok {
		tokens[tokenType] = token
	}
}

// RemoveAuthToken drops one token type from the hydrated map, if present.
func (u *UserAccounts) RemoveAuthToken(account domain.Account, tokenType string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if tokens, ok := u.authTokens[account]; ok {
		delete(tokens, tokenType)
	}
}

// ClearAuthTokens drops the account's token map and its issued-token
// entries. Called when the password changes.
func (u *UserAccounts) ClearAuthTokens(account domain.Account) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.authTokens, account)
	u.tokens.RemoveAccount(account)
}

// PreviousName returns the cached pre-rename name and whether one is cached.
func (u *UserAccounts) PreviousName(account domain.Account) (string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	name, ok := u.previousName[account]
	return name, ok
}

// SetPreviousName caches the pre-rename name for the account.
func (u *UserAccounts) SetPreviousName(account domain.Account, name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.previousName[account] = name
}

// Visibility returns the cached visibility map for the account and whether
// it has been hydrated. The map is a copy.
func (u *UserAccounts) Visibility(account domain.Account) (map[string]domain.Visibility, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	levels, ok := u.visibility[account]
	if !ok {
		return nil, false
	}
	out := make(map[string]domain.Visibility, len(levels))
	for pkg, level := range levels {
		out[pkg] = level
	}
	return out, true
}

// SetVisibility replaces the cached visibility map for the account.
func (u *UserAccounts) SetVisibility(account domain.Account, levels map[string]domain.Visibility) {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]domain.Visibility, len(levels))
	for pkg, level := range levels {
		out[pkg] = level
	}
	u.visibility[account] = out
}

// PutVisibility updates one package's level inside a hydrated map.
func (u *UserAccounts) PutVisibility(account domain.Account, pkg string, level domain.Visibility) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if levels, ok := u.visibility[account]; ok {
		levels[pkg] = level
	}
}

// DropVisibilityForPackage removes the package's entry from every hydrated
// visibility map. Called when the package is uninstalled.
func (u *UserAccounts) DropVisibilityForPackage(pkg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, levels := range u.visibility {
		delete(levels, pkg)
	}
}

// Tokens exposes the issued-token cache.
func (u *UserAccounts) Tokens() *TokenCache {
	return u.tokens
}

// Invalidate drops every cached projection. The next reads hydrate from the
// database.
func (u *UserAccounts) Invalidate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.accounts = make(map[string][]domain.Account)
	u.userData = make(map[domain.Account]map[string]string)
	u.authTokens = make(map[domain.Account]map[string]string)
	u.previousName = make(map[domain.Account]string)
	u.visibility = make(map[domain.Account]map[string]domain.Visibility)
	u.tokens = NewTokenCache()
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
