package cache

import (
	"sync"
	"time"

	"github.com/ewalde/accountd/internal/accounts/domain"
)

// TokenKey identifies one issued token: which account it belongs to, the
// token type requested, and a digest of the requesting client's signing
// identity so one client never reads another's token.
type TokenKey struct {
	Account         domain.Account
	TokenType       string
	PackageName     string
	SignatureDigest string
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache holds authenticator-issued tokens with expiry. Unlike the
// persisted authtokens table this cache is scoped to the requesting client
// and is never written to disk.
type TokenCache struct {
	mu      sync.Mutex
	entries map[TokenKey]tokenEntry
}

// NewTokenCache returns an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{entries: make(map[TokenKey]tokenEntry)}
}

// Put stores a token until expiresAt. A zero expiry means the authenticator
// declared no lifetime and the token is not cached.
func (c *TokenCache) Put(key TokenKey, token string, expiresAt time.Time) {
	if token == "" || expiresAt.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = tokenEntry{token: token, expiresAt: expiresAt}
}

// Get returns the live token for the key, evicting it when expired.
func (c *TokenCache) Get(key TokenKey, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.token, true
}

// RemoveToken evicts every entry holding the given token value for accounts
// of the type. Used when a client reports the token invalid.
func (c *TokenCache) RemoveToken(accountType, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if key.Account.Type == accountType && entry.token == token {
			delete(c.entries, key)
		}
	}
}

// RemoveAccount evicts every entry for the account.
func (c *TokenCache) RemoveAccount(account domain.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.Account == account {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of live entries, counting expired ones until they
// are read.
func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
