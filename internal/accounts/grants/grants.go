// Package grants decides which callers may see accounts and use their
// tokens.
//
// Account access resolves in three steps: a caller sharing the
// authenticator's identity always passes, an explicit visibility entry for
// the caller's package decides next, and callers with neither fall back to
// the legacy permission check. Token use never falls back: it requires the
// authenticator identity or an explicit grant row.
package grants

import (
	"context"
	"sync"

	"github.com/ewalde/accountd/internal/accounts/authenticator"
	"github.com/ewalde/accountd/internal/accounts/domain"
)

// Caller is the identity asking for access.
type Caller struct {
	UID             int64
	PackageName     string
	SignatureDigest string
}

// Store is the slice of the persistence layer access decisions read.
type Store interface {
	FindVisibility(ctx context.Context, account domain.Account, pkg string) (domain.Visibility, error)
	CountMatchingGrants(ctx context.Context, uid int64, tokenType string, account domain.Account) (int64, error)
	CountMatchingGrantsAnyToken(ctx context.Context, uid int64, account domain.Account) (int64, error)
}

// PermissionOracle answers the legacy whole-type permission check used when
// no visibility entry exists for a package.
type PermissionOracle interface {
	HasLegacyAccountAccess(caller Caller, accountType string) bool
}

// PermissionOracleFunc adapts a function to PermissionOracle.
type PermissionOracleFunc func(caller Caller, accountType string) bool

func (f PermissionOracleFunc) HasLegacyAccountAccess(caller Caller, accountType string) bool {
	return f(caller, accountType)
}

type decisionKey struct {
	account domain.Account
	pkg     string
	uid     int64
}

// Checker makes account-access and token-use decisions, memoizing account
// access per (account, package, uid) until an invalidation.
type Checker struct {
	store    Store
	registry *authenticator.Registry
	perms    PermissionOracle

	mu        sync.Mutex
	decisions map[decisionKey]bool
}

// NewChecker wires a checker. A nil permission oracle denies all legacy
// fallbacks.
func NewChecker(store Store, registry *authenticator.Registry, perms PermissionOracle) *Checker {
	if perms == nil {
		perms = PermissionOracleFunc(func(Caller, string) bool { return false })
	}
	return &Checker{
		store:     store,
		registry:  registry,
		perms:     perms,
		decisions: make(map[decisionKey]bool),
	}
}

// isAuthenticatorOwner reports whether the caller shares the registered
// authenticator's identity for the account type.
func (c *Checker) isAuthenticatorOwner(caller Caller, accountType string) bool {
	desc, ok := c.registry.Describe(accountType)
	if !ok {
		return false
	}
	if caller.UID == desc.UID {
		return true
	}
	return caller.SignatureDigest != "" && caller.SignatureDigest == desc.SignatureDigest
}

// CanAccess decides whether the caller may see the account at all.
func (c *Checker) CanAccess(ctx context.Context, caller Caller, account domain.Account) (bool, error) {
	if c.isAuthenticatorOwner(caller, account.Type) {
		return true, nil
	}

	key := decisionKey{account: account, pkg: caller.PackageName, uid: caller.UID}
	c.mu.Lock()
	decision, cached := c.decisions[key]
	c.mu.Unlock()
	if cached {
		return decision, nil
	}

	level, err := c.store.FindVisibility(ctx, account, caller.PackageName)
	if err != nil {
		return false, err
	}
	if level.Defined() {
		decision = level.Visible()
	} else {
		decision = c.perms.HasLegacyAccountAccess(caller, account.Type)
	}

	c.mu.Lock()
	c.decisions[key] = decision
	c.mu.Unlock()
	return decision, nil
}

// CanUseAuthToken decides whether the caller may read or mint tokens of the
// given type for the account. There is no legacy fallback: access requires
// the authenticator identity or an explicit grant.
func (c *Checker) CanUseAuthToken(ctx context.Context, caller Caller, account domain.Account, tokenType string) (bool, error) {
	if c.isAuthenticatorOwner(caller, account.Type) {
		return true, nil
	}
	count, err := c.store.CountMatchingGrants(ctx, caller.UID, tokenType, account)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasAnyGrant reports whether the caller holds a grant for any token type of
// the account. Used when deciding whether a caller with no visibility entry
// should still see an account it was explicitly granted.
func (c *Checker) HasAnyGrant(ctx context.Context, caller Caller, account domain.Account) (bool, error) {
	count, err := c.store.CountMatchingGrantsAnyToken(ctx, caller.UID, account)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// InvalidatePackage forgets memoized decisions for one package. Called when
// the package is updated, removed, or its permissions change.
func (c *Checker) InvalidatePackage(pkg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.decisions {
		if key.pkg == pkg {
			delete(c.decisions, key)
		}
	}
}

// InvalidateUID forgets memoized decisions for one uid. Called when the
// uid's permission or app-op state changes.
func (c *Checker) InvalidateUID(uid int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.decisions {
		if key.uid == uid {
			delete(c.decisions, key)
		}
	}
}

// InvalidateAccount forgets memoized decisions for one account. Called when
// the account's visibility entries change or the account is removed.
func (c *Checker) InvalidateAccount(account domain.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.decisions {
		if key.account == account {
			delete(c.decisions, key)
		}
	}
}

// InvalidateAll forgets every memoized decision.
func (c *Checker) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = make(map[decisionKey]bool)
}
