package authenticator

import (
	"sync"

	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

// Description is the registered identity of an account type's plugin: the
// uid it runs as and the digest of its signing identity. Access decisions
// compare caller identities against these.
type Description struct {
	AccountType     string
	UID             int64
	SignatureDigest string
	// CustomTokens means the authenticator manages token lifetime itself;
	// issued tokens go to the client-scoped cache instead of the database.
	CustomTokens bool
}

// Registry resolves account types to their plugins. Registration happens at
// startup and when a package event adds or removes an authenticator.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	desc Description
	auth Authenticator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds an account type to its plugin, replacing any previous
// binding.
func (r *Registry) Register(desc Description, auth Authenticator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[desc.AccountType] = entry{desc: desc, auth: auth}
}

// Unregister removes the account type's binding. Returns whether one
// existed.
func (r *Registry) Unregister(accountType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[accountType]
	delete(r.entries, accountType)
	return ok
}

// Lookup resolves the plugin for an account type.
func (r *Registry) Lookup(accountType string) (Description, Authenticator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[accountType]
	if !ok {
		return Description{}, nil, platformerrors.WithMetadata(
			platformerrors.CodeAuthenticatorUnavailable,
			"no authenticator registered for account type",
			map[string]string{"account_type": accountType},
		)
	}
	return e.desc, e.auth, nil
}

// Describe returns the registered identity without the plugin.
func (r *Registry) Describe(accountType string) (Description, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[accountType]
	return e.desc, ok
}

// Types lists the registered account types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for accountType := range r.entries {
		types = append(types, accountType)
	}
	return types
}
