package service

import (
	"context"

	"github.com/ewalde/accountd/internal/accounts/authenticator"
	"github.com/ewalde/accountd/internal/accounts/cache"
	"github.com/ewalde/accountd/internal/accounts/domain"
	"github.com/ewalde/accountd/internal/accounts/session"
	"github.com/ewalde/accountd/internal/accounts/storage"
	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

// Session-driven operations. Each registers a session, resolves the
// authenticator, dispatches, and returns without waiting: the outcome
// arrives on the callback exactly once. Results that change durable state
// are written through the store before the caller sees success.

func sessionCaller(caller Caller) session.Caller {
	return session.Caller{UID: caller.UID, PackageName: caller.PackageName}
}

// dispatch runs the common tail of every session operation: resolve the
// authenticator, mark the session bound, invoke, and arm the deadline.
func (m *Manager) dispatch(ctx context.Context, s *session.Session, accountType string, invoke func(auth authenticator.Authenticator, desc authenticator.Description) error) string {
	desc, auth, err := m.cfg.Registry.Lookup(accountType)
	if err != nil {
		s.Abort(err)
		return s.ID()
	}
	s.MarkBound()
	if err := invoke(auth, desc); err != nil {
		s.Abort(err)
		return s.ID()
	}
	s.MarkDispatched()
	return s.ID()
}

// CancelSession withdraws an in-flight operation.
func (m *Manager) CancelSession(sessionID string) {
	m.sessions.Cancel(sessionID)
}

// SessionsInFlight reports how many authenticator operations are pending.
func (m *Manager) SessionsInFlight() int {
	return m.sessions.Len()
}

// AddAccount asks the account type's authenticator to add an account. On a
// successful result carrying an account, the account is persisted before
// the callback fires.
func (m *Manager) AddAccount(ctx context.Context, userID int, caller Caller, accountType, tokenType string, requiredFeatures []string, options map[string]string, cb session.Callback) (string, error) {
	u, err := m.user(ctx, userID)
	if err != nil {
		return "", err
	}
	u.store.LogAction(ctx, storage.DebugActionCalledAccountAdd, caller.UID, storage.TableAccounts, accountType)

	key := session.Key{AccountType: accountType, Kind: session.KindAddAccount, Caller: sessionCaller(caller)}
	s, err := m.sessions.Begin(key, func(outcome session.Outcome) {
		cb(m.commitAddedAccount(userID, outcome))
	})
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, s, accountType, func(auth authenticator.Authenticator, _ authenticator.Description) error {
		return auth.AddAccount(ctx, s, accountType, tokenType, requiredFeatures, options)
	}), nil
}

// commitAddedAccount persists a successful add-account outcome. A
// persistence failure replaces the success with the storage error.
func (m *Manager) commitAddedAccount(userID int, outcome session.Outcome) session.Outcome {
	if outcome.Err != nil || outcome.Result.InterventionRequired || outcome.Result.Account.Name == "" {
		return outcome
	}
	ctx := context.Background()
	account := outcome.Result.Account

	desc, ok := m.cfg.Registry.Describe(account.Type)
	if !ok {
		return session.Outcome{Err: platformerrors.New(platformerrors.CodeAuthenticatorUnavailable, "authenticator disappeared before commit")}
	}
	owner := Caller{UID: desc.UID, SignatureDigest: desc.SignatureDigest}
	if err := m.AddAccountExplicitly(ctx, userID, owner, account, outcome.Result.Password, outcome.Result.UserData); err != nil {
		return session.Outcome{Err: err}
	}
	return outcome
}

// ConfirmCredentials asks the authenticator to verify the account's
// credentials. A successful confirmation stamps the account's
// last-authenticated time before the callback fires.
func (m *Manager) ConfirmCredentials(ctx context.Context, userID int, caller Caller, account domain.Account, options map[string]string, cb session.Callback) (string, error) {
	u, err := m.user(ctx, userID)
	if err != nil {
		return "", err
	}
	allowed, err := u.checker.CanAccess(ctx, caller, account)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", platformerrors.New(platformerrors.CodePermissionDenied, "caller may not see this account")
	}

	key := session.Key{Account: account, Kind: session.KindConfirmCredentials, Caller: sessionCaller(caller)}
	s, err := m.sessions.Begin(key, func(outcome session.Outcome) {
		if outcome.Err == nil && outcome.Result.BoolResult != nil && *outcome.Result.BoolResult {
			if err := m.recordAuthenticated(userID, account); err != nil {
				outcome = session.Outcome{Err: err}
			}
		}
		cb(outcome)
	})
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, s, account.Type, func(auth authenticator.Authenticator, _ authenticator.Description) error {
		return auth.ConfirmCredentials(ctx, s, account, options)
	}), nil
}

func (m *Manager) recordAuthenticated(userID int, account domain.Account) error {
	ctx := context.Background()
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	return u.cache.WithStoreLock(func() error {
		id, err := u.store.FindDeAccountID(ctx, account)
		if err != nil {
			return err
		}
		return u.store.SetAccountLastAuthenticated(ctx, id, m.cfg.Clock())
	})
}

// UpdateCredentials asks the authenticator to refresh the account's
// credentials. A returned password is persisted, and the old tokens are
// dropped, before the callback fires.
func (m *Manager) UpdateCredentials(ctx context.Context, userID int, caller Caller, account domain.Account, tokenType string, options map[string]string, cb session.Callback) (string, error) {
	if err := m.requireOwner(caller, account.Type); err != nil {
		return "", err
	}
	if _, err := m.user(ctx, userID); err != nil {
		return "", err
	}

	key := session.Key{Account: account, Kind: session.KindUpdateCredentials, Caller: sessionCaller(caller)}
	s, err := m.sessions.Begin(key, func(outcome session.Outcome) {
		if outcome.Err == nil && !outcome.Result.InterventionRequired && outcome.Result.Password != "" {
			if err := m.SetPassword(context.Background(), userID, caller, account, outcome.Result.Password); err != nil {
				outcome = session.Outcome{Err: err}
			}
		}
		cb(outcome)
	})
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, s, account.Type, func(auth authenticator.Authenticator, _ authenticator.Description) error {
		return auth.UpdateCredentials(ctx, s, account, tokenType, options)
	}), nil
}

// GetAuthToken returns a token of the type for the account. A stored or
// cached token short-circuits without a session: the callback fires inline
// and the returned session id is empty. Otherwise the authenticator mints
// one, which is persisted (or client-cached for custom-token
// authenticators) before the callback fires.
func (m *Manager) GetAuthToken(ctx context.Context, userID int, caller Caller, account domain.Account, tokenType string, options map[string]string, cb session.Callback) (string, error) {
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
	desc, ok := m.cfg.Registry.Describe(account.Type)
	if !ok {
		return "", platformerrors.New(platformerrors.CodeAuthenticatorUnavailable, "no authenticator registered for account type")
	}

	if desc.CustomTokens {
		cacheKey := tokenCacheKey(account, tokenType, caller)
		if token, ok := u.cache.Tokens().Get(cacheKey, m.cfg.Clock()); ok {
			cb(session.Outcome{Result: authenticator.Result{Account: account, Token: token}})
			return "", nil
		}
	} else {
		tokens, err := u.authTokens(ctx, account)
		if err != nil && platformerrors.CodeOf(err) != platformerrors.CodeStorageLocked {
			return "", err
		}
		if err == nil {
			if token := tokens[tokenType]; token != "" {
				cb(session.Outcome{Result: authenticator.Result{Account: account, Token: token}})
				return "", nil
			}
		}
	}

	key := session.Key{Account: account, TokenType: tokenType, Kind: session.KindGetAuthToken, Caller: sessionCaller(caller)}
	s, err := m.sessions.Begin(key, func(outcome session.Outcome) {
		if outcome.Err == nil && !outcome.Result.InterventionRequired && outcome.Result.Token != "" {
			if err := m.commitToken(userID, caller, account, tokenType, desc, outcome.Result); err != nil {
				outcome = session.Outcome{Err: err}
			}
		}
		cb(outcome)
	})
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, s, account.Type, func(auth authenticator.Authenticator, _ authenticator.Description) error {
		return auth.GetAuthToken(ctx, s, account, tokenType, options)
	}), nil
}

func tokenCacheKey(account domain.Account, tokenType string, caller Caller) cache.TokenKey {
	return cache.TokenKey{
		Account:         account,
		TokenType:       tokenType,
		PackageName:     caller.PackageName,
		SignatureDigest: caller.SignatureDigest,
	}
}

// commitToken makes a freshly minted token durable: custom-token
// authenticators go to the expiring client-scoped cache, everything else to
// the store.
func (m *Manager) commitToken(userID int, caller Caller, account domain.Account, tokenType string, desc authenticator.Description, result authenticator.Result) error {
	ctx := context.Background()
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	if desc.CustomTokens {
		u.cache.Tokens().Put(tokenCacheKey(account, tokenType, caller), result.Token, result.TokenExpiry)
		return nil
	}
	return u.cache.WithStoreLock(func() error {
		id, err := u.store.FindDeAccountID(ctx, account)
		if err != nil {
			return err
		}
		if err := u.store.InsertAuthToken(ctx, id, tokenType, result.Token); err != nil {
			return err
		}
		u.cache.PutAuthToken(account, tokenType, result.Token)
		return nil
	})
}

// StartAddAccountSession runs the first half of a two-phase add. The
// authenticator's opaque state comes back sealed; the client cannot read or
// forge it and hands it to FinishSession unchanged.
func (m *Manager) StartAddAccountSession(ctx context.Context, userID int, caller Caller, accountType, tokenType string, requiredFeatures []string, options map[string]string, cb session.Callback) (string, error) {
	u, err := m.user(ctx, userID)
	if err != nil {
		return "", err
	}
	u.store.LogAction(ctx, storage.DebugActionCalledStartAdd, caller.UID, storage.TableAccounts, accountType)

	key := session.Key{AccountType: accountType, Kind: session.KindStartAddSession, Caller: sessionCaller(caller)}
	s, err := m.sessions.Begin(key, func(outcome session.Outcome) {
		if outcome.Err == nil && outcome.Result.SessionBundle != nil {
			sealed, err := m.sealer.Seal(outcome.Result.SessionBundle)
			if err != nil {
				outcome = session.Outcome{Err: err}
			} else {
				outcome.Result.SealedSessionBundle = sealed
				outcome.Result.SessionBundle = nil
			}
		}
		cb(outcome)
	})
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, s, accountType, func(auth authenticator.Authenticator, _ authenticator.Description) error {
		return auth.StartAddAccountSession(ctx, s, accountType, tokenType, requiredFeatures, options)
	}), nil
}

// FinishSession runs the second half of a two-phase add: the sealed bundle
// is opened and handed to the authenticator, and a resulting account is
// persisted before the callback fires.
func (m *Manager) FinishSession(ctx context.Context, userID int, caller Caller, accountType string, sealedBundle []byte, cb session.Callback) (string, error) {
	bundle, err := m.sealer.Open(sealedBundle)
	if err != nil {
		return "", err
	}
	u, err := m.user(ctx, userID)
	if err != nil {
		return "", err
	}
	u.store.LogAction(ctx, storage.DebugActionCalledFinish, caller.UID, storage.TableAccounts, accountType)

	key := session.Key{AccountType: accountType, Kind: session.KindFinishSession, Caller: sessionCaller(caller)}
	s, err := m.sessions.Begin(key, func(outcome session.Outcome) {
		cb(m.commitAddedAccount(userID, outcome))
	})
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, s, accountType, func(auth authenticator.Authenticator, _ authenticator.Description) error {
		return auth.FinishSession(ctx, s, accountType, bundle)
	}), nil
}

// HasFeatures asks the authenticator whether the account supports every
// listed feature.
func (m *Manager) HasFeatures(ctx context.Context, userID int, caller Caller, account domain.Account, features []string, cb session.Callback) (string, error) {
	u, err := m.user(ctx, userID)
	if err != nil {
		return "", err
	}
	allowed, err := u.checker.CanAccess(ctx, caller, account)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", platformerrors.New(platformerrors.CodePermissionDenied, "caller may not see this account")
	}

	key := session.Key{Account: account, Kind: session.KindHasFeatures, Caller: sessionCaller(caller)}
	s, err := m.sessions.Begin(key, cb)
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, s, account.Type, func(auth authenticator.Authenticator, _ authenticator.Description) error {
		return auth.HasFeatures(ctx, s, account, features)
	}), nil
}

// EditProperties asks the authenticator for its account-type level
// properties flow. Authenticator-owner only.
func (m *Manager) EditProperties(ctx context.Context, userID int, caller Caller, accountType string, cb session.Callback) (string, error) {
	if err := m.requireOwner(caller, accountType); err != nil {
		return "", err
	}
	if _, err := m.user(ctx, userID); err != nil {
		return "", err
	}

	key := session.Key{AccountType: accountType, Kind: session.KindEditProperties, Caller: sessionCaller(caller)}
	s, err := m.sessions.Begin(key, cb)
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, s, accountType, func(auth authenticator.Authenticator, _ authenticator.Description) error {
		return auth.EditProperties(ctx, s, accountType)
	}), nil
}
