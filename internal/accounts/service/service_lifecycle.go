package service

import (
	"context"

	"github.com/ewalde/accountd/internal/accounts/storage"
)

// Manager implements lifecycle.Handler; the coordinator serializes these, so
// none of them races another lifecycle reaction.

// HandleUserUnlocked attaches the user's CE database and re-hydrates the
// account list, since attach reconciliation can change the DE rows.
func (m *Manager) HandleUserUnlocked(ctx context.Context, userID int) error {
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	return u.cache.WithStoreLock(func() error {
		if err := u.store.AttachCe(ctx); err != nil {
			return err
		}
		u.store.LogAction(ctx, storage.DebugActionSyncDeCeAccounts, 0, storage.TableAccounts, "unlock")
		u.cache.Invalidate()
		return u.hydrateAccounts(ctx)
	})
}

// HandleUserRemoved closes the user's store and drops every in-memory
// projection. Idempotent: an unknown user is a no-op.
func (m *Manager) HandleUserRemoved(ctx context.Context, userID int) error {
	m.mu.Lock()
	u, ok := m.users[userID]
	delete(m.users, userID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	u.cache.Invalidate()
	u.checker.InvalidateAll()
	return u.store.Close()
}

// HandlePackageAdded drops memoized access decisions for the package; a
// fresh install may carry different signatures or permissions.
func (m *Manager) HandlePackageAdded(ctx context.Context, userID int, pkg string) error {
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	u.checker.InvalidatePackage(pkg)
	return nil
}

// HandlePackageUpdated is the same invalidation as an install.
func (m *Manager) HandlePackageUpdated(ctx context.Context, userID int, pkg string) error {
	return m.HandlePackageAdded(ctx, userID, pkg)
}

// HandlePackageRemoved purges the package's visibility rows, the uid's
// grants, and every cache entry or pending notification either owned.
func (m *Manager) HandlePackageRemoved(ctx context.Context, userID int, pkg string, uid int64) error {
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	err = u.cache.WithStoreLock(func() error {
		if err := u.store.DeleteVisibilityForPackage(ctx, pkg); err != nil {
			return err
		}
		if err := u.store.DeleteGrantsByUID(ctx, uid); err != nil {
			return err
		}
		u.cache.DropVisibilityForPackage(pkg)
		u.checker.InvalidatePackage(pkg)
		u.checker.InvalidateUID(uid)
		return nil
	})
	if err != nil {
		return err
	}
	for _, notificationID := range m.notifications.dropUID(uid) {
		m.cfg.Notifications.Cancel(userID, notificationID)
	}
	return nil
}

// HandlePermissionsChanged re-evaluates the uid's access lazily by dropping
// its memoized decisions, and cancels its pending access-request
// notifications.
func (m *Manager) HandlePermissionsChanged(ctx context.Context, userID int, uid int64) error {
	u, err := m.user(ctx, userID)
	if err != nil {
		return err
	}
	u.checker.InvalidateUID(uid)
	for _, notificationID := range m.notifications.dropUID(uid) {
		m.cfg.Notifications.Cancel(userID, notificationID)
	}
	return nil
}

// DebugInfo is a point-in-time snapshot for the daemon's dump output.
type DebugInfo struct {
	Accounts         int64
	AccountTypes     int
	DebugLogRows     int64
	SessionsInFlight int
	CeAttached       bool
}

// Snapshot reports counters for one user.
func (m *Manager) Snapshot(ctx context.Context, userID int) (DebugInfo, error) {
	u, err := m.user(ctx, userID)
	if err != nil {
		return DebugInfo{}, err
	}
	count, err := u.store.CountDeAccounts(ctx)
	if err != nil {
		return DebugInfo{}, err
	}
	logRows, err := u.store.DebugLogSize(ctx)
	if err != nil {
		return DebugInfo{}, err
	}
	types := make(map[string]bool)
	for _, account := range u.cache.AllAccounts() {
		types[account.Type] = true
	}
	return DebugInfo{
		Accounts:         count,
		AccountTypes:     len(types),
		DebugLogRows:     logRows,
		SessionsInFlight: m.sessions.Len(),
		CeAttached:       u.store.CeAttached(),
	}, nil
}
