package service

import (
	"sync"

	"github.com/ewalde/accountd/internal/accounts/domain"
	"github.com/ewalde/accountd/internal/platform/id"
)

// NotificationSink cancels previously surfaced notifications. Delivery is
// out of scope; the engine only tracks which notification belongs to which
// account or grant so the right ones get cancelled on lifecycle events.
type NotificationSink interface {
	Cancel(userID int, notificationID string)
}

// NotificationSinkFunc adapts a function to NotificationSink.
type NotificationSinkFunc func(userID int, notificationID string)

func (f NotificationSinkFunc) Cancel(userID int, notificationID string) { f(userID, notificationID) }

// CredentialsPermissionKey identifies one pending token-access request
// notification.
type CredentialsPermissionKey struct {
	Account   domain.Account
	TokenType string
	UID       int64
}

// notificationRegistry maps accounts and pending grants to the opaque
// notification ids surfaced for them.
type notificationRegistry struct {
	mu          sync.Mutex
	signin      map[domain.Account]string
	credentials map[CredentialsPermissionKey]string
}

func newNotificationRegistry() *notificationRegistry {
	return &notificationRegistry{
		signin:      make(map[domain.Account]string),
		credentials: make(map[CredentialsPermissionKey]string),
	}
}

// signinRequiredID returns the account's signin-required notification id,
// minting one on first use.
func (r *notificationRegistry) signinRequiredID(account domain.Account) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.signin[account]; ok {
		return existing, nil
	}
	minted, err := id.NewID()
	if err != nil {
		return "", err
	}
	r.signin[account] = minted
	return minted, nil
}

// credentialsPermissionID returns the id for a pending token-access request,
// minting one on first use.
func (r *notificationRegistry) credentialsPermissionID(key CredentialsPermissionKey) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.credentials[key]; ok {
		return existing, nil
	}
	minted, err := id.NewID()
	if err != nil {
		return "", err
	}
	r.credentials[key] = minted
	return minted, nil
}

// dropAccount forgets every notification for the account and returns the
// ids to cancel.
func (r *notificationRegistry) dropAccount(account domain.Account) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	if existing, ok := r.signin[account]; ok {
		ids = append(ids, existing)
		delete(r.signin, account)
	}
	for key, existing := range r.credentials {
		if key.Account == account {
			ids = append(ids, existing)
			delete(r.credentials, key)
		}
	}
	return ids
}

// dropUID forgets every token-access notification for the uid and returns
// the ids to cancel. Used when the uid's package is removed or its
// permissions change.
func (r *notificationRegistry) dropUID(uid int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for key, existing := range r.credentials {
		if key.UID == uid {
			ids = append(ids, existing)
			delete(r.credentials, key)
		}
	}
	return ids
}

// SigninRequiredNotificationID returns the stable id under which a
// signin-required notification for the account is surfaced.
func (m *Manager) SigninRequiredNotificationID(account domain.Account) (string, error) {
	return m.notifications.signinRequiredID(account)
}

// CredentialsPermissionNotificationID returns the stable id under which a
// pending token-access request is surfaced.
func (m *Manager) CredentialsPermissionNotificationID(key CredentialsPermissionKey) (string, error) {
	return m.notifications.credentialsPermissionID(key)
}
