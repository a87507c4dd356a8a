// Package domain defines the account value types shared across the engine.
package domain

import (
	"strings"

	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

// Account identifies a credential principal. The value is immutable: a rename
// produces a new identity bound to the same storage row.
type Account struct {
	Name string
	Type string
}

// NewAccount validates and normalizes an account identity.
func NewAccount(name, accountType string) (Account, error) {
	name = strings.TrimSpace(name)
	accountType = strings.TrimSpace(accountType)
	if name == "" {
		return Account{}, platformerrors.New(platformerrors.CodeInvalidArgument, "account name is required")
	}
	if accountType == "" {
		return Account{}, platformerrors.New(platformerrors.CodeInvalidArgument, "account type is required")
	}
	return Account{Name: name, Type: accountType}, nil
}

// String renders the account for logs. The name may be user data, so callers
// that care should log the type only.
func (a Account) String() string {
	return a.Name + " (" + a.Type + ")"
}
