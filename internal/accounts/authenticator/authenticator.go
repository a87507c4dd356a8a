// Package authenticator defines the contract account-type plugins implement
// and the registry that resolves an account type to its plugin.
//
// Authenticators answer asynchronously: each operation receives a response
// handler and returns once the request is underway. Exactly one handler
// method is expected per request; delivery discipline is enforced by the
// session layer, not here.
package authenticator

import (
	"context"
	"time"

	"github.com/ewalde/accountd/internal/accounts/domain"
)

// Result is a successful authenticator response. Which fields are populated
// depends on the operation: AddAccount fills Account, GetAuthToken fills
// Token, StartAddAccountSession fills SessionBundle, HasFeatures fills
// BoolResult, EditProperties fills Properties.
type Result struct {
	Account  domain.Account
	Password string
	UserData map[string]string

	Token       string
	TokenExpiry time.Time

	// SessionBundle carries opaque authenticator state between
	// StartAddAccountSession and FinishSession. Sealed before it leaves
	// the engine.
	SessionBundle map[string]string
	// SealedSessionBundle is filled in by the engine on delivery: the
	// encrypted form of SessionBundle the client hands back to the
	// finish call.
	SealedSessionBundle []byte

	BoolResult *bool
	Properties map[string]string

	// InterventionRequired means the authenticator needs the user to
	// complete the flow out of band. No other field is meaningful.
	InterventionRequired bool
}

// ResponseHandler receives the authenticator's answer. Implementations must
// tolerate being called from any goroutine.
type ResponseHandler interface {
	// OnResult delivers the operation's outcome.
	OnResult(result Result)
	// OnError delivers a failure. The error carries a domain code.
	OnError(err error)
}

// Authenticator is one account type's plugin.
type Authenticator interface {
	AddAccount(ctx context.Context, resp ResponseHandler, accountType, tokenType string, requiredFeatures []string, options map[string]string) error
	ConfirmCredentials(ctx context.Context, resp ResponseHandler, account domain.Account, options map[string]string) error
	UpdateCredentials(ctx context.Context, resp ResponseHandler, account domain.Account, tokenType string, options map[string]string) error
	GetAuthToken(ctx context.Context, resp ResponseHandler, account domain.Account, tokenType string, options map[string]string) error
	StartAddAccountSession(ctx context.Context, resp ResponseHandler, accountType, tokenType string, requiredFeatures []string, options map[string]string) error
	FinishSession(ctx context.Context, resp ResponseHandler, accountType string, sessionBundle map[string]string) error
	HasFeatures(ctx context.Context, resp ResponseHandler, account domain.Account, features []string) error
	EditProperties(ctx context.Context, resp ResponseHandler, accountType string) error
}
