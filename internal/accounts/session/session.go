// Package session tracks in-flight authenticator operations.
//
// Every call an authenticator answers asynchronously gets one session. The
// session guarantees exactly-once delivery to the caller: the first of
// authenticator result, authenticator error, timeout, or cancellation wins,
// and everything after it is a no-op. The table additionally rejects a
// duplicate of an operation that is already in flight for the same account,
// operation kind, and caller.
package session

import (
	"sync"
	"time"

	"github.com/ewalde/accountd/internal/accounts/authenticator"
	"github.com/ewalde/accountd/internal/accounts/domain"
	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
	"github.com/ewalde/accountd/internal/platform/id"
	"github.com/ewalde/accountd/internal/platform/timeouts"
)

// Kind names the operation a session is running.
type Kind string

const (
	KindAddAccount         Kind = "add_account"
	KindConfirmCredentials Kind = "confirm_credentials"
	KindUpdateCredentials  Kind = "update_credentials"
	KindGetAuthToken       Kind = "get_auth_token"
	KindStartAddSession    Kind = "start_add_account_session"
	KindFinishSession      Kind = "finish_session"
	KindHasFeatures        Kind = "has_features"
	KindEditProperties     Kind = "edit_properties"
)

// State is a session's position in its lifecycle.
type State int

const (
	// StateCreated means the session is registered but the authenticator
	// has not been resolved yet.
	StateCreated State = iota
	// StateBound means the authenticator was resolved.
	StateBound
	// StateAwaitingResult means the request was dispatched and the
	// deadline timer is running.
	StateAwaitingResult
	// StateCompleted, StateTimedOut and StateCancelled are terminal.
	StateCompleted
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateAwaitingResult:
		return "awaiting_result"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Caller identifies the client that opened a session.
type Caller struct {
	UID         int64
	PackageName string
}

// Key is the duplicate-detection identity of an operation: the same caller
// running the same kind against the same account (or account type, for
// operations with no account yet) is a duplicate. TokenType scopes
// token-minting operations so requests for different token types run
// independently.
type Key struct {
	Account     domain.Account
	AccountType string
	TokenType   string
	Kind        Kind
	Caller      Caller
}

// Outcome is what a session delivers: a result or an error, never both.
type Outcome struct {
	Result authenticator.Result
	Err    error
}

// Callback receives a session's outcome exactly once.
type Callback func(Outcome)

// Config tunes a Table. Zero values fall back to production defaults.
type Config struct {
	// Timeout bounds how long a dispatched request may stay unanswered.
	Timeout time.Duration
	// NewID mints session ids.
	NewID func() (string, error)
	// Deliver runs outcome callbacks. Defaults to calling inline from
	// whichever goroutine resolved the session.
	Deliver func(task func())
}

// Table owns every live session for one engine instance.
type Table struct {
	cfg Config

	mu    sync.Mutex
	byID  map[string]*Session
	byKey map[Key]string
}

// NewTable returns an empty session table.
func NewTable(cfg Config) *Table {
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.AuthenticatorSession
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	if cfg.Deliver == nil {
		cfg.Deliver = func(task func()) { task() }
	}
	return &Table{
		cfg:   cfg,
		byID:  make(map[string]*Session),
		byKey: make(map[Key]string),
	}
}

// Session is one in-flight authenticator operation.
type Session struct {
	table *Table
	id    string
	key   Key

	mu    sync.Mutex
	state State
	timer *time.Timer

	callback Callback
}

// Begin registers a session for the key. A live session with the same key
// rejects the duplicate.
func (t *Table) Begin(key Key, callback Callback) (*Session, error) {
	if callback == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument, "session callback is required")
	}
	sessionID, err := t.cfg.NewID()
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeUnknown, "mint session id", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byKey[key]; exists {
		return nil, platformerrors.WithMetadata(
			platformerrors.CodeSessionInFlight,
			"an equivalent operation is already in flight",
			map[string]string{"kind": string(key.Kind)},
		)
	}

	s := &Session{
		table:    t,
		id:       sessionID,
		key:      key,
		state:    StateCreated,
		callback: callback,
	}
	t.byID[s.id] = s
	t.byKey[key] = s.id
	return s, nil
}

// Cancel resolves the session with a cancellation error. Unknown ids are
// no-ops: the session already resolved.
func (t *Table) Cancel(id string) {
	t.mu.Lock()
	s := t.byID[id]
	t.mu.Unlock()
	if s == nil {
		return
	}
	s.resolve(StateCancelled, Outcome{
		Err: platformerrors.New(platformerrors.CodeSessionCancelled, "operation cancelled"),
	})
}

// Len reports how many sessions are in flight.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *Table) remove(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, s.id)
	if t.byKey[s.key] == s.id {
		delete(t.byKey, s.key)
	}
}

// ID is the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkBound records that the authenticator was resolved.
func (s *Session) MarkBound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCreated {
		s.state = StateBound
	}
}

// MarkDispatched records that the request went out and starts the deadline
// timer.
func (s *Session) MarkDispatched() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBound {
		return
	}
	s.state = StateAwaitingResult
	s.timer = time.AfterFunc(s.table.cfg.Timeout, func() {
		s.resolve(StateTimedOut, Outcome{
			Err: platformerrors.New(platformerrors.CodeSessionTimeout, "authenticator did not respond in time"),
		})
	})
}

// Abort resolves the session with the given error. Used when dispatch itself
// fails.
func (s *Session) Abort(err error) {
	s.resolve(StateCompleted, Outcome{Err: err})
}

// OnResult implements authenticator.ResponseHandler.
func (s *Session) OnResult(result authenticator.Result) {
	s.resolve(StateCompleted, Outcome{Result: result})
}

// OnError implements authenticator.ResponseHandler.
func (s *Session) OnError(err error) {
	if err == nil {
		err = platformerrors.New(platformerrors.CodeUnknown, "authenticator reported an unspecified failure")
	}
	s.resolve(StateCompleted, Outcome{Err: err})
}

// resolve moves the session to a terminal state and delivers the outcome.
// The first caller wins; later calls find a terminal state and return.
func (s *Session) resolve(terminal State, outcome Outcome) {
	s.mu.Lock()
	if s.state >= StateCompleted {
		s.mu.Unlock()
		return
	}
	s.state = terminal
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	callback := s.callback
	s.callback = nil
	s.mu.Unlock()

	// Remove before delivering so a callback that starts a new equivalent
	// operation does not collide with this one's key.
	s.table.remove(s)
	s.table.cfg.Deliver(func() { callback(outcome) })
}
