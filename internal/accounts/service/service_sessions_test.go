package service

import (
	"context"
	"testing"
	"time"

	"github.com/ewalde/accountd/internal/accounts/authenticator"
	"github.com/ewalde/accountd/internal/accounts/domain"
	"github.com/ewalde/accountd/internal/accounts/session"
	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

// collect returns a callback that records outcomes and signals delivery.
func collect() (session.Callback, chan session.Outcome) {
	ch := make(chan session.Outcome, 1)
	return func(outcome session.Outcome) { ch <- outcome }, ch
}

func await(t *testing.T, ch chan session.Outcome) session.Outcome {
	t.Helper()
	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatalf("callback never fired")
		return session.Outcome{}
	}
}

func TestAddAccountPersistsBeforeCallback(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	alice := newAccount(t, "alice@example.com")
	f.auth.addResult = &authenticator.Result{
		Account:  alice,
		Password: "p1",
		UserData: map[string]string{"k": "v"},
	}

	persisted := false
	sessionID, err := f.manager.AddAccount(ctx, 0, owner, accountType, "", nil, nil, func(outcome session.Outcome) {
		if outcome.Err != nil {
			t.Errorf("outcome: %v", outcome.Err)
			return
		}
		// The account must already be durable when the callback fires.
		got, err := f.manager.GetAccounts(ctx, 0, owner, accountType)
		if err != nil || len(got) != 1 {
			t.Errorf("accounts inside callback = %v err=%v", got, err)
			return
		}
		persisted = true
	})
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected a session id")
	}
	if !persisted {
		t.Fatal("callback never observed the persisted account")
	}
	if f.manager.SessionsInFlight() != 0 {
		t.Fatalf("sessions in flight = %d, want 0", f.manager.SessionsInFlight())
	}

	password, err := f.manager.GetPassword(ctx, 0, owner, alice)
	if err != nil || password != "p1" {
		t.Fatalf("password = %q err=%v", password, err)
	}
	value, err := f.manager.GetUserData(ctx, 0, owner, alice, "k")
	if err != nil || value != "v" {
		t.Fatalf("user data = %q err=%v", value, err)
	}
}

func TestAddAccountFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	f.auth.failWith = platformerrors.New(platformerrors.CodeUnknown, "upstream outage")

	cb, ch := collect()
	if _, err := f.manager.AddAccount(ctx, 0, owner, accountType, "", nil, nil, cb); err != nil {
		t.Fatalf("add account: %v", err)
	}
	outcome := await(t, ch)
	if platformerrors.CodeOf(outcome.Err) != platformerrors.CodeUnknown {
		t.Fatalf("outcome = %v, want upstream error", outcome.Err)
	}
	got, err := f.manager.GetAccounts(ctx, 0, owner, accountType)
	if err != nil || len(got) != 0 {
		t.Fatalf("accounts after failure = %v err=%v", got, err)
	}
}

func TestAddAccountInterventionRequiredSkipsPersist(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	f.auth.addResult = &authenticator.Result{InterventionRequired: true}

	cb, ch := collect()
	if _, err := f.manager.AddAccount(ctx, 0, owner, accountType, "", nil, nil, cb); err != nil {
		t.Fatalf("add account: %v", err)
	}
	outcome := await(t, ch)
	if outcome.Err != nil || !outcome.Result.InterventionRequired {
		t.Fatalf("outcome = %+v, want intervention passthrough", outcome)
	}
	got, err := f.manager.GetAccounts(ctx, 0, owner, accountType)
	if err != nil || len(got) != 0 {
		t.Fatalf("accounts = %v err=%v", got, err)
	}
}

func TestDuplicateSessionRejectedUntilResolved(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	f.auth.record = true

	cb, ch := collect()
	if _, err := f.manager.AddAccount(ctx, 0, owner, accountType, "", nil, nil, cb); err != nil {
		t.Fatalf("first add: %v", err)
	}

	_, err := f.manager.AddAccount(ctx, 0, owner, accountType, "", nil, nil, func(session.Outcome) {})
	if platformerrors.CodeOf(err) != platformerrors.CodeSessionInFlight {
		t.Fatalf("duplicate = %v, want session in flight", err)
	}

	first := f.auth.pending

	// A different caller is a different session.
	other := Caller{UID: ownerUID, PackageName: "com.example.other", SignatureDigest: ownerSig}
	otherID, err := f.manager.AddAccount(ctx, 0, other, accountType, "", nil, nil, func(session.Outcome) {})
	if err != nil {
		t.Fatalf("second caller add: %v", err)
	}
	if f.manager.SessionsInFlight() != 2 {
		t.Fatalf("sessions in flight = %d, want 2", f.manager.SessionsInFlight())
	}
	f.manager.CancelSession(otherID)

	f.auth.record = false
	alice := newAccount(t, "alice@example.com")
	first.OnResult(authenticator.Result{Account: alice, Password: "p1"})
	if outcome := await(t, ch); outcome.Err != nil {
		t.Fatalf("first outcome: %v", outcome.Err)
	}
	got, err := f.manager.GetAccounts(ctx, 0, owner, accountType)
	if err != nil || len(got) != 1 {
		t.Fatalf("accounts = %v err=%v", got, err)
	}

	// The key is free again once resolved.
	cb2, ch2 := collect()
	bob := newAccount(t, "bob@example.com")
	f.auth.addResult = &authenticator.Result{Account: bob, Password: "p2"}
	if _, err := f.manager.AddAccount(ctx, 0, owner, accountType, "", nil, nil, cb2); err != nil {
		t.Fatalf("re-add after resolution: %v", err)
	}
	if outcome := await(t, ch2); outcome.Err != nil {
		t.Fatalf("re-add outcome: %v", outcome.Err)
	}
}

func TestSessionTimeoutDropsLateResult(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.SessionTimeout = 20 * time.Millisecond })
	f.unlock(t)
	ctx := context.Background()
	f.auth.record = true

	cb, ch := collect()
	if _, err := f.manager.AddAccount(ctx, 0, owner, accountType, "", nil, nil, cb); err != nil {
		t.Fatalf("add account: %v", err)
	}
	outcome := await(t, ch)
	if platformerrors.CodeOf(outcome.Err) != platformerrors.CodeSessionTimeout {
		t.Fatalf("outcome = %v, want timeout", outcome.Err)
	}

	// A response arriving after the deadline changes nothing.
	alice := newAccount(t, "alice@example.com")
	f.auth.pending.OnResult(authenticator.Result{Account: alice, Password: "p1"})
	got, err := f.manager.GetAccounts(ctx, 0, owner, accountType)
	if err != nil || len(got) != 0 {
		t.Fatalf("accounts after late result = %v err=%v", got, err)
	}
}

func TestCancelSession(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	f.auth.record = true

	cb, ch := collect()
	sessionID, err := f.manager.AddAccount(context.Background(), 0, owner, accountType, "", nil, nil, cb)
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	f.manager.CancelSession(sessionID)
	outcome := await(t, ch)
	if platformerrors.CodeOf(outcome.Err) != platformerrors.CodeSessionCancelled {
		t.Fatalf("outcome = %v, want cancelled", outcome.Err)
	}
	if f.manager.SessionsInFlight() != 0 {
		t.Fatalf("sessions in flight = %d, want 0", f.manager.SessionsInFlight())
	}
}

func TestConfirmCredentialsStampsLastAuthenticated(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	alice := newAccount(t, "alice@example.com")
	if err := f.manager.AddAccountExplicitly(ctx, 0, owner, alice, "p1", nil); err != nil {
		t.Fatalf("add account: %v", err)
	}
	f.auth.confirmOK = true

	cb, ch := collect()
	if _, err := f.manager.ConfirmCredentials(ctx, 0, owner, alice, nil, cb); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	outcome := await(t, ch)
	if outcome.Err != nil || outcome.Result.BoolResult == nil || !*outcome.Result.BoolResult {
		t.Fatalf("outcome = %+v, want confirmed", outcome)
	}

	u, err := f.manager.user(ctx, 0)
	if err != nil {
		t.Fatalf("user state: %v", err)
	}
	rows, err := u.store.FindAllDeAccounts(ctx)
	if err != nil || len(rows) != 1 {
		t.Fatalf("de rows = %v err=%v", rows, err)
	}
	want := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	if rows[0].LastAuthenticatedAt.UnixMilli() != want.UnixMilli() {
		t.Fatalf("last authenticated = %v, want %v", rows[0].LastAuthenticatedAt, want)
	}
}

func TestUpdateCredentialsPersistsPassword(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	alice := newAccount(t, "alice@example.com")
	if err := f.manager.AddAccountExplicitly(ctx, 0, owner, alice, "old", nil); err != nil {
		t.Fatalf("add account: %v", err)
	}
	if err := f.manager.SetAuthToken(ctx, 0, owner, alice, "read", "stale"); err != nil {
		t.Fatalf("set auth token: %v", err)
	}
	f.auth.addResult = &authenticator.Result{Account: alice, Password: "fresh"}

	cb, ch := collect()
	if _, err := f.manager.UpdateCredentials(ctx, 0, owner, alice, "read", nil, cb); err != nil {
		t.Fatalf("update credentials: %v", err)
	}
	if outcome := await(t, ch); outcome.Err != nil {
		t.Fatalf("outcome: %v", outcome.Err)
	}

	password, err := f.manager.GetPassword(ctx, 0, owner, alice)
	if err != nil || password != "fresh" {
		t.Fatalf("password = %q err=%v", password, err)
	}
	token, err := f.manager.PeekAuthToken(ctx, 0, owner, alice, "read")
	if err != nil || token != "" {
		t.Fatalf("stale token survived: %q err=%v", token, err)
	}
}

func TestGetAuthTokenMintsOnceThenShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	alice := newAccount(t, "alice@example.com")
	if err := f.manager.AddAccountExplicitly(ctx, 0, owner, alice, "p1", nil); err != nil {
		t.Fatalf("add account: %v", err)
	}
	f.auth.tokenResult = &authenticator.Result{Account: alice, Token: "minted"}

	cb, ch := collect()
	sessionID, err := f.manager.GetAuthToken(ctx, 0, owner, alice, "read", nil, cb)
	if err != nil {
		t.Fatalf("get auth token: %v", err)
	}
	if sessionID == "" {
		t.Fatal("first request should run a session")
	}
	if outcome := await(t, ch); outcome.Err != nil || outcome.Result.Token != "minted" {
		t.Fatalf("outcome = %+v", outcome)
	}

	cb, ch = collect()
	sessionID, err = f.manager.GetAuthToken(ctx, 0, owner, alice, "read", nil, cb)
	if err != nil {
		t.Fatalf("second get auth token: %v", err)
	}
	if sessionID != "" {
		t.Fatalf("stored token should short-circuit, got session %q", sessionID)
	}
	if outcome := await(t, ch); outcome.Result.Token != "minted" {
		t.Fatalf("outcome = %+v", outcome)
	}
	if f.auth.tokenCalls != 1 {
		t.Fatalf("authenticator called %d times, want 1", f.auth.tokenCalls)
	}
}

func TestGetAuthTokenCustomTokensScopedToClient(t *testing.T) {
	const customType = "com.example.custom"
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	f.manager.cfg.Registry.Register(authenticator.Description{
		AccountType:     customType,
		UID:             ownerUID,
		SignatureDigest: ownerSig,
		CustomTokens:    true,
	}, f.auth)

	account, err := domain.NewAccount("alice@example.com", customType)
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	expiry := time.Date(2026, time.March, 1, 11, 0, 0, 0, time.UTC)
	f.auth.tokenResult = &authenticator.Result{Account: account, Token: "custom", TokenExpiry: expiry}

	cb, ch := collect()
	sessionID, err := f.manager.GetAuthToken(ctx, 0, owner, account, "read", nil, cb)
	if err != nil || sessionID == "" {
		t.Fatalf("first request: id=%q err=%v", sessionID, err)
	}
	await(t, ch)

	cb, ch = collect()
	sessionID, err = f.manager.GetAuthToken(ctx, 0, owner, account, "read", nil, cb)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if sessionID != "" {
		t.Fatalf("cached custom token should short-circuit, got session %q", sessionID)
	}
	if outcome := await(t, ch); outcome.Result.Token != "custom" {
		t.Fatalf("outcome = %+v", outcome)
	}

	// Another package never sees a token minted for the first one.
	other := Caller{UID: ownerUID, PackageName: "com.example.other", SignatureDigest: ownerSig}
	cb, ch = collect()
	sessionID, err = f.manager.GetAuthToken(ctx, 0, other, account, "read", nil, cb)
	if err != nil || sessionID == "" {
		t.Fatalf("other package should mint its own: id=%q err=%v", sessionID, err)
	}
	await(t, ch)
	if f.auth.tokenCalls != 2 {
		t.Fatalf("authenticator called %d times, want 2", f.auth.tokenCalls)
	}
}

func TestGetAuthTokenIndependentPerTokenType(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	alice := newAccount(t, "alice@example.com")
	if err := f.manager.AddAccountExplicitly(ctx, 0, owner, alice, "p1", nil); err != nil {
		t.Fatalf("add account: %v", err)
	}
	f.auth.record = true

	readID, err := f.manager.GetAuthToken(ctx, 0, owner, alice, "read", nil, func(session.Outcome) {})
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	writeID, err := f.manager.GetAuthToken(ctx, 0, owner, alice, "write", nil, func(session.Outcome) {})
	if err != nil {
		t.Fatalf("write request should not collide: %v", err)
	}
	if f.manager.SessionsInFlight() != 2 {
		t.Fatalf("sessions in flight = %d, want 2", f.manager.SessionsInFlight())
	}

	_, err = f.manager.GetAuthToken(ctx, 0, owner, alice, "read", nil, func(session.Outcome) {})
	if platformerrors.CodeOf(err) != platformerrors.CodeSessionInFlight {
		t.Fatalf("same token type should collide, got %v", err)
	}

	f.manager.CancelSession(readID)
	f.manager.CancelSession(writeID)
	if f.manager.SessionsInFlight() != 0 {
		t.Fatalf("sessions in flight = %d, want 0", f.manager.SessionsInFlight())
	}
}

func TestStartAndFinishSessionRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	f.auth.startResult = &authenticator.Result{SessionBundle: map[string]string{"challenge": "c1"}}

	cb, ch := collect()
	if _, err := f.manager.StartAddAccountSession(ctx, 0, owner, accountType, "", nil, nil, cb); err != nil {
		t.Fatalf("start session: %v", err)
	}
	outcome := await(t, ch)
	if outcome.Err != nil {
		t.Fatalf("start outcome: %v", outcome.Err)
	}
	if outcome.Result.SessionBundle != nil {
		t.Fatal("raw bundle leaked to the client")
	}
	sealed := outcome.Result.SealedSessionBundle
	if len(sealed) == 0 {
		t.Fatal("missing sealed bundle")
	}

	alice := newAccount(t, "alice@example.com")
	f.auth.finishResult = &authenticator.Result{Account: alice, Password: "p1"}
	cb, ch = collect()
	if _, err := f.manager.FinishSession(ctx, 0, owner, accountType, sealed, cb); err != nil {
		t.Fatalf("finish session: %v", err)
	}
	if outcome := await(t, ch); outcome.Err != nil {
		t.Fatalf("finish outcome: %v", outcome.Err)
	}

	got, err := f.manager.GetAccounts(ctx, 0, owner, accountType)
	if err != nil || len(got) != 1 || got[0] != alice {
		t.Fatalf("accounts = %v err=%v", got, err)
	}
}

func TestFinishSessionRejectsForgedBundle(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)

	_, err := f.manager.FinishSession(context.Background(), 0, owner, accountType, []byte("forged"), func(session.Outcome) {})
	if platformerrors.CodeOf(err) != platformerrors.CodeSessionBundleInvalid {
		t.Fatalf("expected invalid bundle, got %v", err)
	}
}

func TestHasFeaturesAndEditProperties(t *testing.T) {
	f := newFixture(t)
	f.unlock(t)
	ctx := context.Background()
	alice := newAccount(t, "alice@example.com")
	if err := f.manager.AddAccountExplicitly(ctx, 0, owner, alice, "p1", nil); err != nil {
		t.Fatalf("add account: %v", err)
	}
	f.auth.features = true

	cb, ch := collect()
	if _, err := f.manager.HasFeatures(ctx, 0, owner, alice, []string{"sync"}, cb); err != nil {
		t.Fatalf("has features: %v", err)
	}
	outcome := await(t, ch)
	if outcome.Err != nil || outcome.Result.BoolResult == nil || !*outcome.Result.BoolResult {
		t.Fatalf("has-features outcome = %+v", outcome)
	}

	cb, ch = collect()
	if _, err := f.manager.EditProperties(ctx, 0, owner, accountType, cb); err != nil {
		t.Fatalf("edit properties: %v", err)
	}
	outcome = await(t, ch)
	if outcome.Err != nil || outcome.Result.Properties["label"] != "Example" {
		t.Fatalf("edit-properties outcome = %+v", outcome)
	}

	stranger := Caller{UID: 20002, PackageName: "com.other"}
	_, err := f.manager.EditProperties(ctx, 0, stranger, accountType, func(session.Outcome) {})
	if platformerrors.CodeOf(err) != platformerrors.CodePermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
}
