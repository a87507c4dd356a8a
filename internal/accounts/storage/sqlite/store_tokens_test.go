package sqlite

import (
	"context"
	"testing"
	"time"

	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

func TestSetAndClearPassword(t *testing.T) {
	store := openUnlockedStore(t)
	ctx := context.Background()
	account := mustAccount(t, "alice@example.com", "com.example")

	id, err := store.AddAccount(ctx, account, "p1", nil, time.Now())
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	if err := store.SetAccountPassword(ctx, id, "p2"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	password, err := store.FindAccountPassword(ctx, account)
	if err != nil {
		t.Fatalf("find password: %v", err)
	}
	if password != "p2" {
		t.Fatalf("password = %q, want p2", password)
	}

	if err := store.SetAccountPassword(ctx, id, ""); err != nil {
		t.Fatalf("clear password: %v", err)
	}
	password, err = store.FindAccountPassword(ctx, account)
	if err != nil {
		t.Fatalf("find cleared password: %v", err)
	}
	if password != "" {
		t.Fatalf("password = %q, want empty", password)
	}
}

func TestInsertAuthTokenUpserts(t *testing.T) {
	store := openUnlockedStore(t)
	ctx := context.Background()
	account := mustAccount(t, "alice@example.com", "com.example")

	id, err := store.AddAccount(ctx, account, "p1", nil, time.Now())
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	if err := store.InsertAuthToken(ctx, id, "read", "tok1"); err != nil {
		t.Fatalf("insert token: %v", err)
	}
	if err := store.InsertAuthToken(ctx, id, "read", "tok2"); err != nil {
		t.Fatalf("replace token: %v", err)
	}
	tokens, err := store.FindAuthTokensByAccount(ctx, account)
	if err != nil {
		t.Fatalf("find tokens: %v", err)
	}
	if len(tokens) != 1 || tokens["read"] != "tok2" {
		t.Fatalf("tokens = %v, want single read=tok2", tokens)
	}
}

func TestDeleteAuthTokensByTypeAndValue(t *testing.T) {
	store := openUnlockedStore(t)
	ctx := context.Background()
	alice := mustAccount(t, "alice@example.com", "com.example")
	bob := mustAccount(t, "bob@example.com", "com.example")

	aliceID, err := store.AddAccount(ctx, alice, "p1", nil, time.Now())
	if err != nil {
		t.Fatalf("add alice: %v", err)
	}
	bobID, err := store.AddAccount(ctx, bob, "p2", nil, time.Now())
	if err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if err := store.InsertAuthToken(ctx, aliceID, "read", "shared"); err != nil {
		t.Fatalf("insert alice token: %v", err)
	}
	if err := store.InsertAuthToken(ctx, bobID, "read", "shared"); err != nil {
		t.Fatalf("insert bob token: %v", err)
	}
	if err := store.InsertAuthToken(ctx, bobID, "write", "other"); err != nil {
		t.Fatalf("insert bob write token: %v", err)
	}

	refs, err := store.DeleteAuthTokensByTypeAndValue(ctx, "com.example", "shared")
	if err != nil {
		t.Fatalf("delete tokens by value: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("deleted refs = %v, want two", refs)
	}

	tokens, err := store.FindAuthTokensByAccount(ctx, bob)
	if err != nil {
		t.Fatalf("find bob tokens: %v", err)
	}
	if len(tokens) != 1 || tokens["write"] != "other" {
		t.Fatalf("bob tokens = %v, want only write=other", tokens)
	}
}

func TestSetExtraUpserts(t *testing.T) {
	store := openUnlockedStore(t)
	ctx := context.Background()
	account := mustAccount(t, "alice@example.com", "com.example")

	id, err := store.AddAccount(ctx, account, "p1", map[string]string{"k": "v1"}, time.Now())
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	if err := store.SetExtra(ctx, id, "k", "v2"); err != nil {
		t.Fatalf("set extra: %v", err)
	}
	if err := store.SetExtra(ctx, id, "k2", "v3"); err != nil {
		t.Fatalf("set new extra: %v", err)
	}
	extras, err := store.FindExtrasByAccount(ctx, account)
	if err != nil {
		t.Fatalf("find extras: %v", err)
	}
	if extras["k"] != "v2" || extras["k2"] != "v3" {
		t.Fatalf("extras = %v", extras)
	}
}

func TestFindAccountPasswordMissingAccount(t *testing.T) {
	store := openUnlockedStore(t)
	account := mustAccount(t, "nobody@example.com", "com.example")

	_, err := store.FindAccountPassword(context.Background(), account)
	if platformerrors.CodeOf(err) != platformerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
