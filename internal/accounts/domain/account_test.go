package domain

import (
	"errors"
	"testing"

	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

func TestNewAccountNormalizes(t *testing.T) {
	account, err := NewAccount("  alice@example.com ", " com.example ")
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	if account.Name != "alice@example.com" {
		t.Fatalf("name = %q", account.Name)
	}
	if account.Type != "com.example" {
		t.Fatalf("type = %q", account.Type)
	}
}

func TestNewAccountRejectsEmptyFields(t *testing.T) {
	cases := []struct {
		name        string
		accountName string
		accountType string
	}{
		{"empty name", "", "com.example"},
		{"empty type", "alice", ""},
		{"blank name", "   ", "com.example"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAccount(tc.accountName, tc.accountType)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, platformerrors.New(platformerrors.CodeInvalidArgument, "")) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestVisibilityPredicates(t *testing.T) {
	if VisibilityUndefined.Defined() {
		t.Fatal("undefined should not be defined")
	}
	if !VisibilityVisible.Visible() || !VisibilityUserManagedVisible.Visible() {
		t.Fatal("visible levels should report visible")
	}
	if VisibilityNotVisible.Visible() || VisibilityUserManagedNotVisible.Visible() {
		t.Fatal("not-visible levels should not report visible")
	}
	if Visibility(9).Valid() {
		t.Fatal("unknown level should be invalid")
	}
}
