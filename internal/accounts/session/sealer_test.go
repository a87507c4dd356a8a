package session

import (
	"testing"

	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer()
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	bundle := map[string]string{"state": "pending", "challenge": "abc123"}

	sealed, err := sealer.Seal(bundle)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(opened) != 2 || opened["state"] != "pending" || opened["challenge"] != "abc123" {
		t.Fatalf("opened = %v", opened)
	}
}

func TestSealerRejectsTampering(t *testing.T) {
	sealer, err := NewSealer()
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := sealer.Seal(map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	_, err = sealer.Open(sealed)
	if platformerrors.CodeOf(err) != platformerrors.CodeSessionBundleInvalid {
		t.Fatalf("expected bundle invalid, got %v", err)
	}
}

func TestSealerRejectsForeignKey(t *testing.T) {
	a, err := NewSealer()
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	b, err := NewSealer()
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := a.Seal(map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); platformerrors.CodeOf(err) != platformerrors.CodeSessionBundleInvalid {
		t.Fatalf("expected bundle invalid, got %v", err)
	}
}

func TestSealerRejectsShortBlob(t *testing.T) {
	sealer, err := NewSealer()
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	if _, err := sealer.Open([]byte("short")); platformerrors.CodeOf(err) != platformerrors.CodeSessionBundleInvalid {
		t.Fatalf("expected bundle invalid, got %v", err)
	}
}
