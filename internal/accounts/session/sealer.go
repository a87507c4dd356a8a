package session

import (
	"crypto/rand"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/secretbox"

	platformerrors "github.com/ewalde/accountd/internal/platform/errors"
)

// Sealer encrypts authenticator session bundles before they leave the
// engine. Clients carry the sealed blob between a start call and the
// matching finish call but can neither read nor forge it; the key never
// leaves the process.
type Sealer struct {
	key [32]byte
}

// NewSealer mints a sealer with a fresh random key. Bundles sealed by one
// engine instance are only accepted by the same instance.
func NewSealer() (*Sealer, error) {
	var s Sealer
	if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeUnknown, "generate sealer key", err)
	}
	return &s, nil
}

// Seal encodes and encrypts a session bundle.
func (s *Sealer) Seal(bundle map[string]string) ([]byte, error) {
	plaintext, err := cbor.Marshal(bundle)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeSessionBundleInvalid, "encode session bundle", err)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeUnknown, "generate bundle nonce", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts and decodes a sealed bundle. Tampered, truncated, or
// foreign-keyed blobs fail with SESSION_BUNDLE_INVALID.
func (s *Sealer) Open(sealed []byte) (map[string]string, error) {
	if len(sealed) < 24 {
		return nil, platformerrors.New(platformerrors.CodeSessionBundleInvalid, "session bundle too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, platformerrors.New(platformerrors.CodeSessionBundleInvalid, "session bundle failed authentication")
	}
	var bundle map[string]string
	if err := cbor.Unmarshal(plaintext, &bundle); err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeSessionBundleInvalid, "decode session bundle", err)
	}
	return bundle, nil
}
