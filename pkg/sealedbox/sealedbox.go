// Package sealedbox implements a key-rotation-aware authenticated encryption
// envelope used both for C1 token-store values at rest and the state cookie
// payload. Each envelope is prefixed by the key id that produced it, so
// callers can roll keys by prepending a new one to the configured list
// while still decrypting values sealed under older keys.
package sealedbox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lsst/gafaelfawr/pkg/logger"
)

// KeySize is the required length, in bytes, of each symmetric key.
const KeySize = chacha20poly1305.KeySize

// separator divides the kid prefix from the ciphertext in the wire encoding.
const separator = "."

// Key is a single named 256-bit symmetric key.
type Key struct {
	ID     string
	Secret [KeySize]byte
}

// Box seals and opens envelopes. The first key in Keys is used for sealing;
// all keys are tried, in order, when opening, so a rotated-out key remains
// valid for decryption until all existing envelopes have been re-sealed.
type Box struct {
	keys []Key
}

// New constructs a Box. keys must be non-empty; the first entry is the
// active sealing key.
func New(keys []Key) (*Box, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("sealedbox: at least one key is required")
	}
	return &Box{keys: keys}, nil
}

// Seal encrypts plaintext under the active key and returns a
// "<kid>.<base64url ciphertext>" envelope.
func (b *Box) Seal(plaintext []byte) (string, error) {
	key := b.keys[0]
	aead, err := chacha20poly1305.New(key.Secret[:])
	if err != nil {
		return "", fmt.Errorf("sealedbox: build cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("sealedbox: generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)
	return key.ID + separator + base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts an envelope produced by Seal. A decryption failure (unknown
// kid, corrupt ciphertext, authentication failure) is logged as a warning
// and reported as ErrNotFound; it is never surfaced to callers as a
// distinguishable error, matching the token store's "decrypt failure looks
// like cache miss" contract.
func (b *Box) Open(envelope string) ([]byte, error) {
	kid, encoded, found := strings.Cut(envelope, separator)
	if !found {
		logger.Warnf("sealedbox: malformed envelope, missing kid separator")
		return nil, ErrNotFound
	}

	var key *Key
	for i := range b.keys {
		if b.keys[i].ID == kid {
			key = &b.keys[i]
			break
		}
	}
	if key == nil {
		logger.Warnf("sealedbox: envelope sealed under unknown key id %q", kid)
		return nil, ErrNotFound
	}

	ciphertext, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		logger.Warnf("sealedbox: envelope under key %q failed base64 decode: %v", kid, err)
		return nil, ErrNotFound
	}

	aead, err := chacha20poly1305.New(key.Secret[:])
	if err != nil {
		logger.Warnf("sealedbox: build cipher for key %q: %v", kid, err)
		return nil, ErrNotFound
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		logger.Warnf("sealedbox: envelope under key %q too short", kid)
		return nil, ErrNotFound
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		logger.Warnf("sealedbox: envelope under key %q failed authentication: %v", kid, err)
		return nil, ErrNotFound
	}

	logger.Debugf("sealedbox: envelope opened successfully using key %q", kid)
	return plaintext, nil
}

// ErrNotFound is returned by Open on any decryption failure, matching C1's
// contract that decryption failures look identical to a cache miss.
var ErrNotFound = fmt.Errorf("sealedbox: envelope not found or invalid")
