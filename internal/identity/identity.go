// Package identity provides a mesh node's long-term key material: an Ed25519
// signing key pair for envelope authentication, an X25519 key pair for
// pairwise encryption, and the node identifier derived from the signing key.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrMnemonicRequired = errors.New("mnemonic is required")
)

// Generate creates a fresh identity from cryptographically secure randomness.
// Failure here means the entropy source is broken and is not retryable.
func Generate(displayName string) (*Identity, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("identity: entropy source failed: %w", err)
	}
	return fromSeed(seed, displayName)
}

// FromMnemonic recreates a deterministic identity from a BIP-39 seed phrase,
// so the same mesh identity can be restored on a new device.
func FromMnemonic(mnemonic, displayName string) (*Identity, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return fromSeed(bip39.NewSeed(mnemonic, ""), displayName)
}

// NewMnemonic produces a fresh 24-word seed phrase for FromMnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func fromSeed(seed []byte, displayName string) (*Identity, error) {
	keys, err := DeriveKeys(seed)
	if err != nil {
		return nil, err
	}
	id, err := BuildNodeID(keys.SigningPublicKey)
	if err != nil {
		return nil, err
	}
	return &Identity{
		NodeID:            id,
		DisplayName:       displayName,
		SigningPublicKey:  append([]byte(nil), keys.SigningPublicKey...),
		SigningPrivateKey: append([]byte(nil), keys.SigningPrivateKey...),
		EncryptionPublic:  append([]byte(nil), keys.EncryptionPublic...),
		EncryptionPrivate: append([]byte(nil), keys.EncryptionPrivate...),
		CreatedAt:         time.Now().UTC(),
	}, nil
}
