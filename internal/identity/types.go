package identity

import "time"

// Identity is a node's long-term key material. It is created once at startup
// and is immutable for the process lifetime.
type Identity struct {
	NodeID            string
	DisplayName       string
	SigningPublicKey  []byte // Ed25519 public key bytes (32)
	SigningPrivateKey []byte // Ed25519 private key bytes (64)
	EncryptionPublic  []byte // X25519 public key bytes (32)
	EncryptionPrivate []byte // X25519 private key bytes (32)
	CreatedAt         time.Time
}

// DerivedKeys is the key material produced from a single seed.
type DerivedKeys struct {
	SigningPrivateKey []byte // Ed25519 private key bytes (64)
	SigningPublicKey  []byte // Ed25519 public key bytes (32)
	EncryptionPrivate []byte // X25519 private key bytes (32)
	EncryptionPublic  []byte // X25519 public key bytes (32)
}
