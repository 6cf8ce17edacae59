// Package crypto implements the mesh's cryptographic envelope operations:
// X25519 pairwise shared secrets, salt-bound symmetric key derivation,
// XChaCha20-Poly1305 authenticated encryption, and detached Ed25519
// signatures. All failures reject the specific message; nothing in this
// package retries with reinterpreted key material.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidPeerKey = errors.New("invalid peer key")
	ErrInvalidKey     = errors.New("invalid symmetric key")
	ErrDecryptFailed  = errors.New("decryption failed")
	ErrSealedTooShort = errors.New("sealed message too short")
)

const (
	// SaltSize is prepended to every sealed message so the recipient can
	// re-derive the per-message key. A fresh salt per message means repeated
	// plaintexts between the same pair never reuse a key.
	SaltSize = 16

	keySize = chacha20poly1305.KeySize

	hkdfInfoBox = "hopchat/mesh/box/v1"
)

// SharedSecret computes the X25519 Diffie-Hellman secret for a key pair
// combination. The result is an intermediate value only and is never
// transmitted.
func SharedSecret(myPrivate, peerPublic []byte) ([]byte, error) {
	if len(myPrivate) != curve25519.ScalarSize || len(peerPublic) != curve25519.PointSize {
		return nil, ErrInvalidPeerKey
	}
	secret, err := curve25519.X25519(myPrivate, peerPublic)
	if err != nil {
		return nil, ErrInvalidPeerKey
	}
	return secret, nil
}

// DeriveKey binds a shared secret to a per-message salt, yielding a 32-byte
// symmetric key.
func DeriveKey(sharedSecret, salt []byte) []byte {
	reader := hkdf.New(sha256.New, sharedSecret, salt, []byte(hkdfInfoBox))
	out := make([]byte, keySize)
	_, _ = io.ReadFull(reader, out)
	return out
}

// Seal encrypts plaintext under key with a random nonce. The returned
// ciphertext includes the Poly1305 tag.
func Seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != keySize {
		return nil, nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts and authenticates ciphertext. It fails closed: a bad tag
// returns ErrDecryptFailed, never partially recovered plaintext.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// SealForPeer encrypts plaintext for a peer, composing ECDH, salted key
// derivation, and AEAD. Wire format: salt || nonce || ciphertext.
func SealForPeer(plaintext, myPrivate, peerPublic []byte) ([]byte, error) {
	secret, err := SharedSecret(myPrivate, peerPublic)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := DeriveKey(secret, salt)
	nonce, ciphertext, err := Seal(key, plaintext)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, SaltSize+len(nonce)+len(ciphertext))
	sealed = append(sealed, salt...)
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)
	return sealed, nil
}

// OpenFromPeer is the exact inverse of SealForPeer, splitting the received
// value back into salt, nonce, and ciphertext.
func OpenFromPeer(sealed, myPrivate, peerPublic []byte) ([]byte, error) {
	if len(sealed) < SaltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrSealedTooShort
	}
	secret, err := SharedSecret(myPrivate, peerPublic)
	if err != nil {
		return nil, err
	}
	salt := sealed[:SaltSize]
	nonce := sealed[SaltSize : SaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[SaltSize+chacha20poly1305.NonceSizeX:]
	return Open(DeriveKey(secret, salt), nonce, ciphertext)
}
