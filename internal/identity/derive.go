package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning    = "hopchat/identity/signing/v1"
	hkdfInfoEncryption = "hopchat/identity/encryption/v1"

	nodeIDPrefix = "mesh1"
)

// DeriveKeys expands a seed into the signing and encryption key pairs. The
// same seed always yields the same keys.
func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, 32)
	if err != nil {
		return nil, err
	}
	encryptionPriv, err := hkdfExpand(seedBytes, hkdfInfoEncryption, 32)
	if err != nil {
		return nil, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	encryptionPub, err := curve25519.X25519(encryptionPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	return &DerivedKeys{
		SigningPrivateKey: signingPriv,
		SigningPublicKey:  signingPub,
		EncryptionPrivate: encryptionPriv,
		EncryptionPublic:  encryptionPub,
	}, nil
}

// BuildNodeID derives the stable node identifier from a signing public key.
func BuildNodeID(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key size: %d", len(signingPublicKey))
	}
	h := blake2b.Sum256(signingPublicKey)
	return nodeIDPrefix + base58.Encode(h[:]), nil
}

// VerifyNodeID reports whether identityID matches the given signing public key.
func VerifyNodeID(nodeID string, signingPublicKey []byte) (bool, error) {
	expected, err := BuildNodeID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return nodeID == expected, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
