package crypto

import "crypto/ed25519"

// Sign produces a detached Ed25519 signature over data.
func Sign(data []byte, signingPrivate []byte) []byte {
	if len(signingPrivate) != ed25519.PrivateKeySize {
		return nil
	}
	return ed25519.Sign(ed25519.PrivateKey(signingPrivate), data)
}

// Verify reports whether signature is a valid detached signature over data.
// It never panics: malformed keys, malformed signatures, and absent
// signatures all return false.
func Verify(data, signature, signingPublic []byte) bool {
	if len(signingPublic) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signingPublic), data, signature)
}
