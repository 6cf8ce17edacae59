package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keystoreVersion = 1
	keystoreSalt    = 16
	keystorePrefix  = "MESHID1\n"

	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
)

var (
	ErrKeystoreAuth    = errors.New("keystore passphrase rejected")
	ErrKeystoreInvalid = errors.New("keystore file is invalid")
)

// keystoreEnvelope is the on-disk wrapper. KDF parameters travel with the
// file so they can be raised later without breaking existing stores.
type keystoreEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

type storedIdentity struct {
	NodeID            string    `json:"node_id"`
	DisplayName       string    `json:"display_name"`
	SigningPublicKey  []byte    `json:"signing_public_key"`
	SigningPrivateKey []byte    `json:"signing_private_key"`
	EncryptionPublic  []byte    `json:"encryption_public_key"`
	EncryptionPrivate []byte    `json:"encryption_private_key"`
	CreatedAt         time.Time `json:"created_at"`
}

// Save writes the identity to path, sealed under a passphrase-derived key
// (argon2id + XChaCha20-Poly1305).
func Save(path, passphrase string, id *Identity) error {
	plaintext, err := json.Marshal(storedIdentity{
		NodeID:            id.NodeID,
		DisplayName:       id.DisplayName,
		SigningPublicKey:  id.SigningPublicKey,
		SigningPrivateKey: id.SigningPrivateKey,
		EncryptionPublic:  id.EncryptionPublic,
		EncryptionPrivate: id.EncryptionPrivate,
		CreatedAt:         id.CreatedAt,
	})
	if err != nil {
		return err
	}
	defer zeroBytes(plaintext)

	salt := make([]byte, keystoreSalt)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := deriveKeystoreKey(passphrase, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	env := keystoreEnvelope{
		Version:     keystoreVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(keystorePrefix), raw...), 0o600)
}

// Load reads and unseals an identity saved with Save. The stored node ID must
// match the stored signing key, so a tampered-with plaintext body cannot
// smuggle in a foreign identity.
func Load(path, passphrase string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(string(raw), keystorePrefix) {
		return nil, ErrKeystoreInvalid
	}
	var env keystoreEnvelope
	if err := json.Unmarshal(raw[len(keystorePrefix):], &env); err != nil {
		return nil, ErrKeystoreInvalid
	}
	if env.Version != keystoreVersion || env.KDF != "argon2id" {
		return nil, ErrKeystoreInvalid
	}
	key := argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrKeystoreAuth
	}
	defer zeroBytes(plaintext)

	var stored storedIdentity
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return nil, ErrKeystoreInvalid
	}
	ok, err := VerifyNodeID(stored.NodeID, stored.SigningPublicKey)
	if err != nil || !ok {
		return nil, ErrKeystoreInvalid
	}
	return &Identity{
		NodeID:            stored.NodeID,
		DisplayName:       stored.DisplayName,
		SigningPublicKey:  append([]byte(nil), stored.SigningPublicKey...),
		SigningPrivateKey: append([]byte(nil), stored.SigningPrivateKey...),
		EncryptionPublic:  append([]byte(nil), stored.EncryptionPublic...),
		EncryptionPrivate: append([]byte(nil), stored.EncryptionPrivate...),
		CreatedAt:         stored.CreatedAt,
	}, nil
}

// LoadOrCreate loads the identity at path, generating and saving a fresh one
// on first run. A wrong passphrase on an existing store is an error, never a
// silent regeneration.
func LoadOrCreate(path, passphrase, displayName string) (*Identity, error) {
	id, err := Load(path, passphrase)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	id, err = Generate(displayName)
	if err != nil {
		return nil, err
	}
	if err := Save(path, passphrase, id); err != nil {
		return nil, err
	}
	return id, nil
}

func deriveKeystoreKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
