package mesh

import (
	"crypto/ed25519"
	"sync"

	"hopchat/go-mesh/internal/identity"
)

// peerKeys holds the public keys learned from peers' handshakes, indexed by
// node ID. Signature verification and pairwise encryption are only possible
// for peers present here.
type peerKeys struct {
	mu   sync.RWMutex
	keys map[string]peerKeyEntry
}

type peerKeyEntry struct {
	signingPublic    []byte
	encryptionPublic []byte
	displayName      string
}

func newPeerKeys() *peerKeys {
	return &peerKeys{keys: make(map[string]peerKeyEntry)}
}

// record validates and stores a handshake's key material. The node ID must
// be derivable from the signing key, so a peer cannot claim someone else's
// identity with its own keys.
func (p *peerKeys) record(hs HandshakePayload) bool {
	if len(hs.SigningPublicKey) != ed25519.PublicKeySize || len(hs.EncryptionPublic) != 32 {
		return false
	}
	ok, err := identity.VerifyNodeID(hs.NodeID, hs.SigningPublicKey)
	if err != nil || !ok {
		return false
	}
	p.mu.Lock()
	p.keys[hs.NodeID] = peerKeyEntry{
		signingPublic:    append([]byte(nil), hs.SigningPublicKey...),
		encryptionPublic: append([]byte(nil), hs.EncryptionPublic...),
		displayName:      hs.DisplayName,
	}
	p.mu.Unlock()
	return true
}

func (p *peerKeys) signingKey(nodeID string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.keys[nodeID]
	if !ok {
		return nil, false
	}
	return e.signingPublic, true
}

func (p *peerKeys) encryptionKey(nodeID string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.keys[nodeID]
	if !ok {
		return nil, false
	}
	return e.encryptionPublic, true
}

func (p *peerKeys) displayName(nodeID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.keys[nodeID]
	if !ok {
		return "", false
	}
	return e.displayName, true
}
