package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"hopchat/go-mesh/internal/crypto"
	"hopchat/go-mesh/internal/identity"
	"hopchat/go-mesh/internal/platform/ratelimiter"
	"hopchat/go-mesh/internal/transport"
)

const sendQueueDepth = 256

// Router constructs, signs, and floods envelopes, and verifies and accepts
// inbound ones. Per-peer delivery runs on a dedicated goroutine per live
// link, so a slow peer delays only its own queue and send order is preserved
// within each link.
type Router struct {
	cfg   Config
	id    *identity.Identity
	reg   *Registry
	table *RoutingTable
	keys  *peerKeys
	tr    transport.Adapter
	log   *slog.Logger

	seen    *ttlcache.Cache[string, struct{}]
	limiter *ratelimiter.PeerLimiter

	// onMessage receives accepted application-level envelopes; onDirect
	// receives decrypted pairwise messages addressed to this node.
	onMessage func(Envelope)
	onDirect  func(fromNodeID string, plaintext []byte)

	mu     sync.Mutex
	queues map[string]*peerQueue
	closed bool
}

type peerQueue struct {
	ch   chan []byte
	done chan struct{}
}

func NewRouter(cfg Config, id *identity.Identity, reg *Registry, tr transport.Adapter, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.SeenTTL),
	)
	go seen.Start()
	return &Router{
		cfg:     cfg,
		id:      id,
		reg:     reg,
		table:   NewRoutingTable(),
		keys:    newPeerKeys(),
		tr:      tr,
		log:     log,
		seen:    seen,
		limiter: ratelimiter.New(cfg.InboundRate, cfg.InboundBurst, 10*cfg.SeenTTL),
	}
}

func (r *Router) SetHandlers(onMessage func(Envelope), onDirect func(string, []byte)) {
	r.onMessage = onMessage
	r.onDirect = onDirect
}

// Table exposes the routing table for diagnostics.
func (r *Router) Table() *RoutingTable { return r.table }

// PeerDisplayName returns the display name a peer announced in its handshake.
func (r *Router) PeerDisplayName(nodeID string) (string, bool) {
	return r.keys.displayName(nodeID)
}

// RegisterPeer starts the ordered delivery queue for a freshly promoted
// mesh node.
func (r *Router) RegisterPeer(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.queues[deviceID]; ok {
		return
	}
	if r.queues == nil {
		r.queues = make(map[string]*peerQueue)
	}
	q := &peerQueue{ch: make(chan []byte, sendQueueDepth), done: make(chan struct{})}
	r.queues[deviceID] = q
	go r.drainQueue(deviceID, q)
}

func (r *Router) drainQueue(deviceID string, q *peerQueue) {
	for {
		select {
		case <-q.done:
			return
		case data := <-q.ch:
			if err := r.tr.Send(context.Background(), deviceID, data); err != nil {
				// Absorbed: one failing peer must not abort the flood.
				deliveryFailures.Inc()
				r.log.Warn("delivery failed", "device_id", deviceID, "reason", err.Error())
			}
		}
	}
}

// UnregisterPeer stops a peer's queue and forgets routes through it.
func (r *Router) UnregisterPeer(deviceID string) {
	r.mu.Lock()
	q, ok := r.queues[deviceID]
	if ok {
		delete(r.queues, deviceID)
	}
	r.mu.Unlock()
	if ok {
		close(q.done)
	}
	r.table.RemoveVia(deviceID)
	r.limiter.Forget(deviceID)
}

// Shutdown stops every queue and the seen cache. Idempotent.
func (r *Router) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	queues := r.queues
	r.queues = nil
	r.mu.Unlock()

	for _, q := range queues {
		close(q.done)
	}
	r.seen.Stop()
}

func (r *Router) enqueue(deviceID string, data []byte) {
	r.mu.Lock()
	q, ok := r.queues[deviceID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case q.ch <- data:
	default:
		// Queue full: the peer is too slow, drop rather than block the flood.
		deliveryFailures.Inc()
	}
}

func (r *Router) signEnvelope(env *Envelope) {
	if !r.cfg.EnableEncryption {
		return
	}
	env.Signature = crypto.Sign(env.SigningBytes(), r.id.SigningPrivateKey)
}

func (r *Router) markSeen(id string) bool {
	if r.seen.Has(id) {
		return false
	}
	r.seen.Set(id, struct{}{}, ttlcache.DefaultTTL)
	return true
}

// Broadcast signs and floods an envelope originated by this node.
func (r *Router) Broadcast(env Envelope) {
	r.signEnvelope(&env)
	r.markSeen(env.ID)
	r.flood(env, "")
}

// flood implements hop-limited flooding: increment the hop counter, drop at
// the budget, otherwise hand the envelope to every live link except the
// declared originator and the link it arrived on.
func (r *Router) flood(env Envelope, excludeDeviceID string) {
	env.Hops++
	if env.Hops > r.cfg.MaxHops {
		// End of propagation, not an error.
		envelopesDropped.WithLabelValues(dropHopLimit).Inc()
		return
	}

	data, err := env.Marshal()
	if err != nil {
		envelopesDropped.WithLabelValues(dropMalformed).Inc()
		return
	}
	for _, link := range r.reg.LiveLinks() {
		if link.DeviceID == excludeDeviceID {
			continue
		}
		if link.NodeID != "" && link.NodeID == env.From {
			continue
		}
		r.enqueue(link.DeviceID, data)
		envelopesSent.WithLabelValues(string(env.Type)).Inc()
	}
}

// deliver sends an envelope to exactly one live link, bypassing the flood.
func (r *Router) deliver(deviceID string, env Envelope) {
	data, err := env.Marshal()
	if err != nil {
		return
	}
	r.enqueue(deviceID, data)
	envelopesSent.WithLabelValues(string(env.Type)).Inc()
}

// SendHandshake announces this node's identity and public keys on a freshly
// promoted link.
func (r *Router) SendHandshake(deviceID string) error {
	env, err := NewEnvelope(TypeHandshake, r.id.NodeID, HandshakePayload{
		NodeID:           r.id.NodeID,
		DisplayName:      r.cfg.DisplayName,
		SigningPublicKey: r.id.SigningPublicKey,
		EncryptionPublic: r.id.EncryptionPublic,
	})
	if err != nil {
		return err
	}
	r.signEnvelope(&env)
	r.markSeen(env.ID)
	r.deliver(deviceID, env)
	return nil
}

// AnnounceDiscovery floods a lightweight presence envelope, independent of
// transport-level advertisement.
func (r *Router) AnnounceDiscovery() {
	env, err := NewEnvelope(TypeDiscovery, r.id.NodeID, DiscoveryPayload{
		NodeID:      r.id.NodeID,
		DisplayName: r.cfg.DisplayName,
	})
	if err != nil {
		return
	}
	r.signEnvelope(&env)
	r.markSeen(env.ID)
	r.flood(env, "")
}

// SendHeartbeats delivers a link-local heartbeat to every live peer.
// Heartbeats are never relayed: liveness is a property of the direct link.
func (r *Router) SendHeartbeats() {
	for _, link := range r.reg.LiveLinks() {
		env, err := NewEnvelope(TypeHeartbeat, r.id.NodeID, nil)
		if err != nil {
			continue
		}
		r.signEnvelope(&env)
		r.deliver(link.DeviceID, env)
	}
}

// SendDirect seals plaintext for one recipient and steers it via the routing
// table when a route is known, falling back to flooding.
func (r *Router) SendDirect(toNodeID string, plaintext []byte) error {
	peerPub, ok := r.keys.encryptionKey(toNodeID)
	if !ok {
		return crypto.ErrInvalidPeerKey
	}
	sealed, err := crypto.SealForPeer(plaintext, r.id.EncryptionPrivate, peerPub)
	if err != nil {
		return err
	}
	env, err := NewEnvelope(TypeDirectMessage, r.id.NodeID, DirectPayload{To: toNodeID, Sealed: sealed})
	if err != nil {
		return err
	}
	r.signEnvelope(&env)
	r.markSeen(env.ID)

	if nextHop, ok := r.table.NextHop(toNodeID); ok {
		steered := env
		steered.Hops++
		if steered.Hops <= r.cfg.MaxHops {
			r.deliver(nextHop, steered)
			return nil
		}
	}
	r.flood(env, "")
	return nil
}

// HandleInbound processes raw bytes received from a direct link. All
// failures are absorbed here: a bad envelope is dropped and counted, never
// surfaced as an error to the transport.
func (r *Router) HandleInbound(deviceID string, data []byte) {
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		envelopesDropped.WithLabelValues(dropMalformed).Inc()
		return
	}
	if env.From == r.id.NodeID {
		envelopesDropped.WithLabelValues(dropOwnEcho).Inc()
		return
	}
	now := time.Now()
	if !r.limiter.Allow(deviceID, now) {
		envelopesDropped.WithLabelValues(dropRateLimit).Inc()
		return
	}
	if !r.markSeen(env.ID) {
		envelopesDropped.WithLabelValues(dropDuplicate).Inc()
		return
	}
	if env.Hops > r.cfg.MaxHops {
		envelopesDropped.WithLabelValues(dropHopLimit).Inc()
		return
	}
	if !r.verifySignature(env) {
		// Security-relevant: counted and logged, but the process carries on.
		envelopesDropped.WithLabelValues(dropBadSignature).Inc()
		r.log.Warn("envelope signature rejected", "from", env.From, "type", string(env.Type))
		return
	}
	envelopesReceived.WithLabelValues(string(env.Type)).Inc()

	// Any authenticated traffic on the link proves the peer alive.
	r.reg.RefreshHeartbeat(deviceID, now)

	switch env.Type {
	case TypeHeartbeat:
		// Link-local; the refresh above is the whole effect.
		return

	case TypeHandshake:
		if !r.handleHandshake(deviceID, env) {
			return
		}

	case TypeDiscovery:
		var d DiscoveryPayload
		if err := json.Unmarshal(env.Payload, &d); err != nil || d.NodeID != env.From {
			envelopesDropped.WithLabelValues(dropMalformed).Inc()
			return
		}
		r.table.Update(d.NodeID, deviceID, env.Hops, now)

	case TypeDirectMessage:
		if r.handleDirect(deviceID, env) {
			return // addressed to us, do not relay
		}

	case TypeMessage, TypeUserJoin, TypeUserLeave:
		if r.onMessage != nil {
			r.onMessage(env)
		}
	}

	r.flood(env, deviceID)
}

// verifySignature verifies against the claimed sender's known public key.
// Before a handshake taught us the key there is nothing to verify against,
// so those envelopes pass unverified; handshakes are self-certifying via the
// node-ID/key binding checked in the key store.
func (r *Router) verifySignature(env Envelope) bool {
	if !r.cfg.EnableEncryption {
		return true
	}
	if env.Type == TypeHandshake {
		return true
	}
	pub, known := r.keys.signingKey(env.From)
	if !known {
		return true
	}
	return crypto.Verify(env.SigningBytes(), env.Signature, pub)
}

// handleHandshake returns false when the envelope must not be relayed.
func (r *Router) handleHandshake(deviceID string, env Envelope) bool {
	var hs HandshakePayload
	if err := json.Unmarshal(env.Payload, &hs); err != nil || hs.NodeID != env.From {
		envelopesDropped.WithLabelValues(dropMalformed).Inc()
		return false
	}
	if !r.keys.record(hs) {
		envelopesDropped.WithLabelValues(dropBadSignature).Inc()
		r.log.Warn("handshake key material rejected", "from", env.From)
		return false
	}
	// A hop-zero handshake came over the direct link: bind the peer's node
	// identity to the device and re-verify its signature now that we can.
	if env.Hops == 0 {
		if pub, ok := r.keys.signingKey(hs.NodeID); ok && r.cfg.EnableEncryption {
			if !crypto.Verify(env.SigningBytes(), env.Signature, pub) {
				envelopesDropped.WithLabelValues(dropBadSignature).Inc()
				r.log.Warn("handshake signature rejected", "from", env.From)
				return false
			}
		}
		r.reg.BindNode(deviceID, hs.NodeID)
	}
	r.table.Update(hs.NodeID, deviceID, env.Hops, time.Now())
	r.log.Info("handshake accepted", "from", hs.NodeID, "name", hs.DisplayName, "hops", env.Hops)
	return true
}

// handleDirect returns true when the envelope was addressed to this node.
func (r *Router) handleDirect(deviceID string, env Envelope) bool {
	var d DirectPayload
	if err := json.Unmarshal(env.Payload, &d); err != nil {
		envelopesDropped.WithLabelValues(dropMalformed).Inc()
		return true
	}
	if d.To != r.id.NodeID {
		return false // relayed by the caller
	}
	peerPub, ok := r.keys.encryptionKey(env.From)
	if !ok {
		envelopesDropped.WithLabelValues(dropDecrypt).Inc()
		return true
	}
	plaintext, err := crypto.OpenFromPeer(d.Sealed, r.id.EncryptionPrivate, peerPub)
	if err != nil {
		envelopesDropped.WithLabelValues(dropDecrypt).Inc()
		r.log.Warn("direct message failed to decrypt", "from", env.From)
		return true
	}
	if r.onDirect != nil {
		r.onDirect(env.From, plaintext)
	}
	return true
}
