// Package mesh implements the message-propagation engine: peer discovery
// bookkeeping, handshake-based authentication, hop-limited flooding,
// heartbeat-driven liveness, and the orchestrating state machine.
package mesh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"hopchat/go-mesh/internal/identity"
	"hopchat/go-mesh/internal/transport"
)

const (
	StateIdle        = "idle"
	StateDiscovering = "discovering"
	StateReady       = "ready"
	StateStopped     = "stopped"
)

var (
	ErrStartTimeout   = errors.New("transport did not become ready in time")
	ErrAlreadyStarted = errors.New("mesh already started")
	ErrNotReady       = errors.New("mesh is not ready")
)

// Events are delivered to the application layer. Nil members are skipped.
type Events struct {
	Ready            func()
	DeviceDiscovered func(Device)
	NodeConnected    func(Device)
	NodeDisconnected func(Device)
	Message          func(Envelope)
	DirectMessage    func(fromNodeID string, plaintext []byte)
}

// Manager wires the registry, router, and liveness manager together and
// exposes the public mesh contract.
type Manager struct {
	cfg      Config
	id       *identity.Identity
	tr       transport.Adapter
	reg      *Registry
	router   *Router
	liveness *Liveness
	events   Events
	log      *slog.Logger

	mu      sync.Mutex
	state   string
	pending map[string]struct{} // connection attempts in flight

	readyCh chan struct{}

	announceCancel context.CancelFunc
	announceWG     sync.WaitGroup
}

func NewManager(cfg Config, id *identity.Identity, tr transport.Adapter, events Events, log *slog.Logger) *Manager {
	cfg = normalizeConfig(cfg)
	if log == nil {
		log = DefaultLogger()
	}
	registerMetrics()

	reg := NewRegistry(cfg.MaxConnections, log)
	router := NewRouter(cfg, id, reg, tr, log)

	m := &Manager{
		cfg:      cfg,
		id:       id,
		tr:       tr,
		reg:      reg,
		router:   router,
		liveness: NewLiveness(cfg.HeartbeatInterval, reg, router, log),
		events:   events,
		log:      log,
		state:    StateIdle,
		pending:  make(map[string]struct{}),
		readyCh:  make(chan struct{}, 1),
	}

	reg.SetHooks(
		func(d Device) {
			if events.NodeConnected != nil {
				events.NodeConnected(d)
			}
		},
		func(d Device) {
			if events.NodeDisconnected != nil {
				events.NodeDisconnected(d)
			}
		},
	)
	router.SetHandlers(events.Message, events.DirectMessage)
	tr.SetCallbacks(transport.Callbacks{
		Ready:      m.handleTransportReady,
		Discovered: m.handleDiscovered,
		Connected:  m.handleConnected,
		Received:   router.HandleInbound,
	})
	return m
}

func (m *Manager) NodeID() string { return m.id.NodeID }

func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetConnectedDevices returns the devices backing the current live nodes.
func (m *Manager) GetConnectedDevices() []Device {
	return m.reg.ConnectedDevices()
}

// Router exposes the message router for direct sends and diagnostics.
func (m *Manager) Router() *Router { return m.router }

// StartMesh powers the transport, waits for readiness (bounded by the
// configured timeout), then starts scanning, liveness, and periodic
// discovery announcement. On timeout the manager returns to idle and the
// caller decides whether to retry.
func (m *Manager) StartMesh(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.state = StateDiscovering
	m.mu.Unlock()

	if err := m.tr.Start(ctx); err != nil {
		m.setState(StateIdle)
		return err
	}

	if !m.tr.Powered() {
		select {
		case <-m.readyCh:
		case <-time.After(m.cfg.StartTimeout):
			m.setState(StateIdle)
			return ErrStartTimeout
		case <-ctx.Done():
			m.setState(StateIdle)
			return ctx.Err()
		}
	}

	if err := m.tr.StartScanning(); err != nil {
		m.setState(StateIdle)
		return err
	}
	m.liveness.Start()
	m.startAnnouncer()
	m.setState(StateReady)

	m.log.Info("mesh ready", "node_id", m.id.NodeID, "display_name", m.cfg.DisplayName)
	if m.events.Ready != nil {
		m.events.Ready()
	}
	return nil
}

// Stop tears the mesh down: timers cancelled, queues closed, nodes cleared.
// Idempotent; after Stop no further envelopes are sent or accepted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	cancel := m.announceCancel
	m.announceCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.announceWG.Wait()
	m.liveness.Stop()
	m.router.Shutdown()
	_ = m.tr.StopScanning()
	_ = m.tr.Close()
	m.reg.Clear()
	m.log.Info("mesh stopped", "node_id", m.id.NodeID)
}

// BroadcastChat floods a chat message from this node.
func (m *Manager) BroadcastChat(text string) error {
	return m.BroadcastEnvelope(TypeMessage, ChatPayload{Sender: m.cfg.DisplayName, Text: text})
}

// AnnounceJoin floods a user_join envelope for the application layer.
func (m *Manager) AnnounceJoin() error {
	return m.BroadcastEnvelope(TypeUserJoin, DiscoveryPayload{NodeID: m.id.NodeID, DisplayName: m.cfg.DisplayName})
}

// AnnounceLeave floods a user_leave envelope.
func (m *Manager) AnnounceLeave() error {
	return m.BroadcastEnvelope(TypeUserLeave, DiscoveryPayload{NodeID: m.id.NodeID, DisplayName: m.cfg.DisplayName})
}

// BroadcastEnvelope builds, signs, and floods an envelope originating here.
func (m *Manager) BroadcastEnvelope(t EnvelopeType, payload any) error {
	if m.State() != StateReady {
		return ErrNotReady
	}
	env, err := NewEnvelope(t, m.id.NodeID, payload)
	if err != nil {
		return err
	}
	m.router.Broadcast(env)
	return nil
}

// SendDirect delivers a pairwise-encrypted message to one peer.
func (m *Manager) SendDirect(toNodeID string, plaintext []byte) error {
	if m.State() != StateReady {
		return ErrNotReady
	}
	return m.router.SendDirect(toNodeID, plaintext)
}

func (m *Manager) setState(state string) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) handleTransportReady() {
	select {
	case m.readyCh <- struct{}{}:
	default:
	}
}

func (m *Manager) handleDiscovered(adv transport.Advert) {
	dev, isNew, admitted := m.reg.RecordDiscovery(adv)
	if !admitted {
		return
	}
	if isNew {
		m.log.Info("device discovered", "device_id", dev.ID, "name", dev.Name, "rssi", dev.RSSI)
		if m.events.DeviceDiscovered != nil {
			m.events.DeviceDiscovered(dev)
		}
	}
	if dev.Connected || !m.reg.CanConnect() {
		// Recorded but not connected; room may free up after an eviction.
		return
	}

	m.mu.Lock()
	if m.state != StateReady && m.state != StateDiscovering {
		m.mu.Unlock()
		return
	}
	if _, inFlight := m.pending[dev.ID]; inFlight {
		m.mu.Unlock()
		return
	}
	m.pending[dev.ID] = struct{}{}
	m.mu.Unlock()

	// Connection attempts run off the event path so a hung connect cannot
	// stall discovery or liveness.
	go func(deviceID string) {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
		defer cancel()
		if err := m.tr.Connect(ctx, deviceID); err != nil {
			m.log.Warn("connection attempt failed", "device_id", deviceID, "reason", err.Error())
			m.mu.Lock()
			delete(m.pending, deviceID)
			m.mu.Unlock()
		}
	}(dev.ID)
}

func (m *Manager) handleConnected(deviceID string) {
	m.mu.Lock()
	delete(m.pending, deviceID)
	m.mu.Unlock()

	_, err := m.reg.Promote(deviceID, time.Now())
	if errors.Is(err, ErrDeviceUnknown) {
		// Inbound connection from a peer we never scanned.
		m.reg.RecordInbound(deviceID)
		_, err = m.reg.Promote(deviceID, time.Now())
	}
	if err != nil {
		m.log.Warn("promotion rejected", "device_id", deviceID, "reason", err.Error())
		return
	}
	m.router.RegisterPeer(deviceID)
	if err := m.router.SendHandshake(deviceID); err != nil {
		m.log.Warn("handshake send failed", "device_id", deviceID, "reason", err.Error())
	}
}

func (m *Manager) startAnnouncer() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.announceCancel = cancel
	m.mu.Unlock()

	m.announceWG.Add(1)
	go func() {
		defer m.announceWG.Done()
		ticker := time.NewTicker(m.cfg.DiscoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.router.AnnounceDiscovery()
				m.router.Table().Prune(time.Now(), 3*m.cfg.DiscoveryInterval)
			}
		}
	}()
}
