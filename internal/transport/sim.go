package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// simnet wires Sim adapters together in-process. A global registry maps
// device IDs to live adapters, the same way a radio would see whatever is
// currently advertising nearby.
type simnet struct {
	mu       sync.Mutex
	adapters map[string]*Sim
}

var defaultNet = &simnet{adapters: make(map[string]*Sim)}

func (n *simnet) register(s *Sim) {
	n.mu.Lock()
	n.adapters[s.deviceID] = s
	others := make([]*Sim, 0, len(n.adapters))
	for _, other := range n.adapters {
		if other != s {
			others = append(others, other)
		}
	}
	n.mu.Unlock()

	if !s.Visible() {
		return
	}
	// A newly powered device is visible to everyone already on the air.
	for _, other := range others {
		if !other.Visible() {
			continue
		}
		other.observe(s.advert())
		s.observe(other.advert())
	}
}

func (n *simnet) unregister(deviceID string) {
	n.mu.Lock()
	delete(n.adapters, deviceID)
	n.mu.Unlock()
}

func (n *simnet) lookup(deviceID string) (*Sim, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.adapters[deviceID]
	return s, ok
}

// Sim is the in-process transport used by tests and the mock transport mode.
// Adverts are scripted or taken from other live Sim instances on the same
// simnet; Send delivers synchronously so per-link ordering matches a real
// serial radio link.
type Sim struct {
	deviceID string
	name     string
	services []string

	mu        sync.Mutex
	cb        Callbacks
	powered   bool
	visible   bool
	scanning  bool
	closed    bool
	links     map[string]*Sim
	failSends bool
	pending   []Advert
}

// NewSim creates a simulated adapter advertising the given service IDs.
func NewSim(deviceID, name string, serviceIDs ...string) *Sim {
	return &Sim{
		deviceID: deviceID,
		name:     name,
		services: append([]string(nil), serviceIDs...),
		powered:  true,
		visible:  true,
		links:    make(map[string]*Sim),
	}
}

func (s *Sim) advert() Advert {
	return Advert{
		DeviceID:   s.deviceID,
		Name:       s.name,
		Address:    "sim:" + s.deviceID,
		RSSI:       -40,
		ServiceIDs: append([]string(nil), s.services...),
		SeenAt:     time.Now(),
	}
}

func (s *Sim) DeviceID() string { return s.deviceID }

func (s *Sim) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// SetVisible controls whether the adapter participates in automatic mutual
// discovery on the simnet. Invisible adapters are only discovered through
// scripted adverts, which lets tests build exact topologies.
func (s *Sim) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()
}

func (s *Sim) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// SetPowered controls the adapter's readiness before Start, so tests can
// exercise the delayed-readiness path.
func (s *Sim) SetPowered(powered bool) {
	s.mu.Lock()
	s.powered = powered
	s.mu.Unlock()
}

// PowerOn flips a not-yet-powered adapter on and fires Ready.
func (s *Sim) PowerOn() {
	s.mu.Lock()
	wasPowered := s.powered
	s.powered = true
	ready := s.cb.Ready
	s.mu.Unlock()
	if !wasPowered && ready != nil {
		ready()
	}
}

func (s *Sim) Powered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powered
}

func (s *Sim) Start(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	powered := s.powered
	ready := s.cb.Ready
	s.mu.Unlock()

	defaultNet.register(s)
	if powered && ready != nil {
		ready()
	}
	return nil
}

func (s *Sim) StartScanning() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.scanning = true
	queued := s.pending
	s.pending = nil
	discovered := s.cb.Discovered
	s.mu.Unlock()

	if discovered != nil {
		for _, adv := range queued {
			discovered(adv)
		}
	}
	return nil
}

func (s *Sim) StopScanning() error {
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
	return nil
}

// InjectAdvert delivers a scripted advertisement, as if a device had been
// heard over the air. Adverts arriving before scanning starts are queued.
func (s *Sim) InjectAdvert(adv Advert) {
	s.observe(adv)
}

func (s *Sim) observe(adv Advert) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.scanning {
		s.pending = append(s.pending, adv)
		s.mu.Unlock()
		return
	}
	discovered := s.cb.Discovered
	s.mu.Unlock()
	if discovered != nil {
		discovered(adv)
	}
}

func (s *Sim) Connect(_ context.Context, deviceID string) error {
	peer, ok := defaultNet.lookup(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	s.mu.Lock()
	s.links[deviceID] = peer
	connected := s.cb.Connected
	s.mu.Unlock()

	peer.mu.Lock()
	peer.links[s.deviceID] = s
	peerConnected := peer.cb.Connected
	peer.mu.Unlock()

	if connected != nil {
		connected(deviceID)
	}
	if peerConnected != nil {
		peerConnected(s.deviceID)
	}
	return nil
}

// SetFailSends makes every subsequent Send fail, simulating a link that went
// out of range without a disconnect event.
func (s *Sim) SetFailSends(fail bool) {
	s.mu.Lock()
	s.failSends = fail
	s.mu.Unlock()
}

func (s *Sim) Send(_ context.Context, deviceID string, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.failSends {
		s.mu.Unlock()
		return fmt.Errorf("send to %s: link lost", deviceID)
	}
	peer, ok := s.links[deviceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}

	peer.mu.Lock()
	received := peer.cb.Received
	closed := peer.closed
	peer.mu.Unlock()
	if closed {
		return fmt.Errorf("send to %s: peer gone", deviceID)
	}
	if received != nil {
		received(s.deviceID, append([]byte(nil), data...))
	}
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.links = make(map[string]*Sim)
	s.mu.Unlock()

	defaultNet.unregister(s.deviceID)
	return nil
}
