package mesh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"hopchat/go-mesh/internal/identity"
	"hopchat/go-mesh/internal/transport"
)

type managerFixture struct {
	id  *identity.Identity
	sim *transport.Sim
	mgr *Manager

	ready        chan struct{}
	connected    chan Device
	disconnected chan Device
	messages     chan Envelope
	directs      chan string
}

func newManagerFixture(t *testing.T, deviceID string, cfg Config, visible bool) *managerFixture {
	t.Helper()
	id, err := identity.Generate(deviceID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sim := transport.NewSim(deviceID, DeviceNamePrefix+deviceID, ServiceMarker)
	sim.SetVisible(visible)

	f := &managerFixture{
		id:           id,
		sim:          sim,
		ready:        make(chan struct{}, 1),
		connected:    make(chan Device, 16),
		disconnected: make(chan Device, 16),
		messages:     make(chan Envelope, 64),
		directs:      make(chan string, 16),
	}
	events := Events{
		Ready:            func() { f.ready <- struct{}{} },
		NodeConnected:    func(d Device) { f.connected <- d },
		NodeDisconnected: func(d Device) { f.disconnected <- d },
		Message:          func(env Envelope) { f.messages <- env },
		DirectMessage:    func(from string, plaintext []byte) { f.directs <- from + ":" + string(plaintext) },
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.mgr = NewManager(cfg, id, sim, events, quiet)
	t.Cleanup(f.mgr.Stop)
	return f
}

func (f *managerFixture) start(t *testing.T) {
	t.Helper()
	if err := f.mgr.StartMesh(context.Background()); err != nil {
		t.Fatalf("StartMesh(%s): %v", f.sim.DeviceID(), err)
	}
}

func (f *managerFixture) expectMessage(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-f.messages:
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: timed out waiting for a message", f.sim.DeviceID())
		return Envelope{}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManagerStartStopLifecycle(t *testing.T) {
	f := newManagerFixture(t, t.Name()+"-solo", Config{}, false)

	if f.mgr.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", f.mgr.State())
	}
	f.start(t)
	if f.mgr.State() != StateReady {
		t.Fatalf("state after start = %s, want ready", f.mgr.State())
	}
	select {
	case <-f.ready:
	case <-time.After(time.Second):
		t.Fatal("ready event never fired")
	}
	if err := f.mgr.StartMesh(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start: want ErrAlreadyStarted, got %v", err)
	}

	f.mgr.Stop()
	if f.mgr.State() != StateStopped {
		t.Fatalf("state after stop = %s, want stopped", f.mgr.State())
	}
	if err := f.mgr.BroadcastChat("anyone"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("broadcast after stop: want ErrNotReady, got %v", err)
	}
	f.mgr.Stop() // must not panic or block
}

func TestManagerStartTimesOutWhenUnpowered(t *testing.T) {
	f := newManagerFixture(t, t.Name()+"-dark", Config{StartTimeout: 50 * time.Millisecond}, false)
	f.sim.SetPowered(false)

	if err := f.mgr.StartMesh(context.Background()); !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("want ErrStartTimeout, got %v", err)
	}
	if f.mgr.State() != StateIdle {
		t.Fatalf("state after timeout = %s, want idle", f.mgr.State())
	}

	// Once the radio comes up, a retry succeeds.
	f.sim.PowerOn()
	f.start(t)
	if f.mgr.State() != StateReady {
		t.Fatalf("state after retry = %s, want ready", f.mgr.State())
	}
}

func TestManagerTwoNodesConnectAndChat(t *testing.T) {
	a := newManagerFixture(t, t.Name()+"-a", Config{}, true)
	b := newManagerFixture(t, t.Name()+"-b", Config{}, true)

	a.start(t)
	b.start(t)

	waitUntil(t, 5*time.Second, func() bool {
		return len(a.mgr.GetConnectedDevices()) == 1 && len(b.mgr.GetConnectedDevices()) == 1
	}, "nodes never connected")

	// Handshakes teach each side the other's identity and keys.
	waitUntil(t, 5*time.Second, func() bool {
		_, aKnowsB := a.mgr.Router().PeerDisplayName(b.id.NodeID)
		_, bKnowsA := b.mgr.Router().PeerDisplayName(a.id.NodeID)
		return aKnowsB && bKnowsA
	}, "handshakes never completed")

	if err := a.mgr.BroadcastChat("hello mesh"); err != nil {
		t.Fatalf("BroadcastChat: %v", err)
	}
	env := b.expectMessage(t)
	if env.Type != TypeMessage || env.From != a.id.NodeID {
		t.Fatalf("received type=%s from=%s, want message from %s", env.Type, env.From, a.id.NodeID)
	}
	if env.Hops != 1 {
		t.Fatalf("one-link delivery arrived with hops=%d, want 1", env.Hops)
	}
}

func TestManagerDirectMessageBetweenNodes(t *testing.T) {
	a := newManagerFixture(t, t.Name()+"-a", Config{}, true)
	b := newManagerFixture(t, t.Name()+"-b", Config{}, true)
	a.start(t)
	b.start(t)

	waitUntil(t, 5*time.Second, func() bool {
		_, aKnowsB := a.mgr.Router().PeerDisplayName(b.id.NodeID)
		_, bKnowsA := b.mgr.Router().PeerDisplayName(a.id.NodeID)
		return aKnowsB && bKnowsA
	}, "handshakes never completed")

	if err := a.mgr.SendDirect(b.id.NodeID, []byte("for your eyes only")); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	select {
	case got := <-b.directs:
		want := a.id.NodeID + ":for your eyes only"
		if got != want {
			t.Fatalf("direct delivery = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("direct message never arrived")
	}
	select {
	case got := <-a.directs:
		t.Fatalf("sender received its own direct message: %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

// A chain of four nodes where each only ever hears its immediate neighbor's
// advertisement. A broadcast from one end must cross every link, arriving at
// the far end with the full hop count, and travel no further.
func TestManagerFloodAcrossLineTopology(t *testing.T) {
	cfg := Config{
		MaxHops:           3,
		HeartbeatInterval: time.Hour,
		DiscoveryInterval: time.Hour,
	}
	a := newManagerFixture(t, t.Name()+"-a", cfg, false)
	b := newManagerFixture(t, t.Name()+"-b", cfg, false)
	c := newManagerFixture(t, t.Name()+"-c", cfg, false)
	d := newManagerFixture(t, t.Name()+"-d", cfg, false)

	for _, f := range []*managerFixture{a, b, c, d} {
		f.start(t)
	}
	neighborAdvert := func(f *managerFixture) transport.Advert {
		return transport.Advert{
			DeviceID:   f.sim.DeviceID(),
			Name:       DeviceNamePrefix + f.sim.DeviceID(),
			ServiceIDs: []string{ServiceMarker},
			SeenAt:     time.Now(),
		}
	}
	a.sim.InjectAdvert(neighborAdvert(b))
	b.sim.InjectAdvert(neighborAdvert(c))
	c.sim.InjectAdvert(neighborAdvert(d))

	waitUntil(t, 5*time.Second, func() bool {
		return len(a.mgr.GetConnectedDevices()) == 1 &&
			len(b.mgr.GetConnectedDevices()) == 2 &&
			len(c.mgr.GetConnectedDevices()) == 2 &&
			len(d.mgr.GetConnectedDevices()) == 1
	}, "line topology never formed")

	if err := a.mgr.BroadcastChat("end to end"); err != nil {
		t.Fatalf("BroadcastChat: %v", err)
	}

	for _, tc := range []struct {
		f        *managerFixture
		wantHops int
	}{
		{b, 1},
		{c, 2},
		{d, 3},
	} {
		env := tc.f.expectMessage(t)
		if env.From != a.id.NodeID {
			t.Fatalf("%s: message from %s, want %s", tc.f.sim.DeviceID(), env.From, a.id.NodeID)
		}
		if env.Hops != tc.wantHops {
			t.Fatalf("%s: hops = %d, want %d", tc.f.sim.DeviceID(), env.Hops, tc.wantHops)
		}
	}

	// The far end is at the hop budget: nothing comes back and nothing loops.
	for _, f := range []*managerFixture{a, b, c, d} {
		select {
		case env := <-f.messages:
			t.Fatalf("%s: extra delivery type=%s hops=%d", f.sim.DeviceID(), env.Type, env.Hops)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func TestManagerEvictsSilentPeer(t *testing.T) {
	cfg := Config{HeartbeatInterval: 50 * time.Millisecond, DiscoveryInterval: time.Hour}
	a := newManagerFixture(t, t.Name()+"-a", cfg, true)
	b := newManagerFixture(t, t.Name()+"-b", cfg, true)
	a.start(t)
	b.start(t)

	waitUntil(t, 5*time.Second, func() bool {
		return len(a.mgr.GetConnectedDevices()) == 1 && len(b.mgr.GetConnectedDevices()) == 1
	}, "nodes never connected")

	// The peer goes dark without a disconnect event; its heartbeats stop and
	// the liveness pass must reclaim the slot.
	b.mgr.Stop()
	select {
	case <-a.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("silent peer was never evicted")
	}
	if len(a.mgr.GetConnectedDevices()) != 0 {
		t.Fatalf("connected devices after eviction = %d, want 0", len(a.mgr.GetConnectedDevices()))
	}
}
