package mesh

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hopchat/go-mesh/internal/transport"
)

var (
	ErrDeviceUnknown   = errors.New("device not discovered")
	ErrAlreadyMeshNode = errors.New("device is already a mesh node")
	ErrConnectionsFull = errors.New("connection ceiling reached")
)

// Device is a transport-level peer that passed the admission filter.
type Device struct {
	ID        string
	Name      string
	Address   string
	RSSI      int
	NodeID    string // bound once the peer's handshake arrives
	LastSeen  time.Time
	Connected bool
}

// node is a live, authenticated connection. It exists if and only if its
// device is marked connected.
type node struct {
	deviceID      string
	links         map[string]struct{}
	lastHeartbeat time.Time
}

// Link is a live connection as seen by the router: the transport device ID
// and, once the handshake completed, the peer's mesh node ID.
type Link struct {
	DeviceID string
	NodeID   string
}

// Registry owns the discovered-device and mesh-node collections. All
// mutation happens under one mutex so eviction and promotion cannot race a
// device into being simultaneously connected and absent from the node set.
type Registry struct {
	mu             sync.Mutex
	devices        map[string]*Device
	nodes          map[string]*node
	maxConnections int
	log            *slog.Logger

	onConnected    func(Device)
	onDisconnected func(Device)
}

func NewRegistry(maxConnections int, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		devices:        make(map[string]*Device),
		nodes:          make(map[string]*node),
		maxConnections: maxConnections,
		log:            log,
	}
}

// SetHooks registers the nodeConnected/nodeDisconnected emitters. Hooks are
// invoked outside the registry lock.
func (r *Registry) SetHooks(onConnected, onDisconnected func(Device)) {
	r.mu.Lock()
	r.onConnected = onConnected
	r.onDisconnected = onDisconnected
	r.mu.Unlock()
}

// Admits is the admission filter: a device joins the mesh only if it
// advertises the mesh service marker or the agreed name prefix.
func Admits(adv transport.Advert) bool {
	for _, svc := range adv.ServiceIDs {
		if strings.EqualFold(svc, ServiceMarker) {
			return true
		}
	}
	return strings.HasPrefix(adv.Name, DeviceNamePrefix)
}

// RecordDiscovery inserts or refreshes a device. Devices failing the
// admission filter are silently ignored. Returns the stored device and
// whether this was the first sighting.
func (r *Registry) RecordDiscovery(adv transport.Advert) (Device, bool, bool) {
	if !Admits(adv) {
		return Device{}, false, false
	}
	seenAt := adv.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[adv.DeviceID]; ok {
		d.Name = adv.Name
		d.Address = adv.Address
		d.RSSI = adv.RSSI
		d.LastSeen = seenAt
		return *d, false, true
	}
	d := &Device{
		ID:       adv.DeviceID,
		Name:     adv.Name,
		Address:  adv.Address,
		RSSI:     adv.RSSI,
		LastSeen: seenAt,
	}
	r.devices[adv.DeviceID] = d
	return *d, true, true
}

// RecordInbound registers a device that connected to us before we ever saw
// its advertisement. The peer reached us through the mesh service, so the
// admission filter is satisfied by construction.
func (r *Registry) RecordInbound(deviceID string) Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.LastSeen = time.Now()
		return *d
	}
	d := &Device{
		ID:       deviceID,
		Address:  deviceID,
		LastSeen: time.Now(),
	}
	r.devices[deviceID] = d
	return *d
}

// CanConnect reports whether a new connection attempt is allowed under the
// configured ceiling.
func (r *Registry) CanConnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes) < r.maxConnections
}

// Promote turns a discovered device into a live mesh node once its
// connection attempt succeeded. Seeds the heartbeat clock and emits
// nodeConnected.
func (r *Registry) Promote(deviceID string, now time.Time) (Device, error) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return Device{}, ErrDeviceUnknown
	}
	if _, exists := r.nodes[deviceID]; exists {
		r.mu.Unlock()
		return Device{}, ErrAlreadyMeshNode
	}
	if len(r.nodes) >= r.maxConnections {
		r.mu.Unlock()
		return Device{}, ErrConnectionsFull
	}
	d.Connected = true
	r.nodes[deviceID] = &node{
		deviceID:      deviceID,
		links:         make(map[string]struct{}),
		lastHeartbeat: now,
	}
	snapshot := *d
	hook := r.onConnected
	r.mu.Unlock()

	r.log.Info("mesh node connected", "device_id", deviceID, "name", snapshot.Name)
	if hook != nil {
		hook(snapshot)
	}
	return snapshot, nil
}

// BindNode records the mesh node ID a handshake revealed for a device.
func (r *Registry) BindNode(deviceID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.NodeID = nodeID
	}
}

// DeviceForNode resolves a mesh node ID back to its transport device.
func (r *Registry) DeviceForNode(nodeID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range r.devices {
		if d.NodeID == nodeID && d.Connected {
			return id, true
		}
	}
	return "", false
}

// RefreshHeartbeat stamps a live node's heartbeat clock. Returns false when
// the device is not currently a mesh node.
func (r *Registry) RefreshHeartbeat(deviceID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[deviceID]
	if !ok {
		return false
	}
	if now.After(n.lastHeartbeat) {
		n.lastHeartbeat = now
	}
	return true
}

// AddOnwardLink records a peer-of-peer connection identifier on a live node.
func (r *Registry) AddOnwardLink(deviceID, onwardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[deviceID]; ok {
		n.links[onwardID] = struct{}{}
	}
}

// EvictStale removes every mesh node whose last heartbeat strictly predates
// now-timeout. A heartbeat exactly at the boundary is retained. Each
// eviction removes the device as well and emits nodeDisconnected.
func (r *Registry) EvictStale(now time.Time, timeout time.Duration) []Device {
	cutoff := now.Add(-timeout)

	r.mu.Lock()
	var evicted []Device
	for deviceID, n := range r.nodes {
		if n.lastHeartbeat.Before(cutoff) {
			if d, ok := r.devices[deviceID]; ok {
				d.Connected = false
				evicted = append(evicted, *d)
			}
			delete(r.nodes, deviceID)
			delete(r.devices, deviceID)
		}
	}
	hook := r.onDisconnected
	r.mu.Unlock()

	for _, d := range evicted {
		nodesEvicted.Inc()
		r.log.Warn("mesh node evicted", "device_id", d.ID, "name", d.Name)
		if hook != nil {
			hook(d)
		}
	}
	return evicted
}

func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// ConnectedDevices returns snapshots of every device backing a live node.
func (r *Registry) ConnectedDevices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.nodes))
	for deviceID := range r.nodes {
		if d, ok := r.devices[deviceID]; ok {
			out = append(out, *d)
		}
	}
	return out
}

// LiveLinks returns the current fan-out set for flooding.
func (r *Registry) LiveLinks() []Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Link, 0, len(r.nodes))
	for deviceID := range r.nodes {
		d, ok := r.devices[deviceID]
		if !ok || !d.Connected {
			continue
		}
		out = append(out, Link{DeviceID: deviceID, NodeID: d.NodeID})
	}
	return out
}

// LastHeartbeat exposes a node's heartbeat clock for liveness checks.
func (r *Registry) LastHeartbeat(deviceID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[deviceID]
	if !ok {
		return time.Time{}, false
	}
	return n.lastHeartbeat, true
}

// Clear drops every node and device; used on mesh stop. No disconnect events
// fire: the session is over, not the peers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]*Device)
	r.nodes = make(map[string]*node)
}
