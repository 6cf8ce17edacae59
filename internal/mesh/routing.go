package mesh

import (
	"sync"
	"time"
)

// RoutingTable is a distance-vector map from origin node ID to the direct
// peer that delivered that origin's discovery announcement at the lowest hop
// count. Flooding remains the forwarding strategy; the table steers direct
// messages and is diagnostic state for everything else.
type RoutingTable struct {
	mu     sync.Mutex
	routes map[string]route
}

type route struct {
	nextHopDevice string
	hops          int
	updatedAt     time.Time
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{routes: make(map[string]route)}
}

// Update records that origin is reachable via the direct peer viaDevice at
// the given hop distance. Returns true when the route was installed or
// improved. An equal-distance route refreshes the existing entry rather than
// flapping between next hops.
func (t *RoutingTable) Update(origin, viaDevice string, hops int, now time.Time) bool {
	if origin == "" || viaDevice == "" || hops < 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.routes[origin]
	if ok && hops > existing.hops {
		return false
	}
	if ok && hops == existing.hops && existing.nextHopDevice != viaDevice {
		existing.updatedAt = now
		t.routes[origin] = existing
		return false
	}
	t.routes[origin] = route{nextHopDevice: viaDevice, hops: hops, updatedAt: now}
	return true
}

// NextHop returns the direct device leading toward the destination node.
func (t *RoutingTable) NextHop(destination string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[destination]
	if !ok {
		return "", false
	}
	return r.nextHopDevice, true
}

// Distance returns the known hop distance to a destination.
func (t *RoutingTable) Distance(destination string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[destination]
	if !ok {
		return 0, false
	}
	return r.hops, true
}

// RemoveVia drops every route whose next hop is the given device; called when
// a peer is evicted so stale paths do not outlive the link.
func (t *RoutingTable) RemoveVia(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for origin, r := range t.routes {
		if r.nextHopDevice == deviceID {
			delete(t.routes, origin)
		}
	}
}

// Prune drops routes not refreshed within maxAge.
func (t *RoutingTable) Prune(now time.Time, maxAge time.Duration) {
	cutoff := now.Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	for origin, r := range t.routes {
		if r.updatedAt.Before(cutoff) {
			delete(t.routes, origin)
		}
	}
}

func (t *RoutingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}
