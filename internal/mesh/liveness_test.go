package mesh

import (
	"testing"
	"time"
)

func TestLivenessTickEvictsSilentNodes(t *testing.T) {
	f := newRouterFixture(t, Config{})
	interval := 10 * time.Second
	lv := NewLiveness(interval, f.reg, f.router, nil)

	now := time.Now()
	f.reg.RecordDiscovery(advert("dev-fresh", DeviceNamePrefix+"fresh"))
	f.reg.RecordDiscovery(advert("dev-silent", DeviceNamePrefix+"silent"))
	f.reg.Promote("dev-fresh", now)
	f.reg.Promote("dev-silent", now.Add(-3*interval-time.Millisecond))
	f.router.RegisterPeer("dev-fresh")
	f.router.RegisterPeer("dev-silent")
	f.router.Table().Update("mesh1far", "dev-silent", 2, now)

	lv.tick(now)

	// The tick sends a heartbeat to every link that was live when it ran.
	heartbeats := 0
	for i := 0; i < 2; i++ {
		if s := f.tr.waitSend(t); s.env.Type == TypeHeartbeat {
			heartbeats++
		}
	}
	if heartbeats != 2 {
		t.Fatalf("heartbeats sent = %d, want 2", heartbeats)
	}

	if f.reg.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", f.reg.ConnectionCount())
	}
	if _, ok := f.reg.LastHeartbeat("dev-silent"); ok {
		t.Fatal("silent node survived the liveness pass")
	}
	if _, ok := f.router.Table().NextHop("mesh1far"); ok {
		t.Fatal("routes via the evicted node survived")
	}
}

func TestLivenessStartStopIdempotent(t *testing.T) {
	f := newRouterFixture(t, Config{})
	lv := NewLiveness(time.Hour, f.reg, f.router, nil)

	lv.Start()
	lv.Start()
	lv.Stop()
	lv.Stop()
}
