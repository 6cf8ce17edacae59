package mesh

import (
	"testing"
	"time"
)

func TestRoutingTableInstallAndImprove(t *testing.T) {
	tbl := NewRoutingTable()
	now := time.Now()

	if !tbl.Update("mesh1far", "dev-b", 3, now) {
		t.Fatal("first sighting should install a route")
	}
	if hop, ok := tbl.NextHop("mesh1far"); !ok || hop != "dev-b" {
		t.Fatalf("NextHop = %q, %v; want dev-b, true", hop, ok)
	}

	if tbl.Update("mesh1far", "dev-c", 4, now) {
		t.Fatal("a worse route must not replace the existing one")
	}
	if hop, _ := tbl.NextHop("mesh1far"); hop != "dev-b" {
		t.Fatalf("worse route overwrote next hop: %q", hop)
	}

	if !tbl.Update("mesh1far", "dev-c", 1, now) {
		t.Fatal("a shorter route should improve the entry")
	}
	if d, _ := tbl.Distance("mesh1far"); d != 1 {
		t.Fatalf("Distance = %d, want 1", d)
	}
}

func TestRoutingTableEqualDistanceDoesNotFlap(t *testing.T) {
	tbl := NewRoutingTable()
	now := time.Now()
	tbl.Update("mesh1far", "dev-b", 2, now)
	tbl.Update("mesh1far", "dev-c", 2, now.Add(time.Second))

	if hop, _ := tbl.NextHop("mesh1far"); hop != "dev-b" {
		t.Fatalf("equal-distance route flapped to %q", hop)
	}
	// The refresh must still count as activity so Prune keeps the entry.
	tbl.Prune(now.Add(time.Second), 500*time.Millisecond)
	if _, ok := tbl.NextHop("mesh1far"); !ok {
		t.Fatal("equal-distance refresh did not extend the route's life")
	}
}

func TestRoutingTableRemoveVia(t *testing.T) {
	tbl := NewRoutingTable()
	now := time.Now()
	tbl.Update("mesh1x", "dev-b", 1, now)
	tbl.Update("mesh1y", "dev-b", 2, now)
	tbl.Update("mesh1z", "dev-c", 1, now)

	tbl.RemoveVia("dev-b")
	if _, ok := tbl.NextHop("mesh1x"); ok {
		t.Fatal("route via removed peer survived")
	}
	if _, ok := tbl.NextHop("mesh1y"); ok {
		t.Fatal("route via removed peer survived")
	}
	if _, ok := tbl.NextHop("mesh1z"); !ok {
		t.Fatal("route via another peer was removed")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tbl.Len())
	}
}

func TestRoutingTablePrune(t *testing.T) {
	tbl := NewRoutingTable()
	now := time.Now()
	tbl.Update("mesh1old", "dev-b", 1, now.Add(-time.Minute))
	tbl.Update("mesh1new", "dev-c", 1, now)

	tbl.Prune(now, 30*time.Second)
	if _, ok := tbl.NextHop("mesh1old"); ok {
		t.Fatal("stale route survived pruning")
	}
	if _, ok := tbl.NextHop("mesh1new"); !ok {
		t.Fatal("fresh route was pruned")
	}
}

func TestRoutingTableRejectsInvalidUpdates(t *testing.T) {
	tbl := NewRoutingTable()
	now := time.Now()
	if tbl.Update("", "dev-b", 1, now) {
		t.Fatal("empty origin accepted")
	}
	if tbl.Update("mesh1x", "", 1, now) {
		t.Fatal("empty next hop accepted")
	}
	if tbl.Update("mesh1x", "dev-b", -1, now) {
		t.Fatal("negative hop count accepted")
	}
	if tbl.Len() != 0 {
		t.Fatalf("invalid updates installed routes: Len = %d", tbl.Len())
	}
}
