package transport

import (
	"context"
	"sync"
	"testing"
)

func TestSimDiscoveryAndDelivery(t *testing.T) {
	a := NewSim("dev-a", "alice", "svc-mesh")
	b := NewSim("dev-b", "bob", "svc-mesh")
	defer a.Close()
	defer b.Close()

	var (
		mu         sync.Mutex
		discovered []string
		received   [][]byte
	)
	a.SetCallbacks(Callbacks{
		Discovered: func(adv Advert) {
			mu.Lock()
			discovered = append(discovered, adv.DeviceID)
			mu.Unlock()
		},
	})
	b.SetCallbacks(Callbacks{
		Received: func(from string, data []byte) {
			mu.Lock()
			received = append(received, data)
			mu.Unlock()
		},
	})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := a.StartScanning(); err != nil {
		t.Fatalf("scan a: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start b: %v", err)
	}

	mu.Lock()
	sawB := len(discovered) == 1 && discovered[0] == "dev-b"
	mu.Unlock()
	if !sawB {
		t.Fatalf("a did not discover b: %v", discovered)
	}

	if err := a.Connect(context.Background(), "dev-b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.Send(context.Background(), "dev-b", []byte("one")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send(context.Background(), "dev-b", []byte("two")); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || string(received[0]) != "one" || string(received[1]) != "two" {
		t.Fatalf("delivery order broken: %q", received)
	}
}

func TestSimQueuesAdvertsUntilScanning(t *testing.T) {
	a := NewSim("dev-queue-a", "alice", "svc-mesh")
	defer a.Close()

	var got []Advert
	a.SetCallbacks(Callbacks{Discovered: func(adv Advert) { got = append(got, adv) }})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	a.InjectAdvert(Advert{DeviceID: "dev-x", Name: "scripted"})
	if len(got) != 0 {
		t.Fatal("advert delivered before scanning started")
	}
	if err := a.StartScanning(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 || got[0].DeviceID != "dev-x" {
		t.Fatalf("queued advert not flushed: %v", got)
	}
}

func TestSimReadyFiresOnPowerOn(t *testing.T) {
	a := NewSim("dev-pwr-a", "alice", "svc-mesh")
	defer a.Close()
	a.SetPowered(false)

	readyCount := 0
	a.SetCallbacks(Callbacks{Ready: func() { readyCount++ }})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if readyCount != 0 {
		t.Fatal("ready fired while unpowered")
	}
	a.PowerOn()
	if readyCount != 1 {
		t.Fatalf("expected one ready event, got %d", readyCount)
	}
}

func TestSimInvisibleAdapterNeedsScriptedAdverts(t *testing.T) {
	a := NewSim("dev-vis-a", "alice", "svc-mesh")
	b := NewSim("dev-vis-b", "bob", "svc-mesh")
	b.SetVisible(false)
	defer a.Close()
	defer b.Close()

	var got []string
	a.SetCallbacks(Callbacks{Discovered: func(adv Advert) { got = append(got, adv.DeviceID) }})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := a.StartScanning(); err != nil {
		t.Fatalf("scan a: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("invisible adapter was auto-discovered: %v", got)
	}

	a.InjectAdvert(Advert{DeviceID: "dev-vis-b", Name: "bob"})
	if len(got) != 1 || got[0] != "dev-vis-b" {
		t.Fatalf("scripted advert not delivered: %v", got)
	}
	// Connecting works regardless of visibility.
	if err := a.Connect(context.Background(), "dev-vis-b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestSimSendToUnconnectedDeviceFails(t *testing.T) {
	a := NewSim("dev-unconn-a", "alice", "svc-mesh")
	defer a.Close()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Send(context.Background(), "dev-nobody", []byte("x")); err == nil {
		t.Fatal("send to unconnected device succeeded")
	}
}
