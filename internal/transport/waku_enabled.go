//go:build real_waku

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

const (
	meshPubsubTopic    = "/waku/2/default-waku/proto"
	beaconContentTopic = "/hopchat/1/mesh-beacon/proto"
	linkContentTopic   = "/hopchat/1/mesh-link/proto"
)

type wakuBeacon struct {
	DeviceID   string   `json:"device_id"`
	Name       string   `json:"name"`
	Address    string   `json:"address"`
	ServiceIDs []string `json:"service_ids"`
}

type wakuFrame struct {
	From string `json:"from"`
	To   string `json:"to"`
	Data []byte `json:"data"`
}

// Waku backs the Adapter interface with a go-waku relay node. Discovery maps
// to periodic beacon publishes, links are logical (the relay handles
// reachability), and Send publishes an addressed frame that only the target
// device consumes.
type Waku struct {
	cfg WakuConfig

	mu       sync.RWMutex
	cb       Callbacks
	node     *wakuNode.WakuNode
	scanning bool
	links    map[string]struct{}

	beaconCancel context.CancelFunc
	beaconWG     sync.WaitGroup
}

// NewWaku creates the relay-backed adapter.
func NewWaku(cfg WakuConfig) Adapter {
	return &Waku{cfg: cfg.withDefaults(), links: make(map[string]struct{})}
}

func (w *Waku) SetCallbacks(cb Callbacks) {
	w.mu.Lock()
	w.cb = cb
	w.mu.Unlock()
}

func (w *Waku) Powered() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.node != nil
}

func (w *Waku) Start(ctx context.Context) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(w.cfg.Port)))
	if err != nil {
		return err
	}
	node, err := wakuNode.New(
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
	)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	for _, addr := range w.cfg.BootstrapNodes {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			slog.Warn("skipping malformed bootstrap address", "addr", addr, "reason", err.Error())
			continue
		}
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("bootstrap dial failed", "addr", addr, "reason", err.Error())
		}
	}

	w.mu.Lock()
	w.node = node
	ready := w.cb.Ready
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		node.Stop()
		w.mu.Lock()
		w.node = nil
		w.mu.Unlock()
		return err
	}
	w.startBeacon()

	if ready != nil {
		ready()
	}
	return nil
}

func (w *Waku) subscribe() error {
	w.mu.RLock()
	node := w.node
	w.mu.RUnlock()
	if node == nil {
		return errors.New("waku node is nil")
	}

	filter := protocol.NewContentFilter(meshPubsubTopic, beaconContentTopic, linkContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				w.handleMessage(env.Message())
			}
		}(sub)
	}
	return nil
}

func (w *Waku) handleMessage(msg *wpb.WakuMessage) {
	switch msg.ContentTopic {
	case beaconContentTopic:
		var beacon wakuBeacon
		if err := json.Unmarshal(msg.Payload, &beacon); err != nil {
			return
		}
		if beacon.DeviceID == "" || beacon.DeviceID == w.cfg.DeviceID {
			return
		}
		w.mu.RLock()
		scanning := w.scanning
		discovered := w.cb.Discovered
		w.mu.RUnlock()
		if !scanning || discovered == nil {
			return
		}
		discovered(Advert{
			DeviceID:   beacon.DeviceID,
			Name:       beacon.Name,
			Address:    beacon.Address,
			RSSI:       -50,
			ServiceIDs: beacon.ServiceIDs,
			SeenAt:     time.Now(),
		})

	case linkContentTopic:
		var frame wakuFrame
		if err := json.Unmarshal(msg.Payload, &frame); err != nil {
			return
		}
		if frame.To != w.cfg.DeviceID {
			return
		}
		w.mu.RLock()
		received := w.cb.Received
		w.mu.RUnlock()
		if received != nil {
			received(frame.From, frame.Data)
		}
	}
}

func (w *Waku) StartScanning() error {
	w.mu.Lock()
	w.scanning = true
	w.mu.Unlock()
	return nil
}

func (w *Waku) StopScanning() error {
	w.mu.Lock()
	w.scanning = false
	w.mu.Unlock()
	return nil
}

// Connect is logical over a relay: reachability is the relay's concern, so a
// link is recorded and reported connected immediately.
func (w *Waku) Connect(_ context.Context, deviceID string) error {
	w.mu.Lock()
	if w.node == nil {
		w.mu.Unlock()
		return ErrClosed
	}
	w.links[deviceID] = struct{}{}
	connected := w.cb.Connected
	w.mu.Unlock()
	if connected != nil {
		connected(deviceID)
	}
	return nil
}

func (w *Waku) Send(ctx context.Context, deviceID string, data []byte) error {
	w.mu.RLock()
	node := w.node
	_, linked := w.links[deviceID]
	w.mu.RUnlock()
	if node == nil {
		return ErrClosed
	}
	if !linked {
		return ErrNotConnected
	}

	payload, err := json.Marshal(wakuFrame{From: w.cfg.DeviceID, To: deviceID, Data: data})
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: linkContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(meshPubsubTopic))
	return err
}

func (w *Waku) startBeacon() {
	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.beaconCancel = cancel
	w.mu.Unlock()

	w.beaconWG.Add(1)
	go func() {
		defer w.beaconWG.Done()
		ticker := time.NewTicker(w.cfg.BeaconInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.publishBeacon(ctx); err != nil {
					slog.Warn("beacon publish failed", "reason", err.Error())
				}
			}
		}
	}()
}

func (w *Waku) publishBeacon(ctx context.Context) error {
	w.mu.RLock()
	node := w.node
	w.mu.RUnlock()
	if node == nil {
		return ErrClosed
	}

	addrs := node.ListenAddresses()
	address := ""
	if len(addrs) > 0 {
		address = addrs[0].String()
	}
	payload, err := json.Marshal(wakuBeacon{
		DeviceID:   w.cfg.DeviceID,
		Name:       w.cfg.Name,
		Address:    address,
		ServiceIDs: w.cfg.ServiceIDs,
	})
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: beaconContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(meshPubsubTopic))
	return err
}

func (w *Waku) Close() error {
	w.mu.Lock()
	cancel := w.beaconCancel
	w.beaconCancel = nil
	node := w.node
	w.node = nil
	w.links = make(map[string]struct{})
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.beaconWG.Wait()
	if node != nil {
		node.Stop()
	}
	return nil
}
