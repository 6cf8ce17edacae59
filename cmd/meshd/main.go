package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hopchat/go-mesh/internal/identity"
	"hopchat/go-mesh/internal/mesh"
	"hopchat/go-mesh/internal/meshconfig"
	"hopchat/go-mesh/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to meshd.yaml (optional)")
	displayName := flag.String("name", "", "Display name override")
	transportKind := flag.String("transport", "", "Transport override: sim | waku")
	flag.Parse()
	if *showVersion {
		fmt.Printf("meshd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *displayName != "" {
		_ = os.Setenv("MESH_DISPLAY_NAME", *displayName)
	}
	if *transportKind != "" {
		_ = os.Setenv("MESH_TRANSPORT", *transportKind)
	}

	cfg := meshconfig.LoadFromPath(*configPath)

	id, err := buildIdentity(cfg.Mesh.DisplayName)
	if err != nil {
		log.Fatalf("meshd failed to build identity: %v", err)
	}

	adapter, err := buildTransport(cfg, id.NodeID)
	if err != nil {
		log.Fatalf("meshd failed to build transport: %v", err)
	}

	logger := mesh.DefaultLogger()
	events := mesh.Events{
		Ready: func() { logger.Info("mesh ready") },
		DeviceDiscovered: func(d mesh.Device) {
			logger.Info("device discovered", "device_id", d.ID, "name", d.Name)
		},
		NodeConnected: func(d mesh.Device) {
			logger.Info("node connected", "device_id", d.ID, "name", d.Name)
		},
		NodeDisconnected: func(d mesh.Device) {
			logger.Info("node disconnected", "device_id", d.ID, "name", d.Name)
		},
		Message: func(env mesh.Envelope) {
			logger.Info("message", "from", env.From, "type", string(env.Type), "payload", string(env.Payload))
		},
		DirectMessage: func(from string, plaintext []byte) {
			logger.Info("direct message", "from", from, "text", string(plaintext))
		},
	}

	mgr := mesh.NewManager(cfg.Mesh, id, adapter, events, logger)
	log.Printf("meshd starting node_id=%s", mgr.NodeID())
	if err := mgr.StartMesh(ctx); err != nil {
		log.Fatalf("meshd failed to start: %v", err)
	}
	if err := mgr.AnnounceJoin(); err != nil {
		logger.Warn("join announcement failed", "reason", err.Error())
	}

	// Lines on stdin become broadcast chat messages until the signal arrives.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if err := mgr.BroadcastChat(text); err != nil {
				logger.Warn("broadcast failed", "reason", err.Error())
			}
		}
	}()

	<-ctx.Done()
	_ = mgr.AnnounceLeave()
	mgr.Stop()
	log.Println("meshd stopped")
}

// buildIdentity resolves the node identity: an encrypted keystore file when
// configured, a BIP-39 mnemonic next, and an ephemeral identity otherwise.
func buildIdentity(displayName string) (*identity.Identity, error) {
	if path := strings.TrimSpace(os.Getenv("MESH_IDENTITY_FILE")); path != "" {
		passphrase := os.Getenv("MESH_IDENTITY_PASSPHRASE")
		if passphrase == "" {
			return nil, fmt.Errorf("MESH_IDENTITY_FILE is set but MESH_IDENTITY_PASSPHRASE is empty")
		}
		return identity.LoadOrCreate(path, passphrase, displayName)
	}
	if mnemonic := strings.TrimSpace(os.Getenv("MESH_IDENTITY_MNEMONIC")); mnemonic != "" {
		return identity.FromMnemonic(mnemonic, displayName)
	}
	return identity.Generate(displayName)
}

func buildTransport(cfg meshconfig.Loaded, nodeID string) (transport.Adapter, error) {
	switch cfg.Transport.Kind {
	case meshconfig.TransportWaku:
		adapter := transport.NewWaku(transport.WakuConfig{
			DeviceID:       nodeID,
			Name:           mesh.DeviceNamePrefix + cfg.Mesh.DisplayName,
			ServiceIDs:     []string{mesh.ServiceMarker},
			Port:           cfg.Transport.Port,
			BootstrapNodes: cfg.Transport.BootstrapNodes,
		})
		if adapter == nil {
			return nil, fmt.Errorf("waku transport is not available in this build")
		}
		return adapter, nil
	case meshconfig.TransportSim, "":
		return transport.NewSim(nodeID, mesh.DeviceNamePrefix+cfg.Mesh.DisplayName, mesh.ServiceMarker), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}
