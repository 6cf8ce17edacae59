// Package meshconfig loads the daemon's YAML configuration and applies
// environment overrides on top of the mesh defaults.
package meshconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hopchat/go-mesh/internal/mesh"
)

const (
	TransportSim  = "sim"
	TransportWaku = "waku"
)

type DaemonConfig struct {
	Mesh      MeshFileConfig      `yaml:"mesh"`
	Transport TransportFileConfig `yaml:"transport"`
}

type MeshFileConfig struct {
	DisplayName       string        `yaml:"displayName"`
	MaxConnections    int           `yaml:"maxConnections"`
	DiscoveryInterval time.Duration `yaml:"discoveryInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	MaxHops           int           `yaml:"maxHops"`
	EnableEncryption  *bool         `yaml:"enableEncryption"`
	StartTimeout      time.Duration `yaml:"startTimeout"`
	SeenTTL           time.Duration `yaml:"seenTTL"`
	InboundRate       float64       `yaml:"inboundRate"`
	InboundBurst      int           `yaml:"inboundBurst"`
}

type TransportFileConfig struct {
	Kind           string   `yaml:"kind"`
	Port           int      `yaml:"port"`
	BootstrapNodes []string `yaml:"bootstrapNodes"`
}

// Loaded is the fully merged configuration handed to the daemon.
type Loaded struct {
	Mesh      mesh.Config
	Transport TransportFileConfig
}

// LoadFromPath reads configPath (or the default candidate locations when
// empty), merging file values over defaults and env overrides over both.
func LoadFromPath(configPath string) Loaded {
	out := Loaded{
		Mesh:      mesh.DefaultConfig(),
		Transport: TransportFileConfig{Kind: TransportSim},
	}

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/meshd.yaml",
			"meshd.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed DaemonConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		Merge(&out, parsed)
		break
	}

	ApplyEnvOverrides(&out)
	return out
}

func Merge(dst *Loaded, src DaemonConfig) {
	if src.Mesh.DisplayName != "" {
		dst.Mesh.DisplayName = src.Mesh.DisplayName
	}
	if src.Mesh.MaxConnections != 0 {
		dst.Mesh.MaxConnections = src.Mesh.MaxConnections
	}
	if src.Mesh.DiscoveryInterval != 0 {
		dst.Mesh.DiscoveryInterval = src.Mesh.DiscoveryInterval
	}
	if src.Mesh.HeartbeatInterval != 0 {
		dst.Mesh.HeartbeatInterval = src.Mesh.HeartbeatInterval
	}
	if src.Mesh.MaxHops != 0 {
		dst.Mesh.MaxHops = src.Mesh.MaxHops
	}
	if src.Mesh.EnableEncryption != nil {
		dst.Mesh.EnableEncryption = *src.Mesh.EnableEncryption
	}
	if src.Mesh.StartTimeout != 0 {
		dst.Mesh.StartTimeout = src.Mesh.StartTimeout
	}
	if src.Mesh.SeenTTL != 0 {
		dst.Mesh.SeenTTL = src.Mesh.SeenTTL
	}
	if src.Mesh.InboundRate != 0 {
		dst.Mesh.InboundRate = src.Mesh.InboundRate
	}
	if src.Mesh.InboundBurst != 0 {
		dst.Mesh.InboundBurst = src.Mesh.InboundBurst
	}
	if src.Transport.Kind != "" {
		dst.Transport.Kind = src.Transport.Kind
	}
	if src.Transport.Port != 0 {
		dst.Transport.Port = src.Transport.Port
	}
	if src.Transport.BootstrapNodes != nil {
		dst.Transport.BootstrapNodes = src.Transport.BootstrapNodes
	}
}

func ApplyEnvOverrides(cfg *Loaded) {
	if name := strings.TrimSpace(os.Getenv("MESH_DISPLAY_NAME")); name != "" {
		cfg.Mesh.DisplayName = name
	}
	if kind := strings.TrimSpace(os.Getenv("MESH_TRANSPORT")); kind != "" {
		cfg.Transport.Kind = kind
	}
	if raw := strings.TrimSpace(os.Getenv("MESH_MAX_HOPS")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Mesh.MaxHops = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("MESH_ENABLE_ENCRYPTION")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Mesh.EnableEncryption = v
		}
	}
}
