package mesh

import "time"

// ServiceMarker is the advertised service identifier that admits a device
// into the mesh. Devices that advertise neither the marker nor the name
// prefix are unrelated radio peripherals and are ignored.
const (
	ServiceMarker    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DeviceNamePrefix = "hopchat-"
)

// Config is the mesh engine's construction-time configuration. All values
// are fixed for the session; there is no dynamic reconfiguration.
type Config struct {
	DisplayName       string        `yaml:"displayName"`
	MaxConnections    int           `yaml:"maxConnections"`
	DiscoveryInterval time.Duration `yaml:"discoveryInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	MaxHops           int           `yaml:"maxHops"`
	EnableEncryption  bool          `yaml:"enableEncryption"`

	StartTimeout time.Duration `yaml:"startTimeout"`
	SeenTTL      time.Duration `yaml:"seenTTL"`
	InboundRate  float64       `yaml:"inboundRate"`
	InboundBurst int           `yaml:"inboundBurst"`
}

func DefaultConfig() Config {
	return Config{
		DisplayName:       "hopchat-node",
		MaxConnections:    7,
		DiscoveryInterval: 30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		MaxHops:           5,
		EnableEncryption:  true,
		StartTimeout:      10 * time.Second,
		SeenTTL:           60 * time.Second,
		InboundRate:       50,
		InboundBurst:      100,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.DisplayName == "" {
		cfg.DisplayName = def.DisplayName
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = def.DiscoveryInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = def.SeenTTL
	}
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = def.InboundRate
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = def.InboundBurst
	}
	return cfg
}

// StaleTimeout is the liveness window: a node whose last heartbeat predates
// now minus this window is evicted.
func (c Config) StaleTimeout() time.Duration {
	return 3 * c.HeartbeatInterval
}
