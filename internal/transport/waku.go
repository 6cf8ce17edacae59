package transport

import "time"

// WakuConfig configures the relay-backed adapter used for running the mesh
// over IP links during development on hardware without a radio stack. The
// adapter is only compiled in with the real_waku build tag.
type WakuConfig struct {
	DeviceID       string
	Name           string
	ServiceIDs     []string
	Port           int
	BootstrapNodes []string
	BeaconInterval time.Duration
}

func (c WakuConfig) withDefaults() WakuConfig {
	if c.Port == 0 {
		c.Port = 60000
	}
	if c.BeaconInterval <= 0 {
		c.BeaconInterval = 5 * time.Second
	}
	return c
}
