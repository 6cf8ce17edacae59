// Package transport defines the link-layer seam the mesh engine is written
// against. A production build backs it with a short-range radio stack; tests
// and the mock transport mode back it with an in-process simulated link. Both
// are drop-in equivalents selected by injection at construction time.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotConnected  = errors.New("device not connected")
	ErrClosed        = errors.New("transport closed")
)

// Advert is a raw transport-level peer advertisement, before any mesh
// admission filtering.
type Advert struct {
	DeviceID   string
	Name       string
	Address    string
	RSSI       int
	ServiceIDs []string
	SeenAt     time.Time
}

// Callbacks deliver transport events to the mesh engine. Nil members are
// simply not invoked.
type Callbacks struct {
	// Ready fires once the underlying link layer is powered and usable.
	Ready func()
	// Discovered fires for every advertisement observed while scanning.
	Discovered func(Advert)
	// Connected fires when a Connect attempt completes on the link layer.
	Connected func(deviceID string)
	// Received delivers raw inbound bytes from a connected device.
	Received func(deviceID string, data []byte)
}

// Adapter abstracts discovery, connection, and raw send primitives over
// whatever physical or simulated link is available.
type Adapter interface {
	// SetCallbacks registers the event sinks. Must be called before Start.
	SetCallbacks(cb Callbacks)

	// Start powers up the adapter. Ready fires when the link layer is
	// usable, possibly before Start returns.
	Start(ctx context.Context) error

	// Powered reports whether the link layer is already usable.
	Powered() bool

	StartScanning() error
	StopScanning() error

	// Connect establishes a link to a discovered device.
	Connect(ctx context.Context, deviceID string) error

	// Send writes raw bytes to a connected device.
	Send(ctx context.Context, deviceID string, data []byte) error

	Close() error
}
