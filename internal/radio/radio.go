// Package radio abstracts the BLE stack a heart sensor is reached through.
//
// Every platform implements Transport. New picks one implementation at
// startup from configuration; callers never branch on the platform.
package radio

import (
	"context"
	"sort"
	"time"

	"github.com/serena/serena-cli/internal/models"
)

// DefaultScanTimeout bounds Scan when the caller passes zero.
const DefaultScanTimeout = 10 * time.Second

// Device is a sensor seen during discovery.
type Device struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	RSSI        *int    `json:"rssi,omitempty"`
	Connectable *bool   `json:"connectable,omitempty"`
}

// DisplayName returns the advertised name or a placeholder.
func (d Device) DisplayName() string {
	if d.Name == nil || *d.Name == "" {
		return "(unnamed)"
	}
	return *d.Name
}

func sortDevices(devices []Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
}

// LinkEventKind classifies spontaneous link changes.
type LinkEventKind int

const (
	LinkLost LinkEventKind = iota
	AdapterStateChanged
)

// LinkEvent is pushed by a transport when the link changes without the
// caller asking for it.
type LinkEvent struct {
	Kind     LinkEventKind
	DeviceID string
	State    State
	Err      error
}

// Transport is the capability every radio stack provides.
type Transport interface {
	// Initialize prepares the stack. Native stacks wait for the adapter to
	// be powered.
	Initialize(ctx context.Context) error
	State(ctx context.Context) State
	// Scan reports each matching device once until timeout, StopScan or
	// ctx ends it.
	Scan(ctx context.Context, onFound func(Device), timeout time.Duration) error
	StopScan()
	// Connect is a no-op for the already connected id and disconnects a
	// different device first.
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context) error
	SubscribeECG(ctx context.Context, onData func(models.ECGSample)) error
	SubscribeHeartRate(ctx context.Context, onData func(models.HeartRateSample)) error
	// BatteryLevel returns nil when the level cannot be read.
	BatteryLevel(ctx context.Context) (*int, error)
	IsConnected() bool
	ConnectedDeviceID() string
	Events() <-chan LinkEvent
	Close() error
}
