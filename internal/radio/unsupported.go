package radio

import (
	"context"
	"time"

	"github.com/serena/serena-cli/internal/models"
)

// Unsupported is the transport for hosts without a usable radio. Every
// operation that needs one fails with ErrUnavailable.
type Unsupported struct {
	events chan LinkEvent
}

func NewUnsupported() *Unsupported {
	return &Unsupported{events: make(chan LinkEvent)}
}

func (u *Unsupported) Initialize(ctx context.Context) error { return nil }

func (u *Unsupported) State(ctx context.Context) State { return StateUnsupported }

func (u *Unsupported) Scan(ctx context.Context, onFound func(Device), timeout time.Duration) error {
	return newError("scan", KindUnavailable, nil)
}

func (u *Unsupported) StopScan() {}

func (u *Unsupported) Connect(ctx context.Context, id string) error {
	return newError("connect", KindUnavailable, nil)
}

func (u *Unsupported) Disconnect(ctx context.Context) error { return nil }

func (u *Unsupported) SubscribeECG(ctx context.Context, onData func(models.ECGSample)) error {
	return newError("subscribe ecg", KindUnavailable, nil)
}

func (u *Unsupported) SubscribeHeartRate(ctx context.Context, onData func(models.HeartRateSample)) error {
	return newError("subscribe heart rate", KindUnavailable, nil)
}

func (u *Unsupported) BatteryLevel(ctx context.Context) (*int, error) { return nil, nil }

func (u *Unsupported) IsConnected() bool { return false }

func (u *Unsupported) ConnectedDeviceID() string { return "" }

func (u *Unsupported) Events() <-chan LinkEvent { return u.events }

func (u *Unsupported) Close() error { return nil }
