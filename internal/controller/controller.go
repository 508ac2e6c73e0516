// Package controller owns the connection state of the heart sensor and
// hands decoded samples to the rest of the application.
package controller

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/radio"
)

// Defaults for Options left zero.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultBufferSize   = 256
)

// Options configures a Controller.
type Options struct {
	PollInterval time.Duration
	ScanTimeout  time.Duration
	// BufferSize is the capacity of each subscription channel.
	BufferSize int
	Logger     *zap.Logger
}

// Controller wraps a radio.Transport with a state machine. It is the only
// writer of the connection state.
type Controller struct {
	transport radio.Transport
	log       *zap.Logger
	opts      Options

	mu      sync.Mutex
	state   radio.State
	devices map[string]radio.Device
	subs    []closer

	changes chan radio.State
	dropped atomic.Int64
}

type closer interface{ close() }

// New creates a controller over transport.
func New(transport radio.Transport, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Controller{
		transport: transport,
		log:       logging.OrNop(opts.Logger).Named("controller"),
		opts:      opts,
		state:     radio.StateUnknown,
		devices:   make(map[string]radio.Device),
		changes:   make(chan radio.State, 16),
	}
}

// State returns the controller's view of the connection.
func (c *Controller) State() radio.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Changes delivers every state change. Changes are dropped while the
// channel is full.
func (c *Controller) Changes() <-chan radio.State {
	return c.changes
}

// Dropped counts samples discarded because a subscriber fell behind.
func (c *Controller) Dropped() int64 {
	return c.dropped.Load()
}

// apply runs event through Next. Caller holds c.mu.
func (c *Controller) apply(event Event) {
	c.setLocked(Next(c.state, event), event.String())
}

func (c *Controller) setLocked(next radio.State, reason string) {
	if next == c.state {
		return
	}
	c.log.Debug("state changed",
		zap.Stringer("from", c.state),
		zap.Stringer("to", next),
		zap.String("reason", reason))
	c.state = next
	select {
	case c.changes <- next:
	default:
	}
}

func (c *Controller) fire(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(event)
}

// Initialize prepares the transport and reads the adapter state once.
func (c *Controller) Initialize(ctx context.Context) error {
	if err := c.transport.Initialize(ctx); err != nil {
		c.reconcile(ctx)
		return err
	}
	c.reconcile(ctx)
	return nil
}

// reconcile aligns the controller with what the transport reports.
func (c *Controller) reconcile(ctx context.Context) {
	adapter := c.transport.State(ctx)
	connected := c.transport.IsConnected()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == radio.StateConnected && !connected {
		c.log.Warn("link dropped without notice")
		c.closeSubsLocked()
		c.apply(LinkLost)
	}
	if ev, ok := adapterEvent(adapter); ok {
		c.apply(ev)
	}
}

// Run polls the adapter and follows link events until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcile(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleLinkEvent(ev)
		}
	}
}

func (c *Controller) handleLinkEvent(ev radio.LinkEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case radio.LinkLost:
		c.log.Warn("link lost", zap.String("device_id", ev.DeviceID), zap.Error(ev.Err))
		c.closeSubsLocked()
		c.apply(LinkLost)
	case radio.AdapterStateChanged:
		if ev.State == radio.StatePoweredOff || ev.State == radio.StateUnsupported {
			c.closeSubsLocked()
		}
		if e, ok := adapterEvent(ev.State); ok {
			c.apply(e)
		}
	}
}

// Devices returns the devices found by the latest scan, sorted by id.
func (c *Controller) Devices() []radio.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]radio.Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scan discovers devices until timeout, StopScan or ctx ends it, then
// returns what was found. Zero timeout uses Options.ScanTimeout.
func (c *Controller) Scan(ctx context.Context, timeout time.Duration) ([]radio.Device, error) {
	if timeout <= 0 {
		timeout = c.opts.ScanTimeout
	}

	c.mu.Lock()
	c.devices = make(map[string]radio.Device)
	c.apply(ScanStarted)
	c.mu.Unlock()

	err := c.transport.Scan(ctx, func(d radio.Device) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, seen := c.devices[d.ID]; seen {
			return
		}
		c.devices[d.ID] = d
		c.log.Info("device found", zap.String("device_id", d.ID), zap.String("name", d.DisplayName()))
		c.apply(DeviceFound)
	}, timeout)

	c.mu.Lock()
	if c.transport.IsConnected() {
		// the browser bridge connects to the chosen device on its own
		c.apply(ConnectSucceeded)
	} else {
		c.apply(ScanStopped)
	}
	c.mu.Unlock()

	return c.Devices(), err
}

func (c *Controller) StopScan() {
	c.transport.StopScan()
}

// Connect links to id. Connecting to the device already linked is a no-op;
// a different device is disconnected first. Failures restore the state
// from before the attempt and are not retried.
func (c *Controller) Connect(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.state == radio.StateConnected && c.transport.ConnectedDeviceID() == id {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if current := c.transport.ConnectedDeviceID(); current != "" {
		if err := c.Disconnect(ctx); err != nil {
			c.log.Warn("failed to disconnect previous device", zap.String("device_id", current), zap.Error(err))
		}
	}

	c.mu.Lock()
	prev := c.state
	c.apply(ConnectStarted)
	c.mu.Unlock()

	if err := c.transport.Connect(ctx, id); err != nil {
		c.mu.Lock()
		c.setLocked(prev, ConnectFailed.String())
		c.mu.Unlock()
		c.log.Warn("connect failed", zap.String("device_id", id), zap.Error(err))
		return err
	}

	c.mu.Lock()
	c.devices = make(map[string]radio.Device)
	c.apply(ConnectSucceeded)
	c.mu.Unlock()
	c.log.Info("connected", zap.String("device_id", id))
	return nil
}

// Disconnect drops the link and closes every subscription channel. The
// state moves to Disconnected even when the transport reports an error.
func (c *Controller) Disconnect(ctx context.Context) error {
	err := c.transport.Disconnect(ctx)

	c.mu.Lock()
	c.closeSubsLocked()
	c.apply(Disconnected)
	c.mu.Unlock()
	return err
}

func (c *Controller) ConnectedDeviceID() string {
	return c.transport.ConnectedDeviceID()
}

// BatteryLevel returns nil when no level could be read.
func (c *Controller) BatteryLevel(ctx context.Context) (*int, error) {
	return c.transport.BatteryLevel(ctx)
}

// SubscribeECG starts the ECG stream. The channel closes when the link
// goes away.
func (c *Controller) SubscribeECG(ctx context.Context) (<-chan models.ECGSample, error) {
	sub := newSubscription[models.ECGSample](c.opts.BufferSize, &c.dropped)
	if err := c.transport.SubscribeECG(ctx, sub.push); err != nil {
		return nil, err
	}
	c.track(sub)
	return sub.ch, nil
}

// SubscribeHeartRate starts the heart rate stream. The channel closes when
// the link goes away.
func (c *Controller) SubscribeHeartRate(ctx context.Context) (<-chan models.HeartRateSample, error) {
	sub := newSubscription[models.HeartRateSample](c.opts.BufferSize, &c.dropped)
	if err := c.transport.SubscribeHeartRate(ctx, sub.push); err != nil {
		return nil, err
	}
	c.track(sub)
	return sub.ch, nil
}

func (c *Controller) track(s closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, s)
}

func (c *Controller) closeSubsLocked() {
	for _, s := range c.subs {
		s.close()
	}
	c.subs = nil
}

// Close stops scanning, disconnects and releases the transport.
func (c *Controller) Close() error {
	c.transport.StopScan()
	c.mu.Lock()
	c.closeSubsLocked()
	c.mu.Unlock()
	return c.transport.Close()
}

// subscription is a buffered channel fed by transport callbacks. Pushes
// never block; a full buffer drops the sample.
type subscription[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	dropped *atomic.Int64
}

func newSubscription[T any](size int, dropped *atomic.Int64) *subscription[T] {
	return &subscription[T]{ch: make(chan T, size), dropped: dropped}
}

func (s *subscription[T]) push(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- v:
	default:
		s.dropped.Add(1)
	}
}

func (s *subscription[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
