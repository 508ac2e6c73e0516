package radio

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/generator"
	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/protocol"
	"github.com/serena/serena-cli/internal/scenario"
)

// Sim frame cadence matches a real sensor at 130 Hz.
const (
	SimFrameSamples   = 73
	SimFrameInterval  = SimFrameSamples * time.Second / protocol.ECGSampleRate
	SimHeartRateEvery = time.Second
)

// SimOption tunes a Sim.
type SimOption func(*Sim)

// WithSimIntervals overrides how often ECG and heart rate frames are sent.
func WithSimIntervals(ecg, heartRate time.Duration) SimOption {
	return func(s *Sim) {
		if ecg > 0 {
			s.ecgEvery = ecg
		}
		if heartRate > 0 {
			s.hrEvery = heartRate
		}
	}
}

// WithSimClock replaces time.Now for battery drain.
func WithSimClock(now func() time.Time) SimOption {
	return func(s *Sim) { s.now = now }
}

// Sim is an in-process sensor. Frames are synthesized from a scenario and
// pass through the same encode and decode path as a real radio.
type Sim struct {
	log      *zap.Logger
	scenario *scenario.Scenario
	seed     int64
	devices  []Device
	events   *eventFeed
	now      func() time.Time
	ecgEvery time.Duration
	hrEvery  time.Duration

	mu          sync.Mutex
	powered     bool
	scanCancel  context.CancelFunc
	deviceID    string
	connectedAt time.Time
	ecg         *ecgSink
	hr          *heartRateSink
	stop        context.CancelFunc
	done        chan struct{}
}

// NewSim creates a simulated radio advertising one device per name.
func NewSim(names []string, s *scenario.Scenario, seed int64, log *zap.Logger, opts ...SimOption) *Sim {
	sim := &Sim{
		log:      logging.OrNop(log).With(zap.String("transport", "sim")),
		scenario: s,
		seed:     seed,
		events:   newEventFeed(),
		now:      time.Now,
		ecgEvery: SimFrameInterval,
		hrEvery:  SimHeartRateEvery,
		powered:  true,
	}
	for i, name := range names {
		name := name
		rssi := -48 - 6*i
		connectable := true
		sim.devices = append(sim.devices, Device{ID: simAddress(name), Name: &name, RSSI: &rssi, Connectable: &connectable})
	}
	sortDevices(sim.devices)
	for _, opt := range opts {
		opt(sim)
	}
	return sim
}

// simAddress derives a stable MAC-style address from a device name.
func simAddress(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	v := h.Sum32()
	return fmt.Sprintf("A0:9E:1A:%02X:%02X:%02X", byte(v>>16), byte(v>>8), byte(v))
}

// Devices returns the advertised devices.
func (s *Sim) Devices() []Device {
	return append([]Device(nil), s.devices...)
}

func (s *Sim) Initialize(ctx context.Context) error {
	return nil
}

func (s *Sim) State(ctx context.Context) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.powered:
		return StatePoweredOff
	case s.deviceID != "":
		return StateConnected
	default:
		return StatePoweredOn
	}
}

// SetPowered flips the simulated adapter. Powering off drops the link.
func (s *Sim) SetPowered(on bool) {
	s.mu.Lock()
	changed := s.powered != on
	s.powered = on
	s.mu.Unlock()
	if !changed {
		return
	}

	state := StatePoweredOn
	if !on {
		state = StatePoweredOff
		s.SimulateLinkLoss()
	}
	s.events.emit(LinkEvent{Kind: AdapterStateChanged, State: state})
}

func (s *Sim) Scan(ctx context.Context, onFound func(Device), timeout time.Duration) error {
	s.mu.Lock()
	if !s.powered {
		s.mu.Unlock()
		return newError("scan", KindUnavailable, fmt.Errorf("adapter powered off"))
	}
	if s.scanCancel != nil {
		s.scanCancel()
	}
	ctx, cancel := context.WithTimeout(ctx, scanTimeout(timeout))
	s.scanCancel = cancel
	s.mu.Unlock()
	defer cancel()

	for _, d := range s.devices {
		onFound(d)
	}
	<-ctx.Done()
	return nil
}

func (s *Sim) StopScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanCancel != nil {
		s.scanCancel()
		s.scanCancel = nil
	}
}

func (s *Sim) known(id string) bool {
	for _, d := range s.devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

func (s *Sim) Connect(ctx context.Context, id string) error {
	current := s.ConnectedDeviceID()
	if current == id {
		return nil
	}
	if current != "" {
		if err := s.Disconnect(ctx); err != nil {
			return err
		}
	}
	if !s.known(id) {
		return newError("connect", KindNotFound, fmt.Errorf("%s", id))
	}
	if err := ctx.Err(); err != nil {
		return newError("connect", KindIO, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.powered {
		return newError("connect", KindUnavailable, fmt.Errorf("adapter powered off"))
	}

	loopCtx, stop := context.WithCancel(context.Background())
	s.deviceID = id
	s.connectedAt = s.now()
	s.stop = stop
	s.done = make(chan struct{})
	gen := generator.New(scenario.NewEngine(s.scenario), s.seed)
	go s.run(loopCtx, gen, s.done)

	s.log.Info("connected", zap.String("device_id", id))
	return nil
}

// run emits frames until stopped. The trace advances whether or not anyone
// subscribed, like a sensor that is worn but not streaming.
func (s *Sim) run(ctx context.Context, gen *generator.Generator, done chan struct{}) {
	defer close(done)

	ecgTick := time.NewTicker(s.ecgEvery)
	defer ecgTick.Stop()
	hrTick := time.NewTicker(s.hrEvery)
	defer hrTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ecgTick.C:
			frame := gen.ECGFrame(SimFrameSamples)
			s.mu.Lock()
			sink := s.ecg
			s.mu.Unlock()
			if sink != nil {
				sink.handle(frame)
			}
		case <-hrTick.C:
			frame := gen.HeartRateFrame()
			s.mu.Lock()
			sink := s.hr
			s.mu.Unlock()
			if sink != nil {
				sink.handle(frame)
			}
		}
	}
}

// halt stops the frame loop and clears the link. It returns the id that
// was connected.
func (s *Sim) halt() string {
	s.mu.Lock()
	id := s.deviceID
	stop, done := s.stop, s.done
	s.deviceID = ""
	s.ecg = nil
	s.hr = nil
	s.stop = nil
	s.done = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return id
}

func (s *Sim) Disconnect(ctx context.Context) error {
	if id := s.halt(); id != "" {
		s.log.Info("disconnected", zap.String("device_id", id))
	}
	return nil
}

// SimulateLinkLoss drops the link as if the sensor walked out of range.
func (s *Sim) SimulateLinkLoss() {
	id := s.halt()
	if id == "" {
		return
	}
	s.log.Warn("link lost", zap.String("device_id", id))
	s.events.emit(LinkEvent{Kind: LinkLost, DeviceID: id, State: StateDisconnected, Err: ErrNotConnected})
}

func (s *Sim) SubscribeECG(ctx context.Context, onData func(models.ECGSample)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID == "" {
		return newError("subscribe ecg", KindNotConnected, nil)
	}
	s.ecg = newECGSink(onData)
	return nil
}

func (s *Sim) SubscribeHeartRate(ctx context.Context, onData func(models.HeartRateSample)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID == "" {
		return newError("subscribe heart rate", KindNotConnected, nil)
	}
	s.hr = newHeartRateSink(onData)
	return nil
}

// BatteryLevel drains one percent every three minutes of connection,
// bottoming out at 5%.
func (s *Sim) BatteryLevel(ctx context.Context) (*int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID == "" {
		return nil, nil
	}
	level := 100 - int(s.now().Sub(s.connectedAt)/(3*time.Minute))
	if level < 5 {
		level = 5
	}
	return batteryFromValue([]byte{byte(level)}), nil
}

func (s *Sim) IsConnected() bool {
	return s.ConnectedDeviceID() != ""
}

func (s *Sim) ConnectedDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Sim) Events() <-chan LinkEvent {
	return s.events.ch
}

func (s *Sim) Close() error {
	s.StopScan()
	return s.Disconnect(context.Background())
}
