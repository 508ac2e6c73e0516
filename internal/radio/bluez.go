package radio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/protocol"
)

const (
	bluezBusName        = "org.bluez"
	bluezAdapterIface   = "org.bluez.Adapter1"
	bluezDeviceIface    = "org.bluez.Device1"
	bluezGattCharIface  = "org.bluez.GattCharacteristic1"
	dbusPropertiesIface = "org.freedesktop.DBus.Properties"
	dbusObjectManager   = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// maxLinkMisses is how many failed Connected reads in a row count as a
// lost link.
const maxLinkMisses = 3

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ drives a sensor through the Linux BlueZ daemon over the system bus.
type BlueZ struct {
	log     *zap.Logger
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	events  *eventFeed

	pollInterval    time.Duration
	connectTimeout  time.Duration
	poweredInterval time.Duration
	healthInterval  time.Duration

	// linkUp reads Device1.Connected for path.
	linkUp func(ctx context.Context, path dbus.ObjectPath) (bool, error)

	mu         sync.Mutex
	deviceID   string
	devicePath dbus.ObjectPath
	chars      map[string]dbus.ObjectPath
	notifiers  map[dbus.ObjectPath]func([]byte)
	ecgLive    bool
	scanCancel context.CancelFunc
	stopHealth context.CancelFunc

	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

// NewBlueZ connects to the system bus and watches the adapter's objects.
func NewBlueZ(adapter string, log *zap.Logger) (*BlueZ, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, newError("bluez", KindUnavailable, fmt.Errorf("failed to connect to system D-Bus: %w", err))
	}
	if adapter == "" {
		adapter = "hci0"
	}

	b := &BlueZ{
		log:             logging.OrNop(log).With(zap.String("transport", "bluez"), zap.String("adapter", adapter)),
		conn:            conn,
		adapter:         dbus.ObjectPath("/org/bluez/" + adapter),
		events:          newEventFeed(),
		pollInterval:    time.Second,
		connectTimeout:  20 * time.Second,
		poweredInterval: 500 * time.Millisecond,
		healthInterval:  2 * time.Second,
		chars:           make(map[string]dbus.ObjectPath),
		notifiers:       make(map[dbus.ObjectPath]func([]byte)),
		signals:         make(chan *dbus.Signal, 256),
		done:            make(chan struct{}),
	}
	b.linkUp = b.readConnected

	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(bluezBusName),
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(b.adapter),
	); err != nil {
		return nil, newError("bluez", KindIO, fmt.Errorf("failed to add match rule: %w", err))
	}
	conn.Signal(b.signals)
	go b.dispatch()

	return b, nil
}

// BlueZAvailable reports whether the system bus has a BlueZ daemon.
func BlueZAvailable(ctx context.Context) bool {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false
	}
	var names []string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return false
	}
	for _, n := range names {
		if n == bluezBusName {
			return true
		}
	}
	return false
}

func (b *BlueZ) object(path dbus.ObjectPath) dbus.BusObject {
	return b.conn.Object(bluezBusName, path)
}

func (b *BlueZ) Initialize(ctx context.Context) error {
	ticker := time.NewTicker(b.poweredInterval)
	defer ticker.Stop()

	for {
		switch state := b.State(ctx); state {
		case StateUnsupported:
			return newError("initialize", KindUnavailable, fmt.Errorf("adapter %s not present", b.adapter))
		case StateUnauthorized:
			return newError("initialize", KindUnauthorized, nil)
		case StatePoweredOff, StateUnknown:
			b.log.Debug("waiting for adapter power", zap.Stringer("state", state))
		default:
			return nil
		}

		select {
		case <-ctx.Done():
			return newError("initialize", KindUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *BlueZ) State(ctx context.Context) State {
	var powered bool
	err := b.object(b.adapter).CallWithContext(ctx, dbusPropertiesIface+".Get", 0, bluezAdapterIface, "Powered").Store(&powered)
	if err != nil {
		return stateFromBusError(err)
	}
	if !powered {
		return StatePoweredOff
	}
	if b.IsConnected() {
		return StateConnected
	}
	return StatePoweredOn
}

func stateFromBusError(err error) State {
	var busErr *dbus.Error
	if !errors.As(err, &busErr) {
		return StateUnknown
	}
	switch busErr.Name {
	case "org.freedesktop.DBus.Error.AccessDenied", "org.bluez.Error.NotAuthorized":
		return StateUnauthorized
	case "org.freedesktop.DBus.Error.ServiceUnknown", "org.freedesktop.DBus.Error.UnknownObject",
		"org.freedesktop.DBus.Error.UnknownMethod":
		return StateUnsupported
	}
	return StateUnknown
}

func (b *BlueZ) Scan(ctx context.Context, onFound func(Device), timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout(timeout))
	defer cancel()

	b.mu.Lock()
	if b.scanCancel != nil {
		b.scanCancel()
	}
	b.scanCancel = cancel
	b.mu.Unlock()

	adapter := b.object(b.adapter)
	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := adapter.CallWithContext(ctx, bluezAdapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		b.log.Debug("discovery filter rejected", zap.Error(err))
	}
	if err := adapter.CallWithContext(ctx, bluezAdapterIface+".StartDiscovery", 0).Err; err != nil {
		return newError("scan", kindFromBusError(err), fmt.Errorf("failed to start discovery: %w", err))
	}
	defer func() {
		if err := adapter.Call(bluezAdapterIface+".StopDiscovery", 0).Err; err != nil {
			b.log.Debug("failed to stop discovery", zap.Error(err))
		}
	}()

	seen := make(map[string]bool)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		objects, err := b.managedObjects(ctx)
		if err != nil && ctx.Err() == nil {
			b.log.Warn("failed to list devices during scan", zap.Error(err))
		}
		for _, dev := range devicesUnder(objects, b.adapter) {
			if seen[dev.ID] || !protocol.IsPolarDevice(dev.Name) {
				continue
			}
			seen[dev.ID] = true
			b.log.Info("discovered sensor", zap.String("device_id", dev.ID), zap.String("name", dev.DisplayName()))
			onFound(dev)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// devicesUnder extracts Device1 objects below adapter, sorted by path.
func devicesUnder(objects managedObjects, adapter dbus.ObjectPath) []Device {
	prefix := string(adapter) + "/dev_"
	var devices []Device
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluezDeviceIface]
		if !ok {
			continue
		}
		address, ok := props["Address"].Value().(string)
		if !ok || address == "" {
			continue
		}
		dev := Device{ID: address}
		if name, ok := props["Name"].Value().(string); ok {
			dev.Name = &name
		}
		if rssi, ok := props["RSSI"].Value().(int16); ok {
			v := int(rssi)
			dev.RSSI = &v
		}
		devices = append(devices, dev)
	}
	sortDevices(devices)
	return devices
}

func (b *BlueZ) StopScan() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanCancel != nil {
		b.scanCancel()
		b.scanCancel = nil
	}
}

func (b *BlueZ) managedObjects(ctx context.Context) (managedObjects, error) {
	objects := make(managedObjects)
	err := b.object("/").CallWithContext(ctx, dbusObjectManager, 0).Store(&objects)
	return objects, err
}

func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func (b *BlueZ) Connect(ctx context.Context, id string) error {
	b.mu.Lock()
	current := b.deviceID
	b.mu.Unlock()

	if current == id {
		return nil
	}
	if current != "" {
		if err := b.Disconnect(ctx); err != nil {
			b.log.Warn("failed to release previous device", zap.String("device_id", current), zap.Error(err))
		}
	}

	path := devicePath(b.adapter, id)
	device := b.object(path)

	var props map[string]dbus.Variant
	if err := device.CallWithContext(ctx, dbusPropertiesIface+".GetAll", 0, bluezDeviceIface).Store(&props); err != nil {
		return newError("connect", KindNotFound, fmt.Errorf("device %s: %w", id, err))
	}

	connected, _ := props["Connected"].Value().(bool)
	if !connected {
		if err := device.CallWithContext(ctx, bluezDeviceIface+".Connect", 0).Err; err != nil &&
			!strings.Contains(err.Error(), "InProgress") {
			return newError("connect", kindFromBusError(err), fmt.Errorf("failed to connect to %s: %w", id, err))
		}
	}

	if err := b.waitResolved(ctx, device); err != nil {
		_ = device.Call(bluezDeviceIface+".Disconnect", 0).Err
		return newError("connect", KindIO, err)
	}

	chars, err := b.characteristics(ctx, path)
	if err != nil {
		_ = device.Call(bluezDeviceIface+".Disconnect", 0).Err
		return newError("connect", KindIO, err)
	}

	b.mu.Lock()
	b.deviceID = id
	b.devicePath = path
	b.chars = chars
	b.mu.Unlock()

	b.watchLink(path)
	b.log.Info("connected", zap.String("device_id", id), zap.Int("characteristics", len(chars)))
	return nil
}

func (b *BlueZ) readConnected(ctx context.Context, path dbus.ObjectPath) (bool, error) {
	var connected bool
	err := b.object(path).CallWithContext(ctx, dbusPropertiesIface+".Get", 0, bluezDeviceIface, "Connected").Store(&connected)
	return connected, err
}

// watchLink re-reads Connected every healthInterval until the link goes
// away. BlueZ does not always signal a dropped link.
func (b *BlueZ) watchLink(path dbus.ObjectPath) {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	if b.stopHealth != nil {
		b.stopHealth()
	}
	b.stopHealth = cancel
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(b.healthInterval)
		defer ticker.Stop()
		misses := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-ticker.C:
				if b.checkLink(ctx, path, &misses) {
					return
				}
			}
		}
	}()
}

// checkLink reads Connected once and reports whether watching should stop.
// A device that says it is disconnected is lost at once; read failures
// are lost after maxLinkMisses in a row.
func (b *BlueZ) checkLink(ctx context.Context, path dbus.ObjectPath, misses *int) bool {
	readCtx, cancel := context.WithTimeout(ctx, b.healthInterval)
	connected, err := b.linkUp(readCtx, path)
	cancel()

	switch {
	case ctx.Err() != nil:
		return true
	case err != nil:
		*misses++
		b.log.Debug("connection check failed", zap.Int("misses", *misses), zap.Error(err))
		if *misses < maxLinkMisses {
			return false
		}
		b.linkLost(path, fmt.Errorf("connection check failed %d times: %w", *misses, err))
		return true
	case !connected:
		b.linkLost(path, errors.New("device reports disconnected"))
		return true
	}
	*misses = 0
	return false
}

// linkLost forgets the link and emits LinkLost, unless path is no longer
// the connected device.
func (b *BlueZ) linkLost(path dbus.ObjectPath, reason error) {
	b.mu.Lock()
	id := b.deviceID
	current := b.devicePath
	b.mu.Unlock()
	if id == "" || path != current {
		return
	}
	b.log.Warn("link lost", zap.String("device_id", id), zap.Error(reason))
	b.reset()
	b.events.emit(LinkEvent{Kind: LinkLost, DeviceID: id, State: StateDisconnected, Err: reason})
}

// waitResolved polls until the device reports resolved GATT services.
func (b *BlueZ) waitResolved(ctx context.Context, device dbus.BusObject) error {
	ctx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	ticker := time.NewTicker(b.poweredInterval)
	defer ticker.Stop()

	for {
		var connected, resolved bool
		if err := device.CallWithContext(ctx, dbusPropertiesIface+".Get", 0, bluezDeviceIface, "Connected").Store(&connected); err == nil && connected {
			if err := device.CallWithContext(ctx, dbusPropertiesIface+".Get", 0, bluezDeviceIface, "ServicesResolved").Store(&resolved); err == nil && resolved {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for services: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// characteristics maps lower-case characteristic UUIDs to object paths.
func (b *BlueZ) characteristics(ctx context.Context, device dbus.ObjectPath) (map[string]dbus.ObjectPath, error) {
	objects, err := b.managedObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list characteristics: %w", err)
	}

	chars := make(map[string]dbus.ObjectPath)
	prefix := string(device) + "/"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluezGattCharIface]
		if !ok {
			continue
		}
		if uuid, ok := props["UUID"].Value().(string); ok {
			chars[strings.ToLower(uuid)] = path
		}
	}
	return chars, nil
}

func (b *BlueZ) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	id := b.deviceID
	path := b.devicePath
	control := b.chars[protocol.PMDControlUUID]
	ecgLive := b.ecgLive
	notifying := make([]dbus.ObjectPath, 0, len(b.notifiers))
	for p := range b.notifiers {
		notifying = append(notifying, p)
	}
	b.mu.Unlock()

	if id == "" {
		return nil
	}

	if ecgLive && control != "" {
		if err := b.write(ctx, control, protocol.StopStream()); err != nil {
			b.log.Debug("stop stream command failed", zap.Error(err))
		}
	}
	for _, p := range notifying {
		if err := b.object(p).CallWithContext(ctx, bluezGattCharIface+".StopNotify", 0).Err; err != nil {
			b.log.Debug("stop notify failed", zap.String("path", string(p)), zap.Error(err))
		}
	}

	b.reset()

	if err := b.object(path).CallWithContext(ctx, bluezDeviceIface+".Disconnect", 0).Err; err != nil {
		return newError("disconnect", kindFromBusError(err), err)
	}
	b.log.Info("disconnected", zap.String("device_id", id))
	return nil
}

func (b *BlueZ) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopHealth != nil {
		b.stopHealth()
		b.stopHealth = nil
	}
	b.deviceID = ""
	b.devicePath = ""
	b.chars = make(map[string]dbus.ObjectPath)
	b.notifiers = make(map[dbus.ObjectPath]func([]byte))
	b.ecgLive = false
}

func (b *BlueZ) write(ctx context.Context, char dbus.ObjectPath, value []byte) error {
	options := map[string]interface{}{"type": "request"}
	return b.object(char).CallWithContext(ctx, bluezGattCharIface+".WriteValue", 0, value, options).Err
}

func (b *BlueZ) characteristic(op, uuid string) (dbus.ObjectPath, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deviceID == "" {
		return "", newError(op, KindNotConnected, nil)
	}
	path, ok := b.chars[uuid]
	if !ok {
		return "", newError(op, KindNotFound, fmt.Errorf("characteristic %s", uuid))
	}
	return path, nil
}

func (b *BlueZ) startNotify(ctx context.Context, op string, char dbus.ObjectPath, handle func([]byte)) error {
	b.mu.Lock()
	b.notifiers[char] = handle
	b.mu.Unlock()

	if err := b.object(char).CallWithContext(ctx, bluezGattCharIface+".StartNotify", 0).Err; err != nil {
		b.mu.Lock()
		delete(b.notifiers, char)
		b.mu.Unlock()
		return newError(op, kindFromBusError(err), fmt.Errorf("failed to enable notifications: %w", err))
	}
	return nil
}

func (b *BlueZ) SubscribeECG(ctx context.Context, onData func(models.ECGSample)) error {
	control, err := b.characteristic("subscribe ecg", protocol.PMDControlUUID)
	if err != nil {
		return err
	}
	data, err := b.characteristic("subscribe ecg", protocol.PMDDataUUID)
	if err != nil {
		return err
	}

	if err := b.write(ctx, control, protocol.StartECG()); err != nil {
		return newError("subscribe ecg", kindFromBusError(err), fmt.Errorf("failed to start ECG stream: %w", err))
	}
	if err := b.startNotify(ctx, "subscribe ecg", data, newECGSink(onData).handle); err != nil {
		return err
	}

	b.mu.Lock()
	b.ecgLive = true
	b.mu.Unlock()
	return nil
}

func (b *BlueZ) SubscribeHeartRate(ctx context.Context, onData func(models.HeartRateSample)) error {
	char, err := b.characteristic("subscribe heart rate", protocol.HeartRateMeasurementUUID)
	if err != nil {
		return err
	}
	return b.startNotify(ctx, "subscribe heart rate", char, newHeartRateSink(onData).handle)
}

func (b *BlueZ) BatteryLevel(ctx context.Context) (*int, error) {
	char, err := b.characteristic("battery", protocol.BatteryLevelUUID)
	if err != nil {
		return nil, nil
	}
	var value []byte
	if err := b.object(char).CallWithContext(ctx, bluezGattCharIface+".ReadValue", 0, map[string]interface{}{}).Store(&value); err != nil {
		b.log.Debug("battery read failed", zap.Error(err))
		return nil, nil
	}
	return batteryFromValue(value), nil
}

func (b *BlueZ) IsConnected() bool {
	return b.ConnectedDeviceID() != ""
}

func (b *BlueZ) ConnectedDeviceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deviceID
}

func (b *BlueZ) Events() <-chan LinkEvent {
	return b.events.ch
}

// dispatch routes PropertiesChanged signals to notification handlers and
// link events, in arrival order.
func (b *BlueZ) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			if sig == nil || sig.Name != dbusPropertiesIface+".PropertiesChanged" || len(sig.Body) < 2 {
				continue
			}
			iface, _ := sig.Body[0].(string)
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			b.handleChange(sig.Path, iface, changed)
		}
	}
}

func (b *BlueZ) handleChange(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	switch iface {
	case bluezGattCharIface:
		value, ok := changed["Value"].Value().([]byte)
		if !ok {
			return
		}
		b.mu.Lock()
		handle := b.notifiers[path]
		b.mu.Unlock()
		if handle != nil {
			handle(value)
		}

	case bluezDeviceIface:
		connected, ok := changed["Connected"].Value().(bool)
		if !ok || connected {
			return
		}
		b.linkLost(path, nil)

	case bluezAdapterIface:
		powered, ok := changed["Powered"].Value().(bool)
		if !ok {
			return
		}
		state := StatePoweredOn
		if !powered {
			state = StatePoweredOff
		}
		b.events.emit(LinkEvent{Kind: AdapterStateChanged, State: state})
	}
}

func (b *BlueZ) Close() error {
	var err error
	b.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.StopScan()
		err = b.Disconnect(ctx)
		b.conn.RemoveSignal(b.signals)
		close(b.done)
	})
	return err
}

func kindFromBusError(err error) ErrorKind {
	switch stateFromBusError(err) {
	case StateUnauthorized:
		return KindUnauthorized
	case StateUnsupported:
		return KindUnavailable
	}
	var busErr *dbus.Error
	if errors.As(err, &busErr) && busErr.Name == "org.bluez.Error.DoesNotExist" {
		return KindNotFound
	}
	return KindIO
}
