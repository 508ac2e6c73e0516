package radio

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/protocol"
)

//go:embed bridge.html
var bridgePage []byte

var errNoPage = errors.New("no browser page attached")

// Bridge ops understood by the page.
const (
	opRequestDevice      = "requestDevice"
	opConnect            = "connect"
	opDisconnect         = "disconnect"
	opWrite              = "write"
	opStartNotifications = "startNotifications"
	opStopNotifications  = "stopNotifications"
	opRead               = "read"
	opState              = "state"
)

// bridgeFilters mirrors the browser's requestDevice options.
type bridgeFilters struct {
	NamePrefixes     []string `json:"namePrefixes,omitempty"`
	Names            []string `json:"names,omitempty"`
	OptionalServices []string `json:"optionalServices,omitempty"`
}

type bridgeRequest struct {
	ID             uint64         `json:"id"`
	Op             string         `json:"op"`
	DeviceID       string         `json:"device_id,omitempty"`
	Service        string         `json:"service,omitempty"`
	Characteristic string         `json:"characteristic,omitempty"`
	Value          []byte         `json:"value,omitempty"`
	Filters        *bridgeFilters `json:"filters,omitempty"`
}

type bridgeDevice struct {
	ID   string  `json:"id"`
	Name *string `json:"name,omitempty"`
}

// bridgeMessage is either a response (ID set) or an event.
type bridgeMessage struct {
	ID             uint64        `json:"id,omitempty"`
	OK             bool          `json:"ok"`
	Error          string        `json:"error,omitempty"`
	ErrorName      string        `json:"error_name,omitempty"`
	Device         *bridgeDevice `json:"device,omitempty"`
	Value          []byte        `json:"value,omitempty"`
	State          string        `json:"state,omitempty"`
	Event          string        `json:"event,omitempty"`
	Characteristic string        `json:"characteristic,omitempty"`
	DeviceID       string        `json:"device_id,omitempty"`
}

type pageConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func (p *pageConn) send(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteJSON(v)
}

// Bridge relays GATT operations to a browser page that owns the radio
// through the Web Bluetooth API. The page connects back over a WebSocket;
// while no page is attached every operation fails with ErrUnavailable.
type Bridge struct {
	log      *zap.Logger
	addr     string
	path     string
	upgrader websocket.Upgrader
	events   *eventFeed

	callTimeout time.Duration

	mu         sync.Mutex
	page       *pageConn
	pending    map[uint64]chan bridgeMessage
	nextID     uint64
	deviceID   string
	notifiers  map[string]func([]byte)
	ecgLive    bool
	scanCancel context.CancelFunc

	server *http.Server
}

// NewBridge creates a bridge serving the page on addr and the socket on path.
func NewBridge(addr, path string, log *zap.Logger) *Bridge {
	if path == "" {
		path = "/bridge"
	}
	return &Bridge{
		log:  logging.OrNop(log).With(zap.String("transport", "bridge")),
		addr: addr,
		path: path,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // page is served locally
			},
		},
		events:      newEventFeed(),
		callTimeout: 30 * time.Second,
		pending:     make(map[uint64]chan bridgeMessage),
		notifiers:   make(map[string]func([]byte)),
	}
}

// Handler serves the bridge page at / and the socket at the bridge path.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(b.path, b.handleSocket)
	mux.HandleFunc("/", b.handleRoot)
	return mux
}

// Start listens on the configured address in the background.
func (b *Bridge) Start() error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return newError("bridge", KindUnavailable, fmt.Errorf("failed to listen on %s: %w", b.addr, err))
	}
	b.server = &http.Server{Handler: b.Handler()}

	go func() {
		b.log.Info("bridge page listening", zap.String("url", "http://"+ln.Addr().String()+"/"))
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.log.Error("bridge server error", zap.Error(err))
		}
	}()
	return nil
}

func (b *Bridge) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(bridgePage)
}

func (b *Bridge) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("failed to upgrade bridge connection", zap.Error(err))
		return
	}

	page := &pageConn{conn: conn, done: make(chan struct{})}

	b.mu.Lock()
	previous := b.page
	b.page = page
	b.mu.Unlock()
	if previous != nil {
		previous.conn.Close()
	}
	b.log.Info("browser page attached", zap.String("remote", r.RemoteAddr))

	defer b.detach(page)

	for {
		var msg bridgeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		b.route(msg)
	}
}

// detach forgets page and fails everything that depended on it.
func (b *Bridge) detach(page *pageConn) {
	close(page.done)
	page.conn.Close()

	b.mu.Lock()
	if b.page != page {
		b.mu.Unlock()
		return
	}
	b.page = nil
	id := b.deviceID
	b.mu.Unlock()

	b.log.Info("browser page detached")
	if id != "" {
		b.reset()
		b.events.emit(LinkEvent{Kind: LinkLost, DeviceID: id, State: StateUnsupported, Err: errNoPage})
	}
}

func (b *Bridge) route(msg bridgeMessage) {
	switch msg.Event {
	case "":
		b.mu.Lock()
		ch, ok := b.pending[msg.ID]
		delete(b.pending, msg.ID)
		b.mu.Unlock()
		if ok {
			ch <- msg
		}

	case "notification":
		b.mu.Lock()
		handle := b.notifiers[strings.ToLower(msg.Characteristic)]
		b.mu.Unlock()
		if handle != nil {
			handle(msg.Value)
		}

	case "disconnected":
		b.mu.Lock()
		id := b.deviceID
		b.mu.Unlock()
		if id == "" || (msg.DeviceID != "" && msg.DeviceID != id) {
			return
		}
		b.log.Warn("link lost", zap.String("device_id", id))
		b.reset()
		b.events.emit(LinkEvent{Kind: LinkLost, DeviceID: id, State: StateDisconnected})

	default:
		b.log.Debug("unknown bridge event", zap.String("event", msg.Event))
	}
}

// call sends req to the page and waits for the matching response.
func (b *Bridge) call(ctx context.Context, req bridgeRequest) (bridgeMessage, error) {
	b.mu.Lock()
	page := b.page
	if page == nil {
		b.mu.Unlock()
		return bridgeMessage{}, newError(req.Op, KindUnavailable, errNoPage)
	}
	b.nextID++
	req.ID = b.nextID
	ch := make(chan bridgeMessage, 1)
	b.pending[req.ID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	if err := page.send(req); err != nil {
		return bridgeMessage{}, newError(req.Op, KindIO, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, newError(req.Op, kindFromDOMError(resp.ErrorName), fmt.Errorf("%s: %s", resp.ErrorName, resp.Error))
		}
		return resp, nil
	case <-page.done:
		return bridgeMessage{}, newError(req.Op, KindUnavailable, errNoPage)
	case <-ctx.Done():
		return bridgeMessage{}, newError(req.Op, KindIO, ctx.Err())
	}
}

// kindFromDOMError maps Web Bluetooth DOMException names.
func kindFromDOMError(name string) ErrorKind {
	switch name {
	case "NotFoundError":
		return KindNotFound
	case "NotAllowedError", "SecurityError":
		return KindUnauthorized
	case "NotSupportedError", "InvalidStateError":
		return KindUnavailable
	}
	return KindIO
}

// Initialize is a no-op; the page attaches on its own.
func (b *Bridge) Initialize(ctx context.Context) error {
	return nil
}

// Attached reports whether a browser page is connected.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page != nil
}

func (b *Bridge) State(ctx context.Context) State {
	if !b.Attached() {
		return StateUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := b.call(ctx, bridgeRequest{Op: opState})
	if err != nil {
		return StateUnknown
	}
	switch resp.State {
	case "available":
		if b.IsConnected() {
			return StateConnected
		}
		return StatePoweredOn
	case "unavailable":
		return StatePoweredOff
	case "unauthorized":
		return StateUnauthorized
	case "unsupported":
		return StateUnsupported
	}
	return StateUnknown
}

// Scan asks the page to open the browser's device chooser. The chosen
// device is reported and connected to opportunistically; a cancelled
// chooser ends the scan without error.
func (b *Bridge) Scan(ctx context.Context, onFound func(Device), timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout(timeout))
	defer cancel()

	b.mu.Lock()
	if b.scanCancel != nil {
		b.scanCancel()
	}
	b.scanCancel = cancel
	b.mu.Unlock()

	resp, err := b.call(ctx, bridgeRequest{
		Op: opRequestDevice,
		Filters: &bridgeFilters{
			NamePrefixes: protocol.NamePrefixes,
			Names:        protocol.ExactNames,
			OptionalServices: []string{
				protocol.PMDServiceUUID,
				protocol.HeartRateServiceUUID,
				protocol.BatteryServiceUUID,
			},
		},
	})
	switch {
	case errors.Is(err, ErrNotFound):
		b.log.Info("device chooser cancelled")
		return nil
	case err != nil && ctx.Err() != nil:
		return nil
	case err != nil:
		return err
	case resp.Device == nil || resp.Device.ID == "":
		return nil
	}

	dev := Device{ID: resp.Device.ID, Name: resp.Device.Name}
	onFound(dev)

	if err := b.Connect(ctx, dev.ID); err != nil {
		b.log.Debug("opportunistic connect failed", zap.String("device_id", dev.ID), zap.Error(err))
	}
	return nil
}

func (b *Bridge) StopScan() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanCancel != nil {
		b.scanCancel()
		b.scanCancel = nil
	}
}

func (b *Bridge) Connect(ctx context.Context, id string) error {
	current := b.ConnectedDeviceID()
	if current == id {
		return nil
	}
	if current != "" {
		if err := b.Disconnect(ctx); err != nil {
			b.log.Warn("failed to release previous device", zap.String("device_id", current), zap.Error(err))
		}
	}

	if _, err := b.call(ctx, bridgeRequest{Op: opConnect, DeviceID: id}); err != nil {
		return err
	}

	b.mu.Lock()
	b.deviceID = id
	b.mu.Unlock()
	b.log.Info("connected", zap.String("device_id", id))
	return nil
}

func (b *Bridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	id := b.deviceID
	ecgLive := b.ecgLive
	chars := make([]string, 0, len(b.notifiers))
	for c := range b.notifiers {
		chars = append(chars, c)
	}
	b.mu.Unlock()

	if id == "" {
		return nil
	}

	if ecgLive {
		if _, err := b.call(ctx, bridgeRequest{
			Op:             opWrite,
			DeviceID:       id,
			Service:        protocol.PMDServiceUUID,
			Characteristic: protocol.PMDControlUUID,
			Value:          protocol.StopStream(),
		}); err != nil {
			b.log.Debug("stop stream command failed", zap.Error(err))
		}
	}
	for _, c := range chars {
		if _, err := b.call(ctx, bridgeRequest{Op: opStopNotifications, DeviceID: id, Characteristic: c}); err != nil {
			b.log.Debug("stop notifications failed", zap.String("characteristic", c), zap.Error(err))
		}
	}

	b.reset()

	if _, err := b.call(ctx, bridgeRequest{Op: opDisconnect, DeviceID: id}); err != nil {
		return err
	}
	b.log.Info("disconnected", zap.String("device_id", id))
	return nil
}

func (b *Bridge) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deviceID = ""
	b.notifiers = make(map[string]func([]byte))
	b.ecgLive = false
}

func (b *Bridge) subscribe(ctx context.Context, op, service, char string, handle func([]byte)) error {
	id := b.ConnectedDeviceID()
	if id == "" {
		return newError(op, KindNotConnected, nil)
	}

	b.mu.Lock()
	b.notifiers[char] = handle
	b.mu.Unlock()

	if _, err := b.call(ctx, bridgeRequest{Op: opStartNotifications, DeviceID: id, Service: service, Characteristic: char}); err != nil {
		b.mu.Lock()
		delete(b.notifiers, char)
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *Bridge) SubscribeECG(ctx context.Context, onData func(models.ECGSample)) error {
	id := b.ConnectedDeviceID()
	if id == "" {
		return newError("subscribe ecg", KindNotConnected, nil)
	}

	if _, err := b.call(ctx, bridgeRequest{
		Op:             opWrite,
		DeviceID:       id,
		Service:        protocol.PMDServiceUUID,
		Characteristic: protocol.PMDControlUUID,
		Value:          protocol.StartECG(),
	}); err != nil {
		return err
	}
	if err := b.subscribe(ctx, "subscribe ecg", protocol.PMDServiceUUID, protocol.PMDDataUUID, newECGSink(onData).handle); err != nil {
		return err
	}

	b.mu.Lock()
	b.ecgLive = true
	b.mu.Unlock()
	return nil
}

func (b *Bridge) SubscribeHeartRate(ctx context.Context, onData func(models.HeartRateSample)) error {
	return b.subscribe(ctx, "subscribe heart rate", protocol.HeartRateServiceUUID, protocol.HeartRateMeasurementUUID, newHeartRateSink(onData).handle)
}

func (b *Bridge) BatteryLevel(ctx context.Context) (*int, error) {
	id := b.ConnectedDeviceID()
	if id == "" {
		return nil, nil
	}
	resp, err := b.call(ctx, bridgeRequest{
		Op:             opRead,
		DeviceID:       id,
		Service:        protocol.BatteryServiceUUID,
		Characteristic: protocol.BatteryLevelUUID,
	})
	if err != nil {
		b.log.Debug("battery read failed", zap.Error(err))
		return nil, nil
	}
	return batteryFromValue(resp.Value), nil
}

func (b *Bridge) IsConnected() bool {
	return b.ConnectedDeviceID() != ""
}

func (b *Bridge) ConnectedDeviceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deviceID
}

func (b *Bridge) Events() <-chan LinkEvent {
	return b.events.ch
}

// Close disconnects, detaches the page and stops the server.
func (b *Bridge) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b.StopScan()
	if err := b.Disconnect(ctx); err != nil {
		b.log.Debug("disconnect on close failed", zap.Error(err))
	}

	b.mu.Lock()
	page := b.page
	b.mu.Unlock()
	if page != nil {
		page.conn.Close()
	}

	if b.server != nil {
		return b.server.Shutdown(ctx)
	}
	return nil
}
