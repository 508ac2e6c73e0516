package radio

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/protocol"
)

// fakePage answers bridge requests the way the browser page would.
type fakePage struct {
	t    *testing.T
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	seen    []bridgeRequest
	// fail maps an op to the DOMException name it should reject with.
	fail map[string]string
}

func attachPage(t *testing.T, b *Bridge) *fakePage {
	t.Helper()
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/bridge"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &fakePage{t: t, conn: conn, fail: map[string]string{}}
	go p.serve()
	require.Eventually(t, b.Attached, time.Second, 5*time.Millisecond)
	return p
}

func (p *fakePage) send(msg bridgeMessage) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.WriteJSON(msg)
}

func (p *fakePage) serve() {
	for {
		var req bridgeRequest
		if err := p.conn.ReadJSON(&req); err != nil {
			return
		}
		p.mu.Lock()
		p.seen = append(p.seen, req)
		failName := p.fail[req.Op]
		p.mu.Unlock()

		resp := bridgeMessage{ID: req.ID, OK: true}
		switch {
		case failName != "":
			resp = bridgeMessage{ID: req.ID, Error: "rejected", ErrorName: failName}
		case req.Op == opState:
			resp.State = "available"
		case req.Op == opRequestDevice:
			name := "Polar H10 ABCD1234"
			resp.Device = &bridgeDevice{ID: "dev-1", Name: &name}
		case req.Op == opRead:
			resp.Value = []byte{64}
		}
		p.send(resp)
	}
}

func (p *fakePage) rejectWith(op, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[op] = name
}

func (p *fakePage) ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.seen))
	for i, r := range p.seen {
		out[i] = r.Op
	}
	return out
}

func (p *fakePage) request(op string) *bridgeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.seen {
		if p.seen[i].Op == op {
			return &p.seen[i]
		}
	}
	return nil
}

func TestBridge_DetachedIsUnavailable(t *testing.T) {
	b := NewBridge("127.0.0.1:0", "", nil)
	ctx := testContext(t)

	assert.Equal(t, StateUnsupported, b.State(ctx))
	assert.ErrorIs(t, b.Connect(ctx, "dev-1"), ErrUnavailable)
	assert.NoError(t, b.Disconnect(ctx))
}

func TestBridge_ServesPage(t *testing.T) {
	b := NewBridge("127.0.0.1:0", "", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "navigator.bluetooth")
}

func TestBridge_ScanConnectsChosenDevice(t *testing.T) {
	b := NewBridge("127.0.0.1:0", "", nil)
	page := attachPage(t, b)
	ctx := testContext(t)

	assert.Equal(t, StatePoweredOn, b.State(ctx))

	var found []Device
	require.NoError(t, b.Scan(ctx, func(d Device) { found = append(found, d) }, time.Second))

	require.Len(t, found, 1)
	assert.Equal(t, "Polar H10 ABCD1234", found[0].DisplayName())
	assert.Equal(t, "dev-1", b.ConnectedDeviceID())

	req := page.request(opRequestDevice)
	require.NotNil(t, req)
	require.NotNil(t, req.Filters)
	assert.Equal(t, protocol.NamePrefixes, req.Filters.NamePrefixes)
	assert.Contains(t, req.Filters.OptionalServices, protocol.PMDServiceUUID)
}

func TestBridge_CancelledChooserIsNotAnError(t *testing.T) {
	b := NewBridge("127.0.0.1:0", "", nil)
	page := attachPage(t, b)
	page.rejectWith(opRequestDevice, "NotFoundError")

	called := false
	require.NoError(t, b.Scan(testContext(t), func(Device) { called = true }, time.Second))
	assert.False(t, called)
	assert.False(t, b.IsConnected())
}

func TestBridge_ConnectErrorsMapDOMNames(t *testing.T) {
	b := NewBridge("127.0.0.1:0", "", nil)
	page := attachPage(t, b)
	page.rejectWith(opConnect, "SecurityError")

	err := b.Connect(testContext(t), "dev-1")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, b.IsConnected())
}

func TestBridge_ECGNotificationsAndLinkLoss(t *testing.T) {
	b := NewBridge("127.0.0.1:0", "", nil)
	page := attachPage(t, b)
	ctx := testContext(t)

	require.NoError(t, b.Connect(ctx, "dev-1"))
	require.NoError(t, b.Connect(ctx, "dev-1"))
	assert.Equal(t, []string{opConnect}, page.ops())

	got := make(chan models.ECGSample, 4)
	require.NoError(t, b.SubscribeECG(ctx, func(s models.ECGSample) { got <- s }))

	write := page.request(opWrite)
	require.NotNil(t, write)
	assert.Equal(t, protocol.StartECG(), write.Value)
	assert.Equal(t, protocol.PMDControlUUID, write.Characteristic)

	page.send(bridgeMessage{
		Event:          "notification",
		Characteristic: strings.ToUpper(protocol.PMDDataUUID),
		Value:          protocol.EncodeECGFrame([]int32{100, -200, 300}),
	})

	select {
	case s := <-got:
		assert.Equal(t, []int32{100, -200, 300}, s.Samples)
		assert.Equal(t, uint64(0), s.Sequence)
	case <-time.After(time.Second):
		t.Fatal("no ECG sample")
	}

	level, err := b.BatteryLevel(ctx)
	require.NoError(t, err)
	require.NotNil(t, level)
	assert.Equal(t, 64, *level)

	page.send(bridgeMessage{Event: "disconnected", DeviceID: "dev-1"})
	select {
	case ev := <-b.Events():
		assert.Equal(t, LinkLost, ev.Kind)
		assert.Equal(t, "dev-1", ev.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("no link event")
	}
	assert.False(t, b.IsConnected())
}

func TestBridge_DisconnectStopsStream(t *testing.T) {
	b := NewBridge("127.0.0.1:0", "", nil)
	page := attachPage(t, b)
	ctx := testContext(t)

	require.NoError(t, b.Connect(ctx, "dev-1"))
	require.NoError(t, b.SubscribeECG(ctx, func(models.ECGSample) {}))
	require.NoError(t, b.Disconnect(ctx))

	assert.Equal(t, []string{
		opConnect, opWrite, opStartNotifications,
		opWrite, opStopNotifications, opDisconnect,
	}, page.ops())
	assert.False(t, b.IsConnected())
}
