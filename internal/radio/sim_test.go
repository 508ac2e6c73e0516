package radio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serena/serena-cli/internal/models"
)

func newTestSim(t *testing.T, opts ...SimOption) *Sim {
	t.Helper()
	s, err := LoadScenario("baseline", "")
	require.NoError(t, err)
	opts = append([]SimOption{WithSimIntervals(5*time.Millisecond, 10*time.Millisecond)}, opts...)
	sim := NewSim([]string{"H10 SIM0001", "OH1 SIM0002"}, s, 1, nil, opts...)
	t.Cleanup(func() { _ = sim.Close() })
	return sim
}

func TestSim_ScanReportsConfiguredDevices(t *testing.T) {
	sim := newTestSim(t)

	var found []Device
	err := sim.Scan(testContext(t), func(d Device) { found = append(found, d) }, 20*time.Millisecond)
	require.NoError(t, err)

	require.Len(t, found, 2)
	assert.Equal(t, sim.Devices(), found)
	assert.Equal(t, simAddress("H10 SIM0001"), simAddress("H10 SIM0001"))
	assert.NotEqual(t, found[0].ID, found[1].ID)
}

func TestSim_StopScanEndsScan(t *testing.T) {
	sim := newTestSim(t)

	done := make(chan error, 1)
	go func() { done <- sim.Scan(testContext(t), func(Device) {}, time.Minute) }()

	time.Sleep(10 * time.Millisecond)
	sim.StopScan()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scan did not stop")
	}
}

func TestSim_ConnectUnknownDevice(t *testing.T) {
	sim := newTestSim(t)
	err := sim.Connect(testContext(t), "00:00:00:00:00:00")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, sim.IsConnected())
}

func TestSim_StreamsECGAndHeartRate(t *testing.T) {
	sim := newTestSim(t)
	id := sim.Devices()[0].ID
	ctx := testContext(t)

	assert.ErrorIs(t, sim.SubscribeECG(ctx, func(models.ECGSample) {}), ErrNotConnected)

	require.NoError(t, sim.Connect(ctx, id))
	assert.Equal(t, id, sim.ConnectedDeviceID())
	assert.Equal(t, StateConnected, sim.State(ctx))

	var mu sync.Mutex
	var ecg []models.ECGSample
	var hr []models.HeartRateSample
	require.NoError(t, sim.SubscribeECG(ctx, func(s models.ECGSample) {
		mu.Lock()
		ecg = append(ecg, s)
		mu.Unlock()
	}))
	require.NoError(t, sim.SubscribeHeartRate(ctx, func(s models.HeartRateSample) {
		mu.Lock()
		hr = append(hr, s)
		mu.Unlock()
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ecg) >= 3 && len(hr) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sim.Disconnect(ctx))

	mu.Lock()
	defer mu.Unlock()
	for i, s := range ecg[:3] {
		assert.Equal(t, uint64(i), s.Sequence)
		assert.Len(t, s.Samples, SimFrameSamples)
	}
	assert.NotZero(t, hr[0].BPM)
	assert.False(t, sim.IsConnected())
}

func TestSim_ConnectSameIDIsNoop(t *testing.T) {
	sim := newTestSim(t)
	id := sim.Devices()[0].ID
	ctx := testContext(t)

	require.NoError(t, sim.Connect(ctx, id))
	sim.mu.Lock()
	done := sim.done
	sim.mu.Unlock()

	require.NoError(t, sim.Connect(ctx, id))
	sim.mu.Lock()
	assert.Equal(t, done, sim.done, "connecting again must not restart the link")
	sim.mu.Unlock()

	other := sim.Devices()[1].ID
	require.NoError(t, sim.Connect(ctx, other))
	assert.Equal(t, other, sim.ConnectedDeviceID())
}

func TestSim_LinkLoss(t *testing.T) {
	sim := newTestSim(t)
	id := sim.Devices()[0].ID
	require.NoError(t, sim.Connect(testContext(t), id))

	sim.SimulateLinkLoss()

	select {
	case ev := <-sim.Events():
		assert.Equal(t, LinkLost, ev.Kind)
		assert.Equal(t, id, ev.DeviceID)
		assert.ErrorIs(t, ev.Err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("no link event")
	}
	assert.False(t, sim.IsConnected())
}

func TestSim_PowerOff(t *testing.T) {
	sim := newTestSim(t)
	ctx := testContext(t)

	sim.SetPowered(false)
	assert.Equal(t, StatePoweredOff, sim.State(ctx))
	assert.ErrorIs(t, sim.Connect(ctx, sim.Devices()[0].ID), ErrUnavailable)
	assert.ErrorIs(t, sim.Scan(ctx, func(Device) {}, time.Millisecond), ErrUnavailable)

	ev := <-sim.Events()
	assert.Equal(t, AdapterStateChanged, ev.Kind)
	assert.Equal(t, StatePoweredOff, ev.State)
}

func TestSim_BatteryDrains(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	sim := newTestSim(t, WithSimClock(func() time.Time { return now }))
	ctx := testContext(t)

	level, err := sim.BatteryLevel(ctx)
	require.NoError(t, err)
	assert.Nil(t, level)

	require.NoError(t, sim.Connect(ctx, sim.Devices()[0].ID))
	level, err = sim.BatteryLevel(ctx)
	require.NoError(t, err)
	require.NotNil(t, level)
	assert.Equal(t, 100, *level)

	now = now.Add(30 * time.Minute)
	level, _ = sim.BatteryLevel(ctx)
	assert.Equal(t, 90, *level)

	now = now.Add(24 * time.Hour)
	level, _ = sim.BatteryLevel(ctx)
	assert.Equal(t, 5, *level)
}
