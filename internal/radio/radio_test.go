package radio

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(StatePoweredOn)
	require.NoError(t, err)
	assert.JSONEq(t, `"powered_on"`, string(data))

	var s State
	require.NoError(t, json.Unmarshal([]byte(`"connected"`), &s))
	assert.Equal(t, StateConnected, s)

	assert.Error(t, json.Unmarshal([]byte(`"sideways"`), &s))
	assert.Equal(t, "state(99)", State(99).String())
}

func TestStateUsable(t *testing.T) {
	assert.True(t, StatePoweredOn.Usable())
	assert.True(t, StateConnected.Usable())
	assert.False(t, StatePoweredOff.Usable())
	assert.False(t, StateUnsupported.Usable())
	assert.False(t, StateUnauthorized.Usable())
}

func TestErrorMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError("connect", KindNotFound, errors.New("AA:BB")))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUnavailable)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "connect", rerr.Op)
	assert.Equal(t, "connect: not found: AA:BB", rerr.Error())
}

func TestUnsupported(t *testing.T) {
	u := NewUnsupported()
	ctx := testContext(t)

	assert.Equal(t, StateUnsupported, u.State(ctx))
	assert.ErrorIs(t, u.Scan(ctx, func(Device) {}, 0), ErrUnavailable)
	assert.ErrorIs(t, u.Connect(ctx, "x"), ErrUnavailable)
	assert.NoError(t, u.Disconnect(ctx))

	level, err := u.BatteryLevel(ctx)
	assert.NoError(t, err)
	assert.Nil(t, level)
	assert.False(t, u.IsConnected())
}

func TestBatteryFromValue(t *testing.T) {
	assert.Nil(t, batteryFromValue(nil))
	level := batteryFromValue([]byte{87})
	require.NotNil(t, level)
	assert.Equal(t, 87, *level)
}

func TestDeviceDisplayName(t *testing.T) {
	name := "Polar H10 1234"
	assert.Equal(t, name, Device{Name: &name}.DisplayName())
	assert.Equal(t, "(unnamed)", Device{}.DisplayName())
}
