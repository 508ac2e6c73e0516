package controller

import "github.com/serena/serena-cli/internal/radio"

// Event is something that moves the connection state.
type Event int

const (
	AdapterUnsupported Event = iota
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
	AdapterAvailable
	ScanStarted
	DeviceFound
	ScanStopped
	ConnectStarted
	ConnectSucceeded
	ConnectFailed
	Disconnected
	LinkLost
)

var eventNames = [...]string{
	AdapterUnsupported:  "adapter_unsupported",
	AdapterUnauthorized: "adapter_unauthorized",
	AdapterPoweredOff:   "adapter_powered_off",
	AdapterPoweredOn:    "adapter_powered_on",
	AdapterAvailable:    "adapter_available",
	ScanStarted:         "scan_started",
	DeviceFound:         "device_found",
	ScanStopped:         "scan_stopped",
	ConnectStarted:      "connect_started",
	ConnectSucceeded:    "connect_succeeded",
	ConnectFailed:       "connect_failed",
	Disconnected:        "disconnected",
	LinkLost:            "link_lost",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return "event(?)"
	}
	return eventNames[e]
}

type transition struct {
	from  radio.State
	event Event
}

// idle states are those the adapter settles in when nothing is happening.
var idle = []radio.State{
	radio.StateUnknown,
	radio.StateUnsupported,
	radio.StateUnauthorized,
	radio.StatePoweredOff,
	radio.StatePoweredOn,
	radio.StateAvailable,
	radio.StateDisconnected,
}

var ready = []radio.State{radio.StatePoweredOn, radio.StateAvailable, radio.StateDisconnected}

var transitions = buildTransitions()

func buildTransitions() map[transition]radio.State {
	t := make(map[transition]radio.State)
	all := append(append([]radio.State{}, idle...), radio.StateScanning, radio.StateConnecting, radio.StateConnected)

	// The adapter losing its capability overrides everything.
	for _, s := range all {
		t[transition{s, AdapterUnsupported}] = radio.StateUnsupported
		t[transition{s, AdapterUnauthorized}] = radio.StateUnauthorized
		t[transition{s, AdapterPoweredOff}] = radio.StatePoweredOff
	}
	// Power coming back only moves idle states; an active link stays put.
	for _, s := range idle {
		t[transition{s, AdapterPoweredOn}] = radio.StatePoweredOn
		t[transition{s, AdapterAvailable}] = radio.StateAvailable
	}
	for _, s := range ready {
		t[transition{s, ScanStarted}] = radio.StateScanning
		t[transition{s, ConnectStarted}] = radio.StateConnecting
	}
	t[transition{radio.StateConnected, ConnectStarted}] = radio.StateConnecting
	t[transition{radio.StateScanning, ConnectStarted}] = radio.StateConnecting
	t[transition{radio.StateScanning, DeviceFound}] = radio.StateScanning
	t[transition{radio.StateScanning, ScanStopped}] = radio.StatePoweredOn
	t[transition{radio.StateScanning, ConnectSucceeded}] = radio.StateConnected
	t[transition{radio.StateConnecting, ConnectSucceeded}] = radio.StateConnected
	t[transition{radio.StateConnecting, ConnectFailed}] = radio.StatePoweredOn
	t[transition{radio.StateConnecting, Disconnected}] = radio.StateDisconnected
	t[transition{radio.StateConnected, Disconnected}] = radio.StateDisconnected
	t[transition{radio.StateConnecting, LinkLost}] = radio.StateDisconnected
	t[transition{radio.StateConnected, LinkLost}] = radio.StateDisconnected
	return t
}

// Next returns the state after event. Pairs without a transition keep the
// current state.
func Next(state radio.State, event Event) radio.State {
	if next, ok := transitions[transition{state, event}]; ok {
		return next
	}
	return state
}

// adapterEvent maps a polled adapter state to the event it implies. ok is
// false for states that carry no adapter information.
func adapterEvent(s radio.State) (Event, bool) {
	switch s {
	case radio.StateUnsupported:
		return AdapterUnsupported, true
	case radio.StateUnauthorized:
		return AdapterUnauthorized, true
	case radio.StatePoweredOff:
		return AdapterPoweredOff, true
	case radio.StateAvailable:
		return AdapterAvailable, true
	case radio.StatePoweredOn, radio.StateScanning, radio.StateConnecting, radio.StateConnected, radio.StateDisconnected:
		return AdapterPoweredOn, true
	}
	return 0, false
}
