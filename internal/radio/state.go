package radio

import (
	"encoding/json"
	"fmt"
)

// State is the adapter or link state.
type State int

const (
	StateUnknown State = iota
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
	StateAvailable
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected
)

var stateNames = [...]string{
	StateUnknown:      "unknown",
	StateUnsupported:  "unsupported",
	StateUnauthorized: "unauthorized",
	StatePoweredOff:   "powered_off",
	StatePoweredOn:    "powered_on",
	StateAvailable:    "available",
	StateScanning:     "scanning",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateDisconnected: "disconnected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown state %q", name)
}

// Usable reports whether the adapter can scan or connect in this state.
func (s State) Usable() bool {
	switch s {
	case StatePoweredOn, StateAvailable, StateScanning, StateConnecting, StateConnected, StateDisconnected:
		return true
	}
	return false
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
