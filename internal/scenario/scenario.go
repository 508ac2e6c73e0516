// Package scenario describes how a simulated sensor's physiology evolves
// over a run: a baseline per signal plus timed phases that shift it.
package scenario

import "time"

// Signal names understood by the generator.
const (
	SignalHR   = "hr"   // heart rate, bpm
	SignalHRV  = "hrv"  // beat-to-beat jitter, ms
	SignalResp = "resp" // breathing rate, breaths/min
	SignalECG  = "ecg"  // R-peak amplitude, µV
)

// Scenario is a complete simulated run.
type Scenario struct {
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description"`
	Duration    string                   `yaml:"duration"` // e.g. "8m", "unlimited"
	Signals     map[string]*SignalConfig `yaml:"signals"`
	Phases      []Phase                  `yaml:"phases"`
}

// Phase is a time-bounded stage that overrides signal settings.
type Phase struct {
	Name      string                   `yaml:"name"`
	Duration  string                   `yaml:"duration"`
	Overrides map[string]*SignalConfig `yaml:"overrides,omitempty"`
}

// SignalConfig shapes one signal.
type SignalConfig struct {
	Baseline float64 `yaml:"baseline,omitempty"`
	Noise    float64 `yaml:"noise,omitempty"`
	Unit     string  `yaml:"unit,omitempty"`

	Add      float64 `yaml:"add,omitempty"`
	Multiply float64 `yaml:"multiply,omitempty"`
	// Ramp blends Add in linearly from the start of the phase.
	Ramp string `yaml:"ramp,omitempty"`
}

// Value returns baseline with the modifiers applied, without noise.
func (c *SignalConfig) Value() float64 {
	v := c.Baseline + c.Add
	if c.Multiply != 0 {
		v *= c.Multiply
	}
	return v
}

// ParseDuration parses "8m", "30s" or "unlimited". Empty is unlimited.
func ParseDuration(s string) (time.Duration, bool) {
	if s == "unlimited" || s == "" {
		return 0, true
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, false
}

// GetEffectiveConfig returns the signal's settings at elapsed, or nil when
// the scenario does not define the signal.
func (s *Scenario) GetEffectiveConfig(signalName string, elapsed time.Duration) *SignalConfig {
	base := s.Signals[signalName]
	if base == nil {
		return nil
	}

	phase, phaseStart := s.phaseAt(elapsed)
	if phase == nil {
		return base
	}
	override, ok := phase.Overrides[signalName]
	if !ok || override == nil {
		return base
	}

	merged := *base
	if override.Baseline != 0 {
		merged.Baseline = override.Baseline
	}
	if override.Noise != 0 {
		merged.Noise = override.Noise
	}
	if override.Multiply != 0 {
		merged.Multiply = override.Multiply
	}
	if override.Add != 0 {
		merged.Add = override.Add
		if ramp, unlimited := ParseDuration(override.Ramp); !unlimited && ramp > 0 {
			if into := elapsed - phaseStart; into < ramp {
				merged.Add = override.Add * float64(into) / float64(ramp)
			}
		}
	}
	return &merged
}

// phaseAt returns the phase active at elapsed and when it started. Past
// the last phase, the last phase stays active.
func (s *Scenario) phaseAt(elapsed time.Duration) (*Phase, time.Duration) {
	if len(s.Phases) == 0 {
		return nil, 0
	}

	var start time.Duration
	for i := range s.Phases {
		d, unlimited := ParseDuration(s.Phases[i].Duration)
		if unlimited || elapsed < start+d {
			return &s.Phases[i], start
		}
		if i == len(s.Phases)-1 {
			return &s.Phases[i], start
		}
		start += d
	}
	return nil, 0
}
