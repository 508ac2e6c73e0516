package scenario

import (
	"sync"
	"time"
)

// Engine tracks a run's progress through its scenario.
type Engine struct {
	scenario *Scenario
	now      func() time.Time

	mu    sync.RWMutex
	start time.Time
}

// NewEngine starts a run of scenario now.
func NewEngine(scenario *Scenario) *Engine {
	return newEngine(scenario, time.Now)
}

func newEngine(scenario *Scenario, now func() time.Time) *Engine {
	return &Engine{scenario: scenario, now: now, start: now()}
}

// Elapsed returns the time since the run started.
func (e *Engine) Elapsed() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now().Sub(e.start)
}

// CurrentPhase returns the active phase, nil for a scenario without phases.
func (e *Engine) CurrentPhase() *Phase {
	p, _ := e.scenario.phaseAt(e.Elapsed())
	return p
}

// SignalConfig returns the signal's settings at the current time.
func (e *Engine) SignalConfig(signalName string) *SignalConfig {
	return e.scenario.GetEffectiveConfig(signalName, e.Elapsed())
}

// IsComplete reports whether a bounded scenario has run its course.
func (e *Engine) IsComplete() bool {
	d, unlimited := ParseDuration(e.scenario.Duration)
	if unlimited {
		return false
	}
	return e.Elapsed() >= d
}

func (e *Engine) Scenario() *Scenario {
	return e.scenario
}

// Reset restarts the run.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.start = e.now()
}
