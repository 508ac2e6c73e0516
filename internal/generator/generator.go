// Package generator synthesizes the frames a heart sensor would emit,
// driven by a scenario.
package generator

import (
	"math"
	"math/rand"
	"sync"

	"github.com/serena/serena-cli/internal/protocol"
	"github.com/serena/serena-cli/internal/scenario"
)

// Defaults used when the scenario leaves a signal out.
const (
	defaultHR        = 70.0
	defaultHRV       = 30.0
	defaultResp      = 14.0
	defaultAmplitude = 1000.0
)

// Generator produces a continuous ECG trace and the heart rate readings
// that match it. One clock drives both: ECG advances time, HeartRate
// reports the beats completed since the previous call.
type Generator struct {
	engine     *scenario.Engine
	rng        *rand.Rand
	sampleRate float64

	mu          sync.Mutex
	beatPhase   float64
	beatSeconds float64
	breathPhase float64
	completed   []float64
	lastBPM     float64
}

// New creates a generator at the ECG sample rate the sensor streams at.
func New(engine *scenario.Engine, seed int64) *Generator {
	g := &Generator{
		engine:     engine,
		rng:        rand.New(rand.NewSource(seed)),
		sampleRate: protocol.ECGSampleRate,
	}
	g.beatSeconds = g.nextBeat()
	return g
}

func (g *Generator) value(signal string, fallback float64) (float64, float64) {
	cfg := g.engine.SignalConfig(signal)
	if cfg == nil {
		return fallback, 0
	}
	v := cfg.Value()
	if v == 0 {
		v = fallback
	}
	return v, cfg.Noise
}

// nextBeat draws the duration of the next beat in seconds.
func (g *Generator) nextBeat() float64 {
	hr, hrNoise := g.value(scenario.SignalHR, defaultHR)
	hrv, _ := g.value(scenario.SignalHRV, defaultHRV)
	resp, _ := g.value(scenario.SignalResp, defaultResp)

	hr = clamp(hr+g.rng.NormFloat64()*hrNoise, 30, 220)
	g.lastBPM = hr

	rr := 60000/hr + respiratorySinusArrhythmia(hrv, resp, g.breathPhase) + g.rng.NormFloat64()*hrv*0.3
	return clamp(rr, 270, 2000) / 1000
}

// ECG advances the trace by n samples and returns them in µV.
func (g *Generator) ECG(n int) []int32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	amp, noise := g.value(scenario.SignalECG, defaultAmplitude)
	resp, _ := g.value(scenario.SignalResp, defaultResp)
	dt := 1 / g.sampleRate

	out := make([]int32, n)
	for i := range out {
		// breathing shifts the electrical axis a little
		axis := 1 + 0.05*math.Sin(2*math.Pi*g.breathPhase)
		v := beatShape(g.beatPhase)*amp*axis + g.rng.NormFloat64()*noise
		out[i] = int32(clamp(v, protocol.MinECGSample, protocol.MaxECGSample))

		g.breathPhase = math.Mod(g.breathPhase+dt*resp/60, 1)
		g.beatPhase += dt / g.beatSeconds
		if g.beatPhase >= 1 {
			g.completed = append(g.completed, g.beatSeconds*1000)
			g.beatPhase -= 1
			g.beatSeconds = g.nextBeat()
		}
	}
	return out
}

// HeartRate returns the current rate and the RR intervals, in ms, of the
// beats completed since the previous call. Intervals are nil when no beat
// completed.
func (g *Generator) HeartRate() (uint8, []float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rr := g.completed
	g.completed = nil

	bpm := g.lastBPM
	if len(rr) > 0 {
		var sum float64
		for _, v := range rr {
			sum += v
		}
		bpm = 60000 / (sum / float64(len(rr)))
	}
	return uint8(math.Round(clamp(bpm, 0, 255))), rr
}

// ECGFrame returns n samples encoded as a PMD data notification.
func (g *Generator) ECGFrame(n int) []byte {
	return protocol.EncodeECGFrame(g.ECG(n))
}

// HeartRateFrame returns a heart rate measurement notification.
func (g *Generator) HeartRateFrame() []byte {
	bpm, rr := g.HeartRate()
	return protocol.EncodeHeartRateFrame(bpm, rr)
}
