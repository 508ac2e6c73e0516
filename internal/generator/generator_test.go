package generator

import (
	"testing"

	"github.com/serena/serena-cli/internal/protocol"
	"github.com/serena/serena-cli/internal/scenario"
)

func newTestGenerator(t *testing.T, hr float64) *Generator {
	t.Helper()
	s := &scenario.Scenario{
		Name: "test",
		Signals: map[string]*scenario.SignalConfig{
			scenario.SignalHR:   {Baseline: hr},
			scenario.SignalHRV:  {Baseline: 20},
			scenario.SignalResp: {Baseline: 12},
			scenario.SignalECG:  {Baseline: 1000, Noise: 10},
		},
	}
	return New(scenario.NewEngine(s), 7)
}

func TestECG_BeatsMatchHeartRate(t *testing.T) {
	g := newTestGenerator(t, 60)

	// one simulated minute
	for i := 0; i < 60; i++ {
		samples := g.ECG(protocol.ECGSampleRate)
		if len(samples) != protocol.ECGSampleRate {
			t.Fatalf("got %d samples", len(samples))
		}
	}

	bpm, rr := g.HeartRate()
	if len(rr) < 50 || len(rr) > 70 {
		t.Errorf("completed beats = %d, want about 60", len(rr))
	}
	if bpm < 50 || bpm > 70 {
		t.Errorf("bpm = %d, want about 60", bpm)
	}
	for _, v := range rr {
		if v < 270 || v > 2000 {
			t.Errorf("rr %v out of range", v)
		}
	}

	if _, rr := g.HeartRate(); rr != nil {
		t.Error("intervals should be consumed by the previous call")
	}
}

func TestECG_HasRPeaks(t *testing.T) {
	g := newTestGenerator(t, 75)
	samples := g.ECG(3 * protocol.ECGSampleRate)

	var peak int32
	for _, s := range samples {
		if s > peak {
			peak = s
		}
	}
	if peak < 600 {
		t.Errorf("max sample = %d, want an R peak near 1000", peak)
	}
}

func TestFramesDecode(t *testing.T) {
	g := newTestGenerator(t, 90)

	frame := g.ECGFrame(73)
	if got := len(protocol.DecodeECGFrame(frame)); got != 73 {
		t.Errorf("decoded %d samples, want 73", got)
	}

	g.ECG(2 * protocol.ECGSampleRate)
	hr := protocol.DecodeHeartRateFrame(g.HeartRateFrame())
	if hr.BPM < 70 || hr.BPM > 110 {
		t.Errorf("bpm = %d, want about 90", hr.BPM)
	}
	if len(hr.RRIntervalsMs) == 0 {
		t.Error("expected RR intervals after two seconds of trace")
	}
}

func TestRSA(t *testing.T) {
	inhale := respiratorySinusArrhythmia(30, 6, 0.25)
	exhale := respiratorySinusArrhythmia(30, 6, 0.75)
	if inhale >= 0 || exhale <= 0 {
		t.Errorf("inhale %v should shorten and exhale %v lengthen RR", inhale, exhale)
	}
	if rsaGain(6) <= rsaGain(15) {
		t.Error("slow breathing should amplify RSA")
	}
}
