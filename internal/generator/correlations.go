package generator

import "math"

// rsaGain scales respiratory sinus arrhythmia with slower breathing; at six
// breaths per minute the swing is about twice the resting one.
func rsaGain(respPerMin float64) float64 {
	if respPerMin <= 0 {
		return 1
	}
	return clamp(12/respPerMin, 0.5, 2.5)
}

// respiratorySinusArrhythmia returns the RR offset in ms for a beat that
// starts at breathPhase: inhalation shortens the interval, exhalation
// lengthens it.
func respiratorySinusArrhythmia(hrvMs, respPerMin, breathPhase float64) float64 {
	return -hrvMs * rsaGain(respPerMin) * math.Sin(2*math.Pi*breathPhase)
}
