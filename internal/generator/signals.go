package generator

import "math"

// wave is one gaussian component of a heartbeat, positioned as a fraction
// of the beat.
type wave struct {
	center, amplitude, width float64
}

// pqrst approximates a lead-I beat as a sum of gaussians, normalized to an
// R-peak of 1.
var pqrst = []wave{
	{0.20, 0.11, 0.025},  // P
	{0.36, -0.12, 0.008}, // Q
	{0.40, 1.00, 0.010},  // R
	{0.44, -0.24, 0.010}, // S
	{0.70, 0.30, 0.040},  // T
}

// beatShape returns the normalized ECG amplitude at phase in [0,1).
func beatShape(phase float64) float64 {
	var v float64
	for _, w := range pqrst {
		d := (phase - w.center) / w.width
		v += w.amplitude * math.Exp(-0.5*d*d)
	}
	return v
}

func clamp(value, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, value))
}
