package protocol

import "math"

// EncodeECGFrame packs samples into a PMD data frame body. Values outside
// the 24-bit range are clamped.
func EncodeECGFrame(samples []int32) []byte {
	out := make([]byte, 0, len(samples)*3)
	for _, s := range samples {
		if s < MinECGSample {
			s = MinECGSample
		}
		if s > MaxECGSample {
			s = MaxECGSample
		}
		u := uint32(s)
		out = append(out, byte(u), byte(u>>8), byte(u>>16))
	}
	return out
}

// EncodeHeartRateFrame builds a heart rate measurement with an 8-bit rate and
// optional RR intervals given in milliseconds.
func EncodeHeartRateFrame(bpm uint8, rrMs []float64) []byte {
	var flags byte
	if len(rrMs) > 0 {
		flags |= FlagRRPresent
	}
	out := []byte{flags, bpm}
	for _, ms := range rrMs {
		v := math.Round(ms / 1000 * 1024)
		if v < 0 {
			v = 0
		}
		if v > math.MaxUint16 {
			v = math.MaxUint16
		}
		u := uint16(v)
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}
