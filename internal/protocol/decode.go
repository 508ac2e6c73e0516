package protocol

// HeartRate is a decoded heart rate measurement.
// RRIntervalsMs is nil when the frame carried no RR data.
type HeartRate struct {
	BPM           uint8
	RRIntervalsMs []float64
}

// DecodeECGFrame turns a PMD data frame into signed 24-bit samples.
//
// Samples are 3-byte little-endian two's-complement groups. A trailing group
// shorter than three bytes is discarded. Frames shorter than three bytes
// yield an empty slice.
func DecodeECGFrame(b []byte) []int32 {
	if len(b) < 3 {
		return []int32{}
	}
	samples := make([]int32, 0, len(b)/3)
	for i := 0; i+3 <= len(b); i += 3 {
		raw := uint32(b[i]) | uint32(b[i+1])<<8 | uint32(b[i+2])<<16
		if b[i+2]&0x80 != 0 {
			raw |= 0xff000000
		}
		samples = append(samples, int32(raw))
	}
	return samples
}

// DecodeHeartRateFrame decodes a heart rate measurement notification.
//
// Byte 0 holds the flags and byte 1 the heart rate. The 16-bit value flag is
// not inspected; byte 1 is always read as the rate. When the RR flag is set
// the remaining bytes are read as little-endian uint16 pairs in 1/1024 s
// units and converted to milliseconds. Frames shorter than two bytes decode
// to a zero rate.
func DecodeHeartRateFrame(b []byte) HeartRate {
	if len(b) < 2 {
		return HeartRate{}
	}
	hr := HeartRate{BPM: b[1]}
	if b[0]&FlagRRPresent == 0 || len(b) <= 2 {
		return hr
	}
	var rr []float64
	for i := 2; i+2 <= len(b); i += 2 {
		v := uint16(b[i]) | uint16(b[i+1])<<8
		rr = append(rr, float64(v)/1024*1000)
	}
	hr.RRIntervalsMs = rr
	return hr
}
