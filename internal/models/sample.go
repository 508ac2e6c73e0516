package models

import "time"

// ECGSample is one decoded ECG notification.
type ECGSample struct {
	Timestamp time.Time
	Samples   []int32
	Sequence  uint64
}

// HeartRateSample is one decoded heart rate measurement. RRIntervalsMs is
// nil when the frame carried no RR intervals.
type HeartRateSample struct {
	Timestamp     time.Time
	BPM           uint8
	RRIntervalsMs []float64
}
