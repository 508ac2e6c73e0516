package radio

import (
	"sync"
	"time"

	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/protocol"
)

// ecgSink decodes PMD data notifications for one subscription. Sequence
// numbers start at zero and count emitted samples only.
type ecgSink struct {
	mu     sync.Mutex
	seq    uint64
	now    func() time.Time
	onData func(models.ECGSample)
}

func newECGSink(onData func(models.ECGSample)) *ecgSink {
	return &ecgSink{now: time.Now, onData: onData}
}

func (s *ecgSink) handle(frame []byte) {
	samples := protocol.DecodeECGFrame(frame)
	if len(samples) == 0 {
		return
	}
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()
	s.onData(models.ECGSample{Timestamp: s.now(), Samples: samples, Sequence: seq})
}

// heartRateSink decodes heart rate measurement notifications.
type heartRateSink struct {
	now    func() time.Time
	onData func(models.HeartRateSample)
}

func newHeartRateSink(onData func(models.HeartRateSample)) *heartRateSink {
	return &heartRateSink{now: time.Now, onData: onData}
}

func (s *heartRateSink) handle(frame []byte) {
	hr := protocol.DecodeHeartRateFrame(frame)
	s.onData(models.HeartRateSample{Timestamp: s.now(), BPM: hr.BPM, RRIntervalsMs: hr.RRIntervalsMs})
}

// eventFeed is a buffered LinkEvent channel that never blocks the sender.
type eventFeed struct {
	ch chan LinkEvent
}

func newEventFeed() *eventFeed {
	return &eventFeed{ch: make(chan LinkEvent, 16)}
}

func (f *eventFeed) emit(ev LinkEvent) {
	select {
	case f.ch <- ev:
	default:
	}
}

// batteryFromValue reads the level byte of a battery characteristic value.
func batteryFromValue(value []byte) *int {
	if len(value) == 0 {
		return nil
	}
	level := int(value[0])
	return &level
}

func scanTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultScanTimeout
	}
	return timeout
}
