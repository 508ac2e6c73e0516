// Package transport fans records out inside the process and pushes
// signals to stream clients.
package transport

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
)

// Dispatcher copies every record from one source to named sinks such as
// the capture file and the MQTT mirror. A sink whose buffer is full loses
// the record so that a slow sink never stalls delivery.
type Dispatcher struct {
	source     <-chan models.IngestRecord
	bufferSize int
	log        *zap.Logger

	mu    sync.Mutex
	sinks []*sink
	total atomic.Int64
}

type sink struct {
	name    string
	ch      chan models.IngestRecord
	dropped atomic.Int64
}

func NewDispatcher(source <-chan models.IngestRecord, bufferSize int, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		source:     source,
		bufferSize: bufferSize,
		log:        logging.OrNop(log).Named("dispatcher"),
	}
}

// Subscribe adds a sink. Sinks added after Run started miss the records
// dispatched before.
func (d *Dispatcher) Subscribe(name string) <-chan models.IngestRecord {
	s := &sink{name: name, ch: make(chan models.IngestRecord, d.bufferSize)}
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
	return s.ch
}

// Sinks returns the names of the open sinks, sorted.
func (d *Dispatcher) Sinks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.name)
	}
	sort.Strings(names)
	return names
}

// Dropped is the number of records lost across all sinks.
func (d *Dispatcher) Dropped() int64 {
	return d.total.Load()
}

// DroppedBy returns the losses per sink name, leaving out sinks that lost
// nothing.
func (d *Dispatcher) DroppedBy() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64)
	for _, s := range d.sinks {
		if n := s.dropped.Load(); n > 0 {
			out[s.name] += n
		}
	}
	return out
}

// Run dispatches until ctx ends or the source closes, then closes every
// sink channel.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	sinks := d.sinks
	d.mu.Unlock()
	defer func() {
		for _, s := range sinks {
			close(s.ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-d.source:
			if !ok {
				return
			}
			d.mu.Lock()
			sinks = d.sinks
			d.mu.Unlock()
			d.dispatch(rec, sinks)
		}
	}
}

func (d *Dispatcher) dispatch(rec models.IngestRecord, sinks []*sink) {
	for _, s := range sinks {
		select {
		case s.ch <- rec:
		default:
			s.dropped.Add(1)
			d.total.Add(1)
			d.log.Debug("sink full, record dropped",
				zap.String("sink", s.name),
				zap.String("signal", string(rec.Signal())))
		}
	}
}
