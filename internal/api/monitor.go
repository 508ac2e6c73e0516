package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
)

// DefaultProbeSchedule is how long a check waits before each ping attempt.
var DefaultProbeSchedule = []time.Duration{0, 800 * time.Millisecond, 2 * time.Second, 4 * time.Second}

// Prober is the part of Client a Monitor needs.
type Prober interface {
	Probe(ctx context.Context) error
	Reachability() *Reachability
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Interval time.Duration
	Schedule []time.Duration
	Logger   *zap.Logger
}

// Monitor tracks whether the collection service is reachable. It pings
// periodically and also goes online whenever any API call succeeds.
type Monitor struct {
	prober   Prober
	interval time.Duration
	schedule []time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	online  bool
	known   bool
	changes chan bool
}

func NewMonitor(p Prober, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if len(opts.Schedule) == 0 {
		opts.Schedule = DefaultProbeSchedule
	}
	return &Monitor{
		prober:   p,
		interval: opts.Interval,
		schedule: opts.Schedule,
		log:      logging.OrNop(opts.Logger).Named("monitor"),
		changes:  make(chan bool, 8),
	}
}

// Online reports the last known reachability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Changes delivers reachability flips. Flips are dropped while the
// channel is full.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.known && m.online == online {
		return
	}
	m.known = true
	m.online = online
	if online {
		m.log.Info("service reachable")
	} else {
		m.log.Warn("service unreachable")
	}
	select {
	case m.changes <- online:
	default:
	}
}

// Check pings on the probe schedule and records the outcome.
func (m *Monitor) Check(ctx context.Context) bool {
	var lastErr error
	for _, wait := range m.schedule {
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return m.Online()
			}
		}
		if lastErr = m.prober.Probe(ctx); lastErr == nil {
			m.set(true)
			return true
		}
		if ctx.Err() != nil {
			return m.Online()
		}
	}
	m.log.Debug("probe failed", zap.Error(lastErr))
	m.set(false)
	return false
}

// Run checks immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	unsubscribe := m.prober.Reachability().On(func() { m.set(true) })
	defer unsubscribe()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
