package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu       sync.Mutex
	failures int
	calls    int
	reach    *Reachability
}

func (f *fakeProber) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("unreachable")
	}
	return nil
}

func (f *fakeProber) Reachability() *Reachability { return f.reach }

func newFakeProber(failures int) *fakeProber {
	return &fakeProber{failures: failures, reach: newReachability(nil)}
}

func TestMonitor_CheckRetriesOnSchedule(t *testing.T) {
	p := newFakeProber(2)
	m := NewMonitor(p, MonitorOptions{Schedule: []time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond}})

	assert.True(t, m.Check(testContext(t)))
	assert.Equal(t, 3, p.calls)
	assert.True(t, m.Online())
	assert.True(t, <-m.Changes())
}

func TestMonitor_OfflineAfterSchedule(t *testing.T) {
	p := newFakeProber(100)
	m := NewMonitor(p, MonitorOptions{Schedule: []time.Duration{0, time.Millisecond}})

	assert.False(t, m.Check(testContext(t)))
	assert.Equal(t, 2, p.calls)
	assert.False(t, m.Online())
	assert.False(t, <-m.Changes())
}

func TestMonitor_ReachabilityFlipsOnline(t *testing.T) {
	p := newFakeProber(100)
	m := NewMonitor(p, MonitorOptions{Interval: time.Hour, Schedule: []time.Duration{0}})

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	go m.Run(ctx)

	require.False(t, <-m.Changes())

	require.Eventually(t, func() bool {
		p.reach.Emit()
		return m.Online()
	}, time.Second, 5*time.Millisecond)
}
