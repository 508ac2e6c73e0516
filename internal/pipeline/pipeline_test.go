package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serena/serena-cli/internal/api"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/queue"
)

type fakeIngester struct {
	mu      sync.Mutex
	err     error
	batches [][]models.IngestRecord
}

func (f *fakeIngester) Ingest(ctx context.Context, records []models.IngestRecord) (models.IngestResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.IngestResponse{}, f.err
	}
	f.batches = append(f.batches, records)
	return models.IngestResponse{}, nil
}

func (f *fakeIngester) received() [][]models.IngestRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.IngestRecord(nil), f.batches...)
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued [][]models.IngestRecord
	syncs    []bool
	synced   chan bool
}

func (f *fakeQueue) Enqueue(ctx context.Context, records []models.IngestRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, records)
	return "batch-1", nil
}

func (f *fakeQueue) Sync(ctx context.Context, online bool) (queue.SyncResult, error) {
	f.mu.Lock()
	f.syncs = append(f.syncs, online)
	f.mu.Unlock()
	if f.synced != nil {
		f.synced <- online
	}
	return queue.SyncResult{}, nil
}

type fakeNetwork struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

func (n *fakeNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *fakeNetwork) Changes() <-chan bool { return n.changes }

func (n *fakeNetwork) flip(online bool) {
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()
	n.changes <- online
}

type dropECG struct{}

func (dropECG) TransformAll(ctx context.Context, records []models.IngestRecord) ([]models.IngestRecord, error) {
	var out []models.IngestRecord
	for _, r := range records {
		if r.Signal() != models.SignalECG {
			out = append(out, r)
		}
	}
	return out, nil
}

func hrRecord(ts int64) models.IngestRecord {
	return &models.HeartRateRecord{Header: models.Header{DeviceID: "dev", TS: ts}, BPM: 60}
}

func TestDeliverSuccess(t *testing.T) {
	client := &fakeIngester{}
	q := &fakeQueue{}
	p := New(client, q, Options{})

	out, err := p.Deliver(context.Background(), []models.IngestRecord{hrRecord(1)})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)
	assert.Len(t, client.received(), 1)
	assert.Empty(t, q.enqueued)
	assert.Equal(t, int64(1), p.Stats().Delivered)
}

func TestDeliverQueuesNetworkFailure(t *testing.T) {
	client := &fakeIngester{err: &api.Error{Kind: api.KindNetwork, Message: "Network error: No response from server"}}
	q := &fakeQueue{}
	p := New(client, q, Options{})

	records := []models.IngestRecord{hrRecord(1), hrRecord(2)}
	out, err := p.Deliver(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, Queued, out)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, records, q.enqueued[0])
	assert.Equal(t, int64(2), p.Stats().Queued)
}

func TestDeliverDoesNotQueueRejections(t *testing.T) {
	for _, kind := range []api.Kind{api.KindClient, api.KindServer, api.KindRequest} {
		t.Run(kind.String(), func(t *testing.T) {
			client := &fakeIngester{err: &api.Error{Kind: kind, Status: 422}}
			q := &fakeQueue{}
			p := New(client, q, Options{})

			out, err := p.Deliver(context.Background(), []models.IngestRecord{hrRecord(1)})
			require.Error(t, err)
			assert.Equal(t, Skipped, out)
			assert.Empty(t, q.enqueued)
			assert.Equal(t, int64(1), p.Stats().Failed)
		})
	}
}

func TestDeliverWithoutQueue(t *testing.T) {
	client := &fakeIngester{err: &api.Error{Kind: api.KindNetwork}}
	p := New(client, nil, Options{})

	_, err := p.Deliver(context.Background(), []models.IngestRecord{hrRecord(1)})
	assert.True(t, api.IsQueueable(err))
}

func TestDeliverTransformAndTap(t *testing.T) {
	client := &fakeIngester{}
	tap := make(chan models.IngestRecord, 1)
	p := New(client, nil, Options{Transform: dropECG{}, Tap: tap})

	ecg := &models.ECGRecord{Header: models.Header{DeviceID: "dev"}, Samples: []int32{1}}
	out, err := p.Deliver(context.Background(), []models.IngestRecord{ecg, hrRecord(1), hrRecord(2)})
	require.NoError(t, err)
	assert.Equal(t, Delivered, out)

	batches := client.received()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)

	assert.Equal(t, hrRecord(1), <-tap)
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Tapped)
	assert.Equal(t, int64(1), stats.TapDrops)

	out, err = p.Deliver(context.Background(), []models.IngestRecord{ecg})
	require.NoError(t, err)
	assert.Equal(t, Skipped, out)
	assert.Len(t, client.received(), 1)
}

func TestStreamBatches(t *testing.T) {
	client := &fakeIngester{}
	p := New(client, nil, Options{BatchSize: 2, FlushInterval: time.Hour, SessionID: "s1"})

	ecg := make(chan models.ECGSample, 4)
	hr := make(chan models.HeartRateSample, 4)
	now := time.UnixMilli(1_735_725_600_000)
	ecg <- models.ECGSample{Timestamp: now, Samples: []int32{1, 2}}
	ecg <- models.ECGSample{Timestamp: now, Samples: []int32{3}}
	hr <- models.HeartRateSample{Timestamp: now, BPM: 61}
	close(ecg)
	close(hr)

	p.Stream(context.Background(), "A0:9E:1A:00:00:01", ecg, hr)

	batches := client.received()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)

	for _, b := range batches {
		for _, rec := range b {
			h := rec.Envelope()
			assert.Equal(t, "A0:9E:1A:00:00:01", h.DeviceID)
			assert.Equal(t, "s1", h.SessionID)
			assert.Equal(t, now.UnixMilli(), h.TS)
		}
	}
}

func TestStreamDeviceOverride(t *testing.T) {
	client := &fakeIngester{}
	p := New(client, nil, Options{DeviceID: "wrist-1"})

	hr := make(chan models.HeartRateSample, 1)
	hr <- models.HeartRateSample{Timestamp: time.Now(), BPM: 70, RRIntervalsMs: []float64{857}}
	close(hr)
	p.Stream(context.Background(), "A0:9E:1A:00:00:01", nil, hr)

	batches := client.received()
	require.Len(t, batches, 1)
	rec, ok := batches[0][0].(*models.HeartRateRecord)
	require.True(t, ok)
	assert.Equal(t, "wrist-1", rec.DeviceID)
	assert.Equal(t, float64(70), rec.BPM)
	assert.Equal(t, []float64{857}, rec.RRIntervalsMs)
}

func TestStreamFlushesOnInterval(t *testing.T) {
	client := &fakeIngester{}
	p := New(client, nil, Options{BatchSize: 100, FlushInterval: 10 * time.Millisecond})

	hr := make(chan models.HeartRateSample, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Stream(ctx, "dev", nil, hr)
		close(done)
	}()

	hr <- models.HeartRateSample{Timestamp: time.Now(), BPM: 60}
	require.Eventually(t, func() bool { return len(client.received()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stream did not return after cancel")
	}
}

func TestRunSyncOnReconnect(t *testing.T) {
	q := &fakeQueue{synced: make(chan bool, 4)}
	p := New(&fakeIngester{}, q, Options{SyncInterval: time.Hour})
	network := &fakeNetwork{changes: make(chan bool, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RunSync(ctx, network)

	network.flip(false)
	network.flip(true)

	select {
	case online := <-q.synced:
		assert.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("no sync after coming online")
	}
	assert.Len(t, q.syncs, 1)
}

func TestRunSyncOnInterval(t *testing.T) {
	q := &fakeQueue{synced: make(chan bool, 16)}
	p := New(&fakeIngester{}, q, Options{SyncInterval: 5 * time.Millisecond})
	network := &fakeNetwork{online: true, changes: make(chan bool)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RunSync(ctx, network)

	select {
	case online := <-q.synced:
		assert.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("no periodic sync")
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "queued", Queued.String())
	assert.Equal(t, "skipped", Skipped.String())
}

func TestForwardOverridesIDs(t *testing.T) {
	client := &fakeIngester{}
	p := New(client, nil, Options{BatchSize: 10, SessionID: "replay"})

	records := make(chan models.IngestRecord, 3)
	records <- hrRecord(1)
	records <- hrRecord(2)
	records <- &models.RespirationRecord{Header: models.Header{DeviceID: "dev", TS: 3}, EstRR: 12}
	close(records)

	p.Forward(context.Background(), records)

	batches := client.received()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
	for _, rec := range batches[0] {
		assert.Equal(t, "dev", rec.Envelope().DeviceID)
		assert.Equal(t, "replay", rec.Envelope().SessionID)
	}
	assert.Equal(t, models.SignalRespRR, batches[0][2].Signal())
}
