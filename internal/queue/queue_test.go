package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serena/serena-cli/internal/models"
)

type call struct {
	key     string
	records int
}

// fakeSender records deliveries and fails according to fail.
type fakeSender struct {
	mu    sync.Mutex
	calls []call
	fail  func(n int) error
	hook  func()
}

func (f *fakeSender) IngestBatch(ctx context.Context, key string, records []models.IngestRecord) (models.IngestResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{key: key, records: len(records)})
	n := len(f.calls)
	fail, hook := f.fail, f.hook
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return models.IngestResponse{}, err
		}
	}
	count := len(records)
	return models.IngestResponse{Ingested: &count}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func record(ts int64) []models.IngestRecord {
	return []models.IngestRecord{&models.HeartRateRecord{Header: models.Header{DeviceID: "dev", TS: ts}, BPM: 60}}
}

func TestEnqueue_EvictsOldestBeyondCap(t *testing.T) {
	q := New(NewMemoryStore(), &fakeSender{}, Options{})
	ctx := testContext(t)

	first, err := q.Enqueue(ctx, record(0))
	require.NoError(t, err)
	for i := 1; i <= 1000; i++ {
		_, err := q.Enqueue(ctx, record(int64(i)))
		require.NoError(t, err)
	}

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1000)
	for _, b := range items {
		assert.NotEqual(t, first, b.ID)
	}
	assert.Equal(t, int64(1), items[0].Records[0].Envelope().TS)
	assert.Equal(t, int64(1000), items[999].Records[0].Envelope().TS)
	assert.Equal(t, int64(1), q.Stats().Evicted)
}

func TestEnqueue_StoresEpochMillis(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 1, 1, 10, 0, 0, 123e6, time.UTC)
	q := New(store, &fakeSender{}, Options{Now: func() time.Time { return now }})
	ctx := testContext(t)

	id, err := q.Enqueue(ctx, record(1))
	require.NoError(t, err)
	assert.Contains(t, id, "1735725600123-")

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1735725600123), items[0].EnqueuedAt)
	assert.True(t, items[0].Enqueued().Equal(now))

	raw, ok, err := store.Get(ctx, StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	var stored []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, "1735725600123", string(stored[0]["enqueued_at"]))
}

func TestSync_OfflineIsNoop(t *testing.T) {
	sender := &fakeSender{}
	q := New(NewMemoryStore(), sender, Options{})
	_, err := q.Enqueue(testContext(t), record(1))
	require.NoError(t, err)

	res, err := q.Sync(testContext(t), false)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
	assert.Zero(t, sender.callCount())
}

func TestSync_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	sender := &fakeSender{hook: func() {
		once.Do(func() { close(entered) })
		<-release
	}}
	q := New(NewMemoryStore(), sender, Options{})
	ctx := testContext(t)
	_, err := q.Enqueue(ctx, record(1))
	require.NoError(t, err)

	done := make(chan SyncResult)
	go func() {
		res, err := q.Sync(ctx, true)
		assert.NoError(t, err)
		done <- res
	}()

	<-entered
	second, err := q.Sync(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, second)

	close(release)
	first := <-done
	assert.Equal(t, SyncResult{Synced: 1}, first)
	assert.Equal(t, 1, sender.callCount())

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestSync_RetryCeiling(t *testing.T) {
	sender := &fakeSender{fail: func(int) error { return errors.New("offline") }}
	q := New(NewMemoryStore(), sender, Options{})
	ctx := testContext(t)
	_, err := q.Enqueue(ctx, record(1))
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		res, err := q.Sync(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, SyncResult{Failed: 1}, res)
	}

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 9, items[0].RetryCount)

	_, err = q.Sync(ctx, true)
	require.NoError(t, err)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Equal(t, int64(1), q.Stats().Dropped)
}

func TestSync_GroupsAndPartialFailure(t *testing.T) {
	sender := &fakeSender{fail: func(n int) error {
		if n == 2 {
			return errors.New("boom")
		}
		return nil
	}}
	q := New(NewMemoryStore(), sender, Options{})
	ctx := testContext(t)
	for i := 0; i < 120; i++ {
		_, err := q.Enqueue(ctx, record(int64(i)))
		require.NoError(t, err)
	}

	res, err := q.Sync(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Synced: 70, Failed: 50}, res)

	require.Len(t, sender.calls, 3)
	assert.Equal(t, 50, sender.calls[0].records)
	assert.Equal(t, 50, sender.calls[1].records)
	assert.Equal(t, 20, sender.calls[2].records)

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 50)
	assert.Equal(t, int64(50), items[0].Records[0].Envelope().TS)
	for _, b := range items {
		assert.Equal(t, 1, b.RetryCount)
	}
}

func TestSync_KeepsBatchesEnqueuedDuringPass(t *testing.T) {
	q := New(NewMemoryStore(), nil, Options{})
	var once sync.Once
	q.sender = &fakeSender{hook: func() {
		once.Do(func() {
			_, err := q.Enqueue(context.Background(), record(99))
			assert.NoError(t, err)
		})
	}}
	ctx := testContext(t)
	_, err := q.Enqueue(ctx, record(1))
	require.NoError(t, err)

	res, err := q.Sync(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(99), items[0].Records[0].Envelope().TS)
}

func TestGroupKey(t *testing.T) {
	assert.Equal(t, "a", groupKey([]Batch{{ID: "a"}}))
	assert.Equal(t, "a..c", groupKey([]Batch{{ID: "a"}, {ID: "b"}, {ID: "c"}}))
}

func TestRemoveAndClear(t *testing.T) {
	q := New(NewMemoryStore(), &fakeSender{}, Options{})
	ctx := testContext(t)
	a, _ := q.Enqueue(ctx, record(1))
	_, _ = q.Enqueue(ctx, record(2))

	ok, err := q.Remove(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Remove(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)

	size, _ := q.Size(ctx)
	assert.Equal(t, 1, size)

	require.NoError(t, q.Clear(ctx))
	size, _ = q.Size(ctx)
	assert.Zero(t, size)
}

func TestBatchIDsAreOrderedAndUnique(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	a, b := newBatchID(now), newBatchID(now)
	assert.NotEqual(t, a, b)
	assert.Equal(t, fmt.Sprintf("%d-", now.UnixMilli()), a[:14])
}

func TestRunSync(t *testing.T) {
	sender := &fakeSender{}
	q := New(NewMemoryStore(), sender, Options{})
	_, err := q.Enqueue(testContext(t), record(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	go q.RunSync(ctx, 5*time.Millisecond, func() bool { return true })

	require.Eventually(t, func() bool {
		size, _ := q.Size(context.Background())
		return size == 0
	}, time.Second, 5*time.Millisecond)
}
