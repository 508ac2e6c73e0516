// Package queue keeps ingest batches that could not be delivered and
// replays them once the service is reachable again.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
)

// Defaults for Options left zero.
const (
	DefaultMaxSize    = 1000
	DefaultBatchSize  = 50
	DefaultMaxRetries = 10
)

// Batch is one undelivered ingest request. EnqueuedAt is in epoch
// milliseconds.
type Batch struct {
	ID         string         `json:"id"`
	EnqueuedAt int64          `json:"enqueued_at"`
	Records    models.Records `json:"records"`
	RetryCount int            `json:"retry_count"`
}

// Enqueued returns EnqueuedAt as a time.
func (b Batch) Enqueued() time.Time {
	return time.UnixMilli(b.EnqueuedAt)
}

// Sender delivers records. key identifies the delivery so the service can
// drop duplicates.
type Sender interface {
	IngestBatch(ctx context.Context, key string, records []models.IngestRecord) (models.IngestResponse, error)
}

// Options configures a Queue.
type Options struct {
	MaxSize    int
	BatchSize  int
	MaxRetries int
	Logger     *zap.Logger
	Now        func() time.Time
}

// SyncResult counts batches handled by one Sync pass.
type SyncResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// Stats are lifetime counters of a Queue.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Synced   int64 `json:"synced"`
	Evicted  int64 `json:"evicted"`
	Dropped  int64 `json:"dropped"`
}

// Queue is a bounded FIFO of batches persisted in a Store. When full, the
// oldest batch is evicted. Sync is single-flight.
type Queue struct {
	store  Store
	sender Sender
	opts   Options
	log    *zap.Logger

	mu      sync.Mutex // serializes load-modify-save
	syncing atomic.Bool

	enqueued atomic.Int64
	synced   atomic.Int64
	evicted  atomic.Int64
	dropped  atomic.Int64
}

func New(store Store, sender Sender, opts Options) *Queue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:  store,
		sender: sender,
		opts:   opts,
		log:    logging.OrNop(opts.Logger).Named("queue"),
	}
}

// newBatchID is unique and sorts by creation time.
func newBatchID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
}

func (q *Queue) load(ctx context.Context) ([]Batch, error) {
	data, ok, err := q.store.Get(ctx, StorageKey)
	if err != nil {
		return nil, err
	}
	if !ok || len(data) == 0 {
		return nil, nil
	}
	var batches []Batch
	if err := json.Unmarshal(data, &batches); err != nil {
		return nil, fmt.Errorf("failed to decode queue: %w", err)
	}
	return batches, nil
}

func (q *Queue) save(ctx context.Context, batches []Batch) error {
	if batches == nil {
		batches = []Batch{}
	}
	data, err := json.Marshal(batches)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	return q.store.Set(ctx, StorageKey, data)
}

// Enqueue stores records as a new batch and returns its id.
func (q *Queue) Enqueue(ctx context.Context, records []models.IngestRecord) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches, err := q.load(ctx)
	if err != nil {
		return "", err
	}

	now := q.opts.Now()
	b := Batch{ID: newBatchID(now), EnqueuedAt: now.UnixMilli(), Records: records}
	batches = append(batches, b)

	if over := len(batches) - q.opts.MaxSize; over > 0 {
		for _, old := range batches[:over] {
			q.log.Warn("queue full, evicting oldest batch",
				zap.String("batch_id", old.ID),
				zap.Int("records", len(old.Records)))
		}
		batches = append([]Batch(nil), batches[over:]...)
		q.evicted.Add(int64(over))
	}

	if err := q.save(ctx, batches); err != nil {
		return "", err
	}
	q.enqueued.Add(1)
	q.log.Debug("batch queued", zap.String("batch_id", b.ID), zap.Int("records", len(records)), zap.Int("size", len(batches)))
	return b.ID, nil
}

// Sync delivers queued batches in groups. It does nothing when offline or
// while another Sync runs. Delivered groups are removed; failed groups
// have their retry counts raised and batches at the retry ceiling are
// dropped. The list is saved after every group.
func (q *Queue) Sync(ctx context.Context, online bool) (SyncResult, error) {
	var result SyncResult
	if !online {
		return result, nil
	}
	if !q.syncing.CompareAndSwap(false, true) {
		q.log.Debug("sync already running")
		return result, nil
	}
	defer q.syncing.Store(false)

	q.mu.Lock()
	pending, err := q.load(ctx)
	q.mu.Unlock()
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}
	q.log.Info("syncing queue", zap.Int("batches", len(pending)))

	for start := 0; start < len(pending); start += q.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := min(start+q.opts.BatchSize, len(pending))
		group := pending[start:end]

		var records []models.IngestRecord
		ids := make(map[string]bool, len(group))
		for _, b := range group {
			records = append(records, b.Records...)
			ids[b.ID] = true
		}

		_, sendErr := q.sender.IngestBatch(ctx, groupKey(group), records)
		if sendErr == nil {
			result.Synced += len(group)
			q.synced.Add(int64(len(group)))
		} else {
			result.Failed += len(group)
			q.log.Warn("queued group failed",
				zap.Int("batches", len(group)),
				zap.Int("records", len(records)),
				zap.Error(sendErr))
		}

		if err := q.settle(ctx, ids, sendErr == nil); err != nil {
			return result, err
		}
	}

	q.log.Info("sync finished", zap.Int("synced", result.Synced), zap.Int("failed", result.Failed))
	return result, nil
}

// groupKey identifies a group of batches for deduplication.
func groupKey(group []Batch) string {
	if len(group) == 1 {
		return group[0].ID
	}
	return group[0].ID + ".." + group[len(group)-1].ID
}

// settle applies a group outcome to the stored list. Batches enqueued
// since the pass began are left alone.
func (q *Queue) settle(ctx context.Context, ids map[string]bool, delivered bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches, err := q.load(ctx)
	if err != nil {
		return err
	}

	kept := batches[:0]
	for _, b := range batches {
		if !ids[b.ID] {
			kept = append(kept, b)
			continue
		}
		if delivered {
			continue
		}
		b.RetryCount++
		if b.RetryCount >= q.opts.MaxRetries {
			q.dropped.Add(1)
			q.log.Warn("dropping batch after too many retries",
				zap.String("batch_id", b.ID),
				zap.Int("retries", b.RetryCount),
				zap.Int("records", len(b.Records)))
			continue
		}
		kept = append(kept, b)
	}
	return q.save(ctx, kept)
}

// Size returns the number of queued batches.
func (q *Queue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	batches, err := q.load(ctx)
	return len(batches), err
}

// Items returns the queued batches, oldest first.
func (q *Queue) Items(ctx context.Context) ([]Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Remove deletes one batch. It reports whether the batch was queued.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	batches, err := q.load(ctx)
	if err != nil {
		return false, err
	}
	for i, b := range batches {
		if b.ID == id {
			batches = append(batches[:i], batches[i+1:]...)
			return true, q.save(ctx, batches)
		}
	}
	return false, nil
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Delete(ctx, StorageKey); err != nil {
		return err
	}
	q.log.Info("queue cleared")
	return nil
}

// Syncing reports whether a Sync pass is running.
func (q *Queue) Syncing() bool {
	return q.syncing.Load()
}

func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Synced:   q.synced.Load(),
		Evicted:  q.evicted.Load(),
		Dropped:  q.dropped.Load(),
	}
}

// RunSync calls Sync every interval while online reports true, until ctx
// ends.
func (q *Queue) RunSync(ctx context.Context, interval time.Duration, online func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Sync(ctx, online()); err != nil && ctx.Err() == nil {
				q.log.Error("sync failed", zap.Error(err))
			}
		}
	}
}
