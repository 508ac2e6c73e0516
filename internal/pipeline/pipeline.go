// Package pipeline moves samples from the connected sensor to the
// collection service, parking batches in the offline queue while the
// service cannot be reached.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/api"
	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/queue"
)

// Defaults for Options left zero.
const (
	DefaultBatchSize     = 25
	DefaultFlushInterval = time.Second
	DefaultSyncInterval  = 30 * time.Second
)

// Ingester delivers records to the collection service.
type Ingester interface {
	Ingest(ctx context.Context, records []models.IngestRecord) (models.IngestResponse, error)
}

// Queue parks undelivered records and drains them later.
type Queue interface {
	Enqueue(ctx context.Context, records []models.IngestRecord) (string, error)
	Sync(ctx context.Context, online bool) (queue.SyncResult, error)
}

// Transformer rewrites or filters records before delivery.
type Transformer interface {
	TransformAll(ctx context.Context, records []models.IngestRecord) ([]models.IngestRecord, error)
}

// Network reports whether the collection service is reachable.
type Network interface {
	Online() bool
	Changes() <-chan bool
}

// Outcome says where a delivered batch ended up.
type Outcome int

const (
	Delivered Outcome = iota
	Queued
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "skipped"
	}
}

type Options struct {
	// DeviceID and SessionID are stamped on every record. An empty
	// DeviceID uses the id passed to Stream.
	DeviceID      string
	SessionID     string
	BatchSize     int
	FlushInterval time.Duration
	SyncInterval  time.Duration
	// Transform runs before delivery when set.
	Transform Transformer
	// Tap receives a copy of every record handed to Deliver. Sends never
	// block; records are dropped while Tap is full.
	Tap    chan<- models.IngestRecord
	Logger *zap.Logger
}

// Stats are lifetime record counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Queued    int64 `json:"queued"`
	Failed    int64 `json:"failed"`
	Tapped    int64 `json:"tapped"`
	TapDrops  int64 `json:"tap_drops"`
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	client Ingester
	queue  Queue
	opts   Options
	log    *zap.Logger

	delivered atomic.Int64
	queued    atomic.Int64
	failed    atomic.Int64
	tapped    atomic.Int64
	tapDrops  atomic.Int64
}

// New builds a pipeline. q may be nil, in which case undeliverable batches
// are reported as errors.
func New(client Ingester, q Queue, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	return &Pipeline{
		client: client,
		queue:  q,
		opts:   opts,
		log:    logging.OrNop(opts.Logger).Named("pipeline"),
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Delivered: p.delivered.Load(),
		Queued:    p.queued.Load(),
		Failed:    p.failed.Load(),
		Tapped:    p.tapped.Load(),
		TapDrops:  p.tapDrops.Load(),
	}
}

// Deliver sends records to the service. When the service could not be
// reached and a queue is configured, the records are queued instead and
// Deliver reports Queued with a nil error. Any other failure is returned
// and the records are not queued.
func (p *Pipeline) Deliver(ctx context.Context, records []models.IngestRecord) (Outcome, error) {
	if p.opts.Transform != nil {
		out, err := p.opts.Transform.TransformAll(ctx, records)
		if err != nil {
			p.failed.Add(int64(len(records)))
			return Skipped, err
		}
		records = out
	}
	if len(records) == 0 {
		return Skipped, nil
	}
	p.tap(records)

	_, err := p.client.Ingest(ctx, records)
	if err == nil {
		p.delivered.Add(int64(len(records)))
		return Delivered, nil
	}

	if !api.IsQueueable(err) || p.queue == nil {
		p.failed.Add(int64(len(records)))
		p.log.Warn("delivery failed", zap.Int("records", len(records)), zap.Error(err))
		return Skipped, err
	}

	id, qerr := p.queue.Enqueue(ctx, records)
	if qerr != nil {
		p.failed.Add(int64(len(records)))
		return Skipped, errors.Join(err, qerr)
	}
	p.queued.Add(int64(len(records)))
	p.log.Info("service unreachable, batch queued", zap.String("batch_id", id), zap.Int("records", len(records)))
	return Queued, nil
}

func (p *Pipeline) tap(records []models.IngestRecord) {
	if p.opts.Tap == nil {
		return
	}
	for _, rec := range records {
		select {
		case p.opts.Tap <- rec:
			p.tapped.Add(1)
		default:
			p.tapDrops.Add(1)
		}
	}
}

func (p *Pipeline) ids(deviceID string) (string, string) {
	if p.opts.DeviceID != "" {
		deviceID = p.opts.DeviceID
	}
	return deviceID, p.opts.SessionID
}

// batcher accumulates records for one sending goroutine.
type batcher struct {
	p       *Pipeline
	log     *zap.Logger
	pending []models.IngestRecord
}

func (p *Pipeline) newBatcher(log *zap.Logger) *batcher {
	return &batcher{p: p, log: log, pending: make([]models.IngestRecord, 0, p.opts.BatchSize)}
}

func (b *batcher) add(ctx context.Context, rec models.IngestRecord) {
	b.pending = append(b.pending, rec)
	if len(b.pending) >= b.p.opts.BatchSize {
		b.flush(ctx)
	}
}

func (b *batcher) flush(ctx context.Context) {
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = make([]models.IngestRecord, 0, b.p.opts.BatchSize)
	if _, err := b.p.Deliver(ctx, batch); err != nil {
		b.log.Error("batch lost", zap.Int("records", len(batch)), zap.Error(err))
	}
}

// drain flushes after ctx ended; the service may still be reachable.
func (b *batcher) drain(ctx context.Context) {
	tail, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	b.flush(tail)
}

// Stream turns samples into records and delivers them in batches of
// BatchSize, or whatever has accumulated every FlushInterval. It returns
// once both channels are closed or ctx ends, after flushing what is left.
// A nil channel counts as closed.
func (p *Pipeline) Stream(ctx context.Context, deviceID string, ecg <-chan models.ECGSample, hr <-chan models.HeartRateSample) {
	dev, session := p.ids(deviceID)
	b := p.newBatcher(p.log.With(zap.String("device_id", dev)))

	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	for ecg != nil || hr != nil {
		select {
		case <-ctx.Done():
			b.drain(ctx)
			return
		case s, ok := <-ecg:
			if !ok {
				ecg = nil
				continue
			}
			b.add(ctx, models.NewECGRecord(dev, session, s))
		case s, ok := <-hr:
			if !ok {
				hr = nil
				continue
			}
			b.add(ctx, models.NewHeartRateRecord(dev, session, s))
		case <-ticker.C:
			b.flush(ctx)
		}
	}
	b.flush(ctx)
	b.log.Debug("sample streams closed")
}

// Forward delivers ready-made records, such as a replayed capture, with
// the same batching as Stream. Records keep their own ids unless
// Options.DeviceID or SessionID override them.
func (p *Pipeline) Forward(ctx context.Context, records <-chan models.IngestRecord) {
	b := p.newBatcher(p.log)

	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drain(ctx)
			return
		case rec, ok := <-records:
			if !ok {
				b.flush(ctx)
				return
			}
			h := rec.Envelope()
			if p.opts.DeviceID != "" {
				h.DeviceID = p.opts.DeviceID
			}
			if p.opts.SessionID != "" {
				h.SessionID = p.opts.SessionID
			}
			b.add(ctx, rec)
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

// RunSync drains the queue every SyncInterval while the network is online,
// and at once whenever it comes back online, until ctx ends.
func (p *Pipeline) RunSync(ctx context.Context, network Network) {
	if p.queue == nil {
		return
	}
	ticker := time.NewTicker(p.opts.SyncInterval)
	defer ticker.Stop()

	drain := func() {
		res, err := p.queue.Sync(ctx, network.Online())
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error("queue sync failed", zap.Error(err))
			}
			return
		}
		if res.Synced > 0 || res.Failed > 0 {
			p.log.Info("queue synced", zap.Int("synced", res.Synced), zap.Int("failed", res.Failed))
		}
	}

	changes := network.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drain()
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if online {
				drain()
			}
		}
	}
}
