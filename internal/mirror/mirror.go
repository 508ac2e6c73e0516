// Package mirror republishes records to an MQTT broker, one topic per
// device and signal.
package mirror

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/encoding"
	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
)

// Publisher sends one message.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Mirror publishes records as they pass through the pipeline. Failures
// are logged and counted; they never hold up delivery.
type Mirror struct {
	pub     Publisher
	prefix  string
	qos     byte
	encoder encoding.Encoder
	log     *zap.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a mirror. A nil encoder publishes JSON.
func New(pub Publisher, prefix string, qos byte, encoder encoding.Encoder, log *zap.Logger) *Mirror {
	if encoder == nil {
		encoder = encoding.NewJSONEncoder()
	}
	return &Mirror{
		pub:     pub,
		prefix:  strings.Trim(prefix, "/"),
		qos:     qos,
		encoder: encoder,
		log:     logging.OrNop(log).Named("mirror"),
	}
}

// Topic is <prefix>/<device_id>/<signal>. MQTT separators and wildcards
// inside the ids are replaced with '_'.
func (m *Mirror) Topic(rec models.IngestRecord) string {
	device := topicSafe(rec.Envelope().DeviceID)
	if device == "" {
		device = "unknown"
	}
	topic := device + "/" + topicSafe(string(rec.Signal()))
	if m.prefix == "" {
		return topic
	}
	return m.prefix + "/" + topic
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicSafe(s string) string {
	return topicReplacer.Replace(s)
}

// Publish mirrors one record.
func (m *Mirror) Publish(rec models.IngestRecord) error {
	payload, err := m.encoder.Encode(rec)
	if err != nil {
		m.failed.Add(1)
		return err
	}
	if err := m.pub.Publish(m.Topic(rec), m.qos, false, payload); err != nil {
		m.failed.Add(1)
		return err
	}
	m.published.Add(1)
	return nil
}

// Run mirrors records until the channel closes or ctx ends.
func (m *Mirror) Run(ctx context.Context, records <-chan models.IngestRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := m.Publish(rec); err != nil {
				m.log.Warn("mirror publish failed", zap.String("signal", string(rec.Signal())), zap.Error(err))
			}
		}
	}
}

// Stats returns published and failed counts.
func (m *Mirror) Stats() (published, failed int64) {
	return m.published.Load(), m.failed.Load()
}
