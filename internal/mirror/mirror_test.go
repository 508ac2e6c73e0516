package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serena/serena-cli/internal/encoding"
	"github.com/serena/serena-cli/internal/models"
)

type message struct {
	topic   string
	qos     byte
	payload string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{topic, qos, string(payload)})
	return nil
}

func TestTopic(t *testing.T) {
	m := New(&fakePublisher{}, "/serena/", 0, nil, nil)
	rec := &models.HeartRateRecord{Header: models.Header{DeviceID: "A0:9E:1A:01:02:03"}}
	assert.Equal(t, "serena/A0:9E:1A:01:02:03/hr_derived", m.Topic(rec))

	odd := &models.ECGRecord{Header: models.Header{DeviceID: "a/b+#"}}
	assert.Equal(t, "serena/a_b__/ecg", m.Topic(odd))

	bare := New(&fakePublisher{}, "", 0, nil, nil)
	assert.Equal(t, "unknown/ecg", bare.Topic(&models.ECGRecord{}))
}

func TestRunPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	m := New(pub, "serena", 1, nil, nil)

	ch := make(chan models.IngestRecord, 2)
	ch <- &models.HeartRateRecord{Header: models.Header{DeviceID: "dev", TS: 5}, BPM: 70}
	ch <- &models.RespirationRecord{Header: models.Header{DeviceID: "dev", TS: 6}, EstRR: 6}
	close(ch)
	m.Run(context.Background(), ch)

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, message{"serena/dev/hr_derived", 1, `{"signal":"hr_derived","device_id":"dev","ts":5,"bpm":70}`}, pub.msgs[0])
	assert.Equal(t, "serena/dev/resp_rr", pub.msgs[1].topic)

	published, failed := m.Stats()
	assert.Equal(t, int64(2), published)
	assert.Zero(t, failed)
}

func TestPublishProtobuf(t *testing.T) {
	pub := &fakePublisher{}
	m := New(pub, "serena", 0, encoding.NewProtobufEncoder(), nil)
	rec := &models.ECGRecord{Header: models.Header{DeviceID: "dev", TS: 1}, Samples: []int32{7}}
	require.NoError(t, m.Publish(rec))

	got, err := encoding.NewProtobufEncoder().Decode([]byte(pub.msgs[0].payload))
	require.NoError(t, err)
	assert.Equal(t, []int32{7}, got.(*models.ECGRecord).Samples)
}

func TestPublishFailureCounted(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	m := New(pub, "serena", 0, nil, nil)

	ch := make(chan models.IngestRecord, 1)
	ch <- &models.HeartRateRecord{Header: models.Header{DeviceID: "dev"}}
	close(ch)
	m.Run(context.Background(), ch)

	published, failed := m.Stats()
	assert.Zero(t, published)
	assert.Equal(t, int64(1), failed)
}
