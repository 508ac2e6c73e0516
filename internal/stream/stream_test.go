package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serena/serena-cli/internal/models"
)

// sseServer writes the given events and holds the stream open until the
// client leaves.
func sseServer(t *testing.T, events []string) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery.Store(r.URL.RawQuery)
		if r.URL.Path != "/api/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": connected\n\n")
		for _, e := range events {
			fmt.Fprint(w, e)
		}
		flusher.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv, &lastQuery
}

func hrEvent(i int) string {
	return fmt.Sprintf("data: {\"_id\":\"%d\",\"signal\":\"hr_derived\",\"device_id\":\"dev\",\"ts\":%d,\"bpm\":%d}\n\n", i, 1700000000000+i, 60+i%40)
}

func ecgEvent(i int) string {
	return fmt.Sprintf("data: {\"_id\":\"e%d\",\"signal\":\"ecg\",\"device_id\":\"dev\",\"ts\":%d,\"samples\":[1,2,3]}\n\n", i, 1700000000000+i)
}

func TestConsumerKeepsNewestFirst(t *testing.T) {
	events := make([]string, 0, 1001)
	for i := 0; i < 1001; i++ {
		events = append(events, hrEvent(i))
	}
	srv, _ := sseServer(t, events)

	c := NewConsumer(Options{BaseURL: srv.URL, Prefix: "/api"})
	require.NoError(t, c.Connect(testContext(t)))
	defer c.Close()

	require.Eventually(t, func() bool {
		s := c.Signals()
		return len(s) == DefaultBufferSize && s[0].ID == "1000"
	}, 5*time.Second, 10*time.Millisecond)

	signals := c.Signals()
	assert.Equal(t, "1", signals[len(signals)-1].ID)
	assert.True(t, c.Connected())
}

func TestConsumerLatestAndByType(t *testing.T) {
	srv, _ := sseServer(t, []string{hrEvent(1), ecgEvent(2), hrEvent(3), ecgEvent(4)})

	c := NewConsumer(Options{BaseURL: srv.URL, Prefix: "/api"})
	require.NoError(t, c.Connect(testContext(t)))
	defer c.Close()

	require.Eventually(t, func() bool { return len(c.Signals()) == 4 }, 5*time.Second, 10*time.Millisecond)

	latest := c.Latest(models.SignalHRDerived)
	require.NotNil(t, latest)
	assert.Equal(t, "3", latest.ID)
	hr := latest.Record.(*models.HeartRateRecord)
	assert.Equal(t, 63.0, hr.BPM)

	ecg := c.ByType(models.SignalECG)
	require.Len(t, ecg, 2)
	assert.Equal(t, "e4", ecg[0].ID)
	assert.Equal(t, "e2", ecg[1].ID)

	assert.Nil(t, c.Latest(models.SignalGuidance))
}

func TestConsumerReportsParseErrorsAndContinues(t *testing.T) {
	srv, _ := sseServer(t, []string{"data: {not json\n\n", hrEvent(7)})

	var mu sync.Mutex
	var errs []error
	c := NewConsumer(Options{BaseURL: srv.URL, Prefix: "/api", OnError: func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}})
	require.NoError(t, c.Connect(testContext(t)))
	defer c.Close()

	require.Eventually(t, func() bool { return len(c.Signals()) == 1 }, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "failed to parse signal")
}

func TestConsumerCallbacks(t *testing.T) {
	srv, _ := sseServer(t, []string{hrEvent(1)})

	var opened, closed atomic.Int32
	var received atomic.Int32
	c := NewConsumer(Options{
		BaseURL:  srv.URL,
		Prefix:   "/api",
		OnOpen:   func() { opened.Add(1) },
		OnClose:  func() { closed.Add(1) },
		OnSignal: func(models.SignalRecord) { received.Add(1) },
	})
	require.NoError(t, c.Connect(testContext(t)))
	assert.Equal(t, int32(1), opened.Load())
	require.Eventually(t, func() bool { return received.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	c.Close()
	c.Close()
	assert.Equal(t, int32(1), closed.Load())
	assert.False(t, c.Connected())
}

func TestConsumerNon200(t *testing.T) {
	srv, _ := sseServer(t, nil)

	var errs atomic.Int32
	c := NewConsumer(Options{BaseURL: srv.URL, Prefix: "/nope", OnError: func(error) { errs.Add(1) }})
	err := c.Connect(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), errs.Load())
	assert.False(t, c.Connected())
}

func TestConsumerStreamEndIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, hrEvent(1))
	}))
	defer srv.Close()

	errCh := make(chan error, 1)
	c := NewConsumer(Options{BaseURL: srv.URL, OnError: func(err error) { errCh <- err }})
	require.NoError(t, c.Connect(context.Background()))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no error after stream ended")
	}
	assert.Eventually(t, func() bool { return !c.Connected() }, time.Second, 10*time.Millisecond)
	assert.Len(t, c.Signals(), 1)
}

func TestConsumerURL(t *testing.T) {
	c := NewConsumer(Options{BaseURL: "http://host:8000/", Prefix: "/api"})
	assert.Equal(t, "http://host:8000/api/stream", c.URL())

	c = NewConsumer(Options{
		BaseURL:  "http://host:8000",
		DeviceID: "dev 1",
		Signals:  []models.SignalType{models.SignalECG, models.SignalHRDerived},
	})
	assert.Equal(t, "http://host:8000/stream?device_id=dev+1&signal=ecg&signal=hr_derived", c.URL())
}

func TestConsumerSendsFilters(t *testing.T) {
	srv, query := sseServer(t, nil)
	c := NewConsumer(Options{BaseURL: srv.URL, Prefix: "/api", DeviceID: "dev", Signals: []models.SignalType{models.SignalRespRR}})
	require.NoError(t, c.Connect(testContext(t)))
	defer c.Close()
	assert.Equal(t, "device_id=dev&signal=resp_rr", query.Load())
}

func TestParseEvents(t *testing.T) {
	input := strings.Join([]string{
		": comment",
		"event: signal",
		"id: 4",
		"data: line one",
		"data:line two",
		"",
		"retry: 1000",
		"",
		"data: last\r",
		"\r",
		"data: unterminated",
	}, "\n")

	var got []string
	require.NoError(t, parseEvents(strings.NewReader(input), func(d string) { got = append(got, d) }))
	assert.Equal(t, []string{"line one\nline two", "last"}, got)
}
