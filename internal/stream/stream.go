// Package stream consumes the collection service's server-sent signal
// stream and keeps the most recent signals in memory.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
)

// DefaultBufferSize is how many signals a Consumer keeps.
const DefaultBufferSize = 1000

// Options configures a Consumer. Signals are passed to the service as
// filters; anything it sends is kept regardless.
type Options struct {
	BaseURL    string
	Prefix     string
	DeviceID   string
	Signals    []models.SignalType
	BufferSize int

	OnOpen   func()
	OnError  func(error)
	OnClose  func()
	OnSignal func(models.SignalRecord)

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Consumer holds the newest signals first, up to BufferSize. It does not
// reconnect on its own; call Connect again after an error.
type Consumer struct {
	opts Options
	log  *zap.Logger

	mu        sync.RWMutex
	signals   []models.SignalRecord
	connected bool
	cancel    context.CancelFunc
	gen       uint64
	closed    bool
	closeOnce sync.Once
}

func NewConsumer(opts Options) *Consumer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Consumer{
		opts: opts,
		log:  logging.OrNop(opts.Logger).Named("stream"),
	}
}

// URL is the stream endpoint with the device and signal filters.
func (c *Consumer) URL() string {
	q := url.Values{}
	if c.opts.DeviceID != "" {
		q.Set("device_id", c.opts.DeviceID)
	}
	for _, s := range c.opts.Signals {
		q.Add("signal", string(s))
	}
	u := strings.TrimRight(c.opts.BaseURL, "/") + c.opts.Prefix + "/stream"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Connect opens the stream and returns once the service has answered.
// Events are read in the background until Close or a stream error. ctx
// bounds only the connection attempt.
func (c *Consumer) Connect(ctx context.Context) error {
	c.stop()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopOnSetup := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.URL(), nil)
	if err != nil {
		stopOnSetup()
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.opts.HTTPClient.Do(req)
	stopOnSetup()
	if err != nil {
		cancel()
		c.reportError(err)
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		err := fmt.Errorf("stream returned status %d", resp.StatusCode)
		c.reportError(err)
		return err
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.connected = true
	c.closed = false
	c.closeOnce = sync.Once{}
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info("stream open", zap.String("url", c.URL()))
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}

	go c.read(streamCtx, resp.Body, gen)
	return nil
}

func (c *Consumer) read(ctx context.Context, body io.ReadCloser, gen uint64) {
	defer body.Close()

	err := parseEvents(body, func(data string) {
		rec, err := decodeSignal(data)
		if err != nil {
			c.reportError(err)
			return
		}
		c.push(gen, rec)
	})

	c.mu.Lock()
	if c.gen == gen {
		c.connected = false
	}
	c.mu.Unlock()

	switch {
	case ctx.Err() != nil:
	case err == nil:
		c.reportError(io.ErrUnexpectedEOF)
	default:
		c.reportError(err)
	}
}

func decodeSignal(data string) (models.SignalRecord, error) {
	var rec models.SignalRecord
	if err := rec.UnmarshalJSON([]byte(data)); err != nil {
		return rec, fmt.Errorf("failed to parse signal: %w", err)
	}
	return rec, nil
}

// push prepends rec and trims the buffer. Signals from a replaced or
// closed connection are discarded.
func (c *Consumer) push(gen uint64, rec models.SignalRecord) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	n := len(c.signals) + 1
	if n > c.opts.BufferSize {
		n = c.opts.BufferSize
	}
	next := make([]models.SignalRecord, n)
	next[0] = rec
	copy(next[1:], c.signals)
	c.signals = next
	c.mu.Unlock()

	if c.opts.OnSignal != nil {
		c.opts.OnSignal(rec)
	}
}

func (c *Consumer) reportError(err error) {
	c.log.Warn("stream error", zap.Error(err))
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

// stop cancels the running stream, if any.
func (c *Consumer) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.gen++
	c.connected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Close ends the stream. Signals arriving afterwards are discarded.
// OnClose fires once.
func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	once := &c.closeOnce
	c.mu.Unlock()

	c.stop()
	once.Do(func() {
		c.log.Info("stream closed")
		if c.opts.OnClose != nil {
			c.opts.OnClose()
		}
	})
}

func (c *Consumer) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Signals returns every buffered signal, newest first.
func (c *Consumer) Signals() []models.SignalRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.SignalRecord(nil), c.signals...)
}

// Latest returns the newest signal of type t, or nil.
func (c *Consumer) Latest(t models.SignalType) *models.SignalRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.signals {
		if c.signals[i].Signal() == t {
			rec := c.signals[i]
			return &rec
		}
	}
	return nil
}

// ByType returns the buffered signals of type t, newest first.
func (c *Consumer) ByType(t models.SignalType) []models.SignalRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.SignalRecord
	for _, s := range c.signals {
		if s.Signal() == t {
			out = append(out, s)
		}
	}
	return out
}

// parseEvents reads an event stream and calls fn with the data of each
// event. Multi-line data is joined with newlines; comments and other
// fields are ignored.
func parseEvents(r io.Reader, fn func(data string)) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	var data []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				fn(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "data":
			data = append(data, "")
		}

		if err != nil {
			return nil
		}
	}
}
