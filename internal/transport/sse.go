package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
)

// DefaultKeepAlive is how often idle SSE clients receive a comment line.
const DefaultKeepAlive = 15 * time.Second

// sseClient is one open stream and its filters.
type sseClient struct {
	ch       chan []byte
	deviceID string
	signals  map[models.SignalType]bool
}

func (c *sseClient) wants(rec models.SignalRecord) bool {
	if c.deviceID != "" && rec.Header().DeviceID != c.deviceID {
		return false
	}
	return len(c.signals) == 0 || c.signals[rec.Signal()]
}

// SSEHub pushes signals to Server-Sent Events clients. Clients filter by
// the device_id and repeated signal query parameters.
type SSEHub struct {
	log       *zap.Logger
	keepAlive time.Duration
	clients   map[*sseClient]bool
	mu        sync.RWMutex
	dropped   int64
}

// NewSSEHub creates a hub. A keepAlive of zero uses DefaultKeepAlive.
func NewSSEHub(keepAlive time.Duration, log *zap.Logger) *SSEHub {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &SSEHub{
		log:       logging.OrNop(log).Named("sse"),
		keepAlive: keepAlive,
		clients:   make(map[*sseClient]bool),
	}
}

func (s *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	client := &sseClient{
		ch:       make(chan []byte, 100),
		deviceID: q.Get("device_id"),
	}
	if sigs := q["signal"]; len(sigs) > 0 {
		client.signals = make(map[models.SignalType]bool, len(sigs))
		for _, sig := range sigs {
			client.signals[models.SignalType(sig)] = true
		}
	}

	// Registered before the headers go out so a client that saw the 200
	// gets every later broadcast.
	s.addClient(client)
	defer s.removeClient(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Info("SSE client connected",
		zap.String("remote", r.RemoteAddr),
		zap.String("device_id", client.deviceID),
		zap.Int("clients", s.ClientCount()))

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case data, ok := <-client.ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *SSEHub) addClient(c *sseClient) {
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
}

func (s *SSEHub) removeClient(c *sseClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[c]; exists {
		delete(s.clients, c)
		close(c.ch)
		s.log.Info("SSE client disconnected", zap.Int("clients", len(s.clients)))
	}
}

// Broadcast sends rec to every client whose filters match. Slow clients
// miss the event.
func (s *SSEHub) Broadcast(rec models.SignalRecord) error {
	if s.ClientCount() == 0 {
		return nil
	}

	data, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		if !c.wants(rec) {
			continue
		}
		select {
		case c.ch <- data:
		default:
			s.dropped++
		}
	}
	return nil
}

// Dropped counts events skipped because a client fell behind.
func (s *SSEHub) Dropped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// ClientCount returns connected client count
func (s *SSEHub) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown ends every open stream.
func (s *SSEHub) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		close(c.ch)
	}
	s.clients = make(map[*sseClient]bool)
}
