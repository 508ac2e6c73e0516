package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WebSocketHub pushes every signal as a JSON text message to dashboards
// connected over WebSocket.
type WebSocketHub struct {
	log     *zap.Logger
	clients map[*websocket.Conn]*sync.Mutex
	mu      sync.RWMutex
}

func NewWebSocketHub(log *zap.Logger) *WebSocketHub {
	return &WebSocketHub{
		log:     logging.OrNop(log).Named("websocket"),
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (s *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.clients[conn] = &sync.Mutex{}
	clientCount := len(s.clients)
	s.mu.Unlock()

	s.log.Info("client connected", zap.String("remote", r.RemoteAddr), zap.Int("clients", clientCount))

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.mu.Unlock()

		conn.Close()
		s.log.Info("client disconnected", zap.Int("clients", clientCount))
	}()

	// Reads only detect the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends rec to all connected clients. Write failures are left
// for the read loop to clean up.
func (s *WebSocketHub) Broadcast(rec models.SignalRecord) error {
	if s.ClientCount() == 0 {
		return nil
	}
	data, err := rec.MarshalJSON()
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for conn, wmu := range s.clients {
		wmu.Lock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		wmu.Unlock()
		if err != nil {
			s.log.Debug("failed to send to client", zap.Error(err))
		}
	}
	return nil
}

// ClientCount returns the number of connected clients
func (s *WebSocketHub) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown closes all client connections.
func (s *WebSocketHub) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]*sync.Mutex)
}
