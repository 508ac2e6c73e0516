// Package receiver is a local stand-in for the collection service. It
// accepts NDJSON ingest batches, answers pings and pushes every accepted
// record to stream clients.
package receiver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
	"github.com/serena/serena-cli/internal/transport"
)

// Version is reported by /status.
const Version = "1.0.0"

const (
	maxBodySize   = 10 * 1024 * 1024
	recentRecords = 1000
)

// Config holds the receiver server configuration
type Config struct {
	Addr   string
	Prefix string
	// Token and JWTSecret each enable bearer auth. Without either, every
	// request is accepted.
	Token      string
	JWTSecret  string
	AcceptGzip bool
	KeepAlive  time.Duration
}

// Server is the HTTP receiver server
type Server struct {
	config     Config
	writer     Writer
	idempotent *IdempotencyStore
	sse        *transport.SSEHub
	ws         *transport.WebSocketHub
	log        *zap.Logger
	server     *http.Server
	listener   net.Listener
	started    time.Time

	mu       sync.RWMutex
	stats    Stats
	recent   []models.SignalRecord
	failNext int
	failCode int
}

// Stats holds server statistics
type Stats struct {
	Batches    int `json:"batches"`
	Records    int `json:"records"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// NewServer creates a new receiver server. writer may be nil.
func NewServer(config Config, writer Writer, log *zap.Logger) *Server {
	log = logging.OrNop(log).Named("receiver")
	if writer == nil {
		writer = NewMultiWriter()
	}
	return &Server{
		config:     config,
		writer:     writer,
		idempotent: NewIdempotencyStore(),
		sse:        transport.NewSSEHub(config.KeepAlive, log),
		ws:         transport.NewWebSocketHub(log),
		log:        log,
		started:    time.Now(),
	}
}

// Handler returns the receiver's routes.
func (s *Server) Handler() http.Handler {
	p := strings.TrimRight(s.config.Prefix, "/")
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+p+"/ingest", s.handleIngest)
	mux.HandleFunc("GET "+p+"/ping", s.handlePing)
	mux.HandleFunc("GET "+p+"/status", s.handleStatus)
	mux.HandleFunc("GET "+p+"/signals/recent", s.authorized(s.handleRecent))
	mux.Handle("GET "+p+"/stream", s.authorized(s.sse.ServeHTTP))
	mux.Handle("GET "+p+"/ws", s.authorized(s.ws.ServeHTTP))
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Listen binds the configured address. It lets callers learn the port
// before Serve runs.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	return nil
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("receiver listening", zap.String("url", s.GetAddress()))

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.sse.Shutdown()
	s.ws.Shutdown()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return err
		}
	}
	return s.writer.Close()
}

// GetAddress returns the base URL including the prefix.
func (s *Server) GetAddress() string {
	addr := s.config.Addr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	return "http://" + addr + strings.TrimRight(s.config.Prefix, "/")
}

// GetStats returns current server statistics
func (s *Server) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// FailNext makes the next n ingest requests answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failCode = status
}

func (s *Server) countError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimRight(s.config.Prefix, "/")
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "serena-receiver",
		"version": Version,
		"ingest":  p + "/ingest",
		"stream":  p + "/stream",
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.SystemStatus{
		Status:    "ok",
		Database:  "memory",
		Version:   Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.validateAuth(r) {
		s.countError()
		s.writeError(w, http.StatusUnauthorized, "invalid or missing authorization token")
		return
	}

	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		code := s.failCode
		s.stats.Errors++
		s.mu.Unlock()
		s.writeError(w, code, "injected failure")
		return
	}
	s.mu.Unlock()

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		s.countError()
		s.writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/x-ndjson")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" && s.idempotent.Exists(key) {
		s.mu.Lock()
		s.stats.Duplicates++
		n := s.idempotent.Count(key)
		s.mu.Unlock()
		s.log.Info("duplicate batch skipped", zap.String("key", key))
		writeJSON(w, http.StatusOK, map[string]any{"ingested": n, "duplicate": true})
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.countError()
		s.writeError(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return
	}
	defer body.Close()

	var records []models.IngestRecord
	var lineErr error
	scanErr := models.ScanNDJSON(body, func(line int, rec models.IngestRecord, err error) {
		if lineErr != nil {
			return
		}
		if err == nil {
			err = models.Validate(rec)
		}
		if err != nil {
			lineErr = fmt.Errorf("line %d: %w", line, err)
			return
		}
		records = append(records, rec)
	})
	if scanErr != nil {
		s.countError()
		s.writeError(w, http.StatusBadRequest, "failed to read request body: "+scanErr.Error())
		return
	}
	if lineErr != nil {
		s.countError()
		s.writeError(w, http.StatusUnprocessableEntity, lineErr.Error())
		return
	}

	signals := make([]models.SignalRecord, len(records))
	now := time.Now()
	for i, rec := range records {
		h := rec.Envelope()
		h.TS = models.NormalizeTimestamp(h.TS, now)
		if h.DT == "" {
			h.DT = models.FormatDT(h.TS)
		}
		signals[i] = models.SignalRecord{ID: uuid.NewString(), Record: rec}
	}

	if err := s.writer.Write(signals); err != nil {
		s.countError()
		s.writeError(w, http.StatusInternalServerError, "failed to store records: "+err.Error())
		return
	}
	if key != "" {
		s.idempotent.Mark(key, len(records))
	}

	s.mu.Lock()
	s.stats.Batches++
	s.stats.Records += len(records)
	s.remember(signals)
	s.mu.Unlock()

	for _, sig := range signals {
		if err := s.sse.Broadcast(sig); err != nil {
			s.log.Warn("stream broadcast failed", zap.Error(err))
		}
		if err := s.ws.Broadcast(sig); err != nil {
			s.log.Warn("websocket broadcast failed", zap.Error(err))
		}
	}

	s.log.Debug("batch ingested", zap.Int("records", len(records)), zap.String("key", key))
	writeJSON(w, http.StatusOK, map[string]int{"ingested": len(records)})
}

// remember prepends signals to the recent list. Caller holds s.mu.
func (s *Server) remember(signals []models.SignalRecord) {
	next := make([]models.SignalRecord, 0, min(len(s.recent)+len(signals), recentRecords))
	for i := len(signals) - 1; i >= 0 && len(next) < recentRecords; i-- {
		next = append(next, signals[i])
	}
	for _, sig := range s.recent {
		if len(next) == recentRecords {
			break
		}
		next = append(next, sig)
	}
	s.recent = next
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	device := q.Get("device_id")

	s.mu.RLock()
	out := make([]models.SignalRecord, 0, min(limit, len(s.recent)))
	for _, sig := range s.recent {
		if len(out) == limit {
			break
		}
		if device == "" || sig.Header().DeviceID == device {
			out = append(out, sig)
		}
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.validateAuth(r) {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing authorization token")
			return
		}
		next(w, r)
	}
}

func (s *Server) validateAuth(r *http.Request) bool {
	if s.config.Token == "" && s.config.JWTSecret == "" {
		return true
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return false
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return false
	}

	if s.config.Token != "" && parts[1] == s.config.Token {
		return true
	}
	if s.config.JWTSecret != "" {
		return s.validJWT(parts[1])
	}
	return false
}

func (s *Server) validJWT(raw string) bool {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		s.log.Debug("jwt rejected", zap.Error(err))
		return false
	}
	return token.Valid
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	limited := http.MaxBytesReader(w, r.Body, maxBodySize)

	if s.config.AcceptGzip && r.Header.Get("Content-Encoding") == "gzip" {
		gzReader, err := gzip.NewReader(limited)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress gzip: %w", err)
		}
		return gzReader, nil
	}
	return limited, nil
}

// writeError answers in the {"detail": ...} shape the client reads.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// IdempotencyStore tracks processed batch keys
type IdempotencyStore struct {
	seen map[string]int
	mu   sync.RWMutex
}

// NewIdempotencyStore creates a new idempotency store
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		seen: make(map[string]int),
	}
}

// Exists checks if a key has been processed
func (s *IdempotencyStore) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.seen[key]
	return exists
}

// Count returns how many records the key's batch held.
func (s *IdempotencyStore) Count(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seen[key]
}

// Mark records a key as processed
func (s *IdempotencyStore) Mark(key string, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[key] = records
}
