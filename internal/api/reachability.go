package api

import (
	"sync"

	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
)

// Reachability fans out "the service answered" signals to listeners.
type Reachability struct {
	log *zap.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[int]func()
}

func newReachability(log *zap.Logger) *Reachability {
	return &Reachability{log: logging.OrNop(log), listeners: make(map[int]func())}
}

// On registers fn and returns a function that removes it.
func (r *Reachability) On(fn func()) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Emit calls every listener. A panicking listener is logged and skipped.
func (r *Reachability) Emit() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		r.call(fn)
	}
}

func (r *Reachability) call(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("reachability listener panicked", zap.Any("panic", p))
		}
	}()
	fn()
}
