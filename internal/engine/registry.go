package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrRegistryClosed is returned by Acquire after the registry is closed.
var ErrRegistryClosed = errors.New("transport registry closed")

// Registry hands out counted leases on shared transports. A transport is
// opened on first Acquire and closed when its last lease is released, so
// it lives as long as its longest holder.
type Registry[T io.Closer] struct {
	open   func(key string) (T, error)
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*sharedTransport[T]
	closed  bool
}

type sharedTransport[T io.Closer] struct {
	value T
	refs  int
}

// Lease is one counted reference to a transport.
type Lease[T io.Closer] struct {
	key      string
	value    T
	registry *Registry[T]
	once     sync.Once
}

// NewRegistry creates a registry that opens transports with open.
func NewRegistry[T io.Closer](open func(key string) (T, error), logger *slog.Logger) *Registry[T] {
	return &Registry[T]{
		open:    open,
		logger:  logger.With("subsystem", "transport-registry"),
		entries: make(map[string]*sharedTransport[T]),
	}
}

// Acquire returns a lease on the transport for key, opening it if needed.
func (r *Registry[T]) Acquire(key string) (*Lease[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	entry, ok := r.entries[key]
	if !ok {
		v, err := r.open(key)
		if err != nil {
			return nil, fmt.Errorf("opening transport %s: %w", key, err)
		}
		entry = &sharedTransport[T]{value: v}
		r.entries[key] = entry
		r.logger.Debug("transport opened", "transport", key)
	}
	entry.refs++

	return &Lease[T]{key: key, value: entry.value, registry: r}, nil
}

// Refs returns the number of live leases on key.
func (r *Registry[T]) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Close stops new acquisitions. Transports with outstanding leases stay
// open until those leases are released.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Registry[T]) release(key string) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	if err := entry.value.Close(); err != nil {
		r.logger.Warn("closing transport", "transport", key, "error", err)
		return
	}
	r.logger.Debug("transport closed", "transport", key)
}

// Value returns the leased transport.
func (l *Lease[T]) Value() T {
	return l.value
}

// Release drops this lease. Calling it more than once has no effect.
func (l *Lease[T]) Release() {
	l.once.Do(func() {
		l.registry.release(l.key)
	})
}
