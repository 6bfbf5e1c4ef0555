package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientIdle is how long an unused per-client limiter is kept.
const clientIdle = 10 * time.Minute

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter rate limits requests per client address.
type ClientLimiter struct {
	rate   rate.Limit
	burst  int
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*clientEntry

	stop chan struct{}
	once sync.Once
}

// NewClientLimiter allows each client r requests per second with the given
// burst. Close stops the idle sweeper.
func NewClientLimiter(r rate.Limit, burst int, logger *slog.Logger) *ClientLimiter {
	l := &ClientLimiter{
		rate:    r,
		burst:   burst,
		logger:  logger,
		clients: make(map[string]*clientEntry),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether a request from addr may proceed now.
func (l *ClientLimiter) Allow(addr string) bool {
	l.mu.Lock()
	entry, ok := l.clients[addr]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[addr] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Close stops the sweeper. It is safe to call more than once.
func (l *ClientLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *ClientLimiter) sweepLoop() {
	ticker := time.NewTicker(clientIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.sweep(now.Add(-clientIdle))
		case <-l.stop:
			return
		}
	}
}

// sweep drops limiters last used before cutoff.
func (l *ClientLimiter) sweep(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for addr, entry := range l.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(l.clients, addr)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter sweep", "removed", removed, "remaining", len(l.clients))
	}
}

// Handler rejects requests over the client's limit with 429 and a
// Retry-After header.
func (l *ClientLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		if !l.Allow(addr) {
			l.logger.Warn("rate limit exceeded",
				"client", addr,
				"method", r.Method,
				"path", r.URL.Path,
			)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr returns the request's remote IP without the port. chi's
// RealIP middleware must run first when behind a proxy.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
