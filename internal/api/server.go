package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/phonekit/phonekit/internal/api/middleware"
	"github.com/phonekit/phonekit/internal/callrecord"
	"github.com/phonekit/phonekit/internal/phone"
)

// Phone is the device surface the API drives. *phone.Device implements it.
type Phone interface {
	Snapshot() phone.DeviceSnapshot
	UpdateCapabilityToken(token string) error
	Listen() error
	Unlisten() error
	SetReachability(r phone.Reachability)
	Connect(params map[string]string, cd phone.ConnectionDelegate) (*phone.Connection, error)
	Connection(id string) (*phone.Connection, bool)
	Connections() []*phone.Connection
	SetPresence(available bool) error
}

// HistoryStore reads the call history. *callrecord.Store implements it.
type HistoryStore interface {
	List(ctx context.Context, f callrecord.Filter) ([]callrecord.Record, int, error)
	Get(ctx context.Context, id string) (callrecord.Record, error)
}

// Options configures a Server.
type Options struct {
	Phone   Phone
	History HistoryStore
	// Metrics, when set, is mounted at /api/v1/metrics.
	Metrics http.Handler
	Logger  *slog.Logger

	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	RateBurst int
	// APIKey, when set, is required on every route except /health.
	APIKey string
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	phone     Phone
	history   HistoryStore
	metrics   http.Handler
	logger    *slog.Logger
	limiter   *middleware.ClientLimiter
	apiKey    string
	startedAt time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		phone:     opts.Phone,
		history:   opts.History,
		metrics:   opts.Metrics,
		logger:    logger.With("subsystem", "api"),
		apiKey:    opts.APIKey,
		startedAt: time.Now(),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit)
		}
		s.limiter = middleware.NewClientLimiter(rate.Limit(opts.RateLimit), max(burst, 1), s.logger)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases the rate limiter's sweeper.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	if s.limiter != nil {
		r.Use(s.limiter.Handler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAPIKey(s.apiKey))

			r.Route("/device", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Put("/token", s.handleUpdateToken)
				r.Post("/listen", s.handleListen)
				r.Post("/unlisten", s.handleUnlisten)
				r.Put("/reachability", s.handleSetReachability)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/", s.handleCreateCall)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Post("/accept", s.callAction(acceptCall))
					r.Post("/ignore", s.callAction(ignoreCall))
					r.Post("/reject", s.callAction(rejectCall))
					r.Post("/hangup", s.callAction(hangupCall))
					r.Post("/reinvite", s.callAction(reinviteCall))
					r.Post("/digits", s.handleSendDigits)
					r.Put("/mute", s.handleSetMute)
				})
			})

			r.Put("/presence", s.handleSetPresence)
			r.Get("/roster", s.handleGetRoster)

			r.Route("/history", func(r chi.Router) {
				r.Get("/", s.handleListHistory)
				r.Get("/{id}", s.handleGetHistory)
			})

			if s.metrics != nil {
				r.Method(http.MethodGet, "/metrics", s.metrics)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted", "auth", s.apiKey != "", "rate_limited", s.limiter != nil)
}

type healthResponse struct {
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	up := time.Since(s.startedAt)
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		StartedAt:  s.startedAt.Format(time.RFC3339),
		UptimeSec:  int64(up.Seconds()),
		UptimeText: formatUptime(up),
	})
}
