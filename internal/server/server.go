package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"upload-relay/internal/db"
	"upload-relay/internal/relay"
	"upload-relay/internal/staging"
	"upload-relay/internal/storage"
)

// Ledger stores relay outcomes. It is optional.
type Ledger interface {
	Record(ctx context.Context, requestID, correlationID, bucket string, outcomes []relay.Outcome) error
	ListByCorrelation(ctx context.Context, correlationID string, limit int) ([]db.Record, error)
	Ping(ctx context.Context) error
}

// Stager starts writing one file part to transient storage.
type Stager interface {
	Stage(index int, part staging.FilePart) *staging.Unit
	Dir() string
}

type Config struct {
	Addr    string // e.g. ":8080"
	Version string
	Commit  string

	Relay   *relay.Relay
	Stager  Stager
	Breaker *storage.CircuitBreaker // reported on /ready and /metrics when set
	Ledger  Ledger                  // nil disables persistence and /uploads

	CorrelationField string        // form field holding the correlation ID
	MaxUploadBytes   int64         // 0 means no limit
	RequestTimeout   time.Duration // 0 means no deadline
	RateLimit        int           // upload requests per minute per IP, 0 disables
}

type Server struct {
	cfg        Config
	httpServer *http.Server
	limiter    *rateLimiter
}

func New(cfg Config) *Server {
	if cfg.CorrelationField == "" {
		cfg.CorrelationField = "fitcheckId"
	}

	s := &Server{cfg: cfg}
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, time.Minute)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	// Read-only routes only: the upload writer must stay unwrappable for
	// deadline control.
	compressed := r.With(middleware.Compress(5, "application/json", "text/plain"))
	compressed.Get("/metrics", PrometheusMetricsHandler(cfg.Version, cfg.Breaker).ServeHTTP)
	if cfg.Ledger != nil {
		compressed.Get("/uploads/{correlationID}", s.handleListUploads)
	}

	upload := s.uploadHandler()
	if s.limiter != nil {
		upload = s.limiter.middleware(upload)
	}
	// All methods reach the controller so it can answer 405 itself.
	r.Handle("/", upload)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.httpServer.Shutdown(ctx)
}
