package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/VenkatGGG/autosolve-go/internal/idempotency"
	"github.com/VenkatGGG/autosolve-go/internal/lease"
	"github.com/VenkatGGG/autosolve-go/internal/metrics"
	"github.com/VenkatGGG/autosolve-go/internal/session"
	"github.com/VenkatGGG/autosolve-go/pkg/httpx"
)

type Options struct {
	Sessions *session.Registry

	// DefaultAPIKey is used when a request carries no key of its own.
	// MaxSolveTimeout caps per-request timeouts so a solve finishes inside
	// the http.Server write timeout.
	DefaultAPIKey   string
	SolveTimeout    time.Duration
	MaxSolveTimeout time.Duration

	Idempotency        idempotency.Store
	IdempotencyTTL     time.Duration
	IdempotencyLockTTL time.Duration

	// Leases, when set, keeps two replicas from solving one task id.
	Leases   lease.Manager
	LeaseTTL time.Duration
	Owner    string

	RateLimitPerMinute int

	// BaseContext scopes every solve. Cancelling it cancels the pending
	// tasks of all sessions.
	BaseContext context.Context
	Logger      logrus.FieldLogger
	Sentry      *sentry.Hub
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
}

type Server struct {
	sessions        *session.Registry
	defaultAPIKey   string
	solveTimeout    time.Duration
	maxSolveTimeout time.Duration

	idempotency     idempotency.Store
	idempotencyTTL  time.Duration
	idempotencyLock time.Duration

	leases   lease.Manager
	leaseTTL time.Duration
	owner    string

	rateLimiter *clientRateLimiter

	baseCtx  context.Context
	logger   logrus.FieldLogger
	hub      *sentry.Hub
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

func NewServer(opts Options) *Server {
	if opts.MaxSolveTimeout <= 0 || opts.MaxSolveTimeout > maxSolveTimeout {
		opts.MaxSolveTimeout = maxSolveTimeout
	}
	if opts.SolveTimeout <= 0 {
		opts.SolveTimeout = 2 * time.Minute
	}
	if opts.SolveTimeout > opts.MaxSolveTimeout {
		opts.SolveTimeout = opts.MaxSolveTimeout
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if strings.TrimSpace(opts.Owner) == "" {
		opts.Owner = "gateway"
	}

	s := &Server{
		sessions:        opts.Sessions,
		defaultAPIKey:   strings.TrimSpace(opts.DefaultAPIKey),
		solveTimeout:    opts.SolveTimeout,
		maxSolveTimeout: opts.MaxSolveTimeout,
		idempotency:     opts.Idempotency,
		idempotencyTTL:  opts.IdempotencyTTL,
		idempotencyLock: opts.IdempotencyLockTTL,
		leases:          opts.Leases,
		leaseTTL:        opts.LeaseTTL,
		owner:           opts.Owner,
		baseCtx:         opts.BaseContext,
		logger:          opts.Logger,
		hub:             opts.Sentry,
		metrics:         opts.Metrics,
		gatherer:        opts.Gatherer,
	}
	if opts.RateLimitPerMinute > 0 {
		s.rateLimiter = newClientRateLimiter(opts.RateLimitPerMinute)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metricsHandler())
	mux.HandleFunc("/v1/solve", s.handleSolve)
	mux.HandleFunc("/v1/tasks/cancel", s.handleCancel)
	mux.HandleFunc("/v1/tasks/pending", s.handlePending)

	return s.withRequestMetrics(s.withAPISecurity(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
