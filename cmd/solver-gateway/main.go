package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/VenkatGGG/autosolve-go/internal/api"
	"github.com/VenkatGGG/autosolve-go/internal/config"
	"github.com/VenkatGGG/autosolve-go/internal/idempotency"
	"github.com/VenkatGGG/autosolve-go/internal/lease"
	"github.com/VenkatGGG/autosolve-go/internal/logging"
	"github.com/VenkatGGG/autosolve-go/internal/metrics"
	"github.com/VenkatGGG/autosolve-go/internal/session"
	"github.com/VenkatGGG/autosolve-go/internal/solverapi"
	"github.com/VenkatGGG/autosolve-go/internal/transport"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	hub, err := logging.InitSentry(cfg.SentryDSN, version)
	if err != nil {
		logger.WithError(err).Warn("sentry disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger, hub)
	stop()
	if err != nil {
		logging.LogAndCapture(logger, hub, err, "solver gateway stopped", nil)
	}
	logging.Flush(hub, 2*time.Second)
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger, hub *sentry.Hub) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	tr, err := transport.NewHTTPTransport(transport.Options{Timeout: cfg.HTTPTimeout, Proxy: cfg.Proxy})
	if err != nil {
		return err
	}

	sessions := session.NewRegistry(session.NewInMemoryStore(), session.FactoryWithOptions(session.Options{
		Transport:     tr,
		Endpoints:     solverapi.Endpoints{AuthURL: cfg.AuthURL, APIURL: cfg.APIURL},
		GracePeriod:   cfg.GracePeriod,
		DefaultDelay:  cfg.PollInterval,
		FastDelay:     cfg.FastPollInterval,
		FastThreshold: cfg.FastPollThreshold,
		CancelTimeout: cfg.CancelTimeout,
		Logger:        logger,
		Metrics:       m,
	}))

	var (
		idemStore idempotency.Store = idempotency.NewInMemoryStore()
		leases    lease.Manager
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		idemStore = idempotency.NewRedisStore(client, "")
		leases = lease.NewRedisManager(client, "")
		logger.WithField("redis", cfg.RedisAddr).Info("sharing idempotency and task leases through redis")
	}

	group, groupCtx := errgroup.WithContext(ctx)

	server := api.NewServer(api.Options{
		Sessions:           sessions,
		DefaultAPIKey:      cfg.APIKey,
		SolveTimeout:       cfg.SolveTimeout,
		MaxSolveTimeout:    cfg.MaxSolveTimeout(),
		Idempotency:        idemStore,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		IdempotencyLockTTL: cfg.IdempotencyLockTTL,
		Leases:             leases,
		Owner:              replicaID(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		BaseContext:        groupCtx,
		Logger:             logger,
		Sentry:             hub,
		Metrics:            m,
		Gatherer:           reg,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	group.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("solver gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down, cancelling pending tasks")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
		defer cancel()
		if err := sessions.CancelAll(shutdownCtx); err != nil {
			logger.WithError(err).Warn("cancel pending tasks on shutdown failed")
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func replicaID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()[:8]
}
