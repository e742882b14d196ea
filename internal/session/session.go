package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VenkatGGG/autosolve-go/internal/auth"
	"github.com/VenkatGGG/autosolve-go/internal/captcha"
	"github.com/VenkatGGG/autosolve-go/internal/metrics"
	"github.com/VenkatGGG/autosolve-go/internal/solverapi"
	"github.com/VenkatGGG/autosolve-go/internal/tasks"
	"github.com/VenkatGGG/autosolve-go/internal/transport"
)

const (
	DefaultGracePeriod   = 5 * time.Second
	DefaultCancelTimeout = 10 * time.Second
)

type Options struct {
	Transport     transport.Transport
	Endpoints     solverapi.Endpoints
	GracePeriod   time.Duration
	DefaultDelay  time.Duration
	FastDelay     time.Duration
	FastThreshold int
	// CancelTimeout bounds the cancel-all request sent after the caller's
	// context is done.
	CancelTimeout time.Duration
	Logger        logrus.FieldLogger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Session is the engine for one API key: it submits tasks, polls for their
// results and cancels what is abandoned. It is safe for concurrent use.
type Session struct {
	apiKey   string
	tokens   *auth.Manager
	client   *solverapi.Client
	registry *tasks.Registry
	poller   *tasks.Poller

	grace         time.Duration
	cancelTimeout time.Duration
	logger        logrus.FieldLogger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func New(apiKey string, opts Options) (*Session, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	if opts.Transport == nil {
		tr, err := transport.NewHTTPTransport(transport.Options{})
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
		opts.Transport = tr
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = DefaultCancelTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	endpoints := opts.Endpoints.WithDefaults()
	logger := opts.Logger.WithField("api_key", MaskKey(apiKey))

	tokens, err := auth.NewManager(auth.Config{
		APIKey:    apiKey,
		AuthURL:   endpoints.AuthURL,
		Transport: opts.Transport,
		Logger:    logger,
		Metrics:   opts.Metrics,
		Now:       opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("build auth manager: %w", err)
	}

	client := solverapi.NewClient(opts.Transport, tokens, endpoints)
	registry := tasks.NewRegistry(tasks.WithClock(opts.Now), tasks.WithMetrics(opts.Metrics))
	poller := tasks.NewPoller(client, registry, tasks.PollerConfig{
		DefaultDelay:  opts.DefaultDelay,
		FastDelay:     opts.FastDelay,
		FastThreshold: opts.FastThreshold,
		Logger:        logger,
		Metrics:       opts.Metrics,
		Now:           opts.Now,
	})

	return &Session{
		apiKey:        apiKey,
		tokens:        tokens,
		client:        client,
		registry:      registry,
		poller:        poller,
		grace:         opts.GracePeriod,
		cancelTimeout: opts.CancelTimeout,
		logger:        logger,
		metrics:       opts.Metrics,
		now:           opts.Now,
	}, nil
}

// Solve submits req and waits for its result. A nil result means the task
// was never submitted and err says why. Once submission succeeds Solve
// always returns a result: the delivered one, or a synthesized cancellation
// when timeout elapses or ctx is done. The timeout is checked after every
// poll, so a timeout of zero or less gives up after the first one.
//
// When ctx is done every task pending on the session is cancelled, not only
// this one.
func (s *Session) Solve(ctx context.Context, req captcha.TaskRequest, timeout time.Duration) (*captcha.TaskResult, error) {
	if err := req.Validate(); err != nil {
		s.metrics.ObserveSolve(metrics.OutcomeRejected, 0)
		return nil, err
	}
	logger := s.logger.WithField("task_id", req.TaskID)

	// Reserve the id first so two callers cannot both submit it.
	if err := s.registry.Add(req.TaskID); err != nil {
		s.metrics.ObserveSolve(metrics.OutcomeRejected, 0)
		return nil, fmt.Errorf("register task %s: %w", req.TaskID, err)
	}
	if err := s.client.CreateTask(ctx, req); err != nil {
		s.registry.Remove(req.TaskID)
		s.metrics.ObserveSolve(metrics.OutcomeSubmitFailed, 0)
		logger.WithError(err).Error("submit task failed")
		return nil, fmt.Errorf("submit task %s: %w", req.TaskID, err)
	}
	logger.Debug("task submitted")

	started := s.now()
	result, outcome := s.await(ctx, req.TaskID, timeout, logger)
	s.metrics.ObserveSolve(outcome, s.now().Sub(started))
	return &result, nil
}

func (s *Session) await(ctx context.Context, taskID string, timeout time.Duration, logger logrus.FieldLogger) (captcha.TaskResult, string) {
	createdAt := s.now().Unix()
	cancelled := captcha.Cancelled(taskID, createdAt)

	if !sleep(ctx, s.grace) {
		s.abandon(ctx, logger)
		return cancelled, metrics.OutcomeCancelled
	}

	loopStart := s.now()
	for s.registry.IsPending(taskID) {
		delay, err := s.poller.FetchAndMerge(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.abandon(ctx, logger)
				return cancelled, metrics.OutcomeCancelled
			}
			logger.WithError(err).Warn("fetch tasks failed")
		}

		if result, ok := s.registry.Take(taskID); ok {
			logger.WithField("status", result.Status).Debug("task completed")
			return result, metrics.OutcomeSolved
		}

		if s.now().Sub(loopStart) >= timeout {
			logger.WithField("timeout", timeout).Info("task timed out, cancelling")
			if err := s.CancelMany(ctx, []string{taskID}); err != nil {
				logger.WithError(err).Warn("cancel timed out task failed")
			}
			return cancelled, metrics.OutcomeTimeout
		}

		if !sleep(ctx, delay) {
			s.abandon(ctx, logger)
			return cancelled, metrics.OutcomeCancelled
		}
	}

	// Someone else cancelled the task while we were waiting.
	return cancelled, metrics.OutcomeCancelled
}

// abandon cancels everything pending on the session after ctx is done. The
// request runs on a context detached from ctx.
func (s *Session) abandon(ctx context.Context, logger logrus.FieldLogger) {
	logger.Info("solve cancelled, cancelling all pending tasks")
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cancelTimeout)
	defer cancel()
	if _, err := s.CancelAll(cancelCtx); err != nil {
		logger.WithError(err).Warn("cancel pending tasks failed")
	}
}

// CancelMany drops ids from the pending set and sends one batched cancel
// request for them. The local removal stands even if the request fails.
func (s *Session) CancelMany(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	s.registry.Remove(taskIDs...)
	return s.sendCancel(ctx, taskIDs)
}

// CancelAll clears the pending set and cancels its contents in one request,
// returning the drained ids. Nothing is sent when no task is pending.
func (s *Session) CancelAll(ctx context.Context) ([]string, error) {
	ids := s.registry.Drain()
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, s.sendCancel(ctx, ids)
}

func (s *Session) sendCancel(ctx context.Context, taskIDs []string) error {
	if err := s.client.CancelTasks(ctx, taskIDs, false); err != nil {
		s.metrics.ObserveCancel(metrics.ResultError)
		return fmt.Errorf("cancel %d tasks: %w", len(taskIDs), err)
	}
	s.metrics.ObserveCancel(metrics.ResultOK)
	s.logger.WithField("count", len(taskIDs)).Debug("cancel request sent")
	return nil
}

func (s *Session) Pending() []string {
	return s.registry.Pending()
}

// APIKey returns the key masked for display.
func (s *Session) APIKey() string {
	return MaskKey(s.apiKey)
}

// MaskKey keeps the last four characters of an API key.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
