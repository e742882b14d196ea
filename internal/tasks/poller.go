package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VenkatGGG/autosolve-go/internal/captcha"
	"github.com/VenkatGGG/autosolve-go/internal/metrics"
)

const (
	DefaultDelay         = 5 * time.Second
	DefaultFastDelay     = 1 * time.Second
	DefaultFastThreshold = 100
)

// Fetcher returns every result currently visible to the API key along with
// the raw batch size.
type Fetcher interface {
	FetchTasks(ctx context.Context) ([]captcha.TaskResult, int, error)
}

type PollerConfig struct {
	DefaultDelay  time.Duration
	FastDelay     time.Duration
	FastThreshold int
	Logger        logrus.FieldLogger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Poller throttles bulk status fetches for a session and merges what it
// learns into the registry.
type Poller struct {
	fetcher  Fetcher
	registry *Registry
	cfg      PollerConfig

	mu        sync.Mutex
	fetchAt   time.Time
	lastDelay time.Duration
}

func NewPoller(fetcher Fetcher, registry *Registry, cfg PollerConfig) *Poller {
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = DefaultDelay
	}
	if cfg.FastDelay <= 0 {
		cfg.FastDelay = DefaultFastDelay
	}
	if cfg.FastThreshold <= 0 {
		cfg.FastThreshold = DefaultFastThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller{
		fetcher:   fetcher,
		registry:  registry,
		cfg:       cfg,
		lastDelay: cfg.DefaultDelay,
	}
}

// FetchAndMerge runs one bulk fetch unless the throttle window is still open,
// and returns how long the caller should wait before asking again.
func (p *Poller) FetchAndMerge(ctx context.Context) (time.Duration, error) {
	p.mu.Lock()
	now := p.cfg.Now()
	if p.fetchAt.After(now) {
		delay := p.lastDelay
		p.mu.Unlock()
		p.cfg.Metrics.ObserveFetch(metrics.ResultThrottled, 0)
		return delay, nil
	}
	// Arm before the call so a slow or failing fetch cannot cause a burst.
	p.fetchAt = now.Add(p.cfg.DefaultDelay)
	p.mu.Unlock()

	results, size, err := p.fetcher.FetchTasks(ctx)
	if err != nil {
		p.mu.Lock()
		p.lastDelay = p.cfg.DefaultDelay
		p.mu.Unlock()
		p.cfg.Metrics.ObserveFetch(metrics.ResultError, 0)
		return p.cfg.DefaultDelay, fmt.Errorf("fetch tasks: %w", err)
	}

	merged := p.registry.Merge(results)

	delay := p.cfg.DefaultDelay
	if size >= p.cfg.FastThreshold {
		delay = p.cfg.FastDelay
	}

	p.mu.Lock()
	p.fetchAt = p.cfg.Now().Add(delay)
	p.lastDelay = delay
	p.mu.Unlock()

	p.cfg.Metrics.ObserveFetch(metrics.ResultOK, size)
	p.cfg.Logger.WithFields(logrus.Fields{
		"batch":  size,
		"merged": merged,
		"delay":  delay,
	}).Debug("fetched tasks")
	return delay, nil
}

// NextFetchAt reports when the throttle window closes.
func (p *Poller) NextFetchAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchAt
}
