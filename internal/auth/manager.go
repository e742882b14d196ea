package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VenkatGGG/autosolve-go/internal/captcha"
	"github.com/VenkatGGG/autosolve-go/internal/metrics"
	"github.com/VenkatGGG/autosolve-go/internal/transport"
)

// ErrAuthUnavailable means no usable bearer token exists after a refresh
// attempt. Requests must not be sent without one.
var ErrAuthUnavailable = errors.New("auth token is not available")

type Config struct {
	APIKey    string
	AuthURL   string
	Transport transport.Transport
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Manager holds the bearer credential for one API key. Refreshes happen
// lazily, one at a time.
type Manager struct {
	apiKey    string
	authURL   string
	transport transport.Transport
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time

	// sem is a one-slot lock; a channel so waiters can give up on ctx.
	sem       chan struct{}
	token     string
	expiresAt int64
}

func NewManager(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key is required")
	}
	if strings.TrimSpace(cfg.AuthURL) == "" {
		return nil, errors.New("auth url is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		apiKey:    cfg.APIKey,
		authURL:   cfg.AuthURL,
		transport: cfg.Transport,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		sem:       make(chan struct{}, 1),
	}, nil
}

// Token returns a bearer token that is valid at the time of the call,
// refreshing it first if it has expired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-m.sem }()

	if m.usableLocked() {
		return m.token, nil
	}

	m.logger.Debug("auth token expired, refreshing")
	if err := m.refreshLocked(ctx); err != nil {
		m.metrics.ObserveAuthRefresh(metrics.ResultError)
		// Transport failures stay hard errors for the caller.
		if errors.Is(err, transport.ErrTransport) || ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	m.metrics.ObserveAuthRefresh(metrics.ResultOK)

	if !m.usableLocked() {
		return "", fmt.Errorf("%w: refreshed token already expired", ErrAuthUnavailable)
	}
	return m.token, nil
}

// Invalidate forces the next Token call to refresh.
func (m *Manager) Invalidate() {
	m.sem <- struct{}{}
	m.expiresAt = 0
	<-m.sem
}

// ExpiresAt reports the current credential expiry in epoch seconds.
func (m *Manager) ExpiresAt() int64 {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()
	return m.expiresAt
}

func (m *Manager) usableLocked() bool {
	return m.token != "" && m.now().Unix() < m.expiresAt
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	endpoint, err := url.Parse(m.authURL)
	if err != nil {
		return fmt.Errorf("parse auth url: %w", err)
	}
	query := endpoint.Query()
	query.Set("apiKey", m.apiKey)
	endpoint.RawQuery = query.Encode()

	resp, err := m.transport.Send(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    endpoint.String(),
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}

	var decoded captcha.AuthResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if strings.TrimSpace(decoded.Token) == "" {
		return errors.New("auth response has no token")
	}

	m.token = decoded.Token
	m.expiresAt = decoded.ExpiresAt
	m.logger.WithField("expires_at", m.expiresAt).Debug("auth token refreshed")
	return nil
}
