package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	APIKey             string
	AuthURL            string
	APIURL             string
	HTTPTimeout        time.Duration
	Proxy              string
	GracePeriod        time.Duration
	PollInterval       time.Duration
	FastPollInterval   time.Duration
	FastPollThreshold  int
	SolveTimeout       time.Duration
	CancelTimeout      time.Duration
	HTTPAddr           string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	RateLimitPerMinute int
	IdempotencyTTL     time.Duration
	IdempotencyLockTTL time.Duration
	RedisAddr          string
	LogLevel           string
	LogFormat          string
	SentryDSN          string
}

var defaults = map[string]any{
	"AUTOSOLVE_API_KEY":             "",
	"AUTOSOLVE_AUTH_URL":            "https://autosolve-dashboard-api.aycd.io/api/v1/auth/generate-token",
	"AUTOSOLVE_API_URL":             "https://autosolve-api.aycd.io/api/v1",
	"AUTOSOLVE_HTTP_TIMEOUT":        30 * time.Second,
	"AUTOSOLVE_PROXY":               "",
	"AUTOSOLVE_GRACE_PERIOD":        5 * time.Second,
	"AUTOSOLVE_POLL_INTERVAL":       5 * time.Second,
	"AUTOSOLVE_FAST_POLL_INTERVAL":  1 * time.Second,
	"AUTOSOLVE_FAST_POLL_THRESHOLD": 100,
	"AUTOSOLVE_SOLVE_TIMEOUT":       2 * time.Minute,
	"AUTOSOLVE_CANCEL_TIMEOUT":      10 * time.Second,
	"GATEWAY_HTTP_ADDR":             ":8080",
	"GATEWAY_READ_TIMEOUT":          15 * time.Second,
	"GATEWAY_WRITE_TIMEOUT":         5 * time.Minute,
	"GATEWAY_IDLE_TIMEOUT":          60 * time.Second,
	"GATEWAY_RATE_LIMIT_PER_MINUTE": 120,
	"IDEMPOTENCY_TTL":               24 * time.Hour,
	"IDEMPOTENCY_LOCK_TTL":          5 * time.Minute,
	"REDIS_ADDR":                    "",
	"LOG_LEVEL":                     "info",
	"LOG_FORMAT":                    "text",
	"SENTRY_DSN":                    "",
}

// Load reads .env when present, then the optional YAML file at path (or
// CONFIG_FILE), then the environment. Environment variables win.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		APIKey:             strings.TrimSpace(v.GetString("AUTOSOLVE_API_KEY")),
		AuthURL:            strings.TrimSpace(v.GetString("AUTOSOLVE_AUTH_URL")),
		APIURL:             strings.TrimSpace(v.GetString("AUTOSOLVE_API_URL")),
		HTTPTimeout:        v.GetDuration("AUTOSOLVE_HTTP_TIMEOUT"),
		Proxy:              strings.TrimSpace(v.GetString("AUTOSOLVE_PROXY")),
		GracePeriod:        v.GetDuration("AUTOSOLVE_GRACE_PERIOD"),
		PollInterval:       v.GetDuration("AUTOSOLVE_POLL_INTERVAL"),
		FastPollInterval:   v.GetDuration("AUTOSOLVE_FAST_POLL_INTERVAL"),
		FastPollThreshold:  v.GetInt("AUTOSOLVE_FAST_POLL_THRESHOLD"),
		SolveTimeout:       v.GetDuration("AUTOSOLVE_SOLVE_TIMEOUT"),
		CancelTimeout:      v.GetDuration("AUTOSOLVE_CANCEL_TIMEOUT"),
		HTTPAddr:           v.GetString("GATEWAY_HTTP_ADDR"),
		ReadTimeout:        v.GetDuration("GATEWAY_READ_TIMEOUT"),
		WriteTimeout:       v.GetDuration("GATEWAY_WRITE_TIMEOUT"),
		IdleTimeout:        v.GetDuration("GATEWAY_IDLE_TIMEOUT"),
		RateLimitPerMinute: v.GetInt("GATEWAY_RATE_LIMIT_PER_MINUTE"),
		IdempotencyTTL:     v.GetDuration("IDEMPOTENCY_TTL"),
		IdempotencyLockTTL: v.GetDuration("IDEMPOTENCY_LOCK_TTL"),
		RedisAddr:          strings.TrimSpace(v.GetString("REDIS_ADDR")),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFormat:          v.GetString("LOG_FORMAT"),
		SentryDSN:          strings.TrimSpace(v.GetString("SENTRY_DSN")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MaxSolveTimeout is the longest solve timeout whose response still fits in
// GATEWAY_WRITE_TIMEOUT. A solve runs for its grace period and timeout, then
// at most one more poll interval, a last fetch and a cancel request.
func (c Config) MaxSolveTimeout() time.Duration {
	return c.WriteTimeout - c.GracePeriod - c.PollInterval - 2*c.HTTPTimeout
}

func (c Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"AUTOSOLVE_HTTP_TIMEOUT", c.HTTPTimeout},
		{"AUTOSOLVE_GRACE_PERIOD", c.GracePeriod},
		{"AUTOSOLVE_POLL_INTERVAL", c.PollInterval},
		{"AUTOSOLVE_FAST_POLL_INTERVAL", c.FastPollInterval},
		{"AUTOSOLVE_CANCEL_TIMEOUT", c.CancelTimeout},
		{"AUTOSOLVE_SOLVE_TIMEOUT", c.SolveTimeout},
		{"GATEWAY_WRITE_TIMEOUT", c.WriteTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.FastPollThreshold <= 0 {
		errs = append(errs, errors.New("AUTOSOLVE_FAST_POLL_THRESHOLD must be positive"))
	}
	if c.WriteTimeout > 0 && c.SolveTimeout > c.MaxSolveTimeout() {
		errs = append(errs, fmt.Errorf(
			"AUTOSOLVE_SOLVE_TIMEOUT %s does not fit in GATEWAY_WRITE_TIMEOUT %s (longest allowed %s)",
			c.SolveTimeout, c.WriteTimeout, c.MaxSolveTimeout()))
	}
	if c.IdempotencyLockTTL < c.WriteTimeout {
		errs = append(errs, errors.New("IDEMPOTENCY_LOCK_TTL must be at least GATEWAY_WRITE_TIMEOUT"))
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("GATEWAY_RATE_LIMIT_PER_MINUTE must not be negative"))
	}
	return errors.Join(errs...)
}
