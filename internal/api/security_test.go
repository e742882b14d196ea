package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestAPIKeyPrefersHeaderThenBearer(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/solve", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	assert.Equal(t, "topsecret", requestAPIKey(req))

	req.Header.Set("X-API-Key", "header-key")
	assert.Equal(t, "header-key", requestAPIKey(req))

	bare := httptest.NewRequest(http.MethodPost, "/v1/solve", nil)
	bare.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, requestAPIKey(bare))
}

func TestRequestClientIdentityPrefersXForwardedForFirstIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/solve", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.10, 10.0.0.5")
	req.RemoteAddr = "127.0.0.1:12345"
	assert.Equal(t, "203.0.113.10", requestClientIdentity(req))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "127.0.0.1", requestClientIdentity(req))
}

func TestRequiresRateLimitOnlyForMutatingRoutes(t *testing.T) {
	t.Parallel()

	assert.True(t, requiresRateLimit(httptest.NewRequest(http.MethodPost, "/v1/solve", nil)))
	assert.True(t, requiresRateLimit(httptest.NewRequest(http.MethodPost, "/v1/tasks/cancel", nil)))
	assert.False(t, requiresRateLimit(httptest.NewRequest(http.MethodGet, "/v1/tasks/pending", nil)))
	assert.False(t, requiresRateLimit(httptest.NewRequest(http.MethodGet, "/v1/solve", nil)))
}

func TestClientRateLimiterRefills(t *testing.T) {
	t.Parallel()

	limiter := newClientRateLimiter(2)
	client := "198.51.100.4"
	start := time.Date(2026, time.February, 12, 10, 0, 0, 0, time.UTC)

	assert.True(t, limiter.Allow(client, start))
	assert.True(t, limiter.Allow(client, start.Add(time.Second)))
	assert.False(t, limiter.Allow(client, start.Add(2*time.Second)))
	assert.True(t, limiter.Allow("203.0.113.1", start.Add(2*time.Second)), "limits are per client")
	assert.True(t, limiter.Allow(client, start.Add(31*time.Second)))
}
