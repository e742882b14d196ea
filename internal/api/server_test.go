package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/autosolve-go/internal/captcha"
	"github.com/VenkatGGG/autosolve-go/internal/idempotency"
	"github.com/VenkatGGG/autosolve-go/internal/lease"
	"github.com/VenkatGGG/autosolve-go/internal/metrics"
	"github.com/VenkatGGG/autosolve-go/internal/session"
	"github.com/VenkatGGG/autosolve-go/internal/solverapi"
	"github.com/VenkatGGG/autosolve-go/pkg/httpx"
)

// remoteSolver fakes the solving service: every created task is reported
// solved on the next fetch unless withhold is set.
type remoteSolver struct {
	mu        sync.Mutex
	authFail  bool
	withhold  bool
	createErr int
	created   []string
	cancels   [][]string
}

func (f *remoteSolver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/auth" {
		if f.authFail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"token":"bearer","expiresAt":4102444800}`))
		return
	}
	body, _ := io.ReadAll(r.Body)
	switch r.URL.Path {
	case "/api/tasks/create":
		if f.createErr != 0 {
			w.WriteHeader(f.createErr)
			return
		}
		var req captcha.TaskRequest
		_ = json.Unmarshal(body, &req)
		f.created = append(f.created, req.TaskID)
	case "/api/tasks":
		out := make([]captcha.TaskResult, 0, len(f.created))
		for _, id := range f.created {
			if f.withhold {
				break
			}
			token := "tok-" + id
			out = append(out, captcha.TaskResult{TaskID: id, CreatedAt: 1, Token: &token, Status: "solved"})
		}
		_ = json.NewEncoder(w).Encode(out)
	case "/api/tasks/cancel":
		var req captcha.CancelRequest
		_ = json.Unmarshal(body, &req)
		f.cancels = append(f.cancels, req.TaskIDs)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *remoteSolver) createdIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

type testServerConfig struct {
	defaultKey string
	rateLimit  int
	store      idempotency.Store
	leases     lease.Manager
	grace      time.Duration
	maxSolve   time.Duration
}

func newTestServer(t *testing.T, remote *remoteSolver, cfg testServerConfig) (*Server, *prometheus.Registry) {
	t.Helper()

	upstream := httptest.NewServer(remote)
	t.Cleanup(upstream.Close)

	if cfg.grace == 0 {
		cfg.grace = 10 * time.Millisecond
	}
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sessions := session.NewRegistry(session.NewInMemoryStore(), session.FactoryWithOptions(session.Options{
		Endpoints:    solverapi.Endpoints{AuthURL: upstream.URL + "/auth", APIURL: upstream.URL + "/api"},
		GracePeriod:  cfg.grace,
		DefaultDelay: 20 * time.Millisecond,
		Logger:       logger,
		Metrics:      m,
	}))

	return NewServer(Options{
		Sessions:           sessions,
		DefaultAPIKey:      cfg.defaultKey,
		SolveTimeout:       2 * time.Second,
		MaxSolveTimeout:    cfg.maxSolve,
		Idempotency:        cfg.store,
		Leases:             cfg.leases,
		Owner:              "replica-test",
		RateLimitPerMinute: cfg.rateLimit,
		Logger:             logger,
		Metrics:            m,
		Gatherer:           reg,
	}), reg
}

func postJSON(t *testing.T, handler http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &remoteSolver{}, testServerConfig{})
	handler := srv.Routes()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "autosolve_gateway_http_requests_total")
}

func TestSolveReturnsDeliveredResult(t *testing.T) {
	t.Parallel()

	remote := &remoteSolver{}
	srv, _ := newTestServer(t, remote, testServerConfig{})

	rr := postJSON(t, srv.Routes(), "/v1/solve",
		`{"taskId":"T1","url":"https://site","siteKey":"k","version":4}`,
		map[string]string{"X-API-Key": "key-a"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var got captcha.TaskResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "T1", got.TaskID)
	assert.Equal(t, "tok-T1", got.TokenValue())
	assert.Equal(t, []string{"T1"}, remote.createdIDs())
}

func TestSolveGeneratesTaskIDAndUsesDefaultKey(t *testing.T) {
	t.Parallel()

	remote := &remoteSolver{}
	srv, _ := newTestServer(t, remote, testServerConfig{defaultKey: "default-key"})

	rr := postJSON(t, srv.Routes(), "/v1/solve", `{"url":"https://site","siteKey":"k"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var got captcha.TaskResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.NotEmpty(t, got.TaskID)
	assert.Equal(t, []string{got.TaskID}, remote.createdIDs())
}

func TestSolveRequestValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &remoteSolver{}, testServerConfig{})
	handler := srv.Routes()
	key := map[string]string{"X-API-Key": "key-a"}

	cases := []struct {
		name   string
		body   string
		header map[string]string
		status int
		code   string
	}{
		{"missing key", `{"taskId":"T1"}`, nil, http.StatusUnauthorized, "missing_api_key"},
		{"bad json", `{`, key, http.StatusBadRequest, "invalid_json"},
		{"negative timeout", `{"taskId":"T1","timeoutSeconds":-1}`, key, http.StatusBadRequest, "invalid_timeout"},
		{"unknown version", `{"taskId":"T1","version":99}`, key, http.StatusBadRequest, "invalid_version"},
	}
	for _, tc := range cases {
		rr := postJSON(t, handler, "/v1/solve", tc.body, tc.header)
		assert.Equal(t, tc.status, rr.Code, tc.name)
		var body httpx.ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), tc.name)
		assert.Equal(t, tc.code, body.Code, tc.name)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/solve", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSolveMapsSubmissionFailures(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &remoteSolver{createErr: http.StatusBadRequest}, testServerConfig{})
	rr := postJSON(t, srv.Routes(), "/v1/solve", `{"taskId":"T1"}`, map[string]string{"X-API-Key": "key-a"})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "submit_failed")

	srv, _ = newTestServer(t, &remoteSolver{authFail: true}, testServerConfig{})
	rr = postJSON(t, srv.Routes(), "/v1/solve", `{"taskId":"T1"}`, map[string]string{"Authorization": "Bearer key-a"})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "auth_unavailable")
}

func TestSolveIdempotencyReplaysFirstResponse(t *testing.T) {
	t.Parallel()

	remote := &remoteSolver{}
	srv, _ := newTestServer(t, remote, testServerConfig{store: idempotency.NewInMemoryStore()})
	handler := srv.Routes()
	headers := map[string]string{"X-API-Key": "key-a", idempotencyHeader: "retry-1"}

	first := postJSON(t, handler, "/v1/solve", `{"taskId":"T1"}`, headers)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := postJSON(t, handler, "/v1/solve", `{"taskId":"T1"}`, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, []string{"T1"}, remote.createdIDs())
}

func TestSolveRejectsTaskHeldByAnotherReplica(t *testing.T) {
	t.Parallel()

	leases := lease.NewInMemoryManager()
	_, ok, err := leases.Acquire(context.Background(), leaseKey("key-a", "T9"), "replica-other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	remote := &remoteSolver{}
	srv, _ := newTestServer(t, remote, testServerConfig{leases: leases})
	rr := postJSON(t, srv.Routes(), "/v1/solve", `{"taskId":"T9"}`, map[string]string{"X-API-Key": "key-a"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Empty(t, remote.createdIDs())

	rr = postJSON(t, srv.Routes(), "/v1/solve", `{"taskId":"T10"}`, map[string]string{"X-API-Key": "key-a"})
	assert.Equal(t, http.StatusOK, rr.Code)
	_, ok, _ = leases.Acquire(context.Background(), leaseKey("key-a", "T10"), "replica-other", time.Minute)
	assert.True(t, ok, "lease is released once the solve returns")
}

func TestSolveLeasesAreScopedToAPIKey(t *testing.T) {
	t.Parallel()

	leases := lease.NewInMemoryManager()
	_, ok, err := leases.Acquire(context.Background(), leaseKey("key-b", "T9"), "replica-other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	remote := &remoteSolver{}
	srv, _ := newTestServer(t, remote, testServerConfig{leases: leases})
	rr := postJSON(t, srv.Routes(), "/v1/solve", `{"taskId":"T9"}`, map[string]string{"X-API-Key": "key-a"})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = postJSON(t, srv.Routes(), "/v1/solve", `{"taskId":"T9"}`, map[string]string{"X-API-Key": "key-b"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, []string{"T9"}, remote.createdIDs())
	assert.NotEqual(t, leaseKey("key-a", "T9"), leaseKey("key-b", "T9"))
}

func TestSolveCapsRequestedTimeout(t *testing.T) {
	t.Parallel()

	for _, seconds := range []string{"1e20", "600", "3600.5"} {
		remote := &remoteSolver{withhold: true}
		srv, _ := newTestServer(t, remote, testServerConfig{maxSolve: 100 * time.Millisecond})

		started := time.Now()
		rr := postJSON(t, srv.Routes(), "/v1/solve", `{"taskId":"H","timeoutSeconds":`+seconds+`}`,
			map[string]string{"X-API-Key": "key-a"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Less(t, time.Since(started), 2*time.Second, seconds)

		var got captcha.TaskResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, captcha.StatusCancelled, got.Status, seconds)

		remote.mu.Lock()
		assert.Equal(t, [][]string{{"H"}}, remote.cancels, seconds)
		remote.mu.Unlock()
	}
}

func TestNewServerClampsTimeouts(t *testing.T) {
	t.Parallel()

	srv := NewServer(Options{SolveTimeout: time.Hour, MaxSolveTimeout: time.Minute})
	assert.Equal(t, time.Minute, srv.maxSolveTimeout)
	assert.Equal(t, time.Minute, srv.solveTimeout)

	srv = NewServer(Options{MaxSolveTimeout: time.Hour})
	assert.Equal(t, maxSolveTimeout, srv.maxSolveTimeout)
	assert.Equal(t, 2*time.Minute, srv.solveTimeout)
}

func TestSolveRateLimited(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &remoteSolver{}, testServerConfig{rateLimit: 1})
	handler := srv.Routes()
	headers := map[string]string{"X-API-Key": "key-a"}

	first := postJSON(t, handler, "/v1/solve", `{"taskId":"T1"}`, headers)
	assert.Equal(t, http.StatusOK, first.Code)
	second := postJSON(t, handler, "/v1/solve", `{"taskId":"T2"}`, headers)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
