package solverapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/autosolve-go/internal/auth"
	"github.com/VenkatGGG/autosolve-go/internal/captcha"
	"github.com/VenkatGGG/autosolve-go/internal/transport"
)

type staticTokens struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (s *staticTokens) Token(context.Context) (string, error) {
	return s.token, s.err
}

func (s *staticTokens) Invalidate() {
	s.invalidated.Add(1)
}

type recordingTransport struct {
	calls atomic.Int32
}

func (r *recordingTransport) Send(context.Context, transport.Request) (transport.Response, error) {
	r.calls.Add(1)
	return transport.Response{StatusCode: http.StatusOK, Body: []byte(`[]`)}, nil
}

func newHTTPTransport(t *testing.T) *transport.HTTPTransport {
	t.Helper()
	tr, err := transport.NewHTTPTransport(transport.Options{Timeout: 2 * time.Second})
	require.NoError(t, err)
	return tr
}

func TestClientCreateFetchCancelAgainstRemote(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var created captcha.TaskRequest
	var cancelled captcha.CancelRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/auth":
			assert.Equal(t, "key-1", r.URL.Query().Get("apiKey"))
			assert.Empty(t, r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"token":"bearer-9","expiresAt":4102444800}`))
			return
		case r.Header.Get("Authorization") != "Token bearer-9":
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/create":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.Unmarshal(body, &created))
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks":
			_, _ = w.Write([]byte(`[{"taskId":"T1","createdAt":1,"token":"abc","status":"solved"}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/cancel":
			assert.NoError(t, json.Unmarshal(body, &cancelled))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	tr := newHTTPTransport(t)
	tokens, err := auth.NewManager(auth.Config{APIKey: "key-1", AuthURL: server.URL + "/auth", Transport: tr})
	require.NoError(t, err)
	client := NewClient(tr, tokens, Endpoints{AuthURL: server.URL + "/auth", APIURL: server.URL + "/api/v1/"})

	ctx := context.Background()
	require.NoError(t, client.CreateTask(ctx, captcha.TaskRequest{TaskID: "T1", URL: "https://site", SiteKey: "sk", Version: captcha.HCaptchaCheckbox}))
	mu.Lock()
	assert.Equal(t, "T1", created.TaskID)
	assert.Equal(t, captcha.HCaptchaCheckbox, created.Version)
	mu.Unlock()

	results, size, err := client.FetchTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	require.Len(t, results, 1)
	assert.Equal(t, "abc", results[0].TokenValue())

	require.NoError(t, client.CancelTasks(ctx, []string{"T1", "T2"}, false))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"T1", "T2"}, cancelled.TaskIDs)
	assert.False(t, cancelled.ResponseRequired)
}

func TestClientClassifiesStatusAndDecodeErrors(t *testing.T) {
	t.Parallel()

	var unauthorized atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unauthorized.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/api/v1/tasks" {
			_, _ = w.Write([]byte(`{"not":"a list"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"duplicate task"}`))
	}))
	defer server.Close()

	tokens := &staticTokens{token: "t"}
	client := NewClient(newHTTPTransport(t), tokens, Endpoints{APIURL: server.URL + "/api/v1"})

	err := client.CreateTask(context.Background(), captcha.TaskRequest{TaskID: "T1"})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Contains(t, statusErr.Error(), "duplicate task")

	_, _, err = client.FetchTasks(context.Background())
	assert.True(t, errors.Is(err, ErrDecode))

	unauthorized.Store(true)
	_, _, err = client.FetchTasks(context.Background())
	require.True(t, errors.As(err, &statusErr))
	assert.EqualValues(t, 1, tokens.invalidated.Load())
}

func TestClientDoesNotSendWithoutToken(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	tokens := &staticTokens{err: auth.ErrAuthUnavailable}
	client := NewClient(tr, tokens, Endpoints{})

	err := client.CreateTask(context.Background(), captcha.TaskRequest{TaskID: "T1"})
	assert.True(t, errors.Is(err, auth.ErrAuthUnavailable))
	assert.EqualValues(t, 0, tr.calls.Load())
}

func TestEndpointsDefaults(t *testing.T) {
	t.Parallel()

	e := Endpoints{}.WithDefaults()
	assert.Equal(t, DefaultAuthURL, e.AuthURL)
	assert.Equal(t, "https://autosolve-api.aycd.io/api/v1/tasks/cancel", e.cancelURL())
}
