package solverapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/VenkatGGG/autosolve-go/internal/captcha"
	"github.com/VenkatGGG/autosolve-go/internal/transport"
)

const (
	DefaultAuthURL = "https://autosolve-dashboard-api.aycd.io/api/v1/auth/generate-token"
	DefaultAPIURL  = "https://autosolve-api.aycd.io/api/v1"
)

// ErrDecode marks a 2xx response whose body could not be decoded.
var ErrDecode = errors.New("decode response")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Op, e.StatusCode, body)
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type Endpoints struct {
	AuthURL string
	APIURL  string
}

func (e Endpoints) WithDefaults() Endpoints {
	if strings.TrimSpace(e.AuthURL) == "" {
		e.AuthURL = DefaultAuthURL
	}
	if strings.TrimSpace(e.APIURL) == "" {
		e.APIURL = DefaultAPIURL
	}
	e.APIURL = strings.TrimSuffix(strings.TrimSpace(e.APIURL), "/")
	return e
}

func (e Endpoints) tasksURL() string  { return e.APIURL + "/tasks" }
func (e Endpoints) createURL() string { return e.APIURL + "/tasks/create" }
func (e Endpoints) cancelURL() string { return e.APIURL + "/tasks/cancel" }

type Client struct {
	transport transport.Transport
	tokens    TokenSource
	endpoints Endpoints
}

func NewClient(tr transport.Transport, tokens TokenSource, endpoints Endpoints) *Client {
	return &Client{
		transport: tr,
		tokens:    tokens,
		endpoints: endpoints.WithDefaults(),
	}
}

func (c *Client) CreateTask(ctx context.Context, req captcha.TaskRequest) error {
	_, err := c.do(ctx, "create task", http.MethodPost, c.endpoints.createURL(), req)
	return err
}

func (c *Client) FetchTasks(ctx context.Context) ([]captcha.TaskResult, int, error) {
	body, err := c.do(ctx, "fetch tasks", http.MethodGet, c.endpoints.tasksURL(), nil)
	if err != nil {
		return nil, 0, err
	}
	results, size, err := captcha.DecodeTaskResults(body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: fetch tasks: %v", ErrDecode, err)
	}
	return results, size, nil
}

func (c *Client) CancelTasks(ctx context.Context, taskIDs []string, responseRequired bool) error {
	_, err := c.do(ctx, "cancel tasks", http.MethodPost, c.endpoints.cancelURL(), captcha.CancelRequest{
		TaskIDs:          taskIDs,
		ResponseRequired: responseRequired,
	})
	return err
}

func (c *Client) do(ctx context.Context, op, method, url string, payload any) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+token)
	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.transport.Send(ctx, transport.Request{
		Method: method,
		URL:    url,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !resp.OK() {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return resp.Body, nil
}
