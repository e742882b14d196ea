package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTransport marks connection and IO failures. Non-2xx responses are not
// errors at this layer.
var ErrTransport = errors.New("transport failure")

const maxResponseBytes = 5 << 20

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Body       []byte
}

func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

type HTTPTransport struct {
	httpClient *http.Client
}

type Options struct {
	Timeout time.Duration
	// Proxy is optional; see ParseProxy for accepted forms.
	Proxy string
}

func NewHTTPTransport(opts Options) (*HTTPTransport, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.Proxy = nil
	if strings.TrimSpace(opts.Proxy) != "" {
		proxyURL, err := ParseProxy(opts.Proxy)
		if err != nil {
			return nil, err
		}
		base.Proxy = http.ProxyURL(proxyURL)
	}

	return &HTTPTransport{httpClient: &http.Client{Timeout: timeout, Transport: base}}, nil
}

func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, req.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("%w: read %s response: %w", ErrTransport, req.URL, err)
	}
	return Response{StatusCode: resp.StatusCode, Body: raw}, nil
}
