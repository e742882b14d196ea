package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseProxy accepts "scheme://[user:pass@]host:port", "host:port" and the
// "host:port:user:pass" form common in proxy lists. Bare forms default to http.
func ParseProxy(value string) (*url.URL, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("proxy is empty")
	}

	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if parsed.Host == "" {
			return nil, fmt.Errorf("proxy url %q has no host", trimmed)
		}
		return parsed, nil
	}

	parts := strings.Split(trimmed, ":")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid proxy %q", trimmed)
		}
		return &url.URL{Scheme: "http", Host: parts[0] + ":" + parts[1]}, nil
	case 4:
		if parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid proxy %q", trimmed)
		}
		return &url.URL{
			Scheme: "http",
			Host:   parts[0] + ":" + parts[1],
			User:   url.UserPassword(parts[2], parts[3]),
		}, nil
	default:
		return nil, fmt.Errorf("invalid proxy %q", trimmed)
	}
}
