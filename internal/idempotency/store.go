// Package idempotency stores gateway responses so a retried request with the
// same Idempotency-Key replays the first outcome instead of submitting the
// task again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	DefaultTTL     = 24 * time.Hour
	DefaultLockTTL = 5 * time.Minute
)

// Key identifies one logical request. The API key is hashed before it is
// used in storage keys.
type Key struct {
	Scope  string
	APIKey string
	Value  string
}

func (k Key) compound() (string, error) {
	scope := strings.TrimSpace(k.Scope)
	value := strings.TrimSpace(k.Value)
	if scope == "" {
		return "", errors.New("scope is required")
	}
	if value == "" {
		return "", errors.New("idempotency key is required")
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(k.APIKey) + "|" + value))
	return scope + ":" + hex.EncodeToString(sum[:]), nil
}

type Response struct {
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// Store records responses and the in-flight lock that prevents two
// concurrent requests with one key from both running.
type Store interface {
	Lookup(ctx context.Context, key Key) (Response, bool, error)
	Lock(ctx context.Context, key Key, owner string, ttl time.Duration) (bool, error)
	Record(ctx context.Context, key Key, resp Response, ttl time.Duration) error
	Unlock(ctx context.Context, key Key, owner string) error
}

func requireOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("owner is required")
	}
	return owner, nil
}
