package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/autosolve-go/internal/idempotency"
	"github.com/VenkatGGG/autosolve-go/pkg/httpx"
)

const idempotencyHeader = "Idempotency-Key"

// handleIdempotentRequest replays a recorded response for a repeated
// Idempotency-Key, or runs execute and records what it wrote. It reports
// false when the request carries no key and execute has not run.
func (s *Server) handleIdempotentRequest(w http.ResponseWriter, r *http.Request, scope, apiKey string, execute func(http.ResponseWriter)) bool {
	if s.idempotency == nil {
		return false
	}
	value := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if value == "" {
		return false
	}
	key := idempotency.Key{Scope: scope, APIKey: apiKey, Value: value}

	if recorded, ok, err := s.idempotency.Lookup(r.Context(), key); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return true
	} else if ok {
		writeRecorded(w, recorded)
		return true
	}

	owner := "idem-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	locked, err := s.idempotency.Lock(r.Context(), key, owner, s.idempotencyLock)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return true
	}
	if !locked {
		if recorded, ok, err := s.waitForRecorded(r.Context(), key, 4*time.Second); err == nil && ok {
			writeRecorded(w, recorded)
			return true
		}
		httpx.WriteError(w, http.StatusConflict, "request_in_progress", "another request with this idempotency key is still in progress")
		return true
	}
	defer func() {
		if err := s.idempotency.Unlock(context.Background(), key, owner); err != nil {
			s.logger.WithError(err).WithField("scope", scope).Warn("unlock idempotency key failed")
		}
	}()

	rec := httptest.NewRecorder()
	execute(rec)

	result := rec.Result()
	defer result.Body.Close()
	body, _ := io.ReadAll(result.Body)

	// 5xx responses are left unrecorded so a retry runs again.
	if result.StatusCode < 500 {
		resp := idempotency.Response{
			StatusCode:  result.StatusCode,
			ContentType: result.Header.Get("Content-Type"),
			Body:        bytes.Clone(body),
		}
		if err := s.idempotency.Record(context.Background(), key, resp, s.idempotencyTTL); err != nil {
			s.logger.WithError(err).Warn("record idempotent response failed")
		}
	}
	copyResponse(w, result.Header, result.StatusCode, body)
	return true
}

func (s *Server) waitForRecorded(ctx context.Context, key idempotency.Key, timeout time.Duration) (idempotency.Response, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		recorded, ok, err := s.idempotency.Lookup(waitCtx, key)
		if err != nil {
			return idempotency.Response{}, false, err
		}
		if ok {
			return recorded, true, nil
		}

		select {
		case <-waitCtx.Done():
			return idempotency.Response{}, false, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

func writeRecorded(w http.ResponseWriter, recorded idempotency.Response) {
	if contentType := strings.TrimSpace(recorded.ContentType); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	status := recorded.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(recorded.Body)
}

func copyResponse(w http.ResponseWriter, header http.Header, status int, body []byte) {
	for key, values := range header {
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
