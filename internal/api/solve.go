package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/VenkatGGG/autosolve-go/internal/auth"
	"github.com/VenkatGGG/autosolve-go/internal/captcha"
	"github.com/VenkatGGG/autosolve-go/internal/lease"
	"github.com/VenkatGGG/autosolve-go/internal/logging"
	"github.com/VenkatGGG/autosolve-go/internal/session"
	"github.com/VenkatGGG/autosolve-go/internal/tasks"
	"github.com/VenkatGGG/autosolve-go/internal/transport"
	"github.com/VenkatGGG/autosolve-go/pkg/httpx"
)

// maxSolveTimeout caps what a client may ask for. Options.MaxSolveTimeout
// lowers it further to fit the server's write timeout.
const maxSolveTimeout = 10 * time.Minute

type solveRequest struct {
	captcha.TaskRequest
	TimeoutSeconds float64 `json:"timeoutSeconds,omitempty"`
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	apiKey, ok := s.resolveAPIKey(w, r)
	if !ok {
		return
	}

	var req solveRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if req.TimeoutSeconds < 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_timeout", "timeoutSeconds must not be negative")
		return
	}
	if !req.Version.Valid() {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_version", "unknown captcha version")
		return
	}

	timeout := s.solveTimeout
	if req.TimeoutSeconds > 0 {
		timeout = s.maxSolveTimeout
		if req.TimeoutSeconds < s.maxSolveTimeout.Seconds() {
			timeout = time.Duration(req.TimeoutSeconds * float64(time.Second))
		}
	}

	execute := func(w http.ResponseWriter) {
		s.solve(w, apiKey, req.TaskRequest, timeout)
	}
	if s.handleIdempotentRequest(w, r, "solve", apiKey, execute) {
		return
	}
	execute(w)
}

func (s *Server) solve(w http.ResponseWriter, apiKey string, req captcha.TaskRequest, timeout time.Duration) {
	fields := logrus.Fields{"task_id": req.TaskID, "api_key": session.MaskKey(apiKey)}

	sess, err := s.sessions.GetOrCreate(apiKey)
	if err != nil {
		logging.LogAndCapture(s.logger, s.hub, err, "create session failed", fields)
		httpx.WriteError(w, http.StatusInternalServerError, "session_failed", err.Error())
		return
	}

	if s.leases != nil {
		release, err := lease.Hold(s.baseCtx, s.leases, leaseKey(apiKey, req.TaskID), s.owner, s.leaseTTL, s.logger)
		if errors.Is(err, lease.ErrHeld) {
			httpx.WriteError(w, http.StatusConflict, "task_pending", "task id is already being solved")
			return
		}
		if err != nil {
			logging.LogAndCapture(s.logger, s.hub, err, "acquire task lease failed", fields)
			httpx.WriteError(w, http.StatusServiceUnavailable, "lease_failed", err.Error())
			return
		}
		defer release()
	}

	// The solve outlives the request so that one dropped connection does not
	// cancel every pending task of the session.
	result, err := sess.Solve(s.baseCtx, req, timeout)
	if err != nil {
		status, code := classifySolveError(err)
		if status >= http.StatusInternalServerError {
			logging.LogAndCapture(s.logger, s.hub, err, "solve failed", fields)
		}
		httpx.WriteError(w, status, code, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

// leaseKey scopes a task id to its API key. Task ids are only unique within
// one session.
func leaseKey(apiKey, taskID string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8]) + ":" + taskID
}

func classifySolveError(err error) (int, string) {
	switch {
	case errors.Is(err, tasks.ErrAlreadyPending):
		return http.StatusConflict, "task_pending"
	case errors.Is(err, auth.ErrAuthUnavailable):
		return http.StatusBadGateway, "auth_unavailable"
	case errors.Is(err, transport.ErrTransport):
		return http.StatusBadGateway, "transport_failed"
	default:
		return http.StatusBadGateway, "submit_failed"
	}
}

func (s *Server) resolveAPIKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	apiKey := requestAPIKey(r)
	if apiKey == "" {
		apiKey = s.defaultAPIKey
	}
	if apiKey == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "missing_api_key", "an api key is required")
		return "", false
	}
	return apiKey, true
}
