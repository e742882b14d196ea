package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/VenkatGGG/autosolve-go/internal/logging"
	"github.com/VenkatGGG/autosolve-go/internal/session"
	"github.com/VenkatGGG/autosolve-go/pkg/httpx"
)

type cancelTasksRequest struct {
	TaskIDs []string `json:"taskIds"`
}

type taskIDsResponse struct {
	TaskIDs []string `json:"taskIds"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	apiKey, ok := s.resolveAPIKey(w, r)
	if !ok {
		return
	}

	var req cancelTasksRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	ids := make([]string, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	sess, err := s.sessions.GetOrCreate(apiKey)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "session_failed", err.Error())
		return
	}

	if len(ids) == 0 {
		ids, err = sess.CancelAll(r.Context())
	} else {
		err = sess.CancelMany(r.Context(), ids)
	}
	if err != nil {
		logging.LogAndCapture(s.logger, s.hub, err, "cancel tasks failed", logrus.Fields{
			"api_key": session.MaskKey(apiKey),
			"count":   len(ids),
		})
		httpx.WriteError(w, http.StatusBadGateway, "cancel_failed", err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, taskIDsResponse{TaskIDs: ids})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	apiKey, ok := s.resolveAPIKey(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.GetOrCreate(apiKey)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "session_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, taskIDsResponse{TaskIDs: sess.Pending()})
}
