package captcha

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StatusCancelled is the status given to results synthesized locally when a
// task is abandoned by timeout or cancellation.
const StatusCancelled = "cancelled"

type TaskRequest struct {
	TaskID           string            `json:"taskId"`
	URL              string            `json:"url"`
	SiteKey          string            `json:"siteKey"`
	Version          Version           `json:"version"`
	Action           string            `json:"action,omitempty"`
	MinScore         float64           `json:"minScore"`
	MetaData         map[string]string `json:"metaData,omitempty"`
	RenderParameters map[string]string `json:"renderParameters,omitempty"`
	Proxy            string            `json:"proxy,omitempty"`
	ProxyRequired    bool              `json:"proxyRequired"`
	UserAgent        string            `json:"userAgent,omitempty"`
	Cookies          string            `json:"cookies,omitempty"`
}

// Validate only checks what the session needs to track the task. Site keys,
// versions and the rest are passed through untouched.
func (r TaskRequest) Validate() error {
	if strings.TrimSpace(r.TaskID) == "" {
		return errors.New("taskId is required")
	}
	return nil
}

type TaskResult struct {
	TaskID    string  `json:"taskId"`
	CreatedAt int64   `json:"createdAt"`
	Token     *string `json:"token"`
	Status    string  `json:"status"`
}

// Cancelled builds the result handed back when a task never produced one.
func Cancelled(taskID string, createdAt int64) TaskResult {
	return TaskResult{
		TaskID:    taskID,
		CreatedAt: createdAt,
		Token:     nil,
		Status:    StatusCancelled,
	}
}

// Delivered reports whether the remote service produced a token.
func (r TaskResult) Delivered() bool {
	return r.Token != nil
}

func (r TaskResult) TokenValue() string {
	if r.Token == nil {
		return ""
	}
	return *r.Token
}

func (r TaskResult) String() string {
	token := "<nil>"
	if r.Token != nil {
		token = *r.Token
		if len(token) > 32 {
			token = token[:32] + "..."
		}
	}
	return fmt.Sprintf("TaskResult{TaskID:%s CreatedAt:%d Token:%s Status:%s}", r.TaskID, r.CreatedAt, token, r.Status)
}

type wireTaskResult struct {
	TaskID    *string `json:"taskId"`
	CreatedAt int64   `json:"createdAt"`
	Token     *string `json:"token"`
	Status    *string `json:"status"`
}

// DecodeTaskResults decodes a fetch batch and also returns the raw batch size.
// Entries with a null or empty taskId are dropped since nothing can be
// correlated with them, but they still count towards the size.
func DecodeTaskResults(body []byte) ([]TaskResult, int, error) {
	var raw []wireTaskResult
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, err
	}
	if raw == nil {
		return nil, 0, errors.New("task list is null")
	}
	out := make([]TaskResult, 0, len(raw))
	for _, item := range raw {
		if item.TaskID == nil || *item.TaskID == "" {
			continue
		}
		result := TaskResult{
			TaskID:    *item.TaskID,
			CreatedAt: item.CreatedAt,
			Token:     item.Token,
		}
		if item.Status != nil {
			result.Status = *item.Status
		}
		out = append(out, result)
	}
	return out, len(raw), nil
}

type CancelRequest struct {
	TaskIDs          []string `json:"taskIds"`
	ResponseRequired bool     `json:"responseRequired"`
}

type AuthResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}
