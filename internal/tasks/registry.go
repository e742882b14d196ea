package tasks

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/VenkatGGG/autosolve-go/internal/captcha"
	"github.com/VenkatGGG/autosolve-go/internal/metrics"
)

var ErrAlreadyPending = errors.New("task id is already pending")

const defaultRetention = 2 * time.Minute

type completedEntry struct {
	result   captcha.TaskResult
	storedAt time.Time
}

// Registry tracks the task IDs a session is waiting on and the results
// fetched for them. A task leaves the pending set the moment its outcome is
// decided.
type Registry struct {
	mu        sync.Mutex
	pending   map[string]struct{}
	completed map[string]completedEntry
	retention time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
}

type RegistryOption func(*Registry)

// WithRetention bounds how long a result for a task nobody is waiting on is
// kept around.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics reports pending set changes to the shared pending gauge.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		pending:   make(map[string]struct{}),
		completed: make(map[string]completedEntry),
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Add(taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[taskID]; ok {
		return ErrAlreadyPending
	}
	r.pending[taskID] = struct{}{}
	r.metrics.AddPending(1)
	return nil
}

func (r *Registry) IsPending(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[taskID]
	return ok
}

// Take removes and returns the result for taskID if one has been merged.
// The lookup and both removals happen under one lock.
func (r *Registry) Take(taskID string) (captcha.TaskResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.completed[taskID]
	if !ok {
		return captcha.TaskResult{}, false
	}
	delete(r.completed, taskID)
	if _, waiting := r.pending[taskID]; waiting {
		delete(r.pending, taskID)
		r.metrics.AddPending(-1)
	}
	return entry.result, true
}

// Merge upserts a fetch batch. Later entries for the same id win.
func (r *Registry) Merge(results []captcha.TaskResult) int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	merged := 0
	for _, result := range results {
		if result.TaskID == "" {
			continue
		}
		r.completed[result.TaskID] = completedEntry{result: result, storedAt: now}
		merged++
	}
	r.pruneLocked(now)
	return merged
}

// Remove drops ids from the pending set and reports how many were pending.
func (r *Registry) Remove(taskIDs ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, id := range taskIDs {
		if _, ok := r.pending[id]; ok {
			delete(r.pending, id)
			removed++
		}
	}
	r.metrics.AddPending(-removed)
	return removed
}

// Drain clears the pending set and returns what it held, sorted.
func (r *Registry) Drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := sortedKeys(r.pending)
	r.pending = make(map[string]struct{})
	r.metrics.AddPending(-len(ids))
	return ids
}

func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.pending)
}

func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) CompletedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func (r *Registry) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.retention)
	for id, entry := range r.completed {
		if _, waiting := r.pending[id]; waiting {
			continue
		}
		if entry.storedAt.Before(cutoff) {
			delete(r.completed, id)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
