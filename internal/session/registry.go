package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Store holds sessions by API key. Implementations need not be safe for
// concurrent use; Registry serializes access.
type Store interface {
	Get(apiKey string) (*Session, bool)
	Put(apiKey string, s *Session)
	List() []*Session
}

type InMemoryStore struct {
	items map[string]*Session
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]*Session)}
}

func (s *InMemoryStore) Get(apiKey string) (*Session, bool) {
	found, ok := s.items[apiKey]
	return found, ok
}

func (s *InMemoryStore) Put(apiKey string, sess *Session) {
	s.items[apiKey] = sess
}

func (s *InMemoryStore) List() []*Session {
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*Session, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.items[key])
	}
	return out
}

type Factory func(apiKey string) (*Session, error)

// FactoryWithOptions builds sessions that share opts.
func FactoryWithOptions(opts Options) Factory {
	return func(apiKey string) (*Session, error) {
		return New(apiKey, opts)
	}
}

// Registry hands out exactly one Session per API key for its lifetime.
type Registry struct {
	mu      sync.Mutex
	store   Store
	factory Factory
}

func NewRegistry(store Store, factory Factory) *Registry {
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Registry{store: store, factory: factory}
}

func (r *Registry) GetOrCreate(apiKey string) (*Session, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.store.Get(apiKey); ok {
		return existing, nil
	}
	if r.factory == nil {
		return nil, errors.New("session factory is not configured")
	}
	created, err := r.factory(apiKey)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	r.store.Put(apiKey, created)
	return created, nil
}

func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.List()
}

// CancelAll cancels every pending task on every session. One session
// failing does not stop the others.
func (r *Registry) CancelAll(ctx context.Context) error {
	var group errgroup.Group
	for _, sess := range r.Sessions() {
		sess := sess
		group.Go(func() error {
			if _, err := sess.CancelAll(ctx); err != nil {
				return fmt.Errorf("session %s: %w", sess.APIKey(), err)
			}
			return nil
		})
	}
	return group.Wait()
}
