package idempotency

import (
	"context"
	"sync"
	"time"
)

type recorded struct {
	resp      Response
	expiresAt time.Time
}

type lockEntry struct {
	owner     string
	expiresAt time.Time
}

type InMemoryStore struct {
	mu        sync.Mutex
	responses map[string]recorded
	locks     map[string]lockEntry
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		responses: make(map[string]recorded),
		locks:     make(map[string]lockEntry),
		now:       time.Now,
	}
}

func (s *InMemoryStore) Lookup(_ context.Context, key Key) (Response, bool, error) {
	compound, err := key.compound()
	if err != nil {
		return Response{}, false, err
	}

	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.responses[compound]
	if !ok {
		return Response{}, false, nil
	}
	if now.After(item.expiresAt) {
		delete(s.responses, compound)
		return Response{}, false, nil
	}
	resp := item.resp
	resp.Body = append([]byte(nil), item.resp.Body...)
	return resp, true, nil
}

func (s *InMemoryStore) Lock(_ context.Context, key Key, owner string, ttl time.Duration) (bool, error) {
	compound, err := key.compound()
	if err != nil {
		return false, err
	}
	if owner, err = requireOwner(owner); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[compound]; ok && now.Before(existing.expiresAt) {
		return false, nil
	}
	s.locks[compound] = lockEntry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) Record(_ context.Context, key Key, resp Response, ttl time.Duration) error {
	compound, err := key.compound()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := s.now().UTC()
	if resp.RecordedAt.IsZero() {
		resp.RecordedAt = now
	}
	resp.Body = append([]byte(nil), resp.Body...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[compound] = recorded{resp: resp, expiresAt: now.Add(ttl)}
	for k, item := range s.responses {
		if now.After(item.expiresAt) {
			delete(s.responses, k)
		}
	}
	return nil
}

func (s *InMemoryStore) Unlock(_ context.Context, key Key, owner string) error {
	compound, err := key.compound()
	if err != nil {
		return err
	}
	if owner, err = requireOwner(owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[compound]; ok && existing.owner == owner {
		delete(s.locks, compound)
	}
	return nil
}
