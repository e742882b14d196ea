package lease

import (
	"context"
	"sync"
	"time"
)

type heldEntry struct {
	owner     string
	token     uint64
	expiresAt time.Time
}

// InMemoryManager is the single-replica Manager.
type InMemoryManager struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]heldEntry
	now     func() time.Time
}

func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		entries: make(map[string]heldEntry),
		now:     time.Now,
	}
}

func (m *InMemoryManager) Acquire(_ context.Context, taskID, owner string, ttl time.Duration) (Lease, bool, error) {
	taskID, owner, err := validate(taskID, owner)
	if err != nil {
		return Lease{}, false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(now)

	if _, ok := m.entries[taskID]; ok {
		return Lease{}, false, nil
	}
	m.seq++
	held := Lease{TaskID: taskID, Owner: owner, Token: m.seq, ExpiresAt: now.Add(ttl)}
	m.entries[taskID] = heldEntry{owner: owner, token: held.Token, expiresAt: held.ExpiresAt}
	return held, true, nil
}

func (m *InMemoryManager) Renew(_ context.Context, held Lease, ttl time.Duration) (Lease, bool, error) {
	held, err := validateHeld(held)
	if err != nil {
		return Lease{}, false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(now)

	existing, ok := m.entries[held.TaskID]
	if !ok || existing.owner != held.Owner || existing.token != held.Token {
		return Lease{}, false, nil
	}
	existing.expiresAt = now.Add(ttl)
	m.entries[held.TaskID] = existing
	held.ExpiresAt = existing.expiresAt
	return held, true, nil
}

func (m *InMemoryManager) Release(_ context.Context, held Lease) error {
	held, err := validateHeld(held)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.entries[held.TaskID]
	if ok && existing.owner == held.Owner && existing.token == held.Token {
		delete(m.entries, held.TaskID)
	}
	return nil
}

func (m *InMemoryManager) sweepLocked(now time.Time) {
	for taskID, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, taskID)
		}
	}
}
