package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type inMemoryEntry struct {
	owner string
	hold  Hold
}

type InMemoryManager struct {
	clock clockwork.Clock

	mu      sync.Mutex
	seq     map[string]uint64
	entries map[string]inMemoryEntry
}

func NewInMemoryManager(clock clockwork.Clock) *InMemoryManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryManager{
		clock:   clock,
		seq:     make(map[string]uint64),
		entries: make(map[string]inMemoryEntry),
	}
}

func (m *InMemoryManager) Acquire(_ context.Context, key, owner string, ttl time.Duration) (Hold, bool, error) {
	key, owner, err := validate(key, owner)
	if err != nil {
		return Hold{}, false, err
	}
	ttl = normalizeTTL(ttl)

	now := m.clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[key]; ok && now.Before(existing.hold.ExpiresAt) {
		return Hold{}, false, nil
	}

	m.seq[key]++
	hold := Hold{
		Key:       key,
		Owner:     owner,
		Token:     m.seq[key],
		ExpiresAt: now.Add(ttl),
	}
	m.entries[key] = inMemoryEntry{owner: owner, hold: hold}
	return hold, true, nil
}

func (m *InMemoryManager) Release(_ context.Context, key, owner string, token uint64) error {
	key, owner, err := validate(key, owner)
	if err != nil {
		return err
	}
	if token == 0 {
		return errors.New("token is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.entries[key]
	if !ok || existing.owner != owner || existing.hold.Token != token {
		return nil
	}
	delete(m.entries, key)
	return nil
}

func (m *InMemoryManager) Renew(_ context.Context, key, owner string, token uint64, ttl time.Duration) (Hold, bool, error) {
	key, owner, err := validate(key, owner)
	if err != nil {
		return Hold{}, false, err
	}
	if token == 0 {
		return Hold{}, false, errors.New("token is required")
	}
	ttl = normalizeTTL(ttl)

	now := m.clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.entries[key]
	if !ok {
		return Hold{}, false, nil
	}
	if !now.Before(existing.hold.ExpiresAt) {
		delete(m.entries, key)
		return Hold{}, false, nil
	}
	if existing.owner != owner || existing.hold.Token != token {
		return Hold{}, false, nil
	}

	existing.hold.ExpiresAt = now.Add(ttl)
	m.entries[key] = existing
	return existing.hold, true, nil
}
