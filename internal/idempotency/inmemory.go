package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

type claimItem struct {
	owner       string
	fingerprint string
	expiresAt   time.Time
}

// InMemoryStore serves a single broker process.
type InMemoryStore struct {
	clock clockwork.Clock
	opts  Options
	keys  keyspace

	mu     sync.Mutex
	items  map[string]memoryItem
	claims map[string]claimItem
}

func NewInMemoryStore(clock clockwork.Clock, opts Options) *InMemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	opts = opts.withDefaults()
	return &InMemoryStore{
		clock:  clock,
		opts:   opts,
		keys:   keyspace{prefix: opts.Prefix},
		items:  make(map[string]memoryItem),
		claims: make(map[string]claimItem),
	}
}

func (s *InMemoryStore) Lookup(_ context.Context, scope, key, fingerprint string) (Entry, bool, error) {
	id, err := s.keys.response(scope, key)
	if err != nil {
		return Entry{}, false, err
	}

	now := s.clock.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return Entry{}, false, nil
	}
	if !now.Before(item.expiresAt) {
		delete(s.items, id)
		return Entry{}, false, nil
	}
	if fingerprintsDiffer(item.entry.Fingerprint, fingerprint) {
		return Entry{}, false, ErrKeyReused
	}
	entry := item.entry
	entry.Body = append([]byte(nil), entry.Body...)
	return entry, true, nil
}

func (s *InMemoryStore) Claim(_ context.Context, scope, key, owner, fingerprint string) (bool, error) {
	id, err := s.keys.claim(scope, key)
	if err != nil {
		return false, err
	}
	if owner, err = validateOwner(owner); err != nil {
		return false, err
	}

	now := s.clock.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.claims[id]; ok && now.Before(existing.expiresAt) {
		if fingerprintsDiffer(existing.fingerprint, fingerprint) {
			return false, ErrKeyReused
		}
		return false, nil
	}
	s.claims[id] = claimItem{
		owner:       owner,
		fingerprint: fingerprint,
		expiresAt:   now.Add(s.opts.ClaimTTL),
	}
	return true, nil
}

func (s *InMemoryStore) Save(_ context.Context, scope, key string, entry Entry) error {
	id, err := s.keys.response(scope, key)
	if err != nil {
		return err
	}

	entry.Body = append([]byte(nil), entry.Body...)
	now := s.clock.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = memoryItem{
		entry:     entry,
		expiresAt: now.Add(s.opts.ResponseTTL),
	}
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, scope, key, owner string) error {
	id, err := s.keys.claim(scope, key)
	if err != nil {
		return err
	}
	if owner, err = validateOwner(owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.claims[id]; ok && existing.owner == owner {
		delete(s.claims, id)
	}
	return nil
}
