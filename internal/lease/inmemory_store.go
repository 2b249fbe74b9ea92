package lease

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/VenkatGGG/leasebroker/internal/interval"
)

// InMemoryStore keeps offers and contracts in process memory. Exclusive
// serializes callers per key within the process only.
type InMemoryStore struct {
	mu        sync.RWMutex
	offers    map[string]Offer
	contracts map[string]Contract

	keysMu sync.Mutex
	keys   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		offers:    make(map[string]Offer),
		contracts: make(map[string]Contract),
		keys:      make(map[string]*keyLock),
	}
}

func (s *InMemoryStore) GetOffer(_ context.Context, uuid string) (Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, ok := s.offers[uuid]
	if !ok {
		return Offer{}, &NotFoundError{Kind: KindOffer, ID: uuid}
	}
	return copyOffer(found), nil
}

func (s *InMemoryStore) FindOffersByName(_ context.Context, name string) ([]Offer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Offer
	for _, offer := range s.offers {
		if offer.Name == name {
			out = append(out, copyOffer(offer))
		}
	}
	sortOffers(out)
	return out, nil
}

func (s *InMemoryStore) ListOffers(_ context.Context, filter OfferFilter) ([]Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Offer, 0, len(s.offers))
	for _, offer := range s.offers {
		if matchOffer(offer, filter) {
			out = append(out, copyOffer(offer))
		}
	}
	sortOffers(out)
	return out, nil
}

func (s *InMemoryStore) CreateOffer(_ context.Context, offer Offer) (Offer, error) {
	if strings.TrimSpace(offer.UUID) == "" {
		return Offer{}, errors.New("offer uuid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.offers[offer.UUID]; exists {
		return Offer{}, errors.New("offer already exists")
	}
	stored := copyOffer(offer)
	s.offers[offer.UUID] = stored
	return copyOffer(stored), nil
}

func (s *InMemoryStore) UpdateOfferStatus(_ context.Context, uuid string, status OfferStatus) (Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.offers[uuid]
	if !ok {
		return Offer{}, &NotFoundError{Kind: KindOffer, ID: uuid}
	}
	found.Status = status
	s.offers[uuid] = found
	return copyOffer(found), nil
}

func (s *InMemoryStore) DeleteOffer(_ context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[uuid]; !ok {
		return &NotFoundError{Kind: KindOffer, ID: uuid}
	}
	delete(s.offers, uuid)
	return nil
}

func (s *InMemoryStore) GetContract(_ context.Context, uuid string) (Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, ok := s.contracts[uuid]
	if !ok {
		return Contract{}, &NotFoundError{Kind: KindContract, ID: uuid}
	}
	return copyContract(found), nil
}

func (s *InMemoryStore) FindContractsByName(_ context.Context, name string) ([]Contract, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Contract
	for _, contract := range s.contracts {
		if contract.Name == name {
			out = append(out, copyContract(contract))
		}
	}
	sortContracts(out)
	return out, nil
}

func (s *InMemoryStore) ListContracts(_ context.Context, filter ContractFilter) ([]Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Contract, 0, len(s.contracts))
	for _, contract := range s.contracts {
		if matchContract(contract, filter) {
			out = append(out, copyContract(contract))
		}
	}
	sortContracts(out)
	return out, nil
}

func (s *InMemoryStore) CreateContract(_ context.Context, contract Contract) (Contract, error) {
	if strings.TrimSpace(contract.UUID) == "" {
		return Contract{}, errors.New("contract uuid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[contract.OfferUUID]; !ok {
		return Contract{}, &NotFoundError{Kind: KindOffer, ID: contract.OfferUUID}
	}
	if _, exists := s.contracts[contract.UUID]; exists {
		return Contract{}, errors.New("contract already exists")
	}
	stored := copyContract(contract)
	s.contracts[contract.UUID] = stored
	return copyContract(stored), nil
}

func (s *InMemoryStore) UpdateContractStatus(_ context.Context, uuid string, status ContractStatus) (Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.contracts[uuid]
	if !ok {
		return Contract{}, &NotFoundError{Kind: KindContract, ID: uuid}
	}
	found.Status = status
	s.contracts[uuid] = found
	return copyContract(found), nil
}

func (s *InMemoryStore) DeleteContract(_ context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[uuid]; !ok {
		return &NotFoundError{Kind: KindContract, ID: uuid}
	}
	delete(s.contracts, uuid)
	return nil
}

func (s *InMemoryStore) ConflictingOffers(_ context.Context, resourceType, resourceUUID string, window interval.Interval) ([]Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Offer
	for _, offer := range s.offers {
		if offer.ResourceType != resourceType || offer.ResourceUUID != resourceUUID {
			continue
		}
		if offer.Status.Terminal() {
			continue
		}
		if interval.Overlaps(offer.Window(), window) {
			out = append(out, copyOffer(offer))
		}
	}
	sortOffers(out)
	return out, nil
}

func (s *InMemoryStore) BusyIntervals(_ context.Context, offerUUID string) ([]interval.Interval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var busy []interval.Interval
	for _, contract := range s.contracts {
		if contract.OfferUUID == offerUUID && contract.Status.Holding() {
			busy = append(busy, contract.Window())
		}
	}
	sort.Slice(busy, func(i, j int) bool {
		return busy[i].Start.Before(busy[j].Start)
	})
	return busy, nil
}

func (s *InMemoryStore) FirstAvailability(ctx context.Context, offerUUID string, earliest time.Time) (time.Time, bool, error) {
	offer, err := s.GetOffer(ctx, offerUUID)
	if err != nil {
		return time.Time{}, false, err
	}
	busy, err := s.BusyIntervals(ctx, offerUUID)
	if err != nil {
		return time.Time{}, false, err
	}
	return firstAvailability(offer, busy, earliest)
}

// Exclusive holds a per-key mutex for the duration of fn. fn receives the
// store itself; writes are applied immediately and are not rolled back.
func (s *InMemoryStore) Exclusive(ctx context.Context, key string, fn func(ctx context.Context, tx Store) error) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("exclusive key is required")
	}
	lock := s.acquireKey(key)
	lock.mu.Lock()
	defer s.releaseKey(key, lock)

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, s)
}

func (s *InMemoryStore) acquireKey(key string) *keyLock {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	lock, ok := s.keys[key]
	if !ok {
		lock = &keyLock{}
		s.keys[key] = lock
	}
	lock.refs++
	return lock
}

func (s *InMemoryStore) releaseKey(key string, lock *keyLock) {
	lock.mu.Unlock()
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.keys, key)
	}
}

func matchOffer(offer Offer, filter OfferFilter) bool {
	if filter.ProjectID != "" && offer.ProjectID != filter.ProjectID {
		return false
	}
	if filter.ResourceType != "" && offer.ResourceType != filter.ResourceType {
		return false
	}
	if filter.ResourceUUID != "" && offer.ResourceUUID != filter.ResourceUUID {
		return false
	}
	if len(filter.Statuses) > 0 {
		matched := false
		for _, status := range filter.Statuses {
			if offer.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if filter.Window != nil && !interval.Overlaps(offer.Window(), *filter.Window) {
		return false
	}
	return true
}

func matchContract(contract Contract, filter ContractFilter) bool {
	if filter.ProjectID != "" && contract.ProjectID != filter.ProjectID {
		return false
	}
	if filter.OfferUUID != "" && contract.OfferUUID != filter.OfferUUID {
		return false
	}
	if len(filter.Statuses) > 0 {
		matched := false
		for _, status := range filter.Statuses {
			if contract.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if filter.Window != nil && !interval.Overlaps(contract.Window(), *filter.Window) {
		return false
	}
	return true
}

func copyOffer(offer Offer) Offer {
	offer.Properties = cloneProperties(offer.Properties)
	return offer
}

func copyContract(contract Contract) Contract {
	contract.Properties = cloneProperties(contract.Properties)
	return contract
}

func sortOffers(items []Offer) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].StartTime.Equal(items[j].StartTime) {
			return items[i].StartTime.Before(items[j].StartTime)
		}
		return items[i].UUID < items[j].UUID
	})
}

func sortContracts(items []Contract) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].StartTime.Equal(items[j].StartTime) {
			return items[i].StartTime.Before(items[j].StartTime)
		}
		return items[i].UUID < items[j].UUID
	})
}
