package lease

import (
	"context"
	"time"

	"github.com/VenkatGGG/leasebroker/internal/interval"
)

// Store persists offers and contracts. Lookups by uuid return *NotFoundError
// when nothing matches.
type Store interface {
	GetOffer(ctx context.Context, uuid string) (Offer, error)
	FindOffersByName(ctx context.Context, name string) ([]Offer, error)
	ListOffers(ctx context.Context, filter OfferFilter) ([]Offer, error)
	CreateOffer(ctx context.Context, offer Offer) (Offer, error)
	UpdateOfferStatus(ctx context.Context, uuid string, status OfferStatus) (Offer, error)
	DeleteOffer(ctx context.Context, uuid string) error

	GetContract(ctx context.Context, uuid string) (Contract, error)
	FindContractsByName(ctx context.Context, name string) ([]Contract, error)
	ListContracts(ctx context.Context, filter ContractFilter) ([]Contract, error)
	CreateContract(ctx context.Context, contract Contract) (Contract, error)
	UpdateContractStatus(ctx context.Context, uuid string, status ContractStatus) (Contract, error)
	DeleteContract(ctx context.Context, uuid string) error

	// ConflictingOffers returns non-terminal offers on the resource whose
	// window overlaps window.
	ConflictingOffers(ctx context.Context, resourceType, resourceUUID string, window interval.Interval) ([]Offer, error)
	// BusyIntervals returns the windows of created and active contracts on
	// the offer, sorted by start time.
	BusyIntervals(ctx context.Context, offerUUID string) ([]interval.Interval, error)
	FirstAvailability(ctx context.Context, offerUUID string, earliest time.Time) (time.Time, bool, error)

	// Exclusive runs fn against a view of the store that is serialized with
	// every other Exclusive call on the same key. Writes made through the
	// view commit only if fn returns nil, where the backend supports it.
	Exclusive(ctx context.Context, key string, fn func(ctx context.Context, tx Store) error) error
}

// ResourceBinding assigns contracts to the physical resource behind an offer.
type ResourceBinding interface {
	ContractUUID(ctx context.Context, resourceType, resourceUUID string) (string, bool, error)
	// SetContract binds contract to the resource; nil clears the binding.
	SetContract(ctx context.Context, resourceType, resourceUUID string, contract *Contract) error
	IsResourceAdmin(ctx context.Context, resourceType, resourceUUID, projectID string) (bool, error)
}

func resourceKey(resourceType, resourceUUID string) string {
	return "resource:" + resourceType + ":" + resourceUUID
}

func offerKey(offerUUID string) string {
	return "offer:" + offerUUID
}

// firstAvailability is shared by stores that compute the first free instant
// from the offer window and its busy intervals.
func firstAvailability(offer Offer, busy []interval.Interval, earliest time.Time) (time.Time, bool, error) {
	if offer.Status != OfferStatusAvailable {
		return time.Time{}, false, nil
	}
	return interval.FirstFitAfter(offer.Window(), busy, earliest.UTC())
}
