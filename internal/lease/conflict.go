package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/VenkatGGG/leasebroker/internal/interval"
)

// ConflictDetector validates a proposed offer or contract range against what
// the store already holds. Callers run it inside Store.Exclusive together with
// the write it guards.
type ConflictDetector struct {
	store Store
}

func NewConflictDetector(store Store) *ConflictDetector {
	return &ConflictDetector{store: store}
}

func (d *ConflictDetector) VerifyResourceAvailability(ctx context.Context, resourceType, resourceUUID string, start, end time.Time) error {
	window := interval.New(start, end)
	conflicts, err := d.store.ConflictingOffers(ctx, resourceType, resourceUUID, window)
	if err != nil {
		return fmt.Errorf("query conflicting offers: %w", err)
	}
	if len(conflicts) == 0 {
		return nil
	}
	uuids := make([]string, 0, len(conflicts))
	for _, offer := range conflicts {
		uuids = append(uuids, offer.UUID)
	}
	return &OfferResourceTimeConflictError{
		ResourceType: resourceType,
		ResourceUUID: resourceUUID,
		Start:        window.Start,
		End:          window.End,
		Conflicting:  uuids,
	}
}

func (d *ConflictDetector) VerifyContractAvailability(ctx context.Context, offer Offer, start, end time.Time) error {
	busy, err := d.store.BusyIntervals(ctx, offer.UUID)
	if err != nil {
		return fmt.Errorf("query busy intervals: %w", err)
	}
	gaps, err := interval.Availability(offer.Window(), busy)
	if err != nil {
		return fmt.Errorf("offer %s availability: %w", offer.UUID, err)
	}
	if !interval.FitsOneGap(gaps, interval.New(start, end)) {
		return &OfferNoTimeAvailabilitiesError{OfferUUID: offer.UUID, Start: start.UTC(), End: end.UTC()}
	}
	return nil
}
