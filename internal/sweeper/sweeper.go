// Package sweeper moves offers and contracts through time-driven transitions:
// windows that have closed expire, and created contracts whose window has
// opened are fulfilled when auto-fulfil is on.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/VenkatGGG/leasebroker/internal/lease"
	"github.com/VenkatGGG/leasebroker/internal/logging"
)

// Lifecycle is the part of lease.Service the sweeper drives.
type Lifecycle interface {
	ListOffers(ctx context.Context, filter lease.OfferFilter) ([]lease.Offer, error)
	ListContracts(ctx context.Context, filter lease.ContractFilter) ([]lease.Contract, error)
	ExpireOffer(ctx context.Context, id string) (lease.Offer, error)
	CancelOffer(ctx context.Context, id string) (lease.Offer, error)
	ExpireContract(ctx context.Context, id string) (lease.Contract, error)
	FulfillContract(ctx context.Context, id string) (lease.Contract, error)
}

type Config struct {
	Interval    time.Duration
	AutoFulfill bool
}

// Result counts the transitions applied by one pass.
type Result struct {
	ExpiredOffers      int
	ExpiredContracts   int
	FulfilledContracts int
	ResumedCascades    int
}

type Sweeper struct {
	lifecycle Lifecycle
	clock     clockwork.Clock
	cfg       Config
	logger    *slog.Logger
}

func New(lifecycle Lifecycle, clock clockwork.Clock, cfg Config, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Sweeper{
		lifecycle: lifecycle,
		clock:     clock,
		cfg:       cfg,
		logger:    logging.Ensure(logger).With("component", "sweeper"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.cfg.Interval, "auto_fulfill", s.cfg.AutoFulfill)
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.Chan():
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warn("sweep finished with errors", "error", err)
	}
	if result != (Result{}) {
		s.logger.Info("sweep applied transitions",
			"expired_offers", result.ExpiredOffers,
			"expired_contracts", result.ExpiredContracts,
			"fulfilled_contracts", result.FulfilledContracts,
			"resumed_cascades", result.ResumedCascades,
		)
	}
}

// RunOnce applies every due transition as of the clock's current time.
// Failures on individual entities are collected and do not stop the pass.
// A contract still holding time under a retired offer means that offer's
// cascade failed earlier; the cascade is re-run instead of expiring the
// contract directly.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	now := s.clock.Now().UTC()
	var (
		result Result
		errs   *multierror.Error
	)

	offers, err := s.lifecycle.ListOffers(ctx, lease.OfferFilter{})
	if err != nil {
		return result, err
	}
	byUUID := make(map[string]lease.Offer, len(offers))
	cascaded := make(map[string]bool)
	for _, offer := range offers {
		byUUID[offer.UUID] = offer
		if offer.Status != lease.OfferStatusAvailable || offer.EndTime.After(now) {
			continue
		}
		expired, err := s.lifecycle.ExpireOffer(ctx, offer.UUID)
		if expired.UUID != "" {
			byUUID[offer.UUID] = expired
			cascaded[offer.UUID] = true
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		result.ExpiredOffers++
	}

	contracts, err := s.lifecycle.ListContracts(ctx, lease.ContractFilter{
		Statuses: []lease.ContractStatus{lease.ContractStatusCreated, lease.ContractStatusActive},
	})
	if err != nil {
		return result, multierror.Append(errs, err).ErrorOrNil()
	}
	// Expiries run before fulfilments so a node released by a lapsed
	// contract can be bound by the next one in the same pass.
	var due []lease.Contract
	for _, contract := range contracts {
		if offer, ok := byUUID[contract.OfferUUID]; ok && offer.Status.Terminal() {
			if cascaded[offer.UUID] {
				continue
			}
			cascaded[offer.UUID] = true
			if err := s.resumeCascade(ctx, offer); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			result.ResumedCascades++
			continue
		}
		switch {
		case !contract.EndTime.After(now):
			if _, err := s.lifecycle.ExpireContract(ctx, contract.UUID); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			result.ExpiredContracts++
		case s.cfg.AutoFulfill && contract.Status == lease.ContractStatusCreated && !contract.StartTime.After(now):
			due = append(due, contract)
		}
	}
	for _, contract := range due {
		if _, err := s.lifecycle.FulfillContract(ctx, contract.UUID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		result.FulfilledContracts++
	}

	return result, errs.ErrorOrNil()
}

// resumeCascade repeats the retirement of an offer that is already terminal,
// which walks its contracts again and skips the ones already released.
func (s *Sweeper) resumeCascade(ctx context.Context, offer lease.Offer) error {
	s.logger.Warn("resuming offer cascade", "offer_uuid", offer.UUID, "status", offer.Status)
	var err error
	if offer.Status == lease.OfferStatusCancelled {
		_, err = s.lifecycle.CancelOffer(ctx, offer.UUID)
	} else {
		_, err = s.lifecycle.ExpireOffer(ctx, offer.UUID)
	}
	return err
}
