package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/VenkatGGG/leasebroker/internal/interval"
	"github.com/VenkatGGG/leasebroker/internal/logging"
)

// Recorder observes lifecycle transitions and rejected requests.
type Recorder interface {
	Transition(kind Kind, action, from, to string)
	Rejected(kind Kind, action string, err error)
}

type noopRecorder struct{}

func (noopRecorder) Transition(Kind, string, string, string) {}
func (noopRecorder) Rejected(Kind, string, error)            {}

// Service owns the offer and contract lifecycle. It keeps no state of its own;
// everything lives in the Store and the ResourceBinding.
type Service struct {
	store    Store
	binding  ResourceBinding
	recorder Recorder
	logger   *slog.Logger
}

func NewService(store Store, binding ResourceBinding, recorder Recorder, logger *slog.Logger) *Service {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Service{
		store:    store,
		binding:  binding,
		recorder: recorder,
		logger:   logging.Ensure(logger).With("component", "lease.service"),
	}
}

func (s *Service) CreateOffer(ctx context.Context, input CreateOfferInput) (Offer, error) {
	projectID := strings.TrimSpace(input.ProjectID)
	resourceType := strings.TrimSpace(input.ResourceType)
	resourceUUID := strings.TrimSpace(input.ResourceUUID)
	if projectID == "" {
		return Offer{}, errors.New("project_id is required")
	}
	if resourceType == "" {
		return Offer{}, errors.New("resource_type is required")
	}
	if resourceUUID == "" {
		return Offer{}, errors.New("resource_uuid is required")
	}
	if !input.StartTime.Before(input.EndTime) {
		err := &InvalidTimeRangeError{Resource: string(KindOffer), Start: input.StartTime, End: input.EndTime}
		s.recorder.Rejected(KindOffer, "create", err)
		return Offer{}, err
	}

	offer := Offer{
		UUID:         uuid.NewString(),
		Name:         strings.TrimSpace(input.Name),
		ProjectID:    projectID,
		ResourceType: resourceType,
		ResourceUUID: resourceUUID,
		StartTime:    input.StartTime.UTC(),
		EndTime:      input.EndTime.UTC(),
		Status:       OfferStatusAvailable,
		Properties:   cloneProperties(input.Properties),
	}

	var created Offer
	err := s.store.Exclusive(ctx, resourceKey(resourceType, resourceUUID), func(ctx context.Context, tx Store) error {
		detector := NewConflictDetector(tx)
		if err := detector.VerifyResourceAvailability(ctx, resourceType, resourceUUID, offer.StartTime, offer.EndTime); err != nil {
			return err
		}
		var err error
		created, err = tx.CreateOffer(ctx, offer)
		return err
	})
	if err != nil {
		s.recorder.Rejected(KindOffer, "create", err)
		return Offer{}, err
	}

	s.recorder.Transition(KindOffer, "create", "", string(created.Status))
	s.logger.Info("offer created",
		"offer_uuid", created.UUID,
		"resource_type", created.ResourceType,
		"resource_uuid", created.ResourceUUID,
		"start_time", created.StartTime,
		"end_time", created.EndTime,
	)
	return created, nil
}

// GetOffer resolves id as a uuid first and falls back to a unique name.
func (s *Service) GetOffer(ctx context.Context, id string) (Offer, error) {
	id = strings.TrimSpace(id)
	found, err := s.store.GetOffer(ctx, id)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Offer{}, err
	}
	byName, err := s.store.FindOffersByName(ctx, id)
	if err != nil {
		return Offer{}, err
	}
	switch len(byName) {
	case 0:
		return Offer{}, &NotFoundError{Kind: KindOffer, ID: id}
	case 1:
		return byName[0], nil
	default:
		return Offer{}, &DuplicateNameError{Kind: KindOffer, Name: id}
	}
}

func (s *Service) ListOffers(ctx context.Context, filter OfferFilter) ([]Offer, error) {
	return s.store.ListOffers(ctx, filter)
}

// OfferAvailabilities returns the free gaps of an available offer, and none
// for an offer in any other status.
func (s *Service) OfferAvailabilities(ctx context.Context, id string) ([]interval.Interval, error) {
	offer, err := s.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer.Status != OfferStatusAvailable {
		return []interval.Interval{}, nil
	}
	busy, err := s.store.BusyIntervals(ctx, offer.UUID)
	if err != nil {
		return nil, fmt.Errorf("query busy intervals: %w", err)
	}
	return interval.Availability(offer.Window(), busy)
}

func (s *Service) OfferFirstAvailability(ctx context.Context, id string, earliest time.Time) (time.Time, bool, error) {
	offer, err := s.GetOffer(ctx, id)
	if err != nil {
		return time.Time{}, false, err
	}
	if offer.Status != OfferStatusAvailable {
		return time.Time{}, false, nil
	}
	return s.store.FirstAvailability(ctx, offer.UUID, earliest)
}

// CheckResourceAdmin fails with *ResourceNoPermissionError unless projectID
// administers the resource.
func (s *Service) CheckResourceAdmin(ctx context.Context, resourceType, resourceUUID, projectID string) error {
	ok, err := s.binding.IsResourceAdmin(ctx, resourceType, resourceUUID, projectID)
	if err != nil {
		return err
	}
	if !ok {
		return &ResourceNoPermissionError{ResourceType: resourceType, ResourceUUID: resourceUUID, ProjectID: projectID}
	}
	return nil
}

// CancelOffer moves an available offer to cancelled and cancels its holding
// contracts. Calling it again on a cancelled offer re-runs the cascade.
func (s *Service) CancelOffer(ctx context.Context, id string) (Offer, error) {
	return s.retireOffer(ctx, id, "cancel", OfferStatusCancelled)
}

// ExpireOffer moves an available offer to expired and expires its contracts.
// Calling it again on an expired offer re-runs the cascade.
func (s *Service) ExpireOffer(ctx context.Context, id string) (Offer, error) {
	return s.retireOffer(ctx, id, "expire", OfferStatusExpired)
}

func (s *Service) retireOffer(ctx context.Context, id, action string, target OfferStatus) (Offer, error) {
	offer, err := s.GetOffer(ctx, id)
	if err != nil {
		return Offer{}, err
	}

	var from OfferStatus
	err = s.store.Exclusive(ctx, offerKey(offer.UUID), func(ctx context.Context, tx Store) error {
		current, err := tx.GetOffer(ctx, offer.UUID)
		if err != nil {
			return err
		}
		from = current.Status
		switch current.Status {
		case OfferStatusAvailable:
			offer, err = tx.UpdateOfferStatus(ctx, current.UUID, target)
			return err
		case target:
			offer = current
			return nil
		default:
			return &InvalidStateError{Kind: KindOffer, UUID: current.UUID, Status: string(current.Status), Action: action}
		}
	})
	if err != nil {
		s.recorder.Rejected(KindOffer, action, err)
		return Offer{}, err
	}
	if from != target {
		s.recorder.Transition(KindOffer, action, string(from), string(target))
		s.logger.Info("offer transitioned", "offer_uuid", offer.UUID, "action", action, "from", from, "to", target)
	}

	var statuses []ContractStatus
	if target == OfferStatusCancelled {
		statuses = []ContractStatus{ContractStatusCreated, ContractStatusActive}
	} else {
		statuses = []ContractStatus{ContractStatusCreated, ContractStatusActive, ContractStatusCancelled}
	}
	contracts, err := s.store.ListContracts(ctx, ContractFilter{OfferUUID: offer.UUID, Statuses: statuses})
	if err != nil {
		return offer, fmt.Errorf("list contracts of offer %s: %w", offer.UUID, err)
	}

	var result *multierror.Error
	for _, contract := range contracts {
		var err error
		if target == OfferStatusCancelled {
			err = s.cancelContractInCascade(ctx, offer, contract.UUID)
		} else {
			err = s.expireContractInCascade(ctx, offer, contract.UUID)
		}
		if err != nil {
			s.logger.Warn("cascade step failed",
				"offer_uuid", offer.UUID,
				"contract_uuid", contract.UUID,
				"action", action,
				"error", err,
			)
			result = multierror.Append(result, fmt.Errorf("%s contract %s: %w", action, contract.UUID, err))
		}
	}
	return offer, result.ErrorOrNil()
}

// PurgeOffer destroys a terminal offer together with its contracts, all of
// which must be terminal as well.
func (s *Service) PurgeOffer(ctx context.Context, id string) error {
	offer, err := s.GetOffer(ctx, id)
	if err != nil {
		return err
	}
	return s.store.Exclusive(ctx, offerKey(offer.UUID), func(ctx context.Context, tx Store) error {
		current, err := tx.GetOffer(ctx, offer.UUID)
		if err != nil {
			return err
		}
		if !current.Status.Terminal() {
			return &InvalidStateError{Kind: KindOffer, UUID: current.UUID, Status: string(current.Status), Action: "purge"}
		}
		contracts, err := tx.ListContracts(ctx, ContractFilter{OfferUUID: current.UUID})
		if err != nil {
			return err
		}
		for _, contract := range contracts {
			if !contract.Status.Terminal() {
				return &InvalidStateError{Kind: KindContract, UUID: contract.UUID, Status: string(contract.Status), Action: "purge"}
			}
		}
		for _, contract := range contracts {
			if err := tx.DeleteContract(ctx, contract.UUID); err != nil {
				return err
			}
		}
		if err := tx.DeleteOffer(ctx, current.UUID); err != nil {
			return err
		}
		s.logger.Info("offer purged", "offer_uuid", current.UUID, "contracts", len(contracts))
		return nil
	})
}

func (s *Service) CreateContract(ctx context.Context, input CreateContractInput) (Contract, error) {
	projectID := strings.TrimSpace(input.ProjectID)
	offerUUID := strings.TrimSpace(input.OfferUUID)
	if projectID == "" {
		return Contract{}, errors.New("project_id is required")
	}
	if offerUUID == "" {
		return Contract{}, errors.New("offer_uuid is required")
	}

	contract := Contract{
		UUID:       uuid.NewString(),
		Name:       strings.TrimSpace(input.Name),
		ProjectID:  projectID,
		OfferUUID:  offerUUID,
		StartTime:  input.StartTime.UTC(),
		EndTime:    input.EndTime.UTC(),
		Status:     ContractStatusCreated,
		Properties: cloneProperties(input.Properties),
	}

	var created Contract
	err := s.store.Exclusive(ctx, offerKey(offerUUID), func(ctx context.Context, tx Store) error {
		offer, err := tx.GetOffer(ctx, offerUUID)
		if err != nil {
			return err
		}
		if offer.Status != OfferStatusAvailable {
			return &OfferNotAvailableError{OfferUUID: offer.UUID, Status: offer.Status}
		}
		if !contract.StartTime.Before(contract.EndTime) {
			return &InvalidTimeRangeError{Resource: string(KindContract), Start: contract.StartTime, End: contract.EndTime}
		}
		detector := NewConflictDetector(tx)
		if err := detector.VerifyContractAvailability(ctx, offer, contract.StartTime, contract.EndTime); err != nil {
			return err
		}
		created, err = tx.CreateContract(ctx, contract)
		return err
	})
	if err != nil {
		s.recorder.Rejected(KindContract, "create", err)
		return Contract{}, err
	}

	s.recorder.Transition(KindContract, "create", "", string(created.Status))
	s.logger.Info("contract created",
		"contract_uuid", created.UUID,
		"offer_uuid", created.OfferUUID,
		"start_time", created.StartTime,
		"end_time", created.EndTime,
	)
	return created, nil
}

func (s *Service) GetContract(ctx context.Context, id string) (Contract, error) {
	id = strings.TrimSpace(id)
	found, err := s.store.GetContract(ctx, id)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Contract{}, err
	}
	byName, err := s.store.FindContractsByName(ctx, id)
	if err != nil {
		return Contract{}, err
	}
	switch len(byName) {
	case 0:
		return Contract{}, &NotFoundError{Kind: KindContract, ID: id}
	case 1:
		return byName[0], nil
	default:
		return Contract{}, &DuplicateNameError{Kind: KindContract, Name: id}
	}
}

func (s *Service) ListContracts(ctx context.Context, filter ContractFilter) ([]Contract, error) {
	return s.store.ListContracts(ctx, filter)
}

// FulfillContract binds the offer's resource to a created contract and
// activates it. If the status write or its commit fails after the bind, the
// binding is rolled back.
func (s *Service) FulfillContract(ctx context.Context, id string) (Contract, error) {
	var (
		bound      bool
		boundOffer Offer
		boundUUID  string
	)
	updated, err := s.transitionContract(ctx, id, "fulfill", func(ctx context.Context, tx Store, offer Offer, contract Contract) (Contract, error) {
		if contract.Status != ContractStatusCreated {
			return Contract{}, &InvalidStateError{Kind: KindContract, UUID: contract.UUID, Status: string(contract.Status), Action: "fulfill"}
		}
		if offer.Status != OfferStatusAvailable {
			return Contract{}, &OfferNotAvailableError{OfferUUID: offer.UUID, Status: offer.Status}
		}
		if err := s.binding.SetContract(ctx, offer.ResourceType, offer.ResourceUUID, &contract); err != nil {
			return Contract{}, fmt.Errorf("bind %s %s: %w", offer.ResourceType, offer.ResourceUUID, err)
		}
		bound, boundOffer, boundUUID = true, offer, contract.UUID
		return tx.UpdateContractStatus(ctx, contract.UUID, ContractStatusActive)
	})
	if err != nil && bound {
		if unbindErr := s.unbindIfHeld(ctx, boundOffer, boundUUID); unbindErr != nil {
			s.logger.Error("binding left behind by failed fulfil",
				"contract_uuid", boundUUID,
				"resource_type", boundOffer.ResourceType,
				"resource_uuid", boundOffer.ResourceUUID,
				"error", unbindErr,
			)
			return Contract{}, multierror.Append(err, unbindErr)
		}
	}
	return updated, err
}

// unbindIfHeld clears the resource binding when it still points at
// contractUUID.
func (s *Service) unbindIfHeld(ctx context.Context, offer Offer, contractUUID string) error {
	held, ok, err := s.binding.ContractUUID(ctx, offer.ResourceType, offer.ResourceUUID)
	if err != nil {
		return fmt.Errorf("read binding of %s %s: %w", offer.ResourceType, offer.ResourceUUID, err)
	}
	if !ok || held != contractUUID {
		return nil
	}
	if err := s.binding.SetContract(ctx, offer.ResourceType, offer.ResourceUUID, nil); err != nil {
		return fmt.Errorf("unbind %s %s: %w", offer.ResourceType, offer.ResourceUUID, err)
	}
	return nil
}

func (s *Service) CancelContract(ctx context.Context, id string) (Contract, error) {
	return s.transitionContract(ctx, id, "cancel", func(ctx context.Context, tx Store, offer Offer, contract Contract) (Contract, error) {
		if !contract.Status.Holding() {
			return Contract{}, &InvalidStateError{Kind: KindContract, UUID: contract.UUID, Status: string(contract.Status), Action: "cancel"}
		}
		return s.release(ctx, tx, offer, contract, ContractStatusCancelled)
	})
}

// ExpireContract expires a single contract. The owning offer must still be
// available; offer-driven expiry goes through expireContractInCascade.
// Expiring a cancelled contract leaves it cancelled.
func (s *Service) ExpireContract(ctx context.Context, id string) (Contract, error) {
	return s.transitionContract(ctx, id, "expire", func(ctx context.Context, tx Store, offer Offer, contract Contract) (Contract, error) {
		if contract.Status == ContractStatusExpired {
			return Contract{}, &InvalidStateError{Kind: KindContract, UUID: contract.UUID, Status: string(contract.Status), Action: "expire"}
		}
		if offer.Status != OfferStatusAvailable {
			return Contract{}, &OfferNotAvailableError{OfferUUID: offer.UUID, Status: offer.Status}
		}
		if contract.Status == ContractStatusCancelled {
			return contract, nil
		}
		return s.release(ctx, tx, offer, contract, ContractStatusExpired)
	})
}

type contractStep func(ctx context.Context, tx Store, offer Offer, contract Contract) (Contract, error)

// transitionContract resolves the contract and runs step under the lock of
// the offer's resource, with both entities re-read inside the lock.
func (s *Service) transitionContract(ctx context.Context, id, action string, step contractStep) (Contract, error) {
	contract, err := s.GetContract(ctx, id)
	if err != nil {
		return Contract{}, err
	}
	offer, err := s.store.GetOffer(ctx, contract.OfferUUID)
	if err != nil {
		return Contract{}, fmt.Errorf("load offer %s of contract %s: %w", contract.OfferUUID, contract.UUID, err)
	}

	var (
		from    ContractStatus
		updated Contract
	)
	err = s.store.Exclusive(ctx, resourceKey(offer.ResourceType, offer.ResourceUUID), func(ctx context.Context, tx Store) error {
		current, err := tx.GetContract(ctx, contract.UUID)
		if err != nil {
			return err
		}
		owner, err := tx.GetOffer(ctx, current.OfferUUID)
		if err != nil {
			return err
		}
		from = current.Status
		updated, err = step(ctx, tx, owner, current)
		return err
	})
	if err != nil {
		s.recorder.Rejected(KindContract, action, err)
		return Contract{}, err
	}
	if updated.Status != from {
		s.recorder.Transition(KindContract, action, string(from), string(updated.Status))
		s.logger.Info("contract transitioned",
			"contract_uuid", updated.UUID,
			"offer_uuid", updated.OfferUUID,
			"action", action,
			"from", from,
			"to", updated.Status,
		)
	}
	return updated, nil
}

// cancelContractInCascade applies the cancel rule to one contract of an offer
// that is being cancelled. Contracts that no longer hold time are skipped.
func (s *Service) cancelContractInCascade(ctx context.Context, offer Offer, contractUUID string) error {
	return s.cascadeStep(ctx, offer, contractUUID, "cancel", func(ctx context.Context, tx Store, contract Contract) (Contract, bool, error) {
		if !contract.Status.Holding() {
			return contract, false, nil
		}
		updated, err := s.release(ctx, tx, offer, contract, ContractStatusCancelled)
		return updated, true, err
	})
}

// expireContractInCascade applies the expire rule to one contract of an offer
// that is expiring. It does not require the offer to be available.
func (s *Service) expireContractInCascade(ctx context.Context, offer Offer, contractUUID string) error {
	return s.cascadeStep(ctx, offer, contractUUID, "expire", func(ctx context.Context, tx Store, contract Contract) (Contract, bool, error) {
		if !contract.Status.Holding() {
			return contract, false, nil
		}
		updated, err := s.release(ctx, tx, offer, contract, ContractStatusExpired)
		return updated, true, err
	})
}

func (s *Service) cascadeStep(ctx context.Context, offer Offer, contractUUID, action string, step func(context.Context, Store, Contract) (Contract, bool, error)) error {
	var (
		from    ContractStatus
		updated Contract
		changed bool
	)
	err := s.store.Exclusive(ctx, resourceKey(offer.ResourceType, offer.ResourceUUID), func(ctx context.Context, tx Store) error {
		current, err := tx.GetContract(ctx, contractUUID)
		if err != nil {
			return err
		}
		from = current.Status
		updated, changed, err = step(ctx, tx, current)
		return err
	})
	if err != nil {
		s.recorder.Rejected(KindContract, action, err)
		return err
	}
	if changed {
		s.recorder.Transition(KindContract, action, string(from), string(updated.Status))
		s.logger.Info("contract transitioned by offer cascade",
			"contract_uuid", updated.UUID,
			"offer_uuid", offer.UUID,
			"action", action,
			"from", from,
			"to", updated.Status,
		)
	}
	return nil
}

// release clears the resource binding if it points at contract, then writes
// the terminal status.
func (s *Service) release(ctx context.Context, tx Store, offer Offer, contract Contract, target ContractStatus) (Contract, error) {
	if err := s.unbindIfHeld(ctx, offer, contract.UUID); err != nil {
		return Contract{}, err
	}
	return tx.UpdateContractStatus(ctx, contract.UUID, target)
}
