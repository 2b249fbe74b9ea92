package lease

import (
	"errors"
	"fmt"
	"time"
)

// Coarse sentinels. Every tagged error below matches exactly one of them
// through errors.Is, and carries its structured fields for errors.As.
var (
	ErrInvalidTimeRange          = errors.New("invalid time range")
	ErrOfferResourceTimeConflict = errors.New("offer conflicts with an existing offer on the resource")
	ErrOfferNotAvailable         = errors.New("offer not available")
	ErrOfferNoTimeAvailabilities = errors.New("offer has no availability for the requested range")
	ErrNotFound                  = errors.New("not found")
	ErrDuplicateName             = errors.New("duplicate name")
	ErrResourceNoPermission      = errors.New("no permission on resource")
	ErrResourceTypeUnknown       = errors.New("resource type unknown")
	ErrInvalidState              = errors.New("invalid state transition")
)

type InvalidTimeRangeError struct {
	Resource string
	Start    time.Time
	End      time.Time
}

func (e *InvalidTimeRangeError) Error() string {
	return fmt.Sprintf("invalid time range for %s: start %s must be before end %s",
		e.Resource, formatTime(e.Start), formatTime(e.End))
}

func (e *InvalidTimeRangeError) Is(target error) bool { return target == ErrInvalidTimeRange }

type OfferResourceTimeConflictError struct {
	ResourceType string
	ResourceUUID string
	Start        time.Time
	End          time.Time
	// Conflicting holds the uuids of the offers that claim the range.
	Conflicting []string
}

func (e *OfferResourceTimeConflictError) Error() string {
	return fmt.Sprintf("offer on %s %s for [%s, %s) conflicts with existing offers %v",
		e.ResourceType, e.ResourceUUID, formatTime(e.Start), formatTime(e.End), e.Conflicting)
}

func (e *OfferResourceTimeConflictError) Is(target error) bool {
	return target == ErrOfferResourceTimeConflict
}

type OfferNotAvailableError struct {
	OfferUUID string
	Status    OfferStatus
}

func (e *OfferNotAvailableError) Error() string {
	return fmt.Sprintf("offer %s does not have status %q, got %q", e.OfferUUID, OfferStatusAvailable, e.Status)
}

func (e *OfferNotAvailableError) Is(target error) bool { return target == ErrOfferNotAvailable }

type OfferNoTimeAvailabilitiesError struct {
	OfferUUID string
	Start     time.Time
	End       time.Time
}

func (e *OfferNoTimeAvailabilitiesError) Error() string {
	return fmt.Sprintf("offer %s has no availabilities at [%s, %s)",
		e.OfferUUID, formatTime(e.Start), formatTime(e.End))
}

func (e *OfferNoTimeAvailabilitiesError) Is(target error) bool {
	return target == ErrOfferNoTimeAvailabilities
}

type Kind string

const (
	KindOffer    Kind = "offer"
	KindContract Kind = "contract"
)

type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with name or uuid %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type DuplicateNameError struct {
	Kind Kind
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate %ss with name %s", e.Kind, e.Name)
}

func (e *DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

type ResourceNoPermissionError struct {
	ResourceType string
	ResourceUUID string
	ProjectID    string
}

func (e *ResourceNoPermissionError) Error() string {
	return fmt.Sprintf("project %s has no permission on %s %s", e.ProjectID, e.ResourceType, e.ResourceUUID)
}

func (e *ResourceNoPermissionError) Is(target error) bool { return target == ErrResourceNoPermission }

type ResourceTypeUnknownError struct {
	ResourceType string
}

func (e *ResourceTypeUnknownError) Error() string {
	return fmt.Sprintf("%s resource type unknown", e.ResourceType)
}

func (e *ResourceTypeUnknownError) Is(target error) bool { return target == ErrResourceTypeUnknown }

// InvalidStateError rejects a direct transition from a status that does not
// allow it, e.g. cancelling an already expired contract.
type InvalidStateError struct {
	Kind   Kind
	UUID   string
	Status string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %q", e.Action, e.Kind, e.UUID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "<unset>"
	}
	return t.UTC().Format(time.RFC3339)
}
