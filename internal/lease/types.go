package lease

import (
	"strings"
	"time"

	"github.com/VenkatGGG/leasebroker/internal/interval"
)

type OfferStatus string

const (
	OfferStatusAvailable OfferStatus = "available"
	OfferStatusCancelled OfferStatus = "cancelled"
	OfferStatusExpired   OfferStatus = "expired"
)

func (s OfferStatus) Terminal() bool {
	return s == OfferStatusCancelled || s == OfferStatusExpired
}

type ContractStatus string

const (
	ContractStatusCreated   ContractStatus = "created"
	ContractStatusActive    ContractStatus = "active"
	ContractStatusCancelled ContractStatus = "cancelled"
	ContractStatusExpired   ContractStatus = "expired"
)

func (s ContractStatus) Terminal() bool {
	return s == ContractStatusCancelled || s == ContractStatusExpired
}

// Holding reports whether a contract in this status occupies time on its offer.
func (s ContractStatus) Holding() bool {
	return s == ContractStatusCreated || s == ContractStatusActive
}

type Offer struct {
	UUID         string         `json:"uuid"`
	Name         string         `json:"name,omitempty"`
	ProjectID    string         `json:"project_id"`
	ResourceType string         `json:"resource_type"`
	ResourceUUID string         `json:"resource_uuid"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Status       OfferStatus    `json:"status"`
	Properties   map[string]any `json:"properties,omitempty"`
}

func (o Offer) Window() interval.Interval {
	return interval.New(o.StartTime, o.EndTime)
}

type Contract struct {
	UUID       string         `json:"uuid"`
	Name       string         `json:"name,omitempty"`
	ProjectID  string         `json:"project_id"`
	OfferUUID  string         `json:"offer_uuid"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Status     ContractStatus `json:"status"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (c Contract) Window() interval.Interval {
	return interval.New(c.StartTime, c.EndTime)
}

type CreateOfferInput struct {
	Name         string
	ProjectID    string
	ResourceType string
	ResourceUUID string
	StartTime    time.Time
	EndTime      time.Time
	Properties   map[string]any
}

type CreateContractInput struct {
	Name       string
	ProjectID  string
	OfferUUID  string
	StartTime  time.Time
	EndTime    time.Time
	Properties map[string]any
}

type OfferFilter struct {
	ProjectID    string
	ResourceType string
	ResourceUUID string
	Statuses     []OfferStatus
	// Window, when set, keeps offers overlapping it.
	Window *interval.Interval
}

type ContractFilter struct {
	ProjectID string
	OfferUUID string
	Statuses  []ContractStatus
	Window    *interval.Interval
}

// ParseWindow builds an overlap filter from optional bounds. Both or neither
// must be supplied and start must precede end.
func ParseWindow(resource string, start, end *time.Time) (*interval.Interval, error) {
	if start == nil && end == nil {
		return nil, nil
	}
	if start == nil || end == nil || !start.Before(*end) {
		return nil, &InvalidTimeRangeError{Resource: resource, Start: derefTime(start), End: derefTime(end)}
	}
	w := interval.New(*start, *end)
	return &w, nil
}

func ParseOfferStatus(value string) (OfferStatus, bool) {
	status := OfferStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case OfferStatusAvailable, OfferStatusCancelled, OfferStatusExpired:
		return status, true
	default:
		return "", false
	}
}

func ParseContractStatus(value string) (ContractStatus, bool) {
	status := ContractStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case ContractStatusCreated, ContractStatusActive, ContractStatusCancelled, ContractStatusExpired:
		return status, true
	default:
		return "", false
	}
}

func cloneProperties(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]any, len(src))
	for key, value := range src {
		out[key] = value
	}
	return out
}

func derefTime(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return *value
}
