// Package resource binds contracts to the physical resources behind offers.
// Each resource type has its own Binder; Registry routes by type and is the
// lease.ResourceBinding the lease service talks to.
package resource

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/VenkatGGG/leasebroker/internal/lease"
)

// Binder tracks which contract holds each resource of one type.
type Binder interface {
	ContractUUID(ctx context.Context, resourceUUID string) (string, bool, error)
	SetContract(ctx context.Context, resourceUUID string, contract *lease.Contract) error
	IsAdmin(ctx context.Context, resourceUUID, projectID string) (bool, error)
}

type Registry struct {
	mu      sync.RWMutex
	binders map[string]Binder
}

func NewRegistry() *Registry {
	return &Registry{binders: make(map[string]Binder)}
}

func (r *Registry) Register(resourceType string, binder Binder) error {
	resourceType = strings.TrimSpace(resourceType)
	if resourceType == "" {
		return errors.New("resource type is required")
	}
	if binder == nil {
		return errors.New("binder is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.binders[resourceType] = binder
	return nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.binders))
	for resourceType := range r.binders {
		types = append(types, resourceType)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) binder(resourceType string) (Binder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	binder, ok := r.binders[resourceType]
	if !ok {
		return nil, &lease.ResourceTypeUnknownError{ResourceType: resourceType}
	}
	return binder, nil
}

func (r *Registry) ContractUUID(ctx context.Context, resourceType, resourceUUID string) (string, bool, error) {
	binder, err := r.binder(resourceType)
	if err != nil {
		return "", false, err
	}
	return binder.ContractUUID(ctx, resourceUUID)
}

func (r *Registry) SetContract(ctx context.Context, resourceType, resourceUUID string, contract *lease.Contract) error {
	binder, err := r.binder(resourceType)
	if err != nil {
		return err
	}
	return binder.SetContract(ctx, resourceUUID, contract)
}

func (r *Registry) IsResourceAdmin(ctx context.Context, resourceType, resourceUUID, projectID string) (bool, error) {
	binder, err := r.binder(resourceType)
	if err != nil {
		return false, err
	}
	return binder.IsAdmin(ctx, resourceUUID, projectID)
}
