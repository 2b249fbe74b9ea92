package resource

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/VenkatGGG/leasebroker/internal/lease"
)

// StaticBinder keeps bindings for a fixed set of nodes in process memory.
type StaticBinder struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

func NewStaticBinder(nodes []Node) *StaticBinder {
	binder := &StaticBinder{nodes: make(map[string]Node, len(nodes))}
	now := time.Now().UTC()
	for _, node := range nodes {
		if node.State == "" {
			node.State = NodeStateReady
		}
		node.UpdatedAt = now
		binder.nodes[node.ID] = node
	}
	return binder
}

func (b *StaticBinder) ContractUUID(_ context.Context, resourceUUID string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	node, ok := b.nodes[resourceUUID]
	if !ok {
		return "", false, ErrNodeNotFound
	}
	if node.ContractUUID == "" {
		return "", false, nil
	}
	return node.ContractUUID, true, nil
}

func (b *StaticBinder) SetContract(_ context.Context, resourceUUID string, contract *lease.Contract) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	node, ok := b.nodes[resourceUUID]
	if !ok {
		return ErrNodeNotFound
	}
	if contract == nil {
		node.ContractUUID = ""
		if node.State == NodeStateLeased {
			node.State = NodeStateReady
		}
	} else {
		if node.State == NodeStateDraining {
			return ErrNodeDraining
		}
		if node.ContractUUID != "" && node.ContractUUID != contract.UUID {
			return &BoundError{ResourceUUID: resourceUUID, ContractUUID: node.ContractUUID}
		}
		node.ContractUUID = contract.UUID
		node.State = NodeStateLeased
	}
	node.UpdatedAt = time.Now().UTC()
	b.nodes[resourceUUID] = node
	return nil
}

func (b *StaticBinder) IsAdmin(_ context.Context, resourceUUID, projectID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	node, ok := b.nodes[resourceUUID]
	if !ok {
		return false, ErrNodeNotFound
	}
	return node.Owner != "" && node.Owner == strings.TrimSpace(projectID), nil
}

func (b *StaticBinder) List(_ context.Context) ([]Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	nodes := make([]Node, 0, len(b.nodes))
	for _, node := range b.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}
