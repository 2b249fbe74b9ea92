package resource

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrNodeDraining = errors.New("node is draining")
	ErrNodeBound    = errors.New("node is bound to another contract")
)

// BoundError rejects binding a node that another contract still holds.
type BoundError struct {
	ResourceUUID string
	ContractUUID string
}

func (e *BoundError) Error() string {
	return fmt.Sprintf("node %s is bound to contract %s", e.ResourceUUID, e.ContractUUID)
}

func (e *BoundError) Is(target error) bool { return target == ErrNodeBound }

type NodeState string

const (
	NodeStateReady    NodeState = "ready"
	NodeStateLeased   NodeState = "leased"
	NodeStateDraining NodeState = "draining"
)

// Node is one leasable machine. Owner is the project that administers it.
type Node struct {
	ID           string    `json:"id" yaml:"id"`
	Type         string    `json:"type" yaml:"type"`
	Address      string    `json:"address,omitempty" yaml:"address"`
	Owner        string    `json:"owner" yaml:"owner"`
	State        NodeState `json:"state" yaml:"state"`
	ContractUUID string    `json:"contract_uuid,omitempty" yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

func ParseNodeState(value string) (NodeState, error) {
	raw := strings.TrimSpace(strings.ToLower(value))
	if raw == "" {
		return NodeStateReady, nil
	}
	state := NodeState(raw)
	switch state {
	case NodeStateReady, NodeStateLeased, NodeStateDraining:
		return state, nil
	default:
		return "", fmt.Errorf("invalid node state %q", value)
	}
}

type inventoryFile struct {
	Nodes []Node `yaml:"nodes"`
}

// LoadInventory reads the nodes listed in a YAML file:
//
//	nodes:
//	  - id: n1
//	    type: baremetal
//	    owner: ops
func LoadInventory(path string) ([]Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", path, err)
	}
	return ParseInventory(raw)
}

func ParseInventory(raw []byte) ([]Node, error) {
	var inventory inventoryFile
	if err := yaml.Unmarshal(raw, &inventory); err != nil {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	seen := make(map[string]struct{}, len(inventory.Nodes))
	nodes := make([]Node, 0, len(inventory.Nodes))
	for i, node := range inventory.Nodes {
		node.ID = strings.TrimSpace(node.ID)
		node.Type = strings.TrimSpace(node.Type)
		node.Owner = strings.TrimSpace(node.Owner)
		if node.ID == "" {
			return nil, fmt.Errorf("inventory node %d: id is required", i)
		}
		if node.Type == "" {
			return nil, fmt.Errorf("inventory node %s: type is required", node.ID)
		}
		if node.Owner == "" {
			return nil, fmt.Errorf("inventory node %s: owner is required", node.ID)
		}
		state, err := ParseNodeState(string(node.State))
		if err != nil {
			return nil, fmt.Errorf("inventory node %s: %w", node.ID, err)
		}
		node.State = state
		key := node.Type + "/" + node.ID
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("inventory node %s listed twice for type %s", node.ID, node.Type)
		}
		seen[key] = struct{}{}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
