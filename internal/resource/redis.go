package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VenkatGGG/leasebroker/internal/lease"
)

// RedisBinder stores one hash per node so that every broker sharing the
// Redis instance sees the same bindings.
type RedisBinder struct {
	client       redis.Cmdable
	prefix       string
	resourceType string
}

func NewRedisBinder(client redis.Cmdable, prefix, resourceType string) *RedisBinder {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "leasebroker:resource"
	}
	return &RedisBinder{
		client:       client,
		prefix:       normalized,
		resourceType: strings.TrimSpace(resourceType),
	}
}

// Register writes the node's owner and state. An existing binding is kept.
func (b *RedisBinder) Register(ctx context.Context, node Node) error {
	nodeID := strings.TrimSpace(node.ID)
	if nodeID == "" {
		return errors.New("node id is required")
	}
	state := node.State
	if state == "" {
		state = NodeStateReady
	}
	key := b.nodeKey(nodeID)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"owner", node.Owner,
			"address", node.Address,
			"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
		)
		pipe.HSetNX(ctx, key, "state", string(state))
		return nil
	})
	if err != nil {
		return fmt.Errorf("register node %s: %w", nodeID, err)
	}
	return nil
}

func (b *RedisBinder) ContractUUID(ctx context.Context, resourceUUID string) (string, bool, error) {
	values, err := b.client.HMGet(ctx, b.nodeKey(resourceUUID), "owner", "contract_uuid").Result()
	if err != nil {
		return "", false, fmt.Errorf("read binding of %s: %w", resourceUUID, err)
	}
	if values[0] == nil {
		return "", false, ErrNodeNotFound
	}
	contractUUID, _ := values[1].(string)
	if contractUUID == "" {
		return "", false, nil
	}
	return contractUUID, true, nil
}

func (b *RedisBinder) SetContract(ctx context.Context, resourceUUID string, contract *lease.Contract) error {
	key := b.nodeKey(resourceUUID)
	contractUUID := ""
	if contract != nil {
		contractUUID = contract.UUID
	}
	result, err := setContractScript.Run(ctx, b.client, []string{key},
		contractUUID,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("bind %s: %w", resourceUUID, err)
	}
	switch result {
	case setContractMissing:
		return ErrNodeNotFound
	case setContractDraining:
		return ErrNodeDraining
	case setContractBound:
		holder, _ := b.client.HGet(ctx, key, "contract_uuid").Result()
		return &BoundError{ResourceUUID: resourceUUID, ContractUUID: holder}
	}
	return nil
}

func (b *RedisBinder) IsAdmin(ctx context.Context, resourceUUID, projectID string) (bool, error) {
	owner, err := b.client.HGet(ctx, b.nodeKey(resourceUUID), "owner").Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrNodeNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read owner of %s: %w", resourceUUID, err)
	}
	return owner != "" && owner == strings.TrimSpace(projectID), nil
}

func (b *RedisBinder) Get(ctx context.Context, resourceUUID string) (Node, error) {
	fields, err := b.client.HGetAll(ctx, b.nodeKey(resourceUUID)).Result()
	if err != nil {
		return Node{}, fmt.Errorf("read node %s: %w", resourceUUID, err)
	}
	if len(fields) == 0 {
		return Node{}, ErrNodeNotFound
	}
	node := Node{
		ID:           resourceUUID,
		Type:         b.resourceType,
		Address:      fields["address"],
		Owner:        fields["owner"],
		State:        NodeState(fields["state"]),
		ContractUUID: fields["contract_uuid"],
	}
	if raw := fields["updated_at"]; raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			node.UpdatedAt = parsed
		}
	}
	return node, nil
}

func (b *RedisBinder) nodeKey(resourceUUID string) string {
	if b.resourceType == "" {
		return b.prefix + ":node:" + resourceUUID
	}
	return b.prefix + ":" + b.resourceType + ":" + resourceUUID
}

const (
	setContractMissing  = 0
	setContractDraining = -1
	setContractBound    = -2
)

// ARGV[1] is the contract uuid, empty to unbind. ARGV[2] is the update time.
var setContractScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if ARGV[1] == "" then
  redis.call("HDEL", KEYS[1], "contract_uuid")
  if redis.call("HGET", KEYS[1], "state") == "leased" then
    redis.call("HSET", KEYS[1], "state", "ready")
  end
else
  if redis.call("HGET", KEYS[1], "state") == "draining" then
    return -1
  end
  local holder = redis.call("HGET", KEYS[1], "contract_uuid")
  if holder and holder ~= "" and holder ~= ARGV[1] then
    return -2
  end
  redis.call("HSET", KEYS[1], "contract_uuid", ARGV[1], "state", "leased")
end
redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
return 1
`)
