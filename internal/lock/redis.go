package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisManager holds keys across processes. The holder value is
// "owner|token"; release and renew only act on an exact match.
type RedisManager struct {
	client redis.Cmdable
	prefix string
}

func NewRedisManager(client redis.Cmdable, prefix string) *RedisManager {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "leasebroker:lock"
	}
	return &RedisManager{
		client: client,
		prefix: normalized,
	}
}

func (m *RedisManager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Hold, bool, error) {
	key, owner, err := validate(key, owner)
	if err != nil {
		return Hold{}, false, err
	}
	ttl = normalizeTTL(ttl)

	token, err := m.client.Incr(ctx, m.seqKey(key)).Uint64()
	if err != nil {
		return Hold{}, false, fmt.Errorf("lock incr token: %w", err)
	}

	acquired, err := m.client.SetNX(ctx, m.holdKey(key), holderValue(owner, token), ttl).Result()
	if err != nil {
		return Hold{}, false, fmt.Errorf("lock setnx: %w", err)
	}
	if !acquired {
		return Hold{}, false, nil
	}

	return Hold{
		Key:       key,
		Owner:     owner,
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, true, nil
}

func (m *RedisManager) Release(ctx context.Context, key, owner string, token uint64) error {
	key, owner, err := validate(key, owner)
	if err != nil {
		return err
	}
	if token == 0 {
		return errors.New("token is required")
	}

	_, err = releaseHoldScript.Run(ctx, m.client, []string{m.holdKey(key)}, holderValue(owner, token)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

func (m *RedisManager) Renew(ctx context.Context, key, owner string, token uint64, ttl time.Duration) (Hold, bool, error) {
	key, owner, err := validate(key, owner)
	if err != nil {
		return Hold{}, false, err
	}
	if token == 0 {
		return Hold{}, false, errors.New("token is required")
	}
	ttl = normalizeTTL(ttl)

	renewed, err := renewHoldScript.Run(ctx, m.client, []string{m.holdKey(key)}, holderValue(owner, token), int64(ttl/time.Millisecond)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Hold{}, false, fmt.Errorf("lock renew: %w", err)
	}
	if renewed == 0 {
		return Hold{}, false, nil
	}
	return Hold{
		Key:       key,
		Owner:     owner,
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, true, nil
}

func (m *RedisManager) holdKey(key string) string {
	return m.prefix + ":hold:" + key
}

func (m *RedisManager) seqKey(key string) string {
	return m.prefix + ":seq:" + key
}

func holderValue(owner string, token uint64) string {
	return fmt.Sprintf("%s|%d", owner, token)
}

var releaseHoldScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if not existing then
  return 0
end
if existing == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewHoldScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if not existing then
  return 0
end
if existing == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
