package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares cached responses and in-flight claims between brokers.
// Responses are hashes with status, content_type, body and fingerprint
// fields; claims are strings "<owner>|<fingerprint>". Fingerprints are
// compared inside Lua scripts so two brokers never disagree on a reused key.
type RedisStore struct {
	client redis.Cmdable
	opts   Options
	keys   keyspace
}

func NewRedisStore(client redis.Cmdable, opts Options) *RedisStore {
	opts = opts.withDefaults()
	return &RedisStore{
		client: client,
		opts:   opts,
		keys:   keyspace{prefix: opts.Prefix},
	}
}

func (s *RedisStore) Lookup(ctx context.Context, scope, key, fingerprint string) (Entry, bool, error) {
	id, err := s.keys.response(scope, key)
	if err != nil {
		return Entry{}, false, err
	}
	raw, err := lookupScript.Run(ctx, s.client, []string{id}, fingerprint).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	switch value := raw.(type) {
	case int64:
		switch value {
		case lookupMissing:
			return Entry{}, false, nil
		case lookupReused:
			return Entry{}, false, ErrKeyReused
		}
		return Entry{}, false, fmt.Errorf("idempotency lookup: unexpected code %d", value)
	case []interface{}:
		return decodeEntry(value)
	default:
		return Entry{}, false, fmt.Errorf("idempotency lookup: unexpected reply %T", raw)
	}
}

func decodeEntry(fields []interface{}) (Entry, bool, error) {
	if len(fields) != 4 {
		return Entry{}, false, fmt.Errorf("idempotency lookup: expected 4 fields, got %d", len(fields))
	}
	text := func(i int) string {
		value, _ := fields[i].(string)
		return value
	}
	status, err := strconv.Atoi(text(0))
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode idempotency status: %w", err)
	}
	return Entry{
		StatusCode:  status,
		ContentType: text(1),
		Body:        []byte(text(2)),
		Fingerprint: text(3),
	}, true, nil
}

func (s *RedisStore) Claim(ctx context.Context, scope, key, owner, fingerprint string) (bool, error) {
	id, err := s.keys.claim(scope, key)
	if err != nil {
		return false, err
	}
	if owner, err = validateOwner(owner); err != nil {
		return false, err
	}
	result, err := claimScript.Run(ctx, s.client, []string{id},
		owner, fingerprint, s.opts.ClaimTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("idempotency claim: %w", err)
	}
	switch result {
	case claimAcquired:
		return true, nil
	case claimBusy:
		return false, nil
	case claimReused:
		return false, ErrKeyReused
	default:
		return false, fmt.Errorf("idempotency claim: unexpected code %d", result)
	}
}

func (s *RedisStore) Save(ctx context.Context, scope, key string, entry Entry) error {
	id, err := s.keys.response(scope, key)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, id,
			"status", strconv.Itoa(entry.StatusCode),
			"content_type", entry.ContentType,
			"body", entry.Body,
			"fingerprint", entry.Fingerprint,
		)
		pipe.PExpire(ctx, id, s.opts.ResponseTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("idempotency save: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, scope, key, owner string) error {
	id, err := s.keys.claim(scope, key)
	if err != nil {
		return err
	}
	if owner, err = validateOwner(owner); err != nil {
		return err
	}
	_, err = releaseClaimScript.Run(ctx, s.client, []string{id}, owner).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

const (
	lookupMissing = 0
	lookupReused  = -1

	claimBusy     = 0
	claimAcquired = 1
	claimReused   = -1
)

// ARGV[1] is the presented fingerprint.
var lookupScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local stored = redis.call("HGET", KEYS[1], "fingerprint")
if stored and stored ~= "" and ARGV[1] ~= "" and stored ~= ARGV[1] then
  return -1
end
return redis.call("HMGET", KEYS[1], "status", "content_type", "body", "fingerprint")
`)

// ARGV[1] owner, ARGV[2] fingerprint, ARGV[3] ttl in milliseconds.
var claimScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  redis.call("SET", KEYS[1], ARGV[1] .. "|" .. ARGV[2], "PX", ARGV[3])
  return 1
end
local sep = string.find(current, "|", 1, true)
if sep then
  local held = string.sub(current, sep + 1)
  if held ~= "" and ARGV[2] ~= "" and held ~= ARGV[2] then
    return -1
  end
end
return 0
`)

var releaseClaimScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
local mine = ARGV[1] .. "|"
if string.sub(current, 1, #mine) == mine then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
