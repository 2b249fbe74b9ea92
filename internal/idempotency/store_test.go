package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var (
	createBody  = Fingerprint([]byte(`{"resource_uuid":"n1"}`))
	changedBody = Fingerprint([]byte(`{"resource_uuid":"n2"}`))
)

func testOptions() Options {
	return Options{ResponseTTL: time.Minute, ClaimTTL: time.Second}
}

func exerciseStore(t *testing.T, store Store, expire func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "offers:create:p1", "abc", "owner-1", createBody)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = store.Claim(ctx, "offers:create:p1", "abc", "owner-2", createBody)
	require.NoError(t, err)
	require.False(t, claimed, "second claim must fail while the first is held")

	_, err = store.Claim(ctx, "offers:create:p1", "abc", "owner-2", changedBody)
	require.ErrorIs(t, err, ErrKeyReused)

	// A different scope is independent.
	claimed, err = store.Claim(ctx, "offers:create:p2", "abc", "owner-2", changedBody)
	require.NoError(t, err)
	require.True(t, claimed)

	entry := Entry{
		StatusCode:  201,
		ContentType: "application/json",
		Body:        []byte(`{"uuid":"o-1"}`),
		Fingerprint: createBody,
	}
	require.NoError(t, store.Save(ctx, "offers:create:p1", "abc", entry))

	got, ok, err := store.Lookup(ctx, "offers:create:p1", "abc", createBody)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry, got)

	_, ok, err = store.Lookup(ctx, "offers:create:p1", "abc", changedBody)
	require.ErrorIs(t, err, ErrKeyReused)
	require.False(t, ok)

	_, ok, err = store.Lookup(ctx, "offers:create:p1", "other", createBody)
	require.NoError(t, err)
	require.False(t, ok)

	// Release by a non-owner is ignored.
	require.NoError(t, store.Release(ctx, "offers:create:p1", "abc", "owner-2"))
	claimed, err = store.Claim(ctx, "offers:create:p1", "abc", "owner-3", createBody)
	require.NoError(t, err)
	require.False(t, claimed)

	require.NoError(t, store.Release(ctx, "offers:create:p1", "abc", "owner-1"))
	claimed, err = store.Claim(ctx, "offers:create:p1", "abc", "owner-3", createBody)
	require.NoError(t, err)
	require.True(t, claimed)

	expire(2 * time.Minute)
	_, ok, err = store.Lookup(ctx, "offers:create:p1", "abc", createBody)
	require.NoError(t, err)
	require.False(t, ok, "saved entry must expire after its ttl")

	claimed, err = store.Claim(ctx, "offers:create:p1", "abc", "owner-4", changedBody)
	require.NoError(t, err)
	require.True(t, claimed, "an expired claim must not block the key")
}

func TestInMemoryStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	exerciseStore(t, NewInMemoryStore(clock, testOptions()), clock.Advance)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseStore(t, NewRedisStore(client, testOptions()), mr.FastForward)
}

func TestRedisStoresShareFingerprints(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	first := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), Options{Prefix: "broker"})
	second := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), Options{Prefix: "broker"})

	require.NoError(t, first.Save(ctx, "contracts:create:p1", "k", Entry{
		StatusCode:  201,
		ContentType: "application/json",
		Body:        []byte(`{}`),
		Fingerprint: createBody,
	}))
	require.True(t, mr.Exists(mustKey(t, keyspace{prefix: "broker"}.response, "contracts:create:p1", "k")))

	_, _, err := second.Lookup(ctx, "contracts:create:p1", "k", changedBody)
	require.ErrorIs(t, err, ErrKeyReused)

	got, ok, err := second.Lookup(ctx, "contracts:create:p1", "k", createBody)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 201, got.StatusCode)
}

func mustKey(t *testing.T, derive func(string, string) (string, error), scope, key string) string {
	t.Helper()
	id, err := derive(scope, key)
	require.NoError(t, err)
	return id
}

func TestKeysRequired(t *testing.T) {
	store := NewInMemoryStore(nil, Options{})
	ctx := context.Background()

	_, _, err := store.Lookup(ctx, "", "abc", createBody)
	require.Error(t, err)
	_, err = store.Claim(ctx, "offers:create", " ", "owner", createBody)
	require.Error(t, err)
	_, err = store.Claim(ctx, "offers:create", "abc", "", createBody)
	require.Error(t, err)
	_, err = store.Claim(ctx, "offers:create", "abc", "a|b", createBody)
	require.Error(t, err)
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{Prefix: "  "}.withDefaults()
	require.Equal(t, defaultPrefix, opts.Prefix)
	require.Equal(t, defaultResponseTTL, opts.ResponseTTL)
	require.Equal(t, defaultClaimTTL, opts.ClaimTTL)
}

func TestFingerprintIsStable(t *testing.T) {
	require.Equal(t, Fingerprint([]byte("a")), Fingerprint([]byte("a")))
	require.NotEqual(t, Fingerprint([]byte("a")), Fingerprint([]byte("b")))
}
