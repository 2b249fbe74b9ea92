// Package idempotency caches the first response to a create request so that
// retries carrying the same Idempotency-Key replay it instead of creating a
// second offer or contract. Every saved response and every in-flight claim
// remembers the fingerprint of the request body, and the store refuses a key
// presented again with a different body.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrKeyReused reports a key presented with a body other than the one it
// was first claimed or saved for.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

type Entry struct {
	StatusCode  int
	ContentType string
	Body        []byte
	// Fingerprint identifies the request payload that produced the entry.
	Fingerprint string
}

type Store interface {
	// Lookup returns the response saved under key. A saved response for a
	// different fingerprint fails with ErrKeyReused.
	Lookup(ctx context.Context, scope, key, fingerprint string) (Entry, bool, error)
	// Claim reserves key for one in-flight request. It reports false while
	// another request with the same fingerprint holds the key, and fails
	// with ErrKeyReused when the holder's fingerprint differs.
	Claim(ctx context.Context, scope, key, owner, fingerprint string) (bool, error)
	Save(ctx context.Context, scope, key string, entry Entry) error
	Release(ctx context.Context, scope, key, owner string) error
}

// Options configure both store implementations.
type Options struct {
	// Prefix namespaces keys; Redis keys are "<prefix>:resp:..." and
	// "<prefix>:claim:...".
	Prefix string
	// ResponseTTL bounds how long a saved response is replayed.
	ResponseTTL time.Duration
	// ClaimTTL bounds how long a crashed request can block its key.
	ClaimTTL time.Duration
}

const (
	defaultPrefix      = "leasebroker:idempotency"
	defaultClaimTTL    = 30 * time.Second
	defaultResponseTTL = 24 * time.Hour
)

func (o Options) withDefaults() Options {
	o.Prefix = strings.TrimSpace(o.Prefix)
	if o.Prefix == "" {
		o.Prefix = defaultPrefix
	}
	if o.ResponseTTL <= 0 {
		o.ResponseTTL = defaultResponseTTL
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = defaultClaimTTL
	}
	return o
}

// Fingerprint hashes a request body so a reused key with a different payload
// can be told apart from a genuine retry.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// keyspace derives the storage keys for a scope and client key. The client
// key is hashed so arbitrary header values stay bounded.
type keyspace struct {
	prefix string
}

func (k keyspace) compound(scope, key string) (string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" {
		return "", errors.New("scope is required")
	}
	if key == "" {
		return "", errors.New("key is required")
	}
	sum := sha256.Sum256([]byte(scope + "|" + key))
	return scope + ":" + hex.EncodeToString(sum[:]), nil
}

func (k keyspace) response(scope, key string) (string, error) {
	compound, err := k.compound(scope, key)
	if err != nil {
		return "", err
	}
	return k.prefix + ":resp:" + compound, nil
}

func (k keyspace) claim(scope, key string) (string, error) {
	compound, err := k.compound(scope, key)
	if err != nil {
		return "", err
	}
	return k.prefix + ":claim:" + compound, nil
}

func validateOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("owner is required")
	}
	if strings.Contains(owner, "|") {
		return "", fmt.Errorf("owner %q must not contain '|'", owner)
	}
	return owner, nil
}

// fingerprintsDiffer treats an empty fingerprint on either side as a match.
func fingerprintsDiffer(stored, presented string) bool {
	return stored != "" && presented != "" && stored != presented
}
