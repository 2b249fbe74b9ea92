// Package lock provides fenced, time-limited mutual exclusion on string keys.
// Holders receive a monotonically increasing token per key so that a stale
// holder can be told apart from the current one.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultTTL = 30 * time.Second

var (
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrHoldLost reports a hold that expired or was taken over before its
	// holder finished.
	ErrHoldLost = errors.New("lock hold lost")
)

type Hold struct {
	Key       string
	Owner     string
	Token     uint64
	ExpiresAt time.Time
}

type Manager interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Hold, bool, error)
	Renew(ctx context.Context, key, owner string, token uint64, ttl time.Duration) (Hold, bool, error)
	Release(ctx context.Context, key, owner string, token uint64) error
}

// Wait polls Acquire until the key is obtained, ctx ends, or wait elapses.
// A non-positive wait tries exactly once.
func Wait(ctx context.Context, manager Manager, key, owner string, ttl, wait time.Duration) (Hold, error) {
	deadline := time.Now().Add(wait)
	backoff := 10 * time.Millisecond
	for {
		hold, ok, err := manager.Acquire(ctx, key, owner, ttl)
		if err != nil {
			return Hold{}, err
		}
		if ok {
			return hold, nil
		}
		if wait <= 0 || !time.Now().Before(deadline) {
			return Hold{}, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Hold{}, ctx.Err()
		case <-timer.C:
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func validate(key, owner string) (string, string, error) {
	key = strings.TrimSpace(key)
	owner = strings.TrimSpace(owner)
	if key == "" {
		return "", "", errors.New("key is required")
	}
	if owner == "" {
		return "", "", errors.New("owner is required")
	}
	return key, owner, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}
