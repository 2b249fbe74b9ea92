package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/VenkatGGG/leasebroker/internal/lock"
	"github.com/VenkatGGG/leasebroker/internal/logging"
)

// LockedStore adds a distributed hold around every Exclusive call of the
// wrapped store, so that brokers sharing a store without native locking
// still serialize on the same keys.
type LockedStore struct {
	Store

	locks  lock.Manager
	owner  string
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

func NewLockedStore(inner Store, locks lock.Manager, ttl, wait time.Duration, logger *slog.Logger) *LockedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &LockedStore{
		Store:  inner,
		locks:  locks,
		owner:  "broker-" + uuid.NewString(),
		ttl:    ttl,
		wait:   wait,
		logger: logging.Ensure(logger).With("component", "lease.locked_store"),
	}
}

// Exclusive keeps the hold alive while fn runs by renewing it every third of
// the ttl. If a renewal fails, fn's context is cancelled and the call fails
// with lock.ErrHoldLost so a Postgres transaction rolls back instead of
// committing under a hold another broker may now own.
func (s *LockedStore) Exclusive(ctx context.Context, key string, fn func(ctx context.Context, tx Store) error) error {
	hold, err := lock.Wait(ctx, s.locks, key, s.owner, s.ttl, s.wait)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), key, s.owner, hold.Token); err != nil {
			s.logger.Warn("release hold failed", "key", key, "token", hold.Token, "error", err)
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		s.keepAlive(runCtx, cancel, done, hold)
	}()

	err = s.Store.Exclusive(runCtx, key, fn)
	close(done)
	<-renewed
	if cause := context.Cause(runCtx); errors.Is(cause, lock.ErrHoldLost) {
		if err == nil {
			return cause
		}
		return multierror.Append(cause, err)
	}
	return err
}

func (s *LockedStore) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, done <-chan struct{}, hold lock.Hold) {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, ok, err := s.locks.Renew(ctx, hold.Key, s.owner, hold.Token, s.ttl)
		if err != nil {
			// Retried on the next tick.
			s.logger.Warn("renew hold failed", "key", hold.Key, "token", hold.Token, "error", err)
			continue
		}
		if !ok {
			s.logger.Error("hold lost while running", "key", hold.Key, "token", hold.Token)
			cancel(fmt.Errorf("%w: %s token %d", lock.ErrHoldLost, hold.Key, hold.Token))
			return
		}
	}
}
