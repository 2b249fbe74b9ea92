package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/VenkatGGG/leasebroker/internal/api"
	"github.com/VenkatGGG/leasebroker/internal/config"
	"github.com/VenkatGGG/leasebroker/internal/idempotency"
	"github.com/VenkatGGG/leasebroker/internal/lease"
	"github.com/VenkatGGG/leasebroker/internal/lock"
	"github.com/VenkatGGG/leasebroker/internal/metrics"
	"github.com/VenkatGGG/leasebroker/internal/resource"
	"github.com/VenkatGGG/leasebroker/internal/sweeper"
)

type app struct {
	leases      *lease.Service
	recorder    *metrics.Recorder
	idempotency idempotency.Store
	logger      *slog.Logger
	closers     []func() error
}

// buildApp wires the configured backends. The caller must Close the result.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	var client *redis.Client
	if cfg.UsesRedis() {
		client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
	}

	var store lease.Store
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pg, err := lease.NewPostgresStore(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		store = pg
	default:
		store = lease.NewInMemoryStore()
	}
	switch cfg.LockBackend {
	case config.LockRedis:
		store = lease.NewLockedStore(store, lock.NewRedisManager(client, ""), cfg.LockTTL, cfg.LockWait, logger)
	case config.LockMemory:
		store = lease.NewLockedStore(store, lock.NewInMemoryManager(nil), cfg.LockTTL, cfg.LockWait, logger)
	}

	registry, err := buildRegistry(ctx, cfg, client, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	idempotencyOpts := idempotency.Options{
		ResponseTTL: cfg.IdempotencyTTL,
		ClaimTTL:    cfg.IdempotencyLockTTL,
	}
	switch cfg.IdempotencyBackend {
	case config.IdempotencyRedis:
		a.idempotency = idempotency.NewRedisStore(client, idempotencyOpts)
	default:
		a.idempotency = idempotency.NewInMemoryStore(nil, idempotencyOpts)
	}

	a.recorder = metrics.NewRecorder()
	a.leases = lease.NewService(store, registry, a.recorder, logger)
	a.recorder.SetSnapshot(statusSnapshot(a.leases))
	return a, nil
}

// buildRegistry installs one binder per resource type found in the
// inventory file.
func buildRegistry(ctx context.Context, cfg config.Config, client redis.Cmdable, logger *slog.Logger) (*resource.Registry, error) {
	registry := resource.NewRegistry()
	if cfg.ResourceFile == "" {
		logger.Warn("no resource_file configured; every offer will be rejected with an unknown resource type")
		return registry, nil
	}
	nodes, err := resource.LoadInventory(cfg.ResourceFile)
	if err != nil {
		return nil, err
	}

	byType := make(map[string][]resource.Node)
	var order []string
	for _, node := range nodes {
		if _, seen := byType[node.Type]; !seen {
			order = append(order, node.Type)
		}
		byType[node.Type] = append(byType[node.Type], node)
	}

	for _, resourceType := range order {
		var binder resource.Binder
		if cfg.ResourceBackend == "redis" {
			redisBinder := resource.NewRedisBinder(client, "", resourceType)
			for _, node := range byType[resourceType] {
				if err := redisBinder.Register(ctx, node); err != nil {
					return nil, err
				}
			}
			binder = redisBinder
		} else {
			binder = resource.NewStaticBinder(byType[resourceType])
		}
		if err := registry.Register(resourceType, binder); err != nil {
			return nil, err
		}
		logger.Info("resource type registered", "type", resourceType, "nodes", len(byType[resourceType]), "backend", cfg.ResourceBackend)
	}
	return registry, nil
}

func statusSnapshot(leases *lease.Service) metrics.SnapshotFunc {
	return func(ctx context.Context) (metrics.Snapshot, error) {
		offers, err := leases.ListOffers(ctx, lease.OfferFilter{})
		if err != nil {
			return metrics.Snapshot{}, err
		}
		contracts, err := leases.ListContracts(ctx, lease.ContractFilter{})
		if err != nil {
			return metrics.Snapshot{}, err
		}
		snapshot := metrics.Snapshot{
			Offers:    make(map[string]int),
			Contracts: make(map[string]int),
		}
		for _, offer := range offers {
			snapshot.Offers[string(offer.Status)]++
		}
		for _, contract := range contracts {
			snapshot.Contracts[string(contract.Status)]++
		}
		return snapshot, nil
	}
}

func (a *app) server(cfg config.Config) *api.Server {
	return api.NewServer(a.leases, api.Options{
		Idempotency:     a.idempotency,
		APIKey:          cfg.APIKey,
		AdminAPIKey:     cfg.AdminAPIKey,
		CreateRateLimit: cfg.CreateRateLimit,
		Metrics:         a.recorder.Handler(),
		Logger:          a.logger,
	})
}

func (a *app) sweeper(cfg config.Config) *sweeper.Sweeper {
	return sweeper.New(a.leases, nil, sweeper.Config{
		Interval:    cfg.SweepInterval,
		AutoFulfill: cfg.AutoFulfill,
	}, a.logger)
}

// Close releases backends in reverse order of acquisition.
func (a *app) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
