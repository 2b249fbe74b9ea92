package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/leasebroker/internal/lease"
	"github.com/VenkatGGG/leasebroker/internal/resource"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *lease.Service
	binder  *resource.StaticBinder
	binding *flakyBinding
	clock   clockwork.FakeClock
}

// flakyBinding fails the next failures binding lookups.
type flakyBinding struct {
	lease.ResourceBinding
	mu       sync.Mutex
	failures int
}

func (b *flakyBinding) failNext(n int) {
	b.mu.Lock()
	b.failures = n
	b.mu.Unlock()
}

func (b *flakyBinding) ContractUUID(ctx context.Context, resourceType, resourceUUID string) (string, bool, error) {
	b.mu.Lock()
	fail := b.failures > 0
	if fail {
		b.failures--
	}
	b.mu.Unlock()
	if fail {
		return "", false, errors.New("binding backend down")
	}
	return b.ResourceBinding.ContractUUID(ctx, resourceType, resourceUUID)
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	binder := resource.NewStaticBinder([]resource.Node{{ID: "n1", Type: "baremetal", Owner: "ops"}})
	registry := resource.NewRegistry()
	require.NoError(t, registry.Register("baremetal", binder))
	binding := &flakyBinding{ResourceBinding: registry}
	return fixture{
		svc:     lease.NewService(lease.NewInMemoryStore(), binding, nil, nil),
		binder:  binder,
		binding: binding,
		clock:   clockwork.NewFakeClockAt(base),
	}
}

func (f fixture) offer(t *testing.T, startHours, endHours int) lease.Offer {
	t.Helper()
	offer, err := f.svc.CreateOffer(context.Background(), lease.CreateOfferInput{
		ProjectID:    "ops",
		ResourceType: "baremetal",
		ResourceUUID: "n1",
		StartTime:    base.Add(time.Duration(startHours) * time.Hour),
		EndTime:      base.Add(time.Duration(endHours) * time.Hour),
	})
	require.NoError(t, err)
	return offer
}

func (f fixture) contract(t *testing.T, offer lease.Offer, startHours, endHours int) lease.Contract {
	t.Helper()
	contract, err := f.svc.CreateContract(context.Background(), lease.CreateContractInput{
		ProjectID: "tenant",
		OfferUUID: offer.UUID,
		StartTime: base.Add(time.Duration(startHours) * time.Hour),
		EndTime:   base.Add(time.Duration(endHours) * time.Hour),
	})
	require.NoError(t, err)
	return contract
}

func TestRunOnceFulfillsThenExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	offer := f.offer(t, 0, 10)
	early := f.contract(t, offer, 1, 2)
	late := f.contract(t, offer, 4, 6)

	sw := New(f.svc, f.clock, Config{AutoFulfill: true}, nil)

	result, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, result)

	f.clock.Advance(90 * time.Minute)
	result, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{FulfilledContracts: 1}, result)

	got, err := f.svc.GetContract(ctx, early.UUID)
	require.NoError(t, err)
	require.Equal(t, lease.ContractStatusActive, got.Status)
	bound, ok, err := f.binder.ContractUUID(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, early.UUID, bound)

	f.clock.Advance(time.Hour)
	result, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{ExpiredContracts: 1}, result)
	_, ok, err = f.binder.ContractUUID(ctx, "n1")
	require.NoError(t, err)
	require.False(t, ok)

	got, err = f.svc.GetContract(ctx, late.UUID)
	require.NoError(t, err)
	require.Equal(t, lease.ContractStatusCreated, got.Status)
}

func TestRunOnceExpiresOfferAndCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	offer := f.offer(t, 0, 4)
	contract := f.contract(t, offer, 1, 4)

	sw := New(f.svc, f.clock, Config{}, nil)
	f.clock.Advance(4 * time.Hour)

	result, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{ExpiredOffers: 1}, result)

	gotOffer, err := f.svc.GetOffer(ctx, offer.UUID)
	require.NoError(t, err)
	require.Equal(t, lease.OfferStatusExpired, gotOffer.Status)
	gotContract, err := f.svc.GetContract(ctx, contract.UUID)
	require.NoError(t, err)
	require.Equal(t, lease.ContractStatusExpired, gotContract.Status)

	result, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, result)
}

func TestRunOnceWithoutAutoFulfillLeavesCreated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	offer := f.offer(t, 0, 10)
	contract := f.contract(t, offer, 0, 2)

	sw := New(f.svc, f.clock, Config{}, nil)
	f.clock.Advance(time.Hour)
	result, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, result)

	got, err := f.svc.GetContract(ctx, contract.UUID)
	require.NoError(t, err)
	require.Equal(t, lease.ContractStatusCreated, got.Status)
}

type failingLifecycle struct {
	expireCalls int
}

func (f *failingLifecycle) ListOffers(context.Context, lease.OfferFilter) ([]lease.Offer, error) {
	return []lease.Offer{
		{UUID: "o-1", Status: lease.OfferStatusAvailable, EndTime: base},
		{UUID: "o-2", Status: lease.OfferStatusAvailable, EndTime: base},
	}, nil
}

func (f *failingLifecycle) ListContracts(context.Context, lease.ContractFilter) ([]lease.Contract, error) {
	return nil, nil
}

func (f *failingLifecycle) ExpireOffer(_ context.Context, id string) (lease.Offer, error) {
	f.expireCalls++
	if id == "o-1" {
		return lease.Offer{}, errors.New("store unavailable")
	}
	return lease.Offer{UUID: id, Status: lease.OfferStatusExpired}, nil
}

func (f *failingLifecycle) CancelOffer(_ context.Context, id string) (lease.Offer, error) {
	return lease.Offer{UUID: id, Status: lease.OfferStatusCancelled}, nil
}

func (f *failingLifecycle) ExpireContract(context.Context, string) (lease.Contract, error) {
	return lease.Contract{}, nil
}

func (f *failingLifecycle) FulfillContract(context.Context, string) (lease.Contract, error) {
	return lease.Contract{}, nil
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	lifecycle := &failingLifecycle{}
	sw := New(lifecycle, clockwork.NewFakeClockAt(base), Config{}, nil)

	result, err := sw.RunOnce(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "store unavailable")
	require.Equal(t, 2, lifecycle.expireCalls)
	require.Equal(t, Result{ExpiredOffers: 1}, result)
}

func TestRunOnceHandsNodeToNextContract(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	offer := f.offer(t, 0, 10)
	next := f.contract(t, offer, 2, 4)
	first := f.contract(t, offer, 0, 2)

	sw := New(f.svc, f.clock, Config{AutoFulfill: true}, nil)
	result, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{FulfilledContracts: 1}, result)

	f.clock.Advance(2 * time.Hour)
	result, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{ExpiredContracts: 1, FulfilledContracts: 1}, result)

	got, err := f.svc.GetContract(ctx, first.UUID)
	require.NoError(t, err)
	require.Equal(t, lease.ContractStatusExpired, got.Status)
	bound, ok, err := f.binder.ContractUUID(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, next.UUID, bound)
}

func TestRunOnceResumesFailedExpiryCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	offer := f.offer(t, 0, 4)
	contract := f.contract(t, offer, 1, 4)

	sw := New(f.svc, f.clock, Config{AutoFulfill: true}, nil)
	f.clock.Advance(time.Hour)
	result, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{FulfilledContracts: 1}, result)

	f.binding.failNext(1)
	f.clock.Advance(3 * time.Hour)
	result, err = sw.RunOnce(ctx)
	require.ErrorContains(t, err, "binding backend down")
	require.Equal(t, Result{}, result)

	gotOffer, err := f.svc.GetOffer(ctx, offer.UUID)
	require.NoError(t, err)
	require.Equal(t, lease.OfferStatusExpired, gotOffer.Status)
	gotContract, err := f.svc.GetContract(ctx, contract.UUID)
	require.NoError(t, err)
	require.Equal(t, lease.ContractStatusActive, gotContract.Status)

	result, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{ResumedCascades: 1}, result)

	gotContract, err = f.svc.GetContract(ctx, contract.UUID)
	require.NoError(t, err)
	require.Equal(t, lease.ContractStatusExpired, gotContract.Status)
	_, ok, err := f.binder.ContractUUID(ctx, "n1")
	require.NoError(t, err)
	require.False(t, ok)

	result, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, result)
}

func TestRunOnceResumesFailedCancelCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	offer := f.offer(t, 0, 10)
	contract := f.contract(t, offer, 0, 5)
	_, err := f.svc.FulfillContract(ctx, contract.UUID)
	require.NoError(t, err)

	f.binding.failNext(1)
	_, err = f.svc.CancelOffer(ctx, offer.UUID)
	require.Error(t, err)

	sw := New(f.svc, f.clock, Config{}, nil)
	result, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{ResumedCascades: 1}, result)

	gotContract, err := f.svc.GetContract(ctx, contract.UUID)
	require.NoError(t, err)
	require.Equal(t, lease.ContractStatusCancelled, gotContract.Status)
	_, ok, err := f.binder.ContractUUID(ctx, "n1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunSweepsOnTicks(t *testing.T) {
	f := newFixture(t)
	offer := f.offer(t, 0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	sw := New(f.svc, f.clock, Config{Interval: time.Minute}, nil)
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	f.clock.BlockUntil(1)
	f.clock.Advance(time.Hour)

	require.Eventually(t, func() bool {
		got, err := f.svc.GetOffer(context.Background(), offer.UUID)
		return err == nil && got.Status == lease.OfferStatusExpired
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
