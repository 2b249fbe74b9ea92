package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/leasebroker/internal/lease"
	"github.com/VenkatGGG/leasebroker/internal/resource"
)

func TestRecorderExposesCounters(t *testing.T) {
	recorder := NewRecorder()
	recorder.Transition(lease.KindOffer, "create", "", "available")
	recorder.Transition(lease.KindContract, "fulfill", "created", "active")
	recorder.Rejected(lease.KindContract, "create", &lease.OfferNoTimeAvailabilitiesError{OfferUUID: "o-1"})
	recorder.SetSnapshot(func(context.Context) (Snapshot, error) {
		return Snapshot{
			Offers:    map[string]int{"available": 2},
			Contracts: map[string]int{"active": 1},
		}, nil
	})

	body := scrape(t, recorder, http.StatusOK)
	require.Contains(t, body, `leasebroker_transitions_total{action="create",from="none",kind="offer",to="available"} 1`)
	require.Contains(t, body, `leasebroker_transitions_total{action="fulfill",from="created",kind="contract",to="active"} 1`)
	require.Contains(t, body, `leasebroker_rejections_total{action="create",kind="contract",reason="no_time_availabilities"} 1`)
	require.Contains(t, body, `leasebroker_offers{status="available"} 2`)
	require.Contains(t, body, `leasebroker_contracts{status="active"} 1`)
}

func TestHandlerFailsWhenSnapshotFails(t *testing.T) {
	recorder := NewRecorder()
	recorder.SetSnapshot(func(context.Context) (Snapshot, error) {
		return Snapshot{}, errors.New("store down")
	})
	scrape(t, recorder, http.StatusInternalServerError)
}

func TestReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{&lease.NotFoundError{}, "not_found"},
		{&lease.InvalidStateError{}, "invalid_state"},
		{&lease.OfferNotAvailableError{}, "offer_not_available"},
		{fmt.Errorf("wrapped: %w", &lease.ResourceTypeUnknownError{}), "resource_type_unknown"},
		{fmt.Errorf("bind n1: %w", &resource.BoundError{ResourceUUID: "n1", ContractUUID: "c1"}), "resource_bound"},
		{resource.ErrNodeDraining, "resource_draining"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Reason(tc.err))
	}
}

func scrape(t *testing.T, recorder *Recorder, wantStatus int) string {
	t.Helper()
	server := httptest.NewServer(recorder.Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
