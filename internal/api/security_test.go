package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestHasAPIKeySupportsBearerAuthorization(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/offers", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	if !requestHasAPIKey(req, "topsecret") {
		t.Fatalf("expected bearer token to satisfy api key check")
	}
}

func TestRequestClientIdentityPrefersXForwardedForFirstIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/offers", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.10, 10.0.0.5")
	req.RemoteAddr = "127.0.0.1:12345"

	got := requestClientIdentity(req)
	if got != "203.0.113.10" {
		t.Fatalf("expected first forwarded ip, got %q", got)
	}
}

func TestMutationAndCreateMatching(t *testing.T) {
	t.Parallel()

	postExpire := httptest.NewRequest(http.MethodPost, "/v1/offers/o-1/expire", nil)
	if !isMutation(postExpire) {
		t.Fatalf("expected expire post route to require api key")
	}
	if isCreate(postExpire) {
		t.Fatalf("did not expect expire post route to be rate limited as a create")
	}

	getOffer := httptest.NewRequest(http.MethodGet, "/v1/offers/o-1", nil)
	if isMutation(getOffer) {
		t.Fatalf("did not expect get offer route to require api key")
	}

	deleteContract := httptest.NewRequest(http.MethodDelete, "/v1/contracts/c-1", nil)
	if !isMutation(deleteContract) {
		t.Fatalf("expected delete contract route to require api key")
	}

	postContract := httptest.NewRequest(http.MethodPost, "/v1/contracts/", nil)
	if !isCreate(postContract) {
		t.Fatalf("expected contract create route with trailing slash to be rate limited")
	}

	healthz := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	if isMutation(healthz) {
		t.Fatalf("did not expect non-api route to require api key")
	}
}

func TestFixedWindowLimiterResetsAcrossWindows(t *testing.T) {
	t.Parallel()

	limiter := newFixedWindowLimiter(1, time.Minute)
	clientKey := "198.51.100.4"
	windowStart := time.Date(2026, time.February, 12, 10, 0, 0, 0, time.UTC)

	if !limiter.Allow(clientKey, windowStart.Add(10*time.Second)) {
		t.Fatalf("expected first request in window to be allowed")
	}
	if limiter.Allow(clientKey, windowStart.Add(20*time.Second)) {
		t.Fatalf("expected second request in same window to be denied")
	}
	if !limiter.Allow(clientKey, windowStart.Add(70*time.Second)) {
		t.Fatalf("expected request in next window to be allowed")
	}
}
