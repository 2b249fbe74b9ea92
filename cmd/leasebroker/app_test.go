package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/leasebroker/internal/config"
	"github.com/VenkatGGG/leasebroker/internal/lease"
	"github.com/VenkatGGG/leasebroker/internal/logging"
)

const inventory = `
nodes:
  - id: rack1-a
    type: baremetal
    owner: ops
  - id: gpu-7
    type: gpu
    owner: ml
`

func writeInventory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inventory), 0o600))
	return path
}

func createOffer(t *testing.T, handler http.Handler, resourceType, resourceUUID, project string) *httptest.ResponseRecorder {
	t.Helper()
	start := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	raw, err := json.Marshal(map[string]any{
		"resource_type": resourceType,
		"resource_uuid": resourceUUID,
		"start_time":    start,
		"end_time":      start.Add(time.Hour),
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/offers", bytes.NewReader(raw))
	req.Header.Set("X-Project-ID", project)
	req.Header.Set("Idempotency-Key", "offer-"+resourceUUID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestBuildAppInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.ResourceFile = writeInventory(t)
	cfg.LockBackend = config.LockMemory
	ctx := context.Background()

	app, err := buildApp(ctx, cfg, logging.NewJSON(&bytes.Buffer{}, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	handler := app.server(cfg).Routes()
	rr := createOffer(t, handler, "gpu", "gpu-7", "ml")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = createOffer(t, handler, "baremetal", "rack1-a", "ml")
	require.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())

	// The offer window already closed, so a single sweep expires it.
	result, err := app.sweeper(cfg).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.ExpiredOffers)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRR := httptest.NewRecorder()
	handler.ServeHTTP(metricsRR, req)
	require.Equal(t, http.StatusOK, metricsRR.Code)
	require.Contains(t, metricsRR.Body.String(), `leasebroker_offers{status="expired"} 1`)
}

func TestBuildAppWithRedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.ResourceFile = writeInventory(t)
	cfg.RedisAddr = mr.Addr()
	cfg.LockBackend = config.LockRedis
	cfg.IdempotencyBackend = config.IdempotencyRedis
	cfg.ResourceBackend = "redis"
	require.NoError(t, cfg.Validate())

	app, err := buildApp(context.Background(), cfg, logging.NewJSON(&bytes.Buffer{}, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	require.True(t, mr.Exists("leasebroker:resource:gpu:gpu-7"))

	handler := app.server(cfg).Routes()
	first := createOffer(t, handler, "gpu", "gpu-7", "ml")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	replay := createOffer(t, handler, "gpu", "gpu-7", "ml")
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, first.Body.String(), replay.Body.String())

	var offer lease.Offer
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &offer))
	found := false
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "leasebroker:idempotency:") {
			found = true
		}
	}
	require.True(t, found, "idempotent response should be stored in redis")
	require.NotEmpty(t, offer.UUID)
}

func TestBuildAppFailsWithoutRedis(t *testing.T) {
	cfg := config.Default()
	cfg.RedisAddr = "127.0.0.1:1"
	cfg.LockBackend = config.LockRedis

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := buildApp(ctx, cfg, logging.NewJSON(&bytes.Buffer{}, nil))
	require.Error(t, err)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	require.True(t, names["serve"])
	require.True(t, names["sweep"])
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}
