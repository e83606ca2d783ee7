package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/orderbookd/internal/cache/memory"
	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/queue"
	"github.com/alanyoungcy/orderbookd/internal/store/memory"
)

var (
	nft   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	maker = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	token = domain.TokenRef{Contract: nft, TokenID: big.NewInt(1)}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(t *testing.T, pattern string, h http.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Pinger
		status int
		want   string
	}{
		{"no dependencies", nil, http.StatusOK, "ok"},
		{
			"all healthy",
			map[string]Pinger{"postgres": func(context.Context) error { return nil }},
			http.StatusOK, "ok",
		},
		{
			"one down",
			map[string]Pinger{
				"postgres": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errors.New("connection refused") },
			},
			http.StatusServiceUnavailable, "degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("live", tt.checks, discardLogger())
			rec, body := serve(t, "GET /api/health", h.HealthCheck, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, body["status"])
			assert.Equal(t, "live", body["mode"])
		})
	}
}

func newInspector(t *testing.T) (*queue.Inspector, *cachemem.Broker, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	registry := queue.NewRegistry()
	registry.MustRegister(queue.Definition{
		Name: "order-updates-by-id",
		Handler: queue.HandlerFunc(func(context.Context, *domain.Job) (any, error) {
			return nil, nil
		}),
	})
	broker := cachemem.NewBroker()
	require.NoError(t, registry.Declare(ctx, broker))

	require.NoError(t, broker.Publish(ctx, domain.Job{ID: "dead-1", Queue: "order-updates-by-id"}))
	jobs, err := broker.Consume(ctx, "order-updates-by-id", domain.ConsumeOptions{Prefetch: 1})
	require.NoError(t, err)
	require.NoError(t, broker.DeadLetter(ctx, jobs[0]))

	store := memory.New()
	return queue.NewInspector(registry, broker, store.Audit(), discardLogger()), broker, store
}

func TestQueueEndpoints(t *testing.T) {
	inspector, _, store := newInspector(t)
	h := NewQueueHandler(inspector, discardLogger())

	rec, body := serve(t, "GET /api/queues", h.ListQueues, httptest.NewRequest(http.MethodGet, "/api/queues", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	queues := body["queues"].([]any)
	require.Len(t, queues, 1)
	assert.Equal(t, float64(1), queues[0].(map[string]any)["deadLetters"])

	rec, body = serve(t, "GET /api/queues/{name}/dead-letters", h.DeadLetters,
		httptest.NewRequest(http.MethodGet, "/api/queues/order-updates-by-id/dead-letters", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["jobs"], 1)

	rec, body = serve(t, "POST /api/queues/{name}/dead-letters/replay", h.Replay,
		httptest.NewRequest(http.MethodPost, "/api/queues/order-updates-by-id/dead-letters/replay", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["replayed"])

	entries, err := store.Audit().List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dead_letters_replayed", entries[0].Event)

	rec, _ = serve(t, "GET /api/queues/{name}/dead-letters", h.DeadLetters,
		httptest.NewRequest(http.MethodGet, "/api/queues/nope/dead-letters", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlagSyncPending(t *testing.T) {
	pending := cachemem.NewPendingSet()
	require.NoError(t, pending.Add(context.Background(), "a", "b", "c"))
	h := NewFlagSyncHandler(pending, discardLogger())

	rec, body := serve(t, "GET /api/flag-sync/pending", h.Pending,
		httptest.NewRequest(http.MethodGet, "/api/flag-sync/pending?count=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"a", "b"}, body["tokens"])
	assert.Equal(t, float64(1), body["remaining"])

	_, body = serve(t, "GET /api/flag-sync/pending", h.Pending,
		httptest.NewRequest(http.MethodGet, "/api/flag-sync/pending", nil))
	assert.Equal(t, []any{"c"}, body["tokens"])
	assert.Equal(t, float64(0), body["remaining"])
}

func TestAuditList(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.Audit().Log(ctx, "export.page", map[string]any{"task": 1}))
	require.NoError(t, store.Audit().Log(ctx, "export.page", map[string]any{"task": 2}))
	h := NewAuditHandler(store.Audit(), discardLogger())

	rec, body := serve(t, "GET /api/audit", h.List, httptest.NewRequest(http.MethodGet, "/api/audit?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, float64(2), entries[0].(map[string]any)["detail"].(map[string]any)["task"])

	rec, _ = serve(t, "GET /api/audit", h.List, httptest.NewRequest(http.MethodGet, "/api/audit?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeStarter struct {
	source, target string
}

func (f *fakeStarter) Start(_ context.Context, source, target string) (int64, error) {
	f.source, f.target = source, target
	return 7, nil
}

type fakeLister struct{ prefix string }

func (f *fakeLister) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	f.prefix = prefix
	return []domain.BlobInfo{{Path: prefix + "/orderbookd_000000000000001.json", Size: 10}}, nil
}

func TestExportEndpoints(t *testing.T) {
	starter, lister := &fakeStarter{}, &fakeLister{}
	h := NewExportHandler(starter, lister, "exports", discardLogger())

	rec, body := serve(t, "POST /api/exports", h.Start,
		httptest.NewRequest(http.MethodPost, "/api/exports", bytes.NewBufferString(`{"source":"orders"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(7), body["taskId"])
	assert.Equal(t, "exports/orders", starter.target)

	rec, _ = serve(t, "POST /api/exports", h.Start,
		httptest.NewRequest(http.MethodPost, "/api/exports", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = serve(t, "GET /api/exports", h.List,
		httptest.NewRequest(http.MethodGet, "/api/exports?prefix=exports/orders", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "exports/orders", lister.prefix)
	assert.Len(t, body["files"], 1)
}

func TestOrderAndCacheLookups(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.Tokens().AddToken(token, "", false)
	_, err := store.Orders().Upsert(ctx, domain.Order{
		ID:         "o1",
		Kind:       domain.OrderKindSeaport,
		Side:       domain.SideSell,
		Maker:      maker,
		Contract:   nft,
		TokenKind:  domain.TokenKindERC721,
		TokenID:    token.TokenID,
		TokenSetID: token.SingleTokenSetID(),
		Price:      big.NewInt(100),
		Value:      big.NewInt(100),
		Nonce:      big.NewInt(0),
	})
	require.NoError(t, err)
	_, err = store.Caches().Recompute(ctx, domain.CacheTokenFloor, domain.CacheTarget{Token: &token}, domain.NewTrigger(domain.TriggerNewOrder))
	require.NoError(t, err)

	h := NewOrderHandler(store.Orders(), store.Caches(), discardLogger())

	rec, body := serve(t, "GET /api/orders/{id}", h.GetOrder, httptest.NewRequest(http.MethodGet, "/api/orders/o1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", body["price"])
	assert.Equal(t, "fillable", body["fillabilityStatus"])

	rec, _ = serve(t, "GET /api/orders/{id}", h.GetOrder, httptest.NewRequest(http.MethodGet, "/api/orders/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	tokenPattern := "GET /api/caches/{kind}/tokens/{contract}/{tokenId}"
	rec, body = serve(t, tokenPattern, h.GetTokenCache,
		httptest.NewRequest(http.MethodGet, "/api/caches/token-floor/tokens/"+nft.Hex()+"/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "o1", body["slot"].(map[string]any)["orderId"])

	rec, _ = serve(t, tokenPattern, h.GetTokenCache,
		httptest.NewRequest(http.MethodGet, "/api/caches/collection-floor/tokens/"+nft.Hex()+"/1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = serve(t, tokenPattern, h.GetTokenCache,
		httptest.NewRequest(http.MethodGet, "/api/caches/token-floor/tokens/"+nft.Hex()+"/99", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = serve(t, "GET /api/caches/{kind}/collections/{id}", h.GetCollectionCache,
		httptest.NewRequest(http.MethodGet, "/api/caches/collection-floor/collections/"+nft.Hex(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "collection-floor", body["kind"])
}
