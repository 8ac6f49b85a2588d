package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"planrag/indexer"
	"planrag/retriever"
	"planrag/types"
)

// fakeStore is an in-memory VectorStorer for handler tests.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string]map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]map[string]string)}
}

func (f *fakeStore) AddDocuments(_ context.Context, collection string, texts []string, _ []map[string]any, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]string)
	}
	for i, id := range ids {
		f.docs[collection][id] = texts[i]
	}
	return nil
}

func (f *fakeStore) RetrieveSimilar(_ context.Context, collection, _ string, _ int, _ map[string]string) ([]types.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := []types.SearchResult{}
	for id, content := range f.docs[collection] {
		results = append(results, types.SearchResult{ID: id, Content: content})
	}
	return results, nil
}

func (f *fakeStore) CollectionStats(_ context.Context, collection string) (types.CollectionStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.CollectionStats{
		Name:   collection,
		Count:  int64(len(f.docs[collection])),
		Exists: f.docs[collection] != nil,
	}, nil
}

func (f *fakeStore) AllStats(ctx context.Context) (types.StoreStats, error) {
	all := types.StoreStats{Collections: make(map[string]types.CollectionStats)}
	for _, name := range types.AllCollections() {
		stats, _ := f.CollectionStats(ctx, name)
		all.Collections[name] = stats
		all.TotalDocuments += stats.Count
	}
	return all, nil
}

func (f *fakeStore) ClearCollection(_ context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, collection)
	return nil
}

func (f *fakeStore) ClearAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = make(map[string]map[string]string)
	return nil
}

func (f *fakeStore) count(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs[collection])
}

func newTestApp(store *fakeStore) *fiber.App {
	logger := zap.NewNop()
	handler := NewRAGHandler(store, indexer.New(store, logger), retriever.New(store, logger), logger)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	rag := app.Group("/api/v1/rag")
	rag.Get("/stats", handler.HandleStats)
	rag.Post("/retrieve", handler.HandleRetrieve)
	rag.Post("/search", handler.HandleSearch)
	rag.Post("/index", handler.HandleIndexTicket)
	rag.Post("/index/catalog", handler.HandleIndexCatalog)
	rag.Post("/index/plan", handler.HandleIndexPlan)
	rag.Delete("/clear", handler.HandleClear)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	return resp.StatusCode, payload
}

func TestHandleStats(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.AddDocuments(context.Background(), types.CollectionTickets,
		[]string{"t"}, []map[string]any{{}}, []string{"ticket_PLAT-1"}))
	app := newTestApp(store)

	req := httptest.NewRequest("GET", "/api/v1/rag/stats", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var stats types.StoreStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.TotalDocuments)
	assert.Equal(t, int64(1), stats.Collections[types.CollectionTickets].Count)
}

func TestHandleRetrieveValidatesTicket(t *testing.T) {
	app := newTestApp(newFakeStore())

	status, _ := postJSON(t, app, "/api/v1/rag/retrieve", types.RetrieveParams{
		Ticket: types.Ticket{Body: "missing key and title"},
	})

	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
}

func TestHandleRetrieveEmptyStore(t *testing.T) {
	app := newTestApp(newFakeStore())

	status, payload := postJSON(t, app, "/api/v1/rag/retrieve", types.RetrieveParams{
		Ticket: types.Ticket{Key: "PLAT-1", Title: "Refund flow"},
	})

	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, payload["has_context"])
}

func TestHandleIndexTicketIsDetached(t *testing.T) {
	store := newFakeStore()
	app := newTestApp(store)

	status, payload := postJSON(t, app, "/api/v1/rag/index", types.IndexTicketParams{
		Ticket: types.Ticket{Key: "PLAT-1", Title: "Refund flow"},
	})

	require.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "accepted", payload["status"])
	assert.Equal(t, "PLAT", payload["project_key"])

	// Indexing runs in the background after the response.
	require.Eventually(t, func() bool {
		return store.count(types.CollectionTickets) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleIndexPlanIsDetached(t *testing.T) {
	store := newFakeStore()
	app := newTestApp(store)

	status, _ := postJSON(t, app, "/api/v1/rag/index/plan", types.IndexPlanParams{
		Plan: types.TestPlan{TicketKey: "PLAT-1", Summary: "Refund coverage"},
	})

	require.Equal(t, fiber.StatusAccepted, status)
	require.Eventually(t, func() bool {
		return store.count(types.CollectionTestPlans) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleSearch(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.AddDocuments(context.Background(), types.CollectionDocPages,
		[]string{"Title: Payments design"}, []map[string]any{{}}, []string{"doc_11"}))
	app := newTestApp(store)

	status, payload := postJSON(t, app, "/api/v1/rag/search", types.SearchParams{
		Query:      "payments",
		Collection: types.CollectionDocPages,
	})

	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), payload["results_count"])
}

func TestHandleSearchRejectsUnknownCollection(t *testing.T) {
	app := newTestApp(newFakeStore())

	status, _ := postJSON(t, app, "/api/v1/rag/search", types.SearchParams{
		Query:      "refunds",
		Collection: "not_a_collection",
	})

	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
}

func TestHandleClear(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.AddDocuments(context.Background(), types.CollectionTickets,
		[]string{"t"}, []map[string]any{{}}, []string{"ticket_PLAT-1"}))
	app := newTestApp(store)

	req := httptest.NewRequest("DELETE", "/api/v1/rag/clear?collection="+types.CollectionTickets, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Zero(t, store.count(types.CollectionTickets))
}

func TestHandleClearUnknownCollection(t *testing.T) {
	app := newTestApp(newFakeStore())

	req := httptest.NewRequest("DELETE", "/api/v1/rag/clear?collection=bogus", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
