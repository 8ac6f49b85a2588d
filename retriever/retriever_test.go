package retriever

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"planrag/types"
)

type queryCall struct {
	collection string
	query      string
	topK       int
	filter     map[string]string
}

// fakeStore serves canned results per collection and can fail on demand.
// Lookups run concurrently, so recorded queries are mutex-guarded.
type fakeStore struct {
	counts  map[string]int64
	results map[string][]types.SearchResult
	fail    map[string]error

	mu      sync.Mutex
	queries []queryCall
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counts:  make(map[string]int64),
		results: make(map[string][]types.SearchResult),
		fail:    make(map[string]error),
	}
}

func (f *fakeStore) AddDocuments(context.Context, string, []string, []map[string]any, []string) error {
	return nil
}

func (f *fakeStore) RetrieveSimilar(_ context.Context, collection, query string, topK int, filter map[string]string) ([]types.SearchResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, queryCall{collection, query, topK, filter})
	f.mu.Unlock()
	if err := f.fail[collection]; err != nil {
		return nil, err
	}
	return f.results[collection], nil
}

func (f *fakeStore) CollectionStats(_ context.Context, collection string) (types.CollectionStats, error) {
	return types.CollectionStats{Name: collection, Count: f.counts[collection], Exists: true}, nil
}

func (f *fakeStore) AllStats(context.Context) (types.StoreStats, error) {
	return types.StoreStats{}, nil
}

func (f *fakeStore) ClearCollection(context.Context, string) error { return nil }
func (f *fakeStore) ClearAll(context.Context) error                { return nil }

func seed(store *fakeStore, collection string, results ...types.SearchResult) {
	store.counts[collection] = int64(len(results))
	store.results[collection] = results
}

func TestRetrieveForTicketAggregatesAllCollections(t *testing.T) {
	store := newFakeStore()
	seed(store, types.CollectionTestPlans, types.SearchResult{ID: "plan_PLAT-1_20260301_100000", Distance: 0.12})
	seed(store, types.CollectionDocPages, types.SearchResult{ID: "doc_11", Distance: 0.2}, types.SearchResult{ID: "doc_12", Distance: 0.3})
	seed(store, types.CollectionTickets, types.SearchResult{ID: "ticket_PLAT-3", Distance: 0.25})
	seed(store, types.CollectionCatalogTests, types.SearchResult{ID: "catalog_CAT-T1", Distance: 0.4})

	r := New(store, zap.NewNop())
	ticket := types.Ticket{Key: "PLAT-9", Title: "Refund flow", Body: "Allow partial refunds", Tags: []string{"payments"}}

	retrieved, err := r.RetrieveForTicket(context.Background(), ticket, "")
	require.NoError(t, err)

	assert.True(t, retrieved.HasContext())
	assert.Len(t, retrieved.SimilarPlans, 1)
	assert.Len(t, retrieved.SimilarDocs, 2)
	assert.Len(t, retrieved.SimilarTickets, 1)
	assert.Len(t, retrieved.SimilarTests, 1)
	assert.Equal(t, "Retrieved: 1 plans, 2 docs, 1 tickets, 1 catalog tests", retrieved.Summary())
}

func TestRetrieveUsesProjectKeyFilter(t *testing.T) {
	store := newFakeStore()
	seed(store, types.CollectionTestPlans, types.SearchResult{ID: "p1"})

	r := New(store, zap.NewNop())
	_, err := r.RetrieveForTicket(context.Background(), types.Ticket{Key: "PLAT-9", Title: "Refunds"}, "")
	require.NoError(t, err)

	require.Len(t, store.queries, 1)
	assert.Equal(t, map[string]string{"project_key": "PLAT"}, store.queries[0].filter)
}

func TestRetrieveExplicitProjectKeyWins(t *testing.T) {
	store := newFakeStore()
	seed(store, types.CollectionTickets, types.SearchResult{ID: "t1"})

	r := New(store, zap.NewNop())
	_, err := r.RetrieveForTicket(context.Background(), types.Ticket{Key: "PLAT-9", Title: "Refunds"}, "OTHER")
	require.NoError(t, err)

	require.Len(t, store.queries, 1)
	assert.Equal(t, "OTHER", store.queries[0].filter["project_key"])
}

func TestRetrieveSkipsEmptyCollectionsWithoutQuerying(t *testing.T) {
	store := newFakeStore()
	// All collections empty.

	r := New(store, zap.NewNop())
	retrieved, err := r.RetrieveForTicket(context.Background(), types.Ticket{Key: "PLAT-9", Title: "Refunds"}, "")
	require.NoError(t, err)

	assert.False(t, retrieved.HasContext())
	assert.Empty(t, store.queries, "empty collections must not trigger similarity queries")
}

func TestRetrieveFailureIsIsolatedPerCollection(t *testing.T) {
	store := newFakeStore()
	seed(store, types.CollectionTestPlans, types.SearchResult{ID: "plan_1", Distance: 0.1})
	seed(store, types.CollectionDocPages, types.SearchResult{ID: "doc_1"})
	store.fail[types.CollectionDocPages] = errors.New("collection query failed")

	r := New(store, zap.NewNop())
	retrieved, err := r.RetrieveForTicket(context.Background(), types.Ticket{Key: "PLAT-9", Title: "Refunds"}, "")
	require.NoError(t, err)

	assert.True(t, retrieved.HasContext())
	assert.Len(t, retrieved.SimilarPlans, 1)
	assert.Len(t, retrieved.SimilarDocs, 0)
}

func TestRetrieveRejectsMalformedTicket(t *testing.T) {
	r := New(newFakeStore(), zap.NewNop())

	_, err := r.RetrieveForTicket(context.Background(), types.Ticket{Body: "no key or title"}, "")
	require.Error(t, err)
}

func TestRetrieveTopKPerCollection(t *testing.T) {
	store := newFakeStore()
	for _, name := range types.AllCollections() {
		seed(store, name, types.SearchResult{ID: "x"})
	}

	r := New(store, zap.NewNop())
	_, err := r.RetrieveForTicket(context.Background(), types.Ticket{Key: "PLAT-9", Title: "Refunds"}, "")
	require.NoError(t, err)

	topKs := make(map[string]int)
	for _, q := range store.queries {
		topKs[q.collection] = q.topK
	}
	assert.Equal(t, map[string]int{
		types.CollectionTestPlans:    defaultTopKPlans,
		types.CollectionDocPages:     defaultTopKDocs,
		types.CollectionTickets:      defaultTopKTickets,
		types.CollectionCatalogTests: defaultTopKTests,
	}, topKs)
}

func TestBuildQuery(t *testing.T) {
	ticket := types.Ticket{
		Key:   "PLAT-9",
		Title: "Refund flow",
		Body:  strings.Repeat("b", 800),
		Tags:  []string{"payments", "refunds"},
	}

	query := buildQuery(ticket)

	lines := strings.Split(query, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Refund flow", lines[0])
	assert.Len(t, lines[1], queryBodyLen)
	assert.Equal(t, "Tags: payments, refunds", lines[2])
}
