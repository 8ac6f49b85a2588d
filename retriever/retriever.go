package retriever

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"planrag/store"
	"planrag/types"
)

// Number of bytes of the ticket body included in the search query.
const queryBodyLen = 500

// Default result counts per collection.
const (
	defaultTopKPlans   = 3
	defaultTopKDocs    = 5
	defaultTopKTickets = 5
	defaultTopKTests   = 10
)

// Retriever fans similarity lookups out across the four context
// collections and aggregates the ranked results. Retrieval is best
// effort: a failing collection degrades to an empty list, it never
// fails the call or its sibling lookups.
type Retriever struct {
	store  store.VectorStorer
	logger *zap.Logger

	topKPlans   int
	topKDocs    int
	topKTickets int
	topKTests   int
}

func New(storer store.VectorStorer, logger *zap.Logger) *Retriever {
	return &Retriever{
		store:       storer,
		logger:      logger,
		topKPlans:   envInt("RAG_TOP_K_PLANS", defaultTopKPlans),
		topKDocs:    envInt("RAG_TOP_K_DOCS", defaultTopKDocs),
		topKTickets: envInt("RAG_TOP_K_TICKETS", defaultTopKTickets),
		topKTests:   envInt("RAG_TOP_K_TESTS", defaultTopKTests),
	}
}

// RetrieveForTicket gathers grounding context for a ticket from all four
// collections concurrently. Only a malformed ticket can fail the call.
func (r *Retriever) RetrieveForTicket(ctx context.Context, ticket types.Ticket, projectKey string) (*types.RetrievedContext, error) {
	if err := types.ValidateTicket(ticket); err != nil {
		return nil, err
	}

	if projectKey == "" {
		projectKey = ticket.ProjectKeyOrDerived()
	}
	query := buildQuery(ticket)
	filter := map[string]string{"project_key": projectKey}

	r.logger.Info("retrieving context",
		zap.String("ticket_key", ticket.Key),
		zap.String("project_key", projectKey))

	retrieved := &types.RetrievedContext{}
	lookups := []struct {
		collection string
		topK       int
		out        *[]types.SearchResult
	}{
		{types.CollectionTestPlans, r.topKPlans, &retrieved.SimilarPlans},
		{types.CollectionDocPages, r.topKDocs, &retrieved.SimilarDocs},
		{types.CollectionTickets, r.topKTickets, &retrieved.SimilarTickets},
		{types.CollectionCatalogTests, r.topKTests, &retrieved.SimilarTests},
	}

	var wg sync.WaitGroup
	for _, l := range lookups {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			*l.out = r.lookup(ctx, l.collection, query, l.topK, filter)
		}()
	}
	wg.Wait()

	r.logger.Info(retrieved.Summary())
	return retrieved, nil
}

// lookup queries one collection. Empty collections are skipped without an
// embedding call; any failure degrades to an empty result for this
// collection only.
func (r *Retriever) lookup(ctx context.Context, collection, query string, topK int, filter map[string]string) []types.SearchResult {
	stats, err := r.store.CollectionStats(ctx, collection)
	if err != nil {
		r.logger.Warn("stats check failed, skipping collection",
			zap.String("collection", collection), zap.Error(err))
		return []types.SearchResult{}
	}
	if stats.Count == 0 {
		r.logger.Info("collection is empty, skipping retrieval",
			zap.String("collection", collection))
		return []types.SearchResult{}
	}

	results, err := r.store.RetrieveSimilar(ctx, collection, query, topK, filter)
	if err != nil {
		r.logger.Warn("retrieval failed for collection",
			zap.String("collection", collection), zap.Error(err))
		return []types.SearchResult{}
	}
	return results
}

// buildQuery composes the search text from the ticket title, a bounded
// prefix of its body and its tags.
func buildQuery(ticket types.Ticket) string {
	parts := []string{ticket.Title}

	if ticket.Body != "" {
		body := ticket.Body
		if len(body) > queryBodyLen {
			body = body[:queryBodyLen]
		}
		parts = append(parts, body)
	}
	if len(ticket.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(ticket.Tags, ", "))
	}

	return strings.Join(parts, "\n")
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
