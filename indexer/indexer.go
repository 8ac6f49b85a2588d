package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"planrag/store"
	"planrag/types"
)

// Storage batch size limit per AddDocuments call.
const batchSize = 1000

// Per-field caps on free text, to bound embedding cost.
const (
	maxDocBodyLen      = 5000
	maxTicketBodyLen   = 2000
	maxObjectiveLen    = 1000
	maxPreconditionLen = 500
	maxCaseDescLen     = 200
	maxTitleMetaLen    = 200
	maxPlanCases       = 10
)

// Indexer converts domain records into stored documents. All Index
// methods are best effort: indexing runs as a side channel of the
// generation flow, so failures are logged and swallowed rather than
// propagated to the caller.
type Indexer struct {
	store  store.VectorStorer
	logger *zap.Logger
	now    func() time.Time
}

func New(storer store.VectorStorer, logger *zap.Logger) *Indexer {
	return &Indexer{
		store:  storer,
		logger: logger,
		now:    time.Now,
	}
}

// IndexTestPlan stores a generated plan in plan memory. Plan ids carry a
// timestamp suffix so repeated generations for one ticket accumulate
// history instead of overwriting it.
func (ix *Indexer) IndexTestPlan(ctx context.Context, plan types.TestPlan) {
	ix.logger.Info("indexing test plan", zap.String("ticket_key", plan.TicketKey))

	now := ix.now()
	doc := buildPlanDocument(plan)
	metadata := map[string]any{
		"ticket_key":  plan.TicketKey,
		"project_key": projectKeyOf(plan.TicketKey),
		"summary":     truncate(plan.Summary, maxTitleMetaLen),
		"case_count":  len(plan.Cases),
		"ai_model":    plan.ModelName,
		"timestamp":   now.Format(time.RFC3339),
	}
	id := fmt.Sprintf("plan_%s_%s", plan.TicketKey, now.Format("20060102_150405"))

	err := ix.store.AddDocuments(ctx, types.CollectionTestPlans,
		[]string{doc}, []map[string]any{metadata}, []string{id})
	if err != nil {
		ix.logger.Error("failed to index test plan",
			zap.String("ticket_key", plan.TicketKey), zap.Error(err))
		return
	}
	ix.logger.Info("test plan indexed", zap.String("id", id))
}

// IndexDocPages stores documentation pages in documentation memory.
// Natural-key ids, re-indexing a page overwrites it.
func (ix *Indexer) IndexDocPages(ctx context.Context, pages []types.DocPage, projectKey string) {
	if len(pages) == 0 {
		ix.logger.Info("no documentation pages to index")
		return
	}
	ix.logger.Info("indexing documentation pages", zap.Int("count", len(pages)))

	ix.indexBatched(ctx, types.CollectionDocPages, len(pages), func(i int) (string, map[string]any, string) {
		page := pages[i]
		doc := fmt.Sprintf("Title: %s\n\n%s", page.Title, truncate(page.Body, maxDocBodyLen))
		metadata := map[string]any{
			"doc_id":      page.ID,
			"title":       truncate(page.Title, maxTitleMetaLen),
			"space":       page.Space,
			"url":         page.URL,
			"project_key": projectKey,
			"timestamp":   ix.now().Format(time.RFC3339),
		}
		return doc, metadata, "doc_" + page.ID
	})
}

// IndexTickets stores tickets in ticket memory. Natural-key ids,
// re-indexing a ticket overwrites it.
func (ix *Indexer) IndexTickets(ctx context.Context, tickets []types.Ticket, projectKey string) {
	if len(tickets) == 0 {
		ix.logger.Info("no tickets to index")
		return
	}
	ix.logger.Info("indexing tickets", zap.Int("count", len(tickets)))

	ix.indexBatched(ctx, types.CollectionTickets, len(tickets), func(i int) (string, map[string]any, string) {
		t := tickets[i]
		var b strings.Builder
		fmt.Fprintf(&b, "Ticket: %s - %s\n\n", t.Key, t.Title)
		if t.Body != "" {
			fmt.Fprintf(&b, "Description: %s\n\n", truncate(t.Body, maxTicketBodyLen))
		}
		if len(t.Tags) > 0 {
			fmt.Fprintf(&b, "Tags: %s", strings.Join(t.Tags, ", "))
		}

		key := projectKey
		if key == "" {
			key = t.ProjectKeyOrDerived()
		}
		metadata := map[string]any{
			"ticket_key":  t.Key,
			"project_key": key,
			"title":       truncate(t.Title, maxTitleMetaLen),
			"tags":        strings.Join(t.Tags, ","),
			"timestamp":   ix.now().Format(time.RFC3339),
		}
		return b.String(), metadata, "ticket_" + t.Key
	})
}

// IndexCatalogTests stores existing catalog test cases in catalog memory
// for duplicate detection and style learning. Natural-key ids.
func (ix *Indexer) IndexCatalogTests(ctx context.Context, tests []types.CatalogTest, projectKey string) {
	if len(tests) == 0 {
		ix.logger.Info("no catalog tests to index")
		return
	}
	ix.logger.Info("indexing catalog tests", zap.Int("count", len(tests)))

	ix.indexBatched(ctx, types.CollectionCatalogTests, len(tests), func(i int) (string, map[string]any, string) {
		t := tests[i]
		var b strings.Builder
		fmt.Fprintf(&b, "Test: %s\n\n", t.Name)
		if t.Objective != "" {
			fmt.Fprintf(&b, "Objective: %s\n\n", truncate(t.Objective, maxObjectiveLen))
		}
		if t.Precondition != "" {
			fmt.Fprintf(&b, "Precondition: %s", truncate(t.Precondition, maxPreconditionLen))
		}

		metadata := map[string]any{
			"test_key":    t.Key,
			"test_name":   truncate(t.Name, maxTitleMetaLen),
			"project_key": projectKey,
			"status":      t.Status,
			"priority":    t.Priority,
			"timestamp":   ix.now().Format(time.RFC3339),
		}
		return b.String(), metadata, "catalog_" + t.Key
	})
}

// IndexTicketContext indexes everything gathered for one ticket: its
// documentation pages, its linked tickets and the ticket itself. The
// sub-steps are independently failure-isolated.
func (ix *Indexer) IndexTicketContext(ctx context.Context, ticket types.Ticket, pages []types.DocPage, linked []types.Ticket, projectKey string) {
	if projectKey == "" {
		projectKey = ticket.ProjectKeyOrDerived()
	}
	ix.logger.Info("indexing full ticket context",
		zap.String("ticket_key", ticket.Key),
		zap.String("project_key", projectKey))

	if len(pages) > 0 {
		ix.IndexDocPages(ctx, pages, projectKey)
	}
	if len(linked) > 0 {
		ix.IndexTickets(ctx, linked, projectKey)
	}
	ix.IndexTickets(ctx, []types.Ticket{ticket}, projectKey)
}

// indexBatched pages n records into sequential AddDocuments calls of at
// most batchSize each. A failed page is logged and skipped so the
// remaining pages still get indexed.
func (ix *Indexer) indexBatched(ctx context.Context, collection string, n int, build func(i int) (string, map[string]any, string)) {
	totalBatches := (n + batchSize - 1) / batchSize

	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		batchNum := start/batchSize + 1

		texts := make([]string, 0, end-start)
		metadatas := make([]map[string]any, 0, end-start)
		ids := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			text, metadata, id := build(i)
			texts = append(texts, text)
			metadatas = append(metadatas, metadata)
			ids = append(ids, id)
		}

		if err := ix.store.AddDocuments(ctx, collection, texts, metadatas, ids); err != nil {
			ix.logger.Error("failed to index batch",
				zap.String("collection", collection),
				zap.Int("batch", batchNum),
				zap.Int("total_batches", totalBatches),
				zap.Error(err))
			continue
		}

		if totalBatches > 1 {
			ix.logger.Info("indexed batch",
				zap.String("collection", collection),
				zap.Int("batch", batchNum),
				zap.Int("total_batches", totalBatches),
				zap.Int("indexed", end))
		}
	}
}

func buildPlanDocument(plan types.TestPlan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Ticket: %s\n", plan.TicketKey)
	fmt.Fprintf(&b, "Summary: %s\n", plan.Summary)
	fmt.Fprintf(&b, "\n%d Test Cases:\n", len(plan.Cases))

	for i, tc := range plan.Cases {
		if i >= maxPlanCases {
			break
		}
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, tc.Title)
		fmt.Fprintf(&b, "   Type: %s, Priority: %s\n", tc.Type, tc.Priority)
		fmt.Fprintf(&b, "   Description: %s\n", truncate(tc.Description, maxCaseDescLen))
		if len(tc.Steps) > 0 {
			fmt.Fprintf(&b, "   Steps: %d steps\n", len(tc.Steps))
		}
	}

	return b.String()
}

func projectKeyOf(ticketKey string) string {
	key, _, _ := strings.Cut(ticketKey, "-")
	return key
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
