package types

import (
	"fmt"
	"strings"
)

// Collection names of the four context memories.
const (
	CollectionTestPlans    = "test_plans"
	CollectionDocPages     = "doc_pages"
	CollectionTickets      = "tickets"
	CollectionCatalogTests = "catalog_tests"
)

// AllCollections lists every collection in stats/clear order.
func AllCollections() []string {
	return []string{
		CollectionTestPlans,
		CollectionDocPages,
		CollectionTickets,
		CollectionCatalogTests,
	}
}

// Ticket is an issue-tracker record the retriever grounds against.
type Ticket struct {
	Key        string   `json:"key" validate:"required"`
	Title      string   `json:"title" validate:"required"`
	Body       string   `json:"body"`
	Tags       []string `json:"tags"`
	ProjectKey string   `json:"project_key"`
}

// ProjectKeyOrDerived returns the explicit project key or the prefix of
// the ticket key before the first dash (PLAT-123 -> PLAT).
func (t Ticket) ProjectKeyOrDerived() string {
	if t.ProjectKey != "" {
		return t.ProjectKey
	}
	key, _, _ := strings.Cut(t.Key, "-")
	return key
}

// DocPage is a crawled documentation page.
type DocPage struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Space string `json:"space"`
	URL   string `json:"url"`
}

// PlanCase is one test case inside a generated plan.
type PlanCase struct {
	Title       string   `json:"title"`
	Type        string   `json:"type"`
	Priority    string   `json:"priority"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
}

// TestPlan is a generated test plan tied to the ticket it was written for.
type TestPlan struct {
	TicketKey string     `json:"ticket_key" validate:"required"`
	Summary   string     `json:"summary"`
	Cases     []PlanCase `json:"cases"`
	ModelName string     `json:"model_name"`
}

// CatalogTest is an existing test case synced from the test catalog.
type CatalogTest struct {
	Key          string `json:"key" validate:"required"`
	Name         string `json:"name"`
	Objective    string `json:"objective"`
	Precondition string `json:"precondition"`
	Status       string `json:"status"`
	Priority     string `json:"priority"`
}

// SearchResult is one ranked hit from a similarity query.
// Distance is the raw cosine distance, ascending is better.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Distance float64        `json:"distance"`
}

// Similarity is the single derived confidence value, 1 - cosine distance.
func (r SearchResult) Similarity() float64 {
	return 1 - r.Distance
}

// RetrievedContext aggregates the ranked lists from all four collections
// for one retrieval call.
type RetrievedContext struct {
	SimilarPlans   []SearchResult `json:"similar_plans"`
	SimilarDocs    []SearchResult `json:"similar_docs"`
	SimilarTickets []SearchResult `json:"similar_tickets"`
	SimilarTests   []SearchResult `json:"similar_tests"`
}

// HasContext reports whether any collection returned results.
func (c *RetrievedContext) HasContext() bool {
	return len(c.SimilarPlans) > 0 ||
		len(c.SimilarDocs) > 0 ||
		len(c.SimilarTickets) > 0 ||
		len(c.SimilarTests) > 0
}

// Summary returns a one-line per-collection count report.
func (c *RetrievedContext) Summary() string {
	return fmt.Sprintf("Retrieved: %d plans, %d docs, %d tickets, %d catalog tests",
		len(c.SimilarPlans),
		len(c.SimilarDocs),
		len(c.SimilarTickets),
		len(c.SimilarTests),
	)
}

// CollectionStats is the document count of a single collection.
type CollectionStats struct {
	Name   string `json:"name"`
	Count  int64  `json:"count"`
	Exists bool   `json:"exists"`
}

// StoreStats covers all collections plus the total.
type StoreStats struct {
	Collections    map[string]CollectionStats `json:"collections"`
	TotalDocuments int64                      `json:"total_documents"`
}
