package api

import (
	"context"
	"slices"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"planrag/indexer"
	"planrag/retriever"
	"planrag/store"
	"planrag/types"
)

// Deadline for one detached indexing run. Indexing a full catalog sync
// can take minutes, so this is deliberately generous.
const indexingTimeout = 30 * time.Minute

type RAGHandler struct {
	contextStore store.VectorStorer
	indexer      *indexer.Indexer
	retriever    *retriever.Retriever
	logger       *zap.Logger
}

func NewRAGHandler(contextStore store.VectorStorer, ix *indexer.Indexer, r *retriever.Retriever, logger *zap.Logger) *RAGHandler {
	return &RAGHandler{
		contextStore: contextStore,
		indexer:      ix,
		retriever:    r,
		logger:       logger,
	}
}

// HandleStats returns document counts per collection plus the total.
func (h *RAGHandler) HandleStats(c *fiber.Ctx) error {
	stats, err := h.contextStore.AllStats(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

// HandleRetrieve is the synchronous read path: it gathers grounding
// context for a ticket before generation.
func (h *RAGHandler) HandleRetrieve(c *fiber.Ctx) error {
	var params types.RetrieveParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	retrieved, err := h.retriever.RetrieveForTicket(c.Context(), params.Ticket, params.ProjectKey)
	if err != nil {
		return NewError(fiber.StatusUnprocessableEntity, err.Error())
	}

	return c.JSON(fiber.Map{
		"ticket_key":  params.Ticket.Key,
		"has_context": retrieved.HasContext(),
		"summary":     retrieved.Summary(),
		"context":     retrieved,
	})
}

// HandleSearch runs a raw similarity query against one collection.
func (h *RAGHandler) HandleSearch(c *fiber.Ctx) error {
	var params types.SearchParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	topK := params.TopK
	if topK == 0 {
		topK = 10
	}
	var filter map[string]string
	if params.ProjectKey != "" {
		filter = map[string]string{"project_key": params.ProjectKey}
	}

	results, err := h.contextStore.RetrieveSimilar(c.Context(), params.Collection, params.Query, topK, filter)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"collection":    params.Collection,
		"results_count": len(results),
		"results":       results,
	})
}

// HandleIndexTicket indexes a ticket with its linked material. The work
// is fired as a detached background task so indexing latency never
// delays the caller.
func (h *RAGHandler) HandleIndexTicket(c *fiber.Ctx) error {
	var params types.IndexTicketParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	projectKey := params.ProjectKey
	if projectKey == "" {
		projectKey = params.Ticket.ProjectKeyOrDerived()
	}

	h.detach(func(ctx context.Context) {
		h.indexer.IndexTicketContext(ctx, params.Ticket, params.DocPages, params.LinkedTickets, projectKey)
	})

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":      "accepted",
		"ticket_key":  params.Ticket.Key,
		"project_key": projectKey,
	})
}

// HandleIndexCatalog indexes a batch of catalog test cases, detached.
func (h *RAGHandler) HandleIndexCatalog(c *fiber.Ctx) error {
	var params types.IndexCatalogParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	h.detach(func(ctx context.Context) {
		h.indexer.IndexCatalogTests(ctx, params.Tests, params.ProjectKey)
	})

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":      "accepted",
		"project_key": params.ProjectKey,
		"tests":       len(params.Tests),
	})
}

// HandleIndexPlan indexes a generated test plan, detached.
func (h *RAGHandler) HandleIndexPlan(c *fiber.Ctx) error {
	var params types.IndexPlanParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	h.detach(func(ctx context.Context) {
		h.indexer.IndexTestPlan(ctx, params.Plan)
	})

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":     "accepted",
		"ticket_key": params.Plan.TicketKey,
	})
}

// HandleClear clears one collection, or all of them when none is named.
// Destructive, maintenance only.
func (h *RAGHandler) HandleClear(c *fiber.Ctx) error {
	collection := c.Query("collection")

	if collection == "" {
		if err := h.contextStore.ClearAll(c.Context()); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"status": "success", "message": "cleared all collections"})
	}

	if !slices.Contains(types.AllCollections(), collection) {
		return ErrUnknownCollection(collection)
	}
	if err := h.contextStore.ClearCollection(c.Context(), collection); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "success", "message": "cleared collection: " + collection})
}

// detach runs fn on its own goroutine with a fresh context: the request
// context dies with the response, the indexing task must not.
func (h *RAGHandler) detach(fn func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), indexingTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("detached indexing task panicked", zap.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}
