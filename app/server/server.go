package server

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"planrag/app/api"
	"planrag/app/middleware"
	"planrag/indexer"
	"planrag/model"
	"planrag/retriever"
	"planrag/store"
)

var config = fiber.Config{
	ErrorHandler: api.ErrorHandler,
}

type Server struct {
	listenAddr string
	logger     *zap.Logger
}

func NewServer(addr string, logger *zap.Logger) *Server {
	return &Server{
		listenAddr: addr,
		logger:     logger,
	}
}

func (s *Server) Stop() {
	s.logger.Info("server stopped")
}

func (s *Server) Run() {
	ctx := context.Background()

	embedder, err := model.NewOpenAIEmbedder(s.logger)
	if err != nil {
		s.logger.Fatal("error to create embedding service", zap.Error(err))
		return
	}

	port, _ := strconv.Atoi(os.Getenv("PG_PORT"))
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		os.Getenv("PG_HOST"), port, os.Getenv("PG_USER"), os.Getenv("PG_PASS"), os.Getenv("PG_DB_NAME"))
	contextStore, err := store.NewPostgresStore(ctx, connStr, embedder, s.logger)
	if err != nil {
		s.logger.Fatal("error to connect to Postgres database", zap.Error(err))
		return
	}

	if err := contextStore.Init(ctx); err != nil {
		s.logger.Fatal("error to create tables", zap.Error(err))
		return
	}

	var (
		app          = fiber.New(config)
		checkHandler = api.NewCheckHandler()
		ragHandler   = api.NewRAGHandler(
			contextStore,
			indexer.New(contextStore, s.logger),
			retriever.New(contextStore, s.logger),
			s.logger,
		)
		check = app.Group("/check")
		rag   = app.Group("/api/v1/rag")
	)

	app.Use(middleware.RequestLogger(s.logger))

	check.Get("/healthy", checkHandler.HandleHealthy)

	rag.Get("/stats", ragHandler.HandleStats)
	rag.Post("/retrieve", ragHandler.HandleRetrieve)
	rag.Post("/search", ragHandler.HandleSearch)
	rag.Post("/index", ragHandler.HandleIndexTicket)
	rag.Post("/index/catalog", ragHandler.HandleIndexCatalog)
	rag.Post("/index/plan", ragHandler.HandleIndexPlan)
	rag.Delete("/clear", ragHandler.HandleClear)

	if err := app.Listen(s.listenAddr); err != nil {
		s.logger.Error("error to start server", zap.Error(err))
		return
	}
}
