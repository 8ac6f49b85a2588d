package model

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrNoAPIKey is returned at construction when no embedding credential is set.
var ErrNoAPIKey = errors.New("OPENAI_API_KEY is not configured")

const (
	defaultModel      = "text-embedding-3-small"
	defaultDimensions = 1536

	// Provider limit on texts per request.
	embedBatchSize = 100

	// Token ceiling per embedded text. Texts shorter than maxEmbedBytes
	// cannot exceed it, so the tokenizer only runs on oversized input.
	maxEmbedTokens = 8000
	maxEmbedBytes  = maxEmbedTokens * 2
)

// Embedder converts text into fixed-dimension vectors.
//
// EmbedTexts is order-preserving and never fails as a whole: a failed
// provider call degrades the affected page to zero vectors so one bad
// page cannot abort embedding of a large dataset.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) [][]float32
	EmbedSingle(ctx context.Context, text string) []float32
	Dimensions() int
}

// OpenAIEmbedder implements Embedder over the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	logger     *zap.Logger
}

// NewOpenAIEmbedder builds an embedder from the environment.
// Fails fast when no API key is available.
func NewOpenAIEmbedder(logger *zap.Logger) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	embModel := os.Getenv("EMBEDDING_MODEL")
	if embModel == "" {
		embModel = defaultModel
	}

	dims := defaultDimensions
	if v := os.Getenv("EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			dims = n
		}
	}

	logger.Info("embedding service initialized",
		zap.String("model", embModel),
		zap.Int("dimensions", dims))

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      embModel,
		dimensions: dims,
		logger:     logger,
	}, nil
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// EmbedTexts embeds texts in provider-sized pages. Empty input returns
// an empty result without calling the provider.
func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) [][]float32 {
	if len(texts) == 0 {
		return [][]float32{}
	}

	vectors := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += embedBatchSize {
		end := min(i+embedBatchSize, len(texts))
		page := texts[i:end]

		embedded, err := e.embedPage(ctx, page)
		if err != nil {
			e.logger.Error("embedding page failed, substituting zero vectors",
				zap.Int("page_start", i),
				zap.Int("page_size", len(page)),
				zap.Error(err))
			for range page {
				vectors = append(vectors, make([]float32, e.dimensions))
			}
			continue
		}
		vectors = append(vectors, embedded...)
	}

	return vectors
}

// EmbedSingle embeds one text.
func (e *OpenAIEmbedder) EmbedSingle(ctx context.Context, text string) []float32 {
	return e.EmbedTexts(ctx, []string{text})[0]
}

func (e *OpenAIEmbedder) embedPage(ctx context.Context, texts []string) ([][]float32, error) {
	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = e.truncate(t)
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      input,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.New("embedding response length mismatch")
	}

	embedded := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		embedded[i] = data.Embedding
	}
	return embedded, nil
}

// truncate bounds a text by the provider's token limit. The tokenizer is
// only consulted when the byte length makes an overflow possible.
func (e *OpenAIEmbedder) truncate(text string) string {
	if len(text) < maxEmbedBytes {
		return text
	}

	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		e.logger.Warn("tokenizer unavailable, truncating by bytes", zap.Error(err))
		return text[:maxEmbedBytes]
	}

	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxEmbedTokens {
		return text
	}
	return enc.Decode(tokens[:maxEmbedTokens])
}
