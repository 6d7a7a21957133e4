package adapter

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder implements interfaces.Embedder with the OpenAI embeddings API
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

var _ interfaces.Embedder = (*OpenAIEmbedder)(nil)

type OpenAIOption func(*OpenAIEmbedder)

func WithOpenAIEmbeddingModel(model string) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		e.model = openai.EmbeddingModel(model)
	}
}

// WithOpenAIDimensions shortens vectors; text-embedding-3 models only
func WithOpenAIDimensions(dim int) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		e.dimensions = dim
	}
}

// NewOpenAIEmbedder creates a new OpenAI embedding client
func NewOpenAIEmbedder(apiKey string, opts ...OpenAIOption) *OpenAIEmbedder {
	e := &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  openai.SmallEmbedding3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      e.model,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embeddings", goerr.V("model", e.model))
	}

	if len(resp.Data) != len(texts) {
		return nil, goerr.New("embedding count mismatch",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(resp.Data)))
	}

	// Data carries its input index; do not rely on response order
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, goerr.New("embedding index out of range", goerr.V("index", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
