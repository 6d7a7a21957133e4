package knowledge

import (
	"context"
	"log/slog"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
)

const (
	DefaultLimit     = 3
	DefaultThreshold = 0.7

	// fallbackFactor is the over-fetch ratio of the category fallback search
	fallbackFactor = 3
)

// Retriever finds reference documents semantically similar to free text.
type Retriever struct {
	repo      interfaces.Repository
	embedder  interfaces.Embedder
	limit     int
	threshold float64
}

// Option is a functional option for Retriever
type Option func(*Retriever)

// WithLimit sets k used by Context
func WithLimit(k int) Option {
	return func(r *Retriever) {
		r.limit = k
	}
}

// WithThreshold sets the similarity threshold used by Context and Info
func WithThreshold(threshold float64) Option {
	return func(r *Retriever) {
		r.threshold = threshold
	}
}

// New creates a new Retriever
func New(repo interfaces.Repository, embedder interfaces.Embedder, opts ...Option) *Retriever {
	r := &Retriever{
		repo:      repo,
		embedder:  embedder,
		limit:     DefaultLimit,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Embed converts text into a vector. Any provider failure is reported as
// model.ErrEmbeddingUnavailable.
func (r *Retriever) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, model.ErrEmbeddingUnavailable.Wrap(err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, goerr.Wrap(model.ErrEmbeddingUnavailable, "embedding response is empty", goerr.V("count", len(vectors)))
	}
	return vectors[0], nil
}

// Search returns at most k documents whose similarity is >= threshold, most
// similar first. An empty result is not an error.
func (r *Retriever) Search(ctx context.Context, vector []float32, k int, threshold float64) ([]*model.KnowledgeDocument, error) {
	if k <= 0 {
		return nil, nil
	}

	docs, err := r.repo.SearchKnowledge(ctx, vector, k, threshold)
	if err != nil {
		return nil, model.ErrRetrievalUnavailable.Wrap(err, goerr.V("k", k))
	}

	return rank(docs, k, threshold, func(*model.KnowledgeDocument) bool { return true }), nil
}

// SearchByCategory is Search restricted to one category. When the indexed
// category query fails it over-fetches via Search and filters.
func (r *Retriever) SearchByCategory(ctx context.Context, vector []float32, category model.Category, k int) ([]*model.KnowledgeDocument, error) {
	if err := category.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid category", goerr.T(model.TagInvalidArgs))
	}
	if k <= 0 {
		return nil, nil
	}

	inCategory := func(doc *model.KnowledgeDocument) bool { return doc.Category == category }

	docs, err := r.repo.SearchKnowledgeByCategory(ctx, vector, category, k, r.threshold)
	if err == nil {
		return rank(docs, k, r.threshold, inCategory), nil
	}

	logging.From(ctx).Warn("category search unavailable, falling back to general search",
		"category", category,
		slog.Any("error", err))

	docs, err = r.Search(ctx, vector, k*fallbackFactor, r.threshold)
	if err != nil {
		return nil, err
	}
	return rank(docs, k, r.threshold, inCategory), nil
}

// Info answers a canned topic: the best documents of the category for query.
func (r *Retriever) Info(ctx context.Context, category model.Category, query string) ([]*model.KnowledgeDocument, error) {
	vector, err := r.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.SearchByCategory(ctx, vector, category, r.limit)
}

// Context embeds text and searches with the configured k and threshold.
// Every failure degrades to no documents.
func (r *Retriever) Context(ctx context.Context, text string) []*model.KnowledgeDocument {
	logger := logging.From(ctx)

	vector, err := r.Embed(ctx, text)
	if err != nil {
		logger.Warn("knowledge context unavailable", slog.Any("error", err))
		return nil
	}

	docs, err := r.Search(ctx, vector, r.limit, r.threshold)
	if err != nil {
		logger.Warn("knowledge context unavailable", slog.Any("error", err))
		return nil
	}

	logger.Debug("knowledge retrieved", "count", len(docs))
	return docs
}

// rank re-applies the retrieval contract on whatever the store returned.
func rank(docs []*model.KnowledgeDocument, k int, threshold float64, match func(*model.KnowledgeDocument) bool) []*model.KnowledgeDocument {
	results := make([]*model.KnowledgeDocument, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || doc.Similarity < threshold || !match(doc) {
			continue
		}
		results = append(results, doc)
	}

	slices.SortStableFunc(results, func(a, b *model.KnowledgeDocument) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		default:
			return 0
		}
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}
