package knowledge

import (
	"context"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
	"gopkg.in/yaml.v3"
)

// embedBatchSize bounds the number of texts sent in one embedding request
const embedBatchSize = 100

// SeedFile is the document format of the bulk-load step
type SeedFile struct {
	Documents []*model.KnowledgeDocument `yaml:"documents"`
}

// LoadDocuments decodes a YAML seed file
func LoadDocuments(r io.Reader) ([]*model.KnowledgeDocument, error) {
	var file SeedFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, goerr.Wrap(err, "failed to decode seed file")
	}
	for i, doc := range file.Documents {
		if doc == nil {
			return nil, goerr.New("seed document is empty", goerr.V("index", i))
		}
		if err := doc.Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid seed document", goerr.V("index", i))
		}
	}
	return file.Documents, nil
}

// Seed embeds and stores documents. When reset is true the existing knowledge
// base is cleared first. Nothing is written if any embedding fails.
func (r *Retriever) Seed(ctx context.Context, docs []*model.KnowledgeDocument, reset bool) (int, error) {
	logger := logging.From(ctx)

	for i, doc := range docs {
		if err := doc.Validate(); err != nil {
			return 0, goerr.Wrap(err, "invalid document", goerr.V("index", i))
		}
		if doc.ID == "" {
			doc.ID = model.NewKnowledgeID()
		}
	}

	for start := 0; start < len(docs); start += embedBatchSize {
		end := min(start+embedBatchSize, len(docs))
		batch := docs[start:end]

		texts := make([]string, len(batch))
		for i, doc := range batch {
			texts[i] = doc.EmbeddingText()
		}

		vectors, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, goerr.Wrap(err, "failed to embed documents", goerr.V("offset", start))
		}
		if len(vectors) != len(batch) {
			return 0, goerr.New("embedding count mismatch",
				goerr.V("expected", len(batch)), goerr.V("actual", len(vectors)))
		}
		for i, doc := range batch {
			doc.Embedding = vectors[i]
		}
		logger.Debug("embedded documents", "offset", start, "count", len(batch))
	}

	if reset {
		if err := r.repo.DeleteAllKnowledge(ctx); err != nil {
			return 0, goerr.Wrap(err, "failed to clear knowledge")
		}
		logger.Info("knowledge cleared")
	}

	if len(docs) == 0 {
		return 0, nil
	}
	if err := r.repo.PutKnowledge(ctx, docs); err != nil {
		return 0, goerr.Wrap(err, "failed to store documents", goerr.V("count", len(docs)))
	}

	logger.Info("knowledge seeded", "count", len(docs))
	return len(docs), nil
}
