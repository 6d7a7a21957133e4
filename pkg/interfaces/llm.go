package interfaces

import (
	"context"
	"iter"

	"github.com/google/jsonschema-go/jsonschema"
)

// GenerateInput is one generation request
type GenerateInput struct {
	SystemPrompt string
	UserMessage  string

	// Schema constrains the response to a JSON document when set
	Schema *jsonschema.Schema
}

// Generator is the text generation capability
type Generator interface {
	// Generate returns the completed response text
	Generate(ctx context.Context, input *GenerateInput) (string, error)

	// GenerateStream yields text increments as they arrive. A non-nil error
	// ends the sequence.
	GenerateStream(ctx context.Context, input *GenerateInput) iter.Seq2[string, error]
}

// Embedder is the embedding capability. It returns one fixed-dimension
// vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
