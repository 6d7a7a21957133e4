package adapter

import (
	"context"
	"iter"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"google.golang.org/genai"
)

// Gemini implements interfaces.Generator and interfaces.Embedder with the
// Gemini API (Vertex AI or API key backend).
type Gemini struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	dimensionality  int32
}

var (
	_ interfaces.Generator = (*Gemini)(nil)
	_ interfaces.Embedder  = (*Gemini)(nil)
)

type GeminiOption func(*Gemini)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *Gemini) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *Gemini) {
		g.embeddingModel = model
	}
}

// WithEmbeddingDimensionality sets the output vector size. It must match the
// dimension of the seeded knowledge vectors.
func WithEmbeddingDimensionality(dim int32) GeminiOption {
	return func(g *Gemini) {
		g.dimensionality = dim
	}
}

// NewGemini creates a Vertex AI backed client
func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*Gemini, error) {
	return newGemini(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	}, opts...)
}

// NewGeminiWithAPIKey creates a Gemini Developer API backed client
func NewGeminiWithAPIKey(ctx context.Context, apiKey string, opts ...GeminiOption) (*Gemini, error) {
	return newGemini(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}, opts...)
}

func newGemini(ctx context.Context, cfg *genai.ClientConfig, opts ...GeminiOption) (*Gemini, error) {
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &Gemini{
		client:          client,
		generativeModel: "gemini-2.5-flash",
		embeddingModel:  "gemini-embedding-001",
		dimensionality:  768,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *Gemini) config(input *interfaces.GenerateInput) (*genai.GenerateContentConfig, error) {
	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}
	if input.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(input.SystemPrompt, "")
	}

	if input.Schema != nil {
		schema, err := convertJSONSchemaToGenai(input.Schema)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert response schema")
		}
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = schema
	}

	return config, nil
}

func (g *Gemini) Generate(ctx context.Context, input *interfaces.GenerateInput) (string, error) {
	config, err := g.config(input)
	if err != nil {
		return "", err
	}

	contents := []*genai.Content{genai.NewContentFromText(input.UserMessage, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate content", goerr.V("model", g.generativeModel))
	}

	text := responseText(resp)
	if text == "" {
		return "", goerr.New("empty response from gemini", goerr.V("model", g.generativeModel))
	}
	return text, nil
}

func (g *Gemini) GenerateStream(ctx context.Context, input *interfaces.GenerateInput) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		config, err := g.config(input)
		if err != nil {
			yield("", err)
			return
		}

		contents := []*genai.Content{genai.NewContentFromText(input.UserMessage, genai.RoleUser)}
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.generativeModel, contents, config) {
			if err != nil {
				yield("", goerr.Wrap(err, "failed to stream content", goerr.V("model", g.generativeModel)))
				return
			}

			text := responseText(resp)
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

func (g *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &g.dimensionality,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content", goerr.V("model", g.embeddingModel))
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, goerr.New("embedding count mismatch",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(resp.Embeddings)))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		vectors[i] = e.Values
	}
	return vectors, nil
}

// responseText concatenates the text parts of the first candidate, skipping
// thought parts.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
