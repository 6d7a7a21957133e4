package adapter

import (
	"context"
	"encoding/json"
	"iter"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
)

// Claude implements interfaces.Generator with the Anthropic Messages API
type Claude struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

var _ interfaces.Generator = (*Claude)(nil)

type ClaudeOption func(*Claude)

func WithClaudeModel(model string) ClaudeOption {
	return func(c *Claude) {
		c.model = anthropic.Model(model)
	}
}

func WithClaudeMaxTokens(n int64) ClaudeOption {
	return func(c *Claude) {
		c.maxTokens = n
	}
}

// NewClaude creates a new Claude API client
func NewClaude(apiKey string, opts ...ClaudeOption) *Claude {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	c := &Claude{
		client:    &client,
		model:     anthropic.Model("claude-sonnet-4-20250514"),
		maxTokens: 1024,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Claude) params(input *interfaces.GenerateInput) (anthropic.MessageNewParams, error) {
	system := input.SystemPrompt
	if input.Schema != nil {
		// Messages API has no response schema; the constraint is stated in
		// the system prompt and validated by the caller.
		raw, err := json.Marshal(input.Schema)
		if err != nil {
			return anthropic.MessageNewParams{}, goerr.Wrap(err, "failed to marshal response schema")
		}
		system += "\n\nRespond with a single JSON object only, no prose, matching this JSON Schema:\n" + string(raw)
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(input.UserMessage)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params, nil
}

func (c *Claude) Generate(ctx context.Context, input *interfaces.GenerateInput) (string, error) {
	params, err := c.params(input)
	if err != nil {
		return "", err
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "failed to create message", goerr.V("model", c.model))
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", goerr.New("empty response from claude", goerr.V("model", c.model))
	}
	return b.String(), nil
}

func (c *Claude) GenerateStream(ctx context.Context, input *interfaces.GenerateInput) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params, err := c.params(input)
		if err != nil {
			yield("", err)
			return
		}

		stream := c.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			if !yield(text.Text, nil) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			yield("", goerr.Wrap(err, "failed to stream message", goerr.V("model", c.model)))
		}
	}
}
