package memory

import (
	"bytes"
	"context"
	"errors"
	_ "embed"
	"log/slog"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
)

//go:embed prompt/summarize.md
var summarizePromptRaw string

var summarizePrompt = template.Must(template.New("summarize").Parse(summarizePromptRaw))

type summarizeInput struct {
	AgentName string
	Previous  string
}

// MaybeResummarize regenerates the summary when the stored turn count is a
// positive multiple of the cadence. It reports whether a new summary was
// stored. Failures leave the previous summary untouched.
func (m *Memory) MaybeResummarize(ctx context.Context, key model.Key, agentName string) bool {
	logger := logging.From(ctx)

	count, err := m.Count(ctx, key)
	if err != nil {
		logger.Warn("skip summary regeneration", slog.Any("error", err))
		return false
	}
	if !ShouldResummarize(count, m.cadence) {
		return false
	}

	text, through, err := m.summarize(ctx, key, agentName)
	if err != nil {
		logger.Warn("failed to regenerate summary", slog.Any("error", err), "turns", count)
		return false
	}

	// the key may have been reset while the summary was generated
	if err := m.putSummary(ctx, key, text, through); err != nil {
		if errors.Is(err, model.ErrSummaryStale) {
			logger.Debug("discard summary of reset conversation", "turns", count)
			return false
		}
		logger.Warn("failed to store summary", slog.Any("error", err))
		return false
	}

	logger.Debug("summary regenerated", "turns", count)
	return true
}

// summarize returns the new summary text and the newest turn it covers
func (m *Memory) summarize(ctx context.Context, key model.Key, agentName string) (string, model.TurnID, error) {
	previous, err := m.Summary(ctx, key)
	if err != nil {
		return "", "", err
	}
	turns, err := m.Recent(ctx, key, m.window)
	if err != nil {
		return "", "", err
	}
	if len(turns) == 0 {
		return "", "", goerr.New("no turns to summarize", goerr.V("key", key))
	}

	var buf bytes.Buffer
	if err := summarizePrompt.Execute(&buf, summarizeInput{AgentName: agentName, Previous: previous}); err != nil {
		return "", "", goerr.Wrap(err, "failed to render summarize prompt")
	}

	resp, err := m.generator.Generate(ctx, &interfaces.GenerateInput{
		SystemPrompt: buf.String(),
		UserMessage:  FormatTranscript(turns, agentName),
	})
	if err != nil {
		return "", "", goerr.Wrap(err, "failed to generate summary", goerr.V("key", key))
	}

	text := strings.TrimSpace(resp)
	if text == "" {
		return "", "", goerr.New("empty summary generated", goerr.V("key", key))
	}
	return text, turns[len(turns)-1].ID, nil
}
