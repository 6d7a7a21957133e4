package affinity

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
)

//go:embed prompt/analyze.md
var analyzePromptRaw string

var analyzePrompt = template.Must(template.New("analyze").Parse(analyzePromptRaw))

// Analysis is the outcome of scoring one user message
type Analysis struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// analysisSchema is the response schema of the analysis call
var analysisSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"delta": {
			Type:        "integer",
			Description: "Signed change of the relationship score",
		},
		"reason": {
			Type:        "string",
			Description: "One short sentence explaining the change",
		},
	},
	Required: []string{"delta", "reason"},
}

var resolvedAnalysisSchema = mustResolve(analysisSchema)

func mustResolve(s *jsonschema.Schema) *jsonschema.Resolved {
	resolved, err := s.Resolve(nil)
	if err != nil {
		panic(err)
	}
	return resolved
}

type analyzeInput struct {
	AgentName string
	Level     model.AffinityLevel
	Score     int
	Content   []Points
	Tone      []Points
	MinDelta  int
	MaxDelta  int
}

func renderAnalyzePrompt(agentName string, state *model.AffinityState, rules *Rules) (string, error) {
	var buf bytes.Buffer
	err := analyzePrompt.Execute(&buf, analyzeInput{
		AgentName: agentName,
		Level:     state.Level,
		Score:     state.Score,
		Content:   rules.ContentPoints(),
		Tone:      rules.TonePoints(),
		MinDelta:  rules.MinDelta,
		MaxDelta:  rules.MaxDelta,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to render analyze prompt")
	}
	return buf.String(), nil
}

// parseAnalysis decodes and validates the analysis output
func parseAnalysis(output string) (*Analysis, error) {
	text := stripCodeFence(output)

	var instance any
	if err := json.Unmarshal([]byte(text), &instance); err != nil {
		return nil, model.ErrAnalysisUnparseable.Wrap(goerr.Wrap(err, "analysis is not JSON"),
			goerr.V("output", output))
	}
	if err := resolvedAnalysisSchema.Validate(instance); err != nil {
		return nil, model.ErrAnalysisUnparseable.Wrap(goerr.Wrap(err, "analysis does not match schema"),
			goerr.V("output", output))
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(text), &analysis); err != nil {
		return nil, model.ErrAnalysisUnparseable.Wrap(goerr.Wrap(err, "failed to decode analysis"),
			goerr.V("output", output))
	}
	return &analysis, nil
}

// stripCodeFence removes a markdown code fence some models wrap JSON in
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func (s *Service) analyze(ctx context.Context, agentName string, state *model.AffinityState, message string) (*Analysis, error) {
	rules, err := s.policy.Rules(ctx, state.Level)
	if err != nil {
		return nil, err
	}

	system, err := renderAnalyzePrompt(agentName, state, rules)
	if err != nil {
		return nil, err
	}

	output, err := s.generator.Generate(ctx, &interfaces.GenerateInput{
		SystemPrompt: system,
		UserMessage:  message,
		Schema:       analysisSchema,
	})
	if err != nil {
		return nil, model.ErrAnalysisUnparseable.Wrap(err)
	}

	analysis, err := parseAnalysis(output)
	if err != nil {
		return nil, err
	}

	analysis.Delta = rules.Clamp(analysis.Delta)
	return analysis, nil
}
