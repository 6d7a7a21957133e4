package dialogue

import (
	"context"
	"log/slog"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/usecase/prompt"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
)

// Status is the relationship status of a key
type Status struct {
	HasMemory         bool                `json:"hasMemory"`
	Score             int                 `json:"score"`
	Level             model.AffinityLevel `json:"level"`
	FirstMeeting      bool                `json:"firstMeeting"`
	TotalInteractions int                 `json:"totalInteractions"`
}

// ResetResult reports which parts of a key were cleared
type ResetResult struct {
	MemoryReset   bool `json:"memoryReset"`
	AffinityReset bool `json:"affinityReset"`
}

// Status returns whether anything is remembered and the affinity state
func (o *Orchestrator) Status(ctx context.Context, userID string, agentID model.AgentID) (*Status, error) {
	key := model.Key{UserID: userID, AgentID: agentID}
	if err := key.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid conversation key", goerr.T(model.TagInvalidArgs))
	}
	if _, err := o.roster.Get(agentID); err != nil {
		return nil, err
	}

	count, err := o.memory.Count(ctx, key)
	if err != nil {
		return nil, err
	}
	summary, err := o.memory.Summary(ctx, key)
	if err != nil {
		return nil, err
	}
	state, err := o.affinity.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	return &Status{
		HasMemory:         count > 0 || summary != "",
		Score:             state.Score,
		Level:             state.Level,
		FirstMeeting:      state.FirstMeeting,
		TotalInteractions: state.TotalInteractions,
	}, nil
}

// Reset clears memory and affinity of a key. Each part is attempted even if
// the other fails.
func (o *Orchestrator) Reset(ctx context.Context, userID string, agentID model.AgentID) (*ResetResult, error) {
	key := model.Key{UserID: userID, AgentID: agentID}
	if err := key.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid conversation key", goerr.T(model.TagInvalidArgs))
	}
	if _, err := o.roster.Get(agentID); err != nil {
		return nil, err
	}

	logger := logging.From(ctx)
	var result ResetResult

	if err := o.memory.Reset(ctx, key); err != nil {
		logger.Error("failed to reset memory", slog.Any("error", err), "key", key.String())
	} else {
		result.MemoryReset = true
	}

	if err := o.affinity.Reset(ctx, key); err != nil {
		logger.Error("failed to reset affinity", slog.Any("error", err), "key", key.String())
	} else {
		result.AffinityReset = true
	}

	return &result, nil
}

// Info answers a canned topic of a knowledge agent from one category
func (o *Orchestrator) Info(ctx context.Context, userID string, agentID model.AgentID, category model.Category) (*Result, error) {
	key := model.Key{UserID: userID, AgentID: agentID}
	if err := key.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid conversation key", goerr.T(model.TagInvalidArgs))
	}

	agent, err := o.roster.Get(agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Level.HasRetrieval() {
		return nil, goerr.Wrap(model.ErrCapabilityMissing, "agent has no knowledge", goerr.V("agent", agentID))
	}
	topic, ok := agent.Topic(category)
	if !ok {
		return nil, goerr.Wrap(model.ErrCapabilityMissing, "agent has no topic for category",
			goerr.V("agent", agentID), goerr.V("category", category))
	}

	s := &session{agent: agent, key: key, message: topic.Query, phase: model.PhaseIdle}
	ctx = withTurnLogger(ctx, s)

	s.transition(ctx, model.PhaseContextGathering)
	docs, err := o.retriever.Info(ctx, category, topic.Query)
	if err != nil {
		logging.From(ctx).Warn("topic knowledge unavailable", slog.Any("error", err), "category", category)
	}

	p, err := prompt.NewBuilder(agent).WithKnowledge(docs).WithUserMessage(topic.Query).Build()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to compose prompt")
	}

	s.transition(ctx, model.PhaseGenerating)
	response, err := o.generator.Generate(ctx, &interfaces.GenerateInput{SystemPrompt: p.System, UserMessage: p.User})
	if err == nil && strings.TrimSpace(response) == "" {
		err = goerr.New("empty response")
	}
	if err != nil {
		s.transition(ctx, model.PhaseFailed)
		return nil, generationFailure(err, s)
	}

	s.transition(ctx, model.PhaseDone)
	return &Result{Response: response}, nil
}
