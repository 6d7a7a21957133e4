package dialogue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/usecase/affinity"
	"github.com/m-mizutani/tavern/pkg/usecase/knowledge"
	"github.com/m-mizutani/tavern/pkg/usecase/memory"
	"github.com/m-mizutani/tavern/pkg/usecase/prompt"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFinalizeTimeout = 30 * time.Second

	defaultOpening = "(A guest has just walked in. Greet them.)"
)

// Roster resolves agent definitions
type Roster interface {
	Get(id model.AgentID) (*model.Agent, error)
}

// Orchestrator runs the per-turn control loop: gather context, generate,
// persist, and re-score the relationship.
type Orchestrator struct {
	roster    Roster
	generator interfaces.Generator
	retriever *knowledge.Retriever
	memory    *memory.Memory
	affinity  *affinity.Service

	recentLimit     int
	finalizeTimeout time.Duration

	// background tracks summary regeneration started after a turn
	background sync.WaitGroup
}

// Option is a functional option for Orchestrator
type Option func(*Orchestrator)

// WithRecentLimit sets how many recent turns are replayed into the prompt
func WithRecentLimit(n int) Option {
	return func(o *Orchestrator) {
		o.recentLimit = n
	}
}

// WithFinalizeTimeout bounds the persistence work after generation
func WithFinalizeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.finalizeTimeout = d
	}
}

// New creates a new Orchestrator
func New(
	roster Roster,
	generator interfaces.Generator,
	retriever *knowledge.Retriever,
	mem *memory.Memory,
	aff *affinity.Service,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		roster:          roster,
		generator:       generator,
		retriever:       retriever,
		memory:          mem,
		affinity:        aff,
		recentLimit:     memory.DefaultRecentLimit,
		finalizeTimeout: DefaultFinalizeTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until background summary regeneration has finished
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// Request is one user message to an agent
type Request struct {
	UserID  string        `json:"userId"`
	AgentID model.AgentID `json:"agentId"`
	Message string        `json:"message"`
}

// Result is a completed turn
type Result struct {
	Response string                `json:"response"`
	Affinity *model.AffinityChange `json:"affinity,omitempty"`
}

// session is the ephemeral state of one turn
type session struct {
	agent   *model.Agent
	key     model.Key
	message string
	opening bool
	phase   model.Phase

	affinity  *model.AffinityState
	memory    *memory.Context
	knowledge []*model.KnowledgeDocument
}

func (o *Orchestrator) newSession(userID string, agentID model.AgentID, message string, opening bool) (*session, error) {
	key := model.Key{UserID: userID, AgentID: agentID}
	if err := key.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid conversation key", goerr.T(model.TagInvalidArgs))
	}

	agent, err := o.roster.Get(agentID)
	if err != nil {
		return nil, err
	}

	if opening {
		if !agent.Level.CanStart() {
			return nil, goerr.Wrap(model.ErrCapabilityMissing, "agent cannot start a conversation",
				goerr.V("agent", agentID), goerr.V("level", int(agent.Level)))
		}
		message = agent.Opening
		if message == "" {
			message = defaultOpening
		}
	} else if strings.TrimSpace(message) == "" {
		return nil, goerr.Wrap(model.ErrEmptyMessage, "message is empty", goerr.V("key", key))
	}

	return &session{
		agent:   agent,
		key:     key,
		message: message,
		opening: opening,
		phase:   model.PhaseIdle,
	}, nil
}

// withTurnLogger attaches the turn attributes once per turn
func withTurnLogger(ctx context.Context, s *session) context.Context {
	logger := logging.From(ctx).With(
		"user_id", s.key.UserID,
		"agent_id", s.key.AgentID,
		"level", int(s.agent.Level),
	)
	return logging.With(ctx, logger)
}

func (s *session) transition(ctx context.Context, next model.Phase) {
	logging.From(ctx).Debug("turn phase", "from", s.phase, "to", next)
	s.phase = next
}

// gather fetches memory, knowledge and affinity concurrently. Each fetch
// absorbs its own failure.
func (o *Orchestrator) gather(ctx context.Context, s *session) {
	s.transition(ctx, model.PhaseContextGathering)
	level := s.agent.Level

	var eg errgroup.Group
	if level.HasMemory() {
		eg.Go(func() error {
			s.memory = o.memory.Context(ctx, s.key, o.recentLimit)
			return nil
		})
	}
	if level.HasRetrieval() && !s.opening {
		eg.Go(func() error {
			s.knowledge = o.retriever.Context(ctx, s.message)
			return nil
		})
	}
	if level.HasAffinity() {
		eg.Go(func() error {
			state, err := o.affinity.Get(ctx, s.key)
			if err != nil {
				logging.From(ctx).Warn("affinity unavailable", slog.Any("error", err))
				return nil
			}
			s.affinity = state
			return nil
		})
	}
	_ = eg.Wait()

	// an unreadable record is treated as a first meeting
	if level.HasAffinity() && s.affinity == nil {
		s.affinity = model.NewAffinityState(nil)
	}
}

func (o *Orchestrator) compose(s *session) (*interfaces.GenerateInput, error) {
	p, err := prompt.NewBuilder(s.agent).
		WithAffinity(s.affinity).
		WithMemory(s.memory).
		WithKnowledge(s.knowledge).
		WithUserMessage(s.message).
		Build()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to compose prompt")
	}
	return &interfaces.GenerateInput{SystemPrompt: p.System, UserMessage: p.User}, nil
}

// finalize persists a completed turn and re-scores the relationship. It runs
// detached from the caller so a disconnect does not abort the writes.
func (o *Orchestrator) finalize(ctx context.Context, s *session, response string) *model.AffinityChange {
	s.transition(ctx, model.PhaseFinalizing)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.finalizeTimeout)
	defer cancel()
	logger := logging.From(ctx)
	level := s.agent.Level

	if level.HasMemory() {
		if err := o.memory.Append(fctx, s.key, s.message, response); err != nil {
			logger.Error("failed to persist turn", slog.Any("error", err))
		} else {
			o.resummarize(ctx, s)
		}
	}

	if !level.HasAffinity() {
		return nil
	}
	if s.opening {
		return model.UnchangedAffinity(s.affinity)
	}

	change, err := o.affinity.Score(fctx, s.key, s.agent.Name, s.affinity, s.message)
	if err != nil {
		logger.Error("failed to update affinity", slog.Any("error", err))
		return model.UnchangedAffinity(s.affinity)
	}
	return change
}

// resummarize regenerates the summary in the background when due
func (o *Orchestrator) resummarize(ctx context.Context, s *session) {
	bctx := context.WithoutCancel(ctx)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(bctx, o.finalizeTimeout)
		defer cancel()
		o.memory.MaybeResummarize(ctx, s.key, s.agent.Name)
	}()
}

func generationFailure(err error, s *session) error {
	return model.ErrGenerationFailure.Wrap(err, goerr.V("key", s.key))
}

// Submit runs one turn without streaming
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Result, error) {
	s, err := o.newSession(req.UserID, req.AgentID, req.Message, false)
	if err != nil {
		return nil, err
	}
	return o.complete(withTurnLogger(ctx, s), s)
}

// Start runs the opening trigger path without streaming
func (o *Orchestrator) Start(ctx context.Context, userID string, agentID model.AgentID) (*Result, error) {
	s, err := o.newSession(userID, agentID, "", true)
	if err != nil {
		return nil, err
	}
	return o.complete(withTurnLogger(ctx, s), s)
}

func (o *Orchestrator) complete(ctx context.Context, s *session) (*Result, error) {
	o.gather(ctx, s)

	input, err := o.compose(s)
	if err != nil {
		s.transition(ctx, model.PhaseFailed)
		return nil, err
	}

	s.transition(ctx, model.PhaseGenerating)
	response, err := o.generator.Generate(ctx, input)
	if err == nil && strings.TrimSpace(response) == "" {
		err = goerr.New("empty response")
	}
	if err != nil {
		s.transition(ctx, model.PhaseFailed)
		return nil, generationFailure(err, s)
	}

	change := o.finalize(ctx, s, response)
	s.transition(ctx, model.PhaseDone)

	return &Result{Response: response, Affinity: change}, nil
}
