package memory

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
)

const (
	DefaultCadence     = 10
	DefaultWindow      = 20
	DefaultRecentLimit = 10

	guestLabel = "Guest"
)

// Memory is the per (user, agent) turn log with its rolling summary.
type Memory struct {
	repo      interfaces.Repository
	generator interfaces.Generator
	cadence   int
	window    int
	now       func() time.Time
}

// Option is a functional option for Memory
type Option func(*Memory)

// WithCadence sets the number of stored turns between summary regenerations
func WithCadence(n int) Option {
	return func(m *Memory) {
		m.cadence = n
	}
}

// WithWindow sets how many recent turns are fed to the summarizer
func WithWindow(n int) Option {
	return func(m *Memory) {
		m.window = n
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		m.now = now
	}
}

// New creates a new Memory
func New(repo interfaces.Repository, generator interfaces.Generator, opts ...Option) *Memory {
	m := &Memory{
		repo:      repo,
		generator: generator,
		cadence:   DefaultCadence,
		window:    DefaultWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context is what memory contributes to a prompt
type Context struct {
	Summary string
	Turns   []*model.ConversationTurn
}

// Empty reports whether there is nothing to remember
func (c *Context) Empty() bool {
	return c == nil || (c.Summary == "" && len(c.Turns) == 0)
}

// Append records the user turn and then the agent turn as one atomic write.
func (m *Memory) Append(ctx context.Context, key model.Key, userText, agentText string) error {
	if err := key.Validate(); err != nil {
		return goerr.Wrap(err, "invalid key", goerr.T(model.TagInvalidArgs))
	}

	turns := model.NewTurnPair(key, userText, agentText, m.now())
	if err := m.repo.AppendTurns(ctx, turns); err != nil {
		return model.ErrStoreWriteFailure.Wrap(err, goerr.V("key", key))
	}
	return nil
}

// Recent returns the last limit turns in chronological order.
func (m *Memory) Recent(ctx context.Context, key model.Key, limit int) ([]*model.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}

	turns, err := m.repo.ListRecentTurns(ctx, key, limit)
	if err != nil {
		return nil, model.ErrMemoryUnavailable.Wrap(err, goerr.V("key", key))
	}

	// stores return newest first; callers always get oldest first
	slices.SortStableFunc(turns, func(a, b *model.ConversationTurn) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// Summary returns the current summary text, or "" when none exists.
func (m *Memory) Summary(ctx context.Context, key model.Key) (string, error) {
	summary, err := m.repo.GetSummary(ctx, key)
	if err != nil {
		return "", model.ErrMemoryUnavailable.Wrap(err, goerr.V("key", key))
	}
	if summary == nil {
		return "", nil
	}
	return summary.Text, nil
}

// UpdateSummary overwrites the summary of the key
func (m *Memory) UpdateSummary(ctx context.Context, key model.Key, text string) error {
	return m.putSummary(ctx, key, text, "")
}

func (m *Memory) putSummary(ctx context.Context, key model.Key, text string, through model.TurnID) error {
	summary := &model.UserSummary{
		UserID:        key.UserID,
		AgentID:       key.AgentID,
		Text:          text,
		UpdatedAt:     m.now(),
		ThroughTurnID: through,
	}
	if err := m.repo.PutSummary(ctx, summary); err != nil {
		return model.ErrStoreWriteFailure.Wrap(err, goerr.V("key", key))
	}
	return nil
}

// Count returns the number of stored turns of the key
func (m *Memory) Count(ctx context.Context, key model.Key) (int, error) {
	n, err := m.repo.CountTurns(ctx, key)
	if err != nil {
		return 0, model.ErrMemoryUnavailable.Wrap(err, goerr.V("key", key))
	}
	return n, nil
}

// Reset deletes every turn and the summary of the key. Resetting a key with
// nothing stored succeeds.
func (m *Memory) Reset(ctx context.Context, key model.Key) error {
	if err := m.repo.DeleteTurns(ctx, key); err != nil {
		return goerr.Wrap(err, "failed to delete turns", goerr.V("key", key))
	}
	if err := m.repo.DeleteSummary(ctx, key); err != nil {
		return goerr.Wrap(err, "failed to delete summary", goerr.V("key", key))
	}
	return nil
}

// Context loads the summary and the recent turns. Failures degrade to an
// empty part and are logged.
func (m *Memory) Context(ctx context.Context, key model.Key, limit int) *Context {
	logger := logging.From(ctx)
	var result Context

	summary, err := m.Summary(ctx, key)
	if err != nil {
		logger.Warn("summary unavailable", slog.Any("error", err))
	} else {
		result.Summary = summary
	}

	turns, err := m.Recent(ctx, key, limit)
	if err != nil {
		logger.Warn("recent turns unavailable", slog.Any("error", err))
	} else {
		result.Turns = turns
	}

	return &result
}

// ShouldResummarize reports whether count stored turns is a regeneration point
func ShouldResummarize(count, cadence int) bool {
	return cadence > 0 && count > 0 && count%cadence == 0
}

// FormatTranscript renders turns as "Guest: ..." and "<agent name>: ..." lines
func FormatTranscript(turns []*model.ConversationTurn, agentName string) string {
	var b strings.Builder
	for _, turn := range turns {
		switch turn.Role {
		case model.RoleUser:
			b.WriteString(guestLabel)
		default:
			b.WriteString(agentName)
		}
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
