package memory_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/repository"
	"github.com/m-mizutani/tavern/pkg/usecase/memory"
)

type mockGenerator struct {
	generateFunc func(ctx context.Context, input *interfaces.GenerateInput) (string, error)
	calls        []*interfaces.GenerateInput
}

func (m *mockGenerator) Generate(ctx context.Context, input *interfaces.GenerateInput) (string, error) {
	m.calls = append(m.calls, input)
	if m.generateFunc != nil {
		return m.generateFunc(ctx, input)
	}
	return "", errors.New("not implemented")
}

func (m *mockGenerator) GenerateStream(ctx context.Context, input *interfaces.GenerateInput) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", errors.New("not implemented"))
	}
}

// failingRepo fails every read of turns and summaries
type failingRepo struct {
	*repository.Memory
}

func (r *failingRepo) ListRecentTurns(ctx context.Context, key model.Key, limit int) ([]*model.ConversationTurn, error) {
	return nil, errors.New("deadline exceeded")
}

func (r *failingRepo) GetSummary(ctx context.Context, key model.Key) (*model.UserSummary, error) {
	return nil, errors.New("deadline exceeded")
}

func (r *failingRepo) AppendTurns(ctx context.Context, turns []*model.ConversationTurn) error {
	return errors.New("permission denied")
}

func stepClock() func() time.Time {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

var testKey = model.Key{UserID: "user-1", AgentID: "gom"}

func TestRecentIsChronological(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(repository.NewMemory(), &mockGenerator{}, memory.WithClock(stepClock()))

	for i := 0; i < 4; i++ {
		gt.NoError(t, mem.Append(ctx, testKey, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)))
	}

	turns, err := mem.Recent(ctx, testKey, 3)
	gt.NoError(t, err)
	gt.A(t, turns).Length(3)
	gt.Equal(t, turns[0].Content, "a2")
	gt.Equal(t, turns[1].Content, "q3")
	gt.Equal(t, turns[2].Content, "a3")
	gt.Equal(t, turns[1].Role, model.RoleUser)

	all, err := mem.Recent(ctx, testKey, 100)
	gt.NoError(t, err)
	gt.A(t, all).Length(8)
	for i := 1; i < len(all); i++ {
		gt.True(t, all[i-1].Seq < all[i].Seq)
	}

	none, err := mem.Recent(ctx, testKey, 0)
	gt.NoError(t, err)
	gt.A(t, none).Length(0)
}

func TestAppendSameInstant(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := memory.New(repository.NewMemory(), &mockGenerator{}, memory.WithClock(func() time.Time { return fixed }))

	gt.NoError(t, mem.Append(ctx, testKey, "hello", "welcome"))
	turns, err := mem.Recent(ctx, testKey, 2)
	gt.NoError(t, err)
	gt.Equal(t, turns[0].Role, model.RoleUser)
	gt.Equal(t, turns[1].Role, model.RoleAgent)
}

func TestRecentOrderWithClockSteppingBack(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := memory.New(repository.NewMemory(), &mockGenerator{}, memory.WithClock(func() time.Time {
		now = now.Add(-time.Second)
		return now
	}))

	gt.NoError(t, mem.Append(ctx, testKey, "q0", "a0"))
	gt.NoError(t, mem.Append(ctx, testKey, "q1", "a1"))

	turns, err := mem.Recent(ctx, testKey, 10)
	gt.NoError(t, err)
	gt.A(t, turns).Length(4)
	for i, want := range []string{"q0", "a0", "q1", "a1"} {
		gt.Equal(t, turns[i].Content, want)
	}
}

func TestSummaryAndReset(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(repository.NewMemory(), &mockGenerator{})

	summary, err := mem.Summary(ctx, testKey)
	gt.NoError(t, err)
	gt.Equal(t, summary, "")

	gt.NoError(t, mem.UpdateSummary(ctx, testKey, "the guest likes apples"))
	gt.NoError(t, mem.UpdateSummary(ctx, testKey, "the guest likes pears"))
	summary, err = mem.Summary(ctx, testKey)
	gt.NoError(t, err)
	gt.Equal(t, summary, "the guest likes pears")

	gt.NoError(t, mem.Append(ctx, testKey, "hi", "hello"))
	gt.NoError(t, mem.Reset(ctx, testKey))
	gt.NoError(t, mem.Reset(ctx, testKey))

	gt.True(t, mem.Context(ctx, testKey, 10).Empty())
	count, err := mem.Count(ctx, testKey)
	gt.NoError(t, err)
	gt.Equal(t, count, 0)
}

func TestContextDegrades(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(&failingRepo{Memory: repository.NewMemory()}, &mockGenerator{})

	c := mem.Context(ctx, testKey, 10)
	gt.True(t, c.Empty())

	_, err := mem.Recent(ctx, testKey, 10)
	gt.True(t, errors.Is(err, model.ErrMemoryUnavailable))

	err = mem.Append(ctx, testKey, "a", "b")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrStoreWriteFailure))
	gt.S(t, err.Error()).Contains("permission denied")
}

func TestShouldResummarize(t *testing.T) {
	tests := []struct {
		count int
		want  bool
	}{
		{0, false},
		{9, false},
		{10, true},
		{11, false},
		{19, false},
		{20, true},
		{30, true},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.count), func(t *testing.T) {
			gt.Equal(t, memory.ShouldResummarize(tc.count, memory.DefaultCadence), tc.want)
		})
	}
	gt.False(t, memory.ShouldResummarize(10, 0))
}

func TestMaybeResummarizeCadence(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gen := &mockGenerator{
		generateFunc: func(ctx context.Context, input *interfaces.GenerateInput) (string, error) {
			return fmt.Sprintf("summary #%d", strings.Count(input.UserMessage, "\n")+1), nil
		},
	}
	mem := memory.New(repo, gen, memory.WithClock(stepClock()))

	var triggeredAt []int
	for i := 1; i <= 15; i++ {
		gt.NoError(t, mem.Append(ctx, testKey, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)))
		if mem.MaybeResummarize(ctx, testKey, "Gom") {
			count, err := mem.Count(ctx, testKey)
			gt.NoError(t, err)
			triggeredAt = append(triggeredAt, count)
		}
	}

	// every append adds two turns, so counts 10, 20, 30 are reached
	gt.Equal(t, triggeredAt, []int{10, 20, 30})
	gt.A(t, gen.calls).Length(3)

	// window holds at most 20 turns
	last := gen.calls[2]
	gt.Equal(t, strings.Count(last.UserMessage, "\n")+1, memory.DefaultWindow)
	gt.True(t, strings.HasPrefix(last.UserMessage, "Guest: q6"))
	gt.True(t, strings.Contains(last.UserMessage, "Gom: a15"))

	// the previous summary is fed back
	gt.True(t, strings.Contains(last.SystemPrompt, "summary #20"))

	summary, err := mem.Summary(ctx, testKey)
	gt.NoError(t, err)
	gt.Equal(t, summary, "summary #20")
}

func TestMaybeResummarizeFailureKeepsSummary(t *testing.T) {
	ctx := context.Background()
	gen := &mockGenerator{
		generateFunc: func(ctx context.Context, input *interfaces.GenerateInput) (string, error) {
			return "", errors.New("quota exceeded")
		},
	}
	mem := memory.New(repository.NewMemory(), gen, memory.WithCadence(2))

	gt.NoError(t, mem.UpdateSummary(ctx, testKey, "old summary"))
	gt.NoError(t, mem.Append(ctx, testKey, "q", "a"))
	gt.False(t, mem.MaybeResummarize(ctx, testKey, "Gom"))
	gt.A(t, gen.calls).Length(1)

	summary, err := mem.Summary(ctx, testKey)
	gt.NoError(t, err)
	gt.Equal(t, summary, "old summary")
}

func TestMaybeResummarizeDiscardsAfterReset(t *testing.T) {
	ctx := context.Background()
	var mem *memory.Memory
	gen := &mockGenerator{
		generateFunc: func(ctx context.Context, input *interfaces.GenerateInput) (string, error) {
			// the conversation is reset while the summary is being written
			gt.NoError(t, mem.Reset(ctx, testKey))
			return "the guest wants rope", nil
		},
	}
	mem = memory.New(repository.NewMemory(), gen, memory.WithCadence(2))

	gt.NoError(t, mem.Append(ctx, testKey, "Any rope?", "Plenty."))
	gt.False(t, mem.MaybeResummarize(ctx, testKey, "Gom"))
	gt.A(t, gen.calls).Length(1)

	summary, err := mem.Summary(ctx, testKey)
	gt.NoError(t, err)
	gt.Equal(t, summary, "")
	gt.True(t, mem.Context(ctx, testKey, 10).Empty())
}

func TestFormatTranscript(t *testing.T) {
	turns := model.NewTurnPair(testKey, "Any bread left?", "Only rye today.", time.Now())
	gt.Equal(t, memory.FormatTranscript(turns, "Gom"), "Guest: Any bread left?\nGom: Only rye today.")
	gt.Equal(t, memory.FormatTranscript(nil, "Gom"), "")
}
