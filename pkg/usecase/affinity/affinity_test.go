package affinity_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/repository"
	"github.com/m-mizutani/tavern/pkg/usecase/affinity"
)

type mockGenerator struct {
	generateFunc func(ctx context.Context, input *interfaces.GenerateInput) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, input *interfaces.GenerateInput) (string, error) {
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

func respond(output string) *mockGenerator {
	return &mockGenerator{
		generateFunc: func(ctx context.Context, input *interfaces.GenerateInput) (string, error) {
			return output, nil
		},
	}
}

// scoringGenerator classifies messages by keyword and scores them with the
// point table it reads back from the rendered prompt.
func scoringGenerator(t *testing.T) *mockGenerator {
	return &mockGenerator{
		generateFunc: func(ctx context.Context, input *interfaces.GenerateInput) (string, error) {
			gt.V(t, input.Schema).NotNil()

			points := func(name string) int {
				re := regexp.MustCompile(`(?m)^- ` + name + `: (-?\d+)$`)
				m := re.FindStringSubmatch(input.SystemPrompt)
				if m == nil {
					t.Fatalf("prompt has no points for %s:\n%s", name, input.SystemPrompt)
				}
				v, _ := strconv.Atoi(m[1])
				return v
			}

			msg := strings.ToLower(input.UserMessage)
			category := "neutral"
			switch {
			case strings.Contains(msg, "thank"):
				category = "gratitude"
			case strings.Contains(msg, "whatever"):
				category = "dismissive"
			}
			tone := "casual"
			if strings.Contains(msg, "please") || strings.Contains(msg, "very") {
				tone = "formal"
			}

			delta := points(category) + points(tone)
			return fmt.Sprintf(`{"delta": %d, "reason": "%s, %s"}`, delta, category, tone), nil
		},
	}
}

var testKey = model.Key{UserID: "user-1", AgentID: "byeol"}

func newPolicy(t *testing.T) *affinity.Policy {
	policy, err := affinity.NewPolicy(context.Background())
	gt.NoError(t, err)
	return policy
}

func TestPolicyRules(t *testing.T) {
	ctx := context.Background()
	policy := newPolicy(t)

	tests := []struct {
		level    model.AffinityLevel
		formal   int
		casual   int
		minDelta int
		maxDelta int
	}{
		{model.LevelStranger, 1, -2, -5, 4},
		{model.LevelAcquaintance, 0, -1, -4, 3},
		{model.LevelFriend, 0, 0, -3, 3},
		{model.LevelCloseFriend, 0, 0, -3, 3},
	}
	for _, tc := range tests {
		t.Run(string(tc.level), func(t *testing.T) {
			rules, err := policy.Rules(ctx, tc.level)
			gt.NoError(t, err)
			gt.Equal(t, rules.Tone["formal"], tc.formal)
			gt.Equal(t, rules.Tone["casual"], tc.casual)
			gt.Equal(t, rules.MinDelta, tc.minDelta)
			gt.Equal(t, rules.MaxDelta, tc.maxDelta)
			gt.Equal(t, rules.Content["gratitude"], 3)
			gt.Equal(t, rules.Content["insult"], -3)
		})
	}

	_, err := policy.Rules(ctx, model.AffinityLevel("enemy"))
	gt.Error(t, err)
}

func TestLoadPolicyOverride(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := `package tavern.affinity

decision := {
	"content": {"greeting": 5, "insult": -10},
	"tone": {"formal": 2, "casual": -1},
	"min_delta": -11,
	"max_delta": 7,
}
`
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "custom.rego"), []byte(src), 0o600))

	policy, err := affinity.LoadPolicy(ctx, dir)
	gt.NoError(t, err)
	rules, err := policy.Rules(ctx, model.LevelFriend)
	gt.NoError(t, err)
	gt.Equal(t, rules.Content["greeting"], 5)
	gt.Equal(t, rules.MaxDelta, 7)
	gt.Equal(t, rules.Clamp(100), 7)
	gt.Equal(t, rules.Clamp(-100), -11)

	t.Run("empty dir uses default", func(t *testing.T) {
		policy, err := affinity.LoadPolicy(ctx, t.TempDir())
		gt.NoError(t, err)
		rules, err := policy.Rules(ctx, model.LevelStranger)
		gt.NoError(t, err)
		gt.Equal(t, rules.MaxDelta, 4)
	})

	t.Run("broken policy", func(t *testing.T) {
		dir := t.TempDir()
		gt.NoError(t, os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package tavern.affinity\n\ndecision := {"), 0o600))
		_, err := affinity.LoadPolicy(ctx, dir)
		gt.Error(t, err)
	})
}

func TestToneDependsOnLevel(t *testing.T) {
	ctx := context.Background()
	svc := affinity.New(repository.NewMemory(), scoringGenerator(t), newPolicy(t))

	stranger := model.NewAffinityState(&model.AffinityRecord{Score: 10})

	formal, err := svc.Analyze(ctx, "Byeol", stranger, "Thank you, that's very helpful")
	gt.NoError(t, err)
	gt.True(t, formal.Delta > 0)

	dismissive, err := svc.Analyze(ctx, "Byeol", stranger, "whatever, thanks")
	gt.NoError(t, err)
	gt.True(t, dismissive.Delta < formal.Delta)

	friend := model.NewAffinityState(&model.AffinityRecord{Score: 60})
	casualAtFriend, err := svc.Analyze(ctx, "Byeol", friend, "thanks")
	gt.NoError(t, err)
	casualAtStranger, err := svc.Analyze(ctx, "Byeol", stranger, "thanks")
	gt.NoError(t, err)
	gt.True(t, casualAtFriend.Delta > casualAtStranger.Delta)
}

func TestAnalyzeDegradesToZero(t *testing.T) {
	ctx := context.Background()
	state := model.NewAffinityState(nil)

	tests := map[string]*mockGenerator{
		"not json":         respond("I think the guest was nice."),
		"missing delta":    respond(`{"reason": "nice"}`),
		"delta not number": respond(`{"delta": "three", "reason": "nice"}`),
		"fractional delta": respond(`{"delta": 1.5, "reason": "nice"}`),
		"generation error": {
			generateFunc: func(ctx context.Context, input *interfaces.GenerateInput) (string, error) {
				return "", errors.New("quota exceeded")
			},
		},
	}

	for name, gen := range tests {
		t.Run(name, func(t *testing.T) {
			svc := affinity.New(repository.NewMemory(), gen, newPolicy(t))
			analysis, err := svc.Analyze(ctx, "Byeol", state, "hello")
			gt.Error(t, err)
			gt.True(t, errors.Is(err, model.ErrAnalysisUnparseable))
			gt.V(t, analysis).NotNil()
			gt.Equal(t, analysis.Delta, 0)
		})
	}
}

func TestAnalyzeClampsToPolicyBounds(t *testing.T) {
	ctx := context.Background()
	svc := affinity.New(repository.NewMemory(), respond("```json\n{\"delta\": 40, \"reason\": \"adores\"}\n```"), newPolicy(t))

	analysis, err := svc.Analyze(ctx, "Byeol", model.NewAffinityState(nil), "I love you")
	gt.NoError(t, err)
	gt.Equal(t, analysis.Delta, 4)
	gt.Equal(t, analysis.Reason, "adores")
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	svc := affinity.New(repo, &mockGenerator{}, newPolicy(t))

	state, err := svc.Get(ctx, testKey)
	gt.NoError(t, err)
	gt.True(t, state.FirstMeeting)
	gt.Equal(t, state.Level, model.LevelStranger)

	change, err := svc.Apply(ctx, testKey, -3, "rude")
	gt.NoError(t, err)
	gt.Equal(t, change.NewScore, 0)
	gt.False(t, change.Changed)

	// an explicit zero record is no longer a first meeting
	state, err = svc.Get(ctx, testKey)
	gt.NoError(t, err)
	gt.False(t, state.FirstMeeting)
	gt.Equal(t, state.Score, 0)
	gt.Equal(t, state.TotalInteractions, 1)

	gt.NoError(t, repo.DeleteAffinity(ctx, testKey))
	_, err = repo.UpdateAffinity(ctx, testKey, func(*model.AffinityRecord) (*model.AffinityRecord, error) {
		return &model.AffinityRecord{UserID: testKey.UserID, AgentID: testKey.AgentID, Score: 24}, nil
	})
	gt.NoError(t, err)

	change, err = svc.Apply(ctx, testKey, 3, "kind")
	gt.NoError(t, err)
	gt.Equal(t, change.OldScore, 24)
	gt.Equal(t, change.NewScore, 27)
	gt.Equal(t, change.NewLevel, model.LevelAcquaintance)
	gt.True(t, change.Changed)
	gt.Equal(t, change.Reason, "kind")

	gt.NoError(t, svc.Reset(ctx, testKey))
	gt.NoError(t, svc.Reset(ctx, testKey))
	state, err = svc.Get(ctx, testKey)
	gt.NoError(t, err)
	gt.True(t, state.FirstMeeting)
}

func TestApplyConcurrentNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	svc := affinity.New(repository.NewMemory(), &mockGenerator{}, newPolicy(t))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Apply(ctx, testKey, 2, ""); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	state, err := svc.Get(ctx, testKey)
	gt.NoError(t, err)
	gt.Equal(t, state.Score, 60)
	gt.Equal(t, state.TotalInteractions, 30)
}

func TestScoreCountsUnparseableInteraction(t *testing.T) {
	ctx := context.Background()
	svc := affinity.New(repository.NewMemory(), respond("not json"), newPolicy(t))

	change, err := svc.Score(ctx, testKey, "Byeol", model.NewAffinityState(nil), "hi")
	gt.NoError(t, err)
	gt.Equal(t, change.Delta, 0)
	gt.False(t, change.Changed)

	state, err := svc.Get(ctx, testKey)
	gt.NoError(t, err)
	gt.Equal(t, state.TotalInteractions, 1)
}

func TestStripCodeFence(t *testing.T) {
	gt.Equal(t, affinity.StripCodeFence("```json\n{\"a\":1}\n```"), `{"a":1}`)
	gt.Equal(t, affinity.StripCodeFence("  {\"a\":1} "), `{"a":1}`)

	analysis, err := affinity.ParseAnalysis(`{"delta": -2, "reason": "curt"}`)
	gt.NoError(t, err)
	gt.Equal(t, analysis.Delta, -2)
	gt.Equal(t, affinity.AnalysisSchema.Required, []string{"delta", "reason"})
}
