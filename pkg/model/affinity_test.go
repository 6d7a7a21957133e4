package model_test

import (
	"math/rand"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tavern/pkg/model"
)

func TestLevelOf(t *testing.T) {
	testCases := []struct {
		score    int
		expected model.AffinityLevel
	}{
		{0, model.LevelStranger},
		{25, model.LevelStranger},
		{26, model.LevelAcquaintance},
		{50, model.LevelAcquaintance},
		{51, model.LevelFriend},
		{75, model.LevelFriend},
		{76, model.LevelCloseFriend},
		{100, model.LevelCloseFriend},
	}

	for _, tc := range testCases {
		gt.Equal(t, model.LevelOf(tc.score), tc.expected)
	}
}

func TestLevelOfIsMonotonic(t *testing.T) {
	prev := model.LevelOf(0).Rank()
	for score := 1; score <= 100; score++ {
		rank := model.LevelOf(score).Rank()
		if rank < prev {
			t.Fatalf("level rank decreased at score %d: %d -> %d", score, prev, rank)
		}
		prev = rank
	}
}

func TestClampScoreStaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	score := 0
	for i := 0; i < 10000; i++ {
		delta := rng.Intn(41) - 20
		score = model.ClampScore(score + delta)
		if score < model.MinAffinityScore || score > model.MaxAffinityScore {
			t.Fatalf("score out of range after %d updates: %d", i, score)
		}
	}

	gt.Equal(t, model.ClampScore(-5), 0)
	gt.Equal(t, model.ClampScore(105), 100)
	gt.Equal(t, model.ClampScore(42), 42)
}

func TestNewAffinityChange(t *testing.T) {
	t.Run("crossing a band is a transition", func(t *testing.T) {
		c := model.NewAffinityChange(24, 3, "thanked")
		gt.Equal(t, c.NewScore, 27)
		gt.Equal(t, c.OldLevel, model.LevelStranger)
		gt.Equal(t, c.NewLevel, model.LevelAcquaintance)
		gt.True(t, c.Changed)
		gt.Equal(t, c.Reason, "thanked")
	})

	t.Run("same band is not a transition", func(t *testing.T) {
		c := model.NewAffinityChange(30, 2, "")
		gt.Equal(t, c.NewScore, 32)
		gt.False(t, c.Changed)
	})

	t.Run("clamped at both ends", func(t *testing.T) {
		gt.Equal(t, model.NewAffinityChange(1, -3, "").NewScore, 0)
		gt.Equal(t, model.NewAffinityChange(99, 3, "").NewScore, 100)
	})
}

func TestNewAffinityState(t *testing.T) {
	t.Run("absent record is a first meeting", func(t *testing.T) {
		s := model.NewAffinityState(nil)
		gt.True(t, s.FirstMeeting)
		gt.Equal(t, s.Score, 0)
		gt.Equal(t, s.Level, model.LevelStranger)
	})

	t.Run("explicit zero record is not a first meeting", func(t *testing.T) {
		s := model.NewAffinityState(&model.AffinityRecord{Score: 0, TotalInteractions: 3})
		gt.False(t, s.FirstMeeting)
		gt.Equal(t, s.Level, model.LevelStranger)
		gt.Equal(t, s.TotalInteractions, 3)
	})
}
