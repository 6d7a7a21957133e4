package model

import (
	"time"
)

const (
	MinAffinityScore = 0
	MaxAffinityScore = 100
)

type AffinityLevel string

const (
	LevelStranger     AffinityLevel = "stranger"
	LevelAcquaintance AffinityLevel = "acquaintance"
	LevelFriend       AffinityLevel = "friend"
	LevelCloseFriend  AffinityLevel = "close_friend"
)

// AffinityLevels returns all levels in ascending order
func AffinityLevels() []AffinityLevel {
	return []AffinityLevel{LevelStranger, LevelAcquaintance, LevelFriend, LevelCloseFriend}
}

// LevelOf derives the discrete level from a score. Bands: stranger <=25,
// acquaintance 26-50, friend 51-75, close_friend 76-100.
func LevelOf(score int) AffinityLevel {
	switch {
	case score <= 25:
		return LevelStranger
	case score <= 50:
		return LevelAcquaintance
	case score <= 75:
		return LevelFriend
	default:
		return LevelCloseFriend
	}
}

// Rank returns the ordinal of the level, 0 for stranger
func (l AffinityLevel) Rank() int {
	for i, v := range AffinityLevels() {
		if v == l {
			return i
		}
	}
	return -1
}

// ClampScore bounds v into [MinAffinityScore, MaxAffinityScore]
func ClampScore(v int) int {
	return max(MinAffinityScore, min(MaxAffinityScore, v))
}

// AffinityRecord is the persisted relationship score of a key. Level is not
// stored; it is derived from Score.
type AffinityRecord struct {
	UserID            string    `json:"userId"`
	AgentID           AgentID   `json:"agentId"`
	Score             int       `json:"score"`
	TotalInteractions int       `json:"totalInteractions"`
	LastInteractionAt time.Time `json:"lastInteractionAt"`
}

// AffinityState is the read view of a relationship. A key without a record is
// a first meeting, which is distinct from an explicit score 0 record.
type AffinityState struct {
	Score             int           `json:"score"`
	Level             AffinityLevel `json:"level"`
	FirstMeeting      bool          `json:"firstMeeting"`
	TotalInteractions int           `json:"totalInteractions"`
}

// NewAffinityState builds the state view from a record; nil means first meeting
func NewAffinityState(record *AffinityRecord) *AffinityState {
	if record == nil {
		return &AffinityState{
			Score:        MinAffinityScore,
			Level:        LevelOf(MinAffinityScore),
			FirstMeeting: true,
		}
	}
	return &AffinityState{
		Score:             record.Score,
		Level:             LevelOf(record.Score),
		TotalInteractions: record.TotalInteractions,
	}
}

// AffinityChange is the relationship effect of one turn.
type AffinityChange struct {
	Delta    int           `json:"delta"`
	OldScore int           `json:"oldScore"`
	NewScore int           `json:"score"`
	OldLevel AffinityLevel `json:"oldLevel"`
	NewLevel AffinityLevel `json:"level"`
	Changed  bool          `json:"levelChanged"`
	Reason   string        `json:"reason,omitempty"`
}

// NewAffinityChange computes the change from oldScore by delta. The new score
// is clamped and Changed reports a level transition.
func NewAffinityChange(oldScore, delta int, reason string) *AffinityChange {
	newScore := ClampScore(oldScore + delta)
	return &AffinityChange{
		Delta:    delta,
		OldScore: oldScore,
		NewScore: newScore,
		OldLevel: LevelOf(oldScore),
		NewLevel: LevelOf(newScore),
		Changed:  LevelOf(oldScore) != LevelOf(newScore),
		Reason:   reason,
	}
}

// UnchangedAffinity reports the current state without any delta, used when
// no message was analyzed.
func UnchangedAffinity(state *AffinityState) *AffinityChange {
	return &AffinityChange{
		OldScore: state.Score,
		NewScore: state.Score,
		OldLevel: state.Level,
		NewLevel: state.Level,
	}
}
