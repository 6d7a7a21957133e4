package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// Key identifies the per (user, agent) state: turns, summary and affinity.
type Key struct {
	UserID  string  `json:"userId"`
	AgentID AgentID `json:"agentId"`
}

// Validate checks both parts of the key are present
func (k Key) Validate() error {
	if k.UserID == "" {
		return goerr.New("user id is empty")
	}
	if k.AgentID == "" {
		return goerr.New("agent id is empty", goerr.V("user_id", k.UserID))
	}
	return nil
}

// DocID returns a stable document ID for the key. User IDs are opaque and may
// contain characters that are not allowed in Firestore document IDs.
func (k Key) DocID() string {
	h := sha256.Sum256([]byte(k.UserID + "\x00" + string(k.AgentID)))
	return hex.EncodeToString(h[:16])
}

func (k Key) String() string {
	return k.UserID + "/" + string(k.AgentID)
}

type TurnID string

// NewTurnID generates a new unique TurnID
func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ConversationTurn is one append-only entry of the per key turn log.
type ConversationTurn struct {
	ID        TurnID    `json:"id"`
	UserID    string    `json:"userId"`
	AgentID   AgentID   `json:"agentId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`

	// Seq is the position of the turn in the key's log. The store assigns it
	// from the key's turn count inside the append, so it never depends on the
	// clock.
	Seq int64 `json:"seq"`
}

// NewTurnPair builds the user turn and the agent turn of one exchange, in
// that order. Seq is left to the store.
func NewTurnPair(key Key, userText, agentText string, now time.Time) []*ConversationTurn {
	return []*ConversationTurn{
		{
			ID:        NewTurnID(),
			UserID:    key.UserID,
			AgentID:   key.AgentID,
			Role:      RoleUser,
			Content:   userText,
			CreatedAt: now,
		},
		{
			ID:        NewTurnID(),
			UserID:    key.UserID,
			AgentID:   key.AgentID,
			Role:      RoleAgent,
			Content:   agentText,
			CreatedAt: now,
		},
	}
}

// Key returns the key the turn belongs to
func (t *ConversationTurn) Key() Key {
	return Key{UserID: t.UserID, AgentID: t.AgentID}
}

// UserSummary is the rolling natural-language summary for a key. At most one
// exists per key and it is overwritten on each regeneration.
type UserSummary struct {
	UserID    string    `json:"userId"`
	AgentID   AgentID   `json:"agentId"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`

	// ThroughTurnID is the newest turn the summary was generated from. When
	// set, the store writes the summary only while that turn still exists.
	ThroughTurnID TurnID `json:"throughTurnId,omitempty"`
}
