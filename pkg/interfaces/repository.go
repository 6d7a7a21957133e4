package interfaces

import (
	"context"

	"github.com/m-mizutani/tavern/pkg/model"
)

// AffinityUpdater computes the next record from the current one inside an
// atomic update. current is nil when no record exists yet.
type AffinityUpdater func(current *model.AffinityRecord) (*model.AffinityRecord, error)

// Repository defines the persistent store of the dialogue engine
type Repository interface {
	// PutKnowledge inserts seeded documents in bulk
	PutKnowledge(ctx context.Context, docs []*model.KnowledgeDocument) error

	// DeleteAllKnowledge removes every document, used by a full reseed
	DeleteAllKnowledge(ctx context.Context) error

	// SearchKnowledge returns at most limit documents whose cosine similarity
	// to embedding is >= threshold, most similar first
	SearchKnowledge(ctx context.Context, embedding []float32, limit int, threshold float64) ([]*model.KnowledgeDocument, error)

	// SearchKnowledgeByCategory is SearchKnowledge restricted to one category
	SearchKnowledgeByCategory(ctx context.Context, embedding []float32, category model.Category, limit int, threshold float64) ([]*model.KnowledgeDocument, error)

	// AppendTurns atomically appends turns in the given order
	AppendTurns(ctx context.Context, turns []*model.ConversationTurn) error

	// ListRecentTurns returns the latest limit turns of the key, newest first
	ListRecentTurns(ctx context.Context, key model.Key, limit int) ([]*model.ConversationTurn, error)

	// CountTurns returns the number of stored turns of the key
	CountTurns(ctx context.Context, key model.Key) (int, error)

	// DeleteTurns removes every turn of the key. Deleting nothing is not an error
	DeleteTurns(ctx context.Context, key model.Key) error

	// GetSummary returns nil without error when no summary exists
	GetSummary(ctx context.Context, key model.Key) (*model.UserSummary, error)

	// PutSummary upserts the summary of the key. When summary.ThroughTurnID
	// is set and that turn is no longer stored, nothing is written and
	// model.ErrSummaryStale is returned; the check and the write are atomic.
	PutSummary(ctx context.Context, summary *model.UserSummary) error

	// DeleteSummary removes the summary of the key. Deleting nothing is not an error
	DeleteSummary(ctx context.Context, key model.Key) error

	// GetAffinity returns nil without error when no record exists
	GetAffinity(ctx context.Context, key model.Key) (*model.AffinityRecord, error)

	// UpdateAffinity runs a read-modify-write of the record as one atomic
	// operation. Concurrent updates of the same key never lose a write.
	UpdateAffinity(ctx context.Context, key model.Key, update AffinityUpdater) (*model.AffinityRecord, error)

	// DeleteAffinity removes the record of the key. Deleting nothing is not an error
	DeleteAffinity(ctx context.Context, key model.Key) error
}
