package repository

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
)

// Memory is an in-process implementation of interfaces.Repository. State is
// keyed by (user, agent) and lives for the lifetime of the process.
type Memory struct {
	mu        sync.RWMutex
	knowledge []*model.KnowledgeDocument
	turns     map[model.Key][]*model.ConversationTurn
	summaries map[model.Key]*model.UserSummary
	affinity  map[model.Key]*model.AffinityRecord

	// keyLocks serializes affinity read-modify-write per key
	keyLocks sync.Map
}

var _ interfaces.Repository = (*Memory)(nil)

// NewMemory creates an empty in-process repository
func NewMemory() *Memory {
	return &Memory{
		turns:     make(map[model.Key][]*model.ConversationTurn),
		summaries: make(map[model.Key]*model.UserSummary),
		affinity:  make(map[model.Key]*model.AffinityRecord),
	}
}

func (r *Memory) PutKnowledge(ctx context.Context, docs []*model.KnowledgeDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, doc := range docs {
		if doc.ID == "" {
			return goerr.New("knowledge document has no ID", goerr.V("title", doc.Title))
		}
		copied := *doc
		copied.Similarity = 0
		r.knowledge = append(r.knowledge, &copied)
	}
	return nil
}

func (r *Memory) DeleteAllKnowledge(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knowledge = nil
	return nil
}

func (r *Memory) SearchKnowledge(ctx context.Context, embedding []float32, limit int, threshold float64) ([]*model.KnowledgeDocument, error) {
	return r.searchKnowledge(embedding, limit, threshold, func(*model.KnowledgeDocument) bool { return true })
}

func (r *Memory) SearchKnowledgeByCategory(ctx context.Context, embedding []float32, category model.Category, limit int, threshold float64) ([]*model.KnowledgeDocument, error) {
	return r.searchKnowledge(embedding, limit, threshold, func(doc *model.KnowledgeDocument) bool {
		return doc.Category == category
	})
}

func (r *Memory) searchKnowledge(embedding []float32, limit int, threshold float64, match func(*model.KnowledgeDocument) bool) ([]*model.KnowledgeDocument, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*model.KnowledgeDocument
	for _, doc := range r.knowledge {
		if !match(doc) {
			continue
		}
		similarity, err := cosineSimilarity(embedding, doc.Embedding)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to compare embeddings", goerr.V("id", doc.ID))
		}
		if similarity < threshold {
			continue
		}
		copied := *doc
		copied.Similarity = similarity
		results = append(results, &copied)
	}

	slices.SortStableFunc(results, func(a, b *model.KnowledgeDocument) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		default:
			return 0
		}
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (r *Memory) AppendTurns(ctx context.Context, turns []*model.ConversationTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, turn := range turns {
		copied := *turn
		key := turn.Key()
		copied.Seq = int64(len(r.turns[key]))
		r.turns[key] = append(r.turns[key], &copied)
	}
	return nil
}

func (r *Memory) ListRecentTurns(ctx context.Context, key model.Key, limit int) ([]*model.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.turns[key]
	sorted := make([]*model.ConversationTurn, len(stored))
	for i, turn := range stored {
		copied := *turn
		sorted[i] = &copied
	}

	// newest first, like the Firestore query
	slices.SortStableFunc(sorted, func(a, b *model.ConversationTurn) int {
		switch {
		case a.Seq > b.Seq:
			return -1
		case a.Seq < b.Seq:
			return 1
		default:
			return 0
		}
	})

	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

func (r *Memory) CountTurns(ctx context.Context, key model.Key) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.turns[key]), nil
}

func (r *Memory) DeleteTurns(ctx context.Context, key model.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.turns, key)
	return nil
}

func (r *Memory) GetSummary(ctx context.Context, key model.Key) (*model.UserSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary, ok := r.summaries[key]
	if !ok {
		return nil, nil
	}
	copied := *summary
	return &copied, nil
}

func (r *Memory) PutSummary(ctx context.Context, summary *model.UserSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := model.Key{UserID: summary.UserID, AgentID: summary.AgentID}
	if summary.ThroughTurnID != "" && !slices.ContainsFunc(r.turns[key], func(t *model.ConversationTurn) bool {
		return t.ID == summary.ThroughTurnID
	}) {
		return goerr.Wrap(model.ErrSummaryStale, "summarized turn is gone",
			goerr.V("key", key), goerr.V("turn_id", summary.ThroughTurnID))
	}

	copied := *summary
	r.summaries[key] = &copied
	return nil
}

func (r *Memory) DeleteSummary(ctx context.Context, key model.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.summaries, key)
	return nil
}

func (r *Memory) GetAffinity(ctx context.Context, key model.Key) (*model.AffinityRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.affinity[key]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (r *Memory) UpdateAffinity(ctx context.Context, key model.Key, update interfaces.AffinityUpdater) (*model.AffinityRecord, error) {
	lock, _ := r.keyLocks.LoadOrStore(key, &sync.Mutex{})
	keyLock := lock.(*sync.Mutex)
	keyLock.Lock()
	defer keyLock.Unlock()

	current, err := r.GetAffinity(ctx, key)
	if err != nil {
		return nil, err
	}

	next, err := update(current)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to compute affinity update", goerr.V("key", key))
	}

	copied := *next
	r.mu.Lock()
	r.affinity[key] = &copied
	r.mu.Unlock()

	return next, nil
}

func (r *Memory) DeleteAffinity(ctx context.Context, key model.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.affinity, key)
	return nil
}

func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, goerr.New("embedding dimension mismatch", goerr.V("query", len(a)), goerr.V("document", len(b)))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
