package repository

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/interfaces"
	"github.com/m-mizutani/tavern/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionKnowledge     = "knowledge"
	collectionConversations = "conversations"
	collectionTurns         = "turns"
	collectionSummaries     = "summaries"
	collectionAffinity      = "affinity"

	fieldEmbedding      = "Embedding"
	fieldCategory       = "Category"
	fieldSeq            = "Seq"
	fieldTurnCount      = "TurnCount"
	fieldVectorDistance = "vector_distance"
)

// Firestore implements interfaces.Repository using Cloud Firestore. Knowledge
// search requires a vector index on knowledge.Embedding; category search
// additionally requires a composite index on (Category, Embedding).
type Firestore struct {
	client *firestore.Client
}

var _ interfaces.Repository = (*Firestore)(nil)

// conversationDoc is the parent document of a key's turns. TurnCount is
// maintained in the same transaction as the turn inserts.
type conversationDoc struct {
	UserID    string
	AgentID   model.AgentID
	TurnCount int64
}

// New creates a new Firestore repository
func New(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID),
			goerr.V("database", databaseID))
	}

	return &Firestore{client: client}, nil
}

// Close releases the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) PutKnowledge(ctx context.Context, docs []*model.KnowledgeDocument) error {
	bw := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))

	for _, doc := range docs {
		if doc.ID == "" {
			bw.End()
			return goerr.New("knowledge document has no ID", goerr.V("title", doc.Title))
		}
		job, err := bw.Set(r.client.Collection(collectionKnowledge).Doc(string(doc.ID)), doc)
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue knowledge write", goerr.V("id", doc.ID))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to write knowledge", goerr.V("id", docs[i].ID))
		}
	}
	return nil
}

func (r *Firestore) DeleteAllKnowledge(ctx context.Context) error {
	return r.deleteCollection(ctx, r.client.Collection(collectionKnowledge))
}

func (r *Firestore) SearchKnowledge(ctx context.Context, embedding []float32, limit int, threshold float64) ([]*model.KnowledgeDocument, error) {
	return r.findNearest(ctx, r.client.Collection(collectionKnowledge).Query, embedding, limit, threshold)
}

func (r *Firestore) SearchKnowledgeByCategory(ctx context.Context, embedding []float32, category model.Category, limit int, threshold float64) ([]*model.KnowledgeDocument, error) {
	q := r.client.Collection(collectionKnowledge).Where(fieldCategory, "==", string(category))
	return r.findNearest(ctx, q, embedding, limit, threshold)
}

func (r *Firestore) findNearest(ctx context.Context, q firestore.Query, embedding []float32, limit int, threshold float64) ([]*model.KnowledgeDocument, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Cosine distance in Firestore is 1 - cosine similarity
	maxDistance := 1 - threshold
	vq := q.FindNearest(fieldEmbedding, firestore.Vector32(embedding), limit, firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{
			DistanceThreshold:   &maxDistance,
			DistanceResultField: fieldVectorDistance,
		})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var results []*model.KnowledgeDocument
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to run vector search", goerr.V("limit", limit))
		}

		var doc model.KnowledgeDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode knowledge", goerr.V("id", snap.Ref.ID))
		}
		if distance, ok := snap.Data()[fieldVectorDistance].(float64); ok {
			doc.Similarity = 1 - distance
		}
		results = append(results, &doc)
	}

	return results, nil
}

func (r *Firestore) conversationRef(key model.Key) *firestore.DocumentRef {
	return r.client.Collection(collectionConversations).Doc(key.DocID())
}

func (r *Firestore) AppendTurns(ctx context.Context, turns []*model.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}
	key := turns[0].Key()
	parent := r.conversationRef(key)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var doc conversationDoc
		snap, err := tx.Get(parent)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return goerr.Wrap(err, "failed to get conversation in transaction")
		default:
			if err := snap.DataTo(&doc); err != nil {
				return goerr.Wrap(err, "failed to decode conversation")
			}
		}

		next := doc.TurnCount
		for _, turn := range turns {
			if turn.Key() != key {
				return goerr.New("turns of one append must share a key", goerr.V("key", key), goerr.V("other", turn.Key()))
			}
			stored := *turn
			stored.Seq = next
			next++
			if err := tx.Create(parent.Collection(collectionTurns).Doc(string(turn.ID)), &stored); err != nil {
				return goerr.Wrap(err, "failed to create turn", goerr.V("id", turn.ID))
			}
		}

		return tx.Set(parent, map[string]any{
			"UserID":       key.UserID,
			"AgentID":      string(key.AgentID),
			fieldTurnCount: next,
		}, firestore.MergeAll)
	})
	if err != nil {
		return goerr.Wrap(err, "failed to append turns", goerr.V("key", key))
	}
	return nil
}

func (r *Firestore) ListRecentTurns(ctx context.Context, key model.Key, limit int) ([]*model.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}

	iter := r.conversationRef(key).Collection(collectionTurns).
		OrderBy(fieldSeq, firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var turns []*model.ConversationTurn
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list turns", goerr.V("key", key))
		}

		var turn model.ConversationTurn
		if err := snap.DataTo(&turn); err != nil {
			return nil, goerr.Wrap(err, "failed to decode turn", goerr.V("id", snap.Ref.ID))
		}
		turns = append(turns, &turn)
	}

	return turns, nil
}

func (r *Firestore) CountTurns(ctx context.Context, key model.Key) (int, error) {
	snap, err := r.conversationRef(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, goerr.Wrap(err, "failed to get conversation", goerr.V("key", key))
	}

	var doc conversationDoc
	if err := snap.DataTo(&doc); err != nil {
		return 0, goerr.Wrap(err, "failed to decode conversation", goerr.V("key", key))
	}
	return int(doc.TurnCount), nil
}

func (r *Firestore) DeleteTurns(ctx context.Context, key model.Key) error {
	parent := r.conversationRef(key)
	if err := r.deleteCollection(ctx, parent.Collection(collectionTurns)); err != nil {
		return goerr.Wrap(err, "failed to delete turns", goerr.V("key", key))
	}
	if _, err := parent.Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete conversation", goerr.V("key", key))
	}
	return nil
}

func (r *Firestore) GetSummary(ctx context.Context, key model.Key) (*model.UserSummary, error) {
	snap, err := r.client.Collection(collectionSummaries).Doc(key.DocID()).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get summary", goerr.V("key", key))
	}

	var summary model.UserSummary
	if err := snap.DataTo(&summary); err != nil {
		return nil, goerr.Wrap(err, "failed to decode summary", goerr.V("key", key))
	}
	return &summary, nil
}

func (r *Firestore) PutSummary(ctx context.Context, summary *model.UserSummary) error {
	key := model.Key{UserID: summary.UserID, AgentID: summary.AgentID}
	ref := r.client.Collection(collectionSummaries).Doc(key.DocID())

	if summary.ThroughTurnID == "" {
		if _, err := ref.Set(ctx, summary); err != nil {
			return goerr.Wrap(err, "failed to put summary", goerr.V("key", key))
		}
		return nil
	}

	// reading the turn in the transaction orders this write against a
	// concurrent reset deleting it
	turn := r.conversationRef(key).Collection(collectionTurns).Doc(string(summary.ThroughTurnID))
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(turn); err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(model.ErrSummaryStale, "summarized turn is gone",
					goerr.V("turn_id", summary.ThroughTurnID))
			}
			return goerr.Wrap(err, "failed to get summarized turn")
		}
		return tx.Set(ref, summary)
	})
	if err != nil {
		return goerr.Wrap(err, "failed to put summary", goerr.V("key", key))
	}
	return nil
}

func (r *Firestore) DeleteSummary(ctx context.Context, key model.Key) error {
	if _, err := r.client.Collection(collectionSummaries).Doc(key.DocID()).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete summary", goerr.V("key", key))
	}
	return nil
}

func (r *Firestore) GetAffinity(ctx context.Context, key model.Key) (*model.AffinityRecord, error) {
	snap, err := r.client.Collection(collectionAffinity).Doc(key.DocID()).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get affinity", goerr.V("key", key))
	}

	var record model.AffinityRecord
	if err := snap.DataTo(&record); err != nil {
		return nil, goerr.Wrap(err, "failed to decode affinity", goerr.V("key", key))
	}
	return &record, nil
}

func (r *Firestore) UpdateAffinity(ctx context.Context, key model.Key, update interfaces.AffinityUpdater) (*model.AffinityRecord, error) {
	ref := r.client.Collection(collectionAffinity).Doc(key.DocID())

	var result *model.AffinityRecord
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current *model.AffinityRecord
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return goerr.Wrap(err, "failed to get affinity in transaction")
		default:
			current = &model.AffinityRecord{}
			if err := snap.DataTo(current); err != nil {
				return goerr.Wrap(err, "failed to decode affinity")
			}
		}

		next, err := update(current)
		if err != nil {
			return goerr.Wrap(err, "failed to compute affinity update")
		}
		result = next
		return tx.Set(ref, next)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update affinity", goerr.V("key", key))
	}

	return result, nil
}

func (r *Firestore) DeleteAffinity(ctx context.Context, key model.Key) error {
	if _, err := r.client.Collection(collectionAffinity).Doc(key.DocID()).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete affinity", goerr.V("key", key))
	}
	return nil
}

func (r *Firestore) deleteCollection(ctx context.Context, col *firestore.CollectionRef) error {
	bw := r.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	var ids []string

	refs := col.DocumentRefs(ctx)
	for {
		ref, err := refs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to list documents", goerr.V("collection", col.ID))
		}
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue delete", goerr.V("id", ref.ID))
		}
		jobs = append(jobs, job)
		ids = append(ids, ref.ID)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to delete document",
				goerr.V("collection", col.ID), goerr.V("id", ids[i]))
		}
	}
	return nil
}
