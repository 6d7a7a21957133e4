package model

import (
	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type KnowledgeID string

// NewKnowledgeID generates a new unique KnowledgeID
func NewKnowledgeID() KnowledgeID {
	return KnowledgeID(uuid.New().String())
}

type Category string

const (
	CategoryHistory  Category = "history"
	CategoryLocation Category = "location"
	CategoryNPC      Category = "npc"
	CategoryRumor    Category = "rumor"
)

// Categories returns all known knowledge categories
func Categories() []Category {
	return []Category{CategoryHistory, CategoryLocation, CategoryNPC, CategoryRumor}
}

// Validate checks if the category is valid
func (c Category) Validate() error {
	switch c {
	case CategoryHistory, CategoryLocation, CategoryNPC, CategoryRumor:
		return nil
	default:
		return goerr.New("invalid knowledge category", goerr.V("category", c))
	}
}

// KnowledgeDocument is a seeded reference document. It is never mutated after
// seeding and is removed only by a full reseed.
type KnowledgeDocument struct {
	ID        KnowledgeID        `json:"id" yaml:"id"`
	Category  Category           `json:"category" yaml:"category"`
	Title     string             `json:"title" yaml:"title"`
	Content   string             `json:"content" yaml:"content"`
	Embedding firestore.Vector32 `json:"-" yaml:"-"`

	// Similarity is set on search results only
	Similarity float64 `json:"similarity,omitempty" yaml:"-" firestore:"-"`
}

// EmbeddingText returns the text used to embed the document
func (d *KnowledgeDocument) EmbeddingText() string {
	return d.Title + "\n" + d.Content
}

// Validate checks required fields of a document before seeding
func (d *KnowledgeDocument) Validate() error {
	if d.Title == "" {
		return goerr.New("knowledge title is empty")
	}
	if d.Content == "" {
		return goerr.New("knowledge content is empty", goerr.V("title", d.Title))
	}
	if err := d.Category.Validate(); err != nil {
		return goerr.Wrap(err, "invalid knowledge document", goerr.V("title", d.Title))
	}
	return nil
}
