package store

import (
	"time"

	"github.com/pkg/errors"
)

// MemoryEmbedding is the vector representation of a memory's content.
// Rows are authoritative; embeddings are derived and recoverable by re-embedding.
type MemoryEmbedding struct {
	MemoryID  string
	Model     string
	Embedding []float32
	UpdatedAt time.Time
}

// MemoryVectorSearchOptions configures an ANN search over memory embeddings.
type MemoryVectorSearchOptions struct {
	UserID        string
	Vector        []float32
	Model         string
	Types         []MemoryType
	MinConfidence float64
	Limit         int
}

func (o *MemoryVectorSearchOptions) Validate() error {
	if o.UserID == "" {
		return errors.New("user id is required")
	}
	if len(o.Vector) == 0 {
		return errors.New("query vector is required")
	}
	if o.Model == "" {
		return errors.New("embedding model is required")
	}
	return nil
}

// MemoryWithScore pairs a memory with its cosine similarity to the query.
type MemoryWithScore struct {
	*Memory
	Score float32
}

// FindRecentEmbeddings selects a user's newest embeddings, used by the
// write-path duplicate check.
type FindRecentEmbeddings struct {
	UserID string
	Model  string
	Limit  int
}
