// Package dedup rejects extracted memories that are near-duplicates of
// ones the user already has.
package dedup

import (
	"context"
	"log/slog"
	"math"

	"github.com/hrygo/longmem/store"
)

// recentWindow is how many of the user's newest embeddings are compared
// against each candidate.
const recentWindow = 50

// Checker compares candidate embeddings against a user's recent memories.
type Checker struct {
	store     *store.Store
	model     string
	threshold float64
}

// NewChecker creates a duplicate checker. Candidates with cosine
// similarity at or above threshold to any recent memory are duplicates.
// A threshold of 1.0 or higher disables the cosine check; exact duplicates
// are still caught by the content-hash unique index.
func NewChecker(s *store.Store, model string, threshold float64) *Checker {
	return &Checker{
		store:     s,
		model:     model,
		threshold: threshold,
	}
}

// Result describes the outcome of a duplicate check.
type Result struct {
	IsDuplicate bool
	// MemoryID of the closest duplicate when IsDuplicate is set.
	MemoryID   string
	Similarity float64
}

// Check compares the candidate vector against the user's most recent
// embeddings. The check FAILS OPEN: if the store cannot serve recent
// embeddings (e.g. the SQLite dev driver), the candidate is treated as
// unique so extraction never loses memories to infrastructure errors.
func (c *Checker) Check(ctx context.Context, userID string, vector []float32) Result {
	if c.threshold >= 1.0 {
		return Result{}
	}
	recent, err := c.store.ListRecentEmbeddings(ctx, &store.FindRecentEmbeddings{
		UserID: userID,
		Model:  c.model,
		Limit:  recentWindow,
	})
	if err != nil {
		slog.Warn("dedup: listing recent embeddings failed, treating candidate as unique",
			"user_id", userID,
			"error", err,
		)
		return Result{}
	}

	best := Result{}
	for _, embedding := range recent {
		similarity := CosineSimilarity(vector, embedding.Embedding)
		if similarity > best.Similarity {
			best.Similarity = similarity
			best.MemoryID = embedding.MemoryID
		}
	}

	if best.Similarity >= c.threshold {
		best.IsDuplicate = true
		slog.Debug("dedup: duplicate detected",
			"user_id", userID,
			"memory_id", best.MemoryID,
			"similarity", best.Similarity,
		)
	}
	return best
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
