package postgres

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/hrygo/longmem/store"
)

// UpsertMemoryEmbedding inserts or replaces the embedding for a memory.
// Re-embedding after a content update overwrites the old vector.
func (d *DB) UpsertMemoryEmbedding(ctx context.Context, embedding *store.MemoryEmbedding) error {
	stmt := `
		INSERT INTO memory_embedding (memory_id, model, embedding, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (memory_id, model)
		DO UPDATE SET
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
	`

	vector := pgvector.NewVector(embedding.Embedding)
	if _, err := d.db.ExecContext(ctx, stmt, embedding.MemoryID, embedding.Model, vector); err != nil {
		return errors.Wrap(err, "failed to upsert memory embedding")
	}
	return nil
}

// DeleteMemoryEmbedding deletes all embeddings for a memory.
func (d *DB) DeleteMemoryEmbedding(ctx context.Context, memoryID string) error {
	stmt := `DELETE FROM memory_embedding WHERE memory_id = $1`
	if _, err := d.db.ExecContext(ctx, stmt, memoryID); err != nil {
		return errors.Wrap(err, "failed to delete memory embedding")
	}
	return nil
}

// MemoryVectorSearch performs cosine similarity search using pgvector.
// The <=> operator computes cosine distance (1 - cosine_similarity),
// so ordering by distance ASC yields the most similar first.
func (d *DB) MemoryVectorSearch(ctx context.Context, opts *store.MemoryVectorSearchOptions) ([]*store.MemoryWithScore, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	where, args := []string{"m.user_id = " + placeholder(1)}, []any{opts.UserID}

	if len(opts.Types) > 0 {
		inList := []string{}
		for _, t := range opts.Types {
			inList = append(inList, placeholder(len(args)+1))
			args = append(args, t)
		}
		where = append(where, "m.type IN ("+strings.Join(inList, ", ")+")")
	}
	if opts.MinConfidence > 0 {
		where = append(where, "m.confidence >= "+placeholder(len(args)+1))
		args = append(args, opts.MinConfidence)
	}

	vector := pgvector.NewVector(opts.Vector)
	scoreArg := placeholder(len(args) + 1)
	modelArg := placeholder(len(args) + 2)
	orderArg := placeholder(len(args) + 3)
	limitArg := placeholder(len(args) + 4)
	args = append(args, vector, opts.Model, vector, limit)

	query := `
		SELECT
			m.id, m.user_id, m.type, m.content, m.confidence, m.source_turn, m.version, m.access_count,
			m.decay_score, m.importance_score, m.importance_level, m.tags, m.entities, m.context,
			m.created_at, m.last_accessed,
			1 - (e.embedding <=> ` + scoreArg + `) AS score
		FROM memory m
		INNER JOIN memory_embedding e ON m.id = e.memory_id
		WHERE ` + strings.Join(where, " AND ") + `
			AND e.model = ` + modelArg + `
		ORDER BY e.embedding <=> ` + orderArg + `
		LIMIT ` + limitArg

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to run memory vector search")
	}
	defer rows.Close()

	results := []*store.MemoryWithScore{}
	for rows.Next() {
		var result store.MemoryWithScore
		var memory store.Memory
		var tags, entities, contextJSON []byte

		err := rows.Scan(
			&memory.ID,
			&memory.UserID,
			&memory.Type,
			&memory.Content,
			&memory.Confidence,
			&memory.SourceTurn,
			&memory.Version,
			&memory.AccessCount,
			&memory.DecayScore,
			&memory.ImportanceScore,
			&memory.ImportanceLevel,
			&tags,
			&entities,
			&contextJSON,
			&memory.CreatedAt,
			&memory.LastAccessed,
			&result.Score,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan memory vector search result")
		}

		if err := json.Unmarshal(tags, &memory.Tags); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal tags")
		}
		if err := json.Unmarshal(entities, &memory.Entities); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal entities")
		}
		if err := json.Unmarshal(contextJSON, &memory.Context); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal context")
		}

		result.Memory = &memory
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// ListMemoriesMissingEmbedding returns memories with no stored vector under
// the model, newest first. Only rows with a vector are reachable through
// MemoryVectorSearch, so these stay invisible until the lifecycle worker
// embeds them.
func (d *DB) ListMemoriesMissingEmbedding(ctx context.Context, userID, model string, limit int) ([]*store.Memory, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + memoryColumns + `
		FROM memory m
		LEFT JOIN memory_embedding e ON e.memory_id = m.id AND e.model = $2
		WHERE m.user_id = $1 AND e.memory_id IS NULL
		ORDER BY m.created_at DESC
		LIMIT $3
	`

	rows, err := d.db.QueryContext(ctx, query, userID, model, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list memories missing embedding")
	}
	defer rows.Close()

	list := []*store.Memory{}
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan memory")
		}
		list = append(list, memory)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}

// ListRecentEmbeddings returns a user's newest embeddings, newest first.
// The write-path duplicate check compares an incoming vector against these.
func (d *DB) ListRecentEmbeddings(ctx context.Context, find *store.FindRecentEmbeddings) ([]*store.MemoryEmbedding, error) {
	limit := find.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT e.memory_id, e.model, e.embedding, e.updated_at
		FROM memory_embedding e
		INNER JOIN memory m ON m.id = e.memory_id
		WHERE m.user_id = $1 AND e.model = $2
		ORDER BY m.created_at DESC
		LIMIT $3
	`

	rows, err := d.db.QueryContext(ctx, query, find.UserID, find.Model, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent embeddings")
	}
	defer rows.Close()

	list := []*store.MemoryEmbedding{}
	for rows.Next() {
		var embedding store.MemoryEmbedding
		var vector pgvector.Vector
		err := rows.Scan(
			&embedding.MemoryID,
			&embedding.Model,
			&vector,
			&embedding.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan memory embedding")
		}
		embedding.Embedding = vector.Slice()
		list = append(list, &embedding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}
