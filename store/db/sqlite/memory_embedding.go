package sqlite

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/longmem/store"
)

// Vectors are stored as little-endian float32 BLOBs and similarity is
// computed in the application layer. Slower than pgvector, fine for the
// dev-sized corpora SQLite is meant for.

func vectorToBlob(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf
}

func blobToVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, errors.Errorf("invalid vector blob length %d", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4 : i*4+4]))
	}
	return vec, nil
}

func cosineSimilarity(a, b []float32) float64 {
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

func (d *DB) UpsertMemoryEmbedding(ctx context.Context, embedding *store.MemoryEmbedding) error {
	stmt := `
		INSERT INTO memory_embedding (memory_id, model, embedding, updated_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (memory_id) DO UPDATE SET
			model = excluded.model,
			embedding = excluded.embedding,
			updated_ts = excluded.updated_ts
	`
	_, err := d.db.ExecContext(ctx, stmt,
		embedding.MemoryID,
		embedding.Model,
		vectorToBlob(embedding.Embedding),
		time.Now().Unix(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to upsert memory embedding")
	}
	return nil
}

func (d *DB) DeleteMemoryEmbedding(ctx context.Context, memoryID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM memory_embedding WHERE memory_id = ?`, memoryID); err != nil {
		return errors.Wrap(err, "failed to delete memory embedding")
	}
	return nil
}

// MemoryVectorSearch loads the user's embeddings for the model and ranks
// them by cosine similarity in Go.
func (d *DB) MemoryVectorSearch(ctx context.Context, opts *store.MemoryVectorSearchOptions) ([]*store.MemoryWithScore, error) {
	where := []string{"user_id = ?", "memory_embedding.model = ?"}
	args := []any{opts.UserID, opts.Model}

	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, memoryType := range opts.Types {
			placeholders[i] = "?"
			args = append(args, string(memoryType))
		}
		where = append(where, "type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, opts.MinConfidence)
	}

	query := `
		SELECT ` + memoryColumns + `, memory_embedding.embedding
		FROM memory
		JOIN memory_embedding ON memory_embedding.memory_id = memory.id
		WHERE ` + strings.Join(where, " AND ")

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query memory embeddings")
	}
	defer rows.Close()

	results := []*store.MemoryWithScore{}
	for rows.Next() {
		memory, blob, err := scanMemoryAndBlob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan memory embedding")
		}
		vec, err := blobToVector(blob)
		if err != nil {
			continue
		}
		results = append(results, &store.MemoryWithScore{
			Memory: memory,
			Score:  float32(cosineSimilarity(opts.Vector, vec)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func scanMemoryAndBlob(row rowScanner) (*store.Memory, []byte, error) {
	var memory store.Memory
	var tags, entities, contextJSON string
	var createdTs, lastAccessedTs int64
	var blob []byte

	err := row.Scan(
		&memory.ID,
		&memory.UserID,
		&memory.Type,
		&memory.Content,
		&memory.ContentHash,
		&memory.Confidence,
		&memory.SourceTurn,
		&memory.LastUsedTurn,
		&memory.Version,
		&memory.AccessCount,
		&memory.DecayScore,
		&memory.ImportanceScore,
		&memory.ImportanceLevel,
		&tags,
		&entities,
		&contextJSON,
		&createdTs,
		&lastAccessedTs,
		&blob,
	)
	if err != nil {
		return nil, nil, err
	}

	if err := unmarshalJSONColumns(&memory, tags, entities, contextJSON); err != nil {
		return nil, nil, err
	}
	memory.CreatedAt = time.Unix(createdTs, 0).UTC()
	memory.LastAccessed = time.Unix(lastAccessedTs, 0).UTC()
	return &memory, blob, nil
}

// ListMemoriesMissingEmbedding returns memories with no stored vector under
// the model, newest first.
func (d *DB) ListMemoriesMissingEmbedding(ctx context.Context, userID, model string, limit int) ([]*store.Memory, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + memoryColumns + `
		FROM memory
		LEFT JOIN memory_embedding ON memory_embedding.memory_id = memory.id AND memory_embedding.model = ?
		WHERE memory.user_id = ? AND memory_embedding.memory_id IS NULL
		ORDER BY memory.created_ts DESC
		LIMIT ?
	`

	rows, err := d.db.QueryContext(ctx, query, model, userID, limit)
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

// ListRecentEmbeddings returns the user's newest embeddings, used by the
// write-path duplicate check.
func (d *DB) ListRecentEmbeddings(ctx context.Context, find *store.FindRecentEmbeddings) ([]*store.MemoryEmbedding, error) {
	query := `
		SELECT memory_embedding.memory_id, memory_embedding.model, memory_embedding.embedding, memory_embedding.updated_ts
		FROM memory_embedding
		JOIN memory ON memory.id = memory_embedding.memory_id
		WHERE memory.user_id = ? AND memory_embedding.model = ?
		ORDER BY memory.created_ts DESC
	`
	args := []any{find.UserID, find.Model}
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent embeddings")
	}
	defer rows.Close()

	list := []*store.MemoryEmbedding{}
	for rows.Next() {
		var embedding store.MemoryEmbedding
		var blob []byte
		var updatedTs int64
		if err := rows.Scan(&embedding.MemoryID, &embedding.Model, &blob, &updatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan embedding")
		}
		vec, err := blobToVector(blob)
		if err != nil {
			continue
		}
		embedding.Embedding = vec
		embedding.UpdatedAt = time.Unix(updatedTs, 0).UTC()
		list = append(list, &embedding)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}
