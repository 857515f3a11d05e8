package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/longmem/store"
)

const memoryColumns = `id, user_id, type, content, content_hash, confidence, source_turn, last_used_turn, version, access_count,
		decay_score, importance_score, importance_level, tags, entities, context, created_at, last_accessed`

// CreateMemory inserts a memory row. A (user_id, content_hash) collision
// surfaces as store.ErrDuplicateMemory.
func (d *DB) CreateMemory(ctx context.Context, create *store.Memory) (*store.Memory, error) {
	tags, entities, contextJSON, err := marshalMemoryJSON(create)
	if err != nil {
		return nil, err
	}
	if create.ContentHash == "" {
		create.ContentHash = store.HashContent(create.Content)
	}
	if create.CreatedAt.IsZero() {
		create.CreatedAt = time.Now().UTC()
	}
	if create.LastAccessed.IsZero() {
		create.LastAccessed = create.CreatedAt
	}

	stmt := `
		INSERT INTO memory (
			id, user_id, type, content, content_hash, confidence, source_turn, last_used_turn, version, access_count,
			decay_score, importance_score, importance_level, tags, entities, context, created_at, last_accessed
		)
		VALUES (` + placeholders(18) + `)
		RETURNING created_at, last_accessed
	`

	err = d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.UserID,
		create.Type,
		create.Content,
		create.ContentHash,
		create.Confidence,
		create.SourceTurn,
		create.LastUsedTurn,
		create.Version,
		create.AccessCount,
		create.DecayScore,
		create.ImportanceScore,
		create.ImportanceLevel,
		tags,
		entities,
		contextJSON,
		create.CreatedAt,
		create.LastAccessed,
	).Scan(&create.CreatedAt, &create.LastAccessed)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateMemory
		}
		return nil, errors.Wrap(err, "failed to create memory")
	}

	return create, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetMemory fetches a single memory owned by the user.
func (d *DB) GetMemory(ctx context.Context, id, userID string) (*store.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memory WHERE id = $1 AND user_id = $2`

	memory, err := scanMemory(d.db.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get memory")
	}
	return memory, nil
}

// ListMemories lists memories matching the find conditions.
func (d *DB) ListMemories(ctx context.Context, find *store.FindMemory) ([]*store.Memory, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if len(find.Types) > 0 {
		inList := []string{}
		for _, t := range find.Types {
			inList = append(inList, placeholder(len(args)+1))
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(inList, ", ")+")")
	}
	if find.ContentLike != nil {
		where, args = append(where, "content ILIKE "+placeholder(len(args)+1)), append(args, *find.ContentLike)
	}
	if find.MinConfidence != nil {
		where, args = append(where, "confidence >= "+placeholder(len(args)+1)), append(args, *find.MinConfidence)
	}
	if find.CreatedBefore != nil {
		where, args = append(where, "created_at < "+placeholder(len(args)+1)), append(args, *find.CreatedBefore)
	}
	if len(find.ImportanceLevels) > 0 {
		inList := []string{}
		for _, l := range find.ImportanceLevels {
			inList = append(inList, placeholder(len(args)+1))
			args = append(args, l)
		}
		where = append(where, "importance_level IN ("+strings.Join(inList, ", ")+")")
	}

	query := `SELECT ` + memoryColumns + ` FROM memory WHERE ` + strings.Join(where, " AND ")
	if find.OrderByCreated {
		query += " ORDER BY created_at DESC"
	} else {
		query += " ORDER BY id"
	}
	if find.Limit > 0 {
		query += " LIMIT " + placeholder(len(args)+1)
		args = append(args, find.Limit)
		if find.Offset > 0 {
			query += " OFFSET " + placeholder(len(args)+1)
			args = append(args, find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list memories")
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

// UpdateMemory updates a memory in place. Only non-nil fields are written.
func (d *DB) UpdateMemory(ctx context.Context, update *store.UpdateMemory) (*store.Memory, error) {
	set, args := []string{}, []any{}

	if update.Content != nil {
		set, args = append(set, "content = "+placeholder(len(args)+1)), append(args, *update.Content)
		set, args = append(set, "content_hash = "+placeholder(len(args)+1)), append(args, store.HashContent(*update.Content))
	}
	if update.Confidence != nil {
		set, args = append(set, "confidence = "+placeholder(len(args)+1)), append(args, *update.Confidence)
	}
	if update.SourceTurn != nil {
		set, args = append(set, "source_turn = "+placeholder(len(args)+1)), append(args, *update.SourceTurn)
	}
	if update.Tags != nil {
		raw, err := json.Marshal(*update.Tags)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal tags")
		}
		set, args = append(set, "tags = "+placeholder(len(args)+1)), append(args, raw)
	}
	if update.Entities != nil {
		raw, err := json.Marshal(*update.Entities)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal entities")
		}
		set, args = append(set, "entities = "+placeholder(len(args)+1)), append(args, raw)
	}
	if update.Context != nil {
		raw, err := json.Marshal(*update.Context)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal context")
		}
		set, args = append(set, "context = "+placeholder(len(args)+1)), append(args, raw)
	}
	if update.DecayScore != nil {
		set, args = append(set, "decay_score = "+placeholder(len(args)+1)), append(args, *update.DecayScore)
	}
	if update.ImportanceScore != nil {
		set, args = append(set, "importance_score = "+placeholder(len(args)+1)), append(args, *update.ImportanceScore)
	}
	if update.ImportanceLevel != nil {
		set, args = append(set, "importance_level = "+placeholder(len(args)+1)), append(args, *update.ImportanceLevel)
	}
	if update.LastAccessed != nil {
		set, args = append(set, "last_accessed = "+placeholder(len(args)+1)), append(args, *update.LastAccessed)
	}
	if update.BumpVersion {
		set = append(set, "version = version + 1")
	}
	if len(set) == 0 {
		return d.GetMemory(ctx, update.ID, update.UserID)
	}

	stmt := `
		UPDATE memory
		SET ` + strings.Join(set, ", ") + `
		WHERE id = ` + placeholder(len(args)+1) + ` AND user_id = ` + placeholder(len(args)+2) + `
		RETURNING ` + memoryColumns
	args = append(args, update.ID, update.UserID)

	memory, err := scanMemory(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Errorf("memory %s not found", update.ID)
		}
		return nil, errors.Wrap(err, "failed to update memory")
	}
	return memory, nil
}

// DeleteMemory deletes memories matching the conditions. The embedding rows
// are removed by the ON DELETE CASCADE constraint.
func (d *DB) DeleteMemory(ctx context.Context, delete *store.DeleteMemory) error {
	where, args := []string{"1 = 1"}, []any{}

	if delete.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *delete.ID)
	}
	if len(delete.IDs) > 0 {
		inList := []string{}
		for _, id := range delete.IDs {
			inList = append(inList, placeholder(len(args)+1))
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(inList, ", ")+")")
	}
	if delete.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *delete.UserID)
	}
	if len(where) == 1 {
		return errors.New("refusing to delete memories without conditions")
	}

	stmt := `DELETE FROM memory WHERE ` + strings.Join(where, " AND ")
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete memory")
	}
	return nil
}

// TouchMemories bumps access bookkeeping for memories injected into a prompt.
func (d *DB) TouchMemories(ctx context.Context, userID string, ids []string, turn int) error {
	if len(ids) == 0 {
		return nil
	}

	inList, args := []string{}, []any{}
	for _, id := range ids {
		inList = append(inList, placeholder(len(args)+1))
		args = append(args, id)
	}

	stmt := `
		UPDATE memory
		SET access_count = access_count + 1,
			last_accessed = now(),
			last_used_turn = ` + placeholder(len(args)+1) + `
		WHERE id IN (` + strings.Join(inList, ", ") + `) AND user_id = ` + placeholder(len(args)+2)
	args = append(args, turn, userID)

	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to touch memories")
	}
	return nil
}

// GetMemoryStats aggregates a user's memory store in a single query.
func (d *DB) GetMemoryStats(ctx context.Context, userID string) (*store.MemoryStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(AVG(confidence), 0),
			COALESCE(MIN(source_turn), 0),
			COALESCE(MAX(source_turn), 0),
			COALESCE(SUM(access_count), 0),
			COUNT(*) FILTER (WHERE access_count >= 5)
		FROM memory
		WHERE user_id = $1
	`

	stats := &store.MemoryStats{UserID: userID, MemoriesByType: map[string]int{}}
	err := d.db.QueryRowContext(ctx, query, userID).Scan(
		&stats.TotalMemories,
		&stats.AvgConfidence,
		&stats.OldestMemoryTurn,
		&stats.NewestMemoryTurn,
		&stats.TotalAccessCount,
		&stats.HotMemories,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get memory stats")
	}

	rows, err := d.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM memory WHERE user_id = $1 GROUP BY type`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get memory type counts")
	}
	defer rows.Close()

	for rows.Next() {
		var memoryType string
		var count int
		if err := rows.Scan(&memoryType, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory type count")
		}
		stats.MemoriesByType[memoryType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// ListActiveUserIDs returns users with memories created since cutoff.
func (d *DB) ListActiveUserIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM memory WHERE created_at >= $1`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active user ids")
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan user id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*store.Memory, error) {
	var memory store.Memory
	var tags, entities, contextJSON []byte

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
		&memory.CreatedAt,
		&memory.LastAccessed,
	)
	if err != nil {
		return nil, err
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

	return &memory, nil
}

func marshalMemoryJSON(m *store.Memory) (tags, entities, contextJSON []byte, err error) {
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.Entities == nil {
		m.Entities = []string{}
	}
	if m.Context == nil {
		m.Context = map[string]any{}
	}

	tags, err = json.Marshal(m.Tags)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to marshal tags")
	}
	entities, err = json.Marshal(m.Entities)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to marshal entities")
	}
	contextJSON, err = json.Marshal(m.Context)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to marshal context")
	}
	return tags, entities, contextJSON, nil
}
