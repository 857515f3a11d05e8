package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/longmem/store"
)

const memoryColumns = `id, user_id, type, content, content_hash, confidence, source_turn, last_used_turn, version, access_count,
		decay_score, importance_score, importance_level, tags, entities, context, created_ts, last_accessed_ts`

func (d *DB) CreateMemory(ctx context.Context, create *store.Memory) (*store.Memory, error) {
	if create.Tags == nil {
		create.Tags = []string{}
	}
	if create.Entities == nil {
		create.Entities = []string{}
	}
	if create.Context == nil {
		create.Context = map[string]any{}
	}
	tags, err := json.Marshal(create.Tags)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal tags")
	}
	entities, err := json.Marshal(create.Entities)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal entities")
	}
	contextJSON, err := json.Marshal(create.Context)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal context")
	}

	if create.CreatedAt.IsZero() {
		create.CreatedAt = time.Now().UTC()
	}
	if create.LastAccessed.IsZero() {
		create.LastAccessed = create.CreatedAt
	}
	if create.ContentHash == "" {
		create.ContentHash = store.HashContent(create.Content)
	}

	stmt := `
		INSERT INTO memory (` + memoryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = d.db.ExecContext(ctx, stmt,
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
		string(tags),
		string(entities),
		string(contextJSON),
		create.CreatedAt.Unix(),
		create.LastAccessed.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, store.ErrDuplicateMemory
		}
		return nil, errors.Wrap(err, "failed to create memory")
	}

	return create, nil
}

func (d *DB) GetMemory(ctx context.Context, id, userID string) (*store.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memory WHERE id = ? AND user_id = ?`

	memory, err := scanMemory(d.db.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get memory")
	}
	return memory, nil
}

func (d *DB) ListMemories(ctx context.Context, find *store.FindMemory) ([]*store.Memory, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if len(find.Types) > 0 {
		inList := []string{}
		for _, t := range find.Types {
			inList = append(inList, "?")
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(inList, ", ")+")")
	}
	if find.ContentLike != nil {
		// SQLite LIKE is case-insensitive for ASCII by default.
		where, args = append(where, "content LIKE ?"), append(args, *find.ContentLike)
	}
	if find.MinConfidence != nil {
		where, args = append(where, "confidence >= ?"), append(args, *find.MinConfidence)
	}
	if find.CreatedBefore != nil {
		where, args = append(where, "created_ts < ?"), append(args, find.CreatedBefore.Unix())
	}
	if len(find.ImportanceLevels) > 0 {
		inList := []string{}
		for _, l := range find.ImportanceLevels {
			inList = append(inList, "?")
			args = append(args, l)
		}
		where = append(where, "importance_level IN ("+strings.Join(inList, ", ")+")")
	}

	query := `SELECT ` + memoryColumns + ` FROM memory WHERE ` + strings.Join(where, " AND ")
	if find.OrderByCreated {
		query += " ORDER BY created_ts DESC"
	} else {
		query += " ORDER BY id"
	}
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
		if find.Offset > 0 {
			query += " OFFSET ?"
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

func (d *DB) UpdateMemory(ctx context.Context, update *store.UpdateMemory) (*store.Memory, error) {
	set, args := []string{}, []any{}

	if update.Content != nil {
		set, args = append(set, "content = ?"), append(args, *update.Content)
		set, args = append(set, "content_hash = ?"), append(args, store.HashContent(*update.Content))
	}
	if update.Confidence != nil {
		set, args = append(set, "confidence = ?"), append(args, *update.Confidence)
	}
	if update.SourceTurn != nil {
		set, args = append(set, "source_turn = ?"), append(args, *update.SourceTurn)
	}
	if update.Tags != nil {
		raw, err := json.Marshal(*update.Tags)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal tags")
		}
		set, args = append(set, "tags = ?"), append(args, string(raw))
	}
	if update.Entities != nil {
		raw, err := json.Marshal(*update.Entities)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal entities")
		}
		set, args = append(set, "entities = ?"), append(args, string(raw))
	}
	if update.Context != nil {
		raw, err := json.Marshal(*update.Context)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal context")
		}
		set, args = append(set, "context = ?"), append(args, string(raw))
	}
	if update.DecayScore != nil {
		set, args = append(set, "decay_score = ?"), append(args, *update.DecayScore)
	}
	if update.ImportanceScore != nil {
		set, args = append(set, "importance_score = ?"), append(args, *update.ImportanceScore)
	}
	if update.ImportanceLevel != nil {
		set, args = append(set, "importance_level = ?"), append(args, *update.ImportanceLevel)
	}
	if update.LastAccessed != nil {
		set, args = append(set, "last_accessed_ts = ?"), append(args, update.LastAccessed.Unix())
	}
	if update.BumpVersion {
		set = append(set, "version = version + 1")
	}
	if len(set) == 0 {
		return d.GetMemory(ctx, update.ID, update.UserID)
	}

	stmt := `UPDATE memory SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND user_id = ?`
	args = append(args, update.ID, update.UserID)

	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update memory")
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		return nil, errors.Errorf("memory %s not found", update.ID)
	}

	return d.GetMemory(ctx, update.ID, update.UserID)
}

func (d *DB) DeleteMemory(ctx context.Context, delete *store.DeleteMemory) error {
	where, args := []string{"1 = 1"}, []any{}

	if delete.ID != nil {
		where, args = append(where, "id = ?"), append(args, *delete.ID)
	}
	if len(delete.IDs) > 0 {
		inList := []string{}
		for _, id := range delete.IDs {
			inList = append(inList, "?")
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(inList, ", ")+")")
	}
	if delete.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *delete.UserID)
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

func (d *DB) TouchMemories(ctx context.Context, userID string, ids []string, turn int) error {
	if len(ids) == 0 {
		return nil
	}

	inList, args := []string{}, []any{time.Now().Unix(), turn}
	for _, id := range ids {
		inList = append(inList, "?")
		args = append(args, id)
	}
	args = append(args, userID)

	stmt := `
		UPDATE memory
		SET access_count = access_count + 1, last_accessed_ts = ?, last_used_turn = ?
		WHERE id IN (` + strings.Join(inList, ", ") + `) AND user_id = ?`

	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to touch memories")
	}
	return nil
}

func (d *DB) GetMemoryStats(ctx context.Context, userID string) (*store.MemoryStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(AVG(confidence), 0),
			COALESCE(MIN(source_turn), 0),
			COALESCE(MAX(source_turn), 0),
			COALESCE(SUM(access_count), 0),
			COALESCE(SUM(CASE WHEN access_count >= 5 THEN 1 ELSE 0 END), 0)
		FROM memory
		WHERE user_id = ?
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

	rows, err := d.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM memory WHERE user_id = ? GROUP BY type`, userID)
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

func (d *DB) ListActiveUserIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM memory WHERE created_ts >= ?`, cutoff.Unix())
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
	var tags, entities, contextJSON string
	var createdTs, lastAccessedTs int64

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
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSONColumns(&memory, tags, entities, contextJSON); err != nil {
		return nil, err
	}
	memory.CreatedAt = time.Unix(createdTs, 0).UTC()
	memory.LastAccessed = time.Unix(lastAccessedTs, 0).UTC()

	return &memory, nil
}

func unmarshalJSONColumns(memory *store.Memory, tags, entities, contextJSON string) error {
	if err := json.Unmarshal([]byte(tags), &memory.Tags); err != nil {
		return errors.Wrap(err, "failed to unmarshal tags")
	}
	if err := json.Unmarshal([]byte(entities), &memory.Entities); err != nil {
		return errors.Wrap(err, "failed to unmarshal entities")
	}
	if err := json.Unmarshal([]byte(contextJSON), &memory.Context); err != nil {
		return errors.Wrap(err, "failed to unmarshal context")
	}
	return nil
}
