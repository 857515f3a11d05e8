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

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	now := time.Now().UTC()
	create.CreatedAt = now
	create.UpdatedAt = now

	stmt := `
		INSERT INTO conversation (id, user_id, title, turn_count, is_archived, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, stmt,
		create.ID,
		create.UserID,
		create.Title,
		create.TurnCount,
		boolToInt(create.IsArchived),
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}

	return create, nil
}

func (d *DB) GetConversation(ctx context.Context, id, userID string) (*store.Conversation, error) {
	query := `
		SELECT id, user_id, title, turn_count, is_archived, created_ts, updated_ts
		FROM conversation
		WHERE id = ? AND user_id = ?
	`

	conversation, err := scanConversation(d.db.QueryRowContext(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get conversation")
	}
	return conversation, nil
}

// ListConversations lists conversations. Last-message preview is not
// supported in SQLite; LastMessage is always empty.
func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if !find.IncludeArchived {
		where = append(where, "is_archived = 0")
	}

	query := `
		SELECT id, user_id, title, turn_count, is_archived, created_ts, updated_ts
		FROM conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC
	`
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
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	list := []*store.Conversation{}
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		list = append(list, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{"updated_ts = ?"}, []any{time.Now().Unix()}

	if update.Title != nil {
		set, args = append(set, "title = ?"), append(args, *update.Title)
	}
	if update.IsArchived != nil {
		set, args = append(set, "is_archived = ?"), append(args, boolToInt(*update.IsArchived))
	}

	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND user_id = ?`
	args = append(args, update.ID, update.UserID)

	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update conversation")
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		return nil, errors.Errorf("conversation %s not found", update.ID)
	}

	return d.GetConversation(ctx, update.ID, update.UserID)
}

func (d *DB) DeleteConversation(ctx context.Context, delete *store.DeleteConversation) error {
	where, args := []string{"1 = 1"}, []any{}

	if delete.ID != nil {
		where, args = append(where, "id = ?"), append(args, *delete.ID)
	}
	if delete.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *delete.UserID)
	}
	if len(where) == 1 {
		return errors.New("refusing to delete conversations without conditions")
	}

	// No foreign keys in the SQLite schema; remove turns explicitly.
	turnStmt := `DELETE FROM conversation_turn WHERE conversation_id IN (SELECT id FROM conversation WHERE ` + strings.Join(where, " AND ") + `)`
	if _, err := d.db.ExecContext(ctx, turnStmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete conversation turns")
	}

	stmt := `DELETE FROM conversation WHERE ` + strings.Join(where, " AND ")
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete conversation")
	}
	return nil
}

func (d *DB) IncrementTurnCount(ctx context.Context, conversationID string) error {
	stmt := `UPDATE conversation SET turn_count = turn_count + 1, updated_ts = ? WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, stmt, time.Now().Unix(), conversationID); err != nil {
		return errors.Wrap(err, "failed to increment turn count")
	}
	return nil
}

func (d *DB) CreateConversationTurn(ctx context.Context, create *store.ConversationTurn) (*store.ConversationTurn, error) {
	if create.MemoriesRetrieved == nil {
		create.MemoriesRetrieved = []string{}
	}
	if create.MemoriesCreated == nil {
		create.MemoriesCreated = []string{}
	}
	retrievedJSON, err := json.Marshal(create.MemoriesRetrieved)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal retrieved memory ids")
	}
	createdJSON, err := json.Marshal(create.MemoriesCreated)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal created memory ids")
	}

	create.CreatedAt = time.Now().UTC()

	stmt := `
		INSERT INTO conversation_turn (conversation_id, user_id, turn_number, user_message, assistant_message, memories_retrieved, memories_created, latency_ms, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := d.db.ExecContext(ctx, stmt,
		create.ConversationID,
		create.UserID,
		create.TurnNumber,
		create.UserMessage,
		create.AssistantMessage,
		string(retrievedJSON),
		string(createdJSON),
		create.LatencyMs,
		create.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conversation turn")
	}

	if id, err := result.LastInsertId(); err == nil {
		create.ID = id
	}

	return create, nil
}

func (d *DB) UpdateConversationTurnMemories(ctx context.Context, turnID int64, memoriesCreated []string) error {
	if memoriesCreated == nil {
		memoriesCreated = []string{}
	}
	createdJSON, err := json.Marshal(memoriesCreated)
	if err != nil {
		return errors.Wrap(err, "failed to marshal created memory ids")
	}

	stmt := `UPDATE conversation_turn SET memories_created = ? WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, stmt, string(createdJSON), turnID); err != nil {
		return errors.Wrap(err, "failed to update conversation turn memories")
	}
	return nil
}

func (d *DB) ListConversationTurns(ctx context.Context, find *store.FindConversationTurn) ([]*store.ConversationTurn, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = ?"), append(args, *find.ConversationID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if find.BeforeTurn != nil {
		where, args = append(where, "turn_number < ?"), append(args, *find.BeforeTurn)
	}

	order := "ORDER BY turn_number"
	if find.Desc {
		order = "ORDER BY turn_number DESC"
	}

	query := `
		SELECT id, conversation_id, user_id, turn_number, user_message, assistant_message, memories_retrieved, memories_created, latency_ms, created_ts
		FROM conversation_turn
		WHERE ` + strings.Join(where, " AND ") + `
		` + order
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversation turns")
	}
	defer rows.Close()

	list := []*store.ConversationTurn{}
	for rows.Next() {
		var turn store.ConversationTurn
		var retrievedJSON, createdJSON string
		var createdTs int64
		err := rows.Scan(
			&turn.ID,
			&turn.ConversationID,
			&turn.UserID,
			&turn.TurnNumber,
			&turn.UserMessage,
			&turn.AssistantMessage,
			&retrievedJSON,
			&createdJSON,
			&turn.LatencyMs,
			&createdTs,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation turn")
		}
		if err := json.Unmarshal([]byte(retrievedJSON), &turn.MemoriesRetrieved); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal retrieved memory ids")
		}
		if err := json.Unmarshal([]byte(createdJSON), &turn.MemoriesCreated); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal created memory ids")
		}
		turn.CreatedAt = time.Unix(createdTs, 0).UTC()
		list = append(list, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var c store.Conversation
	var isArchived int
	var createdTs, updatedTs int64

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Title,
		&c.TurnCount,
		&isArchived,
		&createdTs,
		&updatedTs,
	)
	if err != nil {
		return nil, err
	}

	c.IsArchived = isArchived != 0
	c.CreatedAt = time.Unix(createdTs, 0).UTC()
	c.UpdatedAt = time.Unix(updatedTs, 0).UTC()
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
