package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/longmem/store"
)

// CreateConversation inserts a conversation row.
func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	stmt := `
		INSERT INTO conversation (id, user_id, title, turn_count, is_archived)
		VALUES (` + placeholders(5) + `)
		RETURNING created_at, updated_at
	`

	err := d.db.QueryRowContext(ctx, stmt,
		create.ID,
		create.UserID,
		create.Title,
		create.TurnCount,
		create.IsArchived,
	).Scan(&create.CreatedAt, &create.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}

	return create, nil
}

// GetConversation fetches a conversation owned by the user.
func (d *DB) GetConversation(ctx context.Context, id, userID string) (*store.Conversation, error) {
	query := `
		SELECT id, user_id, title, turn_count, is_archived, created_at, updated_at
		FROM conversation
		WHERE id = $1 AND user_id = $2
	`

	var c store.Conversation
	err := d.db.QueryRowContext(ctx, query, id, userID).Scan(
		&c.ID,
		&c.UserID,
		&c.Title,
		&c.TurnCount,
		&c.IsArchived,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get conversation")
	}

	return &c, nil
}

// ListConversations lists conversations, optionally with a preview of the
// newest user message via a LATERAL join.
func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "c.id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "c.user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if !find.IncludeArchived {
		where = append(where, "c.is_archived = FALSE")
	}

	preview := "'' AS last_message"
	lateral := ""
	if find.WithPreview {
		preview = "COALESCE(t.user_message, '') AS last_message"
		lateral = `
			LEFT JOIN LATERAL (
				SELECT LEFT(user_message, 100) AS user_message
				FROM conversation_turn
				WHERE conversation_id = c.id
				ORDER BY turn_number DESC
				LIMIT 1
			) t ON TRUE`
	}

	query := `
		SELECT c.id, c.user_id, c.title, c.turn_count, c.is_archived, c.created_at, c.updated_at, ` + preview + `
		FROM conversation c` + lateral + `
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY c.updated_at DESC
	`
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
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	list := []*store.Conversation{}
	for rows.Next() {
		var c store.Conversation
		err := rows.Scan(
			&c.ID,
			&c.UserID,
			&c.Title,
			&c.TurnCount,
			&c.IsArchived,
			&c.CreatedAt,
			&c.UpdatedAt,
			&c.LastMessage,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		list = append(list, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}

// UpdateConversation updates conversation fields.
func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{"updated_at = now()"}, []any{}

	if update.Title != nil {
		set, args = append(set, "title = "+placeholder(len(args)+1)), append(args, *update.Title)
	}
	if update.IsArchived != nil {
		set, args = append(set, "is_archived = "+placeholder(len(args)+1)), append(args, *update.IsArchived)
	}

	stmt := `
		UPDATE conversation
		SET ` + strings.Join(set, ", ") + `
		WHERE id = ` + placeholder(len(args)+1) + ` AND user_id = ` + placeholder(len(args)+2) + `
		RETURNING id, user_id, title, turn_count, is_archived, created_at, updated_at
	`
	args = append(args, update.ID, update.UserID)

	var c store.Conversation
	err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&c.ID,
		&c.UserID,
		&c.Title,
		&c.TurnCount,
		&c.IsArchived,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Errorf("conversation %s not found", update.ID)
		}
		return nil, errors.Wrap(err, "failed to update conversation")
	}

	return &c, nil
}

// DeleteConversation deletes conversations matching the conditions.
// Turns are removed by the ON DELETE CASCADE constraint.
func (d *DB) DeleteConversation(ctx context.Context, delete *store.DeleteConversation) error {
	where, args := []string{"1 = 1"}, []any{}

	if delete.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *delete.ID)
	}
	if delete.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *delete.UserID)
	}
	if len(where) == 1 {
		return errors.New("refusing to delete conversations without conditions")
	}

	stmt := `DELETE FROM conversation WHERE ` + strings.Join(where, " AND ")
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete conversation")
	}
	return nil
}

// IncrementTurnCount bumps the turn counter and freshness timestamp.
func (d *DB) IncrementTurnCount(ctx context.Context, conversationID string) error {
	stmt := `UPDATE conversation SET turn_count = turn_count + 1, updated_at = now() WHERE id = $1`
	if _, err := d.db.ExecContext(ctx, stmt, conversationID); err != nil {
		return errors.Wrap(err, "failed to increment turn count")
	}
	return nil
}

// CreateConversationTurn appends a turn to the short-term log.
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

	stmt := `
		INSERT INTO conversation_turn (conversation_id, user_id, turn_number, user_message, assistant_message, memories_retrieved, memories_created, latency_ms)
		VALUES (` + placeholders(8) + `)
		RETURNING id, created_at
	`

	err = d.db.QueryRowContext(ctx, stmt,
		create.ConversationID,
		create.UserID,
		create.TurnNumber,
		create.UserMessage,
		create.AssistantMessage,
		retrievedJSON,
		createdJSON,
		create.LatencyMs,
	).Scan(&create.ID, &create.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conversation turn")
	}

	return create, nil
}

// UpdateConversationTurnMemories records the memory IDs the write path
// extracted from a turn.
func (d *DB) UpdateConversationTurnMemories(ctx context.Context, turnID int64, memoriesCreated []string) error {
	if memoriesCreated == nil {
		memoriesCreated = []string{}
	}
	createdJSON, err := json.Marshal(memoriesCreated)
	if err != nil {
		return errors.Wrap(err, "failed to marshal created memory ids")
	}

	stmt := `UPDATE conversation_turn SET memories_created = $1 WHERE id = $2`
	if _, err := d.db.ExecContext(ctx, stmt, createdJSON, turnID); err != nil {
		return errors.Wrap(err, "failed to update conversation turn memories")
	}
	return nil
}

// ListConversationTurns lists turns matching the find conditions.
func (d *DB) ListConversationTurns(ctx context.Context, find *store.FindConversationTurn) ([]*store.ConversationTurn, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = "+placeholder(len(args)+1)), append(args, *find.ConversationID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.BeforeTurn != nil {
		where, args = append(where, "turn_number < "+placeholder(len(args)+1)), append(args, *find.BeforeTurn)
	}

	order := "ORDER BY turn_number"
	if find.Desc {
		order = "ORDER BY turn_number DESC"
	}

	query := `
		SELECT id, conversation_id, user_id, turn_number, user_message, assistant_message, memories_retrieved, memories_created, latency_ms, created_at
		FROM conversation_turn
		WHERE ` + strings.Join(where, " AND ") + `
		` + order
	if find.Limit > 0 {
		query += " LIMIT " + placeholder(len(args)+1)
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
		var retrievedJSON, createdJSON []byte
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
			&turn.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation turn")
		}
		if err := json.Unmarshal(retrievedJSON, &turn.MemoriesRetrieved); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal retrieved memory ids")
		}
		if err := json.Unmarshal(createdJSON, &turn.MemoriesCreated); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal created memory ids")
		}
		list = append(list, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return list, nil
}
