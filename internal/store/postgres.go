package store

import (
	"context"
	"database/sql"
	"fmt"

	"secondbrain/api/internal/model"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveEdit stores an edit once; saving the same edit id again is a no-op.
func (s *PostgresStore) SaveEdit(ctx context.Context, room string, edit model.CollaborativeEdit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborative_edits (id, room_id, resource_type, resource_id, user_id, field, value, old_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)
		ON CONFLICT (id) DO NOTHING
	`, edit.ID, room, edit.ResourceType, edit.ResourceID, edit.UserID, edit.Field,
		nullableJSON(edit.Value), nullableJSON(edit.OldValue), edit.Timestamp)
	if err != nil {
		return fmt.Errorf("insert edit: %w", err)
	}
	return nil
}

// ListEdits returns matching edits newest first.
func (s *PostgresStore) ListEdits(ctx context.Context, filter EditFilter) ([]model.CollaborativeEdit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_type, resource_id, user_id, field, value, old_value, created_at
		FROM collaborative_edits
		WHERE room_id=$1
		  AND ($2='' OR resource_type=$2)
		  AND ($3='' OR resource_id=$3)
		  AND ($4='' OR field=$4)
		ORDER BY created_at DESC, seq DESC
		LIMIT $5
	`, filter.Room, filter.ResourceType, filter.ResourceID, filter.Field, clampLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	defer rows.Close()
	return scanEdits(rows)
}

// LatestEdits returns the newest edit of every field of one resource,
// however far back that edit lies. Rows are ordered by field.
func (s *PostgresStore) LatestEdits(ctx context.Context, room, resourceType, resourceID string) ([]model.CollaborativeEdit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (field)
			id, resource_type, resource_id, user_id, field, value, old_value, created_at
		FROM collaborative_edits
		WHERE room_id=$1 AND resource_type=$2 AND resource_id=$3
		ORDER BY field, created_at DESC, seq DESC
	`, room, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("latest edits: %w", err)
	}
	defer rows.Close()
	return scanEdits(rows)
}

func scanEdits(rows *sql.Rows) ([]model.CollaborativeEdit, error) {
	items := make([]model.CollaborativeEdit, 0)
	for rows.Next() {
		var item model.CollaborativeEdit
		var value, oldValue []byte
		if err := rows.Scan(
			&item.ID,
			&item.ResourceType,
			&item.ResourceID,
			&item.UserID,
			&item.Field,
			&value,
			&oldValue,
			&item.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		item.Value = value
		item.OldValue = oldValue
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveChatMessage(ctx context.Context, msg model.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, room_id, user_id, username, avatar, content, message_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.WorkspaceID, msg.UserID, msg.Username, msg.Avatar, msg.Content, msg.Type, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns the most recent messages of a room, oldest first.
func (s *PostgresStore) ListChatMessages(ctx context.Context, room string, limit int) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, username, avatar, content, message_type, created_at
		FROM (
			SELECT * FROM chat_messages
			WHERE room_id=$1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, seq ASC
	`, room, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]model.ChatMessage, 0)
	for rows.Next() {
		var item model.ChatMessage
		if err := rows.Scan(
			&item.ID,
			&item.WorkspaceID,
			&item.UserID,
			&item.Username,
			&item.Avatar,
			&item.Content,
			&item.Type,
			&item.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

// nullableJSON maps an absent value to SQL NULL so deletions round-trip.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
