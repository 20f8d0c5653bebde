package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

// CacheStore keeps the last resolved conversation and its messages on disk
// so a new session can show history before the first network round trip.
// Only server-acknowledged messages are stored.
type CacheStore struct {
	db     *dbutil.Database
	userID int64
}

// CachedConversation is the conversation remembered for a user.
type CachedConversation struct {
	ConversationID int64
	StaffID        int64
	UpdatedAt      time.Time
}

func NewCacheStore(db *dbutil.Database, userID int64) *CacheStore {
	return &CacheStore{db: db, userID: userID}
}

func (s *CacheStore) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_conversation (
			user_id BIGINT NOT NULL,
			conversation_id BIGINT NOT NULL,
			staff_id BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_message (
			user_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			conversation_id BIGINT NOT NULL,
			sender_id BIGINT NOT NULL,
			receiver_id BIGINT NOT NULL,
			body TEXT NOT NULL,
			created_ms BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (user_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS chat_message_conversation_ts_idx
			ON chat_message (user_id, conversation_id, created_ms, message_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure chat cache schema: %w", err)
		}
	}
	return nil
}

func (s *CacheStore) SaveConversation(ctx context.Context, conversationID, staffID int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_conversation (user_id, conversation_id, staff_id, updated_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			conversation_id=excluded.conversation_id,
			staff_id=excluded.staff_id,
			updated_ts=excluded.updated_ts
	`, s.userID, conversationID, staffID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save conversation %d: %w", conversationID, err)
	}
	return nil
}

// GetConversation returns nil without an error if nothing is cached.
func (s *CacheStore) GetConversation(ctx context.Context) (*CachedConversation, error) {
	var conv CachedConversation
	var updatedMS int64
	err := s.db.QueryRow(ctx,
		`SELECT conversation_id, staff_id, updated_ts FROM chat_conversation WHERE user_id=$1`,
		s.userID,
	).Scan(&conv.ConversationID, &conv.StaffID, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get cached conversation: %w", err)
	}
	conv.UpdatedAt = time.UnixMilli(updatedMS)
	return &conv, nil
}

// UpsertMessages stores msgs in one transaction. Messages without a server
// id are skipped.
func (s *CacheStore) UpsertMessages(ctx context.Context, msgs []clinicapi.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_message (
			user_id, message_id, conversation_id, sender_id, receiver_id,
			body, created_ms, updated_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, message_id) DO UPDATE SET
			conversation_id=excluded.conversation_id,
			sender_id=excluded.sender_id,
			receiver_id=excluded.receiver_id,
			body=excluded.body,
			created_ms=excluded.created_ms,
			updated_ts=excluded.updated_ts
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	for _, msg := range msgs {
		if msg.ID == 0 || msg.Pending {
			continue
		}
		_, err = stmt.ExecContext(ctx,
			s.userID, msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID,
			msg.Body, msg.CreatedAt.UnixMilli(), nowMS,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message %d: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

// ListLatestMessages returns up to limit of the newest cached messages of a
// conversation in chronological order.
func (s *CacheStore) ListLatestMessages(ctx context.Context, conversationID int64, limit int) ([]clinicapi.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT message_id, conversation_id, sender_id, receiver_id, body, created_ms
		FROM chat_message
		WHERE user_id=$1 AND conversation_id=$2
		ORDER BY created_ms DESC, message_id DESC
		LIMIT $3
	`, s.userID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached messages: %w", err)
	}
	defer rows.Close()

	var msgs []clinicapi.Message
	for rows.Next() {
		var msg clinicapi.Message
		var createdMS int64
		if err = rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &msg.Body, &createdMS); err != nil {
			return nil, fmt.Errorf("failed to scan cached message: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdMS)
		msgs = append(msgs, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ClearConversation forgets the cached conversation and all its messages.
func (s *CacheStore) ClearConversation(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM chat_message WHERE user_id=$1`, s.userID); err != nil {
		return fmt.Errorf("failed to clear cached messages: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM chat_conversation WHERE user_id=$1`, s.userID); err != nil {
		return fmt.Errorf("failed to clear cached conversation: %w", err)
	}
	return nil
}
