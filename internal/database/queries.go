package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	selectConversation = "SELECT id, user_a, user_b, seq_id, last_message_id, last_message_at, " +
		"unread_a, unread_b, created_at, updated_at FROM conversations"
	selectMessage = "SELECT id, conversation_id, seq_id, sender_id, receiver_id, content, " +
		"media_url, media_type, client_msg_id, is_read, created_at FROM messages"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c             Conversation
		lastMessageId sql.NullInt64
		lastMessageAt sql.NullTime
	)

	err := row.Scan(
		&c.Id,
		&c.UserA,
		&c.UserB,
		&c.SeqId,
		&lastMessageId,
		&lastMessageAt,
		&c.UnreadA,
		&c.UnreadB,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}

	c.LastMessageId = int(lastMessageId.Int64)
	c.LastMessageAt = lastMessageAt.Time
	return c, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		mediaUrl    sql.NullString
		mediaType   sql.NullString
		clientMsgId sql.NullString
	)

	err := row.Scan(
		&m.Id,
		&m.ConversationId,
		&m.SeqId,
		&m.SenderId,
		&m.ReceiverId,
		&m.Content,
		&mediaUrl,
		&mediaType,
		&clientMsgId,
		&m.IsRead,
		&m.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	m.MediaUrl = mediaUrl.String
	m.MediaType = mediaType.String
	m.ClientMsgId = clientMsgId.String
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *PgMessageStore) AccountExists(ctx context.Context, userId int) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)",
		userId,
	).Scan(&exists)

	return exists, err
}

// AppendMessage locks the conversation row for the length of the
// transaction, which serializes sequence assignment per conversation.
func (db *PgMessageStore) AppendMessage(ctx context.Context, params AppendParams) (res AppendResult, err error) {
	if params.SenderId == params.ReceiverId {
		return AppendResult{}, ErrSameUser
	}

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	low, high := orderedPair(params.SenderId, params.ReceiverId)
	key := ConversationKey(low, high)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO conversations (id, user_a, user_b, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) ON CONFLICT (id) DO NOTHING",
		key,
		low,
		high,
		createdAt,
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("upsert conversation: %w", err)
	}

	conv, err := scanConversation(tx.QueryRowContext(ctx, selectConversation+" WHERE id = $1 FOR UPDATE", key))
	if err != nil {
		return AppendResult{}, fmt.Errorf("lock conversation: %w", err)
	}

	if params.ClientMsgId != "" {
		var existing Message
		existing, err = scanMessage(tx.QueryRowContext(ctx,
			selectMessage+" WHERE conversation_id = $1 AND sender_id = $2 AND client_msg_id = $3",
			key,
			params.SenderId,
			params.ClientMsgId,
		))
		switch {
		case err == nil:
			if err = tx.Commit(); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Message: existing, Conversation: conv, Duplicate: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return AppendResult{}, fmt.Errorf("lookup client message: %w", err)
		}
		err = nil
	}

	msg := Message{
		ConversationId: key,
		SeqId:          conv.SeqId + 1,
		SenderId:       params.SenderId,
		ReceiverId:     params.ReceiverId,
		Content:        params.Content,
		MediaUrl:       params.MediaUrl,
		MediaType:      params.MediaType,
		ClientMsgId:    params.ClientMsgId,
		CreatedAt:      createdAt,
	}

	err = tx.QueryRowContext(ctx,
		"INSERT INTO messages (conversation_id, seq_id, sender_id, receiver_id, content, "+
			"media_url, media_type, client_msg_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id",
		msg.ConversationId,
		msg.SeqId,
		msg.SenderId,
		msg.ReceiverId,
		msg.Content,
		nullString(msg.MediaUrl),
		nullString(msg.MediaType),
		nullString(msg.ClientMsgId),
		msg.CreatedAt,
	).Scan(&msg.Id)
	if err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	conv.applyAppend(msg)
	if err = db.saveConversation(ctx, tx, conv); err != nil {
		return AppendResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{Message: msg, Conversation: conv}, nil
}

func (db *PgMessageStore) saveConversation(ctx context.Context, tx *sql.Tx, c Conversation) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE conversations SET seq_id = $2, last_message_id = $3, last_message_at = $4, "+
			"unread_a = $5, unread_b = $6, updated_at = $7 WHERE id = $1",
		c.Id,
		c.SeqId,
		sql.NullInt64{Int64: int64(c.LastMessageId), Valid: c.LastMessageId != 0},
		sql.NullTime{Time: c.LastMessageAt, Valid: !c.LastMessageAt.IsZero()},
		c.UnreadA,
		c.UnreadB,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	return nil
}

func (db *PgMessageStore) GetMessages(ctx context.Context, conversationId string, afterSeqId, limit int) ([]Message, error) {
	query := selectMessage + " WHERE conversation_id = $1 AND seq_id > $2 ORDER BY seq_id ASC"
	args := []any{conversationId, afterSeqId}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (db *PgMessageStore) MarkRead(ctx context.Context, conversationId string, readerId, uptoSeqId int) (conv Conversation, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	conv, err = scanConversation(tx.QueryRowContext(ctx, selectConversation+" WHERE id = $1 FOR UPDATE", conversationId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
		return Conversation{}, err
	}

	if !conv.HasParticipant(readerId) {
		err = ErrNotParticipant
		return Conversation{}, err
	}

	upto := conv.clampSeq(uptoSeqId)
	_, err = tx.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE "+
			"WHERE conversation_id = $1 AND receiver_id = $2 AND seq_id <= $3 AND NOT is_read",
		conversationId,
		readerId,
		upto,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("mark messages read: %w", err)
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages "+
			"WHERE conversation_id = $1 AND receiver_id = $2 AND seq_id > $3 AND NOT is_read",
		conversationId,
		readerId,
		upto,
	).Scan(&remaining)
	if err != nil {
		return Conversation{}, fmt.Errorf("count unread: %w", err)
	}

	conv.applyRead(readerId, remaining)
	conv.UpdatedAt = time.Now().UTC()
	if err = db.saveConversation(ctx, tx, conv); err != nil {
		return Conversation{}, err
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

func (db *PgMessageStore) GetConversation(ctx context.Context, conversationId string) (Conversation, error) {
	conv, err := scanConversation(db.conn.QueryRowContext(ctx, selectConversation+" WHERE id = $1", conversationId))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}

	return conv, err
}

func (db *PgMessageStore) ListConversations(ctx context.Context, userId int) ([]Conversation, error) {
	rows, err := db.conn.QueryContext(ctx,
		selectConversation+" WHERE (user_a = $1 OR user_b = $1) AND seq_id > 0 "+
			"ORDER BY last_message_at DESC, id ASC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := make([]Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return convs, nil
}

func (db *PgMessageStore) UnreadCount(ctx context.Context, userId int) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(CASE WHEN user_a = $1 THEN unread_a ELSE unread_b END), 0) "+
			"FROM conversations WHERE user_a = $1 OR user_b = $1",
		userId,
	).Scan(&count)

	return count, err
}
