package database

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("user is not a participant of the conversation")
	ErrSameUser       = errors.New("sender and receiver must differ")
)

// MessageStore is the durable, ordered message log and the owner of the
// conversation view derived from it.
type MessageStore interface {
	Ping(ctx context.Context) error
	AccountExists(ctx context.Context, userId int) (bool, error)
	// AppendMessage assigns the next sequence of the conversation between
	// sender and receiver, creating the conversation if needed.
	AppendMessage(ctx context.Context, params AppendParams) (AppendResult, error)
	// GetMessages returns up to limit messages with a sequence greater than
	// afterSeqId in ascending order. A limit <= 0 means no limit.
	GetMessages(ctx context.Context, conversationId string, afterSeqId, limit int) ([]Message, error)
	MarkRead(ctx context.Context, conversationId string, readerId, uptoSeqId int) (Conversation, error)
	GetConversation(ctx context.Context, conversationId string) (Conversation, error)
	ListConversations(ctx context.Context, userId int) ([]Conversation, error)
	UnreadCount(ctx context.Context, userId int) (int, error)
}

// ConversationKey returns the id of the conversation between two users,
// independent of argument order.
func ConversationKey(a, b int) string {
	lo, hi := orderedPair(a, b)
	return fmt.Sprintf("%d:%d", lo, hi)
}

func orderedPair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}
