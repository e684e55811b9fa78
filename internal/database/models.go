package database

import (
	"time"

	"github.com/npezzotti/gigchat/internal/types"
)

// Conversation is the thread between two users. UserA is always the
// smaller id.
type Conversation struct {
	Id            string
	UserA         int
	UserB         int
	SeqId         int
	LastMessageId int
	LastMessageAt time.Time
	UnreadA       int
	UnreadB       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Message struct {
	Id             int
	ConversationId string
	SeqId          int
	SenderId       int
	ReceiverId     int
	Content        string
	MediaUrl       string
	MediaType      string
	ClientMsgId    string
	IsRead         bool
	CreatedAt      time.Time
}

type AppendParams struct {
	SenderId    int
	ReceiverId  int
	Content     string
	MediaUrl    string
	MediaType   string
	ClientMsgId string
	CreatedAt   time.Time
}

type AppendResult struct {
	Message      Message
	Conversation Conversation
	// Duplicate is set when the message was already stored under the same
	// client message id and nothing was written.
	Duplicate bool
}

func (c Conversation) HasParticipant(userId int) bool {
	return userId == c.UserA || userId == c.UserB
}

func (c Conversation) OtherParticipant(userId int) int {
	if userId == c.UserA {
		return c.UserB
	}
	return c.UserA
}

func (c Conversation) UnreadFor(userId int) int {
	switch userId {
	case c.UserA:
		return c.UnreadA
	case c.UserB:
		return c.UnreadB
	}
	return 0
}

func (c Conversation) Summary(userId int) types.ConversationSummary {
	return types.ConversationSummary{
		Id:            c.Id,
		UserId:        userId,
		OtherUserId:   c.OtherParticipant(userId),
		LastMessageId: c.LastMessageId,
		LastSeqId:     c.SeqId,
		LastMessageAt: c.LastMessageAt,
		UnreadCount:   c.UnreadFor(userId),
	}
}

func (m Message) ToType() types.Message {
	return types.Message{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		SeqId:          m.SeqId,
		SenderId:       m.SenderId,
		ReceiverId:     m.ReceiverId,
		Content:        m.Content,
		MediaUrl:       m.MediaUrl,
		MediaType:      m.MediaType,
		ClientMsgId:    m.ClientMsgId,
		IsRead:         m.IsRead,
		Timestamp:      m.CreatedAt,
	}
}
