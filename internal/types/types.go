package types

import (
	"time"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

type Message struct {
	Id             int       `json:"id"`
	ConversationId string    `json:"conversation_id"`
	SeqId          int       `json:"seq_id"`
	SenderId       int       `json:"sender_id"`
	ReceiverId     int       `json:"receiver_id"`
	Content        string    `json:"content"`
	MediaUrl       string    `json:"media_url,omitempty"`
	MediaType      string    `json:"media_type,omitempty"`
	ClientMsgId    string    `json:"client_msg_id,omitempty"`
	IsRead         bool      `json:"is_read"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationSummary is a conversation as seen by one of its participants.
type ConversationSummary struct {
	Id            string    `json:"id"`
	UserId        int       `json:"user_id"`
	OtherUserId   int       `json:"other_user_id"`
	LastMessageId int       `json:"last_message_id,omitempty"`
	LastSeqId     int       `json:"last_seq_id"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int       `json:"unread_count"`
}

type Presence struct {
	UserId     int            `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt *time.Time     `json:"last_seen_at,omitempty"`
}
