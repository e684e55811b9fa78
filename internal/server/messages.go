package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/gigchat/internal/types"
)

const (
	TypeAuth               = "auth"
	TypeAuthSuccess        = "auth_success"
	TypeAuthError          = "auth_error"
	TypeMessage            = "message"
	TypeGetMessages        = "get_messages"
	TypeMessageHistory     = "message_history"
	TypeMarkRead           = "mark_read"
	TypeConversationUpdate = "conversation_update"
	TypeReadReceipt        = "read_receipt"
	TypePresenceUpdate     = "presence_update"
	TypeResponse           = "response"
	TypePing               = "ping"
	TypePong               = "pong"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a frame received from a client. Data is decoded
// according to Type.
type ClientMessage struct {
	Id   int             `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Auth struct {
	UserId     int    `json:"user_id" validate:"required,gt=0"`
	Credential string `json:"credential" validate:"required"`
}

type Publish struct {
	ReceiverId  int    `json:"receiver_id" validate:"required,gt=0"`
	Content     string `json:"content"`
	MediaUrl    string `json:"media_url,omitempty" validate:"omitempty,url,max=2048"`
	MediaType   string `json:"media_type,omitempty" validate:"omitempty,max=100"`
	ClientMsgId string `json:"client_msg_id,omitempty" validate:"omitempty,max=64"`
}

type GetMessages struct {
	OtherUserId int  `json:"other_user_id" validate:"required,gt=0"`
	SinceSeqId  *int `json:"since_seq_id,omitempty" validate:"omitempty,gte=0"`
	Limit       int  `json:"limit,omitempty" validate:"gte=0"`
}

type MarkRead struct {
	ConversationId string `json:"conversation_id" validate:"required"`
	UptoSeqId      int    `json:"upto_seq_id" validate:"gte=0"`
}

type ServerMessage struct {
	BaseMessage
	AuthSuccess  *AuthSuccess               `json:"auth_success,omitempty"`
	AuthError    *AuthError                 `json:"auth_error,omitempty"`
	Response     *Response                  `json:"response,omitempty"`
	Message      *types.Message             `json:"message,omitempty"`
	Conversation *types.ConversationSummary `json:"conversation,omitempty"`
	History      *History                   `json:"history,omitempty"`
	ReadReceipt  *ReadReceipt               `json:"read_receipt,omitempty"`
	Presence     *types.Presence            `json:"presence,omitempty"`
}

type AuthSuccess struct {
	SessionId string `json:"session_id"`
	UserId    int    `json:"user_id"`
}

type AuthError struct {
	Code string `json:"code"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Code         string `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// PublishAck is the data of the response to a message frame.
type PublishAck struct {
	MessageId      int    `json:"message_id"`
	ConversationId string `json:"conversation_id"`
	SeqId          int    `json:"seq_id"`
	ClientMsgId    string `json:"client_msg_id,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

type History struct {
	ConversationId string          `json:"conversation_id"`
	Messages       []types.Message `json:"messages"`
	HasMore        bool            `json:"has_more"`
}

type ReadReceipt struct {
	ConversationId string `json:"conversation_id"`
	ReaderId       int    `json:"reader_id"`
	UptoSeqId      int    `json:"upto_seq_id"`
}

func newServerMessage(id int, typ string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Type:      typ,
			Timestamp: Now(),
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	msg := newServerMessage(id, TypeResponse)
	msg.Response = &Response{
		ResponseCode: http.StatusOK,
		Data:         data,
	}
	return msg
}

func NoErrAccepted(id int, data any) *ServerMessage {
	msg := newServerMessage(id, TypeResponse)
	msg.Response = &Response{
		ResponseCode: http.StatusAccepted,
		Data:         data,
	}
	return msg
}

func ErrorResponse(id int, perr *ProtocolError) *ServerMessage {
	msg := newServerMessage(id, TypeResponse)
	msg.Response = &Response{
		ResponseCode: perr.ResponseCode,
		Code:         string(perr.Kind),
		Error:        perr.Message,
	}
	return msg
}

func AuthSuccessMsg(id int, sessionId string, userId int) *ServerMessage {
	msg := newServerMessage(id, TypeAuthSuccess)
	msg.AuthSuccess = &AuthSuccess{SessionId: sessionId, UserId: userId}
	return msg
}

func AuthErrorMsg(code string) *ServerMessage {
	msg := newServerMessage(0, TypeAuthError)
	msg.AuthError = &AuthError{Code: code}
	return msg
}

// MessageEvent carries a stored message together with the recipient's view
// of the conversation after the append.
func MessageEvent(m types.Message, summary types.ConversationSummary) *ServerMessage {
	msg := newServerMessage(0, TypeMessage)
	msg.Message = &m
	msg.Conversation = &summary
	return msg
}

func HistoryMsg(id int, h History) *ServerMessage {
	msg := newServerMessage(id, TypeMessageHistory)
	msg.History = &h
	return msg
}

func ConversationUpdate(summary types.ConversationSummary) *ServerMessage {
	msg := newServerMessage(0, TypeConversationUpdate)
	msg.Conversation = &summary
	return msg
}

func ReadReceiptMsg(r ReadReceipt) *ServerMessage {
	msg := newServerMessage(0, TypeReadReceipt)
	msg.ReadReceipt = &r
	return msg
}

func PresenceUpdate(p types.Presence) *ServerMessage {
	msg := newServerMessage(0, TypePresenceUpdate)
	msg.Presence = &p
	return msg
}

func Pong(id int) *ServerMessage {
	return newServerMessage(id, TypePong)
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
