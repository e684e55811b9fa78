package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// handleRaw dispatches one frame of an active session. Frames of a session
// are handled in arrival order on its read goroutine.
func (c *Client) handleRaw(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Println("error parsing message:", err)
		c.queueMessage(ErrorResponse(0, NewValidationError("invalid message format", err)))
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case TypeMessage:
		c.handlePublish(ctx, &msg)
	case TypeGetMessages:
		c.handleGetMessages(ctx, &msg)
	case TypeMarkRead:
		c.handleMarkRead(ctx, &msg)
	case TypePing:
		c.queueMessage(Pong(msg.Id))
	case TypeAuth:
		c.queueMessage(ErrorResponse(msg.Id, NewValidationError("session already authenticated", nil)))
	default:
		c.queueMessage(ErrorResponse(msg.Id, NewValidationError(fmt.Sprintf("unknown message type %q", msg.Type), nil)))
	}
}

func (c *Client) handlePublish(ctx context.Context, msg *ClientMessage) {
	var p Publish
	if err := c.chatServer.decode(msg.Data, &p); err != nil {
		c.replyError(msg.Id, err)
		return
	}

	res, err := c.chatServer.SendMessage(ctx, c, p)
	if err != nil {
		c.replyError(msg.Id, err)
		return
	}

	c.queueMessage(NoErrAccepted(msg.Id, PublishAck{
		MessageId:      res.Message.Id,
		ConversationId: res.Message.ConversationId,
		SeqId:          res.Message.SeqId,
		ClientMsgId:    res.Message.ClientMsgId,
		Duplicate:      res.Duplicate,
	}))
}

func (c *Client) handleGetMessages(ctx context.Context, msg *ClientMessage) {
	var q GetMessages
	if err := c.chatServer.decode(msg.Data, &q); err != nil {
		c.replyError(msg.Id, err)
		return
	}

	history, err := c.chatServer.History(ctx, c.userId, q)
	if err != nil {
		c.replyError(msg.Id, err)
		return
	}

	c.queueMessage(HistoryMsg(msg.Id, history))
}

func (c *Client) handleMarkRead(ctx context.Context, msg *ClientMessage) {
	var r MarkRead
	if err := c.chatServer.decode(msg.Data, &r); err != nil {
		c.replyError(msg.Id, err)
		return
	}

	conv, err := c.chatServer.MarkConversationRead(ctx, c, r)
	if err != nil {
		c.replyError(msg.Id, err)
		return
	}

	c.queueMessage(NoErrOK(msg.Id, conv.Summary(c.userId)))
}

func (c *Client) replyError(id int, err error) {
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		perr = NewPersistenceError(err)
	}
	if perr.Err != nil {
		c.log.Printf("session %s: %v", c.id, perr)
	}
	c.queueMessage(ErrorResponse(id, perr))
}

// decode unmarshals frame data into v and validates it.
func (cs *ChatServer) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return NewValidationError("missing data", nil)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return NewValidationError("invalid message format", err)
	}
	if err := cs.validate.Struct(v); err != nil {
		return NewValidationError(validationMessage(err), err)
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid message"
	}

	return strings.Join(lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fmt.Sprintf("invalid %s: failed %q", fe.Field(), fe.Tag())
	}), "; ")
}
