// Package notify hands messages for offline users to the email/push
// workers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

const previewLength = 80

// Summary is what the email/push workers need to render a notification.
type Summary struct {
	UserId         int       `json:"user_id"`
	SenderId       int       `json:"sender_id"`
	ConversationId string    `json:"conversation_id"`
	SeqId          int       `json:"seq_id"`
	Preview        string    `json:"preview"`
	UnreadCount    int       `json:"unread_count"`
	SentAt         time.Time `json:"sent_at"`
}

type Dispatcher interface {
	Notify(ctx context.Context, userId int, summary Summary) error
}

// Preview shortens message content for a notification body.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLength {
		return content
	}
	return string(r[:previewLength-1]) + "…"
}

// NatsDispatcher publishes summaries on "<subject>.<userId>".
type NatsDispatcher struct {
	nc      *nats.Conn
	subject string
}

func NewNatsDispatcher(url, subject string) (*NatsDispatcher, error) {
	nc, err := nats.Connect(url, nats.Name("gigchat"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NatsDispatcher{nc: nc, subject: subject}, nil
}

func (d *NatsDispatcher) Subject(userId int) string {
	return d.subject + "." + strconv.Itoa(userId)
}

func (d *NatsDispatcher) Notify(_ context.Context, userId int, summary Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	if err := d.nc.Publish(d.Subject(userId), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	return nil
}

func (d *NatsDispatcher) Close() error {
	return d.nc.Drain()
}

// LogDispatcher only logs. It is used when no broker is configured.
type LogDispatcher struct {
	log *log.Logger
}

func NewLogDispatcher(logger *log.Logger) *LogDispatcher {
	return &LogDispatcher{log: logger}
}

func (d *LogDispatcher) Notify(_ context.Context, userId int, summary Summary) error {
	d.log.Printf("offline notification for user %d: conversation %q seq %d", userId, summary.ConversationId, summary.SeqId)
	return nil
}
