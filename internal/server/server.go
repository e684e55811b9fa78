package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/gigchat/internal/auth"
	"github.com/npezzotti/gigchat/internal/database"
	"github.com/npezzotti/gigchat/internal/filter"
	"github.com/npezzotti/gigchat/internal/notify"
	"github.com/npezzotti/gigchat/internal/stats"
	"github.com/npezzotti/gigchat/internal/types"
	"github.com/samber/lo"
)

var ErrShuttingDown = errors.New("chat server is shutting down")

type Options struct {
	AuthTimeout    time.Duration
	IdleTimeout    time.Duration
	AppendTimeout  time.Duration
	HistoryLimit   int
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultOptions() Options {
	return Options{
		AuthTimeout:    10 * time.Second,
		IdleTimeout:    60 * time.Second,
		AppendTimeout:  5 * time.Second,
		HistoryLimit:   200,
		MaxMessageSize: 8192,
		SendBuffer:     256,
	}
}

type ChatServer struct {
	log         *log.Logger
	db          database.MessageStore
	auth        auth.Provider
	filter      *filter.Filter
	registry    *Registry
	deliveries  *deliveryLocks
	presence    *PresenceTracker
	stats       stats.StatsProvider
	validate    *validator.Validate
	opts        Options
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	closed      bool
	wg          sync.WaitGroup
}

func NewChatServer(logger *log.Logger, db database.MessageStore, authProvider auth.Provider, f *filter.Filter,
	dispatcher notify.Dispatcher, lastSeen database.LastSeenStore, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if db == nil || authProvider == nil || f == nil || dispatcher == nil || lastSeen == nil {
		return nil, errors.New("chat server requires a store, auth provider, filter, dispatcher and last-seen store")
	}

	for _, m := range stats.Metrics {
		su.RegisterMetric(m)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	registry := NewRegistry(logger, dispatcher, su)

	return &ChatServer{
		log:      logger,
		db:       db,
		auth:     authProvider,
		filter:   f,
		registry:   registry,
		deliveries: newDeliveryLocks(),
		presence: NewPresenceTracker(logger, registry, lastSeen, db),
		stats:    su,
		validate: validate,
		opts:     opts,
		clients:  make(map[*Client]struct{}),
	}, nil
}

func (cs *ChatServer) Registry() *Registry {
	return cs.registry
}

func (cs *ChatServer) pingInterval() time.Duration {
	return (cs.opts.IdleTimeout * 9) / 10
}

// Serve runs a session on an upgraded connection. It returns immediately;
// the session runs on its own read and write goroutines.
func (cs *ChatServer) Serve(conn *websocket.Conn) error {
	c := NewClient(conn, cs, cs.log)
	if err := cs.addClient(c); err != nil {
		return err
	}

	go c.Write()
	go c.Read()

	return nil
}

func (cs *ChatServer) addClient(c *Client) error {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if cs.closed {
		return ErrShuttingDown
	}
	cs.clients[c] = struct{}{}
	cs.wg.Add(1)

	return nil
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.wg.Done()
	}
}

// authenticate validates the first frame of a session and returns the frame
// id and the authenticated user.
func (cs *ChatServer) authenticate(ctx context.Context, raw []byte) (int, int, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, 0, NewAuthError(AuthCodeInvalidFrame, err)
	}
	if msg.Type != TypeAuth {
		return 0, 0, NewAuthError(AuthCodeRequired, nil)
	}

	var a Auth
	if err := cs.decode(msg.Data, &a); err != nil {
		return 0, 0, NewAuthError(AuthCodeInvalidFrame, err)
	}

	if err := cs.auth.Verify(ctx, a.UserId, a.Credential); err != nil {
		return 0, 0, NewAuthError(AuthCodeInvalidCredential, err)
	}

	return msg.Id, a.UserId, nil
}

func (cs *ChatServer) activate(c *Client) {
	n := cs.registry.Register(c)
	cs.stats.Incr(stats.ActiveSessions)
	cs.log.Printf("user %d connected, session %s (%d sessions)", c.userId, c.id, n)

	ctx, cancel := context.WithTimeout(context.Background(), cs.opts.AppendTimeout)
	defer cancel()

	cs.presence.Connected(ctx, c.userId, n)

	peers, err := cs.presence.Peers(ctx, c.userId)
	if err != nil {
		cs.log.Printf("presence snapshot for user %d: %v", c.userId, err)
		return
	}
	for _, p := range peers {
		c.queueMessage(PresenceUpdate(p))
	}
}

func (cs *ChatServer) deactivate(c *Client) {
	remaining, ok := cs.registry.Unregister(c)
	if !ok {
		return
	}
	cs.stats.Decr(stats.ActiveSessions)
	cs.log.Printf("user %d disconnected, session %s (%d sessions left)", c.userId, c.id, remaining)

	ctx, cancel := context.WithTimeout(context.Background(), cs.opts.AppendTimeout)
	defer cancel()

	cs.presence.Disconnected(ctx, c.userId, remaining)
}

// SendMessage sanitizes, stores and fans out a message from the session's
// user. The sending session itself is skipped; it receives the ack.
func (cs *ChatServer) SendMessage(ctx context.Context, from *Client, p Publish) (database.AppendResult, error) {
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return database.AppendResult{}, NewValidationError("content cannot be empty", nil)
	}
	if p.ReceiverId == from.userId {
		return database.AppendResult{}, NewValidationError("cannot send a message to yourself", database.ErrSameUser)
	}

	exists, err := cs.db.AccountExists(ctx, p.ReceiverId)
	if err != nil {
		return database.AppendResult{}, NewPersistenceError(err)
	}
	if !exists {
		return database.AppendResult{}, NewRoutingError("receiver not found", database.ErrNotFound)
	}

	sanitized, err := cs.filter.Sanitize(content)
	if err != nil {
		cs.log.Printf("content filter: %v", err)
		cs.stats.Incr(stats.FilterFailures)
	}

	appendCtx, cancel := context.WithTimeout(ctx, cs.opts.AppendTimeout)
	defer cancel()

	release, err := cs.deliveries.acquire(appendCtx, database.ConversationKey(from.userId, p.ReceiverId))
	if err != nil {
		cs.log.Printf("append message from user %d: %v", from.userId, err)
		return database.AppendResult{}, NewSendFailedError(err)
	}
	defer release()

	res, err := cs.db.AppendMessage(appendCtx, database.AppendParams{
		SenderId:    from.userId,
		ReceiverId:  p.ReceiverId,
		Content:     sanitized,
		MediaUrl:    p.MediaUrl,
		MediaType:   p.MediaType,
		ClientMsgId: p.ClientMsgId,
		CreatedAt:   Now(),
	})
	if err != nil {
		cs.log.Printf("append message from user %d: %v", from.userId, err)
		return database.AppendResult{}, NewSendFailedError(err)
	}

	if !res.Duplicate {
		cs.stats.Incr(stats.MessagesSent)
	}

	msg := res.Message.ToType()
	toReceiver := MessageEvent(msg, res.Conversation.Summary(msg.ReceiverId))
	if res.Duplicate {
		// the first attempt already notified an offline receiver
		cs.registry.Redeliver(msg.ReceiverId, toReceiver, nil)
	} else {
		cs.registry.Broadcast(msg.ReceiverId, toReceiver, nil)
	}
	cs.registry.Broadcast(msg.SenderId, MessageEvent(msg, res.Conversation.Summary(msg.SenderId)), from)

	return res, nil
}

// History returns the messages of the conversation between userId and the
// requested peer after the given sequence.
func (cs *ChatServer) History(ctx context.Context, userId int, q GetMessages) (History, error) {
	if q.OtherUserId == userId {
		return History{}, NewValidationError("other_user_id must differ from your own id", database.ErrSameUser)
	}

	limit := q.Limit
	if limit <= 0 || limit > cs.opts.HistoryLimit {
		limit = cs.opts.HistoryLimit
	}
	since := 0
	if q.SinceSeqId != nil {
		since = *q.SinceSeqId
	}

	convId := database.ConversationKey(userId, q.OtherUserId)
	msgs, err := cs.db.GetMessages(ctx, convId, since, limit+1)
	if err != nil {
		return History{}, NewPersistenceError(err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return History{
		ConversationId: convId,
		Messages: lo.Map(msgs, func(m database.Message, _ int) types.Message {
			return m.ToType()
		}),
		HasMore: hasMore,
	}, nil
}

// MarkConversationRead updates the reader's unread count and tells the
// reader's sessions and the other participant.
func (cs *ChatServer) MarkConversationRead(ctx context.Context, from *Client, r MarkRead) (database.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, cs.opts.AppendTimeout)
	defer cancel()

	// a conversation_update must not overtake a message event carrying an
	// older unread count
	release, err := cs.deliveries.acquire(ctx, r.ConversationId)
	if err != nil {
		return database.Conversation{}, NewPersistenceError(err)
	}
	defer release()

	conv, err := cs.db.MarkRead(ctx, r.ConversationId, from.userId, r.UptoSeqId)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return conv, NewRoutingError("conversation not found", err)
	case errors.Is(err, database.ErrNotParticipant):
		return conv, NewRoutingError("not a participant of the conversation", err)
	case err != nil:
		return conv, NewPersistenceError(err)
	}

	cs.registry.Broadcast(from.userId, ConversationUpdate(conv.Summary(from.userId)), nil)
	cs.registry.Broadcast(conv.OtherParticipant(from.userId), ReadReceiptMsg(ReadReceipt{
		ConversationId: conv.Id,
		ReaderId:       from.userId,
		UptoSeqId:      min(r.UptoSeqId, conv.SeqId),
	}), nil)

	return conv, nil
}

func (cs *ChatServer) Conversations(ctx context.Context, userId int) ([]types.ConversationSummary, error) {
	convs, err := cs.db.ListConversations(ctx, userId)
	if err != nil {
		return nil, err
	}

	return lo.Map(convs, func(c database.Conversation, _ int) types.ConversationSummary {
		return c.Summary(userId)
	}), nil
}

// Conversation returns the summary of one conversation for a participant.
// Non-participants get the same routing error as for a missing conversation.
func (cs *ChatServer) Conversation(ctx context.Context, userId int, conversationId string) (types.ConversationSummary, error) {
	conv, err := cs.db.GetConversation(ctx, conversationId)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return types.ConversationSummary{}, NewRoutingError("conversation not found", err)
	case err != nil:
		return types.ConversationSummary{}, NewPersistenceError(err)
	case !conv.HasParticipant(userId):
		return types.ConversationSummary{}, NewRoutingError("conversation not found", database.ErrNotParticipant)
	}

	return conv.Summary(userId), nil
}

func (cs *ChatServer) UnreadCount(ctx context.Context, userId int) (int, error) {
	return cs.db.UnreadCount(ctx, userId)
}

func (cs *ChatServer) Presence(ctx context.Context, userId int) (types.Presence, error) {
	return cs.presence.Status(ctx, userId)
}

// Shutdown closes every session and waits for them to unregister.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("closing all sessions")

	cs.clientsLock.Lock()
	cs.closed = true
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
