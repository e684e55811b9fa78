package database

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

// MemoryStore keeps messages in process memory. Each conversation has its
// own lock, so appends to unrelated conversations never wait on each other.
type MemoryStore struct {
	openAccounts  bool
	accounts      sync.Map // int -> struct{}
	conversations sync.Map // string -> *memConversation
	byUser        sync.Map // int -> *userIndex
	lastId        atomic.Int64
}

type MemoryOption func(*MemoryStore)

// WithOpenAccounts makes every positive user id a known account.
func WithOpenAccounts() MemoryOption {
	return func(s *MemoryStore) {
		s.openAccounts = true
	}
}

type memConversation struct {
	// lock is a one slot semaphore so that waiting for it can be abandoned
	// when the caller's context ends.
	lock     chan struct{}
	conv     Conversation
	messages []Message
	byClient map[string]int
}

type userIndex struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) AddAccount(userIds ...int) {
	for _, id := range userIds {
		s.accounts.Store(id, struct{}{})
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) AccountExists(_ context.Context, userId int) (bool, error) {
	if userId <= 0 {
		return false, nil
	}
	if s.openAccounts {
		return true, nil
	}
	_, ok := s.accounts.Load(userId)
	return ok, nil
}

func (c *memConversation) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConversation) release() {
	<-c.lock
}

func (s *MemoryStore) getOrCreate(a, b int, now time.Time) *memConversation {
	key := ConversationKey(a, b)
	if v, ok := s.conversations.Load(key); ok {
		return v.(*memConversation)
	}

	low, high := orderedPair(a, b)
	// index first so a stored conversation is always listed
	s.index(low, key)
	s.index(high, key)

	v, _ := s.conversations.LoadOrStore(key, &memConversation{
		lock: make(chan struct{}, 1),
		conv: Conversation{
			Id:        key,
			UserA:     low,
			UserB:     high,
			CreatedAt: now,
			UpdatedAt: now,
		},
		byClient: make(map[string]int),
	})

	return v.(*memConversation)
}

func (s *MemoryStore) index(userId int, key string) {
	v, _ := s.byUser.LoadOrStore(userId, &userIndex{ids: make(map[string]struct{})})
	idx := v.(*userIndex)
	idx.mu.Lock()
	idx.ids[key] = struct{}{}
	idx.mu.Unlock()
}

func (s *MemoryStore) lookup(conversationId string) (*memConversation, bool) {
	v, ok := s.conversations.Load(conversationId)
	if !ok {
		return nil, false
	}
	return v.(*memConversation), true
}

func clientKey(senderId int, clientMsgId string) string {
	return strconv.Itoa(senderId) + ":" + clientMsgId
}

func (s *MemoryStore) AppendMessage(ctx context.Context, params AppendParams) (AppendResult, error) {
	if params.SenderId == params.ReceiverId {
		return AppendResult{}, ErrSameUser
	}

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	c := s.getOrCreate(params.SenderId, params.ReceiverId, createdAt)
	if err := c.acquire(ctx); err != nil {
		return AppendResult{}, err
	}
	defer c.release()

	if params.ClientMsgId != "" {
		if i, ok := c.byClient[clientKey(params.SenderId, params.ClientMsgId)]; ok {
			return AppendResult{
				Message:      c.messages[i],
				Conversation: c.conv,
				Duplicate:    true,
			}, nil
		}
	}

	msg := Message{
		Id:             int(s.lastId.Add(1)),
		ConversationId: c.conv.Id,
		SeqId:          c.conv.SeqId + 1,
		SenderId:       params.SenderId,
		ReceiverId:     params.ReceiverId,
		Content:        params.Content,
		MediaUrl:       params.MediaUrl,
		MediaType:      params.MediaType,
		ClientMsgId:    params.ClientMsgId,
		CreatedAt:      createdAt,
	}

	c.messages = append(c.messages, msg)
	if msg.ClientMsgId != "" {
		c.byClient[clientKey(msg.SenderId, msg.ClientMsgId)] = len(c.messages) - 1
	}
	c.conv.applyAppend(msg)

	return AppendResult{Message: msg, Conversation: c.conv}, nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, conversationId string, afterSeqId, limit int) ([]Message, error) {
	c, ok := s.lookup(conversationId)
	if !ok {
		return []Message{}, nil
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	start := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].SeqId > afterSeqId
	})
	end := len(c.messages)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]Message, end-start)
	copy(out, c.messages[start:end])
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, conversationId string, readerId, uptoSeqId int) (Conversation, error) {
	c, ok := s.lookup(conversationId)
	if !ok {
		return Conversation{}, ErrNotFound
	}

	if err := c.acquire(ctx); err != nil {
		return Conversation{}, err
	}
	defer c.release()

	if !c.conv.HasParticipant(readerId) {
		return Conversation{}, ErrNotParticipant
	}

	upto := c.conv.clampSeq(uptoSeqId)
	var remaining int
	for i := range c.messages {
		m := &c.messages[i]
		if m.ReceiverId != readerId || m.IsRead {
			continue
		}
		if m.SeqId <= upto {
			m.IsRead = true
		} else {
			remaining++
		}
	}
	c.conv.applyRead(readerId, remaining)

	return c.conv, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, conversationId string) (Conversation, error) {
	c, ok := s.lookup(conversationId)
	if !ok {
		return Conversation{}, ErrNotFound
	}

	if err := c.acquire(ctx); err != nil {
		return Conversation{}, err
	}
	defer c.release()

	return c.conv, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userId int) ([]Conversation, error) {
	v, ok := s.byUser.Load(userId)
	if !ok {
		return []Conversation{}, nil
	}

	idx := v.(*userIndex)
	idx.mu.Lock()
	keys := lo.Keys(idx.ids)
	idx.mu.Unlock()

	convs := make([]Conversation, 0, len(keys))
	for _, key := range keys {
		conv, err := s.GetConversation(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if conv.SeqId == 0 {
			// created but the first append has not committed yet
			continue
		}
		convs = append(convs, conv)
	}

	sortConversations(convs)
	return convs, nil
}

func (s *MemoryStore) UnreadCount(ctx context.Context, userId int) (int, error) {
	convs, err := s.ListConversations(ctx, userId)
	if err != nil {
		return 0, err
	}

	return lo.SumBy(convs, func(c Conversation) int {
		return c.UnreadFor(userId)
	}), nil
}

// sortConversations orders by most recent activity first.
func sortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].Id < convs[j].Id
		}
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
}
