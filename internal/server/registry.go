package server

import (
	"context"
	"log"
	"slices"
	"sync"

	"github.com/npezzotti/gigchat/internal/notify"
	"github.com/npezzotti/gigchat/internal/stats"
	"github.com/samber/lo"
)

const registryShards = 32

// Registry maps users to their live sessions.
type Registry struct {
	log        *log.Logger
	dispatcher notify.Dispatcher
	stats      stats.StatsProvider
	shards     [registryShards]*registryShard
}

type registryShard struct {
	mu    sync.RWMutex
	users map[int]map[string]*Client
}

func NewRegistry(logger *log.Logger, dispatcher notify.Dispatcher, su stats.StatsProvider) *Registry {
	r := &Registry{
		log:        logger,
		dispatcher: dispatcher,
		stats:      su,
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{users: make(map[int]map[string]*Client)}
	}
	return r
}

func (r *Registry) shard(userId int) *registryShard {
	return r.shards[uint(userId)%registryShards]
}

// Register adds the session and returns the number of live sessions of its
// user, including this one.
func (r *Registry) Register(c *Client) int {
	s := r.shard(c.userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, ok := s.users[c.userId]
	if !ok {
		sessions = make(map[string]*Client)
		s.users[c.userId] = sessions
	}
	sessions[c.id] = c

	return len(sessions)
}

// Unregister removes the session and returns the number of sessions its user
// has left. ok is false if the session was not registered.
func (r *Registry) Unregister(c *Client) (remaining int, ok bool) {
	s := r.shard(c.userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, found := s.users[c.userId]
	if !found {
		return 0, false
	}
	if _, found := sessions[c.id]; !found {
		return len(sessions), false
	}

	delete(sessions, c.id)
	if len(sessions) == 0 {
		delete(s.users, c.userId)
	}

	return len(sessions), true
}

// SessionsFor returns the session ids of the user in sorted order.
func (r *Registry) SessionsFor(userId int) []string {
	s := r.shard(userId)
	s.mu.RLock()
	ids := lo.Keys(s.users[userId])
	s.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

func (r *Registry) Count(userId int) int {
	s := r.shard(userId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.users[userId])
}

func (r *Registry) clients(userId int) []*Client {
	s := r.shard(userId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Values(s.users[userId])
}

// Broadcast queues msg on every session of the user except skip and returns
// how many sessions accepted it. A slow session never blocks the others.
// Message events for a user with no live session go to the notification
// dispatcher instead.
func (r *Registry) Broadcast(userId int, msg *ServerMessage, skip *Client) int {
	n, online := r.deliver(userId, msg, skip)
	if !online {
		r.notifyOffline(userId, msg)
	}
	return n
}

// Redeliver queues msg like Broadcast but never falls back to the
// notification dispatcher.
func (r *Registry) Redeliver(userId int, msg *ServerMessage, skip *Client) int {
	n, _ := r.deliver(userId, msg, skip)
	return n
}

func (r *Registry) deliver(userId int, msg *ServerMessage, skip *Client) (delivered int, online bool) {
	targets := r.clients(userId)
	for _, c := range targets {
		if c == skip {
			continue
		}
		if c.queueMessage(msg) {
			delivered++
		}
	}

	return delivered, len(targets) > 0
}

func (r *Registry) notifyOffline(userId int, msg *ServerMessage) {
	if msg.Message == nil || msg.Message.ReceiverId != userId {
		return
	}

	summary := notify.Summary{
		UserId:         userId,
		SenderId:       msg.Message.SenderId,
		ConversationId: msg.Message.ConversationId,
		SeqId:          msg.Message.SeqId,
		Preview:        notify.Preview(msg.Message.Content),
		SentAt:         msg.Message.Timestamp,
	}
	if msg.Conversation != nil {
		summary.UnreadCount = msg.Conversation.UnreadCount
	}

	if err := r.dispatcher.Notify(context.Background(), userId, summary); err != nil {
		r.log.Printf("notify user %d: %v", userId, err)
	}
}
