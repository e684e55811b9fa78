package server

import (
	"context"
	"log"

	"github.com/npezzotti/gigchat/internal/database"
	"github.com/npezzotti/gigchat/internal/types"
	"github.com/samber/lo"
)

// PresenceTracker derives online status from the registry and persists the
// time each user was last seen.
type PresenceTracker struct {
	log      *log.Logger
	registry *Registry
	lastSeen database.LastSeenStore
	db       database.MessageStore
}

func NewPresenceTracker(logger *log.Logger, registry *Registry, lastSeen database.LastSeenStore, db database.MessageStore) *PresenceTracker {
	return &PresenceTracker{
		log:      logger,
		registry: registry,
		lastSeen: lastSeen,
		db:       db,
	}
}

// Connected is called after a session registered. sessions is the count
// returned by the registry.
func (p *PresenceTracker) Connected(ctx context.Context, userId, sessions int) {
	if sessions != 1 {
		return
	}
	p.notifyPeers(ctx, userId)
}

// Disconnected is called after a session unregistered. The last session
// going away records the last-seen time.
func (p *PresenceTracker) Disconnected(ctx context.Context, userId, remaining int) {
	if remaining != 0 {
		return
	}

	if err := p.lastSeen.SetLastSeen(ctx, userId, Now()); err != nil {
		p.log.Printf("set last seen for user %d: %v", userId, err)
	}
	p.notifyPeers(ctx, userId)
}

func (p *PresenceTracker) Status(ctx context.Context, userId int) (types.Presence, error) {
	if p.registry.Count(userId) > 0 {
		return types.Presence{UserId: userId, Status: types.StatusOnline}, nil
	}

	presence := types.Presence{UserId: userId, Status: types.StatusOffline}
	at, ok, err := p.lastSeen.LastSeen(ctx, userId)
	if err != nil {
		return presence, err
	}
	if ok {
		presence.LastSeenAt = &at
	}

	return presence, nil
}

// Peers returns the presence of everyone the user has a conversation with.
func (p *PresenceTracker) Peers(ctx context.Context, userId int) ([]types.Presence, error) {
	peers, err := p.peerIds(ctx, userId)
	if err != nil {
		return nil, err
	}

	out := make([]types.Presence, 0, len(peers))
	for _, peer := range peers {
		presence, err := p.Status(ctx, peer)
		if err != nil {
			p.log.Printf("presence of user %d: %v", peer, err)
		}
		out = append(out, presence)
	}

	return out, nil
}

func (p *PresenceTracker) peerIds(ctx context.Context, userId int) ([]int, error) {
	convs, err := p.db.ListConversations(ctx, userId)
	if err != nil {
		return nil, err
	}

	return lo.Uniq(lo.Map(convs, func(c database.Conversation, _ int) int {
		return c.OtherParticipant(userId)
	})), nil
}

// notifyPeers reads the current status instead of trusting the transition
// so that racing connects and disconnects converge on the last state.
func (p *PresenceTracker) notifyPeers(ctx context.Context, userId int) {
	presence, err := p.Status(ctx, userId)
	if err != nil {
		p.log.Printf("presence of user %d: %v", userId, err)
	}

	peers, err := p.peerIds(ctx, userId)
	if err != nil {
		p.log.Printf("list peers of user %d: %v", userId, err)
		return
	}

	for _, peer := range peers {
		p.registry.Broadcast(peer, PresenceUpdate(presence), nil)
	}
}
