package server

import (
	"context"

	"github.com/cespare/xxhash/v2"
)

const deliveryShards = 32

// deliveryLocks serialises append and fan-out per conversation so every
// session queues the events of a conversation in sequence order. Waiting is
// bounded by the caller's context.
type deliveryLocks [deliveryShards]chan struct{}

func newDeliveryLocks() *deliveryLocks {
	var l deliveryLocks
	for i := range l {
		l[i] = make(chan struct{}, 1)
	}
	return &l
}

func (l *deliveryLocks) shard(conversationId string) chan struct{} {
	return l[xxhash.Sum64String(conversationId)%deliveryShards]
}

func (l *deliveryLocks) acquire(ctx context.Context, conversationId string) (release func(), err error) {
	sem := l.shard(conversationId)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
