package database

import (
	"context"
	"sync"
	"time"
)

// LastSeenStore persists when a user's last session closed.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, userId int, at time.Time) error
	LastSeen(ctx context.Context, userId int) (time.Time, bool, error)
}

type MemoryLastSeen struct {
	seen sync.Map // int -> time.Time
}

func NewMemoryLastSeen() *MemoryLastSeen {
	return &MemoryLastSeen{}
}

func (m *MemoryLastSeen) SetLastSeen(_ context.Context, userId int, at time.Time) error {
	m.seen.Store(userId, at)
	return nil
}

func (m *MemoryLastSeen) LastSeen(_ context.Context, userId int) (time.Time, bool, error) {
	v, ok := m.seen.Load(userId)
	if !ok {
		return time.Time{}, false, nil
	}
	return v.(time.Time), true, nil
}
