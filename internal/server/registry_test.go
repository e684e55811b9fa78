package server

import (
	"testing"

	"github.com/npezzotti/gigchat/internal/notify"
	"github.com/npezzotti/gigchat/internal/stats"
	"github.com/npezzotti/gigchat/internal/testutil"
	"github.com/npezzotti/gigchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestRegistry(t *testing.T, dispatcher notify.Dispatcher) *Registry {
	return NewRegistry(testutil.TestLogger(t), dispatcher, stats.NewLenientMock())
}

func registryClient(t *testing.T, id string, userId, buffer int) *Client {
	return &Client{
		id:     id,
		userId: userId,
		log:    testutil.TestLogger(t),
		send:   make(chan *ServerMessage, buffer),
		stop:   make(chan struct{}),
	}
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := newTestRegistry(t, &notify.MockDispatcher{})

	a1 := registryClient(t, "a1", 1, 1)
	a2 := registryClient(t, "a2", 1, 1)
	// 33 lands on the same shard as 1
	b := registryClient(t, "b", 33, 1)

	assert.Equal(t, 1, r.Register(a1))
	assert.Equal(t, 2, r.Register(a2))
	assert.Equal(t, 1, r.Register(b))

	assert.Equal(t, 2, r.Count(1))
	assert.Equal(t, 1, r.Count(33))
	assert.Equal(t, 0, r.Count(2))
	assert.Equal(t, []string{"a1", "a2"}, r.SessionsFor(1))
	assert.Empty(t, r.SessionsFor(2))

	remaining, ok := r.Unregister(a1)
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	remaining, ok = r.Unregister(a1)
	assert.False(t, ok, "expected a second unregister to be a no-op")
	assert.Equal(t, 1, remaining)

	remaining, ok = r.Unregister(a2)
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 0, r.Count(1))
	assert.Equal(t, 1, r.Count(33))

	_, ok = r.Unregister(registryClient(t, "x", 5, 1))
	assert.False(t, ok)
}

func TestRegistry_Broadcast(t *testing.T) {
	t.Run("reaches every session except skip", func(t *testing.T) {
		r := newTestRegistry(t, &notify.MockDispatcher{})
		a1 := registryClient(t, "a1", 1, 1)
		a2 := registryClient(t, "a2", 1, 1)
		a3 := registryClient(t, "a3", 1, 1)
		r.Register(a1)
		r.Register(a2)
		r.Register(a3)

		msg := Pong(1)
		assert.Equal(t, 2, r.Broadcast(1, msg, a1))

		assert.Len(t, a1.send, 0)
		assert.Len(t, a2.send, 1)
		assert.Len(t, a3.send, 1)
	})

	t.Run("a full session does not affect the others", func(t *testing.T) {
		r := newTestRegistry(t, &notify.MockDispatcher{})
		slow := registryClient(t, "slow", 1, 1)
		fast := registryClient(t, "fast", 1, 1)
		r.Register(slow)
		r.Register(fast)

		slow.send <- Pong(0)

		assert.Equal(t, 1, r.Broadcast(1, Pong(2), nil))
		assert.Len(t, fast.send, 1)
		assert.Len(t, slow.send, 1)
	})

	t.Run("offline receiver of a message is notified", func(t *testing.T) {
		dispatcher := &notify.MockDispatcher{}
		defer dispatcher.AssertExpectations(t)
		dispatcher.On("Notify", mock.Anything, 2, notify.Summary{
			UserId:         2,
			SenderId:       1,
			ConversationId: "1:2",
			SeqId:          4,
			Preview:        "hello",
			UnreadCount:    3,
		}).Return(nil).Once()

		r := newTestRegistry(t, dispatcher)
		msg := MessageEvent(
			types.Message{ConversationId: "1:2", SeqId: 4, SenderId: 1, ReceiverId: 2, Content: "hello"},
			types.ConversationSummary{Id: "1:2", UserId: 2, OtherUserId: 1, LastSeqId: 4, UnreadCount: 3},
		)

		assert.Equal(t, 0, r.Broadcast(2, msg, nil))
	})

	t.Run("no notification for the sender or other events", func(t *testing.T) {
		dispatcher := &notify.MockDispatcher{}
		defer dispatcher.AssertExpectations(t)

		r := newTestRegistry(t, dispatcher)
		msg := MessageEvent(
			types.Message{ConversationId: "1:2", SeqId: 1, SenderId: 1, ReceiverId: 2, Content: "hello"},
			types.ConversationSummary{Id: "1:2", UserId: 1, OtherUserId: 2, LastSeqId: 1},
		)

		assert.Equal(t, 0, r.Broadcast(1, msg, nil))
		assert.Equal(t, 0, r.Broadcast(2, PresenceUpdate(types.Presence{UserId: 1, Status: types.StatusOnline}), nil))
		dispatcher.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("sender with only the sending session is not notified", func(t *testing.T) {
		dispatcher := &notify.MockDispatcher{}
		r := newTestRegistry(t, dispatcher)
		a := registryClient(t, "a", 1, 1)
		r.Register(a)

		msg := MessageEvent(
			types.Message{ConversationId: "1:2", SeqId: 1, SenderId: 1, ReceiverId: 2, Content: "hello"},
			types.ConversationSummary{Id: "1:2", UserId: 1, OtherUserId: 2, LastSeqId: 1},
		)

		assert.Equal(t, 0, r.Broadcast(1, msg, a))
		dispatcher.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("redelivery never notifies", func(t *testing.T) {
		dispatcher := &notify.MockDispatcher{}
		r := newTestRegistry(t, dispatcher)
		b := registryClient(t, "b", 2, 1)

		msg := MessageEvent(
			types.Message{ConversationId: "1:2", SeqId: 1, SenderId: 1, ReceiverId: 2, Content: "hello"},
			types.ConversationSummary{Id: "1:2", UserId: 2, OtherUserId: 1, LastSeqId: 1, UnreadCount: 1},
		)

		assert.Equal(t, 0, r.Redeliver(2, msg, nil))
		dispatcher.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)

		r.Register(b)
		assert.Equal(t, 1, r.Redeliver(2, msg, nil))
		assert.Len(t, b.send, 1)
	})
}
