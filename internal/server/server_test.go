package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/gigchat/internal/auth"
	"github.com/npezzotti/gigchat/internal/database"
	"github.com/npezzotti/gigchat/internal/filter"
	"github.com/npezzotti/gigchat/internal/notify"
	"github.com/npezzotti/gigchat/internal/stats"
	"github.com/npezzotti/gigchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type testEnv struct {
	cs         *ChatServer
	store      *database.MemoryStore
	auth       *auth.JWTProvider
	dispatcher *notify.MockDispatcher
	lastSeen   *database.MemoryLastSeen
}

// newTestEnv creates a chat server on the memory store with accounts 1, 2
// and 3.
func newTestEnv(t *testing.T, opts Options) *testEnv {
	store := database.NewMemoryStore()
	store.AddAccount(1, 2, 3)

	dispatcher := &notify.MockDispatcher{}
	dispatcher.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	env := &testEnv{
		store:      store,
		auth:       auth.NewJWTProvider(testSigningKey),
		dispatcher: dispatcher,
		lastSeen:   database.NewMemoryLastSeen(),
	}
	env.cs = newTestChatServer(t, store, env.auth, dispatcher, env.lastSeen, opts)
	return env
}

func newTestChatServer(t *testing.T, db database.MessageStore, authProvider auth.Provider,
	dispatcher notify.Dispatcher, lastSeen database.LastSeenStore, opts Options) *ChatServer {
	f, err := filter.NewDefaultFilter()
	require.NoError(t, err, "failed to create filter")

	cs, err := NewChatServer(testutil.TestLogger(t), db, authProvider, f, dispatcher, lastSeen, stats.NewLenientMock(), opts)
	require.NoError(t, err, "failed to create test ChatServer")
	return cs
}

// connect registers an authenticated session for userId without a network
// connection and discards the frames queued on activation.
func (e *testEnv) connect(t *testing.T, userId int) *Client {
	c := newSession(t, e.cs, userId)
	e.cs.activate(c)
	drain(c)
	return c
}

func (e *testEnv) token(t *testing.T, userId int) string {
	token, err := e.auth.NewToken(userId, time.Hour)
	require.NoError(t, err)
	return token
}

func newSession(t *testing.T, cs *ChatServer, userId int) *Client {
	c := NewClient(nil, cs, testutil.TestLogger(t))
	c.userId = userId
	c.setState(StateActive)
	return c
}

// drain returns every frame currently queued for the client.
func drain(c *Client) []*ServerMessage {
	var out []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func ofType(msgs []*ServerMessage, typ string) []*ServerMessage {
	var out []*ServerMessage
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestNewChatServer(t *testing.T) {
	db := database.NewMemoryStore()
	f, err := filter.NewDefaultFilter()
	require.NoError(t, err)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(len(stats.Metrics))

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, auth.NewJWTProvider(testSigningKey), f,
		notify.NewLogDispatcher(logger), database.NewMemoryLastSeen(), su, DefaultOptions())
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected message store to be set")
	assert.NotNil(t, cs.registry, "expected registry to be initialized")
	assert.NotNil(t, cs.presence, "expected presence tracker to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")

	_, err = NewChatServer(logger, nil, nil, nil, nil, nil, su, DefaultOptions())
	assert.Error(t, err, "expected missing collaborators to be rejected")
}

func TestChatServer_authenticate(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	ctx := context.Background()

	tcases := []struct {
		name     string
		raw      string
		userId   int
		code     string
		frameId  int
		hasError bool
	}{
		{
			name:    "valid token",
			raw:     `{"id":7,"type":"auth","data":{"user_id":1,"credential":"` + env.token(t, 1) + `"}}`,
			userId:  1,
			frameId: 7,
		},
		{
			name:     "token of another user",
			raw:      `{"type":"auth","data":{"user_id":2,"credential":"` + env.token(t, 1) + `"}}`,
			code:     AuthCodeInvalidCredential,
			hasError: true,
		},
		{
			name:     "garbage credential",
			raw:      `{"type":"auth","data":{"user_id":1,"credential":"nope"}}`,
			code:     AuthCodeInvalidCredential,
			hasError: true,
		},
		{
			name:     "first frame is not auth",
			raw:      `{"type":"message","data":{"receiver_id":2,"content":"hi"}}`,
			code:     AuthCodeRequired,
			hasError: true,
		},
		{
			name:     "missing user id",
			raw:      `{"type":"auth","data":{"credential":"x"}}`,
			code:     AuthCodeInvalidFrame,
			hasError: true,
		},
		{
			name:     "not json",
			raw:      `hello`,
			code:     AuthCodeInvalidFrame,
			hasError: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			frameId, userId, err := env.cs.authenticate(ctx, []byte(tc.raw))
			if tc.hasError {
				var perr *ProtocolError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, KindAuth, perr.Kind)
				assert.Equal(t, tc.code, perr.Message)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.userId, userId)
			assert.Equal(t, tc.frameId, frameId)
		})
	}
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("no sessions", func(t *testing.T) {
		env := newTestEnv(t, DefaultOptions())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, env.cs.Shutdown(ctx), "expected successful shutdown without error")
		assert.ErrorIs(t, env.cs.addClient(newSession(t, env.cs, 1)), ErrShuttingDown,
			"expected new sessions to be rejected after shutdown")
	})

	t.Run("stops sessions and waits for them", func(t *testing.T) {
		env := newTestEnv(t, DefaultOptions())
		c := newSession(t, env.cs, 1)
		require.NoError(t, env.cs.addClient(c))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-c.stop
			env.cs.removeClient(c)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, env.cs.Shutdown(ctx))
		wg.Wait()
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		env := newTestEnv(t, DefaultOptions())
		c := newSession(t, env.cs, 1)
		require.NoError(t, env.cs.addClient(c))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := env.cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)

		select {
		case <-c.stop:
		default:
			t.Error("expected stop channel to be closed")
		}
	})
}

func TestChatServer_Conversations(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	a := env.connect(t, 1)
	ctx := context.Background()

	_, err := env.cs.SendMessage(ctx, a, Publish{ReceiverId: 2, Content: "hi"})
	require.NoError(t, err)
	_, err = env.cs.SendMessage(ctx, a, Publish{ReceiverId: 3, Content: "hello"})
	require.NoError(t, err)

	summaries, err := env.cs.Conversations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].OtherUserId)
	assert.Equal(t, 1, summaries[0].UnreadCount)

	unread, err := env.cs.UnreadCount(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	summaries, err = env.cs.Conversations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
	for _, s := range summaries {
		assert.Zero(t, s.UnreadCount, "sender has nothing unread")
	}
}
