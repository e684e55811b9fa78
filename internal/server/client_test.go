package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gigchat/internal/testutil"
	"github.com/npezzotti/gigchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := NoErrOK(1, "test data")

	expected := `{"id":1,"type":"response","timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", SessionState(9).String())
}

// newWsServer serves the chat server over a real websocket endpoint.
func newWsServer(t *testing.T, cs *ChatServer) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		if err := cs.Serve(conn); err != nil {
			conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err, "failed to dial websocket")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// readUntil reads frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) *ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", typ)

		var msg ServerMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg.Type == typ {
			return &msg
		}
	}
}

func login(t *testing.T, env *testEnv, srv *httptest.Server, userId int) *websocket.Conn {
	before := env.cs.registry.Count(userId)
	conn := dial(t, srv)
	writeFrame(t, conn, fmt.Sprintf(`{"id":1,"type":"auth","data":{"user_id":%d,"credential":%q}}`, userId, env.token(t, userId)))

	msg := readUntil(t, conn, TypeAuthSuccess)
	require.NotNil(t, msg.AuthSuccess)
	require.NotEmpty(t, msg.AuthSuccess.SessionId)
	require.Equal(t, userId, msg.AuthSuccess.UserId)

	// registration happens right after auth_success is queued
	require.Eventually(t, func() bool {
		return env.cs.registry.Count(userId) == before+1
	}, time.Second, 5*time.Millisecond)

	return conn
}

func TestClient_AuthHandshake(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t, DefaultOptions())
		srv := newWsServer(t, env.cs)

		login(t, env, srv, 1)
		assert.Equal(t, 1, env.cs.registry.Count(1))
	})

	tcases := []struct {
		name  string
		frame func(env *testEnv) string
		code  string
	}{
		{
			name: "bad credential",
			frame: func(env *testEnv) string {
				return `{"type":"auth","data":{"user_id":1,"credential":"forged"}}`
			},
			code: AuthCodeInvalidCredential,
		},
		{
			name: "first frame not auth",
			frame: func(env *testEnv) string {
				return `{"type":"ping"}`
			},
			code: AuthCodeRequired,
		},
		{
			name: "malformed frame",
			frame: func(env *testEnv) string {
				return `{{`
			},
			code: AuthCodeInvalidFrame,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, DefaultOptions())
			srv := newWsServer(t, env.cs)
			conn := dial(t, srv)

			writeFrame(t, conn, tc.frame(env))

			msg := readUntil(t, conn, TypeAuthError)
			require.NotNil(t, msg.AuthError)
			assert.Equal(t, tc.code, msg.AuthError.Code)

			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected the connection to be closed, got %v", err)
			assert.Equal(t, 0, env.cs.registry.Count(1))
		})
	}

	t.Run("timeout", func(t *testing.T) {
		opts := DefaultOptions()
		opts.AuthTimeout = 100 * time.Millisecond
		env := newTestEnv(t, opts)
		srv := newWsServer(t, env.cs)
		conn := dial(t, srv)

		msg := readUntil(t, conn, TypeAuthError)
		assert.Equal(t, AuthCodeTimeout, msg.AuthError.Code)
	})
}

func TestClient_EndToEnd(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	srv := newWsServer(t, env.cs)

	a := login(t, env, srv, 1)
	b1 := login(t, env, srv, 2)
	b2 := login(t, env, srv, 2)

	writeFrame(t, a, `{"id":2,"type":"message","data":{"receiver_id":2,"content":"hi","client_msg_id":"m-1"}}`)

	ack := readUntil(t, a, TypeResponse)
	assert.Equal(t, 2, ack.Id)
	assert.Equal(t, http.StatusAccepted, ack.Response.ResponseCode)
	data, ok := ack.Response.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["seq_id"])
	assert.Equal(t, "m-1", data["client_msg_id"])

	for _, b := range []*websocket.Conn{b1, b2} {
		msg := readUntil(t, b, TypeMessage)
		assert.Equal(t, "hi", msg.Message.Content)
		assert.Equal(t, 1, msg.Message.SeqId)
		assert.Equal(t, 1, msg.Conversation.UnreadCount)
	}

	writeFrame(t, b1, `{"id":3,"type":"mark_read","data":{"conversation_id":"1:2","upto_seq_id":1}}`)
	for _, b := range []*websocket.Conn{b1, b2} {
		update := readUntil(t, b, TypeConversationUpdate)
		assert.Equal(t, 0, update.Conversation.UnreadCount)
	}

	receipt := readUntil(t, a, TypeReadReceipt)
	assert.Equal(t, 2, receipt.ReadReceipt.ReaderId)
	assert.Equal(t, 1, receipt.ReadReceipt.UptoSeqId)

	writeFrame(t, b2, `{"id":4,"type":"get_messages","data":{"other_user_id":1,"since_seq_id":0}}`)
	hist := readUntil(t, b2, TypeMessageHistory)
	require.Len(t, hist.History.Messages, 1)
	assert.Equal(t, "hi", hist.History.Messages[0].Content)
	assert.True(t, hist.History.Messages[0].IsRead)

	writeFrame(t, a, `{"id":5,"type":"ping"}`)
	assert.Equal(t, 5, readUntil(t, a, TypePong).Id)

	a.Close()
	presence := readUntil(t, b1, TypePresenceUpdate)
	assert.Equal(t, 1, presence.Presence.UserId)
	assert.Equal(t, types.StatusOffline, presence.Presence.Status)
	assert.Eventually(t, func() bool {
		return env.cs.registry.Count(1) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestClient_IdleTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.IdleTimeout = 150 * time.Millisecond
	env := newTestEnv(t, opts)
	srv := newWsServer(t, env.cs)

	login(t, env, srv, 1)
	time.Sleep(400 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return env.cs.registry.Count(1) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_IdleTimeoutIgnoresPongs(t *testing.T) {
	opts := DefaultOptions()
	opts.IdleTimeout = 150 * time.Millisecond
	env := newTestEnv(t, opts)
	srv := newWsServer(t, env.cs)

	conn := login(t, env, srv, 1)

	// reading answers every server ping with a pong
	conn.SetReadDeadline(time.Time{})
	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a session that only answers pings to be closed")
	}
	assert.Eventually(t, func() bool {
		return env.cs.registry.Count(1) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ClientPingsKeepSessionAlive(t *testing.T) {
	opts := DefaultOptions()
	opts.IdleTimeout = 150 * time.Millisecond
	env := newTestEnv(t, opts)
	srv := newWsServer(t, env.cs)

	conn := login(t, env, srv, 1)

	for i := 0; i < 10; i++ {
		require.NoError(t, conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)))
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 1, env.cs.registry.Count(1), "expected client pings to count as activity")

	assert.Eventually(t, func() bool {
		return env.cs.registry.Count(1) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_Shutdown(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	srv := newWsServer(t, env.cs)

	a := login(t, env, srv, 1)
	login(t, env, srv, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.cs.Shutdown(ctx))

	a.SetReadDeadline(time.Now().Add(time.Second))
	for {
		_, _, err := a.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected a normal close, got %v", err)
			break
		}
	}
	assert.Equal(t, 0, env.cs.registry.Count(1))
	assert.Equal(t, 0, env.cs.registry.Count(2))
}
