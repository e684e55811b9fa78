package server

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gigchat/internal/stats"
	"github.com/teris-io/shortid"
)

const writeWait = 10 * time.Second

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client is one websocket session. userId is set once by the read goroutine
// before the session is registered and never changes afterwards.
type Client struct {
	id          string
	conn        *websocket.Conn
	chatServer  *ChatServer
	log         *log.Logger
	userId      int
	state       atomic.Int32
	connectedAt time.Time
	send        chan *ServerMessage
	stop        chan struct{}
	stopOnce    sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = Now().Format("20060102150405.000")
	}

	return &Client{
		id:          id,
		conn:        conn,
		chatServer:  cs,
		log:         l,
		connectedAt: Now(),
		send:        make(chan *ServerMessage, cs.opts.SendBuffer),
		stop:        make(chan struct{}),
	}
}

func (c *Client) SessionId() string {
	return c.id
}

func (c *Client) UserId() int {
	return c.userId
}

func (c *Client) State() SessionState {
	return SessionState(c.state.Load())
}

func (c *Client) setState(s SessionState) {
	c.state.Store(int32(s))
}

func (c *Client) Write() {
	ticker := time.NewTicker(c.chatServer.pingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.writeClose(websocket.ClosePolicyViolation, "authentication failed")
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				c.chatServer.stats.Incr(stats.DeliveryFailures)
				return
			}
		case <-c.stop:
			c.writeClose(websocket.CloseNormalClosure, "")
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.cleanup()
	}()

	c.conn.SetReadLimit(c.chatServer.opts.MaxMessageSize)
	if !c.authenticate() {
		return
	}

	// only frames and pings from the client count as activity, pongs to the
	// server's pings do not
	idle := c.chatServer.opts.IdleTimeout
	c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(idle))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(idle))
		c.handleRaw(raw)
	}
}

// authenticate reads the first frame. On failure the auth_error frame is
// queued and the send queue closed so the writer flushes it and closes the
// connection.
func (c *Client) authenticate() bool {
	c.setState(StateAuthenticating)
	c.conn.SetReadDeadline(time.Now().Add(c.chatServer.opts.AuthTimeout))

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.rejectAuth(NewAuthError(AuthCodeTimeout, err))
		} else {
			c.rejectAuth(NewAuthError(AuthCodeInvalidFrame, err))
		}
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.chatServer.opts.AuthTimeout)
	defer cancel()

	id, userId, err := c.chatServer.authenticate(ctx, raw)
	if err != nil {
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			perr = NewAuthError(AuthCodeUnavailable, err)
		}
		c.rejectAuth(perr)
		return false
	}

	c.userId = userId
	c.setState(StateActive)
	c.queueMessage(AuthSuccessMsg(id, c.id, userId))
	c.chatServer.activate(c)

	return true
}

func (c *Client) rejectAuth(perr *ProtocolError) {
	c.log.Printf("session %s: %v", c.id, perr)
	c.chatServer.stats.Incr(stats.AuthFailures)
	c.setState(StateClosed)
	c.queueMessage(AuthErrorMsg(perr.Message))
	close(c.send)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println(NewDeliveryError(c.id))
		if c.chatServer != nil {
			c.chatServer.stats.Incr(stats.DeliveryFailures)
		}
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) writeClose(code int, text string) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	wasActive := c.State() == StateActive
	c.setState(StateClosed)

	if wasActive {
		c.chatServer.deactivate(c)
		c.stopClient()
	}

	c.chatServer.removeClient(c)
}
