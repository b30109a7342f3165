package websocket

import (
	"sync"
	"time"

	"collabup/server/internal/chat"
	"collabup/server/internal/logger"
	"collabup/server/internal/models"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

// Dispatcher is the part of the chat hub a client talks to
type Dispatcher interface {
	Dispatch(conn chat.Conn, raw []byte) error
	Unregister(conn chat.Conn)
}

// Options tunes a client connection
type Options struct {
	SendBuffer int
	EventRate  float64 // Inbound events per second, 0 disables limiting
	EventBurst int
}

// Client represents a WebSocket client connection
type Client struct {
	id       string
	identity models.Identity
	conn     *websocket.Conn
	hub      Dispatcher
	limiter  *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new WebSocket client for an authenticated identity
func NewClient(identity models.Identity, conn *websocket.Conn, hub Dispatcher, opts Options) *Client {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 256
	}
	c := &Client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
	}
	if opts.EventRate > 0 {
		burst := opts.EventBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.EventRate), burst)
	}
	return c
}

// ID returns the connection id
func (c *Client) ID() string { return c.id }

// Identity returns the authenticated user behind the connection
func (c *Client) Identity() models.Identity { return c.identity }

// Send queues data for the write pump. It never blocks and reports false
// when the buffer is full or the client is closed.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump handles incoming messages from the client
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Warn("websocket_read_error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			logger.Log.Warn("websocket_rate_limited", zap.String("conn", c.id), zap.String("user", c.identity.ID))
			continue
		}

		if err := c.hub.Dispatch(c, message); err != nil {
			if err == chat.ErrHubStopped {
				return
			}
			logger.Log.Debug("websocket_bad_frame", zap.String("conn", c.id), zap.Error(err))
		}
	}
}

// WritePump handles outgoing messages to the client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Log.Warn("websocket_write_error", zap.String("conn", c.id), zap.Error(err))
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

var _ chat.Conn = (*Client)(nil)
