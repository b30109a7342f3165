package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"collabup/server/internal/chat"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ErrClosed is returned by operations on a closed connection or session
var ErrClosed = errors.New("chat connection closed")

// Transport carries envelopes to and from the chat server
type Transport interface {
	Emit(t chat.EventType, payload any) error
	Receive() (chat.Envelope, error)
	Close() error
}

// Conn is a websocket connection to the chat server. It is owned by
// whoever dialled it until handed to a Session.
type Conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the websocket endpoint at url, authenticating with token
func Dial(ctx context.Context, url, token string) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws, closed: make(chan struct{})}, nil
}

// Emit writes one event frame
func (c *Conn) Emit(t chat.EventType, payload any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	env, err := chat.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next event frame. Frames that do not decode are skipped.
func (c *Conn) Receive() (chat.Envelope, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return chat.Envelope{}, ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return chat.Envelope{}, ErrClosed
			}
			return chat.Envelope{}, err
		}
		var env chat.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			continue
		}
		return env, nil
	}
}

// Close sends a close frame and releases the socket
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

var _ Transport = (*Conn)(nil)
