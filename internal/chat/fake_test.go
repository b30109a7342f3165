package chat

import (
	"encoding/json"
	"sync"
	"testing"

	"collabup/server/internal/models"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id       string
	identity models.Identity

	mu     sync.Mutex
	frames []Envelope
	full   bool
	closed bool
}

func newFakeConn(id, userID, name string) *fakeConn {
	return &fakeConn{id: id, identity: models.Identity{ID: userID, Name: name, Email: userID + "@example.com"}}
}

func (c *fakeConn) ID() string                { return c.id }
func (c *fakeConn) Identity() models.Identity { return c.identity }

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || c.closed {
		return false
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	c.frames = append(c.frames, env)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

// events returns the received frames of type t
func (c *fakeConn) events(t EventType) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Envelope
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func decodeAs[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}
