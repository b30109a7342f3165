package chat

import (
	"testing"

	"collabup/server/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinedRegistry(t *testing.T, conns ...*fakeConn) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, c := range conns {
		require.True(t, r.Register(c, c.identity.ID))
		require.True(t, r.Join(c, "study-1"))
	}
	return r
}

func TestBroadcastReachesEveryJoinedConnection(t *testing.T) {
	a := newFakeConn("c1", "u1", "Ana")
	b := newFakeConn("c2", "u2", "Ben")
	outsider := newFakeConn("c3", "u3", "Cy")
	r := joinedRegistry(t, a, b)
	require.True(t, r.Register(outsider, "u3"))

	metrics := NewMetrics(prometheus.NewRegistry())
	e := NewEngine(r, metrics)
	e.BroadcastMessage("study-1", &models.Message{ID: "m1", Content: "hi"})

	for _, c := range []*fakeConn{a, b} {
		frames := c.events(EventNewMessage)
		require.Len(t, frames, 1)
		assert.Equal(t, "hi", decodeAs[models.Message](t, frames[0]).Content)
	}
	assert.Empty(t, outsider.events(EventNewMessage))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Deliveries.WithLabelValues(string(EventNewMessage))))
}

func TestBroadcastTypingSkipsOrigin(t *testing.T) {
	a := newFakeConn("c1", "u1", "Ana")
	b := newFakeConn("c2", "u2", "Ben")
	e := NewEngine(joinedRegistry(t, a, b), nil)

	e.BroadcastTyping("study-1", TypingPayload{GroupID: "study-1", UserID: "u1", UserName: "Ana"}, a)
	assert.Empty(t, a.events(EventUserTyping))
	require.Len(t, b.events(EventUserTyping), 1)

	e.BroadcastStopTyping("study-1", TypingPayload{GroupID: "study-1", UserID: "u1"}, nil)
	assert.Len(t, a.events(EventUserStoppedTyping), 1)
	assert.Len(t, b.events(EventUserStoppedTyping), 1)
}

func TestBroadcastRecordsFailedConnectionsOnce(t *testing.T) {
	a := newFakeConn("c1", "u1", "Ana")
	b := newFakeConn("c2", "u2", "Ben")
	b.setFull(true)
	metrics := NewMetrics(nil)
	e := NewEngine(joinedRegistry(t, a, b), metrics)

	e.BroadcastRoster("study-1", nil)
	e.BroadcastRoster("study-1", nil)

	failed := e.TakeFailed()
	require.Len(t, failed, 1)
	assert.Equal(t, "c2", failed[0].ID())
	assert.Empty(t, e.TakeFailed())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Dropped))

	frames := a.events(EventMemberUpdate)
	require.Len(t, frames, 2)
	assert.JSONEq(t, `[]`, string(frames[0].Payload))
}

func TestBroadcastStatusAndReactionPayloads(t *testing.T) {
	a := newFakeConn("c1", "u1", "Ana")
	e := NewEngine(joinedRegistry(t, a), nil)

	msg := &models.Message{
		ID:        "m1",
		SenderID:  "u2",
		Status:    models.StatusDelivered,
		Receipts:  map[string]models.Status{"u1": models.StatusRead, "u3": models.StatusDelivered},
		Reactions: models.Reactions{"🔥": {"u1"}},
	}
	e.BroadcastStatus("study-1", msg, "u1")
	e.BroadcastReaction("study-1", msg, "u1", "🔥")

	status := decodeAs[MessageStatusPayload](t, a.events(EventMessageStatus)[0])
	assert.Equal(t, MessageStatusPayload{MessageID: "m1", Status: models.StatusDelivered, UserID: "u1", RecipientStatus: models.StatusRead}, status)

	reaction := decodeAs[MessageReactionPayload](t, a.events(EventMessageReaction)[0])
	assert.Equal(t, []string{"u1"}, reaction.Reactions["🔥"])
}
