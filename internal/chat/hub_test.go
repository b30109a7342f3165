package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"collabup/server/internal/models"
	"collabup/server/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPersister struct {
	mu       sync.Mutex
	messages []*models.Message
	members  []models.Member
}

func (p *recordingPersister) SaveMessage(msg *models.Message) {
	p.mu.Lock()
	p.messages = append(p.messages, msg.Clone())
	p.mu.Unlock()
}

func (p *recordingPersister) AddMember(_ string, member models.Member) {
	p.mu.Lock()
	p.members = append(p.members, member)
	p.mu.Unlock()
}

// gatedStore holds every SaveMessage, and GetGroup of slowRoom, until open
// is called.
type gatedStore struct {
	*store.Memory
	slowRoom string
	release  chan struct{}
	once     sync.Once
}

func newGatedStore(slowRoom string) *gatedStore {
	return &gatedStore{
		Memory: store.NewMemory(
			models.Group{ID: "study-1", Name: "Study group"},
			models.Group{ID: "slow", Name: "Slow group"},
		),
		slowRoom: slowRoom,
		release:  make(chan struct{}),
	}
}

func (g *gatedStore) open() { g.once.Do(func() { close(g.release) }) }

func (g *gatedStore) wait(ctx context.Context) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedStore) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	if groupID == g.slowRoom {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
	}
	return g.Memory.GetGroup(ctx, groupID)
}

func (g *gatedStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	return g.Memory.SaveMessage(ctx, msg)
}

type hubFixture struct {
	t       *testing.T
	hub     *Hub
	persist *recordingPersister
	store   *store.Memory
}

func newHubFixture(t *testing.T, typingTimeout time.Duration) *hubFixture {
	t.Helper()
	mem := store.NewMemory(models.Group{ID: "study-1", Name: "Study group"})
	persist := &recordingPersister{}
	f := startHub(t, Options{
		Loader:        mem,
		Persister:     persist,
		TypingTimeout: typingTimeout,
		RoomLogLimit:  100,
	})
	f.persist = persist
	f.store = mem
	return f
}

func startHub(t *testing.T, opts Options) *hubFixture {
	t.Helper()
	h := NewHub(opts)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return &hubFixture{t: t, hub: h}
}

// flush waits until every queued frame has been applied and no room is
// still loading
func (f *hubFixture) flush() {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		if len(f.hub.inbound) != 0 {
			return false
		}
		idle := false
		err := f.hub.exec(context.Background(), func() {
			idle = len(f.hub.inbound) == 0 && len(f.hub.loading) == 0
		})
		return err == nil && idle
	}, 2*time.Second, time.Millisecond)
}

func (f *hubFixture) connect(id, userID, name string) *fakeConn {
	f.t.Helper()
	c := newFakeConn(id, userID, name)
	require.True(f.t, f.hub.Register(c))
	return c
}

// dispatch queues one frame without waiting for it to be applied
func (f *hubFixture) dispatch(c *fakeConn, t EventType, payload any) {
	f.t.Helper()
	env, err := NewEnvelope(t, payload)
	require.NoError(f.t, err)
	raw, err := json.Marshal(env)
	require.NoError(f.t, err)
	require.NoError(f.t, f.hub.Dispatch(c, raw))
}

func (f *hubFixture) emit(c *fakeConn, t EventType, payload any) {
	f.t.Helper()
	f.dispatch(c, t, payload)
	f.flush()
}

func (f *hubFixture) join(c *fakeConn) {
	f.t.Helper()
	f.emit(c, EventJoinGroup, GroupPayload{GroupID: "study-1", UserID: c.identity.ID})
}

func (f *hubFixture) send(c *fakeConn, msg models.Message) {
	f.t.Helper()
	f.emit(c, EventSendMessage, SendMessagePayload{GroupID: "study-1", Message: msg})
}

func messagesOf(t *testing.T, c *fakeConn) []models.Message {
	t.Helper()
	var out []models.Message
	for _, env := range c.events(EventNewMessage) {
		out = append(out, decodeAs[models.Message](t, env))
	}
	return out
}

func lastRoster(t *testing.T, c *fakeConn) []models.Member {
	t.Helper()
	frames := c.events(EventMemberUpdate)
	require.NotEmpty(t, frames)
	return decodeAs[[]models.Member](t, frames[len(frames)-1])
}

func TestHubStudyGroupScenario(t *testing.T) {
	f := newHubFixture(t, time.Second)
	a := f.connect("c-a", "u-a", "Ana")
	b := f.connect("c-b", "u-b", "Ben")
	f.join(a)
	f.join(b)

	f.send(a, models.Message{ClientID: "tmp-1", Content: "hi"})
	first := messagesOf(t, a)
	require.Len(t, first, 1)

	f.send(b, models.Message{ClientID: "tmp-2", Content: "hey", ReplyTo: first[0].Ref()})

	for _, c := range []*fakeConn{a, b} {
		got := messagesOf(t, c)
		require.Len(t, got, 2)
		assert.Equal(t, "hi", got[0].Content)
		assert.Equal(t, "u-a", got[0].SenderID)
		assert.Equal(t, "hey", got[1].Content)
		require.NotNil(t, got[1].ReplyTo)
		assert.Equal(t, got[0].ID, got[1].ReplyTo.ID)
		assert.Equal(t, "hi", got[1].ReplyTo.Content)
		assert.Equal(t, "Ana", got[1].ReplyTo.SenderName)
		assert.Less(t, got[0].Seq, got[1].Seq)
	}
	assert.Equal(t, "tmp-1", first[0].ClientID)

	history, loaded, err := f.hub.History(context.Background(), "study-1", 10)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Len(t, history, 2)

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	assert.Len(t, f.persist.messages, 2)
	assert.Len(t, f.persist.members, 2)
}

func TestHubPreservesArrivalOrder(t *testing.T) {
	f := newHubFixture(t, time.Second)
	conns := []*fakeConn{
		f.connect("c1", "u1", "Ana"),
		f.connect("c2", "u2", "Ben"),
		f.connect("c3", "u3", "Cy"),
	}
	for _, c := range conns {
		f.join(c)
	}

	var expected []string
	for i := 0; i < 30; i++ {
		sender := conns[i%len(conns)]
		content := fmt.Sprintf("%s-%d", sender.identity.ID, i)
		expected = append(expected, content)
		env, err := NewEnvelope(EventSendMessage, SendMessagePayload{GroupID: "study-1", Message: models.Message{Content: content}})
		require.NoError(t, err)
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, f.hub.Dispatch(sender, raw))
	}
	f.flush()

	for _, c := range conns {
		var got []string
		for _, m := range messagesOf(t, c) {
			got = append(got, m.Content)
		}
		assert.Equal(t, expected, got, "connection %s", c.id)
	}
}

func TestHubJoinIsIdempotent(t *testing.T) {
	f := newHubFixture(t, time.Second)
	a := f.connect("c1", "u1", "Ana")
	f.join(a)
	f.join(a)

	members, loaded, err := f.hub.Members(context.Background(), "study-1")
	require.NoError(t, err)
	require.True(t, loaded)
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].ID)
	assert.Equal(t, models.PresenceOnline, members[0].Status)
	assert.Len(t, a.events(EventMemberUpdate), 1)
}

func TestHubJoinUnknownRoomIsIgnored(t *testing.T) {
	f := newHubFixture(t, time.Second)
	a := f.connect("c1", "u1", "Ana")
	f.emit(a, EventJoinGroup, GroupPayload{GroupID: "nope"})
	f.emit(a, EventSendMessage, SendMessagePayload{GroupID: "nope", Message: models.Message{Content: "hi"}})

	assert.Empty(t, a.events(EventMemberUpdate))
	assert.Empty(t, a.events(EventNewMessage))
	stats, err := f.hub.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Rooms)
}

func TestHubKeepsServingWhileRoomLoads(t *testing.T) {
	gated := newGatedStore("slow")
	f := startHub(t, Options{Loader: gated, TypingTimeout: time.Second, RoomLogLimit: 100})
	t.Cleanup(gated.open)

	a := f.connect("c1", "u1", "Ana")
	b := f.connect("c2", "u2", "Ben")
	f.join(a)

	f.dispatch(b, EventJoinGroup, GroupPayload{GroupID: "slow"})
	f.dispatch(b, EventSendMessage, SendMessagePayload{GroupID: "slow", Message: models.Message{Content: "queued"}})
	f.dispatch(a, EventSendMessage, SendMessagePayload{GroupID: "study-1", Message: models.Message{Content: "hi"}})

	require.Eventually(t, func() bool { return len(messagesOf(t, a)) == 1 }, time.Second, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, err := f.hub.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rooms)
	assert.Empty(t, b.events(EventMemberUpdate))

	gated.open()
	f.flush()

	got := messagesOf(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, "queued", got[0].Content)
	assert.Equal(t, "u2", got[0].SenderID)
	stats, err = f.hub.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Rooms)
}

func TestHubKeepsRunningWhenPersistenceStalls(t *testing.T) {
	gated := newGatedStore("")
	writer := store.NewWriter(gated, 1)
	f := startHub(t, Options{Loader: gated, Persister: writer, TypingTimeout: time.Second, RoomLogLimit: 100})
	t.Cleanup(func() {
		gated.open()
		writer.Close()
	})

	a := f.connect("c1", "u1", "Ana")
	f.join(a)
	for i := 0; i < 5; i++ {
		f.send(a, models.Message{Content: fmt.Sprintf("msg %d", i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stats, err := f.hub.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Connections)
	assert.Len(t, messagesOf(t, a), 5)
}

func TestHubBoundsEventTypeLabels(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	f := startHub(t, Options{
		Loader:        store.NewMemory(models.Group{ID: "study-1"}),
		TypingTimeout: time.Second,
		Metrics:       metrics,
	})
	a := f.connect("c1", "u1", "Ana")
	f.join(a)
	for i := 0; i < 200; i++ {
		f.dispatch(a, EventType(fmt.Sprintf("junk-%d", i)), struct{}{})
	}
	f.flush()

	assert.Equal(t, 2, testutil.CollectAndCount(metrics.Events))
	assert.Equal(t, 200.0, testutil.ToFloat64(metrics.Events.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Events.WithLabelValues(string(EventJoinGroup))))
}

func TestHubLateJoinerGetsSnapshot(t *testing.T) {
	f := newHubFixture(t, time.Minute)
	a := f.connect("c1", "u1", "Ana")
	f.join(a)
	f.emit(a, EventTyping, TypingPayload{GroupID: "study-1"})

	b := f.connect("c2", "u2", "Ben")
	f.join(b)

	roster := lastRoster(t, b)
	require.Len(t, roster, 2)
	assert.True(t, roster[0].IsTyping)

	typing := b.events(EventUserTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, "Ana", decodeAs[TypingPayload](t, typing[0]).UserName)
}

func TestHubReactionSetSemantics(t *testing.T) {
	f := newHubFixture(t, time.Second)
	a := f.connect("c1", "u1", "Ana")
	b := f.connect("c2", "u2", "Ben")
	f.join(a)
	f.join(b)
	f.send(a, models.Message{Content: "hi"})
	msg := messagesOf(t, b)[0]

	react := ReactionPayload{GroupID: "study-1", MessageID: msg.ID, Reaction: "👍"}
	f.emit(b, EventAddReaction, react)
	f.emit(b, EventAddReaction, react)
	f.emit(b, EventAddReaction, ReactionPayload{GroupID: "study-1", MessageID: msg.ID, Reaction: "  "})

	frames := a.events(EventMessageReaction)
	require.Len(t, frames, 1)
	p := decodeAs[MessageReactionPayload](t, frames[0])
	assert.Equal(t, []string{"u2"}, p.Reactions["👍"])

	history, _, err := f.hub.History(context.Background(), "study-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, history[0].Reactions["👍"])
}

func TestHubStatusNeverRegresses(t *testing.T) {
	f := newHubFixture(t, time.Second)
	a := f.connect("c1", "u1", "Ana")
	b := f.connect("c2", "u2", "Ben")
	c := f.connect("c3", "u3", "Cy")
	for _, conn := range []*fakeConn{a, b, c} {
		f.join(conn)
	}
	f.send(a, models.Message{Content: "hi"})
	msg := messagesOf(t, a)[0]
	receipt := ReceiptPayload{GroupID: "study-1", MessageID: msg.ID}

	f.emit(b, EventMessageRead, receipt)
	f.emit(b, EventMessageDelivered, receipt)
	f.emit(c, EventMessageDelivered, receipt)
	f.emit(c, EventMessageRead, receipt)
	f.emit(c, EventMessageDelivered, receipt)

	var seen []models.Status
	for _, env := range a.events(EventMessageStatus) {
		seen = append(seen, decodeAs[MessageStatusPayload](t, env).Status)
	}
	assert.Equal(t, []models.Status{models.StatusSent, models.StatusDelivered, models.StatusRead}, seen)

	history, _, err := f.hub.History(context.Background(), "study-1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, history[0].Status)
}

func TestHubSenderCannotAcknowledgeOwnMessage(t *testing.T) {
	f := newHubFixture(t, time.Second)
	a := f.connect("c1", "u1", "Ana")
	f.join(a)
	f.send(a, models.Message{Content: "hi"})
	msg := messagesOf(t, a)[0]

	f.emit(a, EventMessageRead, ReceiptPayload{GroupID: "study-1", MessageID: msg.ID})
	assert.Empty(t, a.events(EventMessageStatus))
}

func TestHubPresenceWithTwoConnections(t *testing.T) {
	f := newHubFixture(t, time.Second)
	watcher := f.connect("c0", "u0", "Watcher")
	laptop := f.connect("c1", "u1", "Ana")
	phone := f.connect("c2", "u1", "Ana")
	f.join(watcher)
	f.join(laptop)
	f.join(phone)
	watcher.reset()

	f.hub.Unregister(laptop)
	f.flush()
	assert.True(t, laptop.isClosed())
	assert.Empty(t, watcher.events(EventMemberUpdate))
	member, _ := memberOf(t, f, "u1")
	assert.Equal(t, models.PresenceOnline, member.Status)

	f.hub.Unregister(phone)
	f.flush()
	departures := watcher.events(EventMemberUpdate)
	require.Len(t, departures, 1)
	roster := decodeAs[[]models.Member](t, departures[0])
	require.Len(t, roster, 2)
	assert.Equal(t, models.PresenceOffline, roster[1].Status)

	member, _ = memberOf(t, f, "u1")
	assert.Equal(t, models.PresenceOffline, member.Status)
}

func memberOf(t *testing.T, f *hubFixture, userID string) (models.Member, bool) {
	t.Helper()
	members, _, err := f.hub.Members(context.Background(), "study-1")
	require.NoError(t, err)
	for _, m := range members {
		if m.ID == userID {
			return m, true
		}
	}
	return models.Member{}, false
}

func TestHubLeaveGroupAnnouncesOnce(t *testing.T) {
	f := newHubFixture(t, time.Second)
	a := f.connect("c1", "u1", "Ana")
	b := f.connect("c2", "u2", "Ben")
	f.join(a)
	f.join(b)
	a.reset()

	f.emit(b, EventLeaveGroup, GroupPayload{GroupID: "study-1"})
	f.emit(b, EventLeaveGroup, GroupPayload{GroupID: "study-1"})
	require.Len(t, a.events(EventMemberUpdate), 1)

	f.send(b, models.Message{Content: "after leaving"})
	assert.Empty(t, a.events(EventNewMessage))
}

func TestHubTypingLifecycle(t *testing.T) {
	f := newHubFixture(t, 100*time.Millisecond)
	a := f.connect("c1", "u1", "Ana")
	b := f.connect("c2", "u2", "Ben")
	f.join(a)
	f.join(b)

	f.emit(a, EventTyping, TypingPayload{GroupID: "study-1", UserName: "ignored"})
	f.emit(a, EventTyping, TypingPayload{GroupID: "study-1"})
	assert.Empty(t, a.events(EventUserTyping))
	starts := b.events(EventUserTyping)
	require.Len(t, starts, 1)
	assert.Equal(t, TypingPayload{GroupID: "study-1", UserID: "u1", UserName: "Ana"}, decodeAs[TypingPayload](t, starts[0]))

	assert.Eventually(t, func() bool {
		return len(b.events(EventUserStoppedTyping)) == 1
	}, time.Second, 5*time.Millisecond)

	f.emit(a, EventTyping, TypingPayload{GroupID: "study-1"})
	f.send(a, models.Message{Content: "done typing"})
	assert.Len(t, b.events(EventUserStoppedTyping), 2)
}

func TestHubDropsMalformedAndEmptyMessages(t *testing.T) {
	f := newHubFixture(t, time.Second)
	a := f.connect("c1", "u1", "Ana")
	f.join(a)

	assert.Error(t, f.hub.Dispatch(a, []byte("not json")))
	assert.Error(t, f.hub.Dispatch(a, []byte(`{"payload":{}}`)))

	f.send(a, models.Message{Content: "   "})
	f.send(a, models.Message{Attachments: []models.Attachment{{Type: models.AttachmentImage, URL: "blob:http://x/1"}}})
	assert.Empty(t, messagesOf(t, a))

	f.send(a, models.Message{Attachments: []models.Attachment{
		{Type: models.AttachmentImage, URL: "/api/v1/uploads/images/a.png", Name: "a.png"},
		{Type: "video", URL: "https://cdn.example.com/b.mp4", Name: "b.mp4"},
	}})
	got := messagesOf(t, a)
	require.Len(t, got, 1)
	require.Len(t, got[0].Attachments, 2)
	assert.Equal(t, models.AttachmentFile, got[0].Attachments[1].Type)
}

func TestHubOverridesSenderIdentity(t *testing.T) {
	f := newHubFixture(t, time.Second)
	a := f.connect("c1", "u1", "Ana")
	f.join(a)
	f.send(a, models.Message{ID: "legacy-1", SenderID: "someone-else", SenderName: "Mallory", Content: "hi"})

	got := messagesOf(t, a)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].SenderID)
	assert.Equal(t, "Ana", got[0].SenderName)
	assert.Equal(t, "legacy-1", got[0].ClientID)
	assert.NotEqual(t, "legacy-1", got[0].ID)
}

func TestHubDropsStalledConnections(t *testing.T) {
	f := newHubFixture(t, time.Second)
	a := f.connect("c1", "u1", "Ana")
	b := f.connect("c2", "u2", "Ben")
	f.join(a)
	f.join(b)
	b.setFull(true)

	f.send(a, models.Message{Content: "hi"})
	assert.True(t, b.isClosed())

	stats, err := f.hub.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, []string{"u1"}, stats.OnlineUsers)
	assert.Equal(t, models.PresenceOffline, lastRoster(t, a)[1].Status)
}

func TestHubRejectsConnectionWithoutIdentity(t *testing.T) {
	f := newHubFixture(t, time.Second)
	anon := newFakeConn("c1", "", "")
	require.True(t, f.hub.Register(anon))
	f.flush()
	assert.True(t, anon.isClosed())
}

func TestHubStoppedCalls(t *testing.T) {
	h := NewHub(Options{Loader: store.NewMemory(), TypingTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	c := newFakeConn("c1", "u1", "Ana")
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	require.True(t, h.Register(c))
	cancel()
	<-done

	assert.True(t, c.isClosed())
	assert.False(t, h.Register(newFakeConn("c2", "u2", "Ben")))
	assert.ErrorIs(t, h.Dispatch(c, []byte(`{"type":"joinGroup","payload":{}}`)), ErrHubStopped)
	_, err := h.Stats(context.Background())
	assert.ErrorIs(t, err, ErrHubStopped)
}
