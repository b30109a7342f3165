package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"collabup/server/internal/logger"
	"collabup/server/internal/models"
	"collabup/server/internal/store"

	"go.uber.org/zap"
)

const (
	// MaxContentLength bounds a message body in bytes
	MaxContentLength = 4000
	// MaxReactionLength bounds a reaction symbol in bytes
	MaxReactionLength = 16
	// MaxAttachments bounds the attachments of one message
	MaxAttachments = 10

	defaultLoadTimeout = 5 * time.Second
)

// ErrHubStopped is returned by calls made after Run returned
var ErrHubStopped = errors.New("chat hub stopped")

// Persister receives every state change worth keeping. Calls are made on
// the hub goroutine in event order and must not block.
type Persister interface {
	SaveMessage(msg *models.Message)
	AddMember(groupID string, member models.Member)
}

// Options configures a Hub
type Options struct {
	Loader        RoomLoader
	Persister     Persister
	TypingTimeout time.Duration
	RoomLogLimit  int
	LoadTimeout   time.Duration
	Metrics       *Metrics
}

// Stats is a snapshot of hub occupancy
type Stats struct {
	Connections int      `json:"connections"`
	OnlineUsers []string `json:"onlineUsers"`
	Rooms       int      `json:"rooms"`
}

type inbound struct {
	conn Conn
	env  Envelope
}

type loadResult struct {
	roomID string
	snap   *Snapshot
	err    error
}

// Hub serializes every chat event on one goroutine. Events for a room are
// applied and broadcast in the order they arrive here.
//
// Rooms are fetched from the loader on their own goroutine. Until the fetch
// returns, events naming that room are queued and other rooms keep going.
type Hub struct {
	registry    *Registry
	rooms       *RoomManager
	engine      *Engine
	persist     Persister
	metrics     *Metrics
	loadTimeout time.Duration
	loading     map[string][]inbound

	register   chan Conn
	unregister chan Conn
	inbound    chan inbound
	expired    chan TypingExpiry
	loaded     chan loadResult
	calls      chan func()
	done       chan struct{}
}

// NewHub creates a hub. Run must be called to start processing.
func NewHub(opts Options) *Hub {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}
	registry := NewRegistry()
	h := &Hub{
		registry:    registry,
		rooms:       NewRoomManager(opts.Loader, opts.TypingTimeout, opts.RoomLogLimit),
		engine:      NewEngine(registry, opts.Metrics),
		persist:     opts.Persister,
		metrics:     opts.Metrics,
		loadTimeout: opts.LoadTimeout,
		loading:     make(map[string][]inbound),
		register:    make(chan Conn),
		unregister:  make(chan Conn),
		inbound:     make(chan inbound, 256),
		expired:     make(chan TypingExpiry, 64),
		loaded:      make(chan loadResult),
		calls:       make(chan func()),
		done:        make(chan struct{}),
	}
	h.rooms.OnExpire = func(exp TypingExpiry) {
		select {
		case h.expired <- exp:
		case <-h.done:
		}
	}
	return h
}

// Run starts the hub's main loop and blocks until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.rooms.Close()

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.registry.All() {
				c.Close()
			}
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.drop(c)
		case in := <-h.inbound:
			h.handleEvent(in)
		case res := <-h.loaded:
			h.finishLoad(res)
		case exp := <-h.expired:
			if p, ok := h.rooms.ExpireTyping(exp); ok {
				h.engine.BroadcastStopTyping(exp.RoomID, p, nil)
			}
		case fn := <-h.calls:
			fn()
		}
		h.reapFailed()
	}
}

// Register hands a new connection to the hub
func (h *Hub) Register(c Conn) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a connection from every room it joined
func (h *Hub) Unregister(c Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dispatch parses a raw frame from c and queues it for the hub
func (h *Hub) Dispatch(c Conn, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("parse frame: %w", err)
	}
	if env.Type == "" {
		return fmt.Errorf("frame without type")
	}
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.inbound <- inbound{conn: c, env: env}:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Members returns the live roster of a loaded room
func (h *Hub) Members(ctx context.Context, roomID string) ([]models.Member, bool, error) {
	var (
		members []models.Member
		loaded  bool
	)
	err := h.exec(ctx, func() {
		_, loaded = h.rooms.Room(roomID)
		members = h.rooms.Members(roomID)
	})
	return members, loaded, err
}

// History returns the newest limit messages of a loaded room
func (h *Hub) History(ctx context.Context, roomID string, limit int) ([]*models.Message, bool, error) {
	var (
		msgs   []*models.Message
		loaded bool
	)
	err := h.exec(ctx, func() {
		_, loaded = h.rooms.Room(roomID)
		msgs = h.rooms.Messages(roomID, limit)
	})
	return msgs, loaded, err
}

// Stats returns connection statistics
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.exec(ctx, func() {
		s = Stats{
			Connections: h.registry.Count(),
			OnlineUsers: h.registry.Users(),
			Rooms:       h.rooms.Loaded(),
		}
	})
	return s, err
}

func (h *Hub) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	call := func() {
		fn()
		close(finished)
	}
	select {
	case h.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
	<-finished
	return nil
}

func (h *Hub) handleRegister(c Conn) {
	id := c.Identity()
	if !id.Valid() {
		logger.Log.Warn("register_without_identity", zap.String("conn", c.ID()))
		c.Close()
		return
	}
	if h.registry.Register(c, id.ID) {
		h.metrics.Connections.Inc()
		logger.Log.Info("client_connected", zap.String("conn", c.ID()), zap.String("user", id.ID))
	}
}

// drop unregisters c as if it had left every room, then closes it
func (h *Hub) drop(c Conn) {
	if !h.registry.Registered(c) {
		return
	}
	for _, res := range h.registry.Unregister(c) {
		h.afterLeave(res)
	}
	h.metrics.Connections.Dec()
	c.Close()
	logger.Log.Info("client_disconnected", zap.String("conn", c.ID()), zap.String("user", c.Identity().ID))
}

func (h *Hub) reapFailed() {
	for failed := h.engine.TakeFailed(); len(failed) > 0; failed = h.engine.TakeFailed() {
		for _, c := range failed {
			h.drop(c)
		}
	}
}

// eventLabel keeps the metric label set closed over the known event types
func eventLabel(t EventType) string {
	switch t {
	case EventJoinGroup, EventLeaveGroup, EventSendMessage, EventTyping,
		EventStopTyping, EventAddReaction, EventMessageDelivered, EventMessageRead:
		return string(t)
	}
	return "unknown"
}

// roomOf peeks at the groupId every inbound payload carries
func roomOf(env Envelope) string {
	var p struct {
		GroupID string `json:"groupId"`
	}
	if err := env.Decode(&p); err != nil {
		return ""
	}
	return p.GroupID
}

func (h *Hub) handleEvent(in inbound) {
	h.metrics.Events.WithLabelValues(eventLabel(in.env.Type)).Inc()

	if roomID := roomOf(in.env); roomID != "" {
		if queued, pending := h.loading[roomID]; pending {
			h.loading[roomID] = append(queued, in)
			return
		}
		if in.env.Type == EventJoinGroup && h.registry.Registered(in.conn) {
			if _, ok := h.rooms.Room(roomID); !ok {
				h.startLoad(roomID, in)
				return
			}
		}
	}
	h.apply(in)
}

func (h *Hub) startLoad(roomID string, first inbound) {
	h.loading[roomID] = []inbound{first}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.loadTimeout)
		snap, err := h.rooms.Fetch(ctx, roomID)
		cancel()
		select {
		case h.loaded <- loadResult{roomID: roomID, snap: snap, err: err}:
		case <-h.done:
		}
	}()
}

// finishLoad installs a fetched room and replays what queued behind it
func (h *Hub) finishLoad(res loadResult) {
	queued := h.loading[res.roomID]
	delete(h.loading, res.roomID)
	if res.err != nil {
		if errors.Is(res.err, store.ErrNotFound) {
			logger.Log.Debug("room_not_found", zap.String("group", res.roomID), zap.Int("dropped", len(queued)))
		} else {
			logger.Log.Error("room_load_failed", zap.String("group", res.roomID), zap.Int("dropped", len(queued)), zap.Error(res.err))
		}
		return
	}
	h.rooms.Install(res.roomID, res.snap)
	h.metrics.Rooms.Set(float64(h.rooms.Loaded()))
	for _, in := range queued {
		h.apply(in)
		h.reapFailed()
	}
}

func (h *Hub) apply(in inbound) {
	var err error
	switch in.env.Type {
	case EventJoinGroup:
		err = h.handleJoin(in)
	case EventLeaveGroup:
		err = h.handleLeave(in)
	case EventSendMessage:
		err = h.handleSend(in)
	case EventTyping:
		err = h.handleTyping(in, true)
	case EventStopTyping:
		err = h.handleTyping(in, false)
	case EventAddReaction:
		err = h.handleReaction(in)
	case EventMessageDelivered:
		err = h.handleReceipt(in, models.StatusDelivered)
	case EventMessageRead:
		err = h.handleReceipt(in, models.StatusRead)
	default:
		err = fmt.Errorf("unknown event type")
	}
	if err != nil {
		logger.Log.Debug("event_ignored",
			zap.String("conn", in.conn.ID()),
			zap.String("type", string(in.env.Type)),
			zap.Error(err),
		)
	}
}

func (h *Hub) handleJoin(in inbound) error {
	var p GroupPayload
	if err := in.env.Decode(&p); err != nil {
		return err
	}
	if p.GroupID == "" {
		return fmt.Errorf("missing groupId")
	}
	if !h.registry.Registered(in.conn) {
		return fmt.Errorf("connection not registered")
	}
	if _, ok := h.rooms.Room(p.GroupID); !ok {
		return fmt.Errorf("room not loaded")
	}

	if !h.registry.Join(in.conn, p.GroupID) {
		return fmt.Errorf("already joined")
	}

	id := in.conn.Identity()
	if p.UserID != "" && p.UserID != id.ID {
		logger.Log.Debug("join_user_mismatch", zap.String("claimed", p.UserID), zap.String("user", id.ID))
	}
	member := id.AsMember()
	_, known := h.rooms.Member(p.GroupID, id.ID)
	changed := h.rooms.AddMember(p.GroupID, member)
	if !known && h.persist != nil {
		h.persist.AddMember(p.GroupID, member)
	}

	if changed {
		h.engine.BroadcastRoster(p.GroupID, h.rooms.Members(p.GroupID))
	} else {
		h.engine.SendTo(in.conn, EventMemberUpdate, h.rooms.Members(p.GroupID))
	}
	for _, t := range h.rooms.Typing(p.GroupID) {
		if t.UserID != id.ID {
			h.engine.SendTo(in.conn, EventUserTyping, t)
		}
	}
	return nil
}

func (h *Hub) handleLeave(in inbound) error {
	var p GroupPayload
	if err := in.env.Decode(&p); err != nil {
		return err
	}
	res, ok := h.registry.Leave(in.conn, p.GroupID)
	if !ok {
		return fmt.Errorf("not joined")
	}
	h.afterLeave(res)
	return nil
}

// afterLeave announces departure once the user's last connection is gone
func (h *Hub) afterLeave(res LeaveResult) {
	if !res.UserGone {
		return
	}
	if p, stopped := h.rooms.SetTyping(res.RoomID, res.UserID, "", false); stopped {
		h.engine.BroadcastStopTyping(res.RoomID, p, nil)
	}
	if h.rooms.RemoveMember(res.RoomID, res.UserID) {
		h.engine.BroadcastRoster(res.RoomID, h.rooms.Members(res.RoomID))
	}
}

func (h *Hub) handleSend(in inbound) error {
	var p SendMessagePayload
	if err := in.env.Decode(&p); err != nil {
		return err
	}
	if !h.registry.Joined(in.conn, p.GroupID) {
		return fmt.Errorf("not joined")
	}

	id := in.conn.Identity()
	msg := p.Message
	msg.SenderID = id.ID
	if id.Name != "" {
		msg.SenderName = id.Name
	} else if msg.SenderName == "" {
		msg.SenderName = id.Email
	}
	if msg.ClientID == "" {
		msg.ClientID = msg.ID
	}
	msg.Attachments = sanitizeAttachments(msg.Attachments)
	if err := validateMessage(&msg); err != nil {
		return err
	}

	stamped, ok := h.rooms.AppendMessage(p.GroupID, &msg)
	if !ok {
		return fmt.Errorf("room not loaded")
	}
	if h.persist != nil {
		h.persist.SaveMessage(stamped)
	}
	if tp, stopped := h.rooms.SetTyping(p.GroupID, id.ID, "", false); stopped {
		h.engine.BroadcastStopTyping(p.GroupID, tp, in.conn)
	}
	h.engine.BroadcastMessage(p.GroupID, stamped)
	return nil
}

func (h *Hub) handleTyping(in inbound, typing bool) error {
	var p TypingPayload
	if err := in.env.Decode(&p); err != nil {
		return err
	}
	if !h.registry.Joined(in.conn, p.GroupID) {
		return fmt.Errorf("not joined")
	}
	id := in.conn.Identity()
	name := id.Name
	if name == "" {
		name = p.UserName
	}
	tp, changed := h.rooms.SetTyping(p.GroupID, id.ID, name, typing)
	if !changed {
		return nil
	}
	if typing {
		h.engine.BroadcastTyping(p.GroupID, tp, in.conn)
	} else {
		h.engine.BroadcastStopTyping(p.GroupID, tp, in.conn)
	}
	return nil
}

func (h *Hub) handleReaction(in inbound) error {
	var p ReactionPayload
	if err := in.env.Decode(&p); err != nil {
		return err
	}
	if !h.registry.Joined(in.conn, p.GroupID) {
		return fmt.Errorf("not joined")
	}
	p.Reaction = strings.TrimSpace(p.Reaction)
	if p.Reaction == "" || len(p.Reaction) > MaxReactionLength {
		return fmt.Errorf("invalid reaction")
	}
	userID := in.conn.Identity().ID
	msg, changed := h.rooms.AddReaction(p.GroupID, p.MessageID, userID, p.Reaction)
	if !changed {
		return nil
	}
	if h.persist != nil {
		h.persist.SaveMessage(msg)
	}
	h.engine.BroadcastReaction(p.GroupID, msg, userID, p.Reaction)
	return nil
}

func (h *Hub) handleReceipt(in inbound, status models.Status) error {
	var p ReceiptPayload
	if err := in.env.Decode(&p); err != nil {
		return err
	}
	if !h.registry.Joined(in.conn, p.GroupID) {
		return fmt.Errorf("not joined")
	}
	userID := in.conn.Identity().ID
	msg, changed := h.rooms.SetMessageStatus(p.GroupID, p.MessageID, userID, status)
	if !changed {
		return nil
	}
	if h.persist != nil {
		h.persist.SaveMessage(msg)
	}
	h.engine.BroadcastStatus(p.GroupID, msg, userID)
	return nil
}

func validateMessage(m *models.Message) error {
	if m.SenderID == "" {
		return fmt.Errorf("missing sender")
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return fmt.Errorf("empty message")
	}
	if len(m.Content) > MaxContentLength || !utf8.ValidString(m.Content) {
		return fmt.Errorf("invalid content")
	}
	return nil
}

// sanitizeAttachments drops attachments without a durable URL
func sanitizeAttachments(in []models.Attachment) []models.Attachment {
	var out []models.Attachment
	for _, a := range in {
		url := strings.TrimSpace(a.URL)
		if url == "" || strings.HasPrefix(url, "blob:") || strings.HasPrefix(url, "data:") {
			continue
		}
		if a.Type != models.AttachmentImage {
			a.Type = models.AttachmentFile
		}
		a.URL = url
		out = append(out, a)
		if len(out) == MaxAttachments {
			break
		}
	}
	return out
}

var _ Persister = (*store.Writer)(nil)
