package chat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"collabup/server/internal/models"
	"collabup/server/internal/store"

	"github.com/google/uuid"
)

// RoomLoader is the read side of the persistence store used to warm a room
type RoomLoader interface {
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	ListMembers(ctx context.Context, groupID string) ([]models.Member, error)
	ListMessages(ctx context.Context, groupID string, limit int) ([]*models.Message, error)
}

// TypingExpiry identifies one armed typing timer
type TypingExpiry struct {
	RoomID string
	UserID string
	gen    uint64
}

type typingEntry struct {
	name  string
	gen   uint64
	timer *time.Timer
}

// Room is the in-memory state of one group
type Room struct {
	Group   models.Group
	members map[string]*models.Member
	order   []string
	typing  map[string]*typingEntry
	log     []*models.Message
	index   map[string]*models.Message
	seq     uint64
}

// RoomManager owns every loaded room. It is not safe for concurrent use;
// typing timers only report through OnExpire and never touch state.
type RoomManager struct {
	loader    RoomLoader
	rooms     map[string]*Room
	typingTTL time.Duration
	logLimit  int
	gen       uint64

	// OnExpire is called from a timer goroutine when a typing entry has
	// been quiet for the typing timeout. The receiver must hand it back to
	// ExpireTyping on the owning goroutine.
	OnExpire func(TypingExpiry)

	now   func() time.Time
	newID func() string
}

// NewRoomManager creates a manager loading rooms from loader
func NewRoomManager(loader RoomLoader, typingTTL time.Duration, logLimit int) *RoomManager {
	if logLimit < 1 {
		logLimit = 500
	}
	return &RoomManager{
		loader:    loader,
		rooms:     make(map[string]*Room),
		typingTTL: typingTTL,
		logLimit:  logLimit,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Snapshot is a room as read from the loader, before it is installed
type Snapshot struct {
	Group    models.Group
	Members  []models.Member
	Messages []*models.Message
}

// Load returns the room, fetching group, roster and recent log on first use
func (m *RoomManager) Load(ctx context.Context, roomID string) (*Room, error) {
	if r, ok := m.rooms[roomID]; ok {
		return r, nil
	}
	snap, err := m.Fetch(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return m.Install(roomID, snap), nil
}

// Fetch reads a room from the loader. It touches no manager state, so it
// may run off the owning goroutine.
func (m *RoomManager) Fetch(ctx context.Context, roomID string) (*Snapshot, error) {
	g, err := m.loader.GetGroup(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members, err := m.loader.ListMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load members of %s: %w", roomID, err)
	}
	msgs, err := m.loader.ListMessages(ctx, roomID, m.logLimit)
	if err != nil {
		return nil, fmt.Errorf("load messages of %s: %w", roomID, err)
	}
	return &Snapshot{Group: *g, Members: members, Messages: msgs}, nil
}

// Install turns snap into the live room. A room that is already loaded is
// kept as is.
func (m *RoomManager) Install(roomID string, snap *Snapshot) *Room {
	if r, ok := m.rooms[roomID]; ok {
		return r
	}
	r := &Room{
		Group:   snap.Group,
		members: make(map[string]*models.Member, len(snap.Members)),
		typing:  make(map[string]*typingEntry),
		index:   make(map[string]*models.Message, len(snap.Messages)),
	}
	for i := range snap.Members {
		mem := snap.Members[i]
		if _, dup := r.members[mem.ID]; dup {
			continue
		}
		mem.Status = models.PresenceOffline
		mem.IsTyping = false
		r.members[mem.ID] = &mem
		r.order = append(r.order, mem.ID)
	}
	for _, msg := range snap.Messages {
		r.log = append(r.log, msg)
		r.index[msg.ID] = msg
		if msg.Seq > r.seq {
			r.seq = msg.Seq
		}
	}
	m.rooms[roomID] = r
	return r
}

// Room returns a loaded room
func (m *RoomManager) Room(roomID string) (*Room, bool) {
	r, ok := m.rooms[roomID]
	return r, ok
}

// AddMember marks member online in the roster. Returns true if the roster changed.
func (m *RoomManager) AddMember(roomID string, member models.Member) bool {
	r, ok := m.rooms[roomID]
	if !ok || member.ID == "" {
		return false
	}
	if existing, ok := r.members[member.ID]; ok {
		changed := existing.Status != models.PresenceOnline
		existing.Status = models.PresenceOnline
		if member.Name != "" && member.Name != existing.Name {
			existing.Name = member.Name
			changed = true
		}
		if member.Avatar != nil {
			existing.Avatar = member.Avatar
		}
		return changed
	}
	member.Status = models.PresenceOnline
	member.IsTyping = false
	r.members[member.ID] = &member
	r.order = append(r.order, member.ID)
	return true
}

// RemoveMember marks userID offline. The entry stays listed in the roster.
func (m *RoomManager) RemoveMember(roomID, userID string) bool {
	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	existing, ok := r.members[userID]
	if !ok || existing.Status == models.PresenceOffline {
		return false
	}
	existing.Status = models.PresenceOffline
	return true
}

// Members returns the roster in join order
func (m *RoomManager) Members(roomID string) []models.Member {
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]models.Member, 0, len(r.order))
	for _, id := range r.order {
		mem := *r.members[id]
		_, mem.IsTyping = r.typing[id]
		out = append(out, mem)
	}
	return out
}

// Member returns one roster entry
func (m *RoomManager) Member(roomID, userID string) (models.Member, bool) {
	r, ok := m.rooms[roomID]
	if !ok {
		return models.Member{}, false
	}
	mem, ok := r.members[userID]
	if !ok {
		return models.Member{}, false
	}
	return *mem, true
}

// SetTyping adds or removes userID from the typing set. The returned
// payload carries the name the entry was stored under. changed is false
// for repeated starts (which only re-arm the timer) and for stops of
// entries that are already gone.
func (m *RoomManager) SetTyping(roomID, userID, userName string, isTyping bool) (TypingPayload, bool) {
	r, ok := m.rooms[roomID]
	if !ok || userID == "" {
		return TypingPayload{}, false
	}
	entry, exists := r.typing[userID]

	if !isTyping {
		if !exists {
			return TypingPayload{}, false
		}
		stopTimer(entry)
		delete(r.typing, userID)
		return TypingPayload{GroupID: roomID, UserID: userID, UserName: entry.name}, true
	}

	if exists {
		stopTimer(entry)
		if userName != "" {
			entry.name = userName
		}
		m.arm(roomID, userID, entry)
		return TypingPayload{GroupID: roomID, UserID: userID, UserName: entry.name}, false
	}

	entry = &typingEntry{name: userName}
	r.typing[userID] = entry
	m.arm(roomID, userID, entry)
	return TypingPayload{GroupID: roomID, UserID: userID, UserName: userName}, true
}

// ExpireTyping removes the entry armed as exp if it was not re-armed since
func (m *RoomManager) ExpireTyping(exp TypingExpiry) (TypingPayload, bool) {
	r, ok := m.rooms[exp.RoomID]
	if !ok {
		return TypingPayload{}, false
	}
	entry, ok := r.typing[exp.UserID]
	if !ok || entry.gen != exp.gen {
		return TypingPayload{}, false
	}
	delete(r.typing, exp.UserID)
	return TypingPayload{GroupID: exp.RoomID, UserID: exp.UserID, UserName: entry.name}, true
}

// Typing returns the current typing set ordered by user ID
func (m *RoomManager) Typing(roomID string) []TypingPayload {
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]TypingPayload, 0, len(r.typing))
	for id, e := range r.typing {
		out = append(out, TypingPayload{GroupID: roomID, UserID: id, UserName: e.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *RoomManager) arm(roomID, userID string, entry *typingEntry) {
	m.gen++
	entry.gen = m.gen
	if m.OnExpire == nil || m.typingTTL <= 0 {
		return
	}
	exp := TypingExpiry{RoomID: roomID, UserID: userID, gen: entry.gen}
	notify := m.OnExpire
	entry.timer = time.AfterFunc(m.typingTTL, func() { notify(exp) })
}

func stopTimer(e *typingEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// AppendMessage stamps msg with the authoritative id, sequence number,
// timestamp and initial receipts, appends it to the log and returns a copy.
func (m *RoomManager) AppendMessage(roomID string, msg *models.Message) (*models.Message, bool) {
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	r.seq++
	stored := &models.Message{
		ID:          m.newID(),
		ClientID:    msg.ClientID,
		GroupID:     roomID,
		Seq:         r.seq,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		Content:     msg.Content,
		Timestamp:   m.now(),
		ReplyTo:     msg.ReplyTo,
		Attachments: msg.Attachments,
		Status:      models.StatusSent,
		Receipts:    make(map[string]models.Status),
	}
	if stored.ReplyTo != nil {
		if orig, ok := r.index[stored.ReplyTo.ID]; ok {
			stored.ReplyTo = orig.Ref()
		} else {
			ref := *stored.ReplyTo
			stored.ReplyTo = &ref
		}
	}
	for _, id := range r.order {
		if id != stored.SenderID {
			stored.Receipts[id] = models.StatusSent
		}
	}

	r.log = append(r.log, stored)
	r.index[stored.ID] = stored
	if over := len(r.log) - m.logLimit; over > 0 {
		for _, old := range r.log[:over] {
			delete(r.index, old.ID)
		}
		r.log = append([]*models.Message(nil), r.log[over:]...)
	}
	return stored.Clone(), true
}

// SetMessageStatus records that userID's copy of the message reached status.
// Regressions, unknown rooms and unknown messages are no-ops.
func (m *RoomManager) SetMessageStatus(roomID, messageID, userID string, status models.Status) (*models.Message, bool) {
	msg, ok := m.message(roomID, messageID)
	if !ok {
		return nil, false
	}
	if !msg.Acknowledge(userID, status) {
		return nil, false
	}
	return msg.Clone(), true
}

// AddReaction inserts userID into reactions[symbol]
func (m *RoomManager) AddReaction(roomID, messageID, userID, symbol string) (*models.Message, bool) {
	msg, ok := m.message(roomID, messageID)
	if !ok || userID == "" || symbol == "" {
		return nil, false
	}
	if !msg.AddReaction(symbol, userID) {
		return nil, false
	}
	return msg.Clone(), true
}

// Message returns a copy of one logged message
func (m *RoomManager) Message(roomID, messageID string) (*models.Message, bool) {
	msg, ok := m.message(roomID, messageID)
	if !ok {
		return nil, false
	}
	return msg.Clone(), true
}

// Messages returns copies of the newest limit messages, oldest first
func (m *RoomManager) Messages(roomID string, limit int) []*models.Message {
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	logged := r.log
	if limit > 0 && len(logged) > limit {
		logged = logged[len(logged)-limit:]
	}
	out := make([]*models.Message, 0, len(logged))
	for _, msg := range logged {
		out = append(out, msg.Clone())
	}
	return out
}

func (m *RoomManager) message(roomID, messageID string) (*models.Message, bool) {
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	msg, ok := r.index[messageID]
	return msg, ok
}

// Close stops every pending typing timer
func (m *RoomManager) Close() {
	for _, r := range m.rooms {
		for _, e := range r.typing {
			stopTimer(e)
		}
	}
}

// Loaded reports the number of rooms in memory
func (m *RoomManager) Loaded() int {
	return len(m.rooms)
}

var _ RoomLoader = (store.Store)(nil)
