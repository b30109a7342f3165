package client

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"collabup/server/internal/chat"
	"collabup/server/internal/models"

	"github.com/google/uuid"
)

const defaultTypingIdle = 2 * time.Second

var (
	// ErrEmptyMessage rejects a message without text or attachments
	ErrEmptyMessage = errors.New("message has no content or attachments")
	// ErrNoIdentity rejects sends from a session without a signed-in user
	ErrNoIdentity = errors.New("session has no identity")
	// ErrLocalAttachment rejects attachments that only exist in the sender's process
	ErrLocalAttachment = errors.New("attachment url is not durable")
)

// Options tunes a Session
type Options struct {
	// TypingIdle is how long after the last keystroke stopTyping is sent
	TypingIdle time.Duration
	// AutoRead acknowledges every received message as read right away
	AutoRead bool
	// OnEvent is called after each server event has been applied
	OnEvent func(env chat.Envelope)
}

// Session is one user's view of one room
type Session struct {
	conn     Transport
	identity models.Identity
	groupID  string
	opts     Options

	mu        sync.Mutex
	confirmed []*models.Message
	byID      map[string]*models.Message
	pending   []*models.Message
	members   []models.Member
	typing    map[string]string
	isTyping  bool
	idle      *time.Timer
	idleGen   uint64
	closed    bool
	closeOnce sync.Once
}

// NewSession takes ownership of conn. Closing the session closes it.
func NewSession(conn Transport, identity models.Identity, groupID string, opts Options) *Session {
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = defaultTypingIdle
	}
	return &Session{
		conn:     conn,
		identity: identity,
		groupID:  groupID,
		opts:     opts,
		byID:     make(map[string]*models.Message),
		typing:   make(map[string]string),
	}
}

// Open joins the room
func (s *Session) Open() error {
	if !s.identity.Valid() {
		return ErrNoIdentity
	}
	return s.emit(chat.EventJoinGroup, chat.GroupPayload{GroupID: s.groupID, UserID: s.identity.ID})
}

// Close leaves the room, stops timers and closes the connection
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.emit(chat.EventLeaveGroup, chat.GroupPayload{GroupID: s.groupID, UserID: s.identity.ID})

		s.mu.Lock()
		s.closed = true
		if s.idle != nil {
			s.idle.Stop()
			s.idle = nil
		}
		s.mu.Unlock()

		err = s.conn.Close()
	})
	return err
}

// Send publishes a message. The returned optimistic copy is shown until the
// server's copy with the same client id replaces it.
func (s *Session) Send(content string, replyTo *models.Message, attachments ...models.Attachment) (*models.Message, error) {
	if !s.identity.Valid() {
		return nil, ErrNoIdentity
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	for _, a := range attachments {
		if a.URL == "" || strings.HasPrefix(a.URL, "blob:") || strings.HasPrefix(a.URL, "data:") {
			return nil, ErrLocalAttachment
		}
	}

	clientID := uuid.NewString()
	msg := &models.Message{
		ID:          clientID,
		ClientID:    clientID,
		GroupID:     s.groupID,
		SenderID:    s.identity.ID,
		SenderName:  s.senderName(),
		Content:     content,
		Timestamp:   time.Now().UTC(),
		Attachments: attachments,
		Status:      models.StatusSent,
	}
	if replyTo != nil {
		msg.ReplyTo = replyTo.Ref()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending = append(s.pending, msg)
	// The server clears our typing entry when the message arrives
	s.isTyping = false
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.mu.Unlock()

	if err := s.emit(chat.EventSendMessage, chat.SendMessagePayload{GroupID: s.groupID, Message: *msg}); err != nil {
		s.mu.Lock()
		s.removePending(clientID)
		s.mu.Unlock()
		return nil, err
	}
	return msg.Clone(), nil
}

// Keystroke signals typing activity. typing is emitted once per burst and
// stopTyping after TypingIdle without keystrokes.
func (s *Session) Keystroke() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	start := !s.isTyping
	s.isTyping = true
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idleGen++
	gen := s.idleGen
	s.idle = time.AfterFunc(s.opts.TypingIdle, func() { s.idleExpired(gen) })
	s.mu.Unlock()

	if !start {
		return nil
	}
	return s.emit(chat.EventTyping, s.typingPayload())
}

// StopTyping ends the current typing burst, if any
func (s *Session) StopTyping() error {
	s.mu.Lock()
	if !s.isTyping || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.isTyping = false
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.mu.Unlock()
	return s.emit(chat.EventStopTyping, s.typingPayload())
}

func (s *Session) idleExpired(gen uint64) {
	s.mu.Lock()
	stale := gen != s.idleGen
	s.mu.Unlock()
	if !stale {
		_ = s.StopTyping()
	}
}

// React adds symbol from this user to a message
func (s *Session) React(messageID, symbol string) error {
	if !s.identity.Valid() {
		return ErrNoIdentity
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" || messageID == "" {
		return nil
	}
	s.mu.Lock()
	if msg, ok := s.byID[messageID]; ok {
		msg.AddReaction(symbol, s.identity.ID)
	}
	s.mu.Unlock()

	return s.emit(chat.EventAddReaction, chat.ReactionPayload{
		GroupID:   s.groupID,
		MessageID: messageID,
		UserID:    s.identity.ID,
		Reaction:  symbol,
	})
}

// MarkRead acknowledges a message as read
func (s *Session) MarkRead(messageID string) error {
	return s.emit(chat.EventMessageRead, chat.ReceiptPayload{GroupID: s.groupID, MessageID: messageID})
}

// Listen applies server events until the connection closes or ctx is done.
// It returns nil when the session was closed.
func (s *Session) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		env, err := s.conn.Receive()
		if err != nil {
			if errors.Is(err, ErrClosed) || s.isClosed() {
				return nil
			}
			return err
		}
		s.apply(env)
		if s.opts.OnEvent != nil {
			s.opts.OnEvent(env)
		}
	}
}

func (s *Session) apply(env chat.Envelope) {
	switch env.Type {
	case chat.EventNewMessage:
		var msg models.Message
		if err := env.Decode(&msg); err != nil {
			return
		}
		s.applyMessage(&msg)

	case chat.EventMessageStatus:
		var p chat.MessageStatusPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		s.mu.Lock()
		if msg, ok := s.byID[p.MessageID]; ok {
			msg.Status = models.MaxStatus(msg.Status, p.Status)
		}
		s.mu.Unlock()

	case chat.EventMessageReaction:
		var p chat.MessageReactionPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		s.mu.Lock()
		if msg, ok := s.byID[p.MessageID]; ok {
			msg.Reactions = p.Reactions
		}
		s.mu.Unlock()

	case chat.EventMemberUpdate:
		var members []models.Member
		if err := env.Decode(&members); err != nil {
			return
		}
		s.mu.Lock()
		s.members = members
		s.mu.Unlock()

	case chat.EventUserTyping, chat.EventUserStoppedTyping:
		var p chat.TypingPayload
		if err := env.Decode(&p); err != nil || p.UserID == s.identity.ID {
			return
		}
		s.mu.Lock()
		if env.Type == chat.EventUserTyping {
			s.typing[p.UserID] = p.UserName
		} else {
			delete(s.typing, p.UserID)
		}
		s.mu.Unlock()
	}
}

func (s *Session) applyMessage(msg *models.Message) {
	s.mu.Lock()
	if _, dup := s.byID[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	if msg.ClientID != "" {
		s.removePending(msg.ClientID)
	}
	s.confirmed = append(s.confirmed, msg)
	s.byID[msg.ID] = msg
	delete(s.typing, msg.SenderID)
	s.mu.Unlock()

	if msg.SenderID == s.identity.ID {
		return
	}
	_ = s.emit(chat.EventMessageDelivered, chat.ReceiptPayload{GroupID: s.groupID, MessageID: msg.ID})
	if s.opts.AutoRead {
		_ = s.MarkRead(msg.ID)
	}
}

// removePending must be called with mu held
func (s *Session) removePending(clientID string) {
	for i, p := range s.pending {
		if p.ClientID == clientID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// Messages returns server-confirmed messages in server order followed by
// optimistic ones still awaiting confirmation
func (s *Session) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, 0, len(s.confirmed)+len(s.pending))
	for _, m := range s.confirmed {
		out = append(out, m.Clone())
	}
	for _, m := range s.pending {
		out = append(out, m.Clone())
	}
	return out
}

// Members returns the last roster received
func (s *Session) Members() []models.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Member(nil), s.members...)
}

// Typing returns the names of other users currently typing, sorted
func (s *Session) Typing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing))
	for _, name := range s.typing {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) emit(t chat.EventType, payload any) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.conn.Emit(t, payload)
}

func (s *Session) senderName() string {
	if s.identity.Name != "" {
		return s.identity.Name
	}
	return s.identity.Email
}

func (s *Session) typingPayload() chat.TypingPayload {
	return chat.TypingPayload{GroupID: s.groupID, UserID: s.identity.ID, UserName: s.senderName()}
}
