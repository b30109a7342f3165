package chat

import (
	"encoding/json"

	"collabup/server/internal/logger"
	"collabup/server/internal/models"

	"go.uber.org/zap"
)

// Engine fans events out to the connections joined to a room. The
// connection set is evaluated at broadcast time.
type Engine struct {
	registry *Registry
	metrics  *Metrics
	failed   []Conn
}

// NewEngine creates an engine over registry
func NewEngine(registry *Registry, metrics *Metrics) *Engine {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{registry: registry, metrics: metrics}
}

// BroadcastMessage sends a message to every connection in the room,
// including the sender's own
func (e *Engine) BroadcastMessage(roomID string, msg *models.Message) {
	e.toRoom(roomID, EventNewMessage, msg, nil)
}

// BroadcastRoster sends the full member list
func (e *Engine) BroadcastRoster(roomID string, members []models.Member) {
	if members == nil {
		members = []models.Member{}
	}
	e.toRoom(roomID, EventMemberUpdate, members, nil)
}

// BroadcastTyping announces a typing start to everyone but origin
func (e *Engine) BroadcastTyping(roomID string, p TypingPayload, origin Conn) {
	e.toRoom(roomID, EventUserTyping, p, origin)
}

// BroadcastStopTyping announces a typing stop to everyone but origin
func (e *Engine) BroadcastStopTyping(roomID string, p TypingPayload, origin Conn) {
	e.toRoom(roomID, EventUserStoppedTyping, p, origin)
}

// BroadcastReaction sends the updated reaction set of a message
func (e *Engine) BroadcastReaction(roomID string, msg *models.Message, userID, reaction string) {
	e.toRoom(roomID, EventMessageReaction, MessageReactionPayload{
		MessageID: msg.ID,
		UserID:    userID,
		Reaction:  reaction,
		Reactions: msg.Reactions,
	}, nil)
}

// BroadcastStatus sends the aggregate status after userID acknowledged
func (e *Engine) BroadcastStatus(roomID string, msg *models.Message, userID string) {
	e.toRoom(roomID, EventMessageStatus, MessageStatusPayload{
		MessageID:       msg.ID,
		Status:          msg.Status,
		UserID:          userID,
		RecipientStatus: msg.ReceiptOf(userID),
	}, nil)
}

// SendTo delivers one event to one connection
func (e *Engine) SendTo(conn Conn, t EventType, payload any) {
	data, ok := encode(t, payload)
	if !ok {
		return
	}
	e.deliver(conn, t, data)
}

// TakeFailed returns and forgets the connections whose sends failed
func (e *Engine) TakeFailed() []Conn {
	out := e.failed
	e.failed = nil
	return out
}

func (e *Engine) toRoom(roomID string, t EventType, payload any, except Conn) {
	conns := e.registry.Conns(roomID)
	if len(conns) == 0 {
		return
	}
	data, ok := encode(t, payload)
	if !ok {
		return
	}
	for _, c := range conns {
		if except != nil && c.ID() == except.ID() {
			continue
		}
		e.deliver(c, t, data)
	}
}

func (e *Engine) deliver(c Conn, t EventType, data []byte) {
	if c.Send(data) {
		e.metrics.Deliveries.WithLabelValues(string(t)).Inc()
		return
	}
	e.metrics.Dropped.Inc()
	for _, f := range e.failed {
		if f.ID() == c.ID() {
			return
		}
	}
	e.failed = append(e.failed, c)
	logger.Log.Warn("send_failed", zap.String("conn", c.ID()), zap.String("event", string(t)))
}

func encode(t EventType, payload any) ([]byte, bool) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		logger.Log.Error("encode_payload_failed", zap.String("event", string(t)), zap.Error(err))
		return nil, false
	}
	data, err := json.Marshal(env)
	if err != nil {
		logger.Log.Error("encode_envelope_failed", zap.String("event", string(t)), zap.Error(err))
		return nil, false
	}
	return data, true
}
