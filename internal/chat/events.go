package chat

import (
	"encoding/json"
	"time"

	"collabup/server/internal/models"
)

// EventType represents the logical event name multiplexed over a connection
type EventType string

const (
	// Client -> server
	EventJoinGroup        EventType = "joinGroup"
	EventLeaveGroup       EventType = "leaveGroup"
	EventSendMessage      EventType = "sendMessage"
	EventTyping           EventType = "typing"
	EventStopTyping       EventType = "stopTyping"
	EventAddReaction      EventType = "addReaction"
	EventMessageRead      EventType = "messageRead"
	EventMessageDelivered EventType = "messageDelivered"

	// Server -> client
	EventNewMessage        EventType = "newMessage"
	EventMessageStatus     EventType = "messageStatus"
	EventUserTyping        EventType = "userTyping"
	EventUserStoppedTyping EventType = "userStoppedTyping"
	EventMemberUpdate      EventType = "memberUpdate"
	EventMessageReaction   EventType = "messageReaction"
)

// Envelope is the frame exchanged in both directions
type Envelope struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope encodes payload into a frame stamped with the current time
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: b, Timestamp: time.Now().UTC()}, nil
}

// Decode unmarshals the payload into dst
func (e Envelope) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// GroupPayload is used by joinGroup and leaveGroup
type GroupPayload struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId,omitempty"`
}

// SendMessagePayload carries a message as composed by the client
type SendMessagePayload struct {
	GroupID string         `json:"groupId"`
	Message models.Message `json:"message"`
}

// TypingPayload represents typing indicator payload
type TypingPayload struct {
	GroupID  string `json:"groupId,omitempty"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// ReactionPayload is sent by addReaction
type ReactionPayload struct {
	GroupID   string `json:"groupId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
	Reaction  string `json:"reaction"`
}

// ReceiptPayload is sent by messageDelivered and messageRead
type ReceiptPayload struct {
	GroupID   string `json:"groupId"`
	MessageID string `json:"messageId"`
}

// MessageStatusPayload represents message status update payload.
// Status is the aggregate, RecipientStatus what UserID reached.
type MessageStatusPayload struct {
	MessageID       string        `json:"messageId"`
	Status          models.Status `json:"status"`
	UserID          string        `json:"userId"`
	RecipientStatus models.Status `json:"recipientStatus"`
}

// MessageReactionPayload announces the reaction set after a change
type MessageReactionPayload struct {
	MessageID string           `json:"messageId"`
	UserID    string           `json:"userId"`
	Reaction  string           `json:"reaction"`
	Reactions models.Reactions `json:"reactions"`
}
