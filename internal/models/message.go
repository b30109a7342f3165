package models

import (
	"sort"
	"time"
)

// Status is the delivery state of a message
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown values rank below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// MaxStatus returns the more advanced of a and b
func MaxStatus(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AttachmentType is 'image' or 'file'
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
)

// Attachment points at durable storage, never at a client-local object URL
type Attachment struct {
	Type AttachmentType `json:"type"`
	URL  string         `json:"url"`
	Name string         `json:"name"`
}

// ReplyRef is a denormalized copy of the message being replied to
type ReplyRef struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
}

// Reactions maps a reaction symbol to the users who reacted with it
type Reactions map[string][]string

// Add inserts userID under symbol. Returns false if it was already there.
func (r Reactions) Add(symbol, userID string) bool {
	for _, id := range r[symbol] {
		if id == userID {
			return false
		}
	}
	r[symbol] = append(r[symbol], userID)
	return true
}

// Has reports whether userID reacted with symbol
func (r Reactions) Has(symbol, userID string) bool {
	for _, id := range r[symbol] {
		if id == userID {
			return true
		}
	}
	return false
}

func (r Reactions) clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for k, v := range r {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Message represents a group chat message
type Message struct {
	ID          string            `json:"id"`
	ClientID    string            `json:"clientId,omitempty"` // Correlation token of the optimistic echo
	GroupID     string            `json:"groupId"`
	Seq         uint64            `json:"seq"`
	SenderID    string            `json:"senderId"`
	SenderName  string            `json:"senderName"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	ReplyTo     *ReplyRef         `json:"replyTo,omitempty"`
	Reactions   Reactions         `json:"reactions,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Status      Status            `json:"status"`
	Receipts    map[string]Status `json:"receipts,omitempty"` // Recipient ID -> recipient's status
}

// Ref snapshots m for use as a reply target
func (m *Message) Ref() *ReplyRef {
	return &ReplyRef{ID: m.ID, Content: m.Content, SenderName: m.SenderName}
}

// AddReaction inserts userID into the reaction set for symbol
func (m *Message) AddReaction(symbol, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(Reactions)
	}
	return m.Reactions.Add(symbol, userID)
}

// Acknowledge advances the receipt of userID to status and recomputes the
// aggregate. The aggregate only reaches a level once every recipient has.
// Neither the receipt nor the aggregate ever moves backwards.
func (m *Message) Acknowledge(userID string, status Status) bool {
	if !status.Valid() || userID == "" || userID == m.SenderID {
		return false
	}
	if m.Receipts == nil {
		m.Receipts = make(map[string]Status)
	}
	prev, ok := m.Receipts[userID]
	if ok && prev.Rank() >= status.Rank() {
		return false
	}
	m.Receipts[userID] = status

	agg := StatusRead
	for _, s := range m.Receipts {
		if s.Rank() < agg.Rank() {
			agg = s
		}
	}
	m.Status = MaxStatus(m.Status, agg)
	return true
}

// ReceiptOf returns the status recorded for a recipient
func (m *Message) ReceiptOf(userID string) Status {
	if s, ok := m.Receipts[userID]; ok {
		return s
	}
	return StatusSent
}

// Recipients returns the sorted recipient IDs
func (m *Message) Recipients() []string {
	ids := make([]string, 0, len(m.Receipts))
	for id := range m.Receipts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy safe to hand to another goroutine
func (m *Message) Clone() *Message {
	out := *m
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		out.ReplyTo = &ref
	}
	out.Reactions = m.Reactions.clone()
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Receipts != nil {
		out.Receipts = make(map[string]Status, len(m.Receipts))
		for k, v := range m.Receipts {
			out.Receipts[k] = v
		}
	}
	return &out
}
