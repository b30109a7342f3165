package models

// Group represents a chat room. Groups are created out-of-band.
type Group struct {
	ID    string `json:"id" yaml:"id" db:"id"`
	Name  string `json:"name" yaml:"name" db:"name"`
	Topic string `json:"topic" yaml:"topic" db:"topic"`
}

// Presence is 'online' or 'offline'
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Member is a roster entry of a group
type Member struct {
	ID       string   `json:"id" db:"user_id"`
	Name     string   `json:"name" db:"name"`
	Status   Presence `json:"status"`
	Avatar   *string  `json:"avatar,omitempty" db:"avatar"`
	IsTyping bool     `json:"isTyping,omitempty"`
}

// GroupWithMembers includes the current roster
type GroupWithMembers struct {
	Group
	Members []Member `json:"members"`
}
