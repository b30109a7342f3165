package models

// Identity is the authenticated user as asserted by the identity provider
type Identity struct {
	ID     string  `json:"id"`
	Email  string  `json:"email"`
	Name   string  `json:"name"`
	Avatar *string `json:"avatar,omitempty"`
}

// Valid reports whether the identity carries the fields chat relies on
func (i Identity) Valid() bool {
	return i.ID != ""
}

// AsMember converts the identity into an online roster entry
func (i Identity) AsMember() Member {
	name := i.Name
	if name == "" {
		name = i.Email
	}
	return Member{
		ID:     i.ID,
		Name:   name,
		Status: PresenceOnline,
		Avatar: i.Avatar,
	}
}
