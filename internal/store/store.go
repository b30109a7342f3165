// Package store persists groups, rosters and message history.
package store

import (
	"context"
	"errors"

	"collabup/server/internal/models"
)

// ErrNotFound is returned when a group is unknown to the store
var ErrNotFound = errors.New("not found")

// Store is the persistence collaborator of the chat core.
// ListMessages returns messages oldest first, at most limit of the newest.
type Store interface {
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	ListMembers(ctx context.Context, groupID string) ([]models.Member, error)
	ListMessages(ctx context.Context, groupID string, limit int) ([]*models.Message, error)
	SaveMessage(ctx context.Context, msg *models.Message) error
	AddMember(ctx context.Context, groupID string, member models.Member) error
	Close() error
}
