package store

import (
	"context"
	"fmt"
	"sync"

	"collabup/server/internal/models"
)

// Memory is an in-process store, used for development and tests
type Memory struct {
	mu       sync.RWMutex
	groups   map[string]models.Group
	members  map[string][]models.Member
	messages map[string][]*models.Message
	index    map[string]*models.Message
}

// NewMemory creates a memory store seeded with groups
func NewMemory(groups ...models.Group) *Memory {
	m := &Memory{
		groups:   make(map[string]models.Group),
		members:  make(map[string][]models.Member),
		messages: make(map[string][]*models.Message),
		index:    make(map[string]*models.Message),
	}
	for _, g := range groups {
		m.groups[g.ID] = g
	}
	return m
}

// CreateGroup adds or replaces a group
func (m *Memory) CreateGroup(g models.Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
}

func (m *Memory) GetGroup(_ context.Context, groupID string) (*models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	return &g, nil
}

func (m *Memory) ListMembers(_ context.Context, groupID string) ([]models.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.groups[groupID]; !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	out := make([]models.Member, 0, len(m.members[groupID]))
	for _, mem := range m.members[groupID] {
		mem.Status = models.PresenceOffline
		mem.IsTyping = false
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) ListMessages(_ context.Context, groupID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.groups[groupID]; !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	msgs := m.messages[groupID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (m *Memory) SaveMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[msg.GroupID]; !ok {
		return fmt.Errorf("group %s: %w", msg.GroupID, ErrNotFound)
	}
	cp := msg.Clone()
	if existing, ok := m.index[msg.ID]; ok {
		*existing = *cp
		return nil
	}
	m.index[msg.ID] = cp
	m.messages[msg.GroupID] = append(m.messages[msg.GroupID], cp)
	return nil
}

func (m *Memory) AddMember(_ context.Context, groupID string, member models.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	for i, existing := range m.members[groupID] {
		if existing.ID == member.ID {
			m.members[groupID][i].Name = member.Name
			m.members[groupID][i].Avatar = member.Avatar
			return nil
		}
	}
	m.members[groupID] = append(m.members[groupID], member)
	return nil
}

func (m *Memory) Close() error { return nil }
