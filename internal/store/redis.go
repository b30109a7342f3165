package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"collabup/server/internal/models"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "collabup:chat"

// Redis stores chat state in redis. Each message is a field of a per-group
// hash; a per-group list keeps the receipt order of message IDs.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an open client. The client is closed by Close.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func groupKey(groupID string) string   { return fmt.Sprintf("%s:group:%s", redisPrefix, groupID) }
func membersKey(groupID string) string { return groupKey(groupID) + ":members" }
func memberOrderKey(groupID string) string {
	return groupKey(groupID) + ":member_order"
}
func messagesKey(groupID string) string { return groupKey(groupID) + ":messages" }
func logKey(groupID string) string      { return groupKey(groupID) + ":log" }

// CreateGroup writes the group metadata hash
func (r *Redis) CreateGroup(ctx context.Context, g models.Group) error {
	return r.rdb.HSet(ctx, groupKey(g.ID), "id", g.ID, "name", g.Name, "topic", g.Topic).Err()
}

func (r *Redis) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	vals, err := r.rdb.HGetAll(ctx, groupKey(groupID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	return &models.Group{ID: groupID, Name: vals["name"], Topic: vals["topic"]}, nil
}

func (r *Redis) ListMembers(ctx context.Context, groupID string) ([]models.Member, error) {
	if _, err := r.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	ids, err := r.rdb.LRange(ctx, memberOrderKey(groupID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	members := []models.Member{}
	if len(ids) == 0 {
		return members, nil
	}
	raw, err := r.rdb.HMGet(ctx, membersKey(groupID), ids...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m models.Member
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, err
		}
		m.Status = models.PresenceOffline
		m.IsTyping = false
		members = append(members, m)
	}
	return members, nil
}

func (r *Redis) ListMessages(ctx context.Context, groupID string, limit int) ([]*models.Message, error) {
	if _, err := r.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}
	ids, err := r.rdb.LRange(ctx, logKey(groupID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	messages := []*models.Message{}
	if len(ids) == 0 {
		return messages, nil
	}
	raw, err := r.rdb.HMGet(ctx, messagesKey(groupID), ids...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m models.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, nil
}

func (r *Redis) SaveMessage(ctx context.Context, msg *models.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	created, err := r.rdb.HSetNX(ctx, messagesKey(msg.GroupID), msg.ID, b).Result()
	if err != nil {
		return err
	}
	if created {
		return r.rdb.RPush(ctx, logKey(msg.GroupID), msg.ID).Err()
	}
	return r.rdb.HSet(ctx, messagesKey(msg.GroupID), msg.ID, b).Err()
}

func (r *Redis) AddMember(ctx context.Context, groupID string, member models.Member) error {
	member.Status = ""
	member.IsTyping = false
	b, err := json.Marshal(member)
	if err != nil {
		return err
	}
	created, err := r.rdb.HSetNX(ctx, membersKey(groupID), member.ID, b).Result()
	if err != nil {
		return err
	}
	if created {
		return r.rdb.RPush(ctx, memberOrderKey(groupID), member.ID).Err()
	}
	return r.rdb.HSet(ctx, membersKey(groupID), member.ID, b).Err()
}

func (r *Redis) Close() error {
	err := r.rdb.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
