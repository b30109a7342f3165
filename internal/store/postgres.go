package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"collabup/server/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores chat state in PostgreSQL through a pgx pool
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool. The pool is closed by Close.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// CreateGroup inserts a group, updating name and topic if it exists
func (p *Postgres) CreateGroup(ctx context.Context, g models.Group) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chat_groups (id, name, topic) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, topic = EXCLUDED.topic
	`, g.ID, g.Name, g.Topic)
	return err
}

func (p *Postgres) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	var g models.Group
	err := p.pool.QueryRow(ctx, `SELECT id, name, topic FROM chat_groups WHERE id = $1`, groupID).
		Scan(&g.ID, &g.Name, &g.Topic)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (p *Postgres) ListMembers(ctx context.Context, groupID string) ([]models.Member, error) {
	if _, err := p.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT user_id, name, avatar FROM chat_group_members
		WHERE group_id = $1
		ORDER BY joined_at ASC
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []models.Member{}
	for rows.Next() {
		m := models.Member{Status: models.PresenceOffline}
		if err := rows.Scan(&m.ID, &m.Name, &m.Avatar); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (p *Postgres) ListMessages(ctx context.Context, groupID string, limit int) ([]*models.Message, error) {
	if _, err := p.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, group_id, seq, client_id, sender_id, sender_name, content, created_at,
			reply_to, reactions, attachments, status, receipts
		FROM (
			SELECT * FROM chat_messages WHERE group_id = $1 ORDER BY seq DESC LIMIT $2
		) recent
		ORDER BY seq ASC
	`, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		var (
			m                                      models.Message
			replyTo, reactions, attachments, rcpts []byte
			status                                 string
		)
		err := rows.Scan(&m.ID, &m.GroupID, &m.Seq, &m.ClientID, &m.SenderID, &m.SenderName,
			&m.Content, &m.Timestamp, &replyTo, &reactions, &attachments, &status, &rcpts)
		if err != nil {
			return nil, err
		}
		m.Status = models.Status(status)
		if err := decodeJSON(replyTo, &m.ReplyTo); err != nil {
			return nil, err
		}
		if err := decodeJSON(reactions, &m.Reactions); err != nil {
			return nil, err
		}
		if err := decodeJSON(attachments, &m.Attachments); err != nil {
			return nil, err
		}
		if err := decodeJSON(rcpts, &m.Receipts); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

func (p *Postgres) SaveMessage(ctx context.Context, msg *models.Message) error {
	replyTo, err := encodeJSON(msg.ReplyTo)
	if err != nil {
		return err
	}
	reactions, err := encodeJSON(msg.Reactions)
	if err != nil {
		return err
	}
	attachments, err := encodeJSON(msg.Attachments)
	if err != nil {
		return err
	}
	receipts, err := encodeJSON(msg.Receipts)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, group_id, seq, client_id, sender_id, sender_name, content,
			created_at, reply_to, reactions, attachments, status, receipts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			reactions = EXCLUDED.reactions,
			status = EXCLUDED.status,
			receipts = EXCLUDED.receipts
	`, msg.ID, msg.GroupID, msg.Seq, msg.ClientID, msg.SenderID, msg.SenderName, msg.Content,
		msg.Timestamp, replyTo, reactions, attachments, string(msg.Status), receipts)
	return err
}

func (p *Postgres) AddMember(ctx context.Context, groupID string, member models.Member) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chat_group_members (group_id, user_id, name, avatar)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, user_id) DO UPDATE SET name = EXCLUDED.name, avatar = EXCLUDED.avatar
	`, groupID, member.ID, member.Name, member.Avatar)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// encodeJSON returns nil for empty values so the column stays NULL
func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func decodeJSON(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
