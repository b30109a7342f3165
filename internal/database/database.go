package database

import (
	"context"
	"fmt"
	"time"

	"collabup/server/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool and verifies it with a ping
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Log.Info("postgres_connected")
	return pool, nil
}

// AutoMigrate creates the chat tables if they do not exist
func AutoMigrate(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS chat_group_members (
			group_id TEXT REFERENCES chat_groups(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			avatar TEXT,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (group_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			group_id TEXT REFERENCES chat_groups(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			reply_to JSONB,
			reactions JSONB,
			attachments JSONB,
			status TEXT NOT NULL,
			receipts JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_group_seq ON chat_messages (group_id, seq)`,
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
