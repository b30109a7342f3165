package handlers

import (
	"collabup/server/internal/attachments"
	"collabup/server/internal/chat"
	"collabup/server/internal/store"
	ws "collabup/server/internal/websocket"
)

const maxHistoryLimit = 500

// Handler serves the HTTP and websocket surface of the chat server
type Handler struct {
	hub          *chat.Hub
	store        store.Store
	uploads      *attachments.Local
	historyLimit int
	client       ws.Options
}

// Config carries the collaborators of a Handler
type Config struct {
	Hub          *chat.Hub
	Store        store.Store
	Uploads      *attachments.Local
	HistoryLimit int
	Client       ws.Options
}

// New creates a handler
func New(cfg Config) *Handler {
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 50
	}
	return &Handler{
		hub:          cfg.Hub,
		store:        cfg.Store,
		uploads:      cfg.Uploads,
		historyLimit: cfg.HistoryLimit,
		client:       cfg.Client,
	}
}
