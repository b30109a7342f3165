package handlers

import (
	"context"
	"time"

	"collabup/server/internal/logger"
	"collabup/server/internal/middleware"
	"collabup/server/internal/models"
	ws "collabup/server/internal/websocket"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// WebSocketUpgrade checks if the request should be upgraded to WebSocket
func (h *Handler) WebSocketUpgrade(c *fiber.Ctx) error {
	// Check if this is a WebSocket upgrade request
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}

	return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
		"success": false,
		"error":   "WebSocket upgrade required",
	})
}

// WebSocketHandler handles WebSocket connections
func (h *Handler) WebSocketHandler(c *websocket.Conn) {
	// Identity was set by the auth middleware before the upgrade
	identity, ok := c.Locals(middleware.LocalIdentity).(models.Identity)
	if !ok || !identity.Valid() {
		logger.Log.Warn("websocket_without_identity")
		return
	}

	client := ws.NewClient(identity, c, h.hub, h.client)
	if !h.hub.Register(client) {
		return
	}

	// Start read and write pumps; ReadPump blocks until the connection closes
	go client.WritePump()
	client.ReadPump()
	logger.Log.Debug("websocket_closed", zap.String("conn", client.ID()))
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	stats, err := h.hub.Stats(ctx)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"error":   "WebSocket hub not running",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    stats,
	})
}
