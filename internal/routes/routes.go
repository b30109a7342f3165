package routes

import (
	"collabup/server/internal/handlers"
	"collabup/server/internal/middleware"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UploadsPrefix is where stored attachments are served
const UploadsPrefix = "/api/v1/uploads"

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, h *handlers.Handler, jwtSecret string, gatherer prometheus.Gatherer) {
	auth := middleware.Auth(jwtSecret)

	// Prometheus exposition (public)
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// API v1 group
	api := app.Group("/api/v1")

	// Health check (public)
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"message": "CollabUp chat is running",
		})
	})

	// Group routes (protected)
	groups := api.Group("/groups", auth, middleware.ReadPolicy.Handler())
	groups.Get("/:groupId", h.GetGroupDetails)
	groups.Get("/:groupId/messages", h.GetGroupMessages)
	groups.Get("/:groupId/members", h.GetGroupMembers)

	// Upload routes (protected)
	uploads := api.Group("/upload", auth)
	uploads.Post("/file", middleware.UploadPolicy.Handler(), h.UploadFile)

	// Serve uploaded files (public)
	api.Get("/uploads/:type/:filename", h.GetFile)

	// WebSocket route (protected)
	api.Get("/ws", middleware.ConnectPolicy.Handler(), auth, h.WebSocketUpgrade, websocket.New(h.WebSocketHandler))

	// WebSocket stats (protected, for debugging)
	api.Get("/ws/stats", auth, h.GetWebSocketStats)
}
