package middleware

import (
	"math"
	"strconv"
	"time"

	"collabup/server/internal/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"go.uber.org/zap"
)

// Policy is a request budget per caller over a fixed window
type Policy struct {
	Name   string
	Max    int
	Window time.Duration
}

var (
	// ReadPolicy covers the group REST endpoints
	ReadPolicy = Policy{Name: "read", Max: 100, Window: time.Minute}
	// UploadPolicy covers attachment uploads
	UploadPolicy = Policy{Name: "upload", Max: 10, Window: 5 * time.Minute}
	// ConnectPolicy covers websocket handshakes. It runs before Auth, so
	// callers are keyed by IP.
	ConnectPolicy = Policy{Name: "connect", Max: 20, Window: time.Minute}
)

// Handler enforces p. Authenticated callers are counted per user, everyone
// else per client IP, and every policy keeps its own counters.
func (p Policy) Handler() fiber.Handler {
	retryAfter := strconv.Itoa(int(math.Ceil(p.Window.Seconds())))
	return limiter.New(limiter.Config{
		Max:          p.Max,
		Expiration:   p.Window,
		KeyGenerator: p.key,
		LimitReached: func(c *fiber.Ctx) error {
			logger.Log.Warn("rate_limited",
				zap.String("policy", p.Name),
				zap.String("key", p.key(c)),
				zap.String("path", c.Path()),
			)
			c.Set(fiber.HeaderRetryAfter, retryAfter)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"error":   "Too many requests, please try again later",
			})
		},
	})
}

func (p Policy) key(c *fiber.Ctx) string {
	if userID := GetUserID(c); userID != "" {
		return p.Name + ":user:" + userID
	}
	return p.Name + ":ip:" + c.IP()
}
