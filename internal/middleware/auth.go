package middleware

import (
	"strings"

	"collabup/server/internal/models"
	"collabup/server/internal/utils"

	"github.com/gofiber/fiber/v2"
)

// Keys under which Auth stores the caller in fiber locals
const (
	LocalIdentity = "identity"
	LocalUserID   = "userID"
)

// Auth validates the JWT from the "token" cookie, an Authorization bearer
// header or the token query parameter, in that order.
func Auth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Unauthorized - No token provided",
			})
		}

		claims, err := utils.ValidateToken(secret, tokenString)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Unauthorized - Invalid token",
			})
		}

		c.Locals(LocalIdentity, claims.Identity())
		c.Locals(LocalUserID, claims.UserID)

		return c.Next()
	}
}

func tokenFrom(c *fiber.Ctx) string {
	if t := c.Cookies("token"); t != "" {
		return t
	}
	if h := c.Get(fiber.HeaderAuthorization); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return c.Query("token")
}

// GetIdentity gets the authenticated identity from context
func GetIdentity(c *fiber.Ctx) (models.Identity, bool) {
	id, ok := c.Locals(LocalIdentity).(models.Identity)
	return id, ok
}

// GetUserID gets user ID from context
func GetUserID(c *fiber.Ctx) string {
	userID, ok := c.Locals(LocalUserID).(string)
	if !ok {
		return ""
	}
	return userID
}
