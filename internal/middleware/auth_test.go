package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collabup/server/internal/models"
	"collabup/server/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthApp() *fiber.App {
	app := fiber.New()
	app.Get("/me", Auth("secret"), func(c *fiber.Ctx) error {
		id, ok := GetIdentity(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString(id.ID + ":" + GetUserID(c))
	})
	return app
}

func TestAuthAcceptsEveryTokenSource(t *testing.T) {
	token, err := utils.GenerateToken("secret", models.Identity{ID: "u1", Name: "Ana"}, time.Hour)
	require.NoError(t, err)
	app := newAuthApp()

	cookie := httptest.NewRequest("GET", "/me", nil)
	cookie.Header.Set("Cookie", "token="+token)
	bearer := httptest.NewRequest("GET", "/me", nil)
	bearer.Header.Set("Authorization", "Bearer "+token)
	query := httptest.NewRequest("GET", "/me?token="+token, nil)

	for _, req := range []*http.Request{cookie, bearer, query} {
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "u1:u1", string(body))
	}
}

func TestAuthRejects(t *testing.T) {
	app := newAuthApp()

	resp, err := app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
