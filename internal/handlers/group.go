package handlers

import (
	"errors"
	"strconv"

	"collabup/server/internal/logger"
	"collabup/server/internal/models"
	"collabup/server/internal/store"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// GetGroupDetails returns a group with its current roster
func (h *Handler) GetGroupDetails(c *fiber.Ctx) error {
	groupID := c.Params("groupId")

	group, ok, err := h.lookupGroup(c, groupID)
	if !ok {
		return err
	}

	members, err := h.members(c, groupID)
	if err != nil {
		return internalError(c, "get_group_members_failed", groupID, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": models.GroupWithMembers{
			Group:   *group,
			Members: members,
		},
	})
}

// GetGroupMembers returns the roster with presence
func (h *Handler) GetGroupMembers(c *fiber.Ctx) error {
	groupID := c.Params("groupId")
	if _, ok, err := h.lookupGroup(c, groupID); !ok {
		return err
	}

	members, err := h.members(c, groupID)
	if err != nil {
		return internalError(c, "get_group_members_failed", groupID, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    members,
	})
}

// GetGroupMessages returns the newest messages of a group, oldest first
func (h *Handler) GetGroupMessages(c *fiber.Ctx) error {
	groupID := c.Params("groupId")

	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "limit must be a positive integer",
			})
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	if _, ok, err := h.lookupGroup(c, groupID); !ok {
		return err
	}

	messages, loaded, err := h.hub.History(c.UserContext(), groupID, limit)
	if err != nil {
		return internalError(c, "get_group_messages_failed", groupID, err)
	}
	if !loaded {
		messages, err = h.store.ListMessages(c.UserContext(), groupID, limit)
		if err != nil {
			return internalError(c, "get_group_messages_failed", groupID, err)
		}
	}
	if messages == nil {
		messages = []*models.Message{}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    messages,
	})
}

// lookupGroup answers 404 itself when the group does not exist
func (h *Handler) lookupGroup(c *fiber.Ctx, groupID string) (*models.Group, bool, error) {
	group, err := h.store.GetGroup(c.UserContext(), groupID)
	if err == nil {
		return group, true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Group not found",
		})
	}
	return nil, false, internalError(c, "get_group_failed", groupID, err)
}

// members prefers the live roster of a loaded room
func (h *Handler) members(c *fiber.Ctx, groupID string) ([]models.Member, error) {
	members, loaded, err := h.hub.Members(c.UserContext(), groupID)
	if err != nil {
		return nil, err
	}
	if !loaded {
		members, err = h.store.ListMembers(c.UserContext(), groupID)
		if err != nil {
			return nil, err
		}
	}
	if members == nil {
		members = []models.Member{}
	}
	return members, nil
}

func internalError(c *fiber.Ctx, event, groupID string, err error) error {
	logger.Log.Error(event, zap.String("group", groupID), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"error":   "Database error",
	})
}
