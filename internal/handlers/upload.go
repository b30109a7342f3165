package handlers

import (
	"errors"

	"collabup/server/internal/attachments"
	"collabup/server/internal/logger"
	"collabup/server/internal/models"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// UploadFile handles file uploads
func (h *Handler) UploadFile(c *fiber.Ctx) error {
	// Get file from form
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "No file uploaded",
		})
	}

	kind := models.AttachmentType(c.Query("type", string(models.AttachmentFile)))

	src, err := file.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to read upload",
		})
	}
	defer src.Close()

	up, err := h.uploads.Save(kind, file.Filename, file.Size, src)
	if err != nil {
		if errors.Is(err, attachments.ErrTooLarge) || errors.Is(err, attachments.ErrBadType) || errors.Is(err, attachments.ErrExtension) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
			})
		}
		logger.Log.Error("upload_failed", zap.String("filename", file.Filename), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to save file",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    up,
	})
}

// GetFile serves uploaded files
func (h *Handler) GetFile(c *fiber.Ctx) error {
	f, contentType, err := h.uploads.Open(c.Params("type"), c.Params("filename"))
	switch {
	case errors.Is(err, attachments.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "File not found",
		})
	case errors.Is(err, attachments.ErrBadType), errors.Is(err, attachments.ErrBadPath):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid file type",
		})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to open file",
		})
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to get file info",
		})
	}

	c.Set(fiber.HeaderContentType, contentType)
	return c.SendStream(f, int(info.Size()))
}
