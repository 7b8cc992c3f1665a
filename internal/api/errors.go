package api

import (
	"github.com/creditgate/creditgate/internal/models"
	"github.com/gofiber/fiber/v2"
)

// renderError maps a core error onto its HTTP status and a sanitized
// JSON body.
func renderError(c *fiber.Ctx, err error) error {
	appErr := models.SanitizeError(err)
	return c.Status(appErr.GetStatusCode()).JSON(fiber.Map{
		"error": appErr.Message,
		"type":  appErr.Type,
	})
}
