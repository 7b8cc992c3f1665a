package api

import (
	"github.com/creditgate/creditgate/internal/services/gate"
	"github.com/creditgate/creditgate/internal/services/middleware"
	"github.com/gofiber/fiber/v2"
)

type AnalyticsHandler struct {
	gate *gate.Gate
}

func NewAnalyticsHandler(g *gate.Gate) *AnalyticsHandler {
	return &AnalyticsHandler{gate: g}
}

// GetUsage returns net spend per day over the query window
func (h *AnalyticsHandler) GetUsage(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	days := c.QueryInt("days", 30)
	usage, err := h.gate.GetUsage(c.Context(), userID, days)
	if err != nil {
		return renderError(c, err)
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"days":    days,
		"usage":   usage,
	})
}

// GetBreakdown returns spend aggregated by operation category
func (h *AnalyticsHandler) GetBreakdown(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	days := c.QueryInt("days", 30)
	breakdown, err := h.gate.GetBreakdown(c.Context(), userID, days)
	if err != nil {
		return renderError(c, err)
	}

	return c.JSON(fiber.Map{
		"user_id":   userID,
		"days":      days,
		"breakdown": breakdown,
	})
}

// GetForecast projects when the balance runs out at the recent spend
// rate; days_left is null when there is no spend history.
func (h *AnalyticsHandler) GetForecast(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	forecast, err := h.gate.GetForecast(c.Context(), userID)
	if err != nil {
		return renderError(c, err)
	}

	return c.JSON(fiber.Map{
		"user_id":  userID,
		"forecast": forecast,
	})
}
