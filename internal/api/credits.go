package api

import (
	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/gate"
	"github.com/creditgate/creditgate/internal/services/middleware"
	"github.com/gofiber/fiber/v2"
)

type CreditsHandler struct {
	gate *gate.Gate
}

func NewCreditsHandler(g *gate.Gate) *CreditsHandler {
	return &CreditsHandler{gate: g}
}

// GetBalanceResponse represents the response for balance queries
type GetBalanceResponse struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

// GetBalance retrieves the caller's current credit balance
func (h *CreditsHandler) GetBalance(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	balance, err := h.gate.GetBalance(c.Context(), userID)
	if err != nil {
		return renderError(c, err)
	}

	return c.JSON(GetBalanceResponse{UserID: userID, Balance: balance})
}

// GetHistoryResponse represents the response for ledger history queries
type GetHistoryResponse struct {
	UserID  int64                `json:"user_id"`
	Days    int                  `json:"days"`
	Entries []models.LedgerEntry `json:"entries"`
}

// GetHistory lists the caller's ledger entries over a rolling window
func (h *CreditsHandler) GetHistory(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	days := c.QueryInt("days", 30)
	if days <= 0 || days > 365 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "days must be between 1 and 365",
		})
	}

	entries, err := h.gate.GetHistory(c.Context(), userID, days)
	if err != nil {
		return renderError(c, err)
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}

	return c.JSON(GetHistoryResponse{UserID: userID, Days: days, Entries: entries})
}
