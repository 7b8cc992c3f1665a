package api

import (
	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/admission"
	"github.com/creditgate/creditgate/internal/services/gate"
	"github.com/creditgate/creditgate/internal/services/middleware"
	"github.com/gofiber/fiber/v2"
)

type AdmissionHandler struct {
	gate *gate.Gate
}

func NewAdmissionHandler(g *gate.Gate) *AdmissionHandler {
	return &AdmissionHandler{gate: g}
}

// CheckRequest represents the request body for a pre-flight check
type CheckRequest struct {
	Kind      models.OperationKind `json:"kind"`
	Qualifier string               `json:"qualifier,omitempty"`
	Payload   []byte               `json:"payload,omitempty"`
}

// CheckResponse represents the outcome of a pre-flight check
type CheckResponse struct {
	Decision      *admission.Decision `json:"decision"`
	CorrelationID string              `json:"correlation_id,omitempty"`
}

// Check runs admission for one operation without executing it. When the
// verdict requires confirmation, the payload is stashed under the
// returned correlation id until the user answers.
func (h *AdmissionHandler) Check(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req CheckRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Kind == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "kind is required",
		})
	}

	ticket, err := h.gate.CheckAndReserve(c.Context(), userID, req.Kind, req.Qualifier, req.Payload)
	if err != nil {
		return renderError(c, err)
	}

	return c.JSON(CheckResponse{
		Decision:      ticket.Decision,
		CorrelationID: ticket.CorrelationID,
	})
}
